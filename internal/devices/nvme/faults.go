package nvme

type adminFault struct {
	opcode uint8
	status uint16
}

type faults struct {
	ioFailures    int
	ioStatus      uint16
	admin         []adminFault
	stall         bool
	stallAfter    int
	neverReady    bool
	fatalOnEnable bool
}

func (f *faults) takeIO() (uint16, bool) {
	if f.ioFailures == 0 {
		return 0, false
	}
	f.ioFailures--
	return f.ioStatus, true
}

func (f *faults) takeAdmin(opcode uint8) (uint16, bool) {
	for i, a := range f.admin {
		if a.opcode == opcode {
			f.admin = append(f.admin[:i], f.admin[i+1:]...)
			return a.status, true
		}
	}
	return 0, false
}

// FailIO makes the next n read or write commands complete with status.
func (c *Controller) FailIO(n int, status uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults.ioFailures = n
	c.faults.ioStatus = status
}

// FailAdmin makes the next admin command with opcode complete with status.
func (c *Controller) FailAdmin(opcode uint8, status uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults.admin = append(c.faults.admin, adminFault{opcode: opcode, status: status})
}

// Stall makes the controller fetch commands without ever completing them.
func (c *Controller) Stall(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults.stall = on
}

// StallAfter completes the next n commands and then stops completing any.
func (c *Controller) StallAfter(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults.stallAfter = len(c.commands) + n
}

// NeverReady keeps CSTS.RDY clear after the controller is enabled.
func (c *Controller) NeverReady(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults.neverReady = on
}

// FatalOnEnable sets CSTS.CFS instead of CSTS.RDY when enabled.
func (c *Controller) FatalOnEnable(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults.fatalOnEnable = on
}
