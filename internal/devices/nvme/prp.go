package nvme

import (
	"encoding/binary"
	"fmt"
)

// prpError is a malformed PRP entry; the command fails with
// "PRP Offset Invalid".
type prpError string

func (e prpError) Error() string { return "nvme-emu: " + string(e) }

// dma walks the PRP entries describing an n-byte buffer and calls fn for
// each physically contiguous piece with the byte range [start,end) of the
// transfer it covers.
func (c *Controller) dma(prp1, prp2 uint64, n int, fn func(addr uint64, start, end int) error) error {
	if prp1&3 != 0 {
		return prpError(fmt.Sprintf("prp1 %#x not dword aligned", prp1))
	}
	pos := min(n, pageSize-int(prp1%pageSize))
	if err := fn(prp1, 0, pos); err != nil {
		return err
	}
	if pos == n {
		return nil
	}

	if n-pos <= pageSize {
		if prp2%pageSize != 0 {
			return prpError(fmt.Sprintf("prp2 %#x not page aligned", prp2))
		}
		return fn(prp2, pos, n)
	}

	if prp2&7 != 0 {
		return prpError(fmt.Sprintf("prp list %#x not qword aligned", prp2))
	}
	list := prp2
	var raw [8]byte
	for pos < n {
		if _, err := c.mem.ReadAt(raw[:], int64(list)); err != nil {
			return fmt.Errorf("nvme-emu: read prp list: %w", err)
		}
		entry := binary.LittleEndian.Uint64(raw[:])
		// the last slot of a list page chains to the next list page
		if (list+8)%pageSize == 0 && n-pos > pageSize {
			if entry&7 != 0 {
				return prpError(fmt.Sprintf("prp list chain %#x not qword aligned", entry))
			}
			list = entry
			continue
		}
		if entry%pageSize != 0 {
			return prpError(fmt.Sprintf("prp entry %#x not page aligned", entry))
		}
		end := min(n, pos+pageSize)
		if err := fn(entry, pos, end); err != nil {
			return err
		}
		pos = end
		list += 8
	}
	return nil
}
