// Package trace records per-command latency to a compact binary stream.
//
// A stream is a header, a JSON table naming each (queue class, opcode) pair,
// padding to a 4096-byte boundary and then fixed-size little-endian records.
package trace

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	Magic   uint32 = 0x5254564e // "NVTR"
	Version uint32 = 1
)

var ErrClosed = errors.New("trace: recorder closed")

type header struct {
	Magic       uint32
	Version     uint32
	NamesLength uint32
}

// Class separates admin from I/O opcodes, which overlap numerically.
type Class uint8

const (
	Admin Class = iota
	IO
)

func (c Class) String() string {
	if c == Admin {
		return "admin"
	}
	return "io"
}

// Event is one completed (or abandoned) command.
type Event struct {
	Class    Class
	Queue    uint16
	Opcode   uint8
	Status   uint16
	Duration time.Duration
	// Name is filled in by ReadAll from the stream's name table.
	Name string
}

type record struct {
	Class    uint8
	Opcode   uint8
	Queue    uint16
	Status   uint16
	_        uint16
	Duration int64
}

var recordSize = binary.Size(record{})

// Names maps "class/opcode" keys, as produced by Key, to readable names.
type Names map[string]string

// Key returns the name table key of an opcode.
func Key(class Class, opcode uint8) string {
	return fmt.Sprintf("%s/%02x", class, opcode)
}

// Recorder writes events from any goroutine to one stream.
type Recorder struct {
	mu       sync.Mutex
	closed   bool
	events   chan record
	complete chan error
	w        io.Writer
}

// NewRecorder writes the stream header and starts the writer goroutine.
func NewRecorder(w io.Writer, names Names) (*Recorder, error) {
	table, err := json.Marshal(names)
	if err != nil {
		return nil, fmt.Errorf("trace: marshal names: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		NamesLength: uint32(len(table)),
	}); err != nil {
		return nil, fmt.Errorf("trace: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("trace: write names: %w", err)
	}

	off := binary.Size(header{}) + len(table)
	if off%4096 != 0 {
		if _, err := w.Write(make([]byte, 4096-off%4096)); err != nil {
			return nil, fmt.Errorf("trace: write padding: %w", err)
		}
	}

	r := &Recorder{
		w:        w,
		events:   make(chan record, 4096),
		complete: make(chan error, 1),
	}
	go r.run()
	return r, nil
}

func (r *Recorder) run() {
	var buf [4096]byte
	off := 0

	for rec := range r.events {
		if off+recordSize > len(buf) {
			if _, err := r.w.Write(buf[:off]); err != nil {
				r.complete <- err
				// drain so Record never blocks
				for range r.events {
				}
				return
			}
			off = 0
		}
		buf[off] = rec.Class
		buf[off+1] = rec.Opcode
		binary.LittleEndian.PutUint16(buf[off+2:], rec.Queue)
		binary.LittleEndian.PutUint16(buf[off+4:], rec.Status)
		binary.LittleEndian.PutUint16(buf[off+6:], 0)
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(rec.Duration))
		off += recordSize
	}

	if off > 0 {
		if _, err := r.w.Write(buf[:off]); err != nil {
			r.complete <- err
			return
		}
	}
	r.complete <- nil
}

// Record queues an event. It is a no-op on a nil or closed Recorder.
func (r *Recorder) Record(ev Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.events <- record{
		Class:    uint8(ev.Class),
		Opcode:   ev.Opcode,
		Queue:    ev.Queue,
		Status:   ev.Status,
		Duration: ev.Duration.Nanoseconds(),
	}
}

// Close flushes buffered events. It does not close the underlying writer.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()

	if err := <-r.complete; err != nil {
		return fmt.Errorf("trace: write records: %w", err)
	}
	return nil
}

// ReadAll decodes a stream and calls fn for every event in order.
func ReadAll(r io.Reader, fn func(Event) error) error {
	buf := bufio.NewReaderSize(r, 4096)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("trace: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("trace: invalid magic %#x", hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("trace: unsupported version %d", hdr.Version)
	}

	var names Names
	dec := json.NewDecoder(io.LimitReader(buf, int64(hdr.NamesLength)))
	if err := dec.Decode(&names); err != nil {
		return fmt.Errorf("trace: decode names: %w", err)
	}

	off := int(hdr.NamesLength) + binary.Size(hdr)
	if off%4096 != 0 {
		if _, err := buf.Discard(4096 - off%4096); err != nil {
			return fmt.Errorf("trace: skip padding: %w", err)
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("trace: read record: %w", err)
		}
		ev := Event{
			Class:    Class(rec.Class),
			Queue:    rec.Queue,
			Opcode:   rec.Opcode,
			Status:   rec.Status,
			Duration: time.Duration(rec.Duration),
		}
		ev.Name = names[Key(ev.Class, ev.Opcode)]
		if ev.Name == "" {
			ev.Name = Key(ev.Class, ev.Opcode)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

// Summary aggregates events sharing a name.
type Summary struct {
	Name     string
	Count    int
	Failures int
	Total    time.Duration
	Max      time.Duration
}

// Mean returns the average latency.
func (s Summary) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Summarize reads a stream and groups it by event name, in first-seen order.
func Summarize(r io.Reader) ([]Summary, error) {
	var out []Summary
	index := make(map[string]int)
	err := ReadAll(r, func(ev Event) error {
		i, ok := index[ev.Name]
		if !ok {
			i = len(out)
			index[ev.Name] = i
			out = append(out, Summary{Name: ev.Name})
		}
		s := &out[i]
		s.Count++
		if (ev.Status>>1)&0xff != 0 {
			s.Failures++
		}
		s.Total += ev.Duration
		s.Max = max(s.Max, ev.Duration)
		return nil
	})
	return out, err
}
