// Package timeslice records how long the driver spends in each bounded wait
// to a compact binary trace. A trace is a header, a JSON table of kinds,
// padding to a 4096 byte boundary and then fixed size records.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3

	blockSize = 4096
)

var ErrClosed = errors.New("timeslice: writer closed")

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

// Kind identifies a class of timed operation.
type Kind uint32

const InvalidKind = Kind(0)

// Flags describe a kind or a single record.
type Flags uint32

const (
	// FlagWait marks kinds that poll the hardware.
	FlagWait Flags = 1 << iota
	// FlagSubmit marks kinds that write to the ring.
	FlagSubmit
	// FlagTimedOut is set on records whose wait gave up.
	FlagTimedOut
)

func (f Flags) String() string {
	var names []string
	if f&FlagWait != 0 {
		names = append(names, "wait")
	}
	if f&FlagSubmit != 0 {
		names = append(names, "submit")
	}
	if f&FlagTimedOut != 0 {
		names = append(names, "timedout")
	}
	return strings.Join(names, ",")
}

type KindInfo struct {
	Name  string
	Flags Flags
}

var (
	kindsMu sync.Mutex
	kinds   = make(map[Kind]KindInfo)
)

// RegisterKind adds a kind to the table written at the head of every trace.
// Kinds registered after a Writer is opened are not visible to readers of
// that trace, so register them from package level vars.
func RegisterKind(name string, flags Flags) Kind {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	id := Kind(len(kinds) + 1)
	kinds[id] = KindInfo{Name: name, Flags: flags}
	return id
}

type record struct {
	Kind     Kind
	Flags    Flags
	Duration int64
}

var recordSize = binary.Size(record{})

// Writer streams records to an io.Writer from a background goroutine. A nil
// *Writer discards everything, so callers can trace unconditionally.
type Writer struct {
	w    io.Writer
	recs chan record
	done chan error

	mu     sync.Mutex
	closed bool
}

// NewWriter writes the trace header and starts the writer goroutine.
func NewWriter(w io.Writer) (*Writer, error) {
	kindsMu.Lock()
	table, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(table)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}
	if pad := padding(binary.Size(header{}) + len(table)); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	tw := &Writer{
		w:    w,
		recs: make(chan record, blockSize),
		done: make(chan error, 1),
	}
	go tw.run()
	return tw, nil
}

func padding(off int) int {
	if off%blockSize == 0 {
		return 0
	}
	return blockSize - off%blockSize
}

func (tw *Writer) run() {
	var buf [blockSize]byte
	off := 0

	for rec := range tw.recs {
		if off+recordSize > len(buf) {
			if _, err := tw.w.Write(buf[:off]); err != nil {
				tw.done <- err
				// Drain so Record never blocks on a dead writer.
				for range tw.recs {
				}
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint32(buf[off:], uint32(rec.Kind))
		binary.LittleEndian.PutUint32(buf[off+4:], uint32(rec.Flags))
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(rec.Duration))
		off += recordSize
	}

	if off > 0 {
		if _, err := tw.w.Write(buf[:off]); err != nil {
			tw.done <- err
			return
		}
	}
	tw.done <- nil
}

// Record appends one record. It is a no-op on a nil or closed Writer.
func (tw *Writer) Record(kind Kind, flags Flags, d time.Duration) {
	if tw == nil {
		return
	}
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.closed {
		return
	}
	tw.recs <- record{Kind: kind, Flags: flags, Duration: d.Nanoseconds()}
}

// Span times one operation.
type Span struct {
	tw    *Writer
	kind  Kind
	start time.Time
}

// Start begins timing an operation of the given kind.
func (tw *Writer) Start(kind Kind) Span {
	if tw == nil {
		return Span{}
	}
	return Span{tw: tw, kind: kind, start: time.Now()}
}

// End records the span. A non-nil err marks it as timed out.
func (s Span) End(err error) {
	if s.tw == nil {
		return
	}
	var flags Flags
	if err != nil {
		flags |= FlagTimedOut
	}
	s.tw.Record(s.kind, flags, time.Since(s.start))
}

// Close flushes buffered records and stops the writer goroutine.
func (tw *Writer) Close() error {
	tw.mu.Lock()
	if tw.closed {
		tw.mu.Unlock()
		return ErrClosed
	}
	tw.closed = true
	close(tw.recs)
	tw.mu.Unlock()

	if err := <-tw.done; err != nil {
		return fmt.Errorf("timeslice: write records: %w", err)
	}
	return nil
}

// Entry is one decoded record.
type Entry struct {
	Kind     string
	Flags    Flags
	Duration time.Duration
}

// ReadAll decodes every record in a trace and passes it to fn. The entry
// flags combine the kind flags with the record flags.
func ReadAll(r io.Reader, fn func(Entry) error) error {
	buf := bufio.NewReaderSize(r, blockSize)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: bad magic 0x%08x", hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	var table map[Kind]KindInfo
	dec := json.NewDecoder(io.LimitReader(buf, int64(hdr.KindsLength)))
	if err := dec.Decode(&table); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}
	if pad := padding(binary.Size(hdr) + int(hdr.KindsLength)); pad > 0 {
		if _, err := buf.Discard(pad); err != nil {
			return fmt.Errorf("timeslice: skip padding: %w", err)
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		info, ok := table[rec.Kind]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", rec.Kind)
		}
		if err := fn(Entry{
			Kind:     info.Name,
			Flags:    info.Flags | rec.Flags,
			Duration: time.Duration(rec.Duration),
		}); err != nil {
			return err
		}
	}
}

// Summary aggregates every record of one kind.
type Summary struct {
	Kind     string
	Flags    Flags
	Count    int
	TimedOut int
	Sum      time.Duration
	Min      time.Duration
	Max      time.Duration
}

func (s *Summary) add(e Entry) {
	s.Count++
	if e.Flags&FlagTimedOut != 0 {
		s.TimedOut++
	}
	s.Sum += e.Duration
	if s.Count == 1 || e.Duration < s.Min {
		s.Min = e.Duration
	}
	if e.Duration > s.Max {
		s.Max = e.Duration
	}
}

// Avg returns the mean duration.
func (s Summary) Avg() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / time.Duration(s.Count)
}

// Summarize reads a whole trace and returns one summary per kind, ordered
// by first appearance.
func Summarize(r io.Reader) ([]Summary, error) {
	var out []Summary
	index := make(map[string]int)
	err := ReadAll(r, func(e Entry) error {
		i, ok := index[e.Kind]
		if !ok {
			i = len(out)
			index[e.Kind] = i
			out = append(out, Summary{Kind: e.Kind, Flags: e.Flags &^ FlagTimedOut})
		}
		out[i].add(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return slices.Clip(out), nil
}
