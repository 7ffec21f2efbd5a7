package freelist

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/cce/internal/mmio"
)

type tickDelayer struct {
	ticks  uint32
	onTick func()
}

func (d *tickDelayer) Udelay(usec uint32) {
	for range usec {
		d.ticks++
		if d.onTick != nil {
			d.onTick()
		}
	}
}

func newPool(t *testing.T, count int, timeout uint32) (*Pool, *tickDelayer) {
	t.Helper()
	d := &tickDelayer{}
	p, err := New(Config{Count: count, BufferBytes: 0x1000, Delayer: d, TimeoutUsec: timeout})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, d
}

func TestNewValidates(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"ZeroCount", Config{Count: 0, BufferBytes: 16, Delayer: mmio.SpinDelayer{}}},
		{"ZeroSize", Config{Count: 1, Delayer: mmio.SpinDelayer{}}},
		{"NoDelayer", Config{Count: 1, BufferBytes: 16}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Fatalf("New(%+v) succeeded", tt.cfg)
			}
		})
	}
}

func TestAcquireTakesFreeBuffersInOrder(t *testing.T) {
	p, d := newPool(t, 3, 10)
	never := func() uint32 { t.Fatal("completed read while free buffers remain"); return 0 }

	for want := range 3 {
		h, err := p.Acquire(7, never)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if h.Index != want || h.Offset != uint64(want)*0x1000 || h.Size != 0x1000 {
			t.Fatalf("Acquire = %+v, want index %d", h, want)
		}
	}
	if d.ticks != 0 {
		t.Fatalf("free acquisitions waited %d ticks", d.ticks)
	}
}

func TestAcquireReclaimsCompletedAge(t *testing.T) {
	p, d := newPool(t, 2, 100)
	for range 2 {
		if _, err := p.Acquire(1, nil); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}
	p.Stamp(1, 5)

	// The engine reaches age 5 on the fourth poll.
	var done uint32 = 2
	d.onTick = func() { done++ }
	reads := 0
	h, err := p.Acquire(2, func() uint32 { reads++; return done })
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if reads != 4 || d.ticks != 3 {
		t.Fatalf("reads=%d ticks=%d, want 4 and 3", reads, d.ticks)
	}
	b, _ := p.Get(h.Index)
	if b.Owner != 2 || b.Pending {
		t.Fatalf("reclaimed buffer = %+v", b)
	}
}

func TestAcquireNeverReclaimsNewerAge(t *testing.T) {
	p, d := newPool(t, 1, 10)
	if _, err := p.Acquire(1, nil); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Stamp(1, 9)

	_, err := p.Acquire(2, func() uint32 { return 8 })
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("Acquire = %v, want ErrWouldBlock", err)
	}
	if d.ticks != 10 {
		t.Fatalf("waited %d ticks, want 10", d.ticks)
	}
	b, _ := p.Get(0)
	if b.Owner != 1 || !b.Pending || b.Age != 9 {
		t.Fatalf("buffer changed on failed acquire: %+v", b)
	}
}

func TestAcquireIgnoresHeldUnsubmittedBuffers(t *testing.T) {
	p, _ := newPool(t, 1, 5)
	if _, err := p.Acquire(1, nil); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// Age 0 is reached, but the buffer was never submitted.
	if _, err := p.Acquire(2, func() uint32 { return 100 }); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("Acquire = %v, want ErrWouldBlock", err)
	}
}

func TestStampOnlyTouchesOwnersUnsubmitted(t *testing.T) {
	p, _ := newPool(t, 4, 1)
	for _, owner := range []ContextID{1, 1, 2} {
		if _, err := p.Acquire(owner, nil); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}
	if n := p.Stamp(1, 3); n != 2 {
		t.Fatalf("Stamp stamped %d, want 2", n)
	}
	if n := p.Stamp(1, 4); n != 0 {
		t.Fatalf("second Stamp restamped %d pending buffers", n)
	}
	if n := p.Stamp(NoOwner, 4); n != 0 {
		t.Fatalf("Stamp(NoOwner) stamped %d free buffers", n)
	}

	want := []Buffer{
		{Index: 0, Owner: 1, Age: 3, Pending: true, Offset: 0, Size: 0x1000},
		{Index: 1, Owner: 1, Age: 3, Pending: true, Offset: 0x1000, Size: 0x1000},
		{Index: 2, Owner: 2, Offset: 0x2000, Size: 0x1000},
		{Index: 3, Offset: 0x3000, Size: 0x1000},
	}
	if diff := cmp.Diff(want, p.Snapshot()); diff != "" {
		t.Fatalf("pool mismatch (-want +got):\n%s", diff)
	}
	if p.PendingFor(1) != 2 || p.PendingFor(2) != 0 {
		t.Fatalf("PendingFor = %d, %d", p.PendingFor(1), p.PendingFor(2))
	}
}

func TestResetAgesAndClearPending(t *testing.T) {
	p, _ := newPool(t, 3, 1)
	for range 3 {
		if _, err := p.Acquire(1, nil); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}
	p.Stamp(1, 40)

	p.ResetAges()
	for _, b := range p.Snapshot() {
		if b.Age != 0 {
			t.Fatalf("buffer %d age %d after ResetAges", b.Index, b.Age)
		}
	}

	p.ClearPending()
	for _, b := range p.Snapshot() {
		if b.Pending || b.Owner != NoOwner {
			t.Fatalf("buffer %d after ClearPending: %+v", b.Index, b)
		}
	}
}

func TestRelease(t *testing.T) {
	p, _ := newPool(t, 3, 1)
	for _, owner := range []ContextID{1, 1, 2} {
		if _, err := p.Acquire(owner, nil); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}
	p.Stamp(1, 6)
	if _, err := p.Acquire(1, func() uint32 { return 0 }); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("pool should be exhausted, got %v", err)
	}

	// Context 2 holds an unsubmitted buffer; context 1 only pending ones.
	if n := p.Release(2); n != 1 {
		t.Fatalf("Release(2) = %d", n)
	}
	if n := p.Release(1); n != 0 {
		t.Fatalf("Release(1) freed %d pending buffers", n)
	}
	b, _ := p.Get(0)
	if b.Owner != 1 || !b.Pending || b.Age != 6 {
		t.Fatalf("pending buffer disturbed by Release: %+v", b)
	}

	h, err := p.Acquire(3, nil)
	if err != nil || h.Index != 2 {
		t.Fatalf("Acquire after Release = %+v, %v", h, err)
	}
}

func TestGetOutOfRange(t *testing.T) {
	p, _ := newPool(t, 1, 1)
	if _, err := p.Get(1); err == nil {
		t.Fatalf("Get(1) succeeded on a one buffer pool")
	}
	if _, err := p.Get(-1); err == nil {
		t.Fatalf("Get(-1) succeeded")
	}
}
