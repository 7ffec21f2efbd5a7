package ring

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/tinyrange/cce/internal/mmio"
	"github.com/tinyrange/cce/internal/regs"
	"github.com/tinyrange/cce/internal/shm"
)

// regFile is a Bus backed by a plain map.
type regFile map[uint32]uint32

func (f regFile) Read32(off uint32) uint32     { return f[off] }
func (f regFile) Write32(off uint32, v uint32) { f[off] = v }

type testRing struct {
	*Ring
	rec   *mmio.Recorder
	rptr  *shm.Memory
	ticks uint32
	// onTick runs once per microsecond of delay, standing in for hardware.
	onTick func()
}

func newTestRing(t *testing.T, words uint32, timeout uint32) *testRing {
	t.Helper()

	h := shm.NewHeapMapper()
	storage, err := h.Map(shm.Region{Name: "ring", Offset: 0x10000, Size: uint64(words) * 4})
	if err != nil {
		t.Fatalf("Map ring: %v", err)
	}
	rptr, err := h.Map(shm.Region{Name: "ring_rptr", Offset: 0x8000, Size: 4096})
	if err != nil {
		t.Fatalf("Map rptr: %v", err)
	}

	tr := &testRing{rec: mmio.NewRecorder(regFile{}), rptr: rptr}
	r, err := New(Config{
		Storage: storage,
		ReadPtr: rptr,
		Bus:     tr.rec,
		Delayer: mmio.DelayFunc(func(usec uint32) {
			for range usec {
				tr.ticks++
				if tr.onTick != nil {
					tr.onTick()
				}
			}
		}),
		TimeoutUsec: timeout,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tr.Ring = r
	return tr
}

// consume advances the hardware head by n words.
func (tr *testRing) consume(n uint32) {
	tr.rptr.Store32(0, (tr.rptr.Load32(0)+n)&(tr.Size()-1))
}

func TestNewRejectsBadSizes(t *testing.T) {
	h := shm.NewHeapMapper()
	rptr, _ := h.Map(shm.Region{Name: "rptr", Offset: 0, Size: 4})
	for _, words := range []uint64{1, 3, 100} {
		storage, err := h.Map(shm.Region{Name: "ring", Offset: 0x1000 * words, Size: words * 4})
		if err != nil {
			t.Fatalf("Map: %v", err)
		}
		_, err = New(Config{
			Storage: storage,
			ReadPtr: rptr,
			Bus:     regFile{},
			Delayer: mmio.SpinDelayer{},
		})
		if err == nil {
			t.Fatalf("New accepted a %d word ring", words)
		}
	}
}

func TestSizeL2QW(t *testing.T) {
	tr := newTestRing(t, 1024, 10)
	// 1024 words = 4096 bytes = 512 quad words.
	if got := tr.SizeL2QW(); got != 9 {
		t.Fatalf("SizeL2QW = %d, want 9", got)
	}
}

func TestFreeSpaceInvariant(t *testing.T) {
	const size = 64
	tr := newTestRing(t, size, 1)
	rng := rand.New(rand.NewSource(1))

	check := func(step int) {
		t.Helper()
		space := tr.FreeSpace()
		want := (tr.Head() - tr.Tail() - 1 + size) % size
		if space != want {
			t.Fatalf("step %d: FreeSpace = %d, want %d (head %d tail %d)",
				step, space, want, tr.Head(), tr.Tail())
		}
		if space >= size {
			t.Fatalf("step %d: FreeSpace %d outside [0, %d)", step, space, size)
		}
	}

	check(0)
	for step := 1; step < 2000; step++ {
		if rng.Intn(2) == 0 {
			n := uint32(rng.Intn(size))
			if err := tr.Reserve(n); err != nil {
				if !errors.Is(err, ErrBusy) {
					t.Fatalf("step %d: Reserve error %v", step, err)
				}
				check(step)
				continue
			}
			for i := range n {
				tr.WriteWord(uint32(step)<<8 | i)
			}
			tr.Commit()
		} else {
			used := (tr.Tail() - tr.Head() + size) % size
			if used > 0 {
				tr.consume(uint32(rng.Intn(int(used))) + 1)
			}
		}
		check(step)
	}
}

func TestReserveNeverFillsRing(t *testing.T) {
	tr := newTestRing(t, 16, 5)

	if err := tr.Reserve(16); !errors.Is(err, ErrBusy) {
		t.Fatalf("Reserve(size) on empty ring = %v, want ErrBusy", err)
	}
	if err := tr.Reserve(100); !errors.Is(err, ErrBusy) {
		t.Fatalf("Reserve(>size) = %v, want ErrBusy", err)
	}
	if tr.ticks != 0 {
		t.Fatalf("impossible reservations polled %d ticks", tr.ticks)
	}

	if err := tr.Reserve(15); err != nil {
		t.Fatalf("Reserve(size-1) on empty ring: %v", err)
	}
	for i := range uint32(15) {
		tr.WriteWord(i)
	}
	tr.Commit()
	if space := tr.FreeSpace(); space != 0 {
		t.Fatalf("FreeSpace after filling = %d, want 0", space)
	}
	if tr.Head() == tr.Tail() {
		t.Fatalf("full ring has head == tail")
	}
}

func TestReserveWaitsForHead(t *testing.T) {
	tr := newTestRing(t, 16, 100)
	if err := tr.Reserve(15); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	for i := range uint32(15) {
		tr.WriteWord(i)
	}
	tr.Commit()

	// Hardware retires one word every third microsecond.
	tr.onTick = func() {
		if tr.ticks%3 == 0 {
			tr.consume(1)
		}
	}
	if err := tr.Reserve(4); err != nil {
		t.Fatalf("Reserve after hardware progress: %v", err)
	}
	if tr.ticks != 12 {
		t.Fatalf("Reserve returned after %d ticks, want 12", tr.ticks)
	}
}

func TestReserveTimesOut(t *testing.T) {
	tr := newTestRing(t, 32, 10)
	if err := tr.Reserve(31); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	for i := range uint32(31) {
		tr.WriteWord(i)
	}
	tr.Commit()

	err := tr.Reserve(31)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("Reserve on a stalled full ring = %v, want ErrBusy", err)
	}
	if tr.ticks != 10 {
		t.Fatalf("stalled Reserve waited %d ticks, want 10", tr.ticks)
	}
}

func TestCommitPublishesTailOnce(t *testing.T) {
	tr := newTestRing(t, 64, 10)
	for packet := 1; packet <= 3; packet++ {
		if err := tr.Reserve(5); err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		for i := range uint32(5) {
			tr.WriteWord(i)
			if n := len(tr.rec.Writes(regs.PM4BufferDLWptr)); n != packet-1 {
				t.Fatalf("tail published mid-packet: %d writes", n)
			}
		}
		tr.Commit()
	}
	writes := tr.rec.Writes(regs.PM4BufferDLWptr)
	if len(writes) != 3 || writes[2] != 15 {
		t.Fatalf("tail writes = %v, want three ending at 15", writes)
	}
}

func TestWrapAround(t *testing.T) {
	tr := newTestRing(t, 8, 10)
	for i := range uint32(20) {
		if err := tr.Reserve(1); err != nil {
			t.Fatalf("Reserve %d: %v", i, err)
		}
		tr.WriteWord(0x100 + i)
		tr.Commit()
		tr.consume(1)
	}
	if tr.Tail() != 20%8 {
		t.Fatalf("Tail = %d, want %d", tr.Tail(), 20%8)
	}
	if got := tr.mem.Load32((20 - 1) % 8); got != 0x100+19 {
		t.Fatalf("last word = 0x%x", got)
	}
}

func TestReset(t *testing.T) {
	tr := newTestRing(t, 16, 10)
	_ = tr.Reserve(7)
	for range 7 {
		tr.WriteWord(1)
	}
	tr.Commit()
	tr.consume(3)

	tr.Reset()
	if tr.Head() != 0 || tr.Tail() != 0 {
		t.Fatalf("after Reset head=%d tail=%d", tr.Head(), tr.Tail())
	}
	if tr.FreeSpace() != 15 {
		t.Fatalf("FreeSpace after Reset = %d", tr.FreeSpace())
	}
	if w := tr.rec.Writes(regs.PM4BufferDLRptr); len(w) != 1 || w[0] != 0 {
		t.Fatalf("read pointer register writes = %v", w)
	}
}
