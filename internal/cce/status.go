package cce

import "github.com/tinyrange/cce/internal/shm"

const (
	statusLastFrame = iota
	statusLastDispatched

	statusWords
)

// StatusPage is the shared area other clients read progress from without
// entering the engine.
type StatusPage struct {
	mem *shm.Memory
}

func (s StatusPage) LastSubmittedFrame() uint32 { return s.mem.Load32(statusLastFrame) }
func (s StatusPage) LastDispatched() uint32     { return s.mem.Load32(statusLastDispatched) }

func (s StatusPage) setLastSubmittedFrame(v uint32) { s.mem.Store32(statusLastFrame, v) }
func (s StatusPage) setLastDispatched(v uint32)     { s.mem.Store32(statusLastDispatched, v) }

func (s StatusPage) reset() {
	s.setLastSubmittedFrame(0)
	s.setLastDispatched(0)
}
