package cce

import "github.com/tinyrange/cce/internal/freelist"

// Host is the driver glue the engine runs inside. It owns the device lock
// and knows which client is calling.
type Host interface {
	LockHeld() bool
	ContextID() freelist.ContextID
}
