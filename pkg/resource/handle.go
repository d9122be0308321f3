package resource

import "github.com/fenwicklabs/testkiln/pkg/types"

// Handle is a move-only allocation receipt. Whoever holds it exclusively
// owns the environment until Release is called exactly once; a second
// Release is a programming error and panics rather than silently
// corrupting pool accounting.
type Handle struct {
	EnvID    string
	Env      *types.Environment
	TestID   string
	released bool
}

// Released reports whether Release has already been called on this
// handle.
func (h *Handle) Released() bool {
	return h.released
}
