// Package revert provides the teacher's cleanup-stack idiom
// (revert.New()/Add/Fail/Success) for unwinding partially constructed
// resources, such as a TLB aperture that device.AllocateTLB allocated and
// mapped before a later mapping step failed.
package revert

// Hook is a single cleanup step.
type Hook func()

// Reverter is a LIFO stack of cleanup hooks. Call Add as resources are
// acquired; call Success once the operation has fully committed, or let Fail
// run (typically via defer) to unwind everything added so far.
type Reverter struct {
	hooks []Hook
}

// New returns an empty Reverter.
func New() *Reverter {
	return &Reverter{}
}

// Add pushes a cleanup hook onto the stack.
func (r *Reverter) Add(h Hook) {
	r.hooks = append(r.hooks, h)
}

// Fail runs every hook in reverse order of registration, then clears the
// stack. Safe to call unconditionally via defer; a no-op after Success.
func (r *Reverter) Fail() {
	for i := len(r.hooks) - 1; i >= 0; i-- {
		r.hooks[i]()
	}

	r.hooks = nil
}

// Success clears the stack without running any hook, committing whatever
// was acquired.
func (r *Reverter) Success() {
	r.hooks = nil
}

// Clone returns a new Reverter that owns a copy of the current hooks; useful
// when a sub-step needs to hand its cleanup responsibility up to a caller's
// Reverter while keeping its own defer chain independent.
func (r *Reverter) Clone() *Reverter {
	clone := &Reverter{hooks: make([]Hook, len(r.hooks))}
	copy(clone.hooks, r.hooks)
	return clone
}
