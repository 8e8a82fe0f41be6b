package immix

// ---------------------------------------------------------------------------
// FinalizerSet: two-generation queue of dead finalizable objects
// ---------------------------------------------------------------------------

// FinalizerSet delays finalization by one collection. Objects found dead
// are deferred into the "to" set; at the end of the next collection the
// previous set is handed out for finalization and the sets swap.
type FinalizerSet struct {
	from []*Object
	to   []*Object
}

// Defer records a dead object whose class has a finalizer.
func (s *FinalizerSet) Defer(o *Object) {
	s.to = append(s.to, o)
}

// Rotate returns the objects deferred during the previous collection and
// moves the objects deferred during this one into their place.
func (s *FinalizerSet) Rotate() []*Object {
	due := s.from
	s.from = s.to
	s.to = nil
	return due
}

// Drain returns every pending object, leaving the set empty.
func (s *FinalizerSet) Drain() []*Object {
	due := append(s.from, s.to...)
	s.from, s.to = nil, nil
	return due
}

// Pending returns the number of objects waiting for finalization.
func (s *FinalizerSet) Pending() int {
	return len(s.from) + len(s.to)
}
