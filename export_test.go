package tally

// GroupLocks returns the number of groups with a live lock entry.
func (e *Engine) GroupLocks() int {
	e.mapMu.Lock()
	defer e.mapMu.Unlock()
	return len(e.locks)
}
