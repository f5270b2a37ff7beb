package deploy

// slotKey identifies the concurrency slot for the one-in-flight rule:
// at most one deployment may be pending or building per (project,
// environment) pair unless the project permits concurrent builds.
type slotKey struct {
	Project     string
	Environment Environment
}

// slotGuard tracks which deployment currently holds each slot.
//
// All access happens inside the engine's single-threaded dispatch step,
// so no locking is required here; the guard only enforces the slot
// invariant, not thread safety.
type slotGuard struct {
	inflight map[slotKey]string // slot -> record id holding it
}

func newSlotGuard() *slotGuard {
	return &slotGuard{inflight: make(map[slotKey]string)}
}

// tryAcquire claims the slot for the given record id. Returns false if
// another record already holds it. Re-acquiring with the same id succeeds.
func (g *slotGuard) tryAcquire(key slotKey, id string) bool {
	holder, busy := g.inflight[key]
	if busy && holder != id {
		return false
	}
	g.inflight[key] = id
	return true
}

// holder returns the record id currently occupying the slot.
func (g *slotGuard) holder(key slotKey) (string, bool) {
	id, ok := g.inflight[key]
	return id, ok
}

// release frees the slot if the given record id holds it. Safe to call
// when the slot is already free or held by another record.
func (g *slotGuard) release(key slotKey, id string) {
	if g.inflight[key] == id {
		delete(g.inflight, key)
	}
}
