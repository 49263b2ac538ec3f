package peer

import "sync"

type handleKey struct {
	kind string
	id   string
}

type handleRef struct {
	kind   string
	handle uint32
}

// handleTable maps (kind, identifier) pairs to numeric handles. Handles are
// assigned from one counter shared by every kind.
type handleTable struct {
	mu      sync.Mutex
	next    uint32
	byID    map[handleKey]uint32
	reverse map[handleRef]string
}

func newHandleTable() *handleTable {
	return &handleTable{
		byID:    make(map[handleKey]uint32),
		reverse: make(map[handleRef]string),
	}
}

func (t *handleTable) ensure(kind, id string) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := handleKey{kind: kind, id: id}
	if h, ok := t.byID[key]; ok {
		return h
	}
	t.next++
	t.byID[key] = t.next
	t.reverse[handleRef{kind: kind, handle: t.next}] = id
	return t.next
}

func (t *handleTable) inspect(kind string, handle uint32) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.reverse[handleRef{kind: kind, handle: handle}]
	return id, ok
}
