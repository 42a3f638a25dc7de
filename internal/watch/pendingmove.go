package watch

import "sync"

// pendingMove records a moved-from event waiting for its matching moved-to,
// correlated by the kernel-assigned rename cookie.
type pendingMove struct {
	path  string
	isDir bool
}

// pendingMoveTable is the in-memory correlation table for in-flight renames.
type pendingMoveTable struct {
	mu    sync.Mutex
	moves map[uint32]pendingMove
}

func newPendingMoveTable() *pendingMoveTable {
	return &pendingMoveTable{moves: make(map[uint32]pendingMove)}
}

func (t *pendingMoveTable) add(cookie uint32, move pendingMove) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.moves[cookie] = move
}

// resolve removes and returns the pending move for cookie, if any. Called
// both when a matching moved-to event arrives and when the deferred
// deletion timer fires; exactly one of those wins the race.
func (t *pendingMoveTable) resolve(cookie uint32) (pendingMove, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	move, ok := t.moves[cookie]
	if ok {
		delete(t.moves, cookie)
	}
	return move, ok
}
