package server

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ActiveSession is one connected client and the submissions it has in flight.
type ActiveSession struct {
	ID          string
	Remote      string
	ConnectedAt time.Time

	mu     sync.Mutex
	runs   map[string]context.CancelFunc // submission id -> cancel
	closed bool
	close  func() // closes the underlying connection
	wg     sync.WaitGroup
}

// SessionInfo is the JSON view of an ActiveSession.
type SessionInfo struct {
	ID          string    `json:"id"`
	Remote      string    `json:"remote"`
	ConnectedAt time.Time `json:"connected_at"`
	Submissions []string  `json:"submissions"`
}

// track registers a running submission. It returns false once the session
// is closing, in which case the caller must not start the submission.
func (as *ActiveSession) track(id string, cancel context.CancelFunc) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.closed {
		return false
	}
	as.runs[id] = cancel
	as.wg.Add(1)
	return true
}

// untrack must be called exactly once for every successful track.
func (as *ActiveSession) untrack(id string) {
	as.mu.Lock()
	cancel := as.runs[id]
	delete(as.runs, id)
	as.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	as.wg.Done()
}

// Cancel stops one submission. It reports whether the id was in flight.
func (as *ActiveSession) Cancel(id string) bool {
	as.mu.Lock()
	cancel, ok := as.runs[id]
	as.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// shutdown refuses new submissions, cancels the running ones and closes the
// connection. It does not wait.
func (as *ActiveSession) shutdown() {
	as.mu.Lock()
	as.closed = true
	cancels := make([]context.CancelFunc, 0, len(as.runs))
	for _, c := range as.runs {
		cancels = append(cancels, c)
	}
	closeConn := as.close
	as.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	if closeConn != nil {
		closeConn()
	}
}

// Wait blocks until every tracked submission has released its workspace.
func (as *ActiveSession) Wait() { as.wg.Wait() }

// InFlight returns the ids of running submissions, sorted.
func (as *ActiveSession) InFlight() []string {
	as.mu.Lock()
	defer as.mu.Unlock()
	ids := make([]string, 0, len(as.runs))
	for id := range as.runs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (as *ActiveSession) info() SessionInfo {
	return SessionInfo{
		ID:          as.ID,
		Remote:      as.Remote,
		ConnectedAt: as.ConnectedAt,
		Submissions: as.InFlight(),
	}
}

// SessionManager tracks connected clients.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*ActiveSession
}

// NewSessionManager creates a new SessionManager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*ActiveSession),
	}
}

// Add registers a new connection. closeConn is called when the session is
// removed from outside the connection's own read loop.
func (sm *SessionManager) Add(remote string, closeConn func()) *ActiveSession {
	as := &ActiveSession{
		ID:          uuid.New().String(),
		Remote:      remote,
		ConnectedAt: time.Now(),
		runs:        make(map[string]context.CancelFunc),
		close:       closeConn,
	}
	sm.mu.Lock()
	sm.sessions[as.ID] = as
	sm.mu.Unlock()
	return as
}

// Get returns an active session if it exists.
func (sm *SessionManager) Get(id string) (*ActiveSession, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	as, ok := sm.sessions[id]
	return as, ok
}

// List returns a snapshot of every session, oldest first.
func (sm *SessionManager) List() []SessionInfo {
	sm.mu.RLock()
	infos := make([]SessionInfo, 0, len(sm.sessions))
	for _, as := range sm.sessions {
		infos = append(infos, as.info())
	}
	sm.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// InFlight counts running submissions across all sessions.
func (sm *SessionManager) InFlight() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	n := 0
	for _, as := range sm.sessions {
		as.mu.Lock()
		n += len(as.runs)
		as.mu.Unlock()
	}
	return n
}

// Remove removes a session, cancels its submissions and closes its
// connection. It reports whether the session existed.
func (sm *SessionManager) Remove(id string) bool {
	sm.mu.Lock()
	as, ok := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()

	if ok {
		as.shutdown()
	}
	return ok
}

// CloseAll removes every session and waits until all of their submissions
// have finished, or ctx is done.
func (sm *SessionManager) CloseAll(ctx context.Context) error {
	sm.mu.Lock()
	all := make([]*ActiveSession, 0, len(sm.sessions))
	for id, as := range sm.sessions {
		all = append(all, as)
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()

	for _, as := range all {
		as.shutdown()
	}

	done := make(chan struct{})
	go func() {
		for _, as := range all {
			as.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
