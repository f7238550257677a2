package exam

import (
	"sync"
	"time"
)

type sessionKey struct {
	examID, userID int64
}

// Registry holds the live controllers, at most one per exam and user.
type Registry struct {
	mu        sync.Mutex
	byID      map[string]*Controller
	byUser    map[sessionKey]*Controller
	retention time.Duration
}

func NewRegistry(retention time.Duration) *Registry {
	return &Registry{
		byID:      make(map[string]*Controller),
		byUser:    make(map[sessionKey]*Controller),
		retention: retention,
	}
}

// Claim returns the unfinished controller for the exam and user, or
// registers the one built by create. A finished controller is replaced.
func (r *Registry) Claim(examID, userID int64, create func() *Controller) (c *Controller, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sessionKey{examID, userID}
	if c, ok := r.byUser[key]; ok && !c.State().Finished() {
		return c, false
	}
	c = create()
	r.byUser[key] = c
	r.byID[c.ID()] = c
	return c, true
}

// Live returns the unfinished controller for the exam and user.
func (r *Registry) Live(examID, userID int64) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byUser[sessionKey{examID, userID}]
	if !ok || c.State().Finished() {
		return nil, false
	}
	return c, true
}

// Get returns the controller with the given session id.
func (r *Registry) Get(id string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	return c, ok
}

// ForAttempt returns the controller that owns an attempt row, if it is still held.
func (r *Registry) ForAttempt(attemptID int64) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.byUser {
		if c.AttemptID() == attemptID {
			return c, true
		}
	}
	return nil, false
}

// Prune drops controllers that finished more than the retention period ago.
func (r *Registry) Prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, c := range r.byID {
		c.mu.Lock()
		stale := c.state.Finished() && now.Sub(c.finishedAt) > r.retention
		c.mu.Unlock()
		if !stale {
			continue
		}
		delete(r.byID, id)
		key := sessionKey{c.ExamID(), c.UserID()}
		if r.byUser[key] == c {
			delete(r.byUser, key)
		}
		n++
	}
	return n
}

// Len returns the number of held controllers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// CloseAll stops every controller's countdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.byID {
		c.Close()
	}
}
