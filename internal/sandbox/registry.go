package sandbox

import (
	"sync"
	"time"
)

// Session is the record of one sandbox container.
type Session struct {
	ContainerID string    `json:"containerId"`
	ChallengeID string    `json:"challengeId"`
	Image       string    `json:"image"`
	Name        string    `json:"name"`
	IPAddress   string    `json:"ipAddress,omitempty"`
	SpawnedAt   time.Time `json:"spawnedAt"`
	LastActive  time.Time `json:"lastActive"`

	// Attached is derived from the registry on read.
	Attached bool `json:"attached"`
}

// binding is the registry's view of a live terminal attachment. detach
// closes the attachment's exec stream and notifies its client.
type binding struct {
	owner  string
	detach func()
}

type entry struct {
	session     Session
	attachment  *binding
	terminating bool
	// pos is the entry's slot in Registry.order.
	pos int
}

// Registry maps container IDs to sessions. All access is serialized by a
// single lock; callers only ever see copies.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	// order holds container IDs in insertion order. Removed entries leave
	// an empty slot until the next compaction.
	order       []string
	holes       int
	terminating int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
	}
}

// Get returns the session for containerID. Sessions being terminated are
// reported as absent.
func (r *Registry) Get(containerID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[containerID]
	if !ok || e.terminating {
		return Session{}, false
	}
	return e.snapshot(), true
}

// Put inserts or overwrites a session. An overwritten session keeps its
// position in insertion order and its attachment.
func (r *Registry) Put(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s.Attached = false
	if e, ok := r.entries[s.ContainerID]; ok {
		e.session = s
		return
	}
	r.entries[s.ContainerID] = &entry{session: s, pos: len(r.order)}
	r.order = append(r.order, s.ContainerID)
}

// Remove deletes the session and reports whether it was present.
func (r *Registry) Remove(containerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[containerID]
	if !ok {
		return false
	}
	if e.terminating {
		r.terminating--
	}
	delete(r.entries, containerID)
	r.order[e.pos] = ""
	r.holes++
	if r.holes > len(r.order)/2 {
		r.compact()
	}
	return true
}

// compact drops empty slots from order and renumbers the entries.
func (r *Registry) compact() {
	order := make([]string, 0, len(r.entries))
	for _, id := range r.order {
		if id == "" {
			continue
		}
		r.entries[id].pos = len(order)
		order = append(order, id)
	}
	r.order = order
	r.holes = 0
}

// Values returns a snapshot of all live sessions in insertion order.
func (r *Registry) Values() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]Session, 0, len(r.entries)-r.terminating)
	for _, id := range r.order {
		if id == "" {
			continue
		}
		e := r.entries[id]
		if e.terminating {
			continue
		}
		sessions = append(sessions, e.snapshot())
	}
	return sessions
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries) - r.terminating
}

// Update applies fn to the stored session under the lock.
func (r *Registry) Update(containerID string, fn func(*Session)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[containerID]
	if !ok || e.terminating {
		return false
	}
	fn(&e.session)
	return true
}

// Touch records terminal activity on the session.
func (r *Registry) Touch(containerID string, at time.Time) {
	r.Update(containerID, func(s *Session) {
		if at.After(s.LastActive) {
			s.LastActive = at
		}
	})
}

// Bind records owner as the session's attachment and returns the detach
// function of the attachment it replaced, if any. The returned function
// must be called without holding any registry lock.
func (r *Registry) Bind(containerID, owner string, detach func()) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[containerID]
	if !ok || e.terminating {
		return nil, NotFound(containerID)
	}
	var prev func()
	if e.attachment != nil && e.attachment.owner != owner {
		prev = e.attachment.detach
	}
	e.attachment = &binding{owner: owner, detach: detach}
	return prev, nil
}

// Unbind clears the session's attachment if it is still held by owner.
func (r *Registry) Unbind(containerID, owner string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[containerID]
	if !ok || e.attachment == nil || e.attachment.owner != owner {
		return false
	}
	e.attachment = nil
	return true
}

// TakeAttachment clears the session's attachment and returns its detach
// function (nil when nothing was attached).
func (r *Registry) TakeAttachment(containerID string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[containerID]
	if !ok || e.terminating {
		return nil, NotFound(containerID)
	}
	return e.take(), nil
}

// claim marks the session as terminating so that concurrent lookups and a
// second terminate see it as gone. It returns the detach function of any
// live attachment.
func (r *Registry) claim(containerID string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[containerID]
	if !ok || e.terminating {
		return nil, NotFound(containerID)
	}
	e.terminating = true
	r.terminating++
	return e.take(), nil
}

// unclaim reverts claim after a failed terminate.
func (r *Registry) unclaim(containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[containerID]; ok && e.terminating {
		e.terminating = false
		r.terminating--
	}
}

func (e *entry) take() func() {
	if e.attachment == nil {
		return nil
	}
	detach := e.attachment.detach
	e.attachment = nil
	return detach
}

func (e *entry) snapshot() Session {
	s := e.session
	s.Attached = e.attachment != nil
	return s
}
