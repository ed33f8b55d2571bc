package broadcast

import (
	"errors"
	"sync"
)

// ErrBusy is returned while the operator's previous broadcast is still being
// delivered.
var ErrBusy = errors.New("broadcast in progress")

const storeShards = 16

// SessionStore maps operator ids to sessions. Entries are created lazily and
// never removed; a finished conversation is reset to Idle instead.
//
// Keys are spread over shards so operators do not contend on one map lock,
// and each session has its own lock so inputs of one operator are applied
// one at a time.
type SessionStore struct {
	shards [storeShards]storeShard
}

type storeShard struct {
	mu sync.Mutex
	m  map[int64]*sessionEntry
}

type sessionEntry struct {
	mu   sync.Mutex
	busy bool
	s    Session
}

func NewSessionStore() *SessionStore {
	st := &SessionStore{}
	for i := range st.shards {
		st.shards[i].m = map[int64]*sessionEntry{}
	}
	return st
}

func (st *SessionStore) shard(id int64) *storeShard {
	u := uint64(id)
	u ^= u >> 33
	u *= 0xff51afd7ed558ccd
	u ^= u >> 33
	return &st.shards[u%storeShards]
}

func (st *SessionStore) entry(id int64) *sessionEntry {
	sh := st.shard(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := sh.m[id]
	if e == nil {
		e = &sessionEntry{}
		sh.m[id] = e
	}
	return e
}

// Update runs fn on the operator's session under its lock.
//
// When fn returns hold=true the session is marked busy after fn returns and
// every Update for that operator fails with ErrBusy until release is called.
// release is nil when hold is false.
func (st *SessionStore) Update(id int64, fn func(s *Session) (hold bool)) (release func(), err error) {
	e := st.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy {
		return nil, ErrBusy
	}
	if !fn(&e.s) {
		return nil, nil
	}
	e.busy = true
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			e.busy = false
			e.mu.Unlock()
		})
	}, nil
}

// Snapshot returns a copy of the operator's session.
func (st *SessionStore) Snapshot(id int64) (Session, bool) {
	sh := st.shard(id)
	sh.mu.Lock()
	e := sh.m[id]
	sh.mu.Unlock()
	if e == nil {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.s
	s.Draft = e.s.Draft.Clone()
	return s, true
}

// Busy reports whether the operator has a broadcast in flight.
func (st *SessionStore) Busy(id int64) bool {
	sh := st.shard(id)
	sh.mu.Lock()
	e := sh.m[id]
	sh.mu.Unlock()
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy
}

// Len is the number of sessions ever created.
func (st *SessionStore) Len() int {
	n := 0
	for i := range st.shards {
		sh := &st.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}

// Active counts sessions that are mid-conversation or delivering.
func (st *SessionStore) Active() int {
	n := 0
	for i := range st.shards {
		sh := &st.shards[i]
		sh.mu.Lock()
		entries := make([]*sessionEntry, 0, len(sh.m))
		for _, e := range sh.m {
			entries = append(entries, e)
		}
		sh.mu.Unlock()
		for _, e := range entries {
			e.mu.Lock()
			if e.busy || e.s.Active() {
				n++
			}
			e.mu.Unlock()
		}
	}
	return n
}
