package session

import (
	"sort"
	"sync"
	"time"

	"github.com/ppezzull/1balancer-sub000/internal/fault"
	"github.com/ppezzull/1balancer-sub000/internal/storage"
)

// Store is the in-process session map with hashlock and party indices.
// Reads return clones; only the session manager writes.
type Store struct {
	mu         sync.RWMutex
	byID       map[string]*Session
	byHashlock map[string]string   // hashlock hex -> session id
	byParty    map[string][]string // maker or taker address -> session ids

	persist *storage.Store
}

// NewStore creates a session store backed by the snapshot directory.
func NewStore(persist *storage.Store) *Store {
	return &Store{
		byID:       make(map[string]*Session),
		byHashlock: make(map[string]string),
		byParty:    make(map[string][]string),
		persist:    persist,
	}
}

// Restore loads every persisted snapshot into the store. Returns the ids of
// non-terminal sessions that need a worker.
func (st *Store) Restore() ([]string, error) {
	snaps, err := st.persist.LoadSnapshots()
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "failed to load session snapshots", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	var active []string
	for id, data := range snaps {
		sess, err := FromSnapshot(data)
		if err != nil || sess.ID != id {
			return nil, fault.Wrap(fault.Internal, "corrupt session snapshot "+id, err)
		}
		st.index(sess)
		if !sess.Status.Terminal() {
			active = append(active, sess.ID)
		}
	}
	sort.Strings(active)
	return active, nil
}

// Insert adds a new session. The hashlock must be unique across live
// sessions.
func (st *Store) Insert(sess *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, exists := st.byID[sess.ID]; exists {
		return fault.New(fault.StateConflict, "session id already exists")
	}
	if other, exists := st.byHashlock[sess.Hashlock]; exists {
		if cur, ok := st.byID[other]; ok && !cur.Status.Terminal() {
			return fault.New(fault.StateConflict, "hashlock already bound to a live session")
		}
	}

	st.index(sess.Clone())
	return st.save(sess)
}

// index installs a session into all maps. Caller holds the write lock.
func (st *Store) index(sess *Session) {
	st.byID[sess.ID] = sess
	st.byHashlock[sess.Hashlock] = sess.ID
	for _, party := range []string{sess.Maker, sess.Taker} {
		if party != "" {
			st.byParty[party] = append(st.byParty[party], sess.ID)
		}
	}
}

// Get returns a clone of the session.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	sess, ok := st.byID[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "session not found")
	}
	return sess.Clone(), nil
}

// View runs fn against the stored session under the read lock, so the
// owning worker's Update cannot interleave between reading the status and
// acting on it. fn must not mutate the session or call back into the store.
func (st *Store) View(id string, fn func(*Session) error) error {
	st.mu.RLock()
	defer st.mu.RUnlock()

	sess, ok := st.byID[id]
	if !ok {
		return fault.New(fault.NotFound, "session not found")
	}
	return fn(sess)
}

// ByHashlock returns a clone of the live session bound to a hashlock.
func (st *Store) ByHashlock(hashlock string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	id, ok := st.byHashlock[hashlock]
	if !ok {
		return nil, fault.New(fault.NotFound, "no session for hashlock")
	}
	return st.byID[id].Clone(), nil
}

// ByParty returns clones of every session where the address is maker or
// taker, newest first.
func (st *Store) ByParty(address string) []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()

	ids := st.byParty[address]
	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sessions = append(sessions, st.byID[id].Clone())
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions
}

// Update replaces the stored session and persists its snapshot. Only the
// owning worker calls this.
func (st *Store) Update(sess *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.byID[sess.ID]; !ok {
		return fault.New(fault.NotFound, "session not found")
	}
	st.byID[sess.ID] = sess.Clone()
	return st.save(sess)
}

// save writes the snapshot. Caller holds the write lock.
func (st *Store) save(sess *Session) error {
	data, err := sess.Snapshot()
	if err != nil {
		return fault.Wrap(fault.Internal, "failed to serialize session", err)
	}
	if err := st.persist.SaveSnapshot(sess.ID, data); err != nil {
		return fault.Wrap(fault.Internal, "failed to persist session", err)
	}
	return nil
}

// SaveAll persists a snapshot of every non-terminal session. Used by the
// periodic snapshot loop and during shutdown.
func (st *Store) SaveAll() error {
	st.mu.RLock()
	defer st.mu.RUnlock()

	for _, sess := range st.byID {
		if sess.Status.Terminal() {
			continue
		}
		data, err := sess.Snapshot()
		if err != nil {
			return fault.Wrap(fault.Internal, "failed to serialize session", err)
		}
		if err := st.persist.SaveSnapshot(sess.ID, data); err != nil {
			return fault.Wrap(fault.Internal, "failed to persist session", err)
		}
	}
	return nil
}

// List returns clones of every session, newest first.
func (st *Store) List() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()

	sessions := make([]*Session, 0, len(st.byID))
	for _, sess := range st.byID {
		sessions = append(sessions, sess.Clone())
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions
}

// TerminalIDs returns the ids of sessions in absorbing states. Used by the
// secret retention sweep.
func (st *Store) TerminalIDs() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()

	var ids []string
	for id, sess := range st.byID {
		if sess.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// PruneTerminal drops terminal sessions last updated before cutoff,
// deleting their snapshots and clearing every index entry. Returns the
// number of sessions removed.
func (st *Store) PruneTerminal(cutoff time.Time) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	pruned := 0
	for id, sess := range st.byID {
		if !sess.Status.Terminal() || sess.UpdatedAt.After(cutoff) {
			continue
		}
		if err := st.persist.DeleteSnapshot(id); err != nil {
			return pruned, fault.Wrap(fault.Internal, "failed to delete session snapshot", err)
		}
		delete(st.byID, id)
		if st.byHashlock[sess.Hashlock] == id {
			delete(st.byHashlock, sess.Hashlock)
		}
		for _, party := range []string{sess.Maker, sess.Taker} {
			st.unindexParty(party, id)
		}
		pruned++
	}
	return pruned, nil
}

// unindexParty removes one session id from a party's index entry. Caller
// holds the write lock.
func (st *Store) unindexParty(party, id string) {
	ids := st.byParty[party]
	for i, other := range ids {
		if other == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(st.byParty, party)
		return
	}
	st.byParty[party] = ids
}

// Count returns the number of tracked sessions.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byID)
}
