package mirror

import (
	"sort"
	"sync"
)

// MemStore is an in-memory Sink. Staged writes become visible only at
// Commit; a Truncate staged inside a transaction clears the row-set before
// the staged writes are applied.
type MemStore struct {
	mu           sync.Mutex
	rows         map[string]map[string]any
	staged       []Write
	truncateNext bool
	inTx         bool
	ready        bool
	readyCbs     map[int]func()
	nextCbID     int
}

func NewMemStore() *MemStore {
	return &MemStore{
		rows:     map[string]map[string]any{},
		readyCbs: map[int]func(){},
	}
}

func (s *MemStore) Begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inTx = true
	s.staged = nil
	s.truncateNext = false
}

func (s *MemStore) Write(w Write) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inTx || w.Key == "" {
		return
	}
	s.staged = append(s.staged, w)
}

func (s *MemStore) Truncate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inTx {
		s.truncateNext = true
		s.staged = nil
		return
	}
	s.rows = map[string]map[string]any{}
}

func (s *MemStore) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inTx {
		return
	}
	if s.truncateNext {
		s.rows = map[string]map[string]any{}
	}
	for _, w := range s.staged {
		switch w.Type {
		case WriteInsert, WriteUpdate:
			s.rows[w.Key] = cloneRow(w.Value)
		case WriteDelete:
			delete(s.rows, w.Key)
		}
	}
	s.staged = nil
	s.truncateNext = false
	s.inTx = false
}

func (s *MemStore) MarkReady() {
	s.mu.Lock()
	if s.ready {
		s.mu.Unlock()
		return
	}
	s.ready = true
	callbacks := make([]func(), 0, len(s.readyCbs))
	ids := make([]int, 0, len(s.readyCbs))
	for id := range s.readyCbs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		callbacks = append(callbacks, s.readyCbs[id])
	}
	s.readyCbs = map[int]func(){}
	s.mu.Unlock()
	for _, cb := range callbacks {
		cb()
	}
}

func (s *MemStore) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// OnFirstReady registers a callback fired once when the store first becomes
// ready. If the store is already ready the callback fires immediately.
func (s *MemStore) OnFirstReady(fn func()) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	if s.ready {
		s.mu.Unlock()
		fn()
		return func() {}
	}
	id := s.nextCbID
	s.nextCbID++
	s.readyCbs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.readyCbs, id)
	}
}

// Get returns the committed row for key, or nil when absent.
func (s *MemStore) Get(key string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[key]
	if !ok {
		return nil
	}
	return cloneRow(row)
}

// Rows returns all committed rows ordered by key.
func (s *MemStore) Rows() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.rows))
	for key := range s.rows {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		out = append(out, cloneRow(s.rows[key]))
	}
	return out
}

func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func cloneRow(row map[string]any) map[string]any {
	if row == nil {
		return nil
	}
	clone := make(map[string]any, len(row))
	for k, v := range row {
		clone[k] = v
	}
	return clone
}
