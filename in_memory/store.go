// Package in_memory provides the Standalone renditions of the engine
// collaborators: a versioned in-memory destination store and an in-process
// lock table. They serve embedded deployments and the test suites.
package in_memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/sharedcode/acid"
)

type fieldKey struct {
	key    string
	record int64
}

// Store is an in-memory AtomicEngine: current field values, per-field
// revision history and the version-change listener registry.
type Store struct {
	mu       sync.RWMutex
	fields   map[fieldKey][]acid.Value
	history  map[fieldKey][]acid.Write
	watchers map[acid.Token]map[acid.VersionChangeListener]struct{}

	clock            acid.Clock
	lockService      acid.LockService
	rangeLockService acid.LockService

	// notifyFanout bounds the goroutines used to fan notifications out.
	notifyFanout int
}

// NewStore instantiates a Store with its own lock tables. Pass nil clock to
// use the system clock.
func NewStore(clock acid.Clock) *Store {
	if clock == nil {
		clock = acid.NewSystemClock()
	}
	return &Store{
		fields:           make(map[fieldKey][]acid.Value),
		history:          make(map[fieldKey][]acid.Write),
		watchers:         make(map[acid.Token]map[acid.VersionChangeListener]struct{}),
		clock:            clock,
		lockService:      NewLockService(),
		rangeLockService: NewLockService(),
		notifyFanout:     4,
	}
}

func (s *Store) LockService() acid.LockService {
	return s.lockService
}

func (s *Store) RangeLockService() acid.LockService {
	return s.rangeLockService
}

// Clock returns the store's timestamp source.
func (s *Store) Clock() acid.Clock {
	return s.clock
}

func (s *Store) Browse(ctx context.Context, key string) (map[acid.Value][]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[acid.Value][]int64{}
	for fk, values := range s.fields {
		if fk.key != key {
			continue
		}
		for _, v := range values {
			out[v] = append(out[v], fk.record)
		}
	}
	return out, nil
}

func (s *Store) Select(ctx context.Context, key string, record int64) ([]acid.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values := s.fields[fieldKey{key, record}]
	out := make([]acid.Value, len(values))
	copy(out, values)
	return out, nil
}

func (s *Store) SelectRecord(ctx context.Context, record int64) (map[string][]acid.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string][]acid.Value{}
	for fk, values := range s.fields {
		if fk.record != record || len(values) == 0 {
			continue
		}
		vs := make([]acid.Value, len(values))
		copy(vs, values)
		out[fk.key] = vs
	}
	return out, nil
}

func (s *Store) Verify(ctx context.Context, key string, value acid.Value, record int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return contains(s.fields[fieldKey{key, record}], value), nil
}

func (s *Store) Explore(ctx context.Context, key string, op acid.Operator, operand acid.Value) (map[int64][]acid.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[int64][]acid.Value{}
	for fk, values := range s.fields {
		if fk.key != key {
			continue
		}
		for _, v := range values {
			if op.Matches(v, operand) {
				out[fk.record] = append(out[fk.record], v)
			}
		}
	}
	return out, nil
}

func (s *Store) Chronologize(ctx context.Context, key string, record int64, start, end int64) ([]acid.Write, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []acid.Write
	for _, w := range s.history[fieldKey{key, record}] {
		if w.Stamp >= start && w.Stamp < end {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *Store) Review(ctx context.Context, record int64) (map[int64][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[int64][]string{}
	for fk, revisions := range s.history {
		if fk.record != record {
			continue
		}
		for _, w := range revisions {
			out[w.Stamp] = append(out[w.Stamp], w.String())
		}
	}
	return out, nil
}

// Unlocked read variants. The engine's reads are internally consistent
// without caller-visible locks, so these delegate to the locked forms.

func (s *Store) BrowseUnlocked(ctx context.Context, key string) (map[acid.Value][]int64, error) {
	return s.Browse(ctx, key)
}

func (s *Store) SelectUnlocked(ctx context.Context, key string, record int64) ([]acid.Value, error) {
	return s.Select(ctx, key, record)
}

func (s *Store) SelectRecordUnlocked(ctx context.Context, record int64) (map[string][]acid.Value, error) {
	return s.SelectRecord(ctx, record)
}

func (s *Store) VerifyUnlocked(ctx context.Context, key string, value acid.Value, record int64) (bool, error) {
	return s.Verify(ctx, key, value, record)
}

func (s *Store) ExploreUnlocked(ctx context.Context, key string, op acid.Operator, operand acid.Value) (map[int64][]acid.Value, error) {
	return s.Explore(ctx, key, op, operand)
}

func (s *Store) ChronologizeUnlocked(ctx context.Context, key string, record int64, start, end int64) ([]acid.Write, error) {
	return s.Chronologize(ctx, key, record, start, end)
}

func (s *Store) ReviewUnlocked(ctx context.Context, record int64) (map[int64][]string, error) {
	return s.Review(ctx, record)
}

func (s *Store) Add(ctx context.Context, key string, value acid.Value, record int64) (bool, error) {
	w := acid.Write{Key: key, Value: value, Record: record, Action: acid.AddAction, Stamp: s.clock.Next()}
	applied := s.applyOne(w, true)
	if applied {
		s.notify(ctx, w)
	}
	return applied, nil
}

func (s *Store) Remove(ctx context.Context, key string, value acid.Value, record int64) (bool, error) {
	w := acid.Write{Key: key, Value: value, Record: record, Action: acid.RemoveAction, Stamp: s.clock.Next()}
	applied := s.applyOne(w, true)
	if applied {
		s.notify(ctx, w)
	}
	return applied, nil
}

// Apply ingests committed writes in order. With verify on, writes already
// reflected in current state are skipped so crash-recovery re-application
// can't duplicate data.
func (s *Store) Apply(ctx context.Context, writes []acid.Write, verify bool) error {
	for _, w := range writes {
		if w.Action != acid.AddAction && w.Action != acid.RemoveAction {
			return fmt.Errorf("cannot apply %v write", w.Action)
		}
		if s.applyOne(w, verify) {
			s.notify(ctx, w)
		}
	}
	return nil
}

// Sync is a no-op: the store has no stable storage of its own.
func (s *Store) Sync(ctx context.Context) error {
	return nil
}

// applyOne mutates state for w, returning whether it took effect. With
// checked on, an ADD of a present value or REMOVE of an absent one is a
// no-op; with checked off the write is recorded unconditionally.
func (s *Store) applyOne(w acid.Write, checked bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	fk := fieldKey{w.Key, w.Record}
	values := s.fields[fk]
	present := contains(values, w.Value)
	if checked {
		if w.Action == acid.AddAction && present {
			return false
		}
		if w.Action == acid.RemoveAction && !present {
			return false
		}
	}
	if w.Action == acid.AddAction {
		if !present {
			s.fields[fk] = append(values, w.Value)
		}
	} else {
		s.fields[fk] = remove(values, w.Value)
	}
	if w.Stamp == 0 {
		w.Stamp = s.clock.Next()
	}
	s.history[fk] = append(s.history[fk], w)
	return true
}

func (s *Store) AddVersionChangeListener(token acid.Token, listener acid.VersionChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.watchers[token]
	if !ok {
		ls = make(map[acid.VersionChangeListener]struct{})
		s.watchers[token] = ls
	}
	ls[listener] = struct{}{}
}

func (s *Store) RemoveVersionChangeListener(token acid.Token, listener acid.VersionChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ls, ok := s.watchers[token]; ok {
		delete(ls, listener)
		if len(ls) == 0 {
			delete(s.watchers, token)
		}
	}
}

// NotifyVersionChange fires every listener registered for token exactly
// once: registrations are claimed under the lock, then fired outside it so
// a listener can re-enter the store.
func (s *Store) NotifyVersionChange(token acid.Token) {
	s.mu.Lock()
	ls := s.watchers[token]
	delete(s.watchers, token)
	s.mu.Unlock()
	if len(ls) == 0 {
		return
	}
	tr := acid.NewTaskRunner(context.Background(), s.notifyFanout)
	for l := range ls {
		listener := l
		tr.Go(func() error {
			listener.OnVersionChange(token)
			return nil
		})
	}
	tr.Wait()
}

// notify fires the tokens a mutation of (key, record) falls under.
func (s *Store) notify(ctx context.Context, w acid.Write) {
	s.NotifyVersionChange(acid.TokenForField(w.Key, w.Record))
	s.NotifyVersionChange(acid.TokenForRecord(w.Record))
	s.NotifyVersionChange(acid.TokenForKey(w.Key))
	s.NotifyVersionChange(acid.TokenForRange(w.Key))
}

func contains(values []acid.Value, v acid.Value) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func remove(values []acid.Value, v acid.Value) []acid.Value {
	out := values[:0]
	for _, x := range values {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
