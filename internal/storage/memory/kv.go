package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"solana-custody/internal/storage"
)

type valueKind int

const (
	kindString valueKind = iota
	kindSet
	kindHash
	kindList
)

type entry struct {
	kind      valueKind
	str       string
	set       map[string]struct{}
	hash      map[string]string
	list      []string
	expiresAt time.Time // zero = no expiry
}

// KV is an in-memory implementation of storage.KV.
// A single mutex makes every operation, including Apply, atomic.
type KV struct {
	mu   sync.Mutex
	data map[string]*entry
	now  func() time.Time
}

// NewKV creates an empty in-memory store using the wall clock.
func NewKV() *KV {
	return &KV{
		data: make(map[string]*entry),
		now:  time.Now,
	}
}

// SetClock replaces the clock used for expiry. Intended for tests.
func (s *KV) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// lookup returns the live entry for key, evicting it if expired.
// Caller must hold s.mu.
func (s *KV) lookup(key string) *entry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.data, key)
		return nil
	}
	return e
}

func (s *KV) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *KV) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil {
		return "", storage.ErrNotFound
	}
	if e.kind != kindString {
		return "", storage.ErrWrongType
	}
	return e.str, nil
}

func (s *KV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setLocked(key, value, ttl)
	return nil
}

func (s *KV) setLocked(key, value string, ttl time.Duration) {
	s.data[key] = &entry{kind: kindString, str: value, expiresAt: s.deadline(ttl)}
}

func (s *KV) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lookup(key) != nil {
		return false, nil
	}
	s.setLocked(key, value, ttl)
	return true, nil
}

func (s *KV) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil {
		s.data[key] = &entry{kind: kindString, str: "1"}
		return 1, nil
	}
	if e.kind != kindString {
		return 0, storage.ErrWrongType
	}
	n, err := strconv.ParseInt(e.str, 10, 64)
	if err != nil {
		return 0, storage.ErrWrongType
	}
	n++
	e.str = strconv.FormatInt(n, 10)
	return n, nil
}

func (s *KV) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.lookup(key); e != nil {
		e.expiresAt = s.deadline(ttl)
	}
	return nil
}

func (s *KV) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil {
		return 0, storage.ErrNotFound
	}
	if e.expiresAt.IsZero() {
		return 0, nil
	}
	return e.expiresAt.Sub(s.now()), nil
}

func (s *KV) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

// container returns the entry of the given kind for key, creating it when
// create is set. Caller must hold s.mu.
func (s *KV) container(key string, kind valueKind, create bool) (*entry, error) {
	e := s.lookup(key)
	if e == nil {
		if !create {
			return nil, nil
		}
		e = &entry{kind: kind}
		switch kind {
		case kindSet:
			e.set = make(map[string]struct{})
		case kindHash:
			e.hash = make(map[string]string)
		}
		s.data[key] = e
		return e, nil
	}
	if e.kind != kind {
		return nil, storage.ErrWrongType
	}
	return e, nil
}

func (s *KV) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saddLocked(key, members)
}

func (s *KV) saddLocked(key string, members []string) error {
	if len(members) == 0 {
		return nil
	}
	e, err := s.container(key, kindSet, true)
	if err != nil {
		return err
	}
	for _, m := range members {
		e.set[m] = struct{}{}
	}
	return nil
}

func (s *KV) SRem(_ context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sremLocked(key, member)
}

func (s *KV) sremLocked(key, member string) (bool, error) {
	e, err := s.container(key, kindSet, false)
	if err != nil || e == nil {
		return false, err
	}
	if _, ok := e.set[member]; !ok {
		return false, nil
	}
	delete(e.set, member)
	if len(e.set) == 0 {
		delete(s.data, key)
	}
	return true, nil
}

func (s *KV) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.container(key, kindSet, false)
	if err != nil || e == nil {
		return nil, err
	}
	out := make([]string, 0, len(e.set))
	for m := range e.set {
		out = append(out, m)
	}
	return out, nil
}

func (s *KV) SIsMember(_ context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.container(key, kindSet, false)
	if err != nil || e == nil {
		return false, err
	}
	_, ok := e.set[member]
	return ok, nil
}

func (s *KV) HSet(_ context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.hsetLocked(key, fields)
}

func (s *KV) hsetLocked(key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	e, err := s.container(key, kindHash, true)
	if err != nil {
		return err
	}
	for k, v := range fields {
		e.hash[k] = v
	}
	return nil
}

func (s *KV) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string)
	e, err := s.container(key, kindHash, false)
	if err != nil || e == nil {
		return out, err
	}
	for k, v := range e.hash {
		out[k] = v
	}
	return out, nil
}

func (s *KV) LPush(_ context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(values) == 0 {
		return nil
	}
	e, err := s.container(key, kindList, true)
	if err != nil {
		return err
	}
	// LPUSH a b c yields [c b a ...].
	prefix := make([]string, len(values))
	for i, v := range values {
		prefix[len(values)-1-i] = v
	}
	e.list = append(prefix, e.list...)
	return nil
}

func (s *KV) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.container(key, kindList, false)
	if err != nil || e == nil {
		return nil, err
	}
	n := int64(len(e.list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return []string{}, nil
	}
	out := make([]string, stop-start+1)
	copy(out, e.list[start:stop+1])
	return out, nil
}

// batchOp is a deferred write applied under the store mutex.
type batchOp func(s *KV) error

type memBatch struct {
	ops []batchOp
}

func (b *memBatch) Set(key, value string, ttl time.Duration) {
	b.ops = append(b.ops, func(s *KV) error {
		s.setLocked(key, value, ttl)
		return nil
	})
}

func (b *memBatch) Del(keys ...string) {
	b.ops = append(b.ops, func(s *KV) error {
		for _, k := range keys {
			delete(s.data, k)
		}
		return nil
	})
}

func (b *memBatch) SAdd(key string, members ...string) {
	b.ops = append(b.ops, func(s *KV) error {
		return s.saddLocked(key, members)
	})
}

func (b *memBatch) SRem(key string, members ...string) {
	b.ops = append(b.ops, func(s *KV) error {
		for _, m := range members {
			if _, err := s.sremLocked(key, m); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *memBatch) HSet(key string, fields map[string]string) {
	b.ops = append(b.ops, func(s *KV) error {
		return s.hsetLocked(key, fields)
	})
}

// Apply runs the queued writes under one lock acquisition. A type error
// aborts the remaining writes; earlier writes in the batch stay applied,
// matching Redis MULTI/EXEC semantics.
func (s *KV) Apply(_ context.Context, fn func(storage.Batch)) error {
	b := &memBatch{}
	fn(b)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range b.ops {
		if err := op(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *KV) CompareAndSwap(_ context.Context, key, expected, next string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil {
		return false, nil
	}
	if e.kind != kindString {
		return false, storage.ErrWrongType
	}
	if e.str != expected {
		return false, nil
	}
	e.str = next
	return true, nil
}

func (s *KV) CompareAndDelete(_ context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.lookup(key)
	if e == nil || e.kind != kindString || e.str != expected {
		return false, nil
	}
	delete(s.data, key)
	return true, nil
}

var _ storage.KV = (*KV)(nil)

func (s *KV) SetIfMember(_ context.Context, key, value, setKey, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.container(setKey, kindSet, false)
	if err != nil {
		return false, err
	}
	if set == nil {
		return false, nil
	}
	if _, ok := set.set[member]; !ok {
		return false, nil
	}
	s.setLocked(key, value, 0)
	return true, nil
}
