// Package memory provides in-process implementations of the key-value store
// and the fabric broker for single-instance deployments and tests.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/couchcryptid/crop-risk-alerts/internal/kv"
	"github.com/jonboulle/clockwork"
)

type item struct {
	value     []byte
	list      [][]byte
	isList    bool
	expiresAt time.Time // zero means no expiry
}

// Store is a kv.Store held in a map. Expired keys are dropped lazily on access.
type Store struct {
	clock clockwork.Clock

	mu    sync.Mutex
	items map[string]*item
}

var _ kv.Store = (*Store)(nil)

// NewStore creates an empty store reading time from clock.
func NewStore(clock clockwork.Clock) *Store {
	return &Store{clock: clock, items: make(map[string]*item)}
}

// lookup returns the live item for key. Callers hold s.mu.
func (s *Store) lookup(key string) (*item, bool) {
	it, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if !it.expiresAt.IsZero() && !s.clock.Now().Before(it.expiresAt) {
		delete(s.items, key)
		return nil, false
	}
	return it, true
}

func (s *Store) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.clock.Now().Add(ttl)
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.lookup(key)
	if !ok {
		return nil, kv.ErrNotFound
	}
	if it.isList {
		return nil, fmt.Errorf("get %s: key holds a list", key)
	}
	return append([]byte(nil), it.value...), nil
}

func (s *Store) SetEx(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[key] = &item{value: append([]byte(nil), value...), expiresAt: s.deadline(ttl)}
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, key)
	return nil
}

func (s *Store) Scan(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key := range s.items {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, ok := s.lookup(key); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *Store) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.lookup(key)
	if !ok {
		s.items[key] = &item{value: []byte("1")}
		return 1, nil
	}
	if it.isList {
		return 0, fmt.Errorf("incr %s: key holds a list", key)
	}
	n, err := strconv.ParseInt(string(it.value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("incr %s: value is not an integer", key)
	}
	n++
	it.value = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if it, ok := s.lookup(key); ok {
		it.expiresAt = s.deadline(ttl)
	}
	return nil
}

func (s *Store) RPush(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.lookup(key)
	if !ok {
		it = &item{isList: true}
		s.items[key] = it
	}
	if !it.isList {
		return fmt.Errorf("rpush %s: key holds a value", key)
	}
	it.list = append(it.list, append([]byte(nil), value...))
	return nil
}

func (s *Store) LRange(_ context.Context, key string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.lookup(key)
	if !ok {
		return nil, nil
	}
	if !it.isList {
		return nil, fmt.Errorf("lrange %s: key holds a value", key)
	}
	out := make([][]byte, len(it.list))
	for i, v := range it.list {
		out[i] = append([]byte(nil), v...)
	}
	return out, nil
}

func (s *Store) Ping(context.Context) error { return nil }
