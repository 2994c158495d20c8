package blob

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strconv"
	"sync"
)

// MemoryStore is an in-process Store. ETags are per-write version numbers, so
// rewriting identical content still changes the ETag. FailFn, when set, is
// consulted before every operation and can inject errors.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]memObject
	version uint64
	calls   map[string]int

	FailFn func(op, key string) error
}

type memObject struct {
	body []byte
	etag string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memObject),
		calls:   make(map[string]int),
	}
}

func (m *MemoryStore) fail(op, key string) error {
	m.calls[op]++
	if m.FailFn == nil {
		return nil
	}
	if err := m.FailFn(op, key); err != nil {
		kind := ErrTransient
		for _, sentinel := range []error{ErrNotFound, ErrUnauthorized, ErrPreconditionFailed} {
			if errors.Is(err, sentinel) {
				kind = sentinel
				break
			}
		}
		return newError(op, key, kind, err)
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError("get", key, context.Canceled, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("get", key); err != nil {
		return nil, err
	}
	obj, ok := m.objects[key]
	if !ok {
		return nil, newError("get", key, ErrNotFound, errors.New("no such key"))
	}
	return &Object{Key: key, Body: slices.Clone(obj.body), ETag: obj.etag}, nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, body []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", newError("put", key, context.Canceled, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("put", key); err != nil {
		return "", err
	}
	return m.store(key, body), nil
}

func (m *MemoryStore) PutIf(ctx context.Context, key string, body []byte, ifMatch string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", newError("put_if", key, context.Canceled, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("put_if", key); err != nil {
		return "", err
	}

	obj, exists := m.objects[key]
	switch {
	case ifMatch == "" && exists:
		return "", newError("put_if", key, ErrPreconditionFailed, errors.New("key exists"))
	case ifMatch != "" && (!exists || obj.etag != ifMatch):
		return "", newError("put_if", key, ErrPreconditionFailed, errors.New("etag mismatch"))
	}
	return m.store(key, body), nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return newError("delete", key, context.Canceled, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("delete", key); err != nil {
		return err
	}
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) store(key string, body []byte) string {
	m.version++
	etag := strconv.FormatUint(m.version, 10)
	m.objects[key] = memObject{body: slices.Clone(body), etag: etag}
	return etag
}

// Keys returns the stored keys in sorted order.
func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.objects))
}

// Calls returns how many times op was invoked.
func (m *MemoryStore) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

var _ Store = (*MemoryStore)(nil)
