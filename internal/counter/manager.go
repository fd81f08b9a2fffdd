package counter

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const breakerDuration = 30 * time.Second

// Manager routes store operations to Redis and degrades to the in-process
// MemoryStore when Redis fails, with a circuit breaker so a down server is
// not probed on every request.
type Manager struct {
	primary  Store
	fallback Store
	nowFn    func() time.Time

	mu           sync.Mutex
	breakerUntil time.Time
}

// NewManager constructs a Manager. primary may be nil, in which case every
// operation runs against the fallback store.
func NewManager(primary Store, fallback Store) *Manager {
	if fallback == nil {
		fallback = NewMemoryStore(0)
	}
	return &Manager{primary: primary, fallback: fallback, nowFn: time.Now}
}

// Fallback exposes the in-process store, for tests and reconciliation.
func (m *Manager) Fallback() Store { return m.fallback }

func (m *Manager) primaryAvailable() bool {
	if m == nil || m.primary == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.nowFn().Before(m.breakerUntil) || m.breakerUntil.IsZero()
}

func (m *Manager) tripBreaker(err error) {
	m.mu.Lock()
	m.breakerUntil = m.nowFn().Add(breakerDuration)
	m.mu.Unlock()
	log.WithError(err).Warn("counter store unavailable, degrading to memory")
}

// do runs op against the primary store and falls back to memory on error.
// ErrNotFound is a result, not a failure, and never trips the breaker.
func (m *Manager) do(op func(Store) error) error {
	if m.primaryAvailable() {
		errOp := op(m.primary)
		if errOp == nil || errOp == ErrNotFound {
			return errOp
		}
		m.tripBreaker(errOp)
	}
	return op(m.fallback)
}

// Get retrieves a string value.
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := m.do(func(s Store) error {
		var errGet error
		val, errGet = s.Get(ctx, key)
		return errGet
	})
	return val, err
}

// Set stores a string value with an optional TTL.
func (m *Manager) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return m.do(func(s Store) error { return s.Set(ctx, key, value, ttl) })
}

// IncrByFloat atomically increments a float counter.
func (m *Manager) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	var val float64
	err := m.do(func(s Store) error {
		var errIncr error
		val, errIncr = s.IncrByFloat(ctx, key, delta)
		return errIncr
	})
	return val, err
}

// Expire arms a TTL on an existing key.
func (m *Manager) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return m.do(func(s Store) error { return s.Expire(ctx, key, ttl) })
}

// SetNX stores a value only when the key does not exist yet.
func (m *Manager) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var ok bool
	err := m.do(func(s Store) error {
		var errSet error
		ok, errSet = s.SetNX(ctx, key, value, ttl)
		return errSet
	})
	return ok, err
}

// LPush prepends values to a list.
func (m *Manager) LPush(ctx context.Context, key string, values ...string) error {
	return m.do(func(s Store) error { return s.LPush(ctx, key, values...) })
}

// LRange returns a slice of a list.
func (m *Manager) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var vals []string
	err := m.do(func(s Store) error {
		var errRange error
		vals, errRange = s.LRange(ctx, key, start, stop)
		return errRange
	})
	return vals, err
}

// LTrim truncates a list to the given range.
func (m *Manager) LTrim(ctx context.Context, key string, start, stop int64) error {
	return m.do(func(s Store) error { return s.LTrim(ctx, key, start, stop) })
}

// HIncrBy atomically increments an integer hash field.
func (m *Manager) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	var val int64
	err := m.do(func(s Store) error {
		var errIncr error
		val, errIncr = s.HIncrBy(ctx, key, field, delta)
		return errIncr
	})
	return val, err
}

// HIncrByFloat atomically increments a float hash field.
func (m *Manager) HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error) {
	var val float64
	err := m.do(func(s Store) error {
		var errIncr error
		val, errIncr = s.HIncrByFloat(ctx, key, field, delta)
		return errIncr
	})
	return val, err
}

// HGetAll returns all fields of a hash.
func (m *Manager) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var vals map[string]string
	err := m.do(func(s Store) error {
		var errGet error
		vals, errGet = s.HGetAll(ctx, key)
		return errGet
	})
	return vals, err
}

// Scan returns keys matching the pattern.
func (m *Manager) Scan(ctx context.Context, match string) ([]string, error) {
	var keys []string
	err := m.do(func(s Store) error {
		var errScan error
		keys, errScan = s.Scan(ctx, match)
		return errScan
	})
	return keys, err
}

// Del removes keys.
func (m *Manager) Del(ctx context.Context, keys ...string) error {
	return m.do(func(s Store) error { return s.Del(ctx, keys...) })
}
