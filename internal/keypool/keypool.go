// Package keypool rotates calls across interchangeable upstream API keys.
//
// Keys are tried in configuration order. A key that fails with a key-level
// error (quota exhausted, rate limited, invalid) is deactivated for the
// lifetime of the pool and the call moves on to the next key.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gogenie/internal/metrics"
)

// ErrAllKeysExhausted is returned when no key of a pool could serve a call.
var ErrAllKeysExhausted = errors.New("all api keys exhausted")

// Classifier reports whether an error means the key itself is unusable.
type Classifier func(error) bool

// slot wraps a key with its in-memory state.
type slot struct {
	key string
	// disabled marks the key as out of service until restart.
	disabled   bool
	disabledAt time.Time
	lastError  string
	uses       int64
}

// KeyStatus is the public view of a slot. The key itself is never exposed.
type KeyStatus struct {
	KeySuffix     string     `json:"key_suffix"`
	Active        bool       `json:"active"`
	Uses          int64      `json:"uses"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// Pool holds an ordered set of keys for one upstream.
type Pool struct {
	name     string
	mutex    sync.Mutex
	slots    []*slot
	classify Classifier
	logger   *slog.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithClassifier replaces IsKeyExhausted as the key-error classifier.
func WithClassifier(c Classifier) Option {
	return func(p *Pool) { p.classify = c }
}

// New creates a pool named name over keys, in order. Blank keys are skipped.
func New(name string, keys []string, logger *slog.Logger, opts ...Option) *Pool {
	p := &Pool{
		name:     name,
		classify: IsKeyExhausted,
		logger:   logger.With("component", "keypool", "pool", name),
	}
	for _, k := range keys {
		if k == "" {
			continue
		}
		p.slots = append(p.slots, &slot{key: k})
	}
	for _, opt := range opts {
		opt(p)
	}
	if len(p.slots) == 0 {
		p.logger.Warn("Key pool created without keys, every call will fail")
	}
	metrics.ActiveKeys.WithLabelValues(name).Set(float64(len(p.slots)))
	return p
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// Len returns the number of keys, active or not.
func (p *Pool) Len() int {
	return len(p.slots)
}

// ActiveCount returns the number of keys that are not deactivated.
func (p *Pool) ActiveCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	count := 0
	for _, s := range p.slots {
		if !s.disabled {
			count++
		}
	}
	return count
}

// Status lists every slot in configuration order.
func (p *Pool) Status() []KeyStatus {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	statuses := make([]KeyStatus, len(p.slots))
	for i, s := range p.slots {
		st := KeyStatus{
			KeySuffix: KeySuffix(s.key),
			Active:    !s.disabled,
			Uses:      s.uses,
			LastError: s.lastError,
		}
		if s.disabled {
			at := s.disabledAt
			st.DeactivatedAt = &at
		}
		statuses[i] = st
	}
	return statuses
}

// acquire returns the key of slot i when it is active.
func (p *Pool) acquire(i int) (string, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	s := p.slots[i]
	if s.disabled {
		return "", false
	}
	s.uses++
	return s.key, true
}

func (p *Pool) deactivate(i int, cause error) {
	p.mutex.Lock()
	s := p.slots[i]
	s.lastError = cause.Error()
	transitioned := !s.disabled
	if transitioned {
		s.disabled = true
		s.disabledAt = time.Now()
	}
	p.mutex.Unlock()

	if transitioned { // Only log and update the gauge on the transition
		p.logger.Warn("Deactivating key after key-level error", "key_suffix", KeySuffix(s.key), "error", cause)
		metrics.ActiveKeys.WithLabelValues(p.name).Set(float64(p.ActiveCount()))
	}
}

// Do calls op with the first active key of pool and falls over to the next
// key on key-level errors. Any other error is returned unchanged. When every
// key fails, the returned error wraps ErrAllKeysExhausted.
func Do[T any](ctx context.Context, pool *Pool, op func(ctx context.Context, key string) (T, error)) (T, error) {
	var zero T
	var lastErr error
	tried := 0

	for i := range pool.slots {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		key, ok := pool.acquire(i)
		if !ok {
			continue
		}
		tried++

		result, err := op(ctx, key)
		if err == nil {
			metrics.KeyAttempts.WithLabelValues(pool.name, "success").Inc()
			return result, nil
		}
		if !pool.classify(err) {
			metrics.KeyAttempts.WithLabelValues(pool.name, "error").Inc()
			return zero, err
		}

		metrics.KeyAttempts.WithLabelValues(pool.name, "exhausted").Inc()
		pool.deactivate(i, err)
		lastErr = err
	}

	if lastErr == nil {
		return zero, fmt.Errorf("%w: pool %s has no active keys", ErrAllKeysExhausted, pool.name)
	}
	pool.logger.Error("All keys exhausted", "tried", tried)
	return zero, fmt.Errorf("%w: pool %s tried %d keys, last error: %v", ErrAllKeysExhausted, pool.name, tried, lastErr)
}

// KeySuffix returns the last 4 characters of a key, or the full key if it's shorter.
func KeySuffix(key string) string {
	if len(key) > 4 {
		return key[len(key)-4:]
	}
	return key
}
