// internal/ledger/ledger.go
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"contractor-dispatch/internal/domain"
	"contractor-dispatch/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Keys of the collections held in the key-value store.
const (
	AssignmentsKey = "job-assignments"
	RoundsKey      = "dispatch-history"
	PushTokensKey  = "contractor-push-tokens"
	TrackedJobsKey = "tracked-jobs"
	ContractorsKey = "contractors"
)

// DefaultMaxAttempts bounds the compare-and-set retry loop of a single write.
const DefaultMaxAttempts = 8

// Ledger is the assignment ledger backed by a generic key-value store. Every
// collection is stored as one JSON value and every write is an optimistic
// compare-and-set against the version that was read.
type Ledger struct {
	store       domain.KVStore
	maxAttempts int
	logger      *slog.Logger
	tracer      trace.Tracer
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// New creates a Ledger on top of store.
func New(store domain.KVStore, logger *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:       store,
		maxAttempts: DefaultMaxAttempts,
		logger:      logger.With("component", "ledger"),
		tracer:      otel.Tracer("contractor-dispatch-ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var _ domain.AssignmentLedger = (*Ledger)(nil)

// load reads and decodes the collection stored under key. A missing key yields the zero value.
func load[T any](ctx context.Context, store domain.KVStore, key string) (T, int64, error) {
	var out T
	raw, version, err := store.Get(ctx, key)
	if err != nil {
		return out, 0, fmt.Errorf("failed to read %s: %w: %w", key, domain.ErrStorageUnavailable, err)
	}
	if len(raw) == 0 {
		return out, version, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, 0, fmt.Errorf("failed to decode %s: %w: %w", key, domain.ErrStorageUnavailable, err)
	}
	return out, version, nil
}

// mutate runs a read-modify-write cycle on the collection under key. fn edits the
// freshly loaded value; when it reports a change the value is written back with
// compare-and-set and the whole cycle is retried if another writer won the race.
// fn's error is returned after a successful commit, or immediately when nothing changed.
func mutate[T any](ctx context.Context, l *Ledger, key string, fn func(v *T) (bool, error)) error {
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		current, version, err := load[T](ctx, l.store, key)
		if err != nil {
			return err
		}

		changed, fnErr := fn(&current)
		if !changed {
			return fnErr
		}

		raw, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w: %w", key, domain.ErrStorageUnavailable, err)
		}

		ok, err := l.store.CompareAndSet(ctx, key, version, raw)
		if err != nil {
			return fmt.Errorf("failed to write %s: %w: %w", key, domain.ErrStorageUnavailable, err)
		}
		if ok {
			return fnErr
		}

		metrics.LedgerWriteRetries.WithLabelValues(key).Inc()
		l.logger.Debug("lost compare-and-set race, retrying", "key", key, "attempt", attempt, "version", version)
	}
	return fmt.Errorf("gave up writing %s after %d attempts: %w", key, l.maxAttempts, domain.ErrStorageUnavailable)
}

func fail(span trace.Span, err error, msg string) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	return err
}
