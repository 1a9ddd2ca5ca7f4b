package distill

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/aoc/cockpit/internal/envelope"
	"github.com/aoc/cockpit/internal/mindstore"
)

const defaultLeaseTTL = 30 * time.Second

// Worker runs reflector jobs under a per-scope singleton lease (spec §4.5
// "Concurrency & leases").
type Worker struct {
	store      *mindstore.Store
	reflector  *Reflector
	ownerID    string
	scopeID    string
	leaseTTL   time.Duration
	retryDelay time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithLeaseTTL overrides the default lease TTL (default 30s, spec §4.5
// "reflector_lease_ttl_ms").
func WithLeaseTTL(ttl time.Duration) Option {
	return func(w *Worker) {
		if ttl > 0 {
			w.leaseTTL = ttl
		}
	}
}

// WithRetryDelay overrides the backoff between failed lease acquisition
// attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.retryDelay = d
		}
	}
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWorker builds a reflector Worker over store for the given scope,
// identified by a random owner id unless overridden via options.
func NewWorker(store *mindstore.Store, reflector *Reflector, scopeID string, opts ...Option) *Worker {
	w := &Worker{
		store:      store,
		reflector:  reflector,
		ownerID:    uuid.NewString(),
		scopeID:    scopeID,
		leaseTTL:   defaultLeaseTTL,
		retryDelay: time.Second,
		logger:     slog.New(slog.NewTextHandler(os.Stderr, nil)),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// AcquireLease tries once to acquire the worker's scope lease.
func (w *Worker) AcquireLease(ctx context.Context) (bool, error) {
	return w.store.AcquireLease(ctx, w.scopeID, w.ownerID, nil, w.now(), w.leaseTTL)
}

// Heartbeat renews the worker's lease. Callers should invoke this on an
// interval <= leaseTTL/2 while the lease is held (spec §4.5). ok=false means
// the caller no longer holds the lease and must re-acquire.
func (w *Worker) Heartbeat(ctx context.Context) (bool, error) {
	return w.store.HeartbeatLease(ctx, w.scopeID, w.ownerID, w.now(), w.leaseTTL)
}

// Release releases the worker's lease.
func (w *Worker) Release(ctx context.Context) error {
	return w.store.ReleaseLease(ctx, w.scopeID, w.ownerID)
}

// RunUntilLeased blocks, retrying lease acquisition with backoff, until it
// acquires the scope lease or ctx is done (spec §4.5: "tries to acquire the
// lease at startup; on failure, sleeps and retries with backoff").
func (w *Worker) RunUntilLeased(ctx context.Context) error {
	for {
		ok, err := w.AcquireLease(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.retryDelay):
		}
	}
}

// EnqueueReflectionJob deterministically enqueues a reflector job for
// (activeTag, observationIDs, conversationIDs); duplicate enqueues are
// silently collapsed (spec §4.5).
func (w *Worker) EnqueueReflectionJob(ctx context.Context, activeTag string, observationIDs, conversationIDs []string, estimatedTokens int) (bool, error) {
	obs := sortedUniqueStrings(observationIDs)
	convs := sortedUniqueStrings(conversationIDs)
	id, err := reflectorJobID(activeTag, obs, convs)
	if err != nil {
		return false, err
	}
	return w.store.EnqueueJob(ctx, mindstore.Job{
		JobID:           id,
		ActiveTag:       activeTag,
		ObservationIDs:  obs,
		ConversationIDs: convs,
		EstimatedTokens: estimatedTokens,
	})
}

func reflectorJobID(activeTag string, observationIDs, conversationIDs []string) (string, error) {
	core := activeTag + "|" + joinComma(observationIDs) + "|" + joinComma(conversationIDs)
	hash, err := envelope.Hash(core)
	if err != nil {
		return "", err
	}
	return "rfj:" + envelope.First16(hash), nil
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

// ErrNoJobAvailable indicates ClaimAndRun found no pending job for the
// worker's active tags.
var ErrNoJobAvailable = errors.New("distill: no reflector job available")

// ClaimAndRun claims one pending job for activeTag and runs reflection over
// its referenced conversations, committing completion or failure (spec
// §4.5: "claims one pending job at a time, executes, then commits").
func (w *Worker) ClaimAndRun(ctx context.Context, activeTag string) error {
	job, ok, err := w.store.ClaimJob(ctx, w.scopeID, activeTag, w.ownerID, w.now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoJobAvailable
	}

	var observations []mindstore.Artifact
	for _, convID := range job.ConversationIDs {
		for _, obsID := range job.ObservationIDs {
			a, found, err := w.store.ArtifactByID(ctx, obsID)
			if err != nil {
				_ = w.store.FailJob(ctx, job.JobID, w.ownerID, err.Error(), true)
				return err
			}
			if found && a.ConversationID == convID {
				observations = append(observations, a)
			}
		}
	}

	if _, err := w.reflector.Reflect(ctx, firstOrEmpty(job.ConversationIDs), observations); err != nil {
		if failErr := w.store.FailJob(ctx, job.JobID, w.ownerID, err.Error(), true); failErr != nil {
			return failErr
		}
		return err
	}
	return w.store.CompleteJob(ctx, job.JobID, w.ownerID)
}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}
