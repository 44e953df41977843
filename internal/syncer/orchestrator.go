// Package syncer drains a tenant's offline queue against the remote service.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"offline-sync-engine/internal/models"
	"offline-sync-engine/internal/telemetry"
)

// Store is the subset of the queue store a sync run needs.
type Store interface {
	ListPending(ctx context.Context, tenantID string) ([]models.QueueItem, error)
	MarkSyncing(ctx context.Context, tenantID, id string) error
	MarkPending(ctx context.Context, tenantID, id, reason string) error
	MarkFailed(ctx context.Context, tenantID, id, reason string) error
	Remove(ctx context.Context, tenantID, id string) error
	ResolveLocalRef(ctx context.Context, tenantID, localRef, recordID string) (int, error)
}

// Locker guards a tenant across processes. TryLock never waits.
type Locker interface {
	TryLock(ctx context.Context, tenantID string) (release func(context.Context) error, acquired bool, err error)
}

// Result aggregates one run. Synced and Failed count this invocation only.
type Result struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
	// Halted is set when a transient failure stopped the run with work left.
	Halted bool `json:"halted"`
	// Skipped is set when another run for the tenant was already in flight.
	Skipped bool `json:"skipped"`
}

// settleTimeout bounds the queue bookkeeping that follows an apply.
const settleTimeout = 10 * time.Second

// Orchestrator runs at most one drain per tenant at a time.
type Orchestrator struct {
	store        Store
	locker       Locker
	applyTimeout time.Duration
	log          logrus.FieldLogger
	tracer       trace.Tracer

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLocker adds a cross-process guard on top of the in-process one.
func WithLocker(l Locker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

// WithApplyTimeout bounds each apply call.
func WithApplyTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.applyTimeout = d
		}
	}
}

// WithLogger replaces the standard logrus logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// New builds an orchestrator over st.
func New(st Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        st,
		applyTimeout: 30 * time.Second,
		log:          logrus.StandardLogger(),
		tracer:       otel.Tracer("offline-sync-engine/internal/syncer"),
		inflight:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// InFlight reports whether a run for the tenant is currently active in this process.
func (o *Orchestrator) InFlight(tenantID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[tenantID]
	return ok
}

func (o *Orchestrator) acquire(tenantID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[tenantID]; busy {
		return false
	}
	o.inflight[tenantID] = struct{}{}
	telemetry.InFlightGauge.Inc()
	return true
}

func (o *Orchestrator) release(tenantID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, tenantID)
	telemetry.InFlightGauge.Dec()
}

// Run drains the tenant's queue in order through apply.
//
// A concurrent call for the same tenant returns Result{Skipped: true}
// without touching the queue. Item failures never surface as errors: a
// permanent failure parks the item and the run continues, a transient one
// returns the item to pending and stops the run so later writes keep their
// order. Only queue storage failures are returned, together with the counts
// reached so far.
func (o *Orchestrator) Run(ctx context.Context, apply ApplyFunc, tenantID, userID string) (Result, error) {
	if apply == nil {
		return Result{}, errors.New("syncer: nil apply function")
	}
	if tenantID == "" {
		return Result{}, errors.New("syncer: tenant id is required")
	}
	if !o.acquire(tenantID) {
		telemetry.SyncRuns.WithLabelValues(telemetry.OutcomeSkipped).Inc()
		return Result{Skipped: true}, nil
	}
	defer o.release(tenantID)

	log := o.log.WithFields(logrus.Fields{"tenant": tenantID, "user": userID})

	if o.locker != nil {
		unlock, ok, err := o.locker.TryLock(ctx, tenantID)
		if err != nil {
			telemetry.SyncRuns.WithLabelValues(telemetry.OutcomeError).Inc()
			return Result{}, models.NewStorageError("lock tenant", err)
		}
		if !ok {
			telemetry.SyncRuns.WithLabelValues(telemetry.OutcomeSkipped).Inc()
			return Result{Skipped: true}, nil
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				log.WithError(err).Warn("release tenant lock")
			}
		}()
	}

	ctx, span := o.tracer.Start(ctx, "offline.sync.run", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("user.id", userID),
	))
	defer span.End()
	ctx = WithActingUser(ctx, userID)

	started := time.Now()
	res, err := o.drain(ctx, apply, tenantID, log)
	span.SetAttributes(
		attribute.Int("sync.synced", res.Synced),
		attribute.Int("sync.failed", res.Failed),
		attribute.Bool("sync.halted", res.Halted),
	)

	fields := logrus.Fields{"synced": res.Synced, "failed": res.Failed, "halted": res.Halted, "took": time.Since(started).String()}
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		telemetry.SyncRuns.WithLabelValues(telemetry.OutcomeError).Inc()
		log.WithFields(fields).WithError(err).Error("sync run aborted")
	case res.Halted:
		telemetry.SyncRuns.WithLabelValues(telemetry.OutcomeHalted).Inc()
		log.WithFields(fields).Warn("sync run halted by transient failure")
	default:
		telemetry.SyncRuns.WithLabelValues(telemetry.OutcomeDrained).Inc()
		log.WithFields(fields).Info("sync run finished")
	}
	return res, err
}

func (o *Orchestrator) drain(ctx context.Context, apply ApplyFunc, tenantID string, log logrus.FieldLogger) (Result, error) {
	var res Result

	// The snapshot fixes the run's scope; items enqueued meanwhile wait for the next run.
	items, err := o.store.ListPending(ctx, tenantID)
	if err != nil {
		return res, err
	}

	// Real ids of records created earlier in this run, keyed by their local ref.
	resolved := make(map[string]string)

	for _, item := range items {
		// Failed items stay listed for display but wait for operator action.
		if item.Status == models.StatusFailed {
			continue
		}
		ilog := log.WithFields(logrus.Fields{"item_id": item.ID, "table": item.TableName, "op": item.Operation})

		if item.RecordID == nil && item.LocalRef != nil && item.Operation != models.OpCreate {
			id, ok := resolved[*item.LocalRef]
			if !ok {
				if err := o.store.MarkFailed(ctx, tenantID, item.ID, errUnresolvedRef.Error()); err != nil {
					return res, err
				}
				res.Failed++
				telemetry.ItemsFailed.Inc()
				ilog.Warn("dependent write parked: referenced record was never created remotely")
				continue
			}
			item.RecordID = &id
		}

		if err := o.store.MarkSyncing(ctx, tenantID, item.ID); err != nil {
			return res, err
		}

		out := o.applyOne(ctx, apply, item)
		// The item is syncing now: its outcome is recorded even if the
		// caller has gone away, so it never stays hidden from later runs.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
		halt, err := o.settle(sctx, tenantID, item, out, resolved, &res, ilog)
		cancel()
		if err != nil {
			o.revert(ctx, tenantID, item.ID, err, ilog)
			return res, err
		}
		if halt {
			return res, nil
		}
		if ctx.Err() != nil {
			res.Halted = true
			ilog.Info("sync run cancelled, deferring remaining items")
			return res, nil
		}
	}
	return res, nil
}

// settle records the outcome of one apply. It reports whether the run must stop.
func (o *Orchestrator) settle(ctx context.Context, tenantID string, item models.QueueItem, out ApplyResult, resolved map[string]string, res *Result, ilog logrus.FieldLogger) (bool, error) {
	switch out.Status {
	case ApplySuccess:
		if item.Operation == models.OpCreate && item.LocalRef != nil && out.RecordID != "" {
			if _, err := o.store.ResolveLocalRef(ctx, tenantID, *item.LocalRef, out.RecordID); err != nil {
				return false, err
			}
			resolved[*item.LocalRef] = out.RecordID
		}
		if err := o.store.Remove(ctx, tenantID, item.ID); err != nil {
			return false, err
		}
		res.Synced++
		telemetry.ItemsSynced.Inc()
		ilog.Debug("applied")
		return false, nil

	case ApplyPermanent:
		if err := o.store.MarkFailed(ctx, tenantID, item.ID, out.reason()); err != nil {
			return false, err
		}
		res.Failed++
		telemetry.ItemsFailed.Inc()
		ilog.WithField("reason", out.reason()).Warn("apply rejected permanently")
		return false, nil

	default:
		if err := o.store.MarkPending(ctx, tenantID, item.ID, out.reason()); err != nil {
			return false, err
		}
		res.Halted = true
		telemetry.ItemsDeferred.Inc()
		ilog.WithField("reason", out.reason()).Info("transient failure, deferring remaining items")
		return true, nil
	}
}

// revert puts an item whose outcome could not be recorded back in line.
func (o *Orchestrator) revert(ctx context.Context, tenantID, id string, cause error, ilog logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if err := o.store.MarkPending(ctx, tenantID, id, "sync interrupted: "+cause.Error()); err != nil {
		ilog.WithError(err).Error("item left in syncing; it is recovered at next start")
	}
}

// applyOne calls apply under the per-item deadline. Panics and unclassified
// results become transient failures.
func (o *Orchestrator) applyOne(ctx context.Context, apply ApplyFunc, item models.QueueItem) (out ApplyResult) {
	ctx, cancel := context.WithTimeout(ctx, o.applyTimeout)
	defer cancel()
	ctx, span := o.tracer.Start(ctx, "offline.sync.apply", trace.WithAttributes(
		attribute.String("queue.item_id", item.ID),
		attribute.String("queue.table", item.TableName),
		attribute.String("queue.operation", string(item.Operation)),
	))
	defer func() {
		span.SetAttributes(attribute.String("apply.status", out.Status.String()))
		if out.Err != nil {
			span.RecordError(out.Err)
		}
		span.End()
	}()
	defer func() {
		if r := recover(); r != nil {
			out = Transient(fmt.Errorf("apply panicked: %v", r))
		}
	}()

	out = apply(ctx, item)
	switch out.Status {
	case ApplySuccess, ApplyTransient, ApplyPermanent:
	default:
		out = Transient(fmt.Errorf("unclassified apply result: %w", errOrUnknown(out.Err)))
	}
	return out
}

func errOrUnknown(err error) error {
	if err != nil {
		return err
	}
	return errors.New("no status reported")
}
