// Package offline is the entry point a host application uses: it owns the
// queue, the connectivity monitor and the sync orchestrator for one process.
package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"offline-sync-engine/internal/archive"
	"offline-sync-engine/internal/connectivity"
	"offline-sync-engine/internal/models"
	"offline-sync-engine/internal/reporter"
	"offline-sync-engine/internal/store"
	"offline-sync-engine/internal/syncer"
	"offline-sync-engine/internal/telemetry"
)

// ErrNotFailed is returned when an operator action needs a failed item.
var ErrNotFailed = errors.New("queue item is not in failed state")

// ErrClosed is returned by operations on a closed Service.
var ErrClosed = errors.New("offline service is closed")

// Options configures Init. Store is required; everything else has defaults.
type Options struct {
	Store store.QueueStore
	// Probe checks backend reachability. Nil leaves the state to SetOnline.
	Probe          connectivity.Probe
	ProbeInterval  time.Duration
	DebounceWindow time.Duration
	ApplyTimeout   time.Duration
	Locker         syncer.Locker
	Archiver       *archive.Archiver
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// ConnectRetry bounds how long Init keeps retrying crash recovery.
	ConnectRetry time.Duration
	// RecoverStaleAfter is how long an item must sit in syncing before it
	// counts as abandoned. Zero suits a store only this process uses; a
	// shared store needs a value above ApplyTimeout, and is then swept again
	// on every online notification.
	RecoverStaleAfter time.Duration
	// SkipRecovery leaves syncing items alone, for short-lived tools.
	SkipRecovery bool
	Logger       logrus.FieldLogger
}

// Service wires the queue, monitor and orchestrator together.
type Service struct {
	store    store.QueueStore
	orch     *syncer.Orchestrator
	monitor  *connectivity.Monitor
	reporter *reporter.Reporter
	archiver *archive.Archiver
	log      logrus.FieldLogger

	backoffInitial time.Duration
	backoffMax     time.Duration
	recoverStale   time.Duration

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// session is a tenant kept in sync automatically.
type session struct {
	tenantID string
	userID   string
	apply    syncer.ApplyFunc
	retry    *time.Timer
	running  bool
	again    bool
}

// Init performs the one-time setup of a process: items left in syncing by a
// crash go back to pending, the connectivity monitor starts, and watched
// tenants sync on every online notification.
func Init(ctx context.Context, opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("offline: store is required")
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = 5 * time.Minute
	}

	if !opts.SkipRecovery {
		recovered, err := recoverSyncing(ctx, opts.Store, opts.ConnectRetry, opts.RecoverStaleAfter, log)
		if err != nil {
			return nil, err
		}
		if recovered > 0 {
			log.WithField("items", recovered).Warn("returned interrupted items to pending")
		}
	}

	orchOpts := []syncer.Option{syncer.WithLogger(log), syncer.WithApplyTimeout(opts.ApplyTimeout)}
	if opts.Locker != nil {
		orchOpts = append(orchOpts, syncer.WithLocker(opts.Locker))
	}
	monOpts := []connectivity.Option{connectivity.WithLogger(log), connectivity.WithInterval(opts.ProbeInterval)}
	if opts.DebounceWindow > 0 {
		monOpts = append(monOpts, connectivity.WithDebounce(opts.DebounceWindow))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Service{
		store:          opts.Store,
		orch:           syncer.New(opts.Store, orchOpts...),
		monitor:        connectivity.NewMonitor(opts.Probe, monOpts...),
		reporter:       reporter.New(opts.Store),
		archiver:       opts.Archiver,
		log:            log,
		backoffInitial: opts.BackoffInitial,
		backoffMax:     opts.BackoffMax,
		recoverStale:   opts.RecoverStaleAfter,
		runCtx:         runCtx,
		cancel:         cancel,
		sessions:       make(map[string]*session),
	}
	s.monitor.OnOnline(s.syncAll)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitor.Run(runCtx)
	}()
	return s, nil
}

func recoverSyncing(ctx context.Context, st store.QueueStore, maxWait, staleAfter time.Duration, log logrus.FieldLogger) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = maxWait

	var n int
	op := func() error {
		var err error
		n, err = st.RecoverSyncing(ctx, staleAfter)
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.WithError(err).WithField("retry_in", wait.String()).Warn("queue store not ready")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return 0, fmt.Errorf("recover interrupted items: %w", err)
	}
	return n, nil
}

// IsOnline reports the monitor's current state.
func (s *Service) IsOnline() bool {
	return s.monitor.IsOnline()
}

// SetOnline feeds an external connectivity signal into the monitor.
func (s *Service) SetOnline(online bool) {
	s.monitor.Set(online)
}

// GetPendingCount returns the tenant's undelivered items.
func (s *Service) GetPendingCount(ctx context.Context, tenantID string) (int, error) {
	return s.reporter.GetPendingCount(ctx, tenantID)
}

// Enqueue captures a local write for later replay.
func (s *Service) Enqueue(ctx context.Context, in models.QueueItemInput) (models.QueueItem, error) {
	item, err := s.store.Enqueue(ctx, in)
	if err != nil {
		return models.QueueItem{}, err
	}
	telemetry.EnqueueCounter.Inc()
	s.refreshCount(ctx, item.TenantID)
	s.log.WithFields(logrus.Fields{
		"tenant":  item.TenantID,
		"item_id": item.ID,
		"table":   item.TableName,
		"op":      item.Operation,
	}).Debug("queued offline write")

	if s.IsOnline() {
		s.kick(item.TenantID, false)
	}
	return item, nil
}

// SyncOfflineData drains the tenant's queue through apply right now.
func (s *Service) SyncOfflineData(ctx context.Context, apply syncer.ApplyFunc, tenantID, userID string) (syncer.Result, error) {
	if s.isClosed() {
		return syncer.Result{}, ErrClosed
	}
	res, err := s.orch.Run(ctx, apply, tenantID, userID)
	if !res.Skipped {
		s.refreshCount(ctx, tenantID)
	}
	return res, err
}

// Watch keeps the tenant in sync automatically, applying as userID.
// Watching a tenant again replaces its session.
func (s *Service) Watch(tenantID, userID string, apply syncer.ApplyFunc) error {
	if tenantID == "" || apply == nil {
		return errors.New("offline: tenant and apply are required")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if old, ok := s.sessions[tenantID]; ok && old.retry != nil {
		old.retry.Stop()
	}
	s.sessions[tenantID] = &session{tenantID: tenantID, userID: userID, apply: apply}
	s.mu.Unlock()

	if s.IsOnline() {
		s.kick(tenantID, true)
	}
	return nil
}

// Unwatch stops automatic sync for the tenant.
func (s *Service) Unwatch(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[tenantID]; ok {
		if sess.retry != nil {
			sess.retry.Stop()
		}
		delete(s.sessions, tenantID)
	}
}

// TriggerSync is the manual "retry now": it probes the backend and, when
// reachable, syncs every watched tenant.
func (s *Service) TriggerSync(ctx context.Context) bool {
	if s.isClosed() {
		return false
	}
	return s.monitor.TriggerCheck(ctx)
}

// ListFailed returns the tenant's parked items.
func (s *Service) ListFailed(ctx context.Context, tenantID string) ([]models.QueueItem, error) {
	return s.store.ListFailed(ctx, tenantID)
}

// RetryFailed puts a failed item back in line at its original position.
func (s *Service) RetryFailed(ctx context.Context, tenantID, id string) error {
	if err := s.store.Retry(ctx, tenantID, id); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"tenant": tenantID, "item_id": id}).Info("failed item requeued by operator")
	if s.IsOnline() {
		s.kick(tenantID, false)
	}
	return nil
}

// DiscardFailed archives a failed item, when an archiver is configured, and
// removes it from the queue. It returns the archive location.
func (s *Service) DiscardFailed(ctx context.Context, tenantID, id, discardedBy string) (string, error) {
	item, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return "", err
	}
	if item.Status != models.StatusFailed {
		return "", ErrNotFailed
	}
	var loc string
	if s.archiver != nil {
		if loc, err = s.archiver.Archive(ctx, item, discardedBy); err != nil {
			return "", err
		}
	}
	if err := s.store.Remove(ctx, tenantID, id); err != nil {
		return loc, err
	}
	s.refreshCount(ctx, tenantID)
	s.log.WithFields(logrus.Fields{"tenant": tenantID, "item_id": id, "archive": loc}).Info("failed item discarded")
	return loc, nil
}

// Close stops the monitor, pending retries and in-flight automatic runs.
// The store stays open; it belongs to the caller.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, sess := range s.sessions {
		if sess.retry != nil {
			sess.retry.Stop()
		}
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// syncAll runs every watched tenant; it is the monitor's online subscriber.
func (s *Service) syncAll() {
	if s.recoverStale > 0 {
		// Items abandoned by a process that died since we started.
		if n, err := s.store.RecoverSyncing(s.runCtx, s.recoverStale); err != nil {
			s.log.WithError(err).Warn("recover abandoned items")
		} else if n > 0 {
			s.log.WithField("items", n).Warn("returned abandoned items to pending")
		}
	}
	s.mu.Lock()
	tenants := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		tenants = append(tenants, id)
	}
	s.mu.Unlock()
	for _, id := range tenants {
		s.kick(id, true)
	}
}

// kick starts a background run for a watched tenant. A kick during a run
// makes that run go around once more, so writes queued meanwhile are not
// left waiting for the next online notification. Unless force is set, a
// tenant backing off after a transient failure keeps waiting.
func (s *Service) kick(tenantID string, force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tenantID]
	if !ok || s.closed {
		return
	}
	if sess.running {
		sess.again = true
		return
	}
	if sess.retry != nil && !force {
		return
	}
	if sess.retry != nil {
		sess.retry.Stop()
		sess.retry = nil
	}
	sess.running = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSession(sess)
	}()
}

func (s *Service) runSession(sess *session) {
	ctx := s.runCtx
	log := s.log.WithField("tenant", sess.tenantID)
	for {
		if ctx.Err() != nil {
			s.finish(sess)
			return
		}
		res, err := s.orch.Run(ctx, sess.apply, sess.tenantID, sess.userID)
		if ctx.Err() != nil {
			s.finish(sess)
			return
		}
		if !res.Skipped {
			s.refreshCount(ctx, sess.tenantID)
		}
		if err != nil {
			log.WithError(err).Error("automatic sync failed")
		}
		if err == nil && !res.Halted {
			s.mu.Lock()
			if sess.again && !s.closed {
				sess.again = false
				s.mu.Unlock()
				continue
			}
			sess.running = false
			s.mu.Unlock()
			return
		}
		s.scheduleRetry(ctx, sess, log)
		return
	}
}

func (s *Service) finish(sess *session) {
	s.mu.Lock()
	sess.running = false
	sess.again = false
	s.mu.Unlock()
}

func (s *Service) scheduleRetry(ctx context.Context, sess *session, log logrus.FieldLogger) {
	delay := s.retryDelay(s.headAttempts(ctx, sess.tenantID))

	s.mu.Lock()
	defer s.mu.Unlock()
	sess.running = false
	sess.again = false
	if s.closed || s.sessions[sess.tenantID] != sess {
		return
	}
	if sess.retry != nil {
		sess.retry.Stop()
	}
	sess.retry = time.AfterFunc(delay, func() {
		if !s.IsOnline() {
			// The next online notification picks the tenant up.
			return
		}
		s.kick(sess.tenantID, true)
	})
	log.WithField("retry_in", delay.String()).Info("sync retry scheduled")
}

// headAttempts is the attempt count of the item blocking the queue.
func (s *Service) headAttempts(ctx context.Context, tenantID string) int {
	items, err := s.store.ListPending(ctx, tenantID)
	if err != nil {
		return 1
	}
	for _, it := range items {
		if it.Status != models.StatusFailed {
			return it.AttemptCount
		}
	}
	return 1
}

// retryDelay grows exponentially with attempts, with jitter, up to backoffMax.
func (s *Service) retryDelay(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.backoffInitial,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         s.backoffMax,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempts && i < 32; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (s *Service) refreshCount(ctx context.Context, tenantID string) {
	if _, err := s.reporter.GetPendingCount(ctx, tenantID); err != nil {
		s.log.WithError(err).WithField("tenant", tenantID).Warn("refresh pending count")
	}
}
