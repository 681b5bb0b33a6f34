// Package syncer keeps the relational mirror consistent with the node's canonical chain.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goodnatureofminers/blockmirror/internal/clock"
	"github.com/goodnatureofminers/blockmirror/internal/mirror/model"
	"go.uber.org/zap"
)

// Config tunes the synchronizer. Zero values select the defaults.
type Config struct {
	// MaxDepth bounds how many stored blocks a single reorg may roll back.
	MaxDepth uint64
	// StartHeight is the height of the first block an empty mirror ingests.
	StartHeight uint64
	// MaxBlocksPerCycle bounds the forward portion of one cycle.
	MaxBlocksPerCycle uint64
	// PrefetchWorkers is the number of concurrent transaction fetches.
	PrefetchWorkers int
	// LeaseTTL is how long the store lease stays valid without renewal.
	LeaseTTL time.Duration
	// Holder identifies this instance in the store lease.
	Holder string
}

// Synchronizer drives reconciliation cycles between a node and the mirror.
type Synchronizer struct {
	store   Store
	archive Archive
	metrics Metrics
	logger  *zap.Logger
	cfg     Config

	planner *planner
	applier *applier

	sleep       func(context.Context, time.Duration, <-chan struct{}) error
	now         func() time.Time
	blockSignal <-chan struct{}

	// run serializes cycles of this instance; the store lease serializes instances.
	run sync.Mutex

	mu         sync.RWMutex
	state      State
	lastResult *model.CycleResult
	lastErr    error
}

// New builds a Synchronizer. archive may be nil when orphaned blocks need no retention.
func New(node NodeClient, store Store, archive Archive, metrics Metrics, cfg Config, logger *zap.Logger) (*Synchronizer, error) {
	if node == nil {
		return nil, errors.New("node client is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if metrics == nil {
		return nil, errors.New("synchronizer metrics is required")
	}
	if cfg.Holder == "" {
		return nil, errors.New("lease holder is required")
	}
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	if cfg.MaxBlocksPerCycle == 0 {
		cfg.MaxBlocksPerCycle = defaultMaxBlocksPerCycle
	}
	if cfg.PrefetchWorkers <= 0 {
		cfg.PrefetchWorkers = defaultPrefetchWorkers
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}

	logger = logger.With(zap.String("holder", cfg.Holder))
	s := &Synchronizer{
		store:   store,
		archive: archive,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		planner: &planner{
			node:        node,
			store:       store,
			maxDepth:    cfg.MaxDepth,
			startHeight: cfg.StartHeight,
			maxBlocks:   cfg.MaxBlocksPerCycle,
			logger:      logger.Named("planner"),
		},
		applier: &applier{
			node:            node,
			store:           store,
			holder:          cfg.Holder,
			startHeight:     cfg.StartHeight,
			prefetchWorkers: cfg.PrefetchWorkers,
			logger:          logger.Named("applier"),
		},
		sleep: clock.SleepWithContext,
		now:   time.Now,
	}
	metrics.ObserveState(StateIdle.String())
	return s, nil
}

// SetBlockSignal registers a channel that ends the idle wait of RunForever early.
func (s *Synchronizer) SetBlockSignal(ch <-chan struct{}) {
	s.blockSignal = ch
}

// State returns the current state.
func (s *Synchronizer) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastResult returns the outcome of the last finished cycle, or nil before the first one.
func (s *Synchronizer) LastResult() (*model.CycleResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastResult == nil {
		return nil, s.lastErr
	}
	res := *s.lastResult
	return &res, s.lastErr
}

// CurrentTip returns the committed tip of the mirror.
func (s *Synchronizer) CurrentTip(ctx context.Context) (*model.Tip, error) {
	return s.store.Tip(ctx)
}

func (s *Synchronizer) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.metrics.ObserveState(state.String())
}

// RunOnce performs one reconciliation cycle.
func (s *Synchronizer) RunOnce(ctx context.Context) (model.CycleResult, error) {
	s.run.Lock()
	defer s.run.Unlock()

	if s.State() == StateFatal {
		return model.CycleResult{}, model.ErrHalted
	}

	started := s.now()
	s.setState(StateReconciling)
	res, err := s.cycle(ctx)
	res.Started = started
	res.Duration = s.now().Sub(started)

	switch {
	case err == nil:
		s.setState(StateIdle)
	case model.IsFatal(err):
		s.logger.Error("cycle failed fatally, halting", zap.Error(err))
		s.setState(StateFatal)
	case ctx.Err() != nil:
		s.setState(StateIdle)
	default:
		s.setState(StateFailed)
	}
	s.metrics.ObserveCycle(err, res.Applied, len(res.RolledBack), started)

	s.mu.Lock()
	s.lastResult = &res
	s.lastErr = err
	s.mu.Unlock()
	return res, err
}

func (s *Synchronizer) cycle(ctx context.Context) (res model.CycleResult, err error) {
	if err = s.store.AcquireLease(ctx, s.cfg.Holder, s.cfg.LeaseTTL); err != nil {
		return res, fmt.Errorf("acquire lease: %w", err)
	}
	defer s.releaseLease(ctx)

	tip, err := s.store.Tip(ctx)
	if err != nil {
		return res, fmt.Errorf("read tip: %w", err)
	}
	res.Tip = tip

	plan, err := s.planner.Plan(ctx, tip)
	if err != nil {
		return res, fmt.Errorf("plan: %w", err)
	}
	res.Plan = plan
	if plan.Empty() {
		s.logger.Debug("mirror up to date", zap.Int64("tip_height", plan.ForkHeight))
		return res, nil
	}

	s.logger.Info("applying plan",
		zap.Int64("fork_height", plan.ForkHeight),
		zap.Bool("rollback", plan.Rollback),
		zap.Int("blocks", len(plan.Apply)),
	)
	// renew so the lease outlives a long apply phase
	if err = s.store.AcquireLease(ctx, s.cfg.Holder, s.cfg.LeaseTTL); err != nil {
		return res, fmt.Errorf("renew lease: %w", err)
	}

	s.setState(StateApplying)
	orphaned, newTip, err := s.applier.Apply(ctx, plan)
	if err != nil {
		return res, fmt.Errorf("apply: %w", err)
	}
	res.RolledBack = orphaned
	res.Applied = len(plan.Apply)
	res.Tip = newTip

	if newTip != nil {
		s.metrics.ObserveTip(newTip.Height)
	}
	if len(orphaned) > 0 && s.archive != nil {
		s.archive.Archive(ctx, orphaned)
	}
	return res, nil
}

func (s *Synchronizer) releaseLease(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseReleaseTimeout)
	defer cancel()
	if err := s.store.ReleaseLease(ctx, s.cfg.Holder); err != nil {
		s.logger.Warn("release lease failed", zap.Error(err))
	}
}

// RunForever runs cycles until ctx is done or a cycle fails fatally.
// A cycle that applied blocks is followed immediately by the next one; an idle
// cycle waits interval or a block signal; a failed cycle waits an exponential backoff.
// interval must be positive.
func (s *Synchronizer) RunForever(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", interval)
	}
	backoff := clock.NewBackoff(interval, maxBackoffFactor*interval)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := s.RunOnce(ctx)
		var (
			wait time.Duration
			wake <-chan struct{}
		)
		switch {
		case err == nil:
			backoff.Reset()
			if !res.Noop() {
				s.logger.Info("cycle applied",
					zap.Int("applied", res.Applied),
					zap.Int("rolled_back", len(res.RolledBack)),
					zap.Duration("took", res.Duration),
				)
				continue
			}
			wait, wake = interval, s.blockSignal
		case model.IsFatal(err):
			return err
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, model.ErrLeaseHeld):
			wait = backoff.Next()
			s.logger.Info("lease held by another instance, waiting", zap.Duration("sleep", wait))
		default:
			wait = backoff.Next()
			s.logger.Warn("cycle failed, backing off", zap.Error(err), zap.Duration("sleep", wait))
		}

		if err := s.sleep(ctx, wait, wake); err != nil {
			return err
		}
	}
}
