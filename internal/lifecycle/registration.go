package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/l0p7/readerguard/internal/manifest"
	"github.com/l0p7/readerguard/internal/metrics"
	"github.com/l0p7/readerguard/internal/namespace"
	"github.com/l0p7/readerguard/internal/router"
	"github.com/l0p7/readerguard/internal/storage"
	"github.com/l0p7/readerguard/internal/strategy"
)

// ErrNoActiveWorker means the consumer has no live controller and must be
// served straight from the network.
var ErrNoActiveWorker = errors.New("lifecycle: no active worker")

// EngineBuilder binds a strategy engine to a freshly installed generation.
type EngineBuilder func(ns *namespace.Manager, partitions strategy.Partitions) (*strategy.Engine, error)

// Options configure a Registration.
type Options struct {
	Storage storage.Storage
	Prefix  string
	Engines EngineBuilder
	// Installer supplies the fetcher, base URL and store policy. Storage,
	// metrics, logger and the activation signal are filled in here.
	Installer InstallerOptions
	// SkipWaiting lets a freshly installed worker preempt the active one.
	SkipWaiting bool
	// ClaimConsumers moves every known consumer to a newly activated worker.
	ClaimConsumers bool
	ClientIdle     time.Duration
	Metrics        *metrics.Recorder
	Logger         *slog.Logger
	Now            func() time.Time
}

type consumer struct {
	worker   *Worker
	lastSeen time.Time
}

// Registration is the single owner of every worker and consumer.
type Registration struct {
	storage        storage.Storage
	prefix         string
	engines        EngineBuilder
	installer      *Installer
	reaper         *Reaper
	claimConsumers bool
	clientIdle     time.Duration
	metrics        *metrics.Recorder
	logger         *slog.Logger
	now            func() time.Time

	updateMu sync.Mutex

	mu          sync.RWMutex
	installing  *Worker
	waiting     *Worker
	activating  *Worker
	active      *Worker
	consumers   map[string]*consumer
	lastInstall *InstallReport
	lastReap    *ReapReport
}

func NewRegistration(opts Options) (*Registration, error) {
	if opts.Storage == nil {
		return nil, errors.New("lifecycle: storage required")
	}
	if opts.Engines == nil {
		return nil, errors.New("lifecycle: engine builder required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	idle := opts.ClientIdle
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	r := &Registration{
		storage:        opts.Storage,
		prefix:         opts.Prefix,
		engines:        opts.Engines,
		claimConsumers: opts.ClaimConsumers,
		clientIdle:     idle,
		metrics:        opts.Metrics,
		logger:         logger.With(slog.String("agent", "lifecycle")),
		now:            now,
		consumers:      make(map[string]*consumer),
	}
	installerOpts := opts.Installer
	installerOpts.Storage = opts.Storage
	if installerOpts.Metrics == nil {
		installerOpts.Metrics = opts.Metrics
	}
	if installerOpts.Logger == nil {
		installerOpts.Logger = logger
	}
	if opts.SkipWaiting {
		installerOpts.Activator = r
	}
	installer, err := NewInstaller(installerOpts)
	if err != nil {
		return nil, err
	}
	r.installer = installer
	r.reaper = NewReaper(opts.Storage, r, opts.Metrics, logger)
	return r, nil
}

// Update installs generation gen with manifest m and activates it when
// nothing holds it back. Re-running the active or waiting generation
// reinstalls into its existing partitions.
func (r *Registration) Update(ctx context.Context, gen namespace.Generation, m manifest.Manifest) error {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	ns, err := namespace.New(r.prefix, gen)
	if err != nil {
		return err
	}

	r.mu.RLock()
	current := r.active
	if r.waiting != nil && r.waiting.Generation() == gen {
		current = r.waiting
	}
	r.mu.RUnlock()
	if current != nil && current.Generation() == gen {
		return r.reinstall(ctx, current, m)
	}

	w := newWorker(ns, m)
	r.mu.Lock()
	r.installing = w
	r.mu.Unlock()
	r.metrics.ObserveTransition(string(StateInstalling))
	r.logger.Info("installing generation", slog.String("generation", string(gen)), slog.String("worker", w.id))

	report, err := r.installer.Install(ctx, w)
	if err == nil {
		w.engine, err = r.engines(ns, w.partitions)
	}
	if err != nil {
		r.mu.Lock()
		r.installing = nil
		r.setState(w, StateRedundant)
		r.mu.Unlock()
		return fmt.Errorf("lifecycle: install %s: %w", gen, err)
	}
	r.mu.Lock()
	w.installedAt = r.now().UTC()
	r.installing = nil
	if r.waiting != nil {
		r.setState(r.waiting, StateRedundant)
	}
	r.waiting = w
	r.setState(w, StateWaiting)
	r.lastInstall = &report
	r.mu.Unlock()

	return r.tryActivate(ctx)
}

func (r *Registration) reinstall(ctx context.Context, w *Worker, m manifest.Manifest) error {
	replacement := newWorker(w.ns, m)
	report, err := r.installer.Install(ctx, replacement)
	if err != nil {
		return fmt.Errorf("lifecycle: reinstall %s: %w", w.Generation(), err)
	}
	r.mu.Lock()
	w.manifest = m.Clone()
	r.lastInstall = &report
	r.mu.Unlock()
	r.logger.Info("generation reinstalled", slog.String("generation", string(w.Generation())))
	return r.tryActivate(ctx)
}

// SkipWaiting marks w as allowed to preempt the active worker.
func (r *Registration) SkipWaiting(w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w.skipWaiting = true
}

// tryActivate runs activation for the waiting worker when it skips waiting,
// when nothing is active yet, or when the active worker has no consumers.
func (r *Registration) tryActivate(ctx context.Context) error {
	r.mu.Lock()
	w := r.waiting
	if w == nil || r.activating != nil {
		r.mu.Unlock()
		return nil
	}
	if !w.skipWaiting && r.active != nil && r.attachedLocked(r.active) > 0 {
		r.mu.Unlock()
		r.logger.Debug("worker waiting for consumers to leave", slog.String("generation", string(w.Generation())))
		return nil
	}
	r.waiting = nil
	r.activating = w
	r.setState(w, StateActivating)
	r.mu.Unlock()

	report, err := r.reaper.Reap(ctx, w.ns)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastReap = &report
	if r.activating == w {
		r.activating = nil
	}
	if err != nil {
		if r.waiting == nil {
			r.waiting = w
			r.setState(w, StateWaiting)
		} else {
			r.setState(w, StateRedundant)
		}
		return fmt.Errorf("lifecycle: activate %s: %w", w.Generation(), err)
	}
	return nil
}

// Claim promotes the activating worker for generation and, when configured,
// takes over every known consumer.
func (r *Registration) Claim(_ context.Context, generation namespace.Generation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.activating
	if w == nil || w.Generation() != generation {
		return fmt.Errorf("lifecycle: claim %s: worker is not activating", generation)
	}
	previous := r.active
	r.active = w
	r.setState(w, StateActive)
	if previous != nil && previous != w {
		r.setState(previous, StateRedundant)
	}
	claimed := 0
	if r.claimConsumers {
		for _, c := range r.consumers {
			if c.worker != w {
				c.worker = w
				claimed++
			}
		}
	}
	r.logger.Info("generation active", slog.String("generation", string(generation)), slog.Int("claimed", claimed))
	return nil
}

// Controller returns the worker that answers consumer id, attaching unknown
// consumers to the active worker. A blank id is never tracked. A consumer
// left on a redundant worker is only reattached by a navigation; its other
// requests get ErrNoActiveWorker.
func (r *Registration) Controller(id string, class router.Class) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == "" {
		if r.active == nil {
			return nil, ErrNoActiveWorker
		}
		return r.active, nil
	}
	c, ok := r.consumers[id]
	if !ok {
		if r.active == nil {
			return nil, ErrNoActiveWorker
		}
		c = &consumer{worker: r.active}
		r.consumers[id] = c
	}
	c.lastSeen = r.now()
	if c.worker.state == StateRedundant {
		if class != router.ClassNavigation || r.active == nil {
			return nil, ErrNoActiveWorker
		}
		c.worker = r.active
		r.logger.Debug("consumer reattached on navigation", slog.String("generation", string(r.active.Generation())))
	}
	return c.worker, nil
}

// Active returns the active worker or nil.
func (r *Registration) Active() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Prune forgets consumers idle longer than the configured window and then
// gives a waiting worker another chance to activate.
func (r *Registration) Prune(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.clientIdle)
	r.mu.Lock()
	pruned := 0
	for id, c := range r.consumers {
		if c.lastSeen.Before(cutoff) {
			delete(r.consumers, id)
			pruned++
		}
	}
	r.mu.Unlock()
	if pruned > 0 {
		r.logger.Debug("idle consumers pruned", slog.Int("count", pruned))
	}
	return pruned, r.tryActivate(ctx)
}

// Run prunes idle consumers until ctx is done.
func (r *Registration) Run(ctx context.Context) {
	interval := r.clientIdle / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Prune(ctx); err != nil {
				r.logger.Warn("activation after prune failed", slog.Any("error", err))
			}
		}
	}
}

func (r *Registration) attachedLocked(w *Worker) int {
	n := 0
	for _, c := range r.consumers {
		if c.worker == w {
			n++
		}
	}
	return n
}

func (r *Registration) setState(w *Worker, state State) {
	w.state = state
	r.metrics.ObserveTransition(string(state))
}

// WorkerStatus describes one worker for the status endpoint.
type WorkerStatus struct {
	ID          string          `json:"id"`
	Generation  string          `json:"generation"`
	State       State           `json:"state"`
	Partitions  namespace.Names `json:"partitions"`
	Consumers   int             `json:"consumers"`
	Shell       int             `json:"shellEntries"`
	Chapters    int             `json:"chapterEntries"`
	InstalledAt time.Time       `json:"installedAt,omitempty"`
}

// Status is a point-in-time snapshot of the registration.
type Status struct {
	Active      *WorkerStatus  `json:"active,omitempty"`
	Waiting     *WorkerStatus  `json:"waiting,omitempty"`
	Installing  *WorkerStatus  `json:"installing,omitempty"`
	Consumers   int            `json:"consumers"`
	LastInstall *InstallReport `json:"lastInstall,omitempty"`
	LastReap    *ReapReport    `json:"lastReap,omitempty"`
}

func (r *Registration) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	waiting := r.waiting
	if waiting == nil {
		waiting = r.activating
	}
	return Status{
		Active:      r.describeLocked(r.active),
		Waiting:     r.describeLocked(waiting),
		Installing:  r.describeLocked(r.installing),
		Consumers:   len(r.consumers),
		LastInstall: r.lastInstall,
		LastReap:    r.lastReap,
	}
}

func (r *Registration) describeLocked(w *Worker) *WorkerStatus {
	if w == nil {
		return nil
	}
	return &WorkerStatus{
		ID:          w.id,
		Generation:  string(w.Generation()),
		State:       w.state,
		Partitions:  w.ns.Names(),
		Consumers:   r.attachedLocked(w),
		Shell:       len(w.manifest.Shell),
		Chapters:    len(w.manifest.Chapters),
		InstalledAt: w.installedAt,
	}
}
