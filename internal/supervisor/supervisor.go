package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/reuseportd/internal/affinity"
	"github.com/skypro1111/reuseportd/internal/classifier"
	"github.com/skypro1111/reuseportd/internal/config"
	"github.com/skypro1111/reuseportd/internal/metrics"
	"github.com/skypro1111/reuseportd/internal/steering"
	"github.com/skypro1111/reuseportd/internal/worker"
)

var (
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("pool already started")

	// ErrLeaderFailed is returned when the worker that attaches the classifier fails.
	ErrLeaderFailed = errors.New("leader worker failed")
)

// Config describes the pool.
type Config struct {
	CPUs           int // 0 = every possible CPU
	Port           int
	BindAddress    string
	ReadBuffer     int
	SocketBuffer   int
	FailurePolicy  string
	StartupTimeout time.Duration // 0 waits indefinitely
	UnpinOnExit    bool
}

// FromConfig builds the pool configuration from the service configuration.
func FromConfig(cfg *config.Config) Config {
	return Config{
		CPUs:           cfg.Pool.CPUs,
		Port:           cfg.Server.Port,
		BindAddress:    cfg.Server.BindAddress,
		ReadBuffer:     cfg.Server.ReadBuffer,
		SocketBuffer:   cfg.Server.SocketBuffer,
		FailurePolicy:  cfg.Pool.FailurePolicy,
		StartupTimeout: cfg.Pool.GetStartupTimeoutDuration(),
		UnpinOnExit:    cfg.Steering.UnpinOnExit,
	}
}

// Deps are handed to every worker.
type Deps struct {
	Pinner     affinity.Pinner
	Store      steering.Store
	Classifier classifier.Classifier
	Metrics    *metrics.Metrics // optional
	Logger     *slog.Logger
}

// WorkerStatus is a snapshot of one worker.
type WorkerStatus struct {
	CPU   int          `json:"cpu"`
	Role  string       `json:"role"`
	State worker.State `json:"state"`
	Stats worker.Stats `json:"stats"`
}

// Supervisor owns the steering table and the workers of one pool.
type Supervisor struct {
	cfg      Config
	deps     Deps
	cpuCount int
	initErr  error
	logger   *slog.Logger

	mu       sync.RWMutex
	started  bool
	runID    string
	table    steering.Table
	workers  []*worker.Worker
	failures []error

	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// New creates a supervisor. Nothing is published until Start.
// Without an explicit CPU count the pool covers every possible CPU, since the
// classifier keys the table by the id of whichever CPU handled the packet.
// CPUs the process may not run on then fail when their worker pins.
func New(cfg Config, deps Deps) *Supervisor {
	cpus := cfg.CPUs
	var initErr error
	if cpus <= 0 {
		cpus, initErr = affinity.Possible()
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = config.FailurePolicyAbort
	}
	if deps.Pinner == nil {
		deps.Pinner = affinity.System
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{
		cfg:      cfg,
		deps:     deps,
		cpuCount: cpus,
		initErr:  initErr,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// CPUCount returns the number of workers in the pool.
func (s *Supervisor) CPUCount() int {
	return s.cpuCount
}

// RunID identifies the current bring-up in logs and the status API.
func (s *Supervisor) RunID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runID
}

// Table returns the published steering table, nil before Start and once the pool has stopped.
func (s *Supervisor) Table() steering.Table {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table
}

// Failures returns the startup errors tolerated under the degrade policy.
func (s *Supervisor) Failures() []error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]error(nil), s.failures...)
}

// Start publishes the steering table and classifier, spawns one worker per CPU and
// waits until each has reported its startup outcome.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if s.initErr != nil {
		s.mu.Unlock()
		return s.initErr
	}
	s.started = true
	s.runID = uuid.NewString()
	s.logger = s.logger.With(slog.String("run_id", s.runID))
	s.mu.Unlock()

	begin := time.Now()
	s.logger.Info("Starting worker pool",
		slog.Int("cpus", s.cpuCount),
		slog.Int("port", s.cfg.Port),
		slog.String("failure_policy", s.cfg.FailurePolicy),
	)

	table, err := s.publish()
	if err != nil {
		close(s.done)
		return err
	}

	poolCtx, cancel := context.WithCancel(ctx)

	workers := make([]*worker.Worker, s.cpuCount)
	ready := make(chan error, s.cpuCount)
	deps := worker.Deps{
		Pinner:     s.deps.Pinner,
		Store:      s.deps.Store,
		Classifier: s.deps.Classifier,
		Metrics:    s.deps.Metrics,
		Logger:     s.logger,
	}
	for cpu := 0; cpu < s.cpuCount; cpu++ {
		role := worker.Follower
		if cpu == 0 {
			role = worker.Leader
		}
		workers[cpu] = worker.New(worker.Config{
			CPU:          cpu,
			Role:         role,
			Port:         s.cfg.Port,
			BindAddress:  s.cfg.BindAddress,
			ReadBuffer:   s.cfg.ReadBuffer,
			SocketBuffer: s.cfg.SocketBuffer,
		}, s.cpuCount, deps)
	}

	s.mu.Lock()
	s.table = table
	s.workers = workers
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(len(workers))
	for _, w := range workers {
		go func(w *worker.Worker) {
			defer s.wg.Done()
			w.Run(poolCtx, ready)
		}(w)
	}
	go s.reap()

	failures, err := s.awaitStartup(ready)
	if err == nil {
		err = s.applyPolicy(failures)
	}
	if err != nil {
		cancel()
		<-s.done
		return err
	}

	serving := s.cpuCount - len(failures)
	if s.deps.Metrics != nil {
		s.deps.Metrics.SetWorkersServing(serving)
		s.deps.Metrics.RecordStartupDuration(time.Since(begin).Seconds())
	}
	s.logger.Info("Worker pool serving",
		slog.Int("workers", serving),
		slog.Int("failed", len(failures)),
		slog.Duration("startup", time.Since(begin)),
	)
	return nil
}

// publish creates the table and makes it and the classifier visible to workers.
func (s *Supervisor) publish() (steering.Table, error) {
	table, err := s.deps.Store.Create(s.cpuCount)
	if err != nil {
		return nil, fmt.Errorf("failed to create steering table: %w", err)
	}

	name := steering.MapName(s.cfg.Port)
	if err := s.deps.Store.Publish(name, table); err != nil {
		table.Close()
		return nil, fmt.Errorf("failed to publish steering table: %w", err)
	}
	if err := s.deps.Classifier.Publish(s.cfg.Port, table); err != nil {
		if uerr := s.deps.Store.Unpublish(name); uerr != nil {
			s.logger.Warn("Failed to unpublish steering table", slog.String("error", uerr.Error()))
		}
		table.Close()
		return nil, fmt.Errorf("failed to publish classifier: %w", err)
	}

	s.logger.Info("Steering table published",
		slog.String("name", name),
		slog.Int("capacity", table.Capacity()),
	)
	return table, nil
}

// awaitStartup collects one outcome per worker.
func (s *Supervisor) awaitStartup(ready <-chan error) ([]error, error) {
	var timeout <-chan time.Time
	if s.cfg.StartupTimeout > 0 {
		timer := time.NewTimer(s.cfg.StartupTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var failures []error
	for reported := 0; reported < s.cpuCount; reported++ {
		select {
		case err := <-ready:
			if err != nil {
				failures = append(failures, err)
			}
		case <-timeout:
			return failures, fmt.Errorf("startup timed out after %s with %d of %d workers reported",
				s.cfg.StartupTimeout, reported, s.cpuCount)
		}
	}
	return failures, nil
}

func (s *Supervisor) applyPolicy(failures []error) error {
	if len(failures) == 0 {
		return nil
	}

	for _, err := range failures {
		var se *worker.StartupError
		if errors.As(err, &se) && se.CPU == 0 {
			return fmt.Errorf("%w: %w", ErrLeaderFailed, errors.Join(failures...))
		}
	}

	if s.cfg.FailurePolicy != config.FailurePolicyDegrade {
		return errors.Join(failures...)
	}

	s.mu.Lock()
	s.failures = failures
	s.mu.Unlock()

	s.logger.Warn("Worker pool degraded",
		slog.Int("failed", len(failures)),
		slog.Int("cpus", s.cpuCount),
	)
	return nil
}

// reap waits for every worker to stop and releases the pool's resources.
func (s *Supervisor) reap() {
	defer close(s.done)
	s.wg.Wait()

	if s.deps.Metrics != nil {
		s.deps.Metrics.SetWorkersServing(0)
	}

	s.mu.Lock()
	table := s.table
	s.table = nil
	s.mu.Unlock()
	if table != nil {
		table.Close()
	}

	if s.cfg.UnpinOnExit {
		if err := s.deps.Classifier.Unpublish(s.cfg.Port); err != nil {
			s.logger.Warn("Failed to unpublish classifier", slog.String("error", err.Error()))
		}
		if err := s.deps.Store.Unpublish(steering.MapName(s.cfg.Port)); err != nil {
			s.logger.Warn("Failed to unpublish steering table", slog.String("error", err.Error()))
		}
	}

	s.logger.Info("Worker pool stopped")
}

// Stop cancels every worker. It does not wait; use Wait.
func (s *Supervisor) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until every worker has terminated and the pool is released.
// It must not be called before Start.
func (s *Supervisor) Wait() {
	<-s.done
}

// Snapshot returns the status of every worker ordered by CPU.
func (s *Supervisor) Snapshot() []WorkerStatus {
	s.mu.RLock()
	workers := s.workers
	s.mu.RUnlock()

	out := make([]WorkerStatus, 0, len(workers))
	for _, w := range workers {
		out = append(out, WorkerStatus{
			CPU:   w.CPU(),
			Role:  w.Role().String(),
			State: w.State(),
			Stats: w.Stats(),
		})
	}
	return out
}

// Serving returns the number of workers currently serving.
func (s *Supervisor) Serving() int {
	n := 0
	for _, st := range s.Snapshot() {
		if st.State == worker.StateServing {
			n++
		}
	}
	return n
}
