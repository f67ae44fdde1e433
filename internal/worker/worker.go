package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/skypro1111/reuseportd/internal/affinity"
	"github.com/skypro1111/reuseportd/internal/classifier"
	"github.com/skypro1111/reuseportd/internal/metrics"
	"github.com/skypro1111/reuseportd/internal/steering"
)

// Config describes the socket a worker owns.
type Config struct {
	CPU          int
	Role         Role
	Port         int
	BindAddress  string // IPv4, empty binds all interfaces
	ReadBuffer   int    // datagrams longer than this are truncated
	SocketBuffer int    // SO_RCVBUF, 0 keeps the kernel default
}

// Deps are the collaborators shared by every worker of a pool.
type Deps struct {
	Pinner     affinity.Pinner
	Store      steering.Store
	Classifier classifier.Classifier
	Metrics    *metrics.Metrics // optional
	Logger     *slog.Logger
}

// Worker owns one pinned thread and one reuseport socket.
type Worker struct {
	cfg        Config
	pinner     affinity.Pinner
	store      steering.Store
	classifier classifier.Classifier
	metrics    *metrics.Metrics
	counters   *metrics.CPU
	logger     *slog.Logger

	state atomic.Int32

	fd    int // raw descriptor until wrapped into conn
	conn  *net.UDPConn
	table steering.Table

	stats stats
}

type stats struct {
	received      atomic.Uint64
	replied       atomic.Uint64
	bytes         atomic.Uint64
	receiveErrors atomic.Uint64
	sendErrors    atomic.Uint64
}

// Stats is a point-in-time copy of a worker's counters.
type Stats struct {
	Received      uint64 `json:"received"`
	Replied       uint64 `json:"replied"`
	Bytes         uint64 `json:"bytes"`
	ReceiveErrors uint64 `json:"receive_errors"`
	SendErrors    uint64 `json:"send_errors"`
}

// New creates a worker for cfg.CPU. A CPU outside [0, cpuCount) is a programmer error.
func New(cfg Config, cpuCount int, deps Deps) *Worker {
	if cfg.CPU < 0 || cfg.CPU >= cpuCount {
		panic(fmt.Sprintf("worker: cpu %d out of range [0, %d)", cfg.CPU, cpuCount))
	}
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = 1024
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &Worker{
		cfg:        cfg,
		pinner:     deps.Pinner,
		store:      deps.Store,
		classifier: deps.Classifier,
		metrics:    deps.Metrics,
		logger: logger.With(
			slog.Int("cpu", cfg.CPU),
			slog.String("role", cfg.Role.String()),
		),
		fd: -1,
	}
	if w.metrics != nil {
		w.counters = w.metrics.ForCPU(cfg.CPU)
		w.metrics.SetWorkerState(cfg.CPU, "", StateInit.String())
	}
	return w
}

// CPU returns the CPU this worker is pinned to.
func (w *Worker) CPU() int {
	return w.cfg.CPU
}

// Role returns the worker's role in the pool.
func (w *Worker) Role() Role {
	return w.cfg.Role
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Stats returns the worker's counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Received:      w.stats.received.Load(),
		Replied:       w.stats.replied.Load(),
		Bytes:         w.stats.bytes.Load(),
		ReceiveErrors: w.stats.receiveErrors.Load(),
		SendErrors:    w.stats.sendErrors.Load(),
	}
}

// Run brings the worker up and serves until ctx is done. Exactly one startup outcome
// is sent on ready: nil once serving, or the *StartupError that stopped the worker.
func (w *Worker) Run(ctx context.Context, ready chan<- error) {
	runtime.LockOSThread()
	pinned := false
	defer func() {
		// A pinned thread must not return to the scheduler's pool; exiting while
		// locked makes the runtime terminate it.
		if !pinned {
			runtime.UnlockOSThread()
		}
	}()

	if err := w.pin(); err != nil {
		w.fail(err)
		ready <- err
		return
	}
	pinned = true

	if err := w.start(); err != nil {
		w.fail(err)
		ready <- err
		return
	}

	w.setState(StateServing)
	w.logger.Info("Worker serving",
		slog.Int("port", w.cfg.Port),
		slog.Int("read_buffer", w.cfg.ReadBuffer),
	)
	ready <- nil

	w.serve(ctx)
	w.close()
}

func (w *Worker) pin() error {
	if err := w.pinner.Pin(w.cfg.CPU); err != nil {
		return w.startupError(StatePinned, err)
	}
	w.setState(StatePinned)
	return nil
}

// start runs the socket, registration and attach steps in order.
func (w *Worker) start() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return w.startupError(StateSocketOpen, err)
	}
	unix.CloseOnExec(fd)
	w.fd = fd
	w.setState(StateSocketOpen)

	// SO_REUSEPORT must be set before bind to join the group.
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return w.startupError(StatePortShared, fmt.Errorf("set SO_REUSEPORT: %w", err))
	}
	if w.cfg.SocketBuffer > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, w.cfg.SocketBuffer); err != nil {
			return w.startupError(StatePortShared, fmt.Errorf("set SO_RCVBUF: %w", err))
		}
	}
	w.setState(StatePortShared)

	if err := w.bind(); err != nil {
		return w.startupError(StateBound, err)
	}
	w.setState(StateBound)

	if err := w.register(); err != nil {
		return w.startupError(StateRegistered, err)
	}
	w.setState(StateRegistered)

	if w.cfg.Role == Leader {
		w.setState(StateAttaching)
		if err := w.attach(); err != nil {
			return w.startupError(StateAttaching, err)
		}
	}
	return nil
}

func (w *Worker) bind() error {
	sa := &unix.SockaddrInet4{Port: w.cfg.Port}
	if w.cfg.BindAddress != "" {
		ip := net.ParseIP(w.cfg.BindAddress).To4()
		if ip == nil {
			return fmt.Errorf("bind address %q is not IPv4", w.cfg.BindAddress)
		}
		copy(sa.Addr[:], ip)
	}
	if err := unix.Bind(w.fd, sa); err != nil {
		return err
	}

	// FilePacketConn duplicates the descriptor; the original is closed with f.
	f := os.NewFile(uintptr(w.fd), fmt.Sprintf("udp-cpu%d", w.cfg.CPU))
	pc, err := net.FilePacketConn(f)
	f.Close()
	w.fd = -1
	if err != nil {
		return err
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return fmt.Errorf("unexpected packet conn type %T", pc)
	}
	w.conn = conn
	w.logger.Debug("Socket bound", slog.String("local_addr", conn.LocalAddr().String()))
	return nil
}

func (w *Worker) register() error {
	table, err := w.store.Open(steering.MapName(w.cfg.Port))
	if err != nil {
		return err
	}

	raw, err := w.conn.SyscallConn()
	if err != nil {
		table.Close()
		return err
	}

	var insertErr error
	if err := raw.Control(func(fd uintptr) {
		insertErr = table.Insert(w.cfg.CPU, fd)
	}); err != nil {
		table.Close()
		return err
	}
	if insertErr != nil {
		table.Close()
		return insertErr
	}

	w.table = table
	return nil
}

func (w *Worker) attach() error {
	raw, err := w.conn.SyscallConn()
	if err != nil {
		return err
	}
	if err := w.classifier.Attach(raw, w.cfg.Port); err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.RecordClassifierAttach()
	}
	w.logger.Info("Classifier attached", slog.Int("port", w.cfg.Port))
	return nil
}

// serve echoes datagrams until ctx is done. The receive is the only blocking point;
// cancellation closes the socket to release it.
func (w *Worker) serve(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		w.conn.Close()
	})
	defer stop()

	buf := make([]byte, w.cfg.ReadBuffer)
	debug := w.logger.Enabled(ctx, slog.LevelDebug)

	for {
		n, addr, err := w.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			w.stats.receiveErrors.Add(1)
			if w.counters != nil {
				w.counters.ReceiveErrors.Inc()
			}
			w.logger.Warn("Failed to receive datagram", slog.String("error", err.Error()))
			continue
		}

		w.stats.received.Add(1)
		w.stats.bytes.Add(uint64(n))
		if w.counters != nil {
			w.counters.Received.Inc()
			w.counters.Bytes.Add(float64(n))
		}
		if debug {
			w.logger.Debug("Datagram received",
				slog.String("remote_addr", addr.String()),
				slog.Int("size", n),
			)
		}

		if _, err := w.conn.WriteToUDP(buf[:n], addr); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			w.stats.sendErrors.Add(1)
			if w.counters != nil {
				w.counters.SendErrors.Inc()
			}
			w.logger.Warn("Failed to send reply",
				slog.String("remote_addr", addr.String()),
				slog.String("error", err.Error()),
			)
			continue
		}

		w.stats.replied.Add(1)
		if w.counters != nil {
			w.counters.Replied.Inc()
		}
	}
}

// close releases the table entry and the socket after an intentional shutdown.
func (w *Worker) close() {
	w.release()
	w.setState(StateClosed)

	s := w.Stats()
	w.logger.Info("Worker closed",
		slog.Uint64("received", s.Received),
		slog.Uint64("replied", s.Replied),
		slog.Uint64("receive_errors", s.ReceiveErrors),
		slog.Uint64("send_errors", s.SendErrors),
	)
}

// fail releases whatever the worker acquired and marks it failed.
func (w *Worker) fail(err error) {
	w.release()
	w.setState(StateFailed)

	attrs := []any{slog.String("error", err.Error())}
	var se *StartupError
	if errors.As(err, &se) {
		attrs = append(attrs, slog.String("phase", se.Phase.String()))
		if w.metrics != nil {
			w.metrics.RecordStartupFailure(se.Phase.String())
		}
	}
	w.logger.Error("Worker startup failed", attrs...)
}

func (w *Worker) release() {
	if w.table != nil {
		if err := w.table.Delete(w.cfg.CPU); err != nil && !errors.Is(err, steering.ErrNotFound) {
			w.logger.Warn("Failed to remove steering entry", slog.String("error", err.Error()))
		}
		w.table.Close()
		w.table = nil
	}
	if w.conn != nil {
		w.conn.Close()
	}
	if w.fd >= 0 {
		unix.Close(w.fd)
		w.fd = -1
	}
}

func (w *Worker) setState(next State) {
	prev := State(w.state.Swap(int32(next)))
	if w.metrics != nil {
		w.metrics.SetWorkerState(w.cfg.CPU, prev.String(), next.String())
	}
	w.logger.Debug("Worker state changed",
		slog.String("from", prev.String()),
		slog.String("to", next.String()),
	)
}

func (w *Worker) startupError(phase State, err error) error {
	return &StartupError{CPU: w.cfg.CPU, Phase: phase, Err: err}
}
