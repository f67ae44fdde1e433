package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/skypro1111/reuseportd/internal/affinity"
	"github.com/skypro1111/reuseportd/internal/classifier"
	"github.com/skypro1111/reuseportd/internal/config"
	"github.com/skypro1111/reuseportd/internal/loadgen"
	"github.com/skypro1111/reuseportd/internal/metrics"
	"github.com/skypro1111/reuseportd/internal/steering"
	"github.com/skypro1111/reuseportd/internal/worker"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

// failOn returns a pinner that refuses the given CPUs and accepts every other one.
func failOn(cpus ...int) affinity.Pinner {
	return affinity.PinnerFunc(func(cpu int) error {
		for _, c := range cpus {
			if c == cpu {
				return &affinity.Error{CPU: cpu, Err: unix.EINVAL}
			}
		}
		return nil
	})
}

type pool struct {
	*Supervisor
	port       int
	store      *steering.MemoryStore
	classifier *classifier.Memory
	metrics    *metrics.Metrics
}

func newPool(t *testing.T, cpus int, pinner affinity.Pinner, mutate func(c *Config)) *pool {
	t.Helper()
	p := &pool{
		port:       freePort(t),
		store:      steering.NewMemoryStore(),
		classifier: classifier.NewMemory(),
		metrics:    metrics.NewMetrics(prometheus.NewRegistry()),
	}

	cfg := Config{
		CPUs:           cpus,
		Port:           p.port,
		BindAddress:    "127.0.0.1",
		ReadBuffer:     1024,
		FailurePolicy:  config.FailurePolicyAbort,
		StartupTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	p.Supervisor = New(cfg, Deps{
		Pinner:     pinner,
		Store:      p.store,
		Classifier: p.classifier,
		Metrics:    p.metrics,
		Logger:     testLogger,
	})
	return p
}

func (p *pool) shutdown(t *testing.T) {
	t.Helper()
	p.Stop()

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestStartOneEntryPerCPU(t *testing.T) {
	for _, cpus := range []int{1, 2, 4, 8} {
		t.Run(fmt.Sprintf("cpus=%d", cpus), func(t *testing.T) {
			p := newPool(t, cpus, failOn(), nil)
			require.NoError(t, p.Start(context.Background()))
			defer p.shutdown(t)

			entries, err := p.Table().Entries()
			require.NoError(t, err)
			require.Len(t, entries, cpus)
			for i, e := range entries {
				assert.Equal(t, i, e.CPU)
			}

			assert.Equal(t, 1, p.classifier.Attempts(), "classifier must be attached exactly once")
			assert.True(t, p.classifier.Attached())
			assert.Equal(t, cpus, p.Serving())
			assert.Equal(t, float64(cpus), testutil.ToFloat64(p.metrics.WorkersServing))

			snap := p.Snapshot()
			require.Len(t, snap, cpus)
			assert.Equal(t, "leader", snap[0].Role)
			for _, st := range snap[1:] {
				assert.Equal(t, "follower", st.Role)
			}
		})
	}
}

func TestRunIDAssignedOnStart(t *testing.T) {
	p := newPool(t, 1, failOn(), nil)
	assert.Empty(t, p.RunID())

	require.NoError(t, p.Start(context.Background()))
	defer p.shutdown(t)

	_, err := uuid.Parse(p.RunID())
	assert.NoError(t, err)
}

func TestStartTwice(t *testing.T) {
	p := newPool(t, 1, failOn(), nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.shutdown(t)

	assert.ErrorIs(t, p.Start(context.Background()), ErrAlreadyStarted)
}

func TestEchoUnderLoad(t *testing.T) {
	const senders, datagrams = 8, 25

	p := newPool(t, 4, failOn(), nil)
	require.NoError(t, p.Start(context.Background()))

	res, err := loadgen.Run(context.Background(), loadgen.Config{
		Target:    fmt.Sprintf("127.0.0.1:%d", p.port),
		Senders:   senders,
		Datagrams: datagrams,
		Payload:   []byte("ping"),
		Timeout:   2 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(senders*datagrams), res.Replies)
	assert.Zero(t, res.Mismatched)

	p.shutdown(t)

	var received, replied uint64
	for _, st := range p.Snapshot() {
		assert.Equal(t, worker.StateClosed, st.State)
		received += st.Stats.Received
		replied += st.Stats.Replied
	}
	assert.Equal(t, uint64(senders*datagrams), received)
	assert.Equal(t, uint64(senders*datagrams), replied)
}

func TestPinFailureAborts(t *testing.T) {
	p := newPool(t, 4, failOn(2), nil)

	err := p.Start(context.Background())
	require.Error(t, err)

	var se *worker.StartupError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 2, se.CPU)
	assert.Equal(t, worker.StatePinned, se.Phase)

	// Start has already torn the pool down and released its handle.
	assert.Nil(t, p.Table())
	table, err := p.store.Open(steering.MapName(p.port))
	require.NoError(t, err)
	_, ok, err := table.Lookup(2)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, st := range p.Snapshot() {
		assert.True(t, st.State.Terminal(), "cpu %d in state %s", st.CPU, st.State)
	}
	assert.Equal(t, worker.StateFailed, p.Snapshot()[2].State)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.metrics.StartupFailures.WithLabelValues("pinned")))
}

func TestPinFailureDegrades(t *testing.T) {
	p := newPool(t, 4, failOn(2), func(c *Config) {
		c.FailurePolicy = config.FailurePolicyDegrade
	})
	require.NoError(t, p.Start(context.Background()))
	defer p.shutdown(t)

	entries, err := p.Table().Entries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.NotEqual(t, 2, e.CPU)
	}

	assert.Len(t, p.Failures(), 1)
	assert.Equal(t, 3, p.Serving())
	assert.Equal(t, worker.StateFailed, p.Snapshot()[2].State)
}

func TestLeaderFailureIsFatal(t *testing.T) {
	p := newPool(t, 2, failOn(0), func(c *Config) {
		c.FailurePolicy = config.FailurePolicyDegrade
	})

	err := p.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLeaderFailed)
	assert.ErrorIs(t, err, unix.EINVAL)
	assert.False(t, p.classifier.Attached())
}

func TestRepublishHidesStaleEntries(t *testing.T) {
	p := newPool(t, 2, failOn(), nil)

	stale, err := p.store.Create(2)
	require.NoError(t, err)
	require.NoError(t, stale.Insert(1, 999))
	require.NoError(t, p.store.Publish(steering.MapName(p.port), stale))

	require.NoError(t, p.Start(context.Background()))
	defer p.shutdown(t)

	e, ok, err := p.Table().Lookup(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, uint64(999), e.Socket)
}

func TestUnpinOnExit(t *testing.T) {
	tests := []struct {
		name      string
		unpin     bool
		wantFound bool
	}{
		{"keep pins", false, true},
		{"unpin", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPool(t, 1, failOn(), func(c *Config) { c.UnpinOnExit = tt.unpin })
			require.NoError(t, p.Start(context.Background()))
			p.shutdown(t)

			_, err := p.store.Open(steering.MapName(p.port))
			if tt.wantFound {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, steering.ErrNotFound)
			}
			assert.Zero(t, testutil.ToFloat64(p.metrics.WorkersServing))
		})
	}
}

func TestNewDefaultsToPossibleCPUs(t *testing.T) {
	want, err := affinity.Possible()
	require.NoError(t, err)

	s := New(Config{CPUs: 0, Port: 2048}, Deps{
		Store:      steering.NewMemoryStore(),
		Classifier: classifier.NewMemory(),
		Logger:     testLogger,
	})
	assert.Equal(t, want, s.CPUCount())

	s = New(Config{CPUs: 3, Port: 2048}, Deps{Logger: testLogger})
	assert.Equal(t, 3, s.CPUCount())
}

// rejectingClassifier fails every publish.
type rejectingClassifier struct {
	*classifier.Memory
}

func (rejectingClassifier) Publish(port int, t steering.Table) error {
	return errors.New("program rejected by verifier")
}

func TestClassifierPublishFailureUnpublishesTable(t *testing.T) {
	port := freePort(t)
	store := steering.NewMemoryStore()
	s := New(Config{CPUs: 2, Port: port, BindAddress: "127.0.0.1"}, Deps{
		Pinner:     failOn(),
		Store:      store,
		Classifier: rejectingClassifier{classifier.NewMemory()},
		Logger:     testLogger,
	})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to publish classifier")

	_, err = store.Open(steering.MapName(port))
	assert.ErrorIs(t, err, steering.ErrNotFound)
	assert.Nil(t, s.Table())
	assert.Empty(t, s.Snapshot())
}

func TestTableReleasedAfterStop(t *testing.T) {
	p := newPool(t, 2, failOn(), nil)
	require.NoError(t, p.Start(context.Background()))
	require.NotNil(t, p.Table())

	p.shutdown(t)
	assert.Nil(t, p.Table())
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Pool.CPUs = 3
	cfg.Pool.StartupTimeout = 7

	pc := FromConfig(&cfg)
	assert.Equal(t, 3, pc.CPUs)
	assert.Equal(t, 2048, pc.Port)
	assert.Equal(t, 1024, pc.ReadBuffer)
	assert.Equal(t, config.FailurePolicyAbort, pc.FailurePolicy)
	assert.Equal(t, 7*time.Second, pc.StartupTimeout)
}
