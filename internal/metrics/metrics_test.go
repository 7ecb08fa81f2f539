package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fresh resets the registration gate and registers into a private registry.
func fresh(t *testing.T) *prometheus.Registry {
	t.Helper()
	prev := regOK.Load()
	regOK.Store(false)
	t.Cleanup(func() { regOK.Store(prev) })
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	return reg
}

func TestRegisterIsIdempotent(t *testing.T) {
	reg := fresh(t)
	require.NoError(t, Register(reg))
	regOK.Store(false)
	require.NoError(t, Register(reg), "already registered collectors are tolerated")
}

func TestHelpersRecordValues(t *testing.T) {
	reg := fresh(t)

	starts := testutil.ToFloat64(processStarts.WithLabelValues("orbitdb"))
	IncStart("orbitdb")
	IncStart("orbitdb")
	assert.Equal(t, starts+2, testutil.ToFloat64(processStarts.WithLabelValues("orbitdb")))

	SetPods(3)
	SetOpenDbs(2)
	assert.Equal(t, 3.0, testutil.ToFloat64(pods))
	assert.Equal(t, 2.0, testutil.ToFloat64(openDbs))

	SetCurrentState("orbitdb-a", "started", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(currentStates.WithLabelValues("orbitdb-a", "started")))
	SetCurrentState("orbitdb-a", "started", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(currentStates.WithLabelValues("orbitdb-a", "started")))

	ok := testutil.ToFloat64(commands.WithLabelValues("db", "put", "ok"))
	ObserveCommand("db", "put", true, 0.01)
	ObserveCommand("db", "put", false, 0.02)
	assert.Equal(t, ok+1, testutil.ToFloat64(commands.WithLabelValues("db", "put", "ok")))

	dropped := testutil.ToFloat64(sinkDropped)
	IncSinkDropped()
	assert.Equal(t, dropped+1, testutil.ToFloat64(sinkDropped))

	IncStop("ipfs")
	ObserveStartDuration("ipfs", 0.25)
	RecordStateTransition("ipfs", "init", "started")
	IncLogEntry("ipfs", "INFO")
	IncSinkError("sqlite")

	n, err := testutil.GatherAndCount(reg,
		"lunarpod_process_starts_total",
		"lunarpod_process_stops_total",
		"lunarpod_process_start_duration_seconds",
		"lunarpod_process_stage_transitions_total",
		"lunarpod_podbay_pods",
		"lunarpod_podbay_open_databases",
		"lunarpod_dispatch_command_duration_seconds",
		"lunarpod_logbook_entries_total",
		"lunarpod_logbook_sink_errors_total",
		"lunarpod_logbook_sink_dropped_total",
	)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 10)
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP lunarpod_podbay_pods Number of pods held by the pod bay.
# TYPE lunarpod_podbay_pods gauge
lunarpod_podbay_pods 3
`), "lunarpod_podbay_pods"))
}

func TestHandlerForServesRegistry(t *testing.T) {
	reg := fresh(t)
	IncStart("libp2p")

	srv := httptest.NewServer(HandlerFor(reg))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(b), `lunarpod_process_starts_total{component="libp2p"}`)
}

func TestConcurrentIncrements(t *testing.T) {
	fresh(t)
	before := testutil.ToFloat64(logEntries.WithLabelValues("c", "DEBUG"))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncLogEntry("c", "DEBUG")
		}()
	}
	wg.Wait()
	assert.Equal(t, before+50, testutil.ToFloat64(logEntries.WithLabelValues("c", "DEBUG")))
}

func TestHelpersNoopBeforeRegister(t *testing.T) {
	prev := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(prev)

	before := testutil.ToFloat64(processStarts.WithLabelValues("noop"))
	assert.NotPanics(t, func() {
		IncStart("noop")
		IncStop("noop")
		ObserveStartDuration("noop", 1)
		RecordStateTransition("noop", "init", "started")
		SetCurrentState("noop", "started", true)
		ForgetProcess("noop")
		SetPods(1)
		SetOpenDbs(1)
		ObserveCommand("db", "put", false, 1)
		IncLogEntry("noop", "WARN")
		IncSinkError("x")
		IncSinkDropped()
	})
	assert.Equal(t, before, testutil.ToFloat64(processStarts.WithLabelValues("noop")))
}

func TestForgetProcess(t *testing.T) {
	reg := fresh(t)
	SetCurrentState("pod-gone", "init", false)
	SetCurrentState("pod-gone", "started", true)
	SetCurrentState("pod-kept", "started", true)

	n, err := testutil.GatherAndCount(reg, "lunarpod_process_current_state")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	ForgetProcess("pod-gone")
	n, err = testutil.GatherAndCount(reg, "lunarpod_process_current_state")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1.0, testutil.ToFloat64(currentStates.WithLabelValues("pod-kept", "started")))
	ForgetProcess("pod-kept")
}

type failingRegisterer struct{ prometheus.Registerer }

func (failingRegisterer) Register(prometheus.Collector) error { return errors.New("registry closed") }

func TestRegisterError(t *testing.T) {
	prev := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(prev)

	err := Register(failingRegisterer{})
	require.EqualError(t, err, "registry closed")
	assert.False(t, regOK.Load())
}
