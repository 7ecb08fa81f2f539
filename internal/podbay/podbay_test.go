package podbay

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/lunarpod/internal/idref"
	"github.com/loykin/lunarpod/internal/logbook"
	"github.com/loykin/lunarpod/internal/pod"
	"github.com/loykin/lunarpod/internal/process"
	"github.com/loykin/lunarpod/internal/process/processtest"
	"github.com/loykin/lunarpod/internal/stage"
)

func newBay(f *processtest.Factories) *PodBay {
	books := logbook.NewManager(logbook.Options{Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))})
	return New(books, Options{
		Pod:      pod.Options{Engines: pod.Engines{Libp2p: f.Libp2p(), Ipfs: f.Ipfs(), OrbitDb: f.OrbitDb()}},
		NameType: idref.NameUUID,
	})
}

func TestNewPodGeneratesID(t *testing.T) {
	b := newBay(&processtest.Factories{})
	ref, err := b.NewPod(context.Background(), "", "")
	require.NoError(t, err)
	assert.NotEmpty(t, ref.Name())
	assert.Equal(t, idref.ComponentPod, ref.Component())

	p, err := b.GetPod(ref.Name())
	require.NoError(t, err)
	assert.True(t, p.ID().Equal(ref))
	q, err := b.GetPod(ref.String())
	require.NoError(t, err)
	assert.Same(t, p, q)
}

func TestPodIDsAreUnique(t *testing.T) {
	b := newBay(&processtest.Factories{})
	ctx := context.Background()
	_, err := b.NewPod(ctx, "alpha", "")
	require.NoError(t, err)
	_, err = b.NewPod(ctx, "alpha", "")
	assert.ErrorIs(t, err, ErrPodExists)
	for i := 0; i < 20; i++ {
		_, err := b.NewPod(ctx, "", "")
		require.NoError(t, err)
	}
	seen := map[string]bool{}
	for _, p := range b.Pods() {
		id := p.ID().ID(true)
		assert.False(t, seen[id], "duplicate %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, 21)

	errs := b.Books().Get(idref.ComponentPodBay).LevelHistory(logbook.LevelError)
	require.Len(t, errs, 1)
	assert.Equal(t, logbook.CodeConflict, errs[0].Code)
}

func TestNewPodWithComponent(t *testing.T) {
	f := &processtest.Factories{}
	b := newBay(f)
	ctx := context.Background()
	ref, err := b.NewPod(ctx, "p", "ipfs")
	require.NoError(t, err)
	p, err := b.GetPod(ref.Name())
	require.NoError(t, err)
	assert.NotNil(t, p.Ipfs())
	assert.Nil(t, p.OrbitDb())

	_, err = b.NewPod(ctx, "q", "nonsense")
	assert.ErrorIs(t, err, pod.ErrUnknownComponent)
	_, err = b.GetPod("q")
	assert.ErrorIs(t, err, ErrPodNotFound)
}

func TestOpenDbTwiceReturnsSameHandle(t *testing.T) {
	b := newBay(&processtest.Factories{})
	ctx := context.Background()
	first, err := b.OpenDb(ctx, OpenRequest{Name: "events-1", Type: "events"})
	require.NoError(t, err)
	pods := len(b.Pods())

	second, err := b.OpenDb(ctx, OpenRequest{Name: "events-1", Type: "events"})
	require.NoError(t, err)
	assert.Same(t, first.Db, second.Db)
	assert.Equal(t, first.Address, second.Address)
	assert.True(t, first.PodID.Equal(second.PodID))
	assert.Equal(t, pods, len(b.Pods()))
	assert.Equal(t, []string{"events-1"}, b.GetAllOpenDbNames())
}

func TestOpenDbByOrbitDbID(t *testing.T) {
	b := newBay(&processtest.Factories{})
	ctx := context.Background()
	ref, err := b.NewPod(ctx, "host", "orbitdb")
	require.NoError(t, err)

	o, err := b.OpenDb(ctx, OpenRequest{OrbitDbID: "orbitdb-host", Name: "a"})
	require.NoError(t, err)
	assert.True(t, o.PodID.Equal(ref))
	assert.Len(t, b.Pods(), 1)

	// the pod now owns a database, so the next open gets a new pod
	o2, err := b.OpenDb(ctx, OpenRequest{OrbitDbID: "orbitdb-host", Name: "b"})
	require.NoError(t, err)
	assert.False(t, o2.PodID.Equal(ref))
	assert.Len(t, b.Pods(), 2)
}

func TestOpenDbAtMostOnceAcrossSequence(t *testing.T) {
	b := newBay(&processtest.Factories{})
	ctx := context.Background()
	for _, n := range []string{"x", "y", "x", "z", "y", "x"} {
		_, err := b.OpenDb(ctx, OpenRequest{Name: n})
		require.NoError(t, err)
	}
	count := map[string]int{}
	for _, p := range b.Pods() {
		for _, n := range p.DbNames() {
			count[n]++
		}
	}
	assert.Equal(t, map[string]int{"x": 1, "y": 1, "z": 1}, count)
}

func TestOpenDbArbitratesOnExactName(t *testing.T) {
	b := newBay(&processtest.Factories{})
	ctx := context.Background()
	foo, err := b.OpenDb(ctx, OpenRequest{Name: "foo"})
	require.NoError(t, err)
	other, err := b.OpenDb(ctx, OpenRequest{Name: "db-foo"})
	require.NoError(t, err)

	assert.NotSame(t, foo.Db, other.Db)
	assert.Equal(t, "db-foo", other.Db.Name())
	assert.ElementsMatch(t, []string{"foo", "db-foo"}, b.GetAllOpenDbNames())
	assert.Len(t, b.Pods(), 2)

	// the exact name wins over the qualified id of another database
	got, ok := b.GetOpenDb("db-foo")
	require.True(t, ok)
	assert.Same(t, other.Db, got.Db)

	require.NoError(t, b.CloseDb(ctx, "db-foo"))
	got, ok = b.GetOpenDb("foo")
	require.True(t, ok)
	assert.Same(t, foo.Db, got.Db)
	got, ok = b.GetOpenDb("db-foo")
	require.True(t, ok, "qualified id still resolves once the name is gone")
	assert.Same(t, foo.Db, got.Db)
}

func TestOpenDbSkipsPodWithOpenInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	f := &processtest.Factories{Configure: func(e *processtest.Engine) {
		if e.Kind != "orbitdb" {
			return
		}
		e.BeforeOpen = func(name string) {
			if name == "x" {
				close(entered)
				<-release
			}
		}
	}}
	b := newBay(f)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := b.OpenDb(ctx, OpenRequest{Name: "x"})
		done <- err
	}()
	<-entered
	pods := b.Pods()
	require.Len(t, pods, 1)
	first := pods[0]

	y, err := b.OpenDb(ctx, OpenRequest{Name: "y", OrbitDbID: first.ID().Name()})
	require.NoError(t, err)
	assert.False(t, y.PodID.Equal(first.ID()), "y must not share the pod opening x")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"x"}, first.DbNames())

	require.NoError(t, b.CloseDb(ctx, "y"))
	_, ok := b.GetOpenDb("x")
	assert.True(t, ok)
}

func TestOpenDbSurvivesCallerCancel(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	f := &processtest.Factories{Configure: func(e *processtest.Engine) {
		if e.Kind == "orbitdb" {
			e.BeforeOpen = func(string) {
				close(entered)
				<-release
			}
		}
	}}
	b := newBay(f)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := b.OpenDb(ctx, OpenRequest{Name: "slow"})
		first <- err
	}()
	<-entered

	second := make(chan Opened, 1)
	go func() {
		o, err := b.OpenDb(context.Background(), OpenRequest{Name: "slow"})
		assert.NoError(t, err)
		second <- o
	}()

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)
	close(release)

	select {
	case o := <-second:
		assert.Equal(t, "slow", o.Db.Name())
	case <-time.After(5 * time.Second):
		t.Fatal("coalesced open did not finish")
	}
	assert.Equal(t, []string{"slow"}, b.GetAllOpenDbNames())
}

func TestConcurrentOpenDbSameName(t *testing.T) {
	b := newBay(&processtest.Factories{})
	ctx := context.Background()
	const n = 16
	results := make([]Opened, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, err := b.OpenDb(ctx, OpenRequest{Name: "shared"})
			assert.NoError(t, err)
			results[i] = o
		}(i)
	}
	wg.Wait()
	for _, r := range results[1:] {
		assert.Same(t, results[0].Db, r.Db)
	}
	assert.Len(t, b.Pods(), 1)
}

func TestOpenDbFailureRemovesPod(t *testing.T) {
	f := &processtest.Factories{Configure: func(e *processtest.Engine) {
		if e.Kind == "orbitdb" {
			e.OpenErr = errors.New("disk full")
		}
	}}
	b := newBay(f)
	_, err := b.OpenDb(context.Background(), OpenRequest{Name: "broken"})
	require.Error(t, err)
	assert.Empty(t, b.Pods())
	assert.Empty(t, b.GetAllOpenDbNames())
	assert.True(t, f.Network[0].Closed())
}

func TestRemovePodStopsDatabasesFirst(t *testing.T) {
	b := newBay(&processtest.Factories{})
	ctx := context.Background()
	ref, err := b.NewPod(ctx, "two", "")
	require.NoError(t, err)
	p, err := b.GetPod("two")
	require.NoError(t, err)
	d1, err := p.InitOpenDb(ctx, process.DatabaseOptions{Name: "d1"})
	require.NoError(t, err)
	d2, err := p.InitOpenDb(ctx, process.DatabaseOptions{Name: "d2"})
	require.NoError(t, err)

	require.NoError(t, b.RemovePod(ctx, ref.String()))
	_, err = b.GetPod("two")
	assert.ErrorIs(t, err, ErrPodNotFound)
	assert.Equal(t, stage.New, d1.Status())
	assert.Equal(t, stage.New, d2.Status())

	var dbStops, podStop []uint64
	for _, e := range b.Books().Logs(logbook.Filter{PodID: "two"}) {
		switch {
		case e.Message == "stopped" && e.ProcessID != nil && e.ProcessID.Component() == idref.ComponentDb:
			dbStops = append(dbStops, e.Ordinal)
		case e.Message == "pod stopped" || e.Message == "stopping all":
			podStop = append(podStop, e.Ordinal)
		}
	}
	require.Len(t, dbStops, 2)
	require.NotEmpty(t, podStop)
	for _, s := range dbStops {
		assert.Less(t, s, podStop[0])
	}
}

func TestCloseDbRemovesPod(t *testing.T) {
	b := newBay(&processtest.Factories{})
	ctx := context.Background()
	o, err := b.OpenDb(ctx, OpenRequest{Name: "kv", Type: "keyvalue"})
	require.NoError(t, err)
	got, ok := b.GetOpenDb("db-kv")
	require.True(t, ok)
	assert.Same(t, o.Db, got.Db)

	require.NoError(t, b.CloseDb(ctx, "kv"))
	assert.Empty(t, b.Pods())
	_, ok = b.GetOpenDb("kv")
	assert.False(t, ok)
	assert.ErrorIs(t, b.CloseDb(ctx, "kv"), ErrDBNotFound)
	assert.ErrorIs(t, b.RemovePod(ctx, o.PodID.Name()), ErrPodNotFound)
}

func TestShutdown(t *testing.T) {
	f := &processtest.Factories{}
	b := newBay(f)
	ctx := context.Background()
	for _, n := range []string{"a", "b", "c"} {
		_, err := b.OpenDb(ctx, OpenRequest{Name: n})
		require.NoError(t, err)
	}
	assert.Len(t, b.Statuses(), 3)
	require.NoError(t, b.Shutdown(ctx))
	assert.Empty(t, b.Pods())
	for _, e := range f.Orbits {
		assert.True(t, e.Closed())
	}
}
