package pod

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/lunarpod/internal/idref"
	"github.com/loykin/lunarpod/internal/logbook"
	"github.com/loykin/lunarpod/internal/process"
	"github.com/loykin/lunarpod/internal/process/processtest"
	"github.com/loykin/lunarpod/internal/stage"
)

func newPod(t *testing.T, f *processtest.Factories) (*LunarPod, *logbook.Manager) {
	t.Helper()
	books := logbook.NewManager(logbook.Options{Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))})
	p := New(idref.New(idref.ComponentPod, "p1", idref.NameUUID), books, Options{
		Engines:  Engines{Libp2p: f.Libp2p(), Ipfs: f.Ipfs(), OrbitDb: f.OrbitDb()},
		NameType: idref.NameRandom,
	})
	return p, books
}

func assertOrdered(t *testing.T, p *LunarPod) {
	t.Helper()
	if p.OrbitDb() != nil {
		assert.NotNil(t, p.Ipfs())
		assert.NotNil(t, p.Libp2p())
	}
	if p.Ipfs() != nil {
		assert.NotNil(t, p.Libp2p())
	}
}

func TestParseTarget(t *testing.T) {
	for in, want := range map[string]string{"": All, "ALL": All, "libp2p": "libp2p", "OrbitDB": "orbitdb", "db": "db"} {
		got, err := ParseTarget(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseTarget("podbay")
	assert.ErrorIs(t, err, ErrUnknownComponent)
	_, err = ParseTarget("helia")
	assert.ErrorIs(t, err, ErrUnknownComponent)
}

func TestInitOpenDbBuildsWholeStack(t *testing.T) {
	f := &processtest.Factories{}
	p, _ := newPod(t, f)
	ctx := context.Background()
	assertOrdered(t, p)

	db, err := p.InitOpenDb(ctx, process.DatabaseOptions{Name: "d1"})
	require.NoError(t, err)
	assertOrdered(t, p)
	require.NotNil(t, p.Libp2p())
	require.NotNil(t, p.Ipfs())
	require.NotNil(t, p.OrbitDb())
	got, ok := p.DB("d1")
	require.True(t, ok)
	assert.Same(t, db, got)

	assert.Equal(t, stage.Started, p.Libp2p().Status())
	assert.Equal(t, stage.Started, p.Ipfs().Status())
	assert.Equal(t, stage.Started, p.OrbitDb().Status())
	assert.Equal(t, stage.Started, db.Status())
}

func TestInitOpenDbIsIdempotent(t *testing.T) {
	f := &processtest.Factories{}
	p, _ := newPod(t, f)
	ctx := context.Background()
	a, err := p.InitOpenDb(ctx, process.DatabaseOptions{Name: "d1", Type: "keyvalue"})
	require.NoError(t, err)
	b, err := p.InitOpenDb(ctx, process.DatabaseOptions{Name: " d1 "})
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Len(t, f.Orbits, 1)
	assert.Equal(t, []string{"d1"}, p.DbNames())
}

func TestInitOpenDbGeneratesName(t *testing.T) {
	p, _ := newPod(t, &processtest.Factories{})
	db, err := p.InitOpenDb(context.Background(), process.DatabaseOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, db.Name())
	_, ok := p.DB(db.Name())
	assert.True(t, ok)
}

func TestInitIpfsInitializesLibp2pFirst(t *testing.T) {
	f := &processtest.Factories{}
	p, _ := newPod(t, f)
	_, err := p.InitIpfs(context.Background())
	require.NoError(t, err)
	assertOrdered(t, p)
	assert.Nil(t, p.OrbitDb())
	assert.Len(t, f.Network, 1)
	assert.Len(t, f.Stores, 1)
}

func TestOpenFailureStopsPod(t *testing.T) {
	f := &processtest.Factories{Configure: func(e *processtest.Engine) {
		if e.Kind == "orbitdb" {
			e.OpenErr = errors.New("boom")
		}
	}}
	p, books := newPod(t, f)
	ctx := context.Background()

	_, err := p.InitOpenDb(ctx, process.DatabaseOptions{Name: "bad"})
	require.Error(t, err)
	_, ok := p.DB("bad")
	assert.False(t, ok)
	assert.Equal(t, stage.Stopped, p.Libp2p().Status())
	assert.Equal(t, stage.Stopped, p.Ipfs().Status())
	assert.Equal(t, stage.Stopped, p.OrbitDb().Status())

	errs := books.Get(idref.ComponentPod).LevelHistory(logbook.LevelError)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[len(errs)-1].Message, "stopping pod")
}

func TestLibp2pInitFailure(t *testing.T) {
	f := &processtest.Factories{Fail: map[string]error{"libp2p": errors.New("no ports")}}
	p, _ := newPod(t, f)
	ctx := context.Background()
	_, err := p.InitOpenDb(ctx, process.DatabaseOptions{Name: "d"})
	require.Error(t, err)
	assert.Nil(t, p.Ipfs())
	assert.Nil(t, p.OrbitDb())

	// the failed factory is consumed, a retry succeeds
	_, err = p.InitOpenDb(ctx, process.DatabaseOptions{Name: "d"})
	require.NoError(t, err)
	assertOrdered(t, p)
}

func TestStopAllRunsInReverseOrder(t *testing.T) {
	f := &processtest.Factories{}
	p, books := newPod(t, f)
	ctx := context.Background()
	_, err := p.InitOpenDb(ctx, process.DatabaseOptions{Name: "a"})
	require.NoError(t, err)
	_, err = p.InitOpenDb(ctx, process.DatabaseOptions{Name: "b"})
	require.NoError(t, err)

	require.NoError(t, p.Stop(ctx, All))

	var order []idref.Component
	for _, e := range books.Logs(logbook.Filter{PodID: "p1"}) {
		if e.Message == "stopped" && e.ProcessID != nil {
			order = append(order, e.ProcessID.Component())
		}
	}
	assert.Equal(t, []idref.Component{
		idref.ComponentDb, idref.ComponentDb, idref.ComponentOrbitDb, idref.ComponentIpfs, idref.ComponentLibp2p,
	}, order)

	require.NoError(t, p.Start(ctx, All))
	st := p.Status()
	assert.Equal(t, stage.Started, st.Libp2p)
	assert.Equal(t, stage.Started, st.OrbitDb)
	require.Len(t, st.Db, 2)
	assert.Equal(t, stage.Started, st.Db[0].Status)
}

func TestSingleComponentTargets(t *testing.T) {
	f := &processtest.Factories{}
	p, _ := newPod(t, f)
	ctx := context.Background()
	require.NoError(t, p.Init(ctx, "orbitdb"))
	require.NoError(t, p.Stop(ctx, "ipfs"))
	assert.Equal(t, stage.Stopped, p.Ipfs().Status())
	assert.Equal(t, stage.Started, p.Libp2p().Status())
	assert.Equal(t, stage.Started, p.OrbitDb().Status())

	require.NoError(t, p.Restart(ctx, "ipfs"))
	assert.Equal(t, stage.Started, p.Ipfs().Status())
	assert.Equal(t, 2, f.Stores[0].Starts())

	assert.ErrorIs(t, p.Start(ctx, "bogus"), ErrUnknownComponent)
	assert.Error(t, p.Init(ctx, "db"))
}

func TestStartAllOnEmptyPod(t *testing.T) {
	p, _ := newPod(t, &processtest.Factories{})
	require.NoError(t, p.Start(context.Background(), All))
	require.NoError(t, p.Stop(context.Background(), All))
	assert.Empty(t, p.Components())
}

func TestStopDb(t *testing.T) {
	p, _ := newPod(t, &processtest.Factories{})
	ctx := context.Background()
	db, err := p.InitOpenDb(ctx, process.DatabaseOptions{Name: "x"})
	require.NoError(t, err)
	require.NoError(t, p.StopDb(ctx, "x"))
	assert.Empty(t, p.DbNames())
	assert.Equal(t, stage.New, db.Status())
	assert.ErrorIs(t, p.StopDb(ctx, "x"), process.ErrNotFound)
}

func TestComponentsAndStatus(t *testing.T) {
	p, _ := newPod(t, &processtest.Factories{})
	ctx := context.Background()
	_, err := p.InitOpenDb(ctx, process.DatabaseOptions{Name: "x", Type: "keyvalue"})
	require.NoError(t, err)

	var ids []string
	for _, c := range p.Components() {
		ids = append(ids, c.String())
	}
	assert.Equal(t, []string{"libp2p-p1", "ipfs-p1", "orbitdb-p1", "db-x"}, ids)

	st := p.Status()
	assert.Equal(t, "pod-p1", st.ID.String())
	require.Len(t, st.Db, 1)
	assert.Equal(t, "x", st.Db[0].Name)
	assert.Equal(t, "keyvalue", st.Db[0].Type)
	assert.Equal(t, "/orbitdb/x", st.Db[0].Address)
}

func TestCloseReleasesEngines(t *testing.T) {
	f := &processtest.Factories{}
	p, _ := newPod(t, f)
	ctx := context.Background()
	_, err := p.InitOpenDb(ctx, process.DatabaseOptions{Name: "x"})
	require.NoError(t, err)
	require.NoError(t, p.Close(ctx))
	assert.Nil(t, p.Libp2p())
	assert.Empty(t, p.DbNames())
	assert.True(t, f.Network[0].Closed())
	assert.True(t, f.Stores[0].Closed())
	assert.True(t, f.Orbits[0].Closed())
}
