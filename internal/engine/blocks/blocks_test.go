package blocks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/lunarpod/internal/engine/p2p"
	"github.com/loykin/lunarpod/internal/process"
	"github.com/loykin/lunarpod/internal/stage"
)

func memStore(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(Config{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestAddGetJSON(t *testing.T) {
	e := memStore(t)
	ctx := context.Background()
	c, err := e.AddJSON(ctx, map[string]any{"hello": "world"})
	require.NoError(t, err)

	parsed, err := cid.Decode(c)
	require.NoError(t, err)
	assert.Equal(t, uint64(cid.DagJSON), parsed.Prefix().Codec)
	assert.Equal(t, uint64(1), parsed.Version())

	v, err := e.GetJSON(ctx, c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"world"}`, string(v))

	again, err := e.AddJSON(ctx, json.RawMessage(`{"hello":"world"}`))
	require.NoError(t, err)
	assert.Equal(t, c, again, "same content, same cid")
}

func TestGetJSONErrors(t *testing.T) {
	e := memStore(t)
	ctx := context.Background()
	_, err := e.GetJSON(ctx, "nonsense")
	assert.Error(t, err)

	missing, err := Sum(cid.DagJSON, []byte(`{"x":1}`))
	require.NoError(t, err)
	_, err = e.GetJSON(ctx, missing.String())
	assert.ErrorIs(t, err, process.ErrNotFound)

	_, err = e.AddJSON(ctx, json.RawMessage(`{broken`))
	assert.Error(t, err)
}

func TestRawPutAndHas(t *testing.T) {
	e := memStore(t)
	c, err := e.Put(context.Background(), cid.Raw, []byte("abc"))
	require.NoError(t, err)
	ok, err := e.Has(c)
	require.NoError(t, err)
	assert.True(t, ok)
	other, _ := Sum(cid.Raw, []byte("abd"))
	ok, err = e.Has(other)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPersistentDir(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(Config{Dir: dir}, nil)
	require.NoError(t, err)
	c, err := e.AddJSON(context.Background(), []int{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e, err = Open(Config{Dir: dir}, nil)
	require.NoError(t, err)
	defer func() { _ = e.Close() }()
	v, err := e.GetJSON(context.Background(), c)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3]`, string(v))
}

func TestLifecycleStatus(t *testing.T) {
	e := memStore(t)
	assert.Equal(t, string(stage.Stopped), e.Status())
	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, string(stage.Started), e.Status())
	require.NoError(t, e.Stop(context.Background()))
	assert.Equal(t, string(stage.Stopped), e.Status())
}

func node(t *testing.T) (*p2p.Engine, *Engine) {
	t.Helper()
	ctx := context.Background()
	net, err := p2p.New(p2p.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, net.Start(ctx))
	store, err := Factory(Config{})(ctx, net)
	require.NoError(t, err)
	require.NoError(t, store.Start(ctx))
	t.Cleanup(func() {
		_ = store.(*Engine).Close()
		_ = net.Close()
	})
	return net, store.(*Engine)
}

func TestExchangeFetchesFromPeer(t *testing.T) {
	netA, storeA := node(t)
	netB, storeB := node(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	assert.Contains(t, netA.Protocols(), string(ProtocolID))
	c, err := storeA.AddJSON(ctx, map[string]string{"from": "a"})
	require.NoError(t, err)

	_, err = netB.Dial(ctx, netA.Multiaddrs()[0])
	require.NoError(t, err)

	v, err := storeB.GetJSON(ctx, c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"from":"a"}`, string(v))

	parsed, _ := cid.Decode(c)
	ok, err := storeB.Has(parsed)
	require.NoError(t, err)
	assert.True(t, ok, "fetched block is cached")
}

func TestExchangeMissEverywhere(t *testing.T) {
	netA, _ := node(t)
	netB, storeB := node(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_, err := netB.Dial(ctx, netA.Multiaddrs()[0])
	require.NoError(t, err)

	missing, _ := Sum(cid.DagJSON, []byte(`"nobody"`))
	_, err = storeB.GetJSON(ctx, missing.String())
	assert.ErrorIs(t, err, process.ErrNotFound)
}
