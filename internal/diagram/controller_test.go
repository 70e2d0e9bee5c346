package diagram

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/power-topology/backend/internal/asset"
	"github.com/power-topology/backend/internal/imagecache"
	"github.com/power-topology/backend/internal/models"
	"github.com/power-topology/backend/internal/power"
	"github.com/power-topology/backend/internal/storage"
	"github.com/power-topology/backend/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	ctrl    *Controller
	engine  *power.Engine
	store   *storage.MemoryStore
	fetcher *testutil.ImageFetcher
	cancel  context.CancelFunc
}

func newFixture(t *testing.T, fetcher *testutil.ImageFetcher) *fixture {
	t.Helper()
	if fetcher == nil {
		fetcher = testutil.NewImageFetcher().ServeAnySVG(100, 200)
	}
	f := &fixture{
		engine:  power.NewEngine(),
		store:   storage.NewMemoryStore(),
		fetcher: fetcher,
	}
	f.ctrl = New(Config{
		Resolver:  imagecache.NewLoader(fetcher),
		Authority: f.engine,
		Positions: f.store,
		FrameRate: 1000,
	})

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.ctrl.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-f.ctrl.Done()
	})
	return f
}

// outlet-1 at the origin feeds lamp-1 at (10, 20).
func lampTopology() *models.Topology {
	return &models.Topology{
		Name: "desk",
		Assets: []models.AssetSpec{
			{ID: "outlet-1", Kind: models.KindOutlet, Powered: true},
			{ID: "lamp-1", Kind: models.KindLamp, Location: models.Point{X: 10, Y: 20}, Powered: true, PoweredBy: []models.AssetID{"outlet-1"}},
		},
	}
}

func (f *fixture) apply(t *testing.T, topo *models.Topology) ApplyResult {
	t.Helper()
	res, err := f.ctrl.Apply(context.Background(), topo)
	require.NoError(t, err)
	return res
}

func (f *fixture) waitReady(t *testing.T) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = f.ctrl.Snapshot(context.Background())
		if err != nil {
			return false
		}
		for _, a := range snap.Assets {
			if !a.Ready {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return snap
}

func (f *fixture) asset(t *testing.T, id models.AssetID) AssetView {
	t.Helper()
	v, err := f.ctrl.Asset(context.Background(), id)
	require.NoError(t, err)
	return v
}

// collect reads events until cond is satisfied or the timeout elapses.
func collect(t *testing.T, ch <-chan Event, cond func([]Event) bool) []Event {
	t.Helper()
	var got []Event
	deadline := time.After(2 * time.Second)
	for !cond(got) {
		select {
		case e, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, e)
		case <-deadline:
			t.Fatalf("condition not met, collected %d events", len(got))
		}
	}
	return got
}

func ofType(events []Event, typ EventType, id models.AssetID) []Event {
	var out []Event
	for _, e := range events {
		if e.Type == typ && (id == "" || e.ID == id) {
			out = append(out, e)
		}
	}
	return out
}

func hasType(typ EventType, id models.AssetID, n int) func([]Event) bool {
	return func(events []Event) bool { return len(ofType(events, typ, id)) >= n }
}

func TestController_ApplyMountsAndConnects(t *testing.T) {
	f := newFixture(t, nil)
	res := f.apply(t, lampTopology())
	assert.Equal(t, ApplyResult{Added: 2}, res)

	snap := f.waitReady(t)
	assert.Equal(t, "desk", snap.Name)
	require.Len(t, snap.Assets, 2)

	lamp := f.asset(t, "lamp-1")
	assert.Equal(t, models.Point{X: 10, Y: 20}, lamp.Position)
	assert.True(t, lamp.Powered)
	require.Len(t, lamp.Layers, 1)
	assert.Equal(t, "lampImg", lamp.Layers[0].Role)

	require.Len(t, snap.Connections, 1)
	conn := snap.Connections[0]
	assert.False(t, conn.Degraded)
	assert.Equal(t, "out", conn.FromAnchor)
	assert.Equal(t, "in", conn.ToAnchor)
	assert.InDelta(t, 20, conn.Start.X, 1e-9)
	assert.InDelta(t, 0, conn.Start.Y, 1e-9)
	assert.InDelta(t, 10+100*0.5*0.7, conn.End.X, 1e-9)
	assert.InDelta(t, 20+200*0.7, conn.End.Y, 1e-9)
}

func TestController_ConnectionsDegradedUntilReady(t *testing.T) {
	fetcher := testutil.NewImageFetcher().ServeAnySVG(100, 200)
	fetcher.Hold()
	f := newFixture(t, fetcher)
	f.apply(t, lampTopology())

	conns, err := f.ctrl.Connections(context.Background())
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.True(t, conns[0].Degraded)

	anchors, err := f.ctrl.Anchors(context.Background(), "lamp-1", true)
	require.NoError(t, err)
	assert.True(t, anchors[0].Point.IsZero(), "no anchors before images resolve")

	fetcher.Release()
	f.waitReady(t)
	conns, err = f.ctrl.Connections(context.Background())
	require.NoError(t, err)
	assert.False(t, conns[0].Degraded)
}

func TestController_DragPersistsOncePerGesture(t *testing.T) {
	f := newFixture(t, nil)
	f.apply(t, lampTopology())
	f.waitReady(t)

	events, unsubscribe := f.ctrl.Subscribe(256)
	defer unsubscribe()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, f.ctrl.Drag(ctx, "lamp-1", models.Point{X: 1, Y: 2}))
	}
	assert.Equal(t, asset.PhaseDragging, f.asset(t, "lamp-1").Phase)
	require.NoError(t, f.ctrl.EndDrag(ctx, "lamp-1"))

	got := collect(t, events, hasType(EventPosition, "lamp-1", 1))
	pos := ofType(got, EventPosition, "lamp-1")
	require.Len(t, pos, 1)
	assert.Equal(t, models.Point{X: 20, Y: 40}, pos[0].Payload.(PositionPayload).Position)
	assert.NotEmpty(t, ofType(got, EventFrame, ""), "a frame is flushed at drag end")

	require.Eventually(t, func() bool { return f.store.Saves() == 1 }, time.Second, 5*time.Millisecond)
	saved, err := f.store.LoadPositions(ctx, "desk")
	require.NoError(t, err)
	assert.Equal(t, models.Point{X: 20, Y: 40}, saved["lamp-1"])

	require.NoError(t, f.ctrl.EndDrag(ctx, "lamp-1"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.store.Saves(), "ending without a gesture saves nothing")
}

func TestController_ClickCascades(t *testing.T) {
	f := newFixture(t, nil)
	f.apply(t, lampTopology())
	f.waitReady(t)

	events, unsubscribe := f.ctrl.Subscribe(256)
	defer unsubscribe()

	require.NoError(t, f.ctrl.Click(context.Background(), "outlet-1"))
	got := collect(t, events, hasType(EventPower, "lamp-1", 1))

	interaction := ofType(got, EventInteraction, "outlet-1")
	require.Len(t, interaction, 1)
	assert.False(t, interaction[0].Payload.(InteractionPayload).Desired)

	assert.False(t, f.asset(t, "outlet-1").Powered)
	lamp := f.asset(t, "lamp-1")
	assert.False(t, lamp.Powered)
	assert.Equal(t, "lampOffImg", lamp.Layers[0].Role)

	st, err := f.engine.Status("lamp-1")
	require.NoError(t, err)
	assert.Equal(t, models.ReasonACLost, st.Reason)
}

func TestController_ClickRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.apply(t, &models.Topology{
		Name: "rack",
		Assets: []models.AssetSpec{
			{ID: "outlet", Kind: models.KindOutlet, Powered: false},
			{ID: "pdu", Kind: models.KindPDU, Powered: true, PoweredBy: []models.AssetID{"outlet"}},
		},
	})
	f.waitReady(t)
	require.False(t, f.asset(t, "pdu").Powered, "pdu has no supply")

	events, unsubscribe := f.ctrl.Subscribe(256)
	defer unsubscribe()

	require.NoError(t, f.ctrl.Click(context.Background(), "pdu"))
	got := collect(t, events, hasType(EventRejected, "pdu", 1))

	rejected := ofType(got, EventRejected, "pdu")[0].Payload.(RejectedPayload)
	assert.True(t, rejected.Desired)
	assert.Equal(t, "no input power", rejected.Reason)
	assert.Empty(t, ofType(got, EventPower, "pdu"))

	pdu := f.asset(t, "pdu")
	assert.False(t, pdu.Powered)
	assert.False(t, pdu.Pending)
}

func TestController_RemoveWhileLoading(t *testing.T) {
	fetcher := testutil.NewImageFetcher().ServeAnySVG(100, 200)
	fetcher.Hold()
	f := newFixture(t, fetcher)
	events, unsubscribe := f.ctrl.Subscribe(256)
	defer unsubscribe()

	f.apply(t, lampTopology())
	require.NoError(t, f.ctrl.Remove(context.Background(), "lamp-1"))
	fetcher.Release()

	got := collect(t, events, hasType(EventReady, "outlet-1", 1))
	time.Sleep(50 * time.Millisecond)
drain:
	for {
		select {
		case e := <-events:
			got = append(got, e)
		default:
			break drain
		}
	}
	assert.Empty(t, ofType(got, EventReady, "lamp-1"), "a removed asset never reports ready")
	assert.Len(t, ofType(got, EventRemoved, "lamp-1"), 1)

	_, err := f.ctrl.Asset(context.Background(), "lamp-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestController_ReapplyReconciles(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.SavePosition(ctx, "desk", "lamp-1", models.Point{X: 300, Y: 400}))

	f.apply(t, lampTopology())
	f.waitReady(t)
	assert.Equal(t, models.Point{X: 300, Y: 400}, f.asset(t, "lamp-1").Position, "saved positions win over declared ones")

	next := lampTopology()
	next.Assets = append(next.Assets[:1], models.AssetSpec{
		ID: "srv-1", Kind: models.KindServer, Powered: true, PoweredBy: []models.AssetID{"outlet-1"},
	})
	res := f.apply(t, next)
	assert.Equal(t, ApplyResult{Added: 1, Removed: 1, Kept: 1}, res)
	f.waitReady(t)

	_, err := f.ctrl.Asset(ctx, "lamp-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, f.asset(t, "srv-1").Powered)

	require.Eventually(t, func() bool {
		saved, _ := f.store.LoadPositions(ctx, "desk")
		_, ok := saved["lamp-1"]
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestController_ApplyRejectsBadTopology(t *testing.T) {
	f := newFixture(t, nil)
	f.apply(t, lampTopology())

	_, err := f.ctrl.Apply(context.Background(), &models.Topology{
		Name: "loop",
		Assets: []models.AssetSpec{
			{ID: "a", Kind: models.KindPDU, PoweredBy: []models.AssetID{"b"}},
			{ID: "b", Kind: models.KindPDU, PoweredBy: []models.AssetID{"a"}},
		},
	})
	require.Error(t, err)

	snap, err := f.ctrl.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "desk", snap.Name)
	assert.Len(t, snap.Assets, 2)
}

func TestController_FailedImagesDegrade(t *testing.T) {
	fetcher := testutil.NewImageFetcher().ServeAnySVG(100, 200).Fail("lamp.svg", errors.New("corrupt"))
	f := newFixture(t, fetcher)
	events, unsubscribe := f.ctrl.Subscribe(256)
	defer unsubscribe()

	f.apply(t, lampTopology())
	got := collect(t, events, hasType(EventReady, "lamp-1", 1))

	assert.True(t, ofType(got, EventReady, "lamp-1")[0].Payload.(ReadyPayload).Degraded)
	require.Len(t, ofType(got, EventWarning, "lamp-1"), 1)

	lamp := f.asset(t, "lamp-1")
	assert.True(t, lamp.Degraded)
	assert.Equal(t, asset.PhaseFailed, lamp.Phase)

	conns, err := f.ctrl.Connections(context.Background())
	require.NoError(t, err)
	assert.True(t, conns[0].Degraded)

	stats, err := f.ctrl.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Degraded)
}

func TestController_SelectIsExclusive(t *testing.T) {
	f := newFixture(t, nil)
	f.apply(t, lampTopology())
	f.waitReady(t)
	ctx := context.Background()

	require.NoError(t, f.ctrl.Select(ctx, "lamp-1", true))
	require.NoError(t, f.ctrl.Select(ctx, "outlet-1", true))
	assert.False(t, f.asset(t, "lamp-1").Selected)
	assert.True(t, f.asset(t, "outlet-1").Selected)
}

func TestController_Mains(t *testing.T) {
	f := newFixture(t, nil)
	f.apply(t, lampTopology())
	f.waitReady(t)

	events, unsubscribe := f.ctrl.Subscribe(256)
	defer unsubscribe()

	require.NoError(t, f.ctrl.SetMains(context.Background(), false))
	assert.False(t, f.asset(t, "outlet-1").Powered)
	assert.False(t, f.asset(t, "lamp-1").Powered)

	got := collect(t, events, func(ev []Event) bool {
		return hasType(EventLoad, "outlet-1", 1)(ev) && hasType(EventLoad, "lamp-1", 1)(ev)
	})
	outlet := ofType(got, EventLoad, "outlet-1")[0].Payload.(LoadPayload)
	assert.InDelta(t, 0.5, outlet.Previous, 1e-9, "the lamp's draw rolls up to its outlet")
	assert.Zero(t, outlet.Load)

	require.NoError(t, f.ctrl.SetMains(context.Background(), true))
	assert.True(t, f.asset(t, "lamp-1").Powered)
	got = collect(t, events, hasType(EventLoad, "outlet-1", 2))
	outlet = ofType(got, EventLoad, "outlet-1")[1].Payload.(LoadPayload)
	assert.InDelta(t, 0.5, outlet.Load, 1e-9)
}

func TestController_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, f.ctrl.Drag(ctx, "ghost", models.Point{X: 1}), ErrNotFound)
	assert.ErrorIs(t, f.ctrl.EndDrag(ctx, "ghost"), ErrNotFound)
	assert.ErrorIs(t, f.ctrl.Click(ctx, "ghost"), ErrNotFound)
	assert.ErrorIs(t, f.ctrl.Select(ctx, "ghost", true), ErrNotFound)
	assert.ErrorIs(t, f.ctrl.Remove(ctx, "ghost"), ErrNotFound)
	_, err := f.ctrl.Anchors(ctx, "ghost", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestController_Stopped(t *testing.T) {
	f := newFixture(t, nil)
	events, _ := f.ctrl.Subscribe(1)

	f.cancel()
	<-f.ctrl.Done()

	_, err := f.ctrl.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	_, open := <-events
	assert.False(t, open, "subscriptions close with the controller")
}
