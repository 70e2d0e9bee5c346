package power

import (
	"context"
	"errors"
	"testing"

	"github.com/power-topology/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rack: outlet -> pdu -> {server (psu1), lamp}; ups -> server (psu2)
func rack() *models.Topology {
	return &models.Topology{
		Name: "rack",
		Assets: []models.AssetSpec{
			{ID: "outlet", Kind: models.KindOutlet, Powered: true},
			{ID: "ups", Kind: models.KindUPS, Powered: true},
			{ID: "pdu", Kind: models.KindPDU, Powered: true, PoweredBy: []models.AssetID{"outlet"}},
			{ID: "lamp", Kind: models.KindLamp, Powered: true, PoweredBy: []models.AssetID{"pdu"}},
			{ID: "server", Kind: models.KindServer, Powered: true, PoweredBy: []models.AssetID{"pdu", "ups"}},
		},
	}
}

func newEngine(t *testing.T, topo *models.Topology) *Engine {
	t.Helper()
	e := NewEngine()
	require.NoError(t, e.Load(topo))
	return e
}

func powered(t *testing.T, e *Engine, id models.AssetID) bool {
	t.Helper()
	s, err := e.Status(id)
	require.NoError(t, err)
	return s.Powered
}

func changed(changes []Change) map[models.AssetID]Change {
	m := make(map[models.AssetID]Change, len(changes))
	for _, c := range changes {
		m[c.ID] = c
	}
	return m
}

func TestEngine_OutletCascadesToLamp(t *testing.T) {
	e := newEngine(t, &models.Topology{Assets: []models.AssetSpec{
		{ID: "outlet", Kind: models.KindOutlet, Powered: true},
		{ID: "lamp", Kind: models.KindLamp, Powered: true, PoweredBy: []models.AssetID{"outlet"}},
	}})

	res, err := e.SetPowerState(context.Background(), "outlet", false)
	require.NoError(t, err)
	assert.Equal(t, ActionShutDown, res.Action)
	assert.True(t, res.OldState)
	assert.False(t, res.NewState)
	assert.NotEmpty(t, res.RequestID)
	require.Len(t, res.Cascade, 1)
	assert.Equal(t, Change{ID: "lamp", Kind: models.KindLamp, OldState: true, NewState: false, Reason: models.ReasonACLost}, res.Cascade[0])

	res, err = e.SetPowerState(context.Background(), "outlet", true)
	require.NoError(t, err)
	require.Len(t, res.Cascade, 1)
	assert.Equal(t, models.ReasonACRestored, res.Cascade[0].Reason)
	assert.True(t, powered(t, e, "lamp"))
}

func TestEngine_RedundantSupply(t *testing.T) {
	e := newEngine(t, rack())

	res, err := e.SetPowerState(context.Background(), "outlet", false)
	require.NoError(t, err)
	c := changed(res.Cascade)
	assert.Contains(t, c, models.AssetID("pdu"))
	assert.Contains(t, c, models.AssetID("lamp"))
	assert.NotContains(t, c, models.AssetID("server"), "the ups still feeds the server")
	assert.True(t, powered(t, e, "server"))

	_, err = e.SetPowerState(context.Background(), "ups", false)
	require.NoError(t, err)
	assert.False(t, powered(t, e, "server"))
}

func TestEngine_UserSwitchedOffStaysOff(t *testing.T) {
	e := newEngine(t, rack())

	_, err := e.SetPowerState(context.Background(), "pdu", false)
	require.NoError(t, err)
	_, err = e.SetPowerState(context.Background(), "outlet", false)
	require.NoError(t, err)

	res, err := e.SetPowerState(context.Background(), "outlet", true)
	require.NoError(t, err)
	assert.Empty(t, res.Cascade, "pdu was switched off by a user and must not come back")

	s, err := e.Status("pdu")
	require.NoError(t, err)
	assert.False(t, s.Powered)
	assert.Equal(t, models.ReasonButtonDown, s.Reason)
	assert.True(t, s.Reason.CausedByUser())
}

func TestEngine_Rejections(t *testing.T) {
	e := newEngine(t, rack())
	_, err := e.SetPowerState(context.Background(), "outlet", false)
	require.NoError(t, err)

	tests := []struct {
		name    string
		id      models.AssetID
		desired bool
		reason  string
		unknown bool
	}{
		{"no input power", "pdu", true, "no input power", false},
		{"lamp", "lamp", false, "lamps follow their supply", false},
		{"unknown", "toaster", true, "unknown asset", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.SetPowerState(context.Background(), tt.id, tt.desired)
			var rej *RejectedError
			require.ErrorAs(t, err, &rej)
			assert.Equal(t, tt.id, rej.ID)
			assert.Equal(t, tt.reason, rej.Reason)
			assert.Equal(t, tt.unknown, errors.Is(err, ErrUnknownAsset))
		})
	}
}

func TestEngine_CancelledContext(t *testing.T) {
	e := newEngine(t, rack())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.SetPowerState(ctx, "outlet", false)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, powered(t, e, "outlet"))
}

func TestEngine_PowerUpIsIdempotent(t *testing.T) {
	e := newEngine(t, rack())
	res, err := e.PowerUp("outlet")
	require.NoError(t, err)
	assert.True(t, res.OldState)
	assert.True(t, res.NewState)
	assert.Empty(t, res.Cascade)
}

func TestEngine_PowerOff(t *testing.T) {
	e := newEngine(t, rack())
	res, err := e.PowerOff("pdu")
	require.NoError(t, err)
	assert.Equal(t, ActionPowerOff, res.Action)
	assert.Equal(t, models.ReasonButtonDown, res.Reason)
	assert.Contains(t, changed(res.Cascade), models.AssetID("lamp"))
}

func TestEngine_Mains(t *testing.T) {
	e := newEngine(t, rack())
	require.NoError(t, e.SetPowerOnWhenACRestore("ups", false))

	res := e.SetMains(false)
	assert.False(t, e.Mains())
	assert.Len(t, res.Changes, 5)
	assert.Len(t, res.Loads, 5)
	for _, s := range e.Snapshot() {
		assert.False(t, s.Powered, s.ID)
		assert.Equal(t, models.ReasonACLost, s.Reason, s.ID)
	}

	res = e.SetMains(true)
	c := changed(res.Changes)
	assert.NotContains(t, c, models.AssetID("ups"))
	assert.True(t, powered(t, e, "outlet"))
	assert.True(t, powered(t, e, "server"), "server is fed back through the pdu")
	assert.False(t, powered(t, e, "ups"))

	res = e.SetMains(true)
	assert.Empty(t, res.Changes)
	assert.Empty(t, res.Loads)
}

func loads(t *testing.T, e *Engine) map[models.AssetID]float64 {
	t.Helper()
	m := make(map[models.AssetID]float64)
	for _, s := range e.Snapshot() {
		m[s.ID] = s.Load
	}
	return m
}

func TestEngine_LoadRollsUp(t *testing.T) {
	const (
		lamp   = 60.0 / DefaultMainsVoltage
		server = 350.0 / DefaultMainsVoltage
		pdu    = 20.0 / DefaultMainsVoltage
		ups    = 50.0 / DefaultMainsVoltage
	)

	e := newEngine(t, rack())
	l := loads(t, e)
	assert.InDelta(t, lamp, l["lamp"], 1e-9)
	assert.InDelta(t, server, l["server"], 1e-9)
	assert.InDelta(t, pdu+lamp+server/2, l["pdu"], 1e-9, "server load is split across both feeds")
	assert.InDelta(t, ups+server/2, l["ups"], 1e-9)
	assert.InDelta(t, l["pdu"], l["outlet"], 1e-9, "outlets draw nothing themselves")

	s, err := e.Status("server")
	require.NoError(t, err)
	assert.Equal(t, 350.0, s.PowerConsumption)

	// Losing the ups moves the whole server onto the pdu.
	res, err := e.PowerOff("ups")
	require.NoError(t, err)
	byID := make(map[models.AssetID]LoadChange)
	for _, lc := range res.Loads {
		byID[lc.ID] = lc
	}
	require.Contains(t, byID, models.AssetID("ups"))
	assert.InDelta(t, ups+server/2, byID["ups"].OldLoad, 1e-9)
	assert.Zero(t, byID["ups"].NewLoad)
	assert.InDelta(t, pdu+lamp+server, byID["pdu"].NewLoad, 1e-9)
	assert.NotContains(t, byID, models.AssetID("lamp"), "unchanged loads are not reported")

	// Switching the lamp off releases its draw all the way up.
	res, err = e.PowerOff("lamp")
	require.NoError(t, err)
	assert.Len(t, res.Loads, 3)
	l = loads(t, e)
	assert.Zero(t, l["lamp"])
	assert.InDelta(t, pdu+server, l["outlet"], 1e-9)

	res, err = e.PowerOff("outlet")
	require.NoError(t, err)
	for id, v := range loads(t, e) {
		assert.Zero(t, v, id)
	}
}

func TestEngine_WithConsumption(t *testing.T) {
	e := NewEngine(WithConsumption(models.KindLamp, 120))
	require.NoError(t, e.Load(&models.Topology{Assets: []models.AssetSpec{
		{ID: "outlet", Kind: models.KindOutlet, Powered: true},
		{ID: "lamp", Kind: models.KindLamp, Powered: true, PoweredBy: []models.AssetID{"outlet"}},
	}}))
	l := loads(t, e)
	assert.InDelta(t, 1.0, l["lamp"], 1e-9)
	assert.InDelta(t, 1.0, l["outlet"], 1e-9)
	assert.Equal(t, 60.0, DefaultConsumption[models.KindLamp], "defaults are not mutated")
}

func TestEngine_Load(t *testing.T) {
	t.Run("unpowered supply", func(t *testing.T) {
		e := newEngine(t, &models.Topology{Assets: []models.AssetSpec{
			{ID: "outlet", Kind: models.KindOutlet, Powered: false},
			{ID: "lamp", Kind: models.KindLamp, Powered: true, PoweredBy: []models.AssetID{"outlet"}},
		}})
		s, err := e.Status("lamp")
		require.NoError(t, err)
		assert.False(t, s.Powered)
		assert.Equal(t, models.ReasonACLost, s.Reason)
		assert.Zero(t, s.InputVoltage)
	})

	t.Run("snapshot order", func(t *testing.T) {
		e := newEngine(t, rack())
		snap := e.Snapshot()
		require.Len(t, snap, 5)
		pos := make(map[models.AssetID]int)
		for i, s := range snap {
			pos[s.ID] = i
		}
		assert.Less(t, pos["outlet"], pos["pdu"])
		assert.Less(t, pos["pdu"], pos["server"])
		assert.Less(t, pos["ups"], pos["server"])
		assert.Equal(t, DefaultMainsVoltage, snap[pos["lamp"]].InputVoltage)
	})

	tests := []struct {
		name   string
		assets []models.AssetSpec
		errMsg string
	}{
		{"duplicate", []models.AssetSpec{{ID: "a", Kind: models.KindOutlet}, {ID: "a", Kind: models.KindOutlet}}, "duplicate asset"},
		{"unknown parent", []models.AssetSpec{{ID: "a", Kind: models.KindLamp, PoweredBy: []models.AssetID{"b"}}}, "unknown asset"},
		{"loop", []models.AssetSpec{
			{ID: "a", Kind: models.KindPDU, PoweredBy: []models.AssetID{"b"}},
			{ID: "b", Kind: models.KindPDU, PoweredBy: []models.AssetID{"a"}},
		}, "power loop"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewEngine().Load(&models.Topology{Assets: tt.assets})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
