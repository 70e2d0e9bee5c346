package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/power-topology/backend/internal/asset"
	"github.com/power-topology/backend/internal/diagram"
	"github.com/power-topology/backend/internal/imagecache"
	"github.com/power-topology/backend/internal/models"
	"github.com/power-topology/backend/internal/power"
	"github.com/power-topology/backend/internal/session"
	"github.com/power-topology/backend/internal/storage"
	"github.com/power-topology/backend/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type apiFixture struct {
	e         *echo.Echo
	ctrl      *diagram.Controller
	engine    *power.Engine
	loader    *imagecache.Loader
	resources *storage.ResourceStore
	positions *storage.MemoryStore
	sessions  *session.Manager
}

func newAPIFixture(t *testing.T, maxViewers int) *apiFixture {
	t.Helper()

	resources, err := storage.NewResourceStore(t.TempDir())
	require.NoError(t, err)
	for _, ref := range asset.DefaultRegistry().ImageRefs() {
		_, err := resources.Save(ref, bytes.NewReader(testutil.SVG(100, 200)))
		require.NoError(t, err)
	}

	f := &apiFixture{
		engine:    power.NewEngine(),
		loader:    imagecache.NewLoader(resources),
		resources: resources,
		positions: storage.NewMemoryStore(),
		sessions:  session.NewManager(maxViewers, nil),
	}
	f.ctrl = diagram.New(diagram.Config{
		Resolver:  f.loader,
		Authority: f.engine,
		Positions: f.positions,
		FrameRate: 1000,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go f.ctrl.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-f.ctrl.Done()
	})

	f.e = echo.New()
	SetupMiddleware(f.e, MiddlewareOptions{Verbose: true})
	handlers := NewHandlers(&Dependencies{
		Diagram:   f.ctrl,
		Power:     f.engine,
		Images:    f.loader,
		Resources: resources,
		Sessions:  f.sessions,
		Version:   "test",
		ResourceOptions: ResourceOptions{
			AllowUpload:   true,
			AllowDeletion: true,
		},
	})
	RegisterRoutes(f.e, handlers)
	RegisterWebSocketRoutes(f.e, handlers)

	_, err = f.ctrl.Apply(context.Background(), &models.Topology{
		Name: "desk",
		Assets: []models.AssetSpec{
			{ID: "outlet-1", Kind: models.KindOutlet, Powered: true},
			{ID: "lamp-1", Kind: models.KindLamp, Location: models.Point{X: 10, Y: 20}, Powered: true, PoweredBy: []models.AssetID{"outlet-1"}},
		},
	})
	require.NoError(t, err)
	f.waitReady(t)
	return f
}

func (f *apiFixture) waitReady(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := f.ctrl.Snapshot(context.Background())
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
}

func (f *apiFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthHandler(t *testing.T) {
	f := newAPIFixture(t, 0)

	rec := f.do(http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[struct {
		Status  string        `json:"status"`
		Version string        `json:"version"`
		Diagram diagram.Stats `json:"diagram"`
	}](t, rec)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "test", body.Version)
	assert.Equal(t, 2, body.Diagram.Assets)
	assert.Equal(t, 2, body.Diagram.Ready)
}

func TestDiagramHandler_Snapshot(t *testing.T) {
	f := newAPIFixture(t, 0)

	rec := f.do(http.MethodGet, "/api/diagram", "")
	require.Equal(t, http.StatusOK, rec.Code)

	snap := decode[diagram.Snapshot](t, rec)
	assert.Equal(t, "desk", snap.Name)
	require.Len(t, snap.Assets, 2)
	assert.Equal(t, models.AssetID("lamp-1"), snap.Assets[0].ID)
	assert.Equal(t, asset.PhaseReady, snap.Assets[0].Phase)

	require.Len(t, snap.Connections, 1)
	conn := snap.Connections[0]
	assert.False(t, conn.Degraded)
	assert.Equal(t, models.AssetID("outlet-1"), conn.From)
	assert.Equal(t, models.Point{X: 10 + 35, Y: 20 + 140}, conn.End)

	rec = f.do(http.MethodGet, "/api/diagram/connections", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, snap.Connections, decode[[]models.Connection](t, rec))
}

func TestDiagramHandler_Msgpack(t *testing.T) {
	f := newAPIFixture(t, 0)

	rec := f.do(http.MethodGet, "/api/diagram/msgpack", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/msgpack", rec.Header().Get(echo.HeaderContentType))

	var snap diagram.Snapshot
	require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &snap))
	require.Len(t, snap.Assets, 2)
	assert.Equal(t, models.AssetID("outlet-1"), snap.Assets[1].ID)
	assert.Len(t, snap.Connections, 1)
}

func TestAssetHandler_Anchors(t *testing.T) {
	f := newAPIFixture(t, 0)

	type anchorsBody struct {
		Center  bool           `json:"center"`
		Anchors []asset.Anchor `json:"anchors"`
	}

	rec := f.do(http.MethodGet, "/api/assets/lamp-1/anchors", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[anchorsBody](t, rec)
	assert.True(t, body.Center)
	require.Len(t, body.Anchors, 1)
	assert.Equal(t, models.Point{X: 35, Y: 140}, body.Anchors[0].Point)

	rec = f.do(http.MethodGet, "/api/assets/lamp-1/anchors?center=false", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode[anchorsBody](t, rec)
	assert.True(t, body.Anchors[0].Point.IsZero())

	rec = f.do(http.MethodGet, "/api/assets/lamp-1/anchors?center=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode[APIError](t, rec).Code)
}

func TestAssetHandler_DragGesture(t *testing.T) {
	f := newAPIFixture(t, 0)

	for i := 0; i < 2; i++ {
		rec := f.do(http.MethodPost, "/api/assets/lamp-1/drag", `{"dx":5,"dy":5}`)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	}
	assert.Equal(t, 0, f.positions.Saves(), "nothing is persisted mid-gesture")

	rec := f.do(http.MethodPost, "/api/assets/lamp-1/drag/end", "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[diagram.AssetView](t, rec)
	assert.Equal(t, models.Point{X: 20, Y: 30}, view.Position)
	assert.Equal(t, asset.PhaseReady, view.Phase)

	require.Eventually(t, func() bool { return f.positions.Saves() == 1 }, time.Second, 5*time.Millisecond)

	rec = f.do(http.MethodPost, "/api/assets/lamp-1/drag", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAssetHandler_DragHeldByViewer(t *testing.T) {
	f := newAPIFixture(t, 0)

	viewer, err := f.sessions.Open("10.0.0.2", nil)
	require.NoError(t, err)
	require.NoError(t, f.sessions.Claim(viewer.ID, "lamp-1"))

	rec := f.do(http.MethodPost, "/api/assets/lamp-1/drag", `{"dx":1,"dy":1}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPost, "/api/assets/outlet-1/drag", `{"dx":1,"dy":1}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestAssetHandler_ClickCascades(t *testing.T) {
	f := newAPIFixture(t, 0)

	rec := f.do(http.MethodGet, "/api/power", "")
	require.Equal(t, http.StatusOK, rec.Code)
	before := decode[struct {
		Assets []power.State `json:"assets"`
	}](t, rec)
	for _, s := range before.Assets {
		assert.Positive(t, s.Load, s.ID)
	}

	rec = f.do(http.MethodPost, "/api/assets/outlet-1/click", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		view, err := f.ctrl.Asset(context.Background(), "lamp-1")
		return err == nil && !view.Powered
	}, 2*time.Second, 5*time.Millisecond)

	rec = f.do(http.MethodGet, "/api/power", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Mains  bool          `json:"mains"`
		Assets []power.State `json:"assets"`
	}](t, rec)
	assert.True(t, body.Mains)
	for _, s := range body.Assets {
		assert.False(t, s.Powered, s.ID)
		assert.Zero(t, s.Load, s.ID)
	}
}

func TestAssetHandler_Select(t *testing.T) {
	f := newAPIFixture(t, 0)

	rec := f.do(http.MethodPost, "/api/assets/lamp-1/select", `{"selected":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[diagram.AssetView](t, rec).Selected)

	rec = f.do(http.MethodPost, "/api/assets/outlet-1/select", `{"selected":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	lamp, err := f.ctrl.Asset(context.Background(), "lamp-1")
	require.NoError(t, err)
	assert.False(t, lamp.Selected, "selection is exclusive")

	rec = f.do(http.MethodPost, "/api/assets/lamp-1/select", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAssetHandler_NotFound(t *testing.T) {
	f := newAPIFixture(t, 0)

	for _, tc := range []struct{ method, path, body string }{
		{http.MethodGet, "/api/assets/ghost", ""},
		{http.MethodGet, "/api/assets/ghost/anchors", ""},
		{http.MethodPost, "/api/assets/ghost/drag", `{"dx":1}`},
		{http.MethodPost, "/api/assets/ghost/drag/end", ""},
		{http.MethodPost, "/api/assets/ghost/click", ""},
		{http.MethodPost, "/api/assets/ghost/select", `{"selected":true}`},
	} {
		rec := f.do(tc.method, tc.path, tc.body)
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.path)
		assert.Equal(t, "NOT_FOUND", decode[APIError](t, rec).Code, tc.path)
	}
}

func TestPowerHandler_Mains(t *testing.T) {
	f := newAPIFixture(t, 0)

	rec := f.do(http.MethodPost, "/api/power/mains", `{"on":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.engine.Mains())

	require.Eventually(t, func() bool {
		view, err := f.ctrl.Asset(context.Background(), "outlet-1")
		return err == nil && !view.Powered
	}, 2*time.Second, 5*time.Millisecond)

	rec = f.do(http.MethodPost, "/api/power/mains", `{"on":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Eventually(t, func() bool {
		view, err := f.ctrl.Asset(context.Background(), "lamp-1")
		return err == nil && view.Powered
	}, 2*time.Second, 5*time.Millisecond)

	rec = f.do(http.MethodPost, "/api/power/mains", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", fmt.Errorf("lamp-9: %w", diagram.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{"missing file", fmt.Errorf("x.svg: %w", os.ErrNotExist), http.StatusNotFound, "NOT_FOUND"},
		{"double mount", fmt.Errorf("lamp-1: %w", asset.ErrAlreadyMounted), http.StatusConflict, "CONFLICT"},
		{"destroyed", asset.ErrDestroyed, http.StatusConflict, "CONFLICT"},
		{"gesture held", session.ErrGestureHeld, http.StatusConflict, "CONFLICT"},
		{"rejected", &power.RejectedError{ID: "pdu-1", Reason: "no input power"}, http.StatusConflict, "REJECTED"},
		{"bad resource", fmt.Errorf("%w: bad name", storage.ErrInvalidResource), http.StatusBadRequest, "BAD_REQUEST"},
		{"stopped", diagram.ErrStopped, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, "TIMEOUT"},
		{"api error", NewValidationError("dx"), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := FromError(tt.err)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.code, apiErr.Code)
		})
	}
}

func (f *apiFixture) asset(t *testing.T, id models.AssetID) diagram.AssetView {
	t.Helper()
	v, err := f.ctrl.Asset(context.Background(), id)
	require.NoError(t, err)
	return v
}
