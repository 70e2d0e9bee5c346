package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/power-topology/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialViewer(t *testing.T, srv *httptest.Server) (*wsClient, WSMessage) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &wsClient{t: t, conn: conn}
	return c, c.next()
}

func (c *wsClient) send(typ, id string, payload any) {
	c.t.Helper()
	msg := WSMessage{Type: typ, ID: id, Timestamp: time.Now().UnixMilli()}
	if payload != nil {
		msg.Payload = mustJSON(payload)
	}
	require.NoError(c.t, c.conn.WriteJSON(msg))
}

func (c *wsClient) next() WSMessage {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	require.NoError(c.t, c.conn.ReadJSON(&msg))
	return msg
}

// until reads messages until one of the given type and id arrives.
func (c *wsClient) until(typ, id string) WSMessage {
	c.t.Helper()
	for {
		msg := c.next()
		if msg.Type == typ && (id == "" || msg.ID == id) {
			return msg
		}
	}
}

func TestWebSocket_Greeting(t *testing.T) {
	f := newAPIFixture(t, 0)
	srv := httptest.NewServer(f.e)
	defer srv.Close()

	client, hello := dialViewer(t, srv)
	require.Equal(t, MsgTypeConnected, hello.Type)

	var greeting WSConnectedPayload
	require.NoError(t, json.Unmarshal(hello.Payload, &greeting))
	assert.NotEmpty(t, greeting.SessionID)
	assert.Len(t, greeting.Diagram.Assets, 2)
	assert.Equal(t, 1, f.sessions.Count())

	client.send(MsgTypePing, "", nil)
	assert.Equal(t, MsgTypePong, client.until(MsgTypePong, "").Type)

	client.send("teleport", "lamp-1", nil)
	errMsg := client.until(MsgTypeError, "lamp-1")
	var body WSErrorResponse
	require.NoError(t, json.Unmarshal(errMsg.Payload, &body))
	assert.Equal(t, "INVALID_TYPE", body.Code)
}

func TestWebSocket_DragGesture(t *testing.T) {
	f := newAPIFixture(t, 0)
	srv := httptest.NewServer(f.e)
	defer srv.Close()

	owner, _ := dialViewer(t, srv)
	other, _ := dialViewer(t, srv)

	owner.send(MsgTypeDrag, "lamp-1", map[string]float64{"dx": 3, "dy": 4})
	owner.send(MsgTypeDrag, "lamp-1", map[string]float64{"dx": 7, "dy": 6})
	owner.until("frame", "")

	other.send(MsgTypeDrag, "lamp-1", map[string]float64{"dx": 100})
	held := other.until(MsgTypeError, "lamp-1")
	var body WSErrorResponse
	require.NoError(t, json.Unmarshal(held.Payload, &body))
	assert.Equal(t, "CONFLICT", body.Code)

	owner.send(MsgTypeDragEnd, "lamp-1", nil)
	pos := owner.until("asset:position", "lamp-1")
	var payload struct {
		Position models.Point `json:"position"`
	}
	require.NoError(t, json.Unmarshal(pos.Payload, &payload))
	assert.Equal(t, models.Point{X: 20, Y: 30}, payload.Position)

	// Every viewer sees the change.
	other.until("asset:position", "lamp-1")

	require.Eventually(t, func() bool { return f.positions.Saves() == 1 }, time.Second, 5*time.Millisecond)
	_, held2 := f.sessions.Holder("lamp-1")
	assert.False(t, held2)
}

func TestWebSocket_DisconnectEndsDrag(t *testing.T) {
	f := newAPIFixture(t, 0)
	srv := httptest.NewServer(f.e)
	defer srv.Close()

	client, _ := dialViewer(t, srv)
	client.send(MsgTypeDrag, "outlet-1", map[string]float64{"dx": 50, "dy": 0})
	client.until("frame", "")
	require.NoError(t, client.conn.Close())

	require.Eventually(t, func() bool { return f.positions.Saves() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.sessions.Count() == 0 }, time.Second, 5*time.Millisecond)

	view := f.asset(t, "outlet-1")
	assert.Equal(t, models.Point{X: 50, Y: 0}, view.Position)
}

func TestWebSocket_ClickAndSelect(t *testing.T) {
	f := newAPIFixture(t, 0)
	srv := httptest.NewServer(f.e)
	defer srv.Close()

	client, _ := dialViewer(t, srv)

	client.send(MsgTypeSelect, "lamp-1", WSSelectPayload{Selected: true})
	client.until("asset:selected", "lamp-1")

	client.send(MsgTypeClick, "outlet-1", nil)
	msg := client.until("asset:power", "lamp-1")
	var power struct {
		Powered bool               `json:"powered"`
		Reason  models.PowerReason `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &power))
	assert.False(t, power.Powered)

	client.send(MsgTypeClick, "ghost", nil)
	errMsg := client.until(MsgTypeError, "ghost")
	var body WSErrorResponse
	require.NoError(t, json.Unmarshal(errMsg.Payload, &body))
	assert.Equal(t, "NOT_FOUND", body.Code)
}

func TestWebSocket_TooManyViewers(t *testing.T) {
	f := newAPIFixture(t, 1)
	srv := httptest.NewServer(f.e)
	defer srv.Close()

	_, hello := dialViewer(t, srv)
	require.Equal(t, MsgTypeConnected, hello.Type)

	_, refused := dialViewer(t, srv)
	require.Equal(t, MsgTypeError, refused.Type)
	var body WSErrorResponse
	require.NoError(t, json.Unmarshal(refused.Payload, &body))
	assert.Equal(t, "SERVICE_UNAVAILABLE", body.Code)
}
