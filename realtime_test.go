package comet

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/gorilla/websocket"
)

// realtimeBackend is a websocket server that acknowledges every call
// with a fixed page body and can push comets to the connected client.
type realtimeBackend struct {
	upgrader websocket.Upgrader

	mutex     sync.Mutex
	conn      *websocket.Conn
	writeLock sync.Mutex
	calls     []Params
	body      Params
}

func newRealtimeServer(body Params) (*httptest.Server, *realtimeBackend) {
	backend := &realtimeBackend{
		body: body,
	}
	server := httptest.NewServer(http.HandlerFunc(backend.handle))
	return server, backend
}

func (self *realtimeBackend) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	self.mutex.Lock()
	self.conn = ws
	self.mutex.Unlock()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		call := Params{}
		if err := json.Unmarshal(message, &call); err != nil {
			continue
		}
		self.mutex.Lock()
		self.calls = append(self.calls, call)
		self.mutex.Unlock()

		self.write(ws, Params{
			"id":     call["id"],
			"status": 200,
			"body":   self.body,
		})
	}
}

func (self *realtimeBackend) write(ws *websocket.Conn, frame Params) {
	frameBytes, err := json.Marshal(frame)
	if err != nil {
		return
	}
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	ws.WriteMessage(websocket.TextMessage, frameBytes)
}

func (self *realtimeBackend) pushComet(comet *Comet) {
	self.mutex.Lock()
	ws := self.conn
	self.mutex.Unlock()
	if ws == nil {
		return
	}
	self.write(ws, Params{
		"event": cometsEvent,
		"verb":  string(comet.Verb),
		"room":  comet.Room,
		"data":  comet.Data,
	})
}

func (self *realtimeBackend) lastCall() Params {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if len(self.calls) == 0 {
		return nil
	}
	return self.calls[len(self.calls)-1]
}

func wsUrl(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newRealtimeSettings(server *httptest.Server) *RealtimeSettings {
	settings := DefaultRealtimeSettings(wsUrl(server))
	settings.ReconnectTimeout = 100 * time.Millisecond
	return settings
}

func TestRealtimeChannelSync(t *testing.T) {
	server, backend := newRealtimeServer(Params{
		"data": []any{
			map[string]any{"id": float64(1), "name": "widget 1"},
			map[string]any{"id": float64(2), "name": "widget 2"},
		},
		"recordCount": float64(2),
		"page":        float64(1),
		"pages":       float64(1),
	})
	defer server.Close()

	network := newTestMonitor()
	registry, _ := newTestRegistry(network)
	transport := registry.Configure(&TransportConfig{
		Realtime: newRealtimeSettings(server),
	})
	stores := NewStores(registry)

	store, err := stores.Use("widgets", nil)
	assert.Equal(t, err, nil)

	waitFor(t, 2*time.Second, func() bool {
		return transport.connectedChannel() != nil
	})

	// sync routes over the channel, not http
	store.Sync(nil)
	snapshot := store.Result().Snapshot()
	assert.Equal(t, snapshot.Error, "")
	assert.Equal(t, len(snapshot.Data), 2)
	assert.Equal(t, snapshot.RecordCount, 2)

	call := backend.lastCall()
	assert.Equal(t, call["method"], "get")
	assert.Equal(t, call["path"], "/widgets")
	assert.NotEqual(t, call["id"], nil)

	// a pushed create reconciles into the store
	backend.pushComet(&Comet{
		Verb: VerbCreate,
		Room: "widgets",
		Data: Params{"id": float64(3), "name": "widget 3"},
	})
	waitFor(t, 2*time.Second, func() bool {
		return store.Result().RecordCount() == 3
	})
	record, ok := store.Find(float64(3), "id")
	assert.Equal(t, ok, true)
	assert.Equal(t, record["name"], "widget 3")

	// a pushed destroy for another room does not apply
	backend.pushComet(&Comet{
		Verb: VerbDestroy,
		Room: "gadgets",
		Data: Params{"id": float64(3)},
	})
	backend.pushComet(&Comet{
		Verb: VerbDestroy,
		Room: "widgets",
		Data: Params{"id": float64(3)},
	})
	waitFor(t, 2*time.Second, func() bool {
		return store.Result().RecordCount() == 2
	})
}

func TestRealtimeChannelOffline(t *testing.T) {
	server, _ := newRealtimeServer(Params{
		"data":        []any{},
		"recordCount": float64(0),
	})
	defer server.Close()

	network := newTestMonitor()
	registry, _ := newTestRegistry(network)
	transport := registry.Configure(&TransportConfig{
		Realtime: newRealtimeSettings(server),
	})

	transport.SwitchToRealtime()
	waitFor(t, 2*time.Second, func() bool {
		return transport.connectedChannel() != nil
	})

	// offline short-circuits even with a live channel
	network.SetOnline(false)
	response := transport.Sync("/widgets", http.MethodGet, nil)
	assert.Equal(t, response.Ok(), false)
	assert.Equal(t, response.Status, 404)
	assert.Equal(t, response.Error, offlineErrorMessage)
}

func TestRealtimeFallbackToFetch(t *testing.T) {
	server, backend := newWidgetServer(60)
	defer server.Close()

	network := newTestMonitor()
	registry, _ := newTestRegistry(network)

	// the channel endpoint is unreachable, so sync stays on http
	settings := DefaultRealtimeSettings("ws://127.0.0.1:1/io")
	settings.HandshakeTimeout = 100 * time.Millisecond
	settings.ReconnectTimeout = time.Second
	registry.Configure(&TransportConfig{
		BaseUrl:  server.URL,
		Realtime: settings,
	})
	stores := NewStores(registry)

	store, err := stores.Use("widgets", nil)
	assert.Equal(t, err, nil)

	store.Sync(nil)
	snapshot := store.Result().Snapshot()
	assert.Equal(t, snapshot.Error, "")
	assert.Equal(t, len(snapshot.Data), 25)
	syncCount, _ := backend.counts()
	assert.Equal(t, syncCount, 1)
}

func TestRealtimeStopListening(t *testing.T) {
	server, backend := newRealtimeServer(Params{
		"data": []any{
			map[string]any{"id": float64(1)},
		},
		"recordCount": float64(1),
	})
	defer server.Close()

	network := newTestMonitor()
	registry, _ := newTestRegistry(network)
	transport := registry.Configure(&TransportConfig{
		Realtime: newRealtimeSettings(server),
	})
	stores := NewStores(registry)

	store, _ := stores.Use("widgets", nil)
	waitFor(t, 2*time.Second, func() bool {
		return transport.connectedChannel() != nil
	})
	store.Sync(nil)
	assert.Equal(t, store.Result().RecordCount(), 1)

	store.StopListening()
	backend.pushComet(&Comet{
		Verb: VerbCreate,
		Room: "widgets",
		Data: Params{"id": float64(2)},
	})
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, store.Result().RecordCount(), 1)
}
