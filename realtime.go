package comet

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"

	"github.com/oklog/ulid/v2"
)

const cometsEvent = "comets"

// callFrame is one request envelope emitted over the channel. Every call
// carries a ulid correlation id; the server acknowledges with the same
// id.
type callFrame struct {
	CallId string `json:"id"`
	Method string `json:"method"`
	Path   string `json:"path"`
	Data   Params `json:"data,omitempty"`
}

// channelFrame is any inbound message: an acknowledgment when CallId is
// set, or a comet when Event is "comets".
type channelFrame struct {
	CallId string `json:"id,omitempty"`
	Status int    `json:"status,omitempty"`
	Body   Params `json:"body,omitempty"`

	Event string `json:"event,omitempty"`
	Verb  Verb   `json:"verb,omitempty"`
	Room  string `json:"room,omitempty"`
	Data  Params `json:"data,omitempty"`
}

// RealtimeChannel is the push-event channel behind a transport context.
// While connected it carries the transport's sync calls; inbound comets
// are forwarded to the transport's dispatch. On connection loss the
// transport falls back to HTTP sync until the channel reconnects.
type RealtimeChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport *Transport
	settings  *RealtimeSettings

	stateLock    sync.Mutex
	conn         *websocket.Conn
	connected    bool
	pendingCalls map[string]chan *Response

	writeLock sync.Mutex
}

func newRealtimeChannel(ctx context.Context, transport *Transport, settings *RealtimeSettings) *RealtimeChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	channel := &RealtimeChannel{
		ctx:          cancelCtx,
		cancel:       cancel,
		transport:    transport,
		settings:     settings,
		pendingCalls: map[string]chan *Response{},
	}
	go channel.run()
	return channel
}

func (self *RealtimeChannel) run() {
	defer self.cancel()

	for {
		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.HandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(self.ctx, self.settings.Url, nil)
		if err != nil {
			glog.Infof("[rt]connect error = %s\n", err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}
		glog.V(2).Infof("[rt]connected %s\n", self.settings.Url)

		self.setConn(ws)
		self.readLoop(ws)
		self.dropConn(ws)

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *RealtimeChannel) readLoop(ws *websocket.Conn) {
	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
				self.writeLock.Lock()
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				err := ws.WriteMessage(websocket.PingMessage, nil)
				self.writeLock.Unlock()
				if err != nil {
					// a deadline timeout on websocket cannot be recovered
					return
				}
			}
		}
	}()

	go func() {
		<-handleCtx.Done()
		ws.Close()
	}()

	for {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, message, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[rt]read error = %s\n", err)
			return
		}

		frame := &channelFrame{}
		if err := json.Unmarshal(message, frame); err != nil {
			glog.Infof("[rt]frame parse error = %s\n", err)
			continue
		}

		if frame.Event == cometsEvent {
			self.transport.DispatchComet(&Comet{
				Verb: frame.Verb,
				Room: frame.Room,
				Data: frame.Data,
			})
			continue
		}
		if frame.CallId != "" {
			self.resolveCall(frame.CallId, responseFromBody(frame.Status, frame.Body))
		}
	}
}

func (self *RealtimeChannel) setConn(ws *websocket.Conn) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.conn = ws
	self.connected = true
}

// dropConn marks the channel disconnected and fails the calls still
// waiting for acknowledgments, so no caller hangs across a reconnect.
func (self *RealtimeChannel) dropConn(ws *websocket.Conn) {
	self.stateLock.Lock()
	pendingCalls := self.pendingCalls
	self.pendingCalls = map[string]chan *Response{}
	self.conn = nil
	self.connected = false
	self.stateLock.Unlock()

	ws.Close()
	for _, ack := range pendingCalls {
		select {
		case ack <- &Response{
			Error:  channelClosedMessage,
			Status: 500,
		}:
		default:
		}
	}
}

func (self *RealtimeChannel) resolveCall(callId string, response *Response) {
	self.stateLock.Lock()
	ack, ok := self.pendingCalls[callId]
	delete(self.pendingCalls, callId)
	self.stateLock.Unlock()
	if !ok {
		glog.V(2).Infof("[rt]drop ack %s\n", callId)
		return
	}
	select {
	case ack <- response:
	default:
	}
}

func (self *RealtimeChannel) Connected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connected
}

func (self *RealtimeChannel) Close() {
	self.cancel()
}

// Call emits one request envelope and resolves it via the per-request
// acknowledgment. Failures resolve to an error response, never a Go
// error.
func (self *RealtimeChannel) Call(path string, method string, data Params) *Response {
	if !self.transport.network.IsOnline() {
		self.transport.network.QueueRefresh()
		return &Response{
			Error:  offlineErrorMessage,
			Status: 404,
		}
	}

	callId := ulid.Make().String()
	ack := make(chan *Response, 1)

	self.stateLock.Lock()
	conn := self.conn
	if conn == nil || !self.connected {
		self.stateLock.Unlock()
		return &Response{
			Error:  channelClosedMessage,
			Status: 500,
		}
	}
	self.pendingCalls[callId] = ack
	self.stateLock.Unlock()

	frame := &callFrame{
		CallId: callId,
		Method: strings.ToLower(method),
		Path:   path,
		Data:   data,
	}
	frameBytes, err := json.Marshal(frame)
	if err != nil {
		self.forgetCall(callId)
		glog.Infof("[rt]emit encode error = %s\n", err)
		return &Response{
			Error:  err.Error(),
			Status: 500,
		}
	}

	debug := self.transport.config.Debug
	if debug || bool(glog.V(2)) {
		glog.Infof("[rt]call %s %s %s\n", callId, frame.Method, path)
	}

	self.writeLock.Lock()
	conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, frameBytes)
	self.writeLock.Unlock()
	if err != nil {
		self.forgetCall(callId)
		glog.Infof("[rt]emit error = %s\n", err)
		return &Response{
			Error:  err.Error(),
			Status: 500,
		}
	}

	select {
	case <-self.ctx.Done():
		return &Response{
			Error:  channelClosedMessage,
			Status: 500,
		}
	case response := <-ack:
		if debug || bool(glog.V(2)) {
			glog.Infof("[rt]result %s status=%d\n", callId, response.Status)
		}
		return response
	}
}

func (self *RealtimeChannel) forgetCall(callId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.pendingCalls, callId)
}
