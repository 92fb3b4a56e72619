package comet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

const DefaultContext = "default"

const (
	ContentTypeJson = "application/json; charset=UTF-8"
	ContentTypeForm = "application/x-www-form-urlencoded"
)

// the verb methods route through one internal fetch. upload is not a
// real wire verb; it selects POST or PUT by payload id presence.
const methodUpload = "UPLOAD"

const loadingSlotName = "loading"

// the client timestamp injected into every non-upload write body
const clientTimeKey = "__client_time"

const offlineErrorMessage = "You seem to be offline"
const fetchErrorMessage = "Fetch error"
const channelClosedMessage = "Realtime channel closed"

var ErrUnknownContext = errors.New("unknown transport context")

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultHttpClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type RealtimeSettings struct {
	Url              string
	HandshakeTimeout time.Duration
	ReconnectTimeout time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
}

func DefaultRealtimeSettings(realtimeUrl string) *RealtimeSettings {
	return &RealtimeSettings{
		Url:              realtimeUrl,
		HandshakeTimeout: 2 * time.Second,
		ReconnectTimeout: 5 * time.Second,
		PingTimeout:      1 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      15 * time.Second,
	}
}

type TransportConfig struct {
	BaseUrl string
	// Context names this configuration in the registry. Empty means
	// "default".
	Context string
	// Debug forces request/response logging regardless of verbosity.
	Debug bool
	// ContentType selects the body codec for non-upload writes:
	// ContentTypeJson (default) or ContentTypeForm.
	ContentType string
	// HttpClient stands in for the runtime fetch implementation; it can
	// differ between server-rendered and browser-bridged execution.
	HttpClient *http.Client
	// Header carries request defaults merged into every request.
	Header http.Header
	// BeforeSend runs immediately before every request and may mutate
	// the outgoing headers in place.
	BeforeSend BeforeSendFunc
	Auth       *ClientAuth
	// Realtime enables the push channel for this context.
	Realtime *RealtimeSettings
}

// TransportRegistry owns the named transport contexts. It is an explicit
// application-lifetime object rather than a process global, injected
// into the store layer. The "default" context always exists.
type TransportRegistry struct {
	ctx     context.Context
	network *NetworkMonitor
	events  *EventSlots

	mutex      sync.Mutex
	transports map[string]*Transport
}

func NewTransportRegistry(ctx context.Context, network *NetworkMonitor, events *EventSlots) *TransportRegistry {
	registry := &TransportRegistry{
		ctx:        ctx,
		network:    network,
		events:     events,
		transports: map[string]*Transport{},
	}
	registry.Configure(&TransportConfig{
		Context: DefaultContext,
	})
	return registry
}

// Configure registers (or replaces) a named context and returns its
// transport instance.
func (self *TransportRegistry) Configure(config *TransportConfig) *Transport {
	transportContext := config.Context
	if transportContext == "" {
		transportContext = DefaultContext
	}
	transport := newTransport(self.ctx, config, self.network, self.events)

	self.mutex.Lock()
	defer self.mutex.Unlock()
	if previous, ok := self.transports[transportContext]; ok {
		previous.Close()
	}
	self.transports[transportContext] = transport
	return transport
}

// Instance resolves a registered context by name.
func (self *TransportRegistry) Instance(transportContext string) (*Transport, error) {
	if transportContext == "" {
		transportContext = DefaultContext
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	transport, ok := self.transports[transportContext]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContext, transportContext)
	}
	return transport, nil
}

type TransportInstanceOptions struct {
	Context    string
	HttpClient *http.Client
	BeforeSend BeforeSendFunc
}

// InstanceWithOptions resolves a context and rebinds its http client and
// before-send hook. The rebind exists because the fetch implementation
// differs between server-rendered and browser execution.
func (self *TransportRegistry) InstanceWithOptions(options *TransportInstanceOptions) (*Transport, error) {
	transport, err := self.Instance(options.Context)
	if err != nil {
		return nil, err
	}
	transport.rebind(options.HttpClient, options.BeforeSend)
	return transport, nil
}

// Transport is one configured request context: HTTP verb methods, the
// store-facing Sync call, and the comet listener registry shared with
// the realtime bridge.
type Transport struct {
	ctx    context.Context
	cancel context.CancelFunc

	network *NetworkMonitor
	loading *EventSlot

	config *TransportConfig

	stateLock  sync.Mutex
	httpClient *http.Client
	beforeSend BeforeSendFunc

	listenersLock  sync.Mutex
	cometListeners map[string][]*StoreListener

	channelLock sync.Mutex
	channel     *RealtimeChannel
}

func newTransport(ctx context.Context, config *TransportConfig, network *NetworkMonitor, events *EventSlots) *Transport {
	cancelCtx, cancel := context.WithCancel(ctx)

	httpClient := config.HttpClient
	if httpClient == nil {
		httpClient = defaultHttpClient()
	}

	return &Transport{
		ctx:            cancelCtx,
		cancel:         cancel,
		network:        network,
		loading:        events.Slot(loadingSlotName),
		config:         config,
		httpClient:     httpClient,
		beforeSend:     config.BeforeSend,
		cometListeners: map[string][]*StoreListener{},
	}
}

func (self *Transport) Config() *TransportConfig {
	return self.config
}

// Loading is the shared "loading" event slot. The transport sets it true
// while a request is in flight; the store engine resets it after the
// call resolves.
func (self *Transport) Loading() *EventSlot {
	return self.loading
}

func (self *Transport) Close() {
	self.cancel()
}

func (self *Transport) rebind(httpClient *http.Client, beforeSend BeforeSendFunc) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if httpClient != nil {
		self.httpClient = httpClient
	}
	if beforeSend != nil {
		self.beforeSend = beforeSend
	}
}

func (self *Transport) Get(fetchUrl string, params Params) *Response {
	return self.fetch(fetchUrl, http.MethodGet, params)
}

func (self *Transport) Post(fetchUrl string, params Params) *Response {
	return self.fetch(fetchUrl, http.MethodPost, params)
}

func (self *Transport) Put(fetchUrl string, params Params) *Response {
	return self.fetch(fetchUrl, http.MethodPut, params)
}

func (self *Transport) Patch(fetchUrl string, params Params) *Response {
	return self.fetch(fetchUrl, http.MethodPatch, params)
}

func (self *Transport) Delete(fetchUrl string, params Params) *Response {
	return self.fetch(fetchUrl, http.MethodDelete, params)
}

func (self *Transport) Options(fetchUrl string, params Params) *Response {
	return self.fetch(fetchUrl, http.MethodOptions, params)
}

// Upload sends params as a multipart payload. The verb is POST for new
// payloads and PUT when the payload carries an id.
func (self *Transport) Upload(fetchUrl string, params Params) *Response {
	return self.fetch(fetchUrl, methodUpload, params)
}

// Sync is the store-facing call path. It routes through the realtime
// channel when one is connected and over HTTP otherwise, so the contract
// stays the same while the strategy changes with channel state.
func (self *Transport) Sync(fetchUrl string, method string, params Params) *Response {
	if channel := self.connectedChannel(); channel != nil {
		return channel.Call(fetchUrl, method, params)
	}
	return self.fetch(fetchUrl, method, params)
}

func (self *Transport) fetch(fetchUrl string, method string, params Params) *Response {
	if !self.network.IsOnline() {
		self.network.QueueRefresh()
		return &Response{
			Error:  offlineErrorMessage,
			Status: 404,
		}
	}

	config := self.config
	if config.BaseUrl == "" {
		glog.Infof("[t]no base url on context %q; requests must use absolute urls\n", contextName(config))
	}

	method = strings.ToUpper(method)
	upload := method == methodUpload
	hasBody := upload || method == http.MethodPost || method == http.MethodPut

	if !hasBody && 0 < len(params) {
		fetchUrl = fmt.Sprintf("%s?%s", fetchUrl, queryEncode(params))
	}

	remote := fmt.Sprintf("%s%s", config.BaseUrl, fetchUrl)

	var body io.Reader
	contentType := config.ContentType
	if contentType == "" {
		contentType = ContentTypeJson
	}
	if upload {
		if id, ok := params["id"]; ok && presentId(id) {
			method = http.MethodPut
		} else {
			method = http.MethodPost
		}
		uploadBody, uploadContentType, err := multipartBody(params)
		if err != nil {
			glog.Infof("[t]upload encode error = %s\n", err)
			return &Response{
				Error:  fetchErrorMessage,
				Status: 500,
			}
		}
		body = uploadBody
		contentType = uploadContentType
	} else if hasBody {
		withTime := Params{}
		maps.Copy(withTime, params)
		withTime[clientTimeKey] = time.Now().UTC().Format(time.RFC3339)
		if contentType == ContentTypeForm {
			body = strings.NewReader(queryEncode(withTime))
		} else {
			bodyBytes, err := json.Marshal(withTime)
			if err != nil {
				glog.Infof("[t]body encode error = %s\n", err)
				return &Response{
					Error:  fetchErrorMessage,
					Status: 500,
				}
			}
			body = bytes.NewReader(bodyBytes)
		}
	}

	req, err := http.NewRequestWithContext(self.ctx, method, remote, body)
	if err != nil {
		glog.Infof("[t]request error = %s\n", err)
		return &Response{
			Error:  fetchErrorMessage,
			Status: 500,
		}
	}
	for key, values := range config.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if hasBody {
		req.Header.Set("Content-Type", contentType)
	}
	if config.Auth != nil {
		config.Auth.apply(req.Header)
	}
	self.stateLock.Lock()
	httpClient := self.httpClient
	beforeSend := self.beforeSend
	self.stateLock.Unlock()
	if beforeSend != nil {
		beforeSend(req.Header)
	}

	if config.Debug || bool(glog.V(2)) {
		glog.Infof("[t]%s %s\n", method, remote)
	}

	self.loading.SetValue(true)

	r, err := httpClient.Do(req)
	if err != nil {
		// the underlying error is logged, not surfaced to the caller
		glog.Infof("[t]fetch error = %s\n", err)
		return &Response{
			Error:  fetchErrorMessage,
			Status: 500,
		}
	}
	defer r.Body.Close()

	if !(200 <= r.StatusCode && r.StatusCode < 300) {
		errorMessage := fmt.Sprintf("%s - %s", fetchUrl, http.StatusText(r.StatusCode))
		if config.Debug || bool(glog.V(2)) {
			glog.Infof("[t]error = %s\n", errorMessage)
		}
		return &Response{
			Error:  errorMessage,
			Status: r.StatusCode,
		}
	}

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		glog.Infof("[t]read error = %s\n", err)
		return &Response{
			Error:  fetchErrorMessage,
			Status: 500,
		}
	}

	responseBody := Params{}
	if 0 < len(responseBodyBytes) {
		if err := json.Unmarshal(responseBodyBytes, &responseBody); err != nil {
			glog.Infof("[t]parse error = %s\n", err)
			return &Response{
				Error:  fetchErrorMessage,
				Status: 500,
			}
		}
	}
	return responseFromBody(r.StatusCode, responseBody)
}

// OnCometsNotify adds a room listener. Registering the same listener id
// twice is a no-op.
func (self *Transport) OnCometsNotify(listener *StoreListener) {
	self.listenersLock.Lock()
	defer self.listenersLock.Unlock()

	listeners := self.cometListeners[listener.Store]
	for _, registered := range listeners {
		if registered.ListenerId == listener.ListenerId {
			return
		}
	}
	self.cometListeners[listener.Store] = append(listeners, listener)
}

func (self *Transport) StopCometsOn(listener *StoreListener) {
	self.listenersLock.Lock()
	defer self.listenersLock.Unlock()

	listeners := self.cometListeners[listener.Store]
	if len(listeners) == 0 {
		return
	}
	others := make([]*StoreListener, 0, len(listeners))
	for _, registered := range listeners {
		if registered.ListenerId != listener.ListenerId {
			others = append(others, registered)
		}
	}
	self.cometListeners[listener.Store] = others
}

// DispatchComet fans a comet out to the listeners of its room. Rooms
// with no listeners are a silent no-op.
func (self *Transport) DispatchComet(comet *Comet) {
	if self.config.Debug || bool(glog.V(2)) {
		glog.Infof("[io]comets %s %s\n", comet.Room, comet.Verb)
	}

	self.listenersLock.Lock()
	listeners := append([]*StoreListener{}, self.cometListeners[comet.Room]...)
	self.listenersLock.Unlock()

	for _, listener := range listeners {
		listener.OnComets(comet)
	}
}

// SwitchToRealtime lazily opens the push channel, once per instance.
// Without realtime config this is a no-op. Open failures are logged by
// the channel and the transport keeps using HTTP sync.
func (self *Transport) SwitchToRealtime() {
	self.channelLock.Lock()
	defer self.channelLock.Unlock()
	if self.config.Realtime == nil || self.channel != nil {
		return
	}
	self.channel = newRealtimeChannel(self.ctx, self, self.config.Realtime)
}

func (self *Transport) connectedChannel() *RealtimeChannel {
	self.channelLock.Lock()
	defer self.channelLock.Unlock()
	if self.channel != nil && self.channel.Connected() {
		return self.channel
	}
	return nil
}

func contextName(config *TransportConfig) string {
	if config.Context == "" {
		return DefaultContext
	}
	return config.Context
}

func queryEncode(params Params) string {
	values := url.Values{}
	for key, value := range params {
		values.Set(key, fmt.Sprintf("%v", value))
	}
	return values.Encode()
}

func multipartBody(params Params) (io.Reader, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for key, value := range params {
		switch v := value.(type) {
		case []byte:
			part, err := writer.CreateFormFile(key, key)
			if err != nil {
				return nil, "", err
			}
			if _, err := part.Write(v); err != nil {
				return nil, "", err
			}
		default:
			if err := writer.WriteField(key, fmt.Sprintf("%v", v)); err != nil {
				return nil, "", err
			}
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return body, writer.FormDataContentType(), nil
}

// responseFromBody merges the parsed body with the transport status. A
// body-level error key propagates into the response error.
func responseFromBody(status int, body Params) *Response {
	response := &Response{
		Status: status,
		Body:   body,
	}
	if errorMessage, ok := body["error"].(string); ok && errorMessage != "" {
		response.Error = errorMessage
	}
	return response
}

func presentId(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case float64:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	}
	return true
}
