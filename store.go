package comet

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const defaultSearchDebounce = 500 * time.Millisecond

// StoreOptions configure one store handle. All fields are optional.
type StoreOptions struct {
	// Params filter the collection. A comet create event must match all
	// param fields to apply to this store.
	Params Params
	// OrderAndBy is "direction|field", e.g. "desc|created_at".
	OrderAndBy string
	// Namespace is the comet room this store subscribes to. Defaults to
	// the resource name.
	Namespace string
	// InitData seeds the result from server-prefetched data. A seeded
	// store starts in sync.
	InitData *ResultPage
	// Limit overrides the default page size of 25.
	Limit            int
	TransportContext string
	Includes         string
	ResultTransformer ResultTransformer
	QueryTransformer  QueryTransformer
	// SearchDebounce overrides the default 500ms search quiescence.
	SearchDebounce time.Duration
}

// Stores memoizes result records by the canonical query key and hands
// out store handles bound to them. Owned by the application lifetime,
// injected with its transport registry.
type Stores struct {
	registry *TransportRegistry
	network  *NetworkMonitor

	mutex   sync.Mutex
	results map[string]*Result
}

func NewStores(registry *TransportRegistry) *Stores {
	return &Stores{
		registry: registry,
		network:  registry.network,
		results:  map[string]*Result{},
	}
}

// Use resolves or creates the shared result for the query and returns a
// store bound to it. Two calls with the same resource name, sort spec,
// and params resolve to the identical result record regardless of param
// key order. A "~" resource name prefix requests reverse accumulation.
func (self *Stores) Use(resourceName string, options *StoreOptions) (*Store, error) {
	if options == nil {
		options = &StoreOptions{}
	}
	params := Params{}
	maps.Copy(params, options.Params)

	reverse := strings.HasPrefix(resourceName, "~")
	resourceName = strings.TrimPrefix(resourceName, "/")

	order := "asc"
	orderBy := ""
	if options.OrderAndBy != "" {
		parts := strings.SplitN(options.OrderAndBy, "|", 2)
		if parts[0] != "" {
			order = parts[0]
		}
		if len(parts) == 2 {
			orderBy = parts[1]
		}
	}
	order = strings.ToLower(order)

	transportContext := options.TransportContext
	if transportContext == "" {
		transportContext = DefaultContext
	}
	transport, err := self.registry.Instance(transportContext)
	if err != nil {
		return nil, err
	}

	namespace := options.Namespace
	if namespace == "" {
		namespace = resourceName
	}
	namespace = strings.TrimPrefix(namespace, "/")
	namespace = strings.ReplaceAll(namespace, "~", "")

	keyMap := Params{}
	maps.Copy(keyMap, params)
	keyMap["order"] = order
	if orderBy != "" {
		keyMap["orderBy"] = orderBy
	}
	keyMap["transportContext"] = transportContext
	resultKey := fmt.Sprintf("/%s/%s/%s", resourceName, canonicalParams(keyMap), options.Includes)

	name := strings.ReplaceAll(resourceName, "~", "")

	self.mutex.Lock()
	result, existing := self.results[resultKey]
	if !existing {
		result = newResult(options.Limit)
		self.results[resultKey] = result
	}
	self.mutex.Unlock()

	resultTransformer := options.ResultTransformer
	if resultTransformer == nil {
		resultTransformer = DefaultResultTransformer
	}
	queryTransformer := options.QueryTransformer
	if queryTransformer == nil {
		queryTransformer = DefaultQueryTransformer
	}
	searchDebounce := options.SearchDebounce
	if searchDebounce <= 0 {
		searchDebounce = defaultSearchDebounce
	}

	store := &Store{
		name:              name,
		url:               fmt.Sprintf("/%s", name),
		namespace:         namespace,
		resultKey:         resultKey,
		reverse:           reverse,
		includes:          options.Includes,
		order:             order,
		orderBy:           orderBy,
		params:            params,
		transport:         transport,
		network:           self.network,
		resultTransformer: resultTransformer,
		queryTransformer:  queryTransformer,
		searchDebounce:    searchDebounce,
		result:            result,
		limit:             result.Limit(),
		page:              1,
		query:             Params{},
		listeners: map[Verb]*CallbackList[func(data any)]{
			VerbRefresh: NewCallbackList[func(data any)](),
			VerbCreate:  NewCallbackList[func(data any)](),
			VerbUpdate:  NewCallbackList[func(data any)](),
			VerbDestroy: NewCallbackList[func(data any)](),
		},
	}

	if existing {
		// a handle over an already-synchronized record starts in sync
		store.synced = result.Synced()
	} else if options.InitData != nil && 0 < len(options.InitData.Data) {
		store.mutateMany(options.InitData)
	}

	if transport.Config().Realtime != nil {
		transport.SwitchToRealtime()
		store.startListening()
	}

	return store, nil
}

// Store is a query, pagination, and mutation handle over one shared
// result record.
type Store struct {
	name      string
	url       string
	namespace string
	resultKey string
	reverse   bool
	includes  string
	order     string
	orderBy   string
	params    Params

	transport *Transport
	network   *NetworkMonitor

	resultTransformer ResultTransformer
	queryTransformer  QueryTransformer
	searchDebounce    time.Duration

	result *Result

	stateLock  sync.Mutex
	limit      int
	offset     int
	page       int
	searchTerm string
	query      Params
	// synced means a sync has ever completed; syncing means one is in
	// flight right now
	synced  bool
	syncing bool
	infinite bool

	searchTimer *time.Timer

	listeners map[Verb]*CallbackList[func(data any)]
}

// Result is the shared observable record for this store's query.
func (self *Store) Result() *Result {
	return self.result
}

// Sync fetches the current query and merges the response into the shared
// result. With a pre-fetched page it merges directly. No-ops while
// offline, already in sync, or while another sync is in flight.
func (self *Store) Sync(force *ResultPage) {
	if force != nil {
		self.mutateMany(force)
		return
	}
	if !self.network.IsOnline() {
		return
	}

	self.stateLock.Lock()
	if self.synced || self.syncing {
		self.stateLock.Unlock()
		return
	}
	self.syncing = true
	query := self.prepQuery()
	self.stateLock.Unlock()

	self.result.setLoading(true)
	response := self.transport.Sync(self.url, http.MethodGet, query)
	self.transport.Loading().SetValue(false)

	self.stateLock.Lock()
	self.syncing = false
	self.stateLock.Unlock()

	if !response.Ok() {
		self.result.mutate(func() {
			self.result.err = response.Error
			self.result.loading = false
		})
		return
	}
	self.mutateMany(self.resultTransformer(response.Body))
}

// callers hold stateLock
func (self *Store) prepQuery() Params {
	query := Params{}
	maps.Copy(query, self.params)
	query["limit"] = self.limit
	query["offset"] = self.offset
	maps.Copy(query, self.query)
	query["orderDirection"] = self.order
	if self.orderBy != "" {
		query["orderBy"] = self.orderBy
	}
	if self.includes != "" {
		query["includes"] = self.includes
	}
	// callers can suppress the limit by passing a falsy params limit
	if limit, ok := self.params["limit"]; ok && !presentId(limit) {
		delete(query, "limit")
	}
	if self.searchTerm != "" {
		query["search"] = self.searchTerm
	}
	self.query = Params{}
	return self.queryTransformer(query)
}

// Filter marks the store out of sync, resets to the first page, and
// resyncs with the partial query merged in.
func (self *Store) Filter(query Params) {
	if !self.network.IsOnline() {
		return
	}
	self.stateLock.Lock()
	self.synced = false
	self.offset = 0
	self.page = 1
	self.query = Params{}
	maps.Copy(self.query, query)
	self.stateLock.Unlock()
	self.Sync(nil)
}

// Search resyncs with the term after 500ms of quiescence. Each call
// cancels the previous pending task, so rapid input coalesces into one
// request.
func (self *Store) Search(term string) {
	self.stateLock.Lock()
	if self.searchTimer != nil {
		self.searchTimer.Stop()
	}
	self.searchTimer = time.AfterFunc(self.searchDebounce, func() {
		if !self.network.IsOnline() {
			return
		}
		self.stateLock.Lock()
		self.synced = false
		self.offset = 0
		self.page = 1
		self.searchTerm = term
		self.stateLock.Unlock()
		self.Sync(nil)
	})
	self.stateLock.Unlock()
}

func (self *Store) Next() {
	self.PageTo(self.result.Page() + 1)
}

func (self *Store) Prev() {
	self.PageTo(self.result.Page() - 1)
}

// PageTo jumps to a discrete page. Requests outside the collection
// bounds are silently ignored. The page commits only after an
// error-free sync.
func (self *Store) PageTo(nextPage int) {
	if !self.network.IsOnline() {
		return
	}
	self.stateLock.Lock()
	offset := (nextPage - 1) * self.limit
	self.stateLock.Unlock()
	if offset < 0 || self.result.RecordCount() <= offset {
		return
	}

	self.stateLock.Lock()
	self.offset = offset
	self.synced = false
	self.infinite = false
	self.query["page"] = nextPage
	self.stateLock.Unlock()

	self.Sync(nil)
	if self.result.Error() == "" {
		self.stateLock.Lock()
		self.page = nextPage
		self.stateLock.Unlock()
	}
}

// More appends the next page for infinite scroll, honoring reverse
// order. Requires a completed sync first.
func (self *Store) More() {
	self.stateLock.Lock()
	synced := self.synced
	page := self.page
	limit := self.limit
	self.stateLock.Unlock()

	if !synced {
		glog.Infof("[store]%s not prefetched\n", self.name)
		return
	}
	if !self.network.IsOnline() {
		return
	}

	offset := page * limit
	snapshot := self.result.Snapshot()
	if snapshot.RecordCount <= offset || snapshot.Loading {
		return
	}

	nextPage := page + 1
	self.stateLock.Lock()
	self.offset = offset
	self.synced = false
	self.infinite = true
	self.query["page"] = nextPage
	self.stateLock.Unlock()

	self.Sync(nil)
	if self.result.Error() == "" {
		self.stateLock.Lock()
		self.page = nextPage
		self.stateLock.Unlock()
	}
}

// Save issues a PUT when the record carries an id and a POST otherwise.
// On success the local copy is patched or appended and a status message
// is returned. On failure the shared result is left untouched and the
// error surfaces only to the caller.
func (self *Store) Save(delta Params) *Response {
	method := http.MethodPost
	saveUrl := self.url
	if id, ok := delta["id"]; ok && presentId(id) {
		method = http.MethodPut
		saveUrl = fmt.Sprintf("%s/%v", self.url, id)
	}

	response := self.transport.Sync(saveUrl, method, delta)
	self.transport.Loading().SetValue(false)
	if !response.Ok() {
		return response
	}
	if data := response.Data(); data != nil {
		if method == http.MethodPut {
			self.Patch(data)
			response.Message = fmt.Sprintf("%s was successfully updated.", MakeName(self.name))
		} else {
			self.Add(data)
			response.Message = fmt.Sprintf("%s was successfully created.", MakeName(self.name))
		}
	}
	return response
}

// Destroy deletes the record on the server and removes the matching-id
// record locally on success.
func (self *Store) Destroy(where Params) *Response {
	destroyUrl := fmt.Sprintf("%s/%v", self.url, where["id"])
	response := self.transport.Sync(destroyUrl, http.MethodDelete, where)
	self.transport.Loading().SetValue(false)
	if !response.Ok() {
		return response
	}
	if data := response.Data(); data != nil {
		self.Remove(data)
		response.Message = fmt.Sprintf("%s was successfully destroyed.", MakeName(self.name))
	}
	return response
}

// Find resolves a record from local data when in sync, syncing first
// otherwise. Comparison normalizes both sides to their string forms, so
// string and numeric ids match across transports.
func (self *Store) Find(value any, key string) (Params, bool) {
	if key == "" {
		key = "id"
	}
	self.stateLock.Lock()
	synced := self.synced
	self.stateLock.Unlock()
	if !synced {
		self.Sync(nil)
	}
	for _, record := range self.result.Data() {
		if idEqual(record[key], value) {
			return record, true
		}
	}
	return nil, false
}

// Add appends a record locally and notifies create listeners. No-op
// before the first completed sync, preventing speculative writes into an
// uninitialized view, and a no-op when the id already exists locally.
func (self *Store) Add(record Params) {
	self.stateLock.Lock()
	if !self.synced {
		self.stateLock.Unlock()
		return
	}
	limit := self.limit
	page := self.page
	reverse := self.reverse
	order := self.order
	self.stateLock.Unlock()

	if _, ok := self.Find(record["id"], "id"); ok {
		return
	}

	added := Params{}
	maps.Copy(added, record)
	added["isNew"] = true

	self.result.mutate(func() {
		var data []Params
		if reverse || order == "asc" {
			data = append(slices.Clone(self.result.data), added)
		} else {
			data = append([]Params{added}, self.result.data...)
		}
		recordCount := self.result.recordCount + 1
		self.result.data = data
		self.result.page = page
		self.result.pages = pagesFor(recordCount, limit)
		self.result.loading = false
		self.result.recordCount = recordCount
	})
	self.notify(VerbCreate, added)
}

// Patch merges fields into the matching-id record in place and notifies
// update listeners. Records that are not present locally are not
// implicitly inserted.
func (self *Store) Patch(record Params) {
	self.stateLock.Lock()
	if !self.synced {
		self.stateLock.Unlock()
		return
	}
	self.stateLock.Unlock()

	patched := false
	self.result.mutate(func() {
		data := make([]Params, 0, len(self.result.data))
		for _, existing := range self.result.data {
			if idEqual(existing["id"], record["id"]) {
				merged := Params{}
				maps.Copy(merged, existing)
				maps.Copy(merged, record)
				data = append(data, merged)
				patched = true
			} else {
				data = append(data, existing)
			}
		}
		self.result.data = data
	})
	if patched {
		self.notify(VerbUpdate, record)
	}
}

// Remove drops the matching-id record locally and notifies destroy
// listeners.
func (self *Store) Remove(record Params) {
	self.stateLock.Lock()
	if !self.synced {
		self.stateLock.Unlock()
		return
	}
	limit := self.limit
	page := self.page
	self.stateLock.Unlock()

	if _, ok := self.Find(record["id"], "id"); !ok {
		return
	}

	self.result.mutate(func() {
		data := make([]Params, 0, len(self.result.data))
		for _, existing := range self.result.data {
			if !idEqual(existing["id"], record["id"]) {
				data = append(data, existing)
			}
		}
		recordCount := self.result.recordCount - 1
		self.result.data = data
		self.result.page = page
		self.result.pages = pagesFor(recordCount, limit)
		self.result.loading = false
		self.result.recordCount = recordCount
	})
	self.notify(VerbDestroy, record)
}

// On registers a handler for one local mutation event kind, independent
// of the realtime channel. Handlers fire for optimistic and reconciled
// mutations alike. Refresh handlers receive the refreshed record list
// (`[]Params`); the other verbs receive the mutated record (`Params`).
// Returns the unsubscribe func.
func (self *Store) On(verb Verb, handler func(data any)) func() {
	callbacks, ok := self.listeners[verb]
	if !ok {
		return func() {}
	}
	callbackId := callbacks.Add(handler)
	return func() {
		callbacks.Remove(callbackId)
	}
}

func (self *Store) notify(verb Verb, data any) {
	if callbacks, ok := self.listeners[verb]; ok {
		for _, handler := range callbacks.Get() {
			handler(data)
		}
	}
}

// Get issues a GET scoped under the resource url.
func (self *Store) Get(path string, params Params) *Response {
	return self.transport.Get(self.url+path, params)
}

// Post issues a POST scoped under the resource url.
func (self *Store) Post(path string, params Params) *Response {
	return self.transport.Post(self.url+path, params)
}

// Upload posts a multipart payload to the resource upload endpoint.
func (self *Store) Upload(file Params) *Response {
	return self.transport.Upload(fmt.Sprintf("%s/upload", self.url), file)
}

// mutateMany merges one authoritative page into the shared result:
// adopt a server-supplied limit, honor reverse order, append or replace
// depending on infinite mode, derive pages when the server did not
// supply them, clear loading and error, and mark the store in sync.
func (self *Store) mutateMany(pageIn *ResultPage) {
	self.stateLock.Lock()
	if pageIn.Limit != 0 && pageIn.Limit != self.limit {
		// use the limit from the api
		self.limit = pageIn.Limit
	}
	limit := self.limit
	reverse := self.reverse
	infinite := self.infinite
	self.stateLock.Unlock()

	data := slices.Clone(pageIn.Data)
	if reverse {
		slices.Reverse(data)
	}

	self.result.mutate(func() {
		var newData []Params
		if infinite {
			if reverse {
				newData = append(data, self.result.data...)
			} else {
				newData = append(slices.Clone(self.result.data), data...)
			}
		} else {
			newData = data
		}
		pages := pageIn.Pages
		if pages == 0 {
			pages = pagesFor(pageIn.RecordCount, limit)
		}
		if 0 < pageIn.Page {
			self.result.page = pageIn.Page
		}
		self.result.data = newData
		self.result.pages = pages
		self.result.limit = limit
		self.result.loading = false
		self.result.err = ""
		self.result.recordCount = pageIn.RecordCount
		self.result.synced = true
	})

	self.stateLock.Lock()
	self.synced = true
	self.stateLock.Unlock()
}

// startListening registers this store for comets on its namespace. The
// listener id derives from the memo key, so registering the same query
// twice is a no-op.
func (self *Store) startListening() {
	self.transport.OnCometsNotify(&StoreListener{
		Store:      self.namespace,
		ListenerId: self.resultKey,
		OnComets:   self.onComets,
	})
}

// StopListening removes this store's comet listener.
func (self *Store) StopListening() {
	self.transport.StopCometsOn(&StoreListener{
		Store:      self.namespace,
		ListenerId: self.resultKey,
	})
}

// onComets applies one server-pushed mutation. Events for other rooms
// are ignored; update and destroy require the record to exist locally;
// create requires it not to, and to satisfy the store's own filter
// params. The id-existence checks make reapplying the same event a
// no-op.
func (self *Store) onComets(comet *Comet) {
	if comet.Room != self.namespace {
		glog.V(2).Infof("[store]%s is not %s\n", comet.Room, self.namespace)
		return
	}
	switch comet.Verb {
	case VerbRefresh:
		page := DefaultResultTransformer(comet.Data)
		self.mutateMany(page)
		self.notify(VerbRefresh, page.Data)
	case VerbUpdate:
		if _, ok := self.Find(comet.Data["id"], "id"); ok {
			self.Patch(comet.Data)
		}
	case VerbCreate:
		if self.canAdd(comet.Data) {
			self.Add(comet.Data)
		}
	case VerbDestroy:
		if _, ok := self.Find(comet.Data["id"], "id"); ok {
			self.Remove(comet.Data)
		}
	}
}

// canAdd checks the event payload against the store's filter params
// field by field. A created record outside the filtered view does not
// apply.
func (self *Store) canAdd(data Params) bool {
	for key, value := range self.params {
		if !looseEqual(value, data[key]) {
			return false
		}
	}
	return true
}

func looseEqual(a any, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return normalId(a) == normalId(b)
}

func pagesFor(recordCount int, limit int) int {
	if recordCount == 0 || limit == 0 {
		return 0
	}
	return (recordCount + limit - 1) / limit
}
