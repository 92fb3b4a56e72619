// Package comet keeps a local, paginated, mutable copy of a server
// resource collection in sync with a backend over HTTP and an optional
// realtime event channel. The server is the source of truth; the client
// applies optimistic deltas and reconciles against authoritative pushes.
//
// The main entry points are:
//   - `TransportRegistry` for per-context request configuration
//   - `Stores.Use` for a memoized resource store
//   - `NetworkMonitor` for environment-reported connectivity
package comet

import (
	"encoding/json"
	"strconv"
)

// Params is the schemaless record and argument shape used across the
// transport and store layers. Records carry their identity in the "id"
// field. Ids may arrive as string or number depending on the codec.
type Params = map[string]any

type Verb string

const (
	VerbRefresh Verb = "refresh"
	VerbCreate  Verb = "create"
	VerbUpdate  Verb = "update"
	VerbDestroy Verb = "destroy"
)

// Comet is a server-pushed mutation notice. `Room` is the logical
// broadcast channel. A store applies a comet only when the room equals
// its subscribed namespace.
type Comet struct {
	Verb Verb   `json:"verb"`
	Room string `json:"room"`
	Data Params `json:"data"`
}

// StoreListener receives comets for one room. Listeners are deduplicated
// by `ListenerId`, so re-registering the same listener is a no-op.
type StoreListener struct {
	Store      string
	ListenerId string
	OnComets   func(comet *Comet)
}

// Response is the uniform outcome of every transport call.
// Exactly one of `Error` or `Body` is meaningful. `Status` is always set.
// Network-path failures are returned as data, never as a Go error.
type Response struct {
	Error   string
	Status  int
	Message string
	Body    Params
}

func (self *Response) Ok() bool {
	return self.Error == ""
}

// Data returns the `data` record of the response body, if present.
func (self *Response) Data() Params {
	if self.Body == nil {
		return nil
	}
	if data, ok := self.Body["data"].(map[string]any); ok {
		return data
	}
	return nil
}

// ResultPage is one authoritative page of server results, the input to
// the store merge.
type ResultPage struct {
	Data        []Params
	RecordCount int
	Page        int
	Pages       int
	Limit       int
}

// ResultTransformer shapes a raw response body into a `ResultPage`.
// Pure function supplied by the integrating application.
type ResultTransformer = func(body Params) *ResultPage

// QueryTransformer rewrites the outgoing query before it is serialized.
// Pure function supplied by the integrating application.
type QueryTransformer = func(query Params) Params

// DefaultResultTransformer reads the canonical field names.
func DefaultResultTransformer(body Params) *ResultPage {
	return &ResultPage{
		Data:        paramsList(body["data"]),
		RecordCount: paramsInt(body["recordCount"]),
		Page:        paramsInt(body["page"]),
		Pages:       paramsInt(body["pages"]),
		Limit:       paramsInt(body["limit"]),
	}
}

func DefaultQueryTransformer(query Params) Params {
	return query
}

func paramsInt(value any) int {
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

func paramsList(value any) []Params {
	switch v := value.(type) {
	case []Params:
		return v
	case []any:
		records := make([]Params, 0, len(v))
		for _, item := range v {
			if record, ok := item.(map[string]any); ok {
				records = append(records, record)
			}
		}
		return records
	}
	return nil
}
