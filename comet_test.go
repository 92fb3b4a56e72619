package comet

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestMonitor() *NetworkMonitor {
	return NewNetworkMonitor(&NetworkMonitorSettings{
		StateStore:    &NoNetworkStateStore{},
		Refresh:       func() {},
		DefaultOnline: true,
	})
}

func newTestRegistry(network *NetworkMonitor) (*TransportRegistry, *EventSlots) {
	events := NewEventSlots()
	registry := NewTransportRegistry(context.Background(), network, events)
	return registry, events
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timeout waiting for condition")
}

func TestDefaultResultTransformer(t *testing.T) {
	page := DefaultResultTransformer(Params{
		"data": []any{
			map[string]any{"id": float64(1)},
			map[string]any{"id": float64(2)},
		},
		"recordCount": float64(60),
		"page":        float64(2),
		"pages":       float64(3),
		"limit":       float64(25),
	})
	assert.Equal(t, len(page.Data), 2)
	assert.Equal(t, page.Data[1]["id"], float64(2))
	assert.Equal(t, page.RecordCount, 60)
	assert.Equal(t, page.Page, 2)
	assert.Equal(t, page.Pages, 3)
	assert.Equal(t, page.Limit, 25)

	empty := DefaultResultTransformer(Params{})
	assert.Equal(t, len(empty.Data), 0)
	assert.Equal(t, empty.RecordCount, 0)
}

func TestResponseData(t *testing.T) {
	response := &Response{
		Status: 200,
		Body: Params{
			"data": map[string]any{
				"id": float64(7),
			},
		},
	}
	assert.Equal(t, response.Ok(), true)
	assert.Equal(t, response.Data()["id"], float64(7))

	noData := &Response{Status: 200, Body: Params{}}
	assert.Equal(t, noData.Data() == nil, true)

	noBody := &Response{Error: "nope", Status: 500}
	assert.Equal(t, noBody.Ok(), false)
	assert.Equal(t, noBody.Data() == nil, true)
}

func TestPagesFor(t *testing.T) {
	assert.Equal(t, pagesFor(60, 25), 3)
	assert.Equal(t, pagesFor(50, 25), 2)
	assert.Equal(t, pagesFor(1, 25), 1)
	assert.Equal(t, pagesFor(0, 25), 0)
	assert.Equal(t, pagesFor(10, 0), 0)
}
