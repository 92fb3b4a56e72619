package comet

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()

	aId := callbacks.Add(func() int { return 1 })
	bId := callbacks.Add(func() int { return 2 })
	cId := callbacks.Add(func() int { return 3 })

	values := []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, values, []int{1, 2, 3})

	callbacks.Remove(bId)
	values = []int{}
	for _, callback := range callbacks.Get() {
		values = append(values, callback())
	}
	assert.Equal(t, values, []int{1, 3})

	// removing an id twice is a no-op
	callbacks.Remove(bId)
	assert.Equal(t, len(callbacks.Get()), 2)

	callbacks.Remove(aId)
	callbacks.Remove(cId)
	assert.Equal(t, len(callbacks.Get()), 0)
}

func TestMakeName(t *testing.T) {
	assert.Equal(t, MakeName("widget"), "Widget")
	assert.Equal(t, MakeName("widget_tag"), "Widget Tag")
	assert.Equal(t, MakeName("id"), "ID")
	assert.Equal(t, MakeName("user_id"), "User ID")
	assert.Equal(t, MakeName(""), "")
}

func TestIdEqual(t *testing.T) {
	assert.Equal(t, idEqual("7", float64(7)), true)
	assert.Equal(t, idEqual(7, "7"), true)
	assert.Equal(t, idEqual(float64(7), int64(7)), true)
	assert.Equal(t, idEqual(7.5, "7.5"), true)
	assert.Equal(t, idEqual("a", "b"), false)
	assert.Equal(t, idEqual(nil, "7"), false)
	assert.Equal(t, idEqual("7", nil), false)
}

func TestCanonicalParams(t *testing.T) {
	a := canonicalParams(Params{
		"b": 2,
		"a": "x",
		"c": true,
	})
	b := canonicalParams(Params{
		"c": true,
		"a": "x",
		"b": 2,
	})
	assert.Equal(t, a, b)
	assert.Equal(t, a, "a=x&b=2&c=true")

	assert.Equal(t, canonicalParams(Params{}), "")
}
