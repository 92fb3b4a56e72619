package comet

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEventSlotsIdentity(t *testing.T) {
	events := NewEventSlots()

	a := events.Slot("loading")
	b := events.Slot("loading")
	assert.Equal(t, a == b, true)
	assert.Equal(t, a.Name(), "loading")

	c := events.Slot("message")
	assert.Equal(t, a == c, false)
}

func TestEventSlotAssignments(t *testing.T) {
	events := NewEventSlots()
	slot := events.Slot("message")

	assert.Equal(t, slot.Value() == nil, true)
	assert.Equal(t, slot.Error(), "")

	slot.SetValue("saved")
	assert.Equal(t, slot.Value(), "saved")
	assert.Equal(t, slot.Is("saved"), true)
	assert.Equal(t, slot.Is("other"), false)

	// an error replaces the value
	slot.SetError("failed")
	assert.Equal(t, slot.Value() == nil, true)
	assert.Equal(t, slot.Error(), "failed")

	// a value replaces the error
	slot.SetValue(true)
	assert.Equal(t, slot.Value(), true)
	assert.Equal(t, slot.Error(), "")

	slot.Clear()
	assert.Equal(t, slot.Value() == nil, true)
	assert.Equal(t, slot.Error(), "")
}

func TestEventSlotWatch(t *testing.T) {
	events := NewEventSlots()
	slot := events.Slot("loading")

	values := []any{}
	errs := []string{}
	unsub := slot.Watch(func(value any, err string) {
		values = append(values, value)
		errs = append(errs, err)
	})

	slot.SetValue(true)
	slot.SetError("offline")
	assert.Equal(t, values, []any{true, nil})
	assert.Equal(t, errs, []string{"", "offline"})

	unsub()
	slot.SetValue(false)
	assert.Equal(t, len(values), 2)
}
