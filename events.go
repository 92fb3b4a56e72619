package comet

import (
	"reflect"
	"sync"
)

// EventSlots hands out a single mutable named slot per name, so unrelated
// components can observe the same value without explicit wiring. The
// transport sets the "loading" slot around requests and the UI layer can
// watch the same slot for a spinner.
type EventSlots struct {
	mutex sync.Mutex
	slots map[string]*EventSlot
}

func NewEventSlots() *EventSlots {
	return &EventSlots{
		slots: map[string]*EventSlot{},
	}
}

// Slot returns the slot registered under name, creating it on first use.
// Repeated calls with the same name return the identical slot.
func (self *EventSlots) Slot(name string) *EventSlot {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	slot, ok := self.slots[name]
	if !ok {
		slot = &EventSlot{
			name:     name,
			watchers: NewCallbackList[func(value any, err string)](),
		}
		self.slots[name] = slot
	}
	return slot
}

// EventSlot is a named (value, error) record. Assignment replaces the
// whole record, preserving only the name.
type EventSlot struct {
	name string

	stateLock sync.Mutex
	value     any
	err       string

	watchers *CallbackList[func(value any, err string)]
}

func (self *EventSlot) Name() string {
	return self.name
}

func (self *EventSlot) Value() any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.value
}

func (self *EventSlot) Error() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.err
}

func (self *EventSlot) SetValue(value any) {
	self.stateLock.Lock()
	self.value = value
	self.err = ""
	self.stateLock.Unlock()
	self.notify()
}

func (self *EventSlot) SetError(err string) {
	self.stateLock.Lock()
	self.value = nil
	self.err = err
	self.stateLock.Unlock()
	self.notify()
}

func (self *EventSlot) Clear() {
	self.stateLock.Lock()
	self.value = nil
	self.err = ""
	self.stateLock.Unlock()
	self.notify()
}

func (self *EventSlot) Is(value any) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return reflect.DeepEqual(self.value, value)
}

func (self *EventSlot) Watch(watcher func(value any, err string)) func() {
	callbackId := self.watchers.Add(watcher)
	return func() {
		self.watchers.Remove(callbackId)
	}
}

func (self *EventSlot) notify() {
	self.stateLock.Lock()
	value := self.value
	err := self.err
	self.stateLock.Unlock()

	for _, watcher := range self.watchers.Get() {
		watcher(value, err)
	}
}
