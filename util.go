package comet

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// makes a copy of the list on update so that `Get` never races a mutation
type CallbackList[T any] struct {
	mutex       sync.Mutex
	nextId      int
	callbackIds []int
	callbacks   map[int]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbackIds: []int{},
		callbacks:   map[int]T{},
	}
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	nextCallbackIds := slices.Clone(self.callbackIds)
	self.callbackIds = append(nextCallbackIds, callbackId)
	self.callbacks[callbackId] = callback
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.callbackIds, callbackId)
	if i < 0 {
		// not present
		return
	}
	self.callbackIds = slices.Delete(slices.Clone(self.callbackIds), i, i+1)
	delete(self.callbacks, callbackId)
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

// MakeName humanizes a resource name for user-facing status messages,
// e.g. "widget_tag" -> "Widget Tag".
func MakeName(str string) string {
	if i := strings.IndexByte(str, '_'); 0 <= i {
		parts := strings.Split(str, "_")
		names := make([]string, 0, len(parts))
		for _, part := range parts {
			names = append(names, MakeName(part))
		}
		return strings.Join(names, " ")
	}
	if str == "id" {
		return strings.ToUpper(str)
	}
	if str == "" {
		return str
	}
	return strings.ToUpper(str[0:1]) + str[1:]
}

// ids may arrive as string or number depending on the transport codec.
// compare the normalized string forms of both sides
func idEqual(a any, b any) bool {
	if a == nil || b == nil {
		return false
	}
	return normalId(a) == normalId(b)
}

func normalId(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		// json numbers decode as float64. integral ids must not pick up
		// a fraction part in the normal form
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// canonicalParams serializes params with sorted keys so that two
// semantically equal param sets always produce the same string.
func canonicalParams(params Params) string {
	keys := maps.Keys(params)
	slices.Sort(keys)
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%v", key, params[key]))
	}
	return strings.Join(pairs, "&")
}
