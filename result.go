package comet

import (
	"sync"

	"golang.org/x/exp/slices"
)

const DefaultLimit = 25

// Result is the authoritative local view of one resource query. One
// record is shared by every caller using the same memo key and lives for
// the process lifetime. It is mutated exclusively by the store engine;
// watchers are notified on every assignment.
type Result struct {
	stateLock sync.Mutex

	data        []Params
	recordCount int
	pages       int
	page        int
	limit       int
	loading     bool
	err         string
	synced      bool

	watchers *CallbackList[func(snapshot *ResultSnapshot)]
}

// ResultSnapshot is a consistent copy of the result record.
type ResultSnapshot struct {
	Data        []Params
	RecordCount int
	Pages       int
	Page        int
	Limit       int
	Loading     bool
	Error       string
}

func newResult(limit int) *Result {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Result{
		data:     []Params{},
		page:     1,
		limit:    limit,
		watchers: NewCallbackList[func(snapshot *ResultSnapshot)](),
	}
}

func (self *Result) Snapshot() *ResultSnapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.snapshot()
}

// callers hold stateLock
func (self *Result) snapshot() *ResultSnapshot {
	return &ResultSnapshot{
		Data:        slices.Clone(self.data),
		RecordCount: self.recordCount,
		Pages:       self.pages,
		Page:        self.page,
		Limit:       self.limit,
		Loading:     self.loading,
		Error:       self.err,
	}
}

func (self *Result) Data() []Params {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.data)
}

func (self *Result) RecordCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.recordCount
}

func (self *Result) Pages() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.pages
}

func (self *Result) Page() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.page
}

func (self *Result) Limit() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.limit
}

func (self *Result) Loading() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.loading
}

func (self *Result) Error() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.err
}

// Synced reports whether the record has ever received an authoritative
// page.
func (self *Result) Synced() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.synced
}

// Watch observes every assignment to the record. Returns the
// unsubscribe func.
func (self *Result) Watch(watcher func(snapshot *ResultSnapshot)) func() {
	callbackId := self.watchers.Add(watcher)
	return func() {
		self.watchers.Remove(callbackId)
	}
}

// mutate runs one assignment under the record lock, then notifies
// watchers with the resulting snapshot. mutateFn must touch fields
// directly and never call the locking getters.
func (self *Result) mutate(mutateFn func()) {
	self.stateLock.Lock()
	mutateFn()
	snapshot := self.snapshot()
	self.stateLock.Unlock()

	for _, watcher := range self.watchers.Get() {
		watcher(snapshot)
	}
}

func (self *Result) setLoading(loading bool) {
	self.mutate(func() {
		self.loading = loading
	})
}
