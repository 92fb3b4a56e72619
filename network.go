package comet

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/glog"
)

// NetworkMonitor reflects environment-reported connectivity. It makes no
// network calls and does not verify reachability: the embedding
// application feeds transitions through `SetOnline`, typically bridged
// from whatever connectivity signal the runtime offers. Without a feed
// the monitor is inert and reports the restored state.

const networkStateKey = "NetworkState"

// NetworkStateStore persists the last known online state across reloads.
type NetworkStateStore interface {
	Save(online bool)
	// Restore returns the saved state and whether any state was present.
	Restore() (bool, bool)
}

// FileNetworkStateStore keeps the state in a single file under dir.
type FileNetworkStateStore struct {
	dir string
}

func NewFileNetworkStateStore(dir string) *FileNetworkStateStore {
	return &FileNetworkStateStore{
		dir: dir,
	}
}

func (self *FileNetworkStateStore) statePath() string {
	return filepath.Join(self.dir, networkStateKey)
}

func (self *FileNetworkStateStore) Save(online bool) {
	state := "false"
	if online {
		state = "true"
	}
	if err := os.WriteFile(self.statePath(), []byte(state), 0600); err != nil {
		glog.Infof("[net]state save error = %s\n", err)
	}
}

func (self *FileNetworkStateStore) Restore() (bool, bool) {
	state, err := os.ReadFile(self.statePath())
	if err != nil {
		return false, false
	}
	return string(state) == "true", true
}

// NoNetworkStateStore is for environments without session storage.
type NoNetworkStateStore struct{}

func (self *NoNetworkStateStore) Save(online bool) {
}

func (self *NoNetworkStateStore) Restore() (bool, bool) {
	return false, false
}

type NetworkMonitorSettings struct {
	StateStore NetworkStateStore
	// Refresh performs a hard reload once connectivity returns after
	// `QueueRefresh`. Default no-op.
	Refresh func()
	// DefaultOnline is reported when the store has no saved state.
	DefaultOnline bool
}

func DefaultNetworkMonitorSettings() *NetworkMonitorSettings {
	settings := &NetworkMonitorSettings{
		Refresh: func() {},
	}
	if cacheDir, err := os.UserCacheDir(); err == nil {
		settings.StateStore = NewFileNetworkStateStore(cacheDir)
	} else {
		settings.StateStore = &NoNetworkStateStore{}
	}
	return settings
}

type NetworkMonitor struct {
	settings *NetworkMonitorSettings

	stateLock     sync.Mutex
	online        bool
	refreshQueued bool

	statusCallbacks *CallbackList[func(online bool)]
}

func NewNetworkMonitorWithDefaults() *NetworkMonitor {
	return NewNetworkMonitor(DefaultNetworkMonitorSettings())
}

func NewNetworkMonitor(settings *NetworkMonitorSettings) *NetworkMonitor {
	online := settings.DefaultOnline
	if restored, ok := settings.StateStore.Restore(); ok {
		online = restored
	}
	return &NetworkMonitor{
		settings:        settings,
		online:          online,
		statusCallbacks: NewCallbackList[func(online bool)](),
	}
}

func (self *NetworkMonitor) IsOnline() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.online
}

// QueueRefresh marks that the next transition to online should trigger a
// full reload instead of a soft resync. The flag is consumed on that
// transition.
func (self *NetworkMonitor) QueueRefresh() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.refreshQueued = true
}

func (self *NetworkMonitor) AddStatusCallback(statusCallback func(online bool)) func() {
	callbackId := self.statusCallbacks.Add(statusCallback)
	return func() {
		self.statusCallbacks.Remove(callbackId)
	}
}

// SetOnline feeds one connectivity transition from the runtime
// environment. Listeners are invoked on every transition, except that a
// queued refresh replaces listener notification on the online edge.
func (self *NetworkMonitor) SetOnline(online bool) {
	refresh := false
	self.stateLock.Lock()
	self.online = online
	if online && self.refreshQueued {
		self.refreshQueued = false
		refresh = true
	}
	self.stateLock.Unlock()

	self.settings.StateStore.Save(online)
	if online {
		glog.V(2).Infof("[net]online\n")
	} else {
		glog.V(2).Infof("[net]offline\n")
	}

	if refresh {
		self.settings.Refresh()
		return
	}
	for _, statusCallback := range self.statusCallbacks.Get() {
		statusCallback(online)
	}
}
