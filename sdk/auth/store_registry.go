package auth

import (
	"sync"
)

var (
	storeMu         sync.RWMutex
	registeredStore TokenStore
	defaultDir      string
)

// RegisterTokenStore sets the process-wide token store.
func RegisterTokenStore(store TokenStore) {
	storeMu.Lock()
	registeredStore = store
	storeMu.Unlock()
}

// SetDefaultStoreDir sets the directory of the file store created by GetTokenStore
// when nothing was registered.
func SetDefaultStoreDir(dir string) {
	storeMu.Lock()
	defaultDir = dir
	storeMu.Unlock()
}

// GetTokenStore returns the registered token store, creating a file store on first use.
func GetTokenStore() TokenStore {
	storeMu.RLock()
	s := registeredStore
	storeMu.RUnlock()
	if s != nil {
		return s
	}
	storeMu.Lock()
	defer storeMu.Unlock()
	if registeredStore == nil {
		registeredStore = NewFileTokenStore(defaultDir)
	}
	return registeredStore
}
