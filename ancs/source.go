package ancs

import "sync"

// MemorySource is a Source backed by a map, for feeds that push their
// notifications in.
type MemorySource struct {
	mu     sync.RWMutex
	active bool
	items  map[string]ExternalNotification
}

// NewMemorySource creates an active, empty source
func NewMemorySource() *MemorySource {
	return &MemorySource{active: true, items: make(map[string]ExternalNotification)}
}

func (s *MemorySource) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SetActive marks the upstream feed as connected or not
func (s *MemorySource) SetActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = active
}

func (s *MemorySource) Lookup(key string) (ExternalNotification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.items[key]
	return n, ok
}

// Put stores n under its key
func (s *MemorySource) Put(n ExternalNotification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[n.Key] = n
}

// Delete forgets key and returns what was stored
func (s *MemorySource) Delete(key string) (ExternalNotification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items[key]
	delete(s.items, key)
	return n, ok
}

// StaticApps is an AppRegistry over a fixed table
type StaticApps map[string]string

func (a StaticApps) AppName(appID string) (string, error) {
	if name, ok := a[appID]; ok {
		return name, nil
	}
	return "", &UnknownAppError{AppID: appID}
}

// UnknownAppError is returned for app identifiers a registry cannot resolve
type UnknownAppError struct {
	AppID string
}

func (e *UnknownAppError) Error() string {
	return "ancs: unknown app " + e.AppID
}
