// Package settings persists the relay's user settings as a protojson
// encoded google.protobuf.Struct.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/ancsrelay/logger"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	KeyDeviceAddress = "device_address"
	KeyDeviceName    = "device_name"
	KeyServerEnabled = "server_enabled"
)

// Store holds settings in memory and writes every change through to disk
type Store struct {
	path string

	mu       sync.Mutex
	values   *structpb.Struct
	watchers map[chan string]struct{}
}

// Open loads the settings at path. A missing file is an empty store.
func Open(path string) (*Store, error) {
	s := &Store{
		path:     path,
		values:   &structpb.Struct{Fields: map[string]*structpb.Value{}},
		watchers: make(map[chan string]struct{}),
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	if err := protojson.Unmarshal(data, s.values); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	if s.values.Fields == nil {
		s.values.Fields = map[string]*structpb.Value{}
	}
	logger.DebugJSON("settings", "loaded", s.values)
	return s, nil
}

// String returns the string setting key, or "" if unset
func (s *Store) String(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values.Fields[key].GetStringValue()
}

// Bool returns the bool setting key, or def if unset
func (s *Store) Bool(key string, def bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values.Fields[key]
	if !ok {
		return def
	}
	return v.GetBoolValue()
}

// Set stores v under key; v must be a type structpb.NewValue accepts
func (s *Store) Set(key string, v interface{}) error {
	val, err := structpb.NewValue(v)
	if err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values.Fields[key] = val
	return s.saveLocked()
}

// DeviceAddress returns the address of the configured phone
func (s *Store) DeviceAddress() string {
	return s.String(KeyDeviceAddress)
}

// SetDeviceAddress records the configured phone and notifies watchers if
// it changed.
func (s *Store) SetDeviceAddress(addr, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.values.Fields[KeyDeviceAddress].GetStringValue()
	s.values.Fields[KeyDeviceAddress] = structpb.NewStringValue(addr)
	s.values.Fields[KeyDeviceName] = structpb.NewStringValue(name)
	if err := s.saveLocked(); err != nil {
		return err
	}
	if prev != addr {
		logger.Info("settings", "device changed: %q -> %q", prev, addr)
		s.notifyLocked(addr)
	}
	return nil
}

// Forget drops the configured phone
func (s *Store) Forget() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, had := s.values.Fields[KeyDeviceAddress]
	delete(s.values.Fields, KeyDeviceAddress)
	delete(s.values.Fields, KeyDeviceName)
	if err := s.saveLocked(); err != nil {
		return err
	}
	if had {
		s.notifyLocked("")
	}
	return nil
}

// Watch returns a channel carrying the latest device address after each
// change. Slow readers only see the newest value. Call the returned func
// to stop watching.
func (s *Store) Watch() (<-chan string, func()) {
	c := make(chan string, 1)
	s.mu.Lock()
	s.watchers[c] = struct{}{}
	s.mu.Unlock()
	return c, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, c)
	}
}

func (s *Store) notifyLocked(addr string) {
	for c := range s.watchers {
		select {
		case <-c:
		default:
		}
		c <- addr
	}
}

func (s *Store) saveLocked() error {
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s.values)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}
