package gatt

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// CCCD values written by clients to enable/disable notifications and indications
const (
	CCCDNotificationsDisabled = 0x0000
	CCCDNotificationsEnabled  = 0x0001
	CCCDIndicationsEnabled    = 0x0002
)

// Subscriptions is one connection's CCCD state. Values are never shared
// across connections and vanish with the connection.
type Subscriptions struct {
	mu      sync.RWMutex
	enabled map[uuid.UUID]bool
}

// NewSubscriptions creates an empty subscription table
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{enabled: make(map[uuid.UUID]bool)}
}

// Set records the notification flag for a characteristic
func (s *Subscriptions) Set(char uuid.UUID, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enabled {
		s.enabled[char] = true
	} else {
		delete(s.enabled, char)
	}
}

// Enabled reports whether notifications are on for a characteristic
func (s *Subscriptions) Enabled(char uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled[char]
}

// Count returns the number of characteristics with notifications on
func (s *Subscriptions) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.enabled)
}

// Clear drops every subscription
func (s *Subscriptions) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = make(map[uuid.UUID]bool)
}

// EncodeCCCDValue builds the 2-byte little-endian descriptor value
func EncodeCCCDValue(notify, indicate bool) []byte {
	var v uint16
	if notify {
		v |= CCCDNotificationsEnabled
	}
	if indicate {
		v |= CCCDIndicationsEnabled
	}
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, v)
	return buf
}

// DecodeCCCDValue parses a 2-byte descriptor value
func DecodeCCCDValue(value []byte) (notify, indicate bool, err error) {
	if len(value) != 2 {
		return false, false, fmt.Errorf("gatt: invalid CCCD length %d", len(value))
	}
	v := binary.LittleEndian.Uint16(value)
	return v&CCCDNotificationsEnabled != 0, v&CCCDIndicationsEnabled != 0, nil
}
