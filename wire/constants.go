package wire

import "time"

// ConnectionRole represents our role in a specific connection
type ConnectionRole string

const (
	RoleCentral    ConnectionRole = "central"    // We initiated connection
	RolePeripheral ConnectionRole = "peripheral" // They initiated connection
)

const (
	// DefaultMTU is the ATT MTU before an exchange (BLE 4.0: 23 bytes)
	DefaultMTU = 23
	// MaxMTU is the largest MTU either side offers
	MaxMTU = 512

	// Connection establishment takes time in real BLE
	MinConnectionDelay = 5 * time.Millisecond
	MaxConnectionDelay = 30 * time.Millisecond

	// handshakeTimeout bounds reading the central's address after accept
	handshakeTimeout = 5 * time.Second
)
