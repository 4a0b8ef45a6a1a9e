package lorawan

import (
	"time"
)

// DeviceSession holds the device-side state of an active session,
// established by a join-accept (OTAA) or provisioned directly (ABP).
// LoRaWAN 1.0.x uses a single network session key.
type DeviceSession struct {
	// Identifiers
	DevEUI  EUI64
	JoinEUI EUI64
	DevAddr DevAddr

	// Session keys
	NwkSKey AES128Key
	AppSKey AES128Key

	// Frame counters
	FCntUp   uint32
	FCntDown uint32

	// RX window parameters from the join-accept
	RX1Delay    uint8
	RX1DROffset uint8
	RX2DR       uint8
	RX2Freq     uint32

	// Uplink settings
	DR  uint8
	ADR bool

	JoinedAt time.Time
}

// Active reports whether the session carries a usable device address.
func (s *DeviceSession) Active() bool {
	return s.DevAddr != DevAddr{}
}
