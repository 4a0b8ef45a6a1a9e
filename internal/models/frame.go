package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-node/lorawan-node-agent/pkg/lorawan"
)

// UplinkFrame represents an uplink transmitted by the node
type UplinkFrame struct {
	ID      uuid.UUID       `json:"id" db:"id"`
	DevEUI  lorawan.EUI64   `json:"devEUI" db:"dev_eui"`
	DevAddr lorawan.DevAddr `json:"devAddr" db:"dev_addr"`

	FCnt      uint32 `json:"fCnt" db:"f_cnt"`
	FPort     uint8  `json:"fPort" db:"f_port"`
	Data      []byte `json:"data,omitempty" db:"data"`
	Confirmed bool   `json:"confirmed" db:"confirmed"`
	DR        uint8  `json:"dr" db:"dr"`

	// Flushed marks an empty frame sent only to carry MAC commands
	Flushed bool `json:"flushed" db:"flushed"`

	SentAt time.Time `json:"sentAt" db:"sent_at"`
}

// DownlinkFrame represents a downlink received by the node
type DownlinkFrame struct {
	ID      uuid.UUID       `json:"id" db:"id"`
	DevEUI  lorawan.EUI64   `json:"devEUI" db:"dev_eui"`
	DevAddr lorawan.DevAddr `json:"devAddr" db:"dev_addr"`

	FPort uint8  `json:"fPort" db:"f_port"`
	Data  []byte `json:"data,omitempty" db:"data"`
	Ack   bool   `json:"ack" db:"ack"`

	RSSI int16 `json:"rssi" db:"rssi"`
	SNR  int8  `json:"snr" db:"snr"`
	DR   uint8 `json:"dr" db:"dr"`

	ReceivedAt time.Time `json:"receivedAt" db:"received_at"`
}
