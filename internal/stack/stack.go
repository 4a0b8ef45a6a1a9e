package stack

import (
	"github.com/lorawan-node/lorawan-node-agent/internal/radio"
	"github.com/lorawan-node/lorawan-node-agent/pkg/lorawan"
)

// Status MAC层请求的返回码
type Status int

const (
	StatusOK Status = iota
	StatusBusy
	StatusServiceUnknown
	StatusParameterInvalid
	StatusNoNetworkJoined
	StatusLengthError
	StatusDutyCycleRestricted
	StatusDeviceOff
)

// String returns the status name
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBusy:
		return "BUSY"
	case StatusServiceUnknown:
		return "SERVICE_UNKNOWN"
	case StatusParameterInvalid:
		return "PARAMETER_INVALID"
	case StatusNoNetworkJoined:
		return "NO_NETWORK_JOINED"
	case StatusLengthError:
		return "LENGTH_ERROR"
	case StatusDutyCycleRestricted:
		return "DUTYCYCLE_RESTRICTED"
	case StatusDeviceOff:
		return "DEVICE_OFF"
	default:
		return "UNKNOWN"
	}
}

// EventInfoStatus confirm/indication携带的事件结果
type EventInfoStatus int

const (
	EventStatusOK EventInfoStatus = iota
	EventStatusError
	EventStatusTxTimeout
	EventStatusRx1Timeout
	EventStatusRx2Timeout
	EventStatusRxError
	EventStatusJoinFail
	EventStatusDownlinkRepeated
	EventStatusTxDRPayloadSizeError
	EventStatusAddressFail
	EventStatusMICFail
)

// McpsType MCPS服务类型
type McpsType int

const (
	McpsUnconfirmed McpsType = iota
	McpsConfirmed
	McpsMulticast
	McpsProprietary
)

// MlmeType MLME服务类型
type MlmeType int

const (
	MlmeJoin MlmeType = iota
	MlmeLinkCheck
	MlmeScheduleUplink
)

// McpsRequest 上行数据请求
type McpsRequest struct {
	Type     McpsType
	Port     uint8
	Buffer   []byte
	DataRate uint8
	NbTrials uint8
}

// McpsConfirm 上行数据请求的结果
type McpsConfirm struct {
	Type          McpsType
	Status        EventInfoStatus
	Datarate      uint8
	UpLinkCounter uint32
	AckReceived   bool
}

// McpsIndication 下行数据指示
type McpsIndication struct {
	Type            McpsType
	Status          EventInfoStatus
	Port            uint8
	Buffer          []byte
	RxData          bool
	RSSI            int16
	SNR             int8
	RxDatarate      uint8
	FramePending    bool
	AckReceived     bool
	Multicast       bool
	DownLinkCounter uint32
}

// JoinParams OTAA入网参数
type JoinParams struct {
	DevEUI   lorawan.EUI64
	JoinEUI  lorawan.EUI64
	AppKey   lorawan.AES128Key
	DataRate uint8
}

// MlmeRequest MAC管理请求
type MlmeRequest struct {
	Type MlmeType
	Join JoinParams
}

// MlmeConfirm MAC管理请求的结果
type MlmeConfirm struct {
	Type        MlmeType
	Status      EventInfoStatus
	DemodMargin uint8
	NbGateways  uint8
}

// MlmeIndication MAC层主动上报
type MlmeIndication struct {
	Type   MlmeType
	Status EventInfoStatus
}

// DeviceClass LoRaWAN设备类型
type DeviceClass uint8

const (
	ClassA DeviceClass = iota
	ClassB
	ClassC
)

// Mib identifies a MAC information base parameter.
type Mib int

const (
	MibDeviceClass Mib = iota
	MibNetworkJoined
	MibDevAddr
	MibNetID
	MibNwkSKey
	MibAppSKey
	MibPublicNetwork
	MibAdr
	MibChannelsDatarate
	MibChannelsTxPower
	MibRx2Channel
	MibUplinkCounter
	MibDownlinkCounter
)

// Rx2Params RX2窗口参数
type Rx2Params struct {
	Frequency uint32
	Datarate  uint8
}

// MibValue holds the value for a MIB get/set. Only the field matching the
// requested parameter is meaningful.
type MibValue struct {
	Class   DeviceClass
	Joined  bool
	DevAddr lorawan.DevAddr
	NetID   [3]byte
	Key     lorawan.AES128Key
	Bool    bool
	Uint8   uint8
	Uint32  uint32
	Rx2     Rx2Params
}

// MibRequest MIB读写请求
type MibRequest struct {
	Type  Mib
	Value MibValue
}

// TxInfo reports payload size limits for the current datarate.
type TxInfo struct {
	MaxPossiblePayload int
	CurrentPayloadSize int
}

// Callbacks are the primitives the MAC layer invokes to notify the caller.
// 回调在MAC内部上下文触发,Defer用于把后续处理投递回事件循环。
type Callbacks struct {
	McpsConfirm    func(*McpsConfirm)
	McpsIndication func(*McpsIndication)
	MlmeConfirm    func(*MlmeConfirm)
	MlmeIndication func(*MlmeIndication)

	// Defer schedules fn onto the MAC event loop.
	Defer func(fn func())
}

// Stack is the LoRaWAN MAC layer interface.
type Stack interface {
	// Init registers radio event handlers and notification callbacks.
	Init(events *radio.Events, cb Callbacks, region *lorawan.RegionConfiguration) error

	// McpsRequest requests an uplink data transmission.
	McpsRequest(req *McpsRequest) Status

	// MlmeRequest requests a MAC management service.
	MlmeRequest(req *MlmeRequest) Status

	// MibGet reads a MAC information base parameter.
	MibGet(req *MibRequest) Status

	// MibSet writes a MAC information base parameter.
	MibSet(req *MibRequest) Status

	// QueryTxPossible checks whether a payload of the given size fits the
	// current datarate, taking pending MAC commands into account.
	QueryTxPossible(size int, txInfo *TxInfo) Status
}
