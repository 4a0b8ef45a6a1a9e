package mac

// Result 返回给应用层的操作结果码
type Result int

const (
	JoinSucceeded Result = iota
	JoinFailed
	NotJoined
	Busy
	TxScheduled
	TxDone
	TxConfirmFailed
	DataReceived
	Restricted
)

// String returns the result name
func (r Result) String() string {
	switch r {
	case JoinSucceeded:
		return "JOIN_SUCCEEDED"
	case JoinFailed:
		return "JOIN_FAILED"
	case NotJoined:
		return "NOT_JOINED"
	case Busy:
		return "BUSY"
	case TxScheduled:
		return "TX_SCHEDULED"
	case TxDone:
		return "TX_DONE"
	case TxConfirmFailed:
		return "TX_CNF_FAILED"
	case DataReceived:
		return "DATA_RECEIVED"
	case Restricted:
		return "RESTRICTED"
	default:
		return "UNKNOWN"
	}
}

// JoinType 入网方式
type JoinType int

const (
	JoinTypeOTAA JoinType = iota
	JoinTypeABP
)

// TxMode 上行确认模式
type TxMode int

const (
	TxUnconfirmed TxMode = iota
	TxConfirmed
)

// RxData 最近一次下行数据及链路指标
type RxData struct {
	Payload   []byte
	Port      uint8
	RSSI      int16
	SNR       int8
	Datarate  uint8
	Ack       bool
	Multicast bool
}

// LinkCheckInfo 链路检查结果缓存,发送前查询
type LinkCheckInfo struct {
	Available   bool
	DemodMargin uint8
	NbGateways  uint8
}

// eventQueueSize bounds the engine's inbound queue. Posts from interrupt
// context never block; overflow drops the event.
const eventQueueSize = 16

type eventKind int

const (
	evtRadioIRQ eventKind = iota
	evtTxTimeout
	evtRxTimeout
	evtTimer
	evtCommand
	evtJoinDone
	evtLinkCheck
	evtTxDone
	evtTxConfirmFailed
	evtRxData
	evtScheduleUplink
)

func (k eventKind) String() string {
	switch k {
	case evtRadioIRQ:
		return "RADIO_IRQ"
	case evtTxTimeout:
		return "TX_TIMEOUT"
	case evtRxTimeout:
		return "RX_TIMEOUT"
	case evtTimer:
		return "TIMER"
	case evtCommand:
		return "COMMAND"
	case evtJoinDone:
		return "JOIN_DONE"
	case evtLinkCheck:
		return "LINK_CHECK"
	case evtTxDone:
		return "TX_DONE"
	case evtTxConfirmFailed:
		return "TX_CNF_FAILED"
	case evtRxData:
		return "RX_DATA"
	case evtScheduleUplink:
		return "SCHEDULE_UPLINK"
	default:
		return "UNKNOWN"
	}
}

// event is a tagged message consumed by the engine loop. Only the fields
// matching the kind are set.
type event struct {
	kind eventKind

	// evtTimer
	fn func()

	// evtCommand
	cmd  command
	done chan struct{}

	// evtJoinDone
	result Result

	// evtLinkCheck
	margin   uint8
	gateways uint8

	// evtRxData
	rx RxData
}
