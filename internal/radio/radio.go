package radio

// Event 射频硬件事件,由ProcessIRQ同步派发
type Event int

const (
	EventTxComplete Event = iota
	EventRxComplete
	EventTxTimeout
	EventRxTimeout
	EventCRCError
	EventCADDone
	EventCADDetected
	EventFhssChangeChannel
	EventValidHeader
)

// String returns the event name
func (e Event) String() string {
	switch e {
	case EventTxComplete:
		return "TX_COMPLETE"
	case EventRxComplete:
		return "RX_COMPLETE"
	case EventTxTimeout:
		return "TX_TIMEOUT"
	case EventRxTimeout:
		return "RX_TIMEOUT"
	case EventCRCError:
		return "CRC_ERROR"
	case EventCADDone:
		return "CAD_DONE"
	case EventCADDetected:
		return "CAD_DETECTED"
	case EventFhssChangeChannel:
		return "FHSS_CHANGE_CHANNEL"
	case EventValidHeader:
		return "VALID_HEADER"
	default:
		return "UNKNOWN"
	}
}

// PacketInfo 接收帧的链路质量
type PacketInfo struct {
	RSSI int16
	SNR  int8
}

// Events holds the callbacks the MAC layer registers with the radio.
// 射频事件回调,全部在MAC事件循环内同步调用。
type Events struct {
	TxDone    func()
	TxTimeout func()
	RxDone    func(payload []byte, rssi int16, snr int8)
	RxTimeout func()
	RxError   func()
	CadDone   func(detected bool)

	// FhssChangeChannel 跳频切换信道,参数为新信道号
	FhssChangeChannel func(channel uint8)
}

// Driver is the transceiver abstraction.
//
// SetIRQHandler registers the interrupt notification. The handler may be
// invoked from any goroutine and must not block; it only signals that
// ProcessIRQ should run. ProcessIRQ must be called from a single goroutine
// and dispatches the pending hardware events synchronously through the
// callback registered with SetEventCallback.
type Driver interface {
	// SetIRQHandler 注册中断通知,handler不可阻塞
	SetIRQHandler(fn func())

	// SetEventCallback registers the synchronous event dispatch target.
	SetEventCallback(cb func(Event))

	// ProcessIRQ drains pending hardware events.
	ProcessIRQ()

	// Transmit sends a raw frame over the air.
	Transmit(data []byte) error

	// FrameLength returns the size of the frame pending in the RX buffer.
	FrameLength() int

	// ReadFrame copies the pending frame into buf and returns link quality.
	ReadFrame(buf []byte) (PacketInfo, error)

	// Sleep puts the transceiver into sleep mode.
	Sleep()

	// Standby puts the transceiver into standby mode.
	Standby()

	// LastCADDetected reports the channel activity result of the last CAD.
	LastCADDetected() bool

	// LastChannel returns the channel of the most recent frequency hop.
	LastChannel() uint8
}
