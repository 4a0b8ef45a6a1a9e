package mac

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/lorawan-node-agent/internal/radio"
	"github.com/lorawan-node/lorawan-node-agent/internal/stack"
	"github.com/lorawan-node/lorawan-node-agent/pkg/lorawan"
)

const (
	stateIdle int32 = iota
	stateBusy
)

// Default TX parameters applied by Start.
const (
	DefaultPort     uint8 = 2
	DefaultDatarate uint8 = 0
	DefaultRetries  uint8 = 5
)

// MAC bridges the radio driver and the LoRaWAN stack to application code.
// All protocol state transitions run on a single event loop goroutine; the
// public methods are safe to call from any goroutine.
//
// MAC持有唯一的事件队列,射频中断/定时器/协议回调都汇入该队列,
// 由事件循环单消费者顺序处理。
type MAC struct {
	driver radio.Driver
	stack  stack.Stack
	region *lorawan.RegionConfiguration

	events chan event
	done   chan struct{}
	wg     sync.WaitGroup

	state atomic.Int32

	mu     sync.Mutex
	caller chan Result

	// TX configuration
	port     uint8
	txMode   TxMode
	retries  uint8
	datarate uint8
	adr      bool
	public   bool
	class    stack.DeviceClass

	// Join credentials
	devEUI  lorawan.EUI64
	joinEUI lorawan.EUI64
	appKey  lorawan.AES128Key
	devAddr lorawan.DevAddr
	nwkSKey lorawan.AES128Key
	appSKey lorawan.AES128Key

	linkCheck LinkCheckInfo
	rxData    RxData

	radioEvents radio.Events

	dropped        atomic.Uint64
	flushedUplinks atomic.Uint64
}

// New creates a MAC bound to the given driver and stack. Call Start before
// any other operation.
func New(driver radio.Driver, st stack.Stack, region *lorawan.RegionConfiguration) *MAC {
	return &MAC{
		driver:   driver,
		stack:    st,
		region:   region,
		events:   make(chan event, eventQueueSize),
		done:     make(chan struct{}),
		port:     DefaultPort,
		txMode:   TxUnconfirmed,
		retries:  DefaultRetries,
		datarate: DefaultDatarate,
		public:   true,
	}
}

// Start wires the radio callbacks, initializes the stack and launches the
// event loop.
func (m *MAC) Start() error {
	m.driver.SetIRQHandler(func() {
		m.tryPost(event{kind: evtRadioIRQ})
	})
	m.driver.SetEventCallback(m.onRadioEvent)

	if err := m.stack.Init(&m.radioEvents, m.stackCallbacks(), m.region); err != nil {
		return fmt.Errorf("init MAC stack: %w", err)
	}

	m.mu.Lock()
	m.applyDefaultsLocked()
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop()

	log.Info().Str("region", m.region.Name).Msg("MAC事件循环已启动")
	return nil
}

// applyDefaultsLocked pushes the configured TX parameters into the stack MIB.
func (m *MAC) applyDefaultsLocked() {
	m.stack.MibSet(&stack.MibRequest{Type: stack.MibPublicNetwork, Value: stack.MibValue{Bool: m.public}})
	m.stack.MibSet(&stack.MibRequest{Type: stack.MibAdr, Value: stack.MibValue{Bool: m.adr}})
	m.stack.MibSet(&stack.MibRequest{Type: stack.MibDeviceClass, Value: stack.MibValue{Class: m.class}})
	m.stack.MibSet(&stack.MibRequest{Type: stack.MibChannelsDatarate, Value: stack.MibValue{Uint8: m.datarate}})
}

// Stop terminates the event loop. Pending operations are abandoned.
func (m *MAC) Stop() {
	close(m.done)
	m.wg.Wait()
}

// post blocks until the event is queued. Only the command bridge and other
// non-interrupt contexts may use it.
func (m *MAC) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// tryPost queues the event without blocking. Used on the interrupt path and
// for the engine's self-posts; a full queue drops the event.
func (m *MAC) tryPost(ev event) bool {
	select {
	case m.events <- ev:
		return true
	default:
		m.dropped.Add(1)
		log.Warn().Str("event", ev.kind.String()).Msg("event queue full, possibly lost interrupt")
		return false
	}
}

// registerCaller returns the notification channel for facade results.
func (m *MAC) registerCaller() chan Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.caller == nil {
		m.caller = make(chan Result, 4)
	}
	return m.caller
}

func (m *MAC) notifyCaller(r Result) {
	m.mu.Lock()
	ch := m.caller
	m.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- r:
	default:
		log.Debug().Str("result", r.String()).Msg("未消费的结果通知被丢弃")
	}
}

// DroppedEvents reports how many inbound events were dropped on a full queue.
func (m *MAC) DroppedEvents() uint64 {
	return m.dropped.Load()
}

// FlushedUplinks reports how many uplinks were replaced by empty frames to
// flush pending MAC commands.
func (m *MAC) FlushedUplinks() uint64 {
	return m.flushedUplinks.Load()
}

// LinkCheck returns the cached link check result.
func (m *MAC) LinkCheck() LinkCheckInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.linkCheck
}

// LastRx returns the most recent downlink data.
func (m *MAC) LastRx() RxData {
	m.mu.Lock()
	defer m.mu.Unlock()
	rx := m.rxData
	rx.Payload = append([]byte(nil), m.rxData.Payload...)
	return rx
}

// Joined reports whether the device has a network session.
func (m *MAC) Joined() bool {
	mib := stack.MibRequest{Type: stack.MibNetworkJoined}
	m.stack.MibGet(&mib)
	return mib.Value.Joined
}

// DevAddr returns the current device address from the stack.
func (m *MAC) DevAddr() lorawan.DevAddr {
	mib := stack.MibRequest{Type: stack.MibDevAddr}
	m.stack.MibGet(&mib)
	return mib.Value.DevAddr
}

// SetDevEUI 设置设备EUI
func (m *MAC) SetDevEUI(eui lorawan.EUI64) {
	m.mu.Lock()
	m.devEUI = eui
	m.mu.Unlock()
}

// SetJoinEUI 设置JoinEUI
func (m *MAC) SetJoinEUI(eui lorawan.EUI64) {
	m.mu.Lock()
	m.joinEUI = eui
	m.mu.Unlock()
}

// SetAppKey 设置OTAA根密钥
func (m *MAC) SetAppKey(key lorawan.AES128Key) {
	m.mu.Lock()
	m.appKey = key
	m.mu.Unlock()
}

// SetDevAddr 设置ABP设备地址
func (m *MAC) SetDevAddr(addr lorawan.DevAddr) {
	m.mu.Lock()
	m.devAddr = addr
	m.mu.Unlock()
}

// SetNwkSKey 设置ABP网络会话密钥
func (m *MAC) SetNwkSKey(key lorawan.AES128Key) {
	m.mu.Lock()
	m.nwkSKey = key
	m.mu.Unlock()
}

// SetAppSKey 设置ABP应用会话密钥
func (m *MAC) SetAppSKey(key lorawan.AES128Key) {
	m.mu.Lock()
	m.appSKey = key
	m.mu.Unlock()
}

// SetDatarate configures the uplink datarate.
func (m *MAC) SetDatarate(dr uint8) {
	m.mu.Lock()
	m.datarate = dr
	m.mu.Unlock()
	m.stack.MibSet(&stack.MibRequest{Type: stack.MibChannelsDatarate, Value: stack.MibValue{Uint8: dr}})
}

// Datarate returns the configured uplink datarate.
func (m *MAC) Datarate() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.datarate
}

// SetADR enables or disables adaptive data rate.
func (m *MAC) SetADR(on bool) {
	m.mu.Lock()
	m.adr = on
	m.mu.Unlock()
	m.stack.MibSet(&stack.MibRequest{Type: stack.MibAdr, Value: stack.MibValue{Bool: on}})
}

// SetPublicNetwork configures the sync word class.
func (m *MAC) SetPublicNetwork(on bool) {
	m.mu.Lock()
	m.public = on
	m.mu.Unlock()
	m.stack.MibSet(&stack.MibRequest{Type: stack.MibPublicNetwork, Value: stack.MibValue{Bool: on}})
}

// SetClass configures the device class.
func (m *MAC) SetClass(class stack.DeviceClass) {
	m.mu.Lock()
	m.class = class
	m.mu.Unlock()
	m.stack.MibSet(&stack.MibRequest{Type: stack.MibDeviceClass, Value: stack.MibValue{Class: class}})
}

// SetPort configures the uplink application port.
func (m *MAC) SetPort(port uint8) {
	m.mu.Lock()
	m.port = port
	m.mu.Unlock()
}

// Port returns the configured uplink port.
func (m *MAC) Port() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.port
}

// ADR reports whether adaptive data rate is enabled.
func (m *MAC) ADR() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adr
}

// Class returns the configured device class.
func (m *MAC) Class() stack.DeviceClass {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.class
}

// UplinkCounter returns the current uplink frame counter from the stack.
func (m *MAC) UplinkCounter() uint32 {
	mib := stack.MibRequest{Type: stack.MibUplinkCounter}
	m.stack.MibGet(&mib)
	return mib.Value.Uint32
}

// DownlinkCounter returns the current downlink frame counter from the stack.
func (m *MAC) DownlinkCounter() uint32 {
	mib := stack.MibRequest{Type: stack.MibDownlinkCounter}
	m.stack.MibGet(&mib)
	return mib.Value.Uint32
}

// SetTxMode configures confirmed or unconfirmed uplinks.
func (m *MAC) SetTxMode(mode TxMode) {
	m.mu.Lock()
	m.txMode = mode
	m.mu.Unlock()
}

// TxMode returns the configured confirmation mode.
func (m *MAC) TxMode() TxMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txMode
}

// SetRetries configures the confirmed uplink trial count.
func (m *MAC) SetRetries(n uint8) {
	m.mu.Lock()
	m.retries = n
	m.mu.Unlock()
}

// Retries returns the configured confirmed uplink trial count.
func (m *MAC) Retries() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries
}
