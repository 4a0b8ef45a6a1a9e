package network

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/lorawan-node-agent/internal/radio"
	"github.com/lorawan-node/lorawan-node-agent/pkg/crypto"
	"github.com/lorawan-node/lorawan-node-agent/pkg/lorawan"
)

// deviceSession 模拟网络侧保存的设备会话
type deviceSession struct {
	DevEUI   lorawan.EUI64
	JoinEUI  lorawan.EUI64
	DevAddr  lorawan.DevAddr
	NwkSKey  lorawan.AES128Key
	AppSKey  lorawan.AES128Key
	FCntUp   uint32
	FCntDown uint32

	lastDevNonce lorawan.DevNonce
	hasNonce     bool
}

// queuedDownlink 等待随下一次下行窗口发出的应用数据
type queuedDownlink struct {
	Port      uint8
	Payload   []byte
	Confirmed bool
}

// UplinkRecord captures an application uplink received by the emulator.
type UplinkRecord struct {
	DevEUI  lorawan.EUI64
	DevAddr lorawan.DevAddr
	FCnt    uint32
	Port    uint8
	Payload []byte
	At      time.Time
}

// Emulator plays the network server side of the air interface against a
// simulated radio. It validates uplinks, answers join requests and queues
// downlinks into the device's receive window.
//
// 仅覆盖Class A单设备场景,作为终端协议栈的对端使用。
type Emulator struct {
	mu     sync.Mutex
	driver *radio.SimDriver

	appKey  lorawan.AES128Key
	netID   [3]byte
	devices map[lorawan.EUI64]*deviceSession
	byAddr  map[lorawan.DevAddr]*deviceSession

	macHandler *MACCommandHandler

	rx1Delay  time.Duration
	nextAddr  uint32
	joinNonce uint32

	queue    map[lorawan.DevAddr][]queuedDownlink
	received []UplinkRecord
	onUplink func(UplinkRecord)
}

// NewEmulator 创建模拟网络并挂接到模拟射频
func NewEmulator(driver *radio.SimDriver, appKey lorawan.AES128Key) *Emulator {
	e := &Emulator{
		driver:     driver,
		appKey:     appKey,
		netID:      [3]byte{0x00, 0x00, 0x13},
		devices:    make(map[lorawan.EUI64]*deviceSession),
		byAddr:     make(map[lorawan.DevAddr]*deviceSession),
		macHandler: NewMACCommandHandler(20, 2),
		rx1Delay:   20 * time.Millisecond,
		nextAddr:   0x01000001,
		queue:      make(map[lorawan.DevAddr][]queuedDownlink),
	}
	driver.AttachNetwork(e)
	return e
}

// SetRX1Delay overrides the simulated downlink delay.
func (e *Emulator) SetRX1Delay(d time.Duration) {
	e.mu.Lock()
	e.rx1Delay = d
	e.mu.Unlock()
}

// SetLinkCheckAnswer configures the margin and gateway count returned for
// LinkCheckReq MAC commands.
func (e *Emulator) SetLinkCheckAnswer(margin, gateways uint8) {
	e.macHandler.SetLinkCheckAnswer(margin, gateways)
}

// SetUplinkHandler registers a callback invoked for each application uplink.
func (e *Emulator) SetUplinkHandler(fn func(UplinkRecord)) {
	e.mu.Lock()
	e.onUplink = fn
	e.mu.Unlock()
}

// ProvisionABP installs a pre-shared session, mirroring server-side ABP
// provisioning.
func (e *Emulator) ProvisionABP(devEUI lorawan.EUI64, devAddr lorawan.DevAddr, nwkSKey, appSKey lorawan.AES128Key) {
	e.mu.Lock()
	defer e.mu.Unlock()

	session := &deviceSession{
		DevEUI:  devEUI,
		DevAddr: devAddr,
		NwkSKey: nwkSKey,
		AppSKey: appSKey,
	}
	e.devices[devEUI] = session
	e.byAddr[devAddr] = session
}

// EnqueueDownlink queues application data for the device's next receive
// window.
func (e *Emulator) EnqueueDownlink(devEUI lorawan.EUI64, port uint8, payload []byte, confirmed bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	session, ok := e.devices[devEUI]
	if !ok {
		return false
	}
	e.queue[session.DevAddr] = append(e.queue[session.DevAddr], queuedDownlink{
		Port:      port,
		Payload:   append([]byte(nil), payload...),
		Confirmed: confirmed,
	})
	return true
}

// Received returns the application uplinks seen so far.
func (e *Emulator) Received() []UplinkRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]UplinkRecord, len(e.received))
	copy(out, e.received)
	return out
}

// Uplink implements radio.Network.
func (e *Emulator) Uplink(frame []byte) {
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(frame); err != nil {
		log.Debug().Err(err).Msg("无法解析上行帧")
		return
	}

	switch phy.MHDR.MType {
	case lorawan.JoinRequest:
		e.handleJoinRequest(&phy)
	case lorawan.UnconfirmedDataUp, lorawan.ConfirmedDataUp:
		e.handleDataUp(&phy)
	default:
		log.Debug().Uint8("mtype", uint8(phy.MHDR.MType)).Msg("忽略非上行帧")
	}
}

func (e *Emulator) handleJoinRequest(phy *lorawan.PHYPayload) {
	valid, err := phy.ValidateUplinkJoinMIC(e.appKey)
	if err != nil || !valid {
		log.Debug().Msg("JoinRequest MIC校验失败,丢弃")
		return
	}

	var jr lorawan.JoinRequestPayload
	if err := jr.UnmarshalBinary(phy.MACPayload); err != nil {
		log.Debug().Err(err).Msg("JoinRequest解析失败")
		return
	}

	e.mu.Lock()

	session, ok := e.devices[jr.DevEUI]
	if ok && session.hasNonce && session.lastDevNonce == jr.DevNonce {
		e.mu.Unlock()
		log.Debug().Str("dev_eui", jr.DevEUI.String()).Msg("DevNonce重放,丢弃")
		return
	}

	devAddr := e.generateDevAddr()
	joinNonce := e.generateJoinNonce()

	nwkSKey, appSKey, err := lorawan.DeriveSessionKeys10(e.appKey[:], joinNonce, e.netID, jr.DevNonce)
	if err != nil {
		e.mu.Unlock()
		log.Error().Err(err).Msg("会话密钥派生失败")
		return
	}

	session = &deviceSession{
		DevEUI:       jr.DevEUI,
		JoinEUI:      jr.JoinEUI,
		DevAddr:      devAddr,
		NwkSKey:      nwkSKey,
		AppSKey:      appSKey,
		lastDevNonce: jr.DevNonce,
		hasNonce:     true,
	}
	e.devices[jr.DevEUI] = session
	e.byAddr[devAddr] = session
	delay := e.rx1Delay
	e.mu.Unlock()

	accept := lorawan.JoinAcceptPayload{
		JoinNonce: joinNonce,
		NetID:     e.netID,
		DevAddr:   devAddr,
		DLSettings: lorawan.DLSettings{
			RX1DROffset: 0,
			RX2DataRate: 0,
		},
		RxDelay: 1,
	}
	acceptPayload, _ := accept.MarshalBinary()

	resp := lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: lorawan.JoinAccept, Major: lorawan.LoRaWAN1_0},
		MACPayload: acceptPayload,
	}
	if err := resp.SetJoinAcceptMIC(e.appKey); err != nil {
		log.Error().Err(err).Msg("JoinAccept MIC计算失败")
		return
	}
	if err := resp.EncryptJoinAcceptPayload(e.appKey); err != nil {
		log.Error().Err(err).Msg("JoinAccept加密失败")
		return
	}

	frame, _ := resp.MarshalBinary()
	log.Info().
		Str("dev_eui", jr.DevEUI.String()).
		Str("dev_addr", devAddr.String()).
		Msg("接受入网请求")

	e.deliverAfter(frame, delay)
}

func (e *Emulator) handleDataUp(phy *lorawan.PHYPayload) {
	var macPayload lorawan.MACPayload
	if err := macPayload.Unmarshal(phy.MACPayload, phy.MHDR.MType, true); err != nil {
		log.Debug().Err(err).Msg("上行MACPayload解析失败")
		return
	}

	e.mu.Lock()
	session, ok := e.byAddr[macPayload.FHDR.DevAddr]
	if !ok {
		e.mu.Unlock()
		log.Debug().Str("dev_addr", macPayload.FHDR.DevAddr.String()).Msg("未知设备地址")
		return
	}

	valid, err := phy.ValidateUplinkDataMIC(session.FCntUp, session.NwkSKey)
	if err != nil || !valid {
		e.mu.Unlock()
		log.Debug().Msg("上行帧MIC校验失败,丢弃")
		return
	}

	fCnt := lorawan.GetFullFCnt(session.FCntUp, macPayload.FHDR.FCnt)
	session.FCntUp = fCnt + 1

	// Decrypt application data
	var appData []byte
	var port uint8
	if macPayload.FPort != nil {
		port = *macPayload.FPort
		key := session.AppSKey
		if port == 0 {
			key = session.NwkSKey
		}
		appData, err = lorawan.EncryptFRMPayload(key[:], session.DevAddr, fCnt, true, macPayload.FRMPayload)
		if err != nil {
			e.mu.Unlock()
			return
		}
	}

	// MAC commands from FOpts, or FRMPayload when port is 0
	macData := macPayload.FHDR.FOpts
	if port == 0 && len(appData) > 0 {
		macData = appData
		appData = nil
	}

	var answers []lorawan.MACCommand
	if len(macData) > 0 {
		if commands, err := lorawan.ParseMACCommands(true, macData); err == nil {
			answers = e.macHandler.HandleUplink(commands)
		}
	}

	var record *UplinkRecord
	if port > 0 {
		record = &UplinkRecord{
			DevEUI:  session.DevEUI,
			DevAddr: session.DevAddr,
			FCnt:    fCnt,
			Port:    port,
			Payload: append([]byte(nil), appData...),
			At:      time.Now(),
		}
		e.received = append(e.received, *record)
	}

	// Pop one queued application downlink, if any
	var app *queuedDownlink
	pending := e.queue[session.DevAddr]
	if len(pending) > 0 {
		app = &pending[0]
		e.queue[session.DevAddr] = pending[1:]
	}
	framePending := len(e.queue[session.DevAddr]) > 0

	needAck := phy.MHDR.MType == lorawan.ConfirmedDataUp
	onUplink := e.onUplink
	delay := e.rx1Delay
	e.mu.Unlock()

	if record != nil && onUplink != nil {
		onUplink(*record)
	}

	if !needAck && len(answers) == 0 && app == nil {
		// Nothing to say; let the device close its windows.
		return
	}

	frame, err := e.buildDownlink(session, needAck, framePending, answers, app)
	if err != nil {
		log.Error().Err(err).Msg("下行帧构造失败")
		return
	}

	e.deliverAfter(frame, delay)
}

// buildDownlink assembles a Class A downlink for the device's RX1 window.
func (e *Emulator) buildDownlink(session *deviceSession, ack, framePending bool, answers []lorawan.MACCommand, app *queuedDownlink) ([]byte, error) {
	e.mu.Lock()
	fCntDown := session.FCntDown
	session.FCntDown++
	e.mu.Unlock()

	fOpts, _ := lorawan.EncodeMACCommands(answers)

	macPayload := lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: session.DevAddr,
			FCtrl: lorawan.FCtrl{
				ACK:      ack,
				FPending: framePending,
			},
			FCnt:  uint16(fCntDown),
			FOpts: fOpts,
		},
	}

	mtype := lorawan.UnconfirmedDataDown
	if app != nil {
		if app.Confirmed {
			mtype = lorawan.ConfirmedDataDown
		}
		port := app.Port
		macPayload.FPort = &port

		key := session.AppSKey
		if port == 0 {
			key = session.NwkSKey
		}
		frm, err := lorawan.EncryptFRMPayload(key[:], session.DevAddr, fCntDown, false, app.Payload)
		if err != nil {
			return nil, err
		}
		macPayload.FRMPayload = frm
	}

	raw, err := macPayload.Marshal(mtype, false)
	if err != nil {
		return nil, err
	}

	phy := lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: mtype, Major: lorawan.LoRaWAN1_0},
		MACPayload: raw,
	}
	if err := phy.SetDownlinkDataMIC(fCntDown, session.NwkSKey); err != nil {
		return nil, err
	}

	return phy.MarshalBinary()
}

// deliverAfter schedules the downlink into the device's receive window.
func (e *Emulator) deliverAfter(frame []byte, delay time.Duration) {
	time.AfterFunc(delay, func() {
		e.driver.Deliver(frame, -42, 9)
	})
}

func (e *Emulator) generateDevAddr() lorawan.DevAddr {
	var addr lorawan.DevAddr
	addr[0] = byte(e.nextAddr >> 24)
	addr[1] = byte(e.nextAddr >> 16)
	addr[2] = byte(e.nextAddr >> 8)
	addr[3] = byte(e.nextAddr)
	e.nextAddr++
	return addr
}

func (e *Emulator) generateJoinNonce() [3]byte {
	var nonce [3]byte
	e.joinNonce++
	nonce[0] = byte(e.joinNonce)
	nonce[1] = byte(e.joinNonce >> 8)
	nonce[2] = byte(e.joinNonce >> 16)

	// Add entropy so reboots do not reuse nonces
	if b, err := crypto.GenerateRandomBytes(1); err == nil {
		nonce[2] ^= b[0]
	}
	return nonce
}
