package stack

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/lorawan-node-agent/internal/radio"
	"github.com/lorawan-node/lorawan-node-agent/pkg/crypto"
	"github.com/lorawan-node/lorawan-node-agent/pkg/lorawan"
)

type txKind int

const (
	txNone txKind = iota
	txJoin
	txData
)

// Simulator is a software LoRaWAN 1.0.x Class A MAC. It drives a
// radio.Driver for transmissions and consumes radio events through the
// handlers it registers in Init. All radio event handlers run on the MAC
// event loop; internal timers re-enter the loop through Callbacks.Defer.
type Simulator struct {
	mu     sync.Mutex
	driver radio.Driver
	cb     Callbacks
	region *lorawan.RegionConfiguration

	class         DeviceClass
	publicNetwork bool
	adr           bool
	datarate      uint8
	txPower       uint8
	rx2           Rx2Params

	joined  bool
	session lorawan.DeviceSession
	netID   [3]byte

	devNonce uint16

	kind       txKind
	pendingReq McpsRequest
	joinParams JoinParams
	lastFrame  []byte
	trialsLeft uint8

	ackPending bool
	macQueue   []lorawan.MACCommand

	rxTimer *time.Timer
	rxSeq   uint64

	dutyCycle  bool
	nextTxTime time.Time

	rxWindowSpan time.Duration
}

// NewSimulator 创建软件MAC,driver仅用于发送
func NewSimulator(driver radio.Driver) *Simulator {
	s := &Simulator{
		driver:        driver,
		publicNetwork: true,
		dutyCycle:     true,
		rxWindowSpan:  3 * time.Second,
	}

	// DevNonce起始值随机,之后每次入网递增
	if b, err := crypto.GenerateRandomBytes(2); err == nil {
		s.devNonce = binary.BigEndian.Uint16(b)
	}

	return s
}

// SetRxWindowSpan overrides the time the MAC waits for a downlink after an
// uplink before closing the receive windows.
func (s *Simulator) SetRxWindowSpan(d time.Duration) {
	s.mu.Lock()
	s.rxWindowSpan = d
	s.mu.Unlock()
}

// SetDutyCycle enables or disables the regional duty cycle restriction.
func (s *Simulator) SetDutyCycle(on bool) {
	s.mu.Lock()
	s.dutyCycle = on
	s.mu.Unlock()
}

// Init implements Stack.
func (s *Simulator) Init(events *radio.Events, cb Callbacks, region *lorawan.RegionConfiguration) error {
	s.mu.Lock()
	s.cb = cb
	s.region = region
	s.rx2 = Rx2Params{Frequency: region.DefaultRX2Freq, Datarate: uint8(region.DefaultRX2DR)}
	s.mu.Unlock()

	events.TxDone = s.onTxDone
	events.TxTimeout = s.onTxTimeout
	events.RxDone = s.onRxDone
	events.RxTimeout = s.onRxTimeout
	events.RxError = s.onRxError
	events.CadDone = func(bool) {}

	log.Debug().Str("region", region.Name).Msg("MAC栈初始化完成")
	return nil
}

// QueryTxPossible implements Stack.
func (s *Simulator) QueryTxPossible(size int, txInfo *TxInfo) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	max := s.region.MaxPayloadSize(s.datarate)
	fOpts, _ := lorawan.EncodeMACCommands(s.macQueue)
	current := size + len(fOpts)

	if txInfo != nil {
		txInfo.MaxPossiblePayload = max
		txInfo.CurrentPayloadSize = current
	}

	if current > max {
		return StatusLengthError
	}
	return StatusOK
}

// MlmeRequest implements Stack.
func (s *Simulator) MlmeRequest(req *MlmeRequest) Status {
	switch req.Type {
	case MlmeJoin:
		return s.startJoin(req.Join)

	case MlmeLinkCheck:
		// LinkCheckReq piggybacks on the next uplink
		s.mu.Lock()
		s.macQueue = append(s.macQueue, lorawan.MACCommand{CID: lorawan.LinkCheckReq})
		s.mu.Unlock()
		return StatusOK

	default:
		return StatusServiceUnknown
	}
}

func (s *Simulator) startJoin(params JoinParams) Status {
	s.mu.Lock()

	if s.kind != txNone {
		s.mu.Unlock()
		return StatusBusy
	}
	if s.dutyCycle && time.Now().Before(s.nextTxTime) {
		s.mu.Unlock()
		return StatusDutyCycleRestricted
	}

	s.devNonce++
	s.joinParams = params
	s.datarate = params.DataRate

	var nonce lorawan.DevNonce
	binary.LittleEndian.PutUint16(nonce[:], s.devNonce)

	jr := lorawan.JoinRequestPayload{
		JoinEUI:  params.JoinEUI,
		DevEUI:   params.DevEUI,
		DevNonce: nonce,
	}
	macPayload, _ := jr.MarshalBinary()

	phy := lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: lorawan.JoinRequest, Major: lorawan.LoRaWAN1_0},
		MACPayload: macPayload,
	}
	if err := phy.SetJoinRequestMIC(params.AppKey); err != nil {
		s.mu.Unlock()
		log.Error().Err(err).Msg("JoinRequest MIC计算失败")
		return StatusParameterInvalid
	}

	frame, _ := phy.MarshalBinary()
	s.kind = txJoin
	s.mu.Unlock()

	return s.transmit(frame)
}

// McpsRequest implements Stack.
func (s *Simulator) McpsRequest(req *McpsRequest) Status {
	s.mu.Lock()

	if !s.joined {
		s.mu.Unlock()
		return StatusNoNetworkJoined
	}
	if s.kind != txNone {
		s.mu.Unlock()
		return StatusBusy
	}
	if s.dutyCycle && time.Now().Before(s.nextTxTime) {
		s.mu.Unlock()
		return StatusDutyCycleRestricted
	}

	fOpts, _ := lorawan.EncodeMACCommands(s.macQueue)
	if len(req.Buffer)+len(fOpts) > s.region.MaxPayloadSize(s.datarate) {
		s.mu.Unlock()
		return StatusLengthError
	}

	macPayload := lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: s.session.DevAddr,
			FCtrl: lorawan.FCtrl{
				ADR: s.adr,
				ACK: s.ackPending,
			},
			FCnt:  uint16(s.session.FCntUp),
			FOpts: fOpts,
		},
	}

	mtype := lorawan.UnconfirmedDataUp
	if req.Type == McpsConfirmed {
		mtype = lorawan.ConfirmedDataUp
	}

	// 空帧不携带FPort,仅用于冲刷MAC命令
	if len(req.Buffer) > 0 || req.Port > 0 {
		port := req.Port
		macPayload.FPort = &port

		key := s.session.AppSKey
		if port == 0 {
			key = s.session.NwkSKey
		}
		frm, err := lorawan.EncryptFRMPayload(key[:], s.session.DevAddr, s.session.FCntUp, true, req.Buffer)
		if err != nil {
			s.mu.Unlock()
			return StatusParameterInvalid
		}
		macPayload.FRMPayload = frm
	}

	raw, err := macPayload.Marshal(mtype, true)
	if err != nil {
		s.mu.Unlock()
		return StatusParameterInvalid
	}

	phy := lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: mtype, Major: lorawan.LoRaWAN1_0},
		MACPayload: raw,
	}
	if err := phy.SetUplinkDataMIC(s.session.FCntUp, s.session.NwkSKey); err != nil {
		s.mu.Unlock()
		return StatusParameterInvalid
	}

	frame, _ := phy.MarshalBinary()

	s.pendingReq = *req
	s.kind = txData
	s.trialsLeft = req.NbTrials
	if s.trialsLeft == 0 {
		s.trialsLeft = 1
	}
	s.lastFrame = frame
	s.session.FCntUp++
	s.ackPending = false
	s.macQueue = nil
	s.mu.Unlock()

	return s.transmit(frame)
}

func (s *Simulator) transmit(frame []byte) Status {
	// The radio sleeps after every TX, wake it first.
	s.driver.Standby()
	if err := s.driver.Transmit(frame); err != nil {
		log.Error().Err(err).Msg("射频发送失败")
		s.mu.Lock()
		s.kind = txNone
		s.mu.Unlock()
		return StatusBusy
	}

	s.mu.Lock()
	if s.dutyCycle {
		// 1% duty cycle, rough time-on-air model
		airtime := time.Duration(40+len(frame)) * time.Millisecond
		s.nextTxTime = time.Now().Add(airtime * 99)
	}
	s.mu.Unlock()
	return StatusOK
}

// onTxDone opens the receive windows.
func (s *Simulator) onTxDone() {
	s.mu.Lock()
	if s.kind == txNone {
		s.mu.Unlock()
		return
	}
	s.startRxWindows()
	s.mu.Unlock()
}

// startRxWindows arms the downlink deadline. Caller holds s.mu.
func (s *Simulator) startRxWindows() {
	s.rxSeq++
	seq := s.rxSeq
	span := s.rxWindowSpan
	if s.rxTimer != nil {
		s.rxTimer.Stop()
	}
	s.rxTimer = time.AfterFunc(span, func() {
		s.cb.Defer(func() { s.onRxDeadline(seq) })
	})
}

// onRxDeadline runs on the MAC loop when both RX windows closed silent.
func (s *Simulator) onRxDeadline(seq uint64) {
	s.mu.Lock()
	if seq != s.rxSeq || s.kind == txNone {
		s.mu.Unlock()
		return
	}

	switch s.kind {
	case txJoin:
		s.kind = txNone
		cb := s.cb.MlmeConfirm
		s.mu.Unlock()
		if cb != nil {
			cb(&MlmeConfirm{Type: MlmeJoin, Status: EventStatusRx2Timeout})
		}

	case txData:
		if s.pendingReq.Type == McpsConfirmed {
			s.trialsLeft--
			if s.trialsLeft > 0 {
				frame := s.lastFrame
				s.mu.Unlock()
				log.Debug().Msg("未收到ACK,重发确认帧")
				s.transmit(frame)
				return
			}
			s.kind = txNone
			cb := s.cb.McpsConfirm
			s.mu.Unlock()
			if cb != nil {
				cb(&McpsConfirm{Type: McpsConfirmed, Status: EventStatusRx2Timeout})
			}
			return
		}

		// Unconfirmed uplinks complete once the windows close
		s.kind = txNone
		fcnt := s.session.FCntUp
		dr := s.datarate
		cb := s.cb.McpsConfirm
		s.mu.Unlock()
		if cb != nil {
			cb(&McpsConfirm{Type: McpsUnconfirmed, Status: EventStatusOK, Datarate: dr, UpLinkCounter: fcnt})
		}
	default:
		s.mu.Unlock()
	}
}

func (s *Simulator) onTxTimeout() {
	s.mu.Lock()
	kind := s.kind
	s.kind = txNone
	s.mu.Unlock()

	switch kind {
	case txJoin:
		if s.cb.MlmeConfirm != nil {
			s.cb.MlmeConfirm(&MlmeConfirm{Type: MlmeJoin, Status: EventStatusTxTimeout})
		}
	case txData:
		if s.cb.McpsConfirm != nil {
			s.cb.McpsConfirm(&McpsConfirm{Type: s.pendingReq.Type, Status: EventStatusTxTimeout})
		}
	}
}

func (s *Simulator) onRxTimeout() {
	// Individual window timeouts are folded into the single RX deadline.
	log.Debug().Msg("RX窗口超时")
}

func (s *Simulator) onRxError() {
	log.Debug().Msg("RX帧CRC错误")
}

// onRxDone processes a received downlink frame.
func (s *Simulator) onRxDone(payload []byte, rssi int16, snr int8) {
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(payload); err != nil {
		log.Debug().Err(err).Msg("下行帧解析失败")
		return
	}

	switch phy.MHDR.MType {
	case lorawan.JoinAccept:
		s.handleJoinAccept(&phy)
	case lorawan.UnconfirmedDataDown, lorawan.ConfirmedDataDown:
		s.handleDataDown(&phy, rssi, snr)
	default:
		log.Debug().Uint8("mtype", uint8(phy.MHDR.MType)).Msg("忽略非下行帧")
	}
}

func (s *Simulator) handleJoinAccept(phy *lorawan.PHYPayload) {
	s.mu.Lock()
	if s.kind != txJoin {
		s.mu.Unlock()
		return
	}

	valid, err := phy.DecryptJoinAcceptPayload(s.joinParams.AppKey)
	if err != nil || !valid {
		s.kind = txNone
		s.rxSeq++
		cb := s.cb.MlmeConfirm
		s.mu.Unlock()
		log.Debug().Err(err).Msg("JoinAccept MIC校验失败")
		if cb != nil {
			cb(&MlmeConfirm{Type: MlmeJoin, Status: EventStatusMICFail})
		}
		return
	}

	var accept lorawan.JoinAcceptPayload
	if err := accept.UnmarshalBinary(phy.MACPayload); err != nil {
		s.kind = txNone
		s.rxSeq++
		cb := s.cb.MlmeConfirm
		s.mu.Unlock()
		if cb != nil {
			cb(&MlmeConfirm{Type: MlmeJoin, Status: EventStatusError})
		}
		return
	}

	var nonce lorawan.DevNonce
	binary.LittleEndian.PutUint16(nonce[:], s.devNonce)
	nwkSKey, appSKey, err := lorawan.DeriveSessionKeys10(s.joinParams.AppKey[:], accept.JoinNonce, accept.NetID, nonce)
	if err != nil {
		s.kind = txNone
		s.rxSeq++
		cb := s.cb.MlmeConfirm
		s.mu.Unlock()
		if cb != nil {
			cb(&MlmeConfirm{Type: MlmeJoin, Status: EventStatusError})
		}
		return
	}

	s.session = lorawan.DeviceSession{
		DevEUI:      s.joinParams.DevEUI,
		JoinEUI:     s.joinParams.JoinEUI,
		DevAddr:     accept.DevAddr,
		NwkSKey:     nwkSKey,
		AppSKey:     appSKey,
		RX1Delay:    accept.RxDelay,
		RX1DROffset: accept.DLSettings.RX1DROffset,
		RX2DR:       accept.DLSettings.RX2DataRate,
		RX2Freq:     s.rx2.Frequency,
		DR:          s.datarate,
		ADR:         s.adr,
		JoinedAt:    time.Now(),
	}
	copy(s.netID[:], accept.NetID[:])
	s.joined = true
	s.kind = txNone
	s.rxSeq++
	if s.rxTimer != nil {
		s.rxTimer.Stop()
	}
	cb := s.cb.MlmeConfirm
	devAddr := accept.DevAddr
	s.mu.Unlock()

	log.Info().Str("dev_addr", devAddr.String()).Msg("入网成功,会话密钥已派生")

	if cb != nil {
		cb(&MlmeConfirm{Type: MlmeJoin, Status: EventStatusOK})
	}
}

func (s *Simulator) handleDataDown(phy *lorawan.PHYPayload, rssi int16, snr int8) {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return
	}

	var macPayload lorawan.MACPayload
	if err := macPayload.Unmarshal(phy.MACPayload, phy.MHDR.MType, false); err != nil {
		s.mu.Unlock()
		return
	}

	if macPayload.FHDR.DevAddr != s.session.DevAddr {
		s.mu.Unlock()
		return
	}

	fCntDown := (s.session.FCntDown & 0xFFFF0000) | uint32(macPayload.FHDR.FCnt)
	valid, err := phy.ValidateDownlinkDataMIC(fCntDown, s.session.NwkSKey)
	if err != nil || !valid {
		s.mu.Unlock()
		log.Debug().Msg("下行帧MIC校验失败,丢弃")
		return
	}

	s.session.FCntDown = fCntDown + 1

	// Decrypt application payload
	var appData []byte
	var port uint8
	if macPayload.FPort != nil {
		port = *macPayload.FPort
		key := s.session.AppSKey
		if port == 0 {
			key = s.session.NwkSKey
		}
		appData, err = lorawan.EncryptFRMPayload(key[:], s.session.DevAddr, fCntDown, false, macPayload.FRMPayload)
		if err != nil {
			s.mu.Unlock()
			return
		}
	}

	// MAC commands ride in FOpts, or in FRMPayload when FPort is 0
	macData := macPayload.FHDR.FOpts
	if port == 0 && len(appData) > 0 {
		macData = appData
		appData = nil
	}

	var linkCheck *lorawan.LinkCheckAnsPayload
	if len(macData) > 0 {
		commands, err := lorawan.ParseMACCommands(false, macData)
		if err == nil {
			for _, cmd := range commands {
				if cmd.CID == lorawan.LinkCheckAns {
					if ans, err := lorawan.ParseLinkCheckAns(cmd.Payload); err == nil {
						linkCheck = &ans
					}
				}
			}
		}
	}

	indication := &McpsIndication{
		Status:          EventStatusOK,
		Port:            port,
		Buffer:          appData,
		RxData:          port > 0 && len(appData) > 0,
		RSSI:            rssi,
		SNR:             snr,
		RxDatarate:      s.datarate,
		FramePending:    macPayload.FHDR.FCtrl.FPending,
		AckReceived:     macPayload.FHDR.FCtrl.ACK,
		DownLinkCounter: fCntDown,
	}
	if phy.MHDR.MType == lorawan.ConfirmedDataDown {
		indication.Type = McpsConfirmed
		s.ackPending = true
	} else {
		indication.Type = McpsUnconfirmed
	}

	var confirm *McpsConfirm
	if s.kind == txData {
		if s.pendingReq.Type == McpsConfirmed {
			if macPayload.FHDR.FCtrl.ACK {
				confirm = &McpsConfirm{
					Type:          McpsConfirmed,
					Status:        EventStatusOK,
					Datarate:      s.datarate,
					UpLinkCounter: s.session.FCntUp,
					AckReceived:   true,
				}
				s.kind = txNone
			}
		} else {
			confirm = &McpsConfirm{
				Type:          McpsUnconfirmed,
				Status:        EventStatusOK,
				Datarate:      s.datarate,
				UpLinkCounter: s.session.FCntUp,
			}
			s.kind = txNone
		}
	}
	if s.kind == txNone {
		s.rxSeq++
		if s.rxTimer != nil {
			s.rxTimer.Stop()
		}
	}

	mcpsConfirmCb := s.cb.McpsConfirm
	mcpsIndicationCb := s.cb.McpsIndication
	linkCheckCb := s.cb.MlmeConfirm
	s.mu.Unlock()

	if confirm != nil && mcpsConfirmCb != nil {
		mcpsConfirmCb(confirm)
	}
	if linkCheck != nil && linkCheckCb != nil {
		linkCheckCb(&MlmeConfirm{
			Type:        MlmeLinkCheck,
			Status:      EventStatusOK,
			DemodMargin: linkCheck.Margin,
			NbGateways:  linkCheck.GatewayCount,
		})
	}
	if mcpsIndicationCb != nil {
		mcpsIndicationCb(indication)
	}
}

// Session returns a snapshot of the current device session.
func (s *Simulator) Session() lorawan.DeviceSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// MibGet implements Stack.
func (s *Simulator) MibGet(req *MibRequest) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Type {
	case MibDeviceClass:
		req.Value.Class = s.class
	case MibNetworkJoined:
		req.Value.Joined = s.joined
	case MibDevAddr:
		req.Value.DevAddr = s.session.DevAddr
	case MibNetID:
		req.Value.NetID = s.netID
	case MibNwkSKey:
		req.Value.Key = s.session.NwkSKey
	case MibAppSKey:
		req.Value.Key = s.session.AppSKey
	case MibPublicNetwork:
		req.Value.Bool = s.publicNetwork
	case MibAdr:
		req.Value.Bool = s.adr
	case MibChannelsDatarate:
		req.Value.Uint8 = s.datarate
	case MibChannelsTxPower:
		req.Value.Uint8 = s.txPower
	case MibRx2Channel:
		req.Value.Rx2 = s.rx2
	case MibUplinkCounter:
		req.Value.Uint32 = s.session.FCntUp
	case MibDownlinkCounter:
		req.Value.Uint32 = s.session.FCntDown
	default:
		return StatusServiceUnknown
	}
	return StatusOK
}

// MibSet implements Stack.
func (s *Simulator) MibSet(req *MibRequest) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Type {
	case MibDeviceClass:
		s.class = req.Value.Class
	case MibNetworkJoined:
		s.joined = req.Value.Joined
	case MibDevAddr:
		s.session.DevAddr = req.Value.DevAddr
	case MibNetID:
		s.netID = req.Value.NetID
	case MibNwkSKey:
		s.session.NwkSKey = req.Value.Key
	case MibAppSKey:
		s.session.AppSKey = req.Value.Key
	case MibPublicNetwork:
		s.publicNetwork = req.Value.Bool
	case MibAdr:
		s.adr = req.Value.Bool
	case MibChannelsDatarate:
		s.datarate = req.Value.Uint8
	case MibChannelsTxPower:
		s.txPower = req.Value.Uint8
	case MibRx2Channel:
		s.rx2 = req.Value.Rx2
	case MibUplinkCounter:
		s.session.FCntUp = req.Value.Uint32
	case MibDownlinkCounter:
		s.session.FCntDown = req.Value.Uint32
	default:
		return StatusServiceUnknown
	}
	return StatusOK
}
