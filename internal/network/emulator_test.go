package network

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lorawan-node/lorawan-node-agent/internal/radio"
	"github.com/lorawan-node/lorawan-node-agent/pkg/lorawan"
)

var emuAppKey = lorawan.AES128Key{
	0x2B, 0x7E, 0x15, 0x16, 0x28, 0xAE, 0xD2, 0xA6,
	0xAB, 0xF7, 0x15, 0x88, 0x09, 0xCF, 0x4F, 0x3C,
}

// fakeAir captures the downlinks the emulator injects into the radio.
type fakeAir struct {
	driver *radio.SimDriver

	mu        sync.Mutex
	downlinks [][]byte
}

func newFakeAir() *fakeAir {
	a := &fakeAir{driver: radio.NewSimDriver()}
	a.driver.SetIRQHandler(a.driver.ProcessIRQ)
	a.driver.SetEventCallback(func(ev radio.Event) {
		if ev != radio.EventRxComplete {
			return
		}
		buf := make([]byte, a.driver.FrameLength())
		if _, err := a.driver.ReadFrame(buf); err != nil {
			return
		}
		a.mu.Lock()
		a.downlinks = append(a.downlinks, buf)
		a.mu.Unlock()
	})
	return a
}

func (a *fakeAir) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.downlinks)
}

func (a *fakeAir) waitDownlink(t *testing.T) []byte {
	t.Helper()
	var frame []byte
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		if len(a.downlinks) == 0 {
			return false
		}
		frame = a.downlinks[0]
		a.downlinks = a.downlinks[1:]
		return true
	}, time.Second, time.Millisecond)
	return frame
}

func (a *fakeAir) requireSilent(t *testing.T) {
	t.Helper()
	time.Sleep(30 * time.Millisecond)
	require.Zero(t, a.count())
}

func newTestEmulator(t *testing.T) (*Emulator, *fakeAir) {
	t.Helper()
	air := newFakeAir()
	e := NewEmulator(air.driver, emuAppKey)
	e.SetRX1Delay(time.Millisecond)
	return e, air
}

func buildJoinRequest(t *testing.T, devEUI lorawan.EUI64, nonce lorawan.DevNonce) []byte {
	t.Helper()
	jr := lorawan.JoinRequestPayload{
		JoinEUI:  lorawan.EUI64{0x70, 0xB3, 0xD5, 0x7E, 0xD0, 0x00, 0x00, 0x01},
		DevEUI:   devEUI,
		DevNonce: nonce,
	}
	raw, err := jr.MarshalBinary()
	require.NoError(t, err)

	phy := lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: lorawan.JoinRequest, Major: lorawan.LoRaWAN1_0},
		MACPayload: raw,
	}
	require.NoError(t, phy.SetJoinRequestMIC(emuAppKey))

	frame, err := phy.MarshalBinary()
	require.NoError(t, err)
	return frame
}

type abpSession struct {
	devEUI  lorawan.EUI64
	devAddr lorawan.DevAddr
	nwkSKey lorawan.AES128Key
	appSKey lorawan.AES128Key
	fCntUp  uint32
}

func provisionTestDevice(e *Emulator) *abpSession {
	s := &abpSession{
		devEUI:  lorawan.EUI64{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77},
		devAddr: lorawan.DevAddr{0x26, 0x01, 0x14, 0x42},
		nwkSKey: lorawan.AES128Key{0xAA, 0x01},
		appSKey: lorawan.AES128Key{0xBB, 0x02},
	}
	e.ProvisionABP(s.devEUI, s.devAddr, s.nwkSKey, s.appSKey)
	return s
}

func (s *abpSession) buildUplink(t *testing.T, port uint8, payload []byte, confirmed bool, fOpts []byte) []byte {
	t.Helper()

	macPayload := lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			DevAddr: s.devAddr,
			FCnt:    uint16(s.fCntUp),
			FOpts:   fOpts,
		},
	}
	if len(payload) > 0 {
		p := port
		macPayload.FPort = &p
		frm, err := lorawan.EncryptFRMPayload(s.appSKey[:], s.devAddr, s.fCntUp, true, payload)
		require.NoError(t, err)
		macPayload.FRMPayload = frm
	}

	mtype := lorawan.UnconfirmedDataUp
	if confirmed {
		mtype = lorawan.ConfirmedDataUp
	}

	raw, err := macPayload.Marshal(mtype, true)
	require.NoError(t, err)

	phy := lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: mtype, Major: lorawan.LoRaWAN1_0},
		MACPayload: raw,
	}
	require.NoError(t, phy.SetUplinkDataMIC(s.fCntUp, s.nwkSKey))
	s.fCntUp++

	frame, err := phy.MarshalBinary()
	require.NoError(t, err)
	return frame
}

func parseDownlink(t *testing.T, s *abpSession, frame []byte, fCntDown uint32) (lorawan.PHYPayload, lorawan.MACPayload) {
	t.Helper()

	var phy lorawan.PHYPayload
	require.NoError(t, phy.UnmarshalBinary(frame))

	valid, err := phy.ValidateDownlinkDataMIC(fCntDown, s.nwkSKey)
	require.NoError(t, err)
	require.True(t, valid)

	var macPayload lorawan.MACPayload
	require.NoError(t, macPayload.Unmarshal(phy.MACPayload, phy.MHDR.MType, false))
	require.Equal(t, s.devAddr, macPayload.FHDR.DevAddr)
	return phy, macPayload
}

func TestJoinRequestAccepted(t *testing.T) {
	e, air := newTestEmulator(t)

	devEUI := lorawan.EUI64{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	e.Uplink(buildJoinRequest(t, devEUI, lorawan.DevNonce{0x01, 0x00}))

	frame := air.waitDownlink(t)

	var phy lorawan.PHYPayload
	require.NoError(t, phy.UnmarshalBinary(frame))
	require.Equal(t, lorawan.JoinAccept, phy.MHDR.MType)

	valid, err := phy.DecryptJoinAcceptPayload(emuAppKey)
	require.NoError(t, err)
	require.True(t, valid)

	var accept lorawan.JoinAcceptPayload
	require.NoError(t, accept.UnmarshalBinary(phy.MACPayload))
	require.Equal(t, lorawan.DevAddr{0x01, 0x00, 0x00, 0x01}, accept.DevAddr)
	require.Equal(t, [3]byte{0x00, 0x00, 0x13}, accept.NetID)
	require.Equal(t, uint8(1), accept.RxDelay)
}

func TestDevNonceReplayDropped(t *testing.T) {
	e, air := newTestEmulator(t)

	devEUI := lorawan.EUI64{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	frame := buildJoinRequest(t, devEUI, lorawan.DevNonce{0x01, 0x00})

	e.Uplink(frame)
	air.waitDownlink(t)

	// The identical DevNonce is a replay and gets no answer.
	e.Uplink(frame)
	air.requireSilent(t)

	// A fresh nonce is accepted again.
	e.Uplink(buildJoinRequest(t, devEUI, lorawan.DevNonce{0x02, 0x00}))
	air.waitDownlink(t)
}

func TestUplinkRecordedWithoutDownlink(t *testing.T) {
	e, air := newTestEmulator(t)
	session := provisionTestDevice(e)

	var handled []UplinkRecord
	var mu sync.Mutex
	e.SetUplinkHandler(func(r UplinkRecord) {
		mu.Lock()
		handled = append(handled, r)
		mu.Unlock()
	})

	e.Uplink(session.buildUplink(t, 2, []byte("temperature 21.5"), false, nil))

	records := e.Received()
	require.Len(t, records, 1)
	require.Equal(t, session.devEUI, records[0].DevEUI)
	require.Equal(t, uint8(2), records[0].Port)
	require.Equal(t, []byte("temperature 21.5"), records[0].Payload)
	require.Equal(t, uint32(0), records[0].FCnt)

	mu.Lock()
	require.Len(t, handled, 1)
	mu.Unlock()

	// Unconfirmed uplink with nothing pending: the server stays quiet.
	air.requireSilent(t)
}

func TestConfirmedUplinkAcknowledged(t *testing.T) {
	e, air := newTestEmulator(t)
	session := provisionTestDevice(e)

	e.Uplink(session.buildUplink(t, 2, []byte("ack me"), true, nil))

	frame := air.waitDownlink(t)
	_, macPayload := parseDownlink(t, session, frame, 0)
	require.True(t, macPayload.FHDR.FCtrl.ACK)
	require.Nil(t, macPayload.FPort)
}

func TestLinkCheckAnswered(t *testing.T) {
	e, air := newTestEmulator(t)
	session := provisionTestDevice(e)
	e.SetLinkCheckAnswer(25, 3)

	e.Uplink(session.buildUplink(t, 0, nil, false, []byte{lorawan.LinkCheckReq}))

	frame := air.waitDownlink(t)
	_, macPayload := parseDownlink(t, session, frame, 0)

	commands, err := lorawan.ParseMACCommands(false, macPayload.FHDR.FOpts)
	require.NoError(t, err)
	require.Len(t, commands, 1)
	require.Equal(t, lorawan.LinkCheckAns, commands[0].CID)

	ans, err := lorawan.ParseLinkCheckAns(commands[0].Payload)
	require.NoError(t, err)
	require.Equal(t, uint8(25), ans.Margin)
	require.Equal(t, uint8(3), ans.GatewayCount)
}

func TestQueuedDownlinksDrainInOrder(t *testing.T) {
	e, air := newTestEmulator(t)
	session := provisionTestDevice(e)

	require.True(t, e.EnqueueDownlink(session.devEUI, 7, []byte("first"), false))
	require.True(t, e.EnqueueDownlink(session.devEUI, 8, []byte("second"), false))
	require.False(t, e.EnqueueDownlink(lorawan.EUI64{0xFF}, 1, []byte("nope"), false))

	e.Uplink(session.buildUplink(t, 2, []byte("poll"), false, nil))
	frame := air.waitDownlink(t)
	_, macPayload := parseDownlink(t, session, frame, 0)

	require.NotNil(t, macPayload.FPort)
	require.Equal(t, uint8(7), *macPayload.FPort)
	require.True(t, macPayload.FHDR.FCtrl.FPending)

	data, err := lorawan.EncryptFRMPayload(session.appSKey[:], session.devAddr, 0, false, macPayload.FRMPayload)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), data)

	e.Uplink(session.buildUplink(t, 2, []byte("poll"), false, nil))
	frame = air.waitDownlink(t)
	_, macPayload = parseDownlink(t, session, frame, 1)

	require.Equal(t, uint8(8), *macPayload.FPort)
	require.False(t, macPayload.FHDR.FCtrl.FPending)
}

func TestBadMICDropped(t *testing.T) {
	e, air := newTestEmulator(t)
	session := provisionTestDevice(e)

	frame := session.buildUplink(t, 2, []byte("tampered"), false, nil)
	frame[len(frame)-1] ^= 0xFF

	e.Uplink(frame)
	require.Empty(t, e.Received())
	air.requireSilent(t)
}

func TestUnknownDevAddrIgnored(t *testing.T) {
	e, air := newTestEmulator(t)

	stranger := &abpSession{
		devAddr: lorawan.DevAddr{0xDE, 0xAD, 0xBE, 0xEF},
		nwkSKey: lorawan.AES128Key{0x01},
		appSKey: lorawan.AES128Key{0x02},
	}
	e.Uplink(stranger.buildUplink(t, 2, []byte("who"), false, nil))

	require.Empty(t, e.Received())
	air.requireSilent(t)
}
