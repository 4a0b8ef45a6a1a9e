package mac

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lorawan-node/lorawan-node-agent/internal/radio"
	"github.com/lorawan-node/lorawan-node-agent/internal/stack"
	"github.com/lorawan-node/lorawan-node-agent/pkg/lorawan"
)

// fakeDriver is a scriptable radio.Driver.
type fakeDriver struct {
	mu          sync.Mutex
	irq         func()
	cb          func(radio.Event)
	pending     []radio.Event
	rxFrame     []byte
	rxInfo      radio.PacketInfo
	transmitted [][]byte
	slept       bool
	lastChannel uint8
}

func (d *fakeDriver) SetIRQHandler(fn func()) {
	d.mu.Lock()
	d.irq = fn
	d.mu.Unlock()
}

func (d *fakeDriver) SetEventCallback(cb func(radio.Event)) {
	d.mu.Lock()
	d.cb = cb
	d.mu.Unlock()
}

func (d *fakeDriver) raise(ev radio.Event) {
	d.mu.Lock()
	d.pending = append(d.pending, ev)
	irq := d.irq
	d.mu.Unlock()
	if irq != nil {
		irq()
	}
}

func (d *fakeDriver) ProcessIRQ() {
	for {
		d.mu.Lock()
		if len(d.pending) == 0 {
			d.mu.Unlock()
			return
		}
		ev := d.pending[0]
		d.pending = d.pending[1:]
		cb := d.cb
		d.mu.Unlock()
		if cb != nil {
			cb(ev)
		}
	}
}

func (d *fakeDriver) Transmit(data []byte) error {
	d.mu.Lock()
	d.transmitted = append(d.transmitted, append([]byte(nil), data...))
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) FrameLength() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rxFrame)
}

func (d *fakeDriver) ReadFrame(buf []byte) (radio.PacketInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(buf, d.rxFrame)
	return d.rxInfo, nil
}

func (d *fakeDriver) Sleep() {
	d.mu.Lock()
	d.slept = true
	d.mu.Unlock()
}

func (d *fakeDriver) Standby() {}

func (d *fakeDriver) LastCADDetected() bool { return false }

func (d *fakeDriver) LastChannel() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastChannel
}

// fakeStack is a scriptable stack.Stack recording every request.
type fakeStack struct {
	mu sync.Mutex

	cb     stack.Callbacks
	events *radio.Events

	joined bool

	mlmeJoinStatus stack.Status
	mcpsStatus     stack.Status
	queryStatus    stack.Status

	mcpsReqs []stack.McpsRequest
	mlmeReqs []stack.MlmeRequest

	// joinConfirm is fired asynchronously after an accepted MLME join.
	joinConfirm *stack.MlmeConfirm
}

func newFakeStack() *fakeStack {
	return &fakeStack{
		mlmeJoinStatus: stack.StatusOK,
		mcpsStatus:     stack.StatusOK,
		queryStatus:    stack.StatusOK,
	}
}

func (f *fakeStack) Init(events *radio.Events, cb stack.Callbacks, _ *lorawan.RegionConfiguration) error {
	f.mu.Lock()
	f.cb = cb
	f.events = events
	f.mu.Unlock()
	return nil
}

func (f *fakeStack) McpsRequest(req *stack.McpsRequest) stack.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mcpsReqs = append(f.mcpsReqs, *req)
	return f.mcpsStatus
}

func (f *fakeStack) MlmeRequest(req *stack.MlmeRequest) stack.Status {
	f.mu.Lock()
	f.mlmeReqs = append(f.mlmeReqs, *req)
	status := f.mlmeJoinStatus
	confirm := f.joinConfirm
	cb := f.cb.MlmeConfirm
	f.mu.Unlock()

	if req.Type == stack.MlmeJoin && status == stack.StatusOK && confirm != nil {
		go cb(confirm)
	}
	if req.Type != stack.MlmeJoin {
		return stack.StatusOK
	}
	return status
}

func (f *fakeStack) MibGet(req *stack.MibRequest) stack.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Type == stack.MibNetworkJoined {
		req.Value.Joined = f.joined
	}
	return stack.StatusOK
}

func (f *fakeStack) MibSet(req *stack.MibRequest) stack.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Type == stack.MibNetworkJoined {
		f.joined = req.Value.Joined
	}
	return stack.StatusOK
}

func (f *fakeStack) QueryTxPossible(size int, txInfo *stack.TxInfo) stack.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if txInfo != nil {
		txInfo.MaxPossiblePayload = 51
		txInfo.CurrentPayloadSize = size
	}
	return f.queryStatus
}

func (f *fakeStack) mcpsRequests() []stack.McpsRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]stack.McpsRequest, len(f.mcpsReqs))
	copy(out, f.mcpsReqs)
	return out
}

func (f *fakeStack) callbacks() stack.Callbacks {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func newTestMAC(t *testing.T) (*MAC, *fakeDriver, *fakeStack) {
	t.Helper()
	driver := &fakeDriver{}
	fs := newFakeStack()
	m := New(driver, fs, &lorawan.EU868Configuration)
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	return m, driver, fs
}

func TestJoinABPSucceedsImmediately(t *testing.T) {
	m, _, fs := newTestMAC(t)

	m.SetDevAddr(lorawan.DevAddr{0x01, 0x02, 0x03, 0x04})
	m.SetNwkSKey(lorawan.AES128Key{0x01})
	m.SetAppSKey(lorawan.AES128Key{0x02})

	result, err := m.Join(context.Background(), JoinTypeABP)
	require.NoError(t, err)
	require.Equal(t, JoinSucceeded, result)
	require.Equal(t, stateIdle, m.state.Load())

	fs.mu.Lock()
	joined := fs.joined
	fs.mu.Unlock()
	require.True(t, joined)
}

func TestJoinOTAASucceeds(t *testing.T) {
	m, _, fs := newTestMAC(t)
	fs.joinConfirm = &stack.MlmeConfirm{Type: stack.MlmeJoin, Status: stack.EventStatusOK}

	result, err := m.Join(context.Background(), JoinTypeOTAA)
	require.NoError(t, err)
	require.Equal(t, JoinSucceeded, result)
	require.Equal(t, stateIdle, m.state.Load())
}

func TestJoinOTAAFails(t *testing.T) {
	m, _, fs := newTestMAC(t)
	fs.joinConfirm = &stack.MlmeConfirm{Type: stack.MlmeJoin, Status: stack.EventStatusRx2Timeout}

	result, err := m.Join(context.Background(), JoinTypeOTAA)
	require.NoError(t, err)
	require.Equal(t, JoinFailed, result)
	require.Equal(t, stateIdle, m.state.Load())
}

func TestJoinOTAADutyCycleRestricted(t *testing.T) {
	m, _, fs := newTestMAC(t)
	fs.mlmeJoinStatus = stack.StatusDutyCycleRestricted

	result, err := m.Join(context.Background(), JoinTypeOTAA)
	require.NoError(t, err)
	require.Equal(t, Restricted, result)
	require.Equal(t, stateIdle, m.state.Load())
}

func TestSendNotJoined(t *testing.T) {
	m, _, fs := newTestMAC(t)

	result := m.Send([]byte{0x01, 0x02})
	require.Equal(t, NotJoined, result)
	require.Empty(t, fs.mcpsRequests())
	require.Equal(t, stateIdle, m.state.Load())
}

func TestSecondSendWhileBusyReturnsBusy(t *testing.T) {
	m, _, fs := newTestMAC(t)
	fs.mu.Lock()
	fs.joined = true
	fs.mu.Unlock()

	require.Equal(t, TxScheduled, m.Send([]byte("ping")))

	// The MCPS request was accepted; the engine stays busy until the
	// confirm arrives.
	require.Eventually(t, func() bool {
		return len(fs.mcpsRequests()) == 1
	}, time.Second, time.Millisecond)

	require.Equal(t, Busy, m.Send([]byte("pong")))
	require.Len(t, fs.mcpsRequests(), 1)
}

func TestUnconfirmedSendCompletesWithTxDone(t *testing.T) {
	m, _, fs := newTestMAC(t)
	fs.mu.Lock()
	fs.joined = true
	fs.mu.Unlock()

	require.Equal(t, TxScheduled, m.Send([]byte("ping")))

	require.Eventually(t, func() bool {
		return len(fs.mcpsRequests()) == 1
	}, time.Second, time.Millisecond)

	fs.callbacks().McpsConfirm(&stack.McpsConfirm{
		Type:   stack.McpsUnconfirmed,
		Status: stack.EventStatusOK,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := m.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, TxDone, result)
	require.Equal(t, stateIdle, m.state.Load())
}

func TestSendAcceptedImmediatelyAfterCompletion(t *testing.T) {
	m, _, fs := newTestMAC(t)
	fs.mu.Lock()
	fs.joined = true
	fs.mu.Unlock()

	require.Equal(t, TxScheduled, m.Send([]byte("one")))

	require.Eventually(t, func() bool {
		return len(fs.mcpsRequests()) == 1
	}, time.Second, time.Millisecond)

	fs.callbacks().McpsConfirm(&stack.McpsConfirm{
		Type:   stack.McpsUnconfirmed,
		Status: stack.EventStatusOK,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := m.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, TxDone, result)

	// The engine stores IDLE before notifying the caller, so a send
	// issued right after Recv never observes BUSY.
	require.Equal(t, stateIdle, m.state.Load())
	require.Equal(t, TxScheduled, m.Send([]byte("two")))
}

func TestConfirmedSendWithoutAckFails(t *testing.T) {
	m, _, fs := newTestMAC(t)
	fs.mu.Lock()
	fs.joined = true
	fs.mu.Unlock()
	m.SetTxMode(TxConfirmed)

	require.Equal(t, TxScheduled, m.Send([]byte("ping")))

	require.Eventually(t, func() bool {
		return len(fs.mcpsRequests()) == 1
	}, time.Second, time.Millisecond)

	req := fs.mcpsRequests()[0]
	require.Equal(t, stack.McpsConfirmed, req.Type)
	require.Equal(t, DefaultRetries, req.NbTrials)

	fs.callbacks().McpsConfirm(&stack.McpsConfirm{
		Type:   stack.McpsConfirmed,
		Status: stack.EventStatusRx2Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := m.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, TxConfirmFailed, result)
	require.Equal(t, stateIdle, m.state.Load())
}

func TestOversizedPayloadFlushesEmptyFrame(t *testing.T) {
	m, _, fs := newTestMAC(t)
	fs.mu.Lock()
	fs.joined = true
	fs.queryStatus = stack.StatusLengthError
	fs.mu.Unlock()

	require.Equal(t, TxScheduled, m.Send([]byte("way too large for the datarate")))

	require.Eventually(t, func() bool {
		return len(fs.mcpsRequests()) == 1
	}, time.Second, time.Millisecond)

	req := fs.mcpsRequests()[0]
	require.Equal(t, stack.McpsUnconfirmed, req.Type)
	require.Empty(t, req.Buffer)
	require.Zero(t, req.Port)
	require.Equal(t, uint64(1), m.FlushedUplinks())
}

func TestSubmissionRejectionResetsIdle(t *testing.T) {
	m, _, fs := newTestMAC(t)
	fs.mu.Lock()
	fs.joined = true
	fs.mcpsStatus = stack.StatusDutyCycleRestricted
	fs.mu.Unlock()

	require.Equal(t, TxScheduled, m.Send([]byte("ping")))

	require.Eventually(t, func() bool {
		return m.state.Load() == stateIdle && len(fs.mcpsRequests()) == 1
	}, time.Second, time.Millisecond)

	// The engine recovered; a new send is accepted.
	require.Equal(t, TxScheduled, m.Send([]byte("pong")))
}

func TestInterruptPostNeverBlocks(t *testing.T) {
	driver := &fakeDriver{}
	m := New(driver, newFakeStack(), &lorawan.EU868Configuration)
	// Engine intentionally not started: the queue cannot drain.

	for i := 0; i < eventQueueSize; i++ {
		require.True(t, m.tryPost(event{kind: evtRadioIRQ}))
	}

	done := make(chan bool, 1)
	go func() {
		done <- m.tryPost(event{kind: evtRadioIRQ})
	}()

	select {
	case posted := <-done:
		require.False(t, posted)
	case <-time.After(time.Second):
		t.Fatal("tryPost blocked on a full queue")
	}
	require.Equal(t, uint64(1), m.DroppedEvents())
}

func TestLinkCheckCaching(t *testing.T) {
	m, _, fs := newTestMAC(t)

	// Seed a stale result, the request must clear it.
	m.mu.Lock()
	m.linkCheck = LinkCheckInfo{Available: true, DemodMargin: 1, NbGateways: 1}
	m.mu.Unlock()

	m.RequestLinkCheck()
	require.False(t, m.LinkCheck().Available)

	fs.callbacks().MlmeConfirm(&stack.MlmeConfirm{
		Type:        stack.MlmeLinkCheck,
		Status:      stack.EventStatusOK,
		DemodMargin: 5,
		NbGateways:  3,
	})

	require.Eventually(t, func() bool {
		lc := m.LinkCheck()
		return lc.Available && lc.DemodMargin == 5 && lc.NbGateways == 3
	}, time.Second, time.Millisecond)
}

func TestSendClearsLinkCheckEvenWhenNotJoined(t *testing.T) {
	m, _, _ := newTestMAC(t)

	m.mu.Lock()
	m.linkCheck = LinkCheckInfo{Available: true, DemodMargin: 4, NbGateways: 2}
	m.mu.Unlock()

	require.Equal(t, NotJoined, m.Send([]byte("ping")))
	require.False(t, m.LinkCheck().Available)
}

func TestLinkCheckFailureLeavesUnavailable(t *testing.T) {
	m, _, fs := newTestMAC(t)

	m.RequestLinkCheck()
	fs.callbacks().MlmeConfirm(&stack.MlmeConfirm{
		Type:   stack.MlmeLinkCheck,
		Status: stack.EventStatusRx2Timeout,
	})

	// Give the engine time to process anything posted by mistake.
	time.Sleep(50 * time.Millisecond)
	require.False(t, m.LinkCheck().Available)
}

func TestDownlinkDataDelivery(t *testing.T) {
	m, _, fs := newTestMAC(t)
	fs.mu.Lock()
	fs.joined = true
	fs.mu.Unlock()

	require.Equal(t, TxScheduled, m.Send([]byte("ping")))

	fs.callbacks().McpsIndication(&stack.McpsIndication{
		Type:   stack.McpsUnconfirmed,
		Status: stack.EventStatusOK,
		RxData: true,
		Port:   10,
		Buffer: []byte{0xca, 0xfe},
		RSSI:   -40,
		SNR:    7,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := m.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, DataReceived, result)

	rx := m.LastRx()
	require.Equal(t, []byte{0xca, 0xfe}, rx.Payload)
	require.Equal(t, uint8(10), rx.Port)
	require.Equal(t, int16(-40), rx.RSSI)
	require.Equal(t, stateIdle, m.state.Load())
}

func TestFramePendingSchedulesEmptyUplink(t *testing.T) {
	m, _, fs := newTestMAC(t)
	fs.mu.Lock()
	fs.joined = true
	fs.mu.Unlock()
	m.SetPort(42)

	fs.callbacks().McpsIndication(&stack.McpsIndication{
		Type:         stack.McpsUnconfirmed,
		Status:       stack.EventStatusOK,
		FramePending: true,
	})

	require.Eventually(t, func() bool {
		return len(fs.mcpsRequests()) == 1
	}, time.Second, time.Millisecond)

	req := fs.mcpsRequests()[0]
	require.Empty(t, req.Buffer)
	require.Zero(t, req.Port)

	// The configured application port survives the flush.
	require.Equal(t, uint8(42), m.Port())
}

func TestRadioTxCompleteSleepsAndFiresTxDone(t *testing.T) {
	m, driver, fs := newTestMAC(t)

	txDone := make(chan struct{}, 1)
	fs.mu.Lock()
	fs.events.TxDone = func() { txDone <- struct{}{} }
	fs.mu.Unlock()

	driver.raise(radio.EventTxComplete)

	select {
	case <-txDone:
	case <-time.After(time.Second):
		t.Fatal("TxDone callback never fired")
	}

	driver.mu.Lock()
	slept := driver.slept
	driver.mu.Unlock()
	require.True(t, slept)
	require.Zero(t, m.DroppedEvents())
}

func TestRadioFhssChangeChannelForwarded(t *testing.T) {
	m, driver, fs := newTestMAC(t)

	hops := make(chan uint8, 1)
	fs.mu.Lock()
	fs.events.FhssChangeChannel = func(channel uint8) { hops <- channel }
	fs.mu.Unlock()

	driver.mu.Lock()
	driver.lastChannel = 5
	driver.mu.Unlock()

	driver.raise(radio.EventFhssChangeChannel)

	select {
	case ch := <-hops:
		require.Equal(t, uint8(5), ch)
	case <-time.After(time.Second):
		t.Fatal("FhssChangeChannel callback never fired")
	}
	require.Zero(t, m.DroppedEvents())
}

func TestRadioHeaderAndCADEventsIgnored(t *testing.T) {
	m, driver, _ := newTestMAC(t)

	driver.raise(radio.EventValidHeader)
	driver.raise(radio.EventCADDetected)

	// Informational interrupts are logged and dropped without reaching
	// the caller or losing engine capacity.
	require.Never(t, func() bool { return m.DroppedEvents() > 0 }, 100*time.Millisecond, 20*time.Millisecond)
}

func TestRadioRxCompleteDeliversFrame(t *testing.T) {
	_, driver, fs := newTestMAC(t)

	type rxCall struct {
		payload []byte
		rssi    int16
		snr     int8
	}
	rxDone := make(chan rxCall, 1)
	fs.mu.Lock()
	fs.events.RxDone = func(payload []byte, rssi int16, snr int8) {
		rxDone <- rxCall{payload: payload, rssi: rssi, snr: snr}
	}
	fs.mu.Unlock()

	driver.mu.Lock()
	driver.rxFrame = []byte{0x40, 0x01, 0x02}
	driver.rxInfo = radio.PacketInfo{RSSI: -55, SNR: 8}
	driver.mu.Unlock()

	driver.raise(radio.EventRxComplete)

	select {
	case call := <-rxDone:
		require.Equal(t, []byte{0x40, 0x01, 0x02}, call.payload)
		require.Equal(t, int16(-55), call.rssi)
		require.Equal(t, int8(8), call.snr)
	case <-time.After(time.Second):
		t.Fatal("RxDone callback never fired")
	}
}
