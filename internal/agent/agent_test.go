package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lorawan-node/lorawan-node-agent/internal/config"
	"github.com/lorawan-node/lorawan-node-agent/internal/integration"
	"github.com/lorawan-node/lorawan-node-agent/internal/mac"
	"github.com/lorawan-node/lorawan-node-agent/internal/models"
	"github.com/lorawan-node/lorawan-node-agent/internal/network"
	"github.com/lorawan-node/lorawan-node-agent/internal/radio"
	"github.com/lorawan-node/lorawan-node-agent/internal/stack"
	"github.com/lorawan-node/lorawan-node-agent/internal/storage"
	"github.com/lorawan-node/lorawan-node-agent/pkg/lorawan"
)

var (
	testDevEUI = lorawan.EUI64{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77}
	testAppKey = lorawan.AES128Key{
		0x2B, 0x7E, 0x15, 0x16, 0x28, 0xAE, 0xD2, 0xA6,
		0xAB, 0xF7, 0x15, 0x88, 0x09, 0xCF, 0x4F, 0x3C,
	}
)

// recordStore keeps everything the forwarder persists.
type recordStore struct {
	mu        sync.Mutex
	events    []*models.EventLog
	uplinks   []*models.UplinkFrame
	downlinks []*models.DownlinkFrame
}

func (s *recordStore) CreateEventLog(_ context.Context, event *models.EventLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordStore) ListEventLogs(_ context.Context, _ storage.EventLogFilters, _, _ int) ([]*models.EventLog, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events, int64(len(s.events)), nil
}

func (s *recordStore) CreateUplinkFrame(_ context.Context, frame *models.UplinkFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uplinks = append(s.uplinks, frame)
	return nil
}

func (s *recordStore) ListUplinkFrames(_ context.Context, _ lorawan.EUI64, _, _ int) ([]*models.UplinkFrame, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uplinks, int64(len(s.uplinks)), nil
}

func (s *recordStore) CreateDownlinkFrame(_ context.Context, frame *models.DownlinkFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downlinks = append(s.downlinks, frame)
	return nil
}

func (s *recordStore) ListDownlinkFrames(_ context.Context, _ lorawan.EUI64, _, _ int) ([]*models.DownlinkFrame, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downlinks, int64(len(s.downlinks)), nil
}

func (s *recordStore) Close() error { return nil }

func (s *recordStore) downlinkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.downlinks)
}

func newTestAgent(t *testing.T) (*Agent, *network.Emulator, *recordStore) {
	t.Helper()

	cfg := &config.Config{
		Agent: config.AgentConfig{Name: "test-agent", Version: "dev"},
		Device: config.DeviceConfig{
			Activation: "OTAA",
			DevEUI:     "0011223344556677",
			JoinEUI:    "70b3d57ed0000001",
			AppKey:     "2b7e151628aed2a6abf7158809cf4f3c",
		},
		MAC: config.MACConfig{Region: "EU868"},
	}

	driver := radio.NewSimDriver()
	emu := network.NewEmulator(driver, testAppKey)
	emu.SetRX1Delay(10 * time.Millisecond)

	sim := stack.NewSimulator(driver)
	sim.SetRxWindowSpan(300 * time.Millisecond)
	sim.SetDutyCycle(false)

	m := mac.New(driver, sim, lorawan.GetRegionConfiguration("EU868"))
	m.SetDevEUI(testDevEUI)
	m.SetJoinEUI(lorawan.EUI64{0x70, 0xB3, 0xD5, 0x7E, 0xD0, 0x00, 0x00, 0x01})
	m.SetAppKey(testAppKey)
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)

	store := &recordStore{}
	fwd := integration.NewForwarder(nil, store, testDevEUI)
	a := New(cfg, m, fwd)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx)

	return a, emu, store
}

func join(t *testing.T, a *Agent) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := a.Join(ctx)
	require.NoError(t, err)
	require.Equal(t, mac.JoinSucceeded, result)
}

func TestJoinUpdatesStatusAndLogsEvent(t *testing.T) {
	a, _, store := newTestAgent(t)

	require.False(t, a.Status().Joined)
	join(t, a)

	status := a.Status()
	require.True(t, status.Joined)
	require.NotEqual(t, "00000000", status.DevAddr)

	require.Len(t, store.events, 1)
	require.Equal(t, models.EventTypeJoin, store.events[0].Type)
}

func TestSendUplinkRecordsFrames(t *testing.T) {
	a, emu, store := newTestAgent(t)
	join(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, frame, err := a.SendUplink(ctx, []byte("hello"), nil, nil)
	require.NoError(t, err)
	require.Equal(t, mac.TxDone, result)
	require.Equal(t, uint32(0), frame.FCnt)
	require.Equal(t, []byte("hello"), frame.Data)

	result, frame, err = a.SendUplink(ctx, []byte("again"), nil, nil)
	require.NoError(t, err)
	require.Equal(t, mac.TxDone, result)
	require.Equal(t, uint32(1), frame.FCnt)

	require.Len(t, store.uplinks, 2)
	require.Len(t, emu.Received(), 2)
}

func TestSendUplinkConfirmedGetsAck(t *testing.T) {
	a, _, _ := newTestAgent(t)
	join(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	confirmed := true
	result, frame, err := a.SendUplink(ctx, []byte("need-ack"), nil, &confirmed)
	require.NoError(t, err)
	require.Equal(t, mac.TxDone, result)
	require.True(t, frame.Confirmed)
}

func TestSendUplinkBeforeJoinFails(t *testing.T) {
	a, _, _ := newTestAgent(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, _, err := a.SendUplink(ctx, []byte("x"), nil, nil)
	require.ErrorIs(t, err, ErrNotJoined)
}

func TestDownlinkForwardedToStore(t *testing.T) {
	a, emu, store := newTestAgent(t)
	join(t, a)

	require.True(t, emu.EnqueueDownlink(testDevEUI, 7, []byte{0xde, 0xad}, false))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := a.SendUplink(ctx, []byte("poll"), nil, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return store.downlinkCount() == 1
	}, 2*time.Second, 20*time.Millisecond)

	rx := a.LastRx()
	require.Equal(t, uint8(7), rx.Port)
	require.Equal(t, []byte{0xde, 0xad}, rx.Payload)
}

func TestLinkCheckAnswerPublished(t *testing.T) {
	a, emu, store := newTestAgent(t)
	emu.SetLinkCheckAnswer(25, 3)
	join(t, a)

	a.TriggerLinkCheck()
	require.False(t, a.LinkCheck().Available)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := a.SendUplink(ctx, []byte("lc"), nil, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		info := a.LinkCheck()
		return info.Available && info.DemodMargin == 25 && info.NbGateways == 3
	}, 2*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		for _, e := range store.events {
			if e.Type == models.EventTypeLinkCheck {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}
