package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/lorawan-node-agent/internal/config"
	"github.com/lorawan-node/lorawan-node-agent/internal/integration"
	"github.com/lorawan-node/lorawan-node-agent/internal/mac"
	"github.com/lorawan-node/lorawan-node-agent/internal/models"
	"github.com/lorawan-node/lorawan-node-agent/pkg/lorawan"
)

// ErrBusy 已有未完成的发送请求
var ErrBusy = errors.New("an uplink is already in flight")

// ErrNotJoined 设备尚未入网
var ErrNotJoined = errors.New("device has not joined a network")

// Agent drives the MAC on behalf of the REST API and the periodic uplink
// worker. It owns the single Recv consumer; protocol outcomes fan out to
// the forwarder and to whichever caller is waiting on a transmission.
type Agent struct {
	cfg    *config.Config
	mac    *mac.MAC
	fwd    *integration.Forwarder
	devEUI lorawan.EUI64

	txMu sync.Mutex // one uplink in flight

	// pauseMu gates the Recv loop. Join holds it while the MAC's own
	// blocking wait consumes the caller channel.
	pauseMu sync.Mutex

	mu               sync.Mutex
	recvCancel       context.CancelFunc
	txWaiter         chan mac.Result
	linkCheckPending bool
	startedAt        time.Time
}

// New creates an agent around an already-started MAC.
func New(cfg *config.Config, m *mac.MAC, fwd *integration.Forwarder) *Agent {
	devEUI, err := cfg.DevEUI()
	if err != nil {
		log.Warn().Err(err).Msg("配置中的DevEUI无效")
	}
	return &Agent{
		cfg:       cfg,
		mac:       m,
		fwd:       fwd,
		devEUI:    devEUI,
		startedAt: time.Now(),
	}
}

// DevEUI returns the configured device EUI.
func (a *Agent) DevEUI() lorawan.EUI64 {
	return a.devEUI
}

// Run consumes MAC notifications until ctx is cancelled. Downlinks are
// forwarded as they arrive; transmission outcomes wake the pending
// SendUplink caller. Starts the periodic uplink worker when configured.
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg.Uplink.Enabled {
		go a.uplinkWorker(ctx)
	}

	for {
		a.pauseMu.Lock()
		rctx, cancel := context.WithCancel(ctx)
		a.mu.Lock()
		a.recvCancel = cancel
		a.mu.Unlock()
		a.pauseMu.Unlock()

		result, err := a.mac.Recv(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Paused for an exclusive operation, loop and reacquire.
			continue
		}

		switch result {
		case mac.DataReceived:
			a.handleDownlink(ctx)
		case mac.TxDone, mac.TxConfirmFailed:
			a.completeTx(ctx, result)
		default:
			log.Debug().Str("result", result.String()).Msg("未处理的MAC通知")
		}
	}
}

// pauseRecv parks the Recv loop so the caller may consume MAC results
// directly. Must be paired with resumeRecv.
func (a *Agent) pauseRecv() {
	a.pauseMu.Lock()
	a.mu.Lock()
	if a.recvCancel != nil {
		a.recvCancel()
	}
	a.mu.Unlock()
}

func (a *Agent) resumeRecv() {
	a.pauseMu.Unlock()
}

// Join performs a single join attempt using the configured activation
// mode and publishes the join event on success.
func (a *Agent) Join(ctx context.Context) (mac.Result, error) {
	typ := mac.JoinTypeOTAA
	if a.cfg.Device.Activation == "ABP" {
		typ = mac.JoinTypeABP
	}

	a.pauseRecv()
	result, err := a.mac.Join(ctx, typ)
	a.resumeRecv()
	if err != nil {
		return result, err
	}

	if result == mac.JoinSucceeded {
		a.fwd.PublishJoin(ctx, a.mac.DevAddr())
	}
	return result, nil
}

// JoinWithRetry keeps attempting to join, backing off on failures and on
// duty cycle restriction, until the join succeeds or ctx is cancelled.
func (a *Agent) JoinWithRetry(ctx context.Context) error {
	backoff := 5 * time.Second
	const maxBackoff = 5 * time.Minute

	for {
		result, err := a.Join(ctx)
		if err != nil {
			return err
		}

		switch result {
		case mac.JoinSucceeded:
			return nil
		case mac.Restricted:
			log.Warn().Dur("backoff", backoff).Msg("占空比受限,稍后重试入网")
		default:
			log.Warn().
				Str("result", result.String()).
				Dur("backoff", backoff).
				Msg("Join attempt failed, retrying")
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// SendUplink schedules an uplink and blocks until the MAC reports the
// outcome. Port and confirmation overrides apply to this uplink only
// when non-nil.
func (a *Agent) SendUplink(ctx context.Context, data []byte, port *uint8, confirmed *bool) (mac.Result, *models.UplinkFrame, error) {
	if !a.txMu.TryLock() {
		return mac.Busy, nil, ErrBusy
	}
	defer a.txMu.Unlock()

	if port != nil {
		a.mac.SetPort(*port)
	}
	if confirmed != nil {
		mode := mac.TxUnconfirmed
		if *confirmed {
			mode = mac.TxConfirmed
		}
		a.mac.SetTxMode(mode)
	}

	frame := &models.UplinkFrame{
		DevEUI:    a.devEUI,
		DevAddr:   a.mac.DevAddr(),
		FCnt:      a.mac.UplinkCounter(),
		FPort:     a.mac.Port(),
		Data:      append([]byte(nil), data...),
		Confirmed: a.mac.TxMode() == mac.TxConfirmed,
		DR:        a.mac.Datarate(),
	}

	waiter := make(chan mac.Result, 1)
	a.mu.Lock()
	a.txWaiter = waiter
	a.mu.Unlock()

	flushedBefore := a.mac.FlushedUplinks()

	switch result := a.mac.Send(data); result {
	case mac.TxScheduled:
	case mac.NotJoined:
		a.clearWaiter()
		return result, nil, ErrNotJoined
	default:
		a.clearWaiter()
		return result, nil, fmt.Errorf("uplink rejected: %s", result)
	}

	select {
	case result := <-waiter:
		acked := frame.Confirmed && result == mac.TxDone
		if a.mac.FlushedUplinks() > flushedBefore {
			// An empty frame went on air instead of the payload, record that.
			frame.Flushed = true
			frame.Data = nil
			frame.FPort = 0
			frame.Confirmed = false
		}
		a.fwd.PublishUplink(ctx, frame, acked)
		return result, frame, nil
	case <-ctx.Done():
		a.clearWaiter()
		return mac.TxConfirmFailed, frame, ctx.Err()
	}
}

// TriggerLinkCheck queues a link check query; the answer rides on the
// next uplink and is published once it arrives.
func (a *Agent) TriggerLinkCheck() {
	a.mu.Lock()
	a.linkCheckPending = true
	a.mu.Unlock()
	a.mac.RequestLinkCheck()
}

// LinkCheck returns the cached link check result.
func (a *Agent) LinkCheck() mac.LinkCheckInfo {
	return a.mac.LinkCheck()
}

// LastRx returns the most recently received downlink.
func (a *Agent) LastRx() mac.RxData {
	return a.mac.LastRx()
}

// Status is the agent's runtime snapshot served by the API.
type Status struct {
	Name            string    `json:"name"`
	Version         string    `json:"version"`
	StartedAt       time.Time `json:"startedAt"`
	Joined          bool      `json:"joined"`
	DevEUI          string    `json:"devEUI"`
	DevAddr         string    `json:"devAddr"`
	Region          string    `json:"region"`
	DataRate        uint8     `json:"dataRate"`
	ADR             bool      `json:"adr"`
	Port            uint8     `json:"port"`
	Confirmed       bool      `json:"confirmed"`
	Retries         uint8     `json:"retries"`
	UplinkCounter   uint32    `json:"uplinkCounter"`
	DownlinkCounter uint32    `json:"downlinkCounter"`
	DroppedEvents   uint64    `json:"droppedEvents"`
	FlushedUplinks  uint64    `json:"flushedUplinks"`
}

// Status reports the current device state.
func (a *Agent) Status() Status {
	return Status{
		Name:            a.cfg.Agent.Name,
		Version:         a.cfg.Agent.Version,
		StartedAt:       a.startedAt,
		Joined:          a.mac.Joined(),
		DevEUI:          a.devEUI.String(),
		DevAddr:         a.mac.DevAddr().String(),
		Region:          a.cfg.MAC.Region,
		DataRate:        a.mac.Datarate(),
		ADR:             a.mac.ADR(),
		Port:            a.mac.Port(),
		Confirmed:       a.mac.TxMode() == mac.TxConfirmed,
		Retries:         a.mac.Retries(),
		UplinkCounter:   a.mac.UplinkCounter(),
		DownlinkCounter: a.mac.DownlinkCounter(),
		DroppedEvents:   a.mac.DroppedEvents(),
		FlushedUplinks:  a.mac.FlushedUplinks(),
	}
}

// MACSettings is the runtime-adjustable slice of the MAC configuration.
type MACSettings struct {
	DataRate  *uint8 `json:"dataRate,omitempty"`
	ADR       *bool  `json:"adr,omitempty"`
	Port      *uint8 `json:"port,omitempty"`
	Confirmed *bool  `json:"confirmed,omitempty"`
	Retries   *uint8 `json:"retries,omitempty"`
}

// GetMACSettings returns the current MAC settings.
func (a *Agent) GetMACSettings() MACSettings {
	dr := a.mac.Datarate()
	adr := a.mac.ADR()
	port := a.mac.Port()
	confirmed := a.mac.TxMode() == mac.TxConfirmed
	retries := a.mac.Retries()
	return MACSettings{
		DataRate:  &dr,
		ADR:       &adr,
		Port:      &port,
		Confirmed: &confirmed,
		Retries:   &retries,
	}
}

// ApplyMACSettings applies the non-nil fields.
func (a *Agent) ApplyMACSettings(s MACSettings) {
	if s.DataRate != nil {
		a.mac.SetDatarate(*s.DataRate)
	}
	if s.ADR != nil {
		a.mac.SetADR(*s.ADR)
	}
	if s.Port != nil {
		a.mac.SetPort(*s.Port)
	}
	if s.Confirmed != nil {
		mode := mac.TxUnconfirmed
		if *s.Confirmed {
			mode = mac.TxConfirmed
		}
		a.mac.SetTxMode(mode)
	}
	if s.Retries != nil {
		a.mac.SetRetries(*s.Retries)
	}
}

func (a *Agent) handleDownlink(ctx context.Context) {
	rx := a.mac.LastRx()

	frame := &models.DownlinkFrame{
		DevEUI:  a.devEUI,
		DevAddr: a.mac.DevAddr(),
		FPort:   rx.Port,
		Data:    rx.Payload,
		Ack:     rx.Ack,
		RSSI:    rx.RSSI,
		SNR:     rx.SNR,
		DR:      rx.Datarate,
	}
	a.fwd.PublishDownlink(ctx, frame)
}

func (a *Agent) completeTx(ctx context.Context, result mac.Result) {
	a.mu.Lock()
	waiter := a.txWaiter
	a.txWaiter = nil
	pending := a.linkCheckPending
	a.mu.Unlock()

	if waiter != nil {
		waiter <- result
	} else {
		log.Debug().Str("result", result.String()).Msg("Transmission completed without a waiter")
	}

	if pending {
		// The answer may still be in flight behind the TX outcome.
		go a.publishLinkCheckWhenReady(ctx)
	}
}

// publishLinkCheckWhenReady polls the link check cache briefly after a
// transmission and publishes the answer once, if one arrived.
func (a *Agent) publishLinkCheckWhenReady(ctx context.Context) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if info := a.mac.LinkCheck(); info.Available {
			a.mu.Lock()
			pending := a.linkCheckPending
			a.linkCheckPending = false
			a.mu.Unlock()
			if pending {
				a.fwd.PublishLinkCheck(ctx, info.DemodMargin, info.NbGateways)
			}
			return
		}
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) clearWaiter() {
	a.mu.Lock()
	a.txWaiter = nil
	a.mu.Unlock()
}

func (a *Agent) uplinkWorker(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Uplink.Interval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", a.cfg.Uplink.Interval).
		Uint8("port", a.cfg.Uplink.Port).
		Msg("Periodic uplink worker started")

	for {
		select {
		case <-ticker.C:
			port := a.cfg.Uplink.Port
			result, _, err := a.SendUplink(ctx, []byte(a.cfg.Uplink.Payload), &port, nil)
			if err != nil {
				log.Warn().Err(err).Msg("周期上行发送失败")
				continue
			}
			log.Debug().Str("result", result.String()).Msg("Periodic uplink completed")
		case <-ctx.Done():
			return
		}
	}
}
