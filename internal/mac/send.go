package mac

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/lorawan-node-agent/internal/stack"
)

// Send schedules an uplink and returns immediately with TxScheduled; the
// outcome arrives later through Recv. Fails fast with NotJoined or Busy.
func (m *MAC) Send(payload []byte) Result {
	// Every send attempt invalidates the cached link check answer,
	// joined or not.
	m.mu.Lock()
	m.linkCheck.Available = false
	m.mu.Unlock()

	if !m.Joined() {
		log.Debug().Msg("network is not joined")
		return NotJoined
	}

	if m.state.Load() != stateIdle {
		log.Debug().Msg("MAC忙,拒绝发送请求")
		return Busy
	}

	m.registerCaller()
	m.call(sendCommand{payload: append([]byte(nil), payload...)})

	return TxScheduled
}

// Recv blocks until the engine delivers the next notification for the caller
// and classifies it as DataReceived, TxConfirmFailed or TxDone.
func (m *MAC) Recv(ctx context.Context) (Result, error) {
	ch := m.registerCaller()

	select {
	case result := <-ch:
		log.Debug().Str("result", result.String()).Msg("MAC reply received")
		return result, nil
	case <-ctx.Done():
		return TxConfirmFailed, ctx.Err()
	}
}

// RequestLinkCheck clears the cached availability and asks the stack to
// piggyback a link check query on the next uplink.
func (m *MAC) RequestLinkCheck() {
	m.mu.Lock()
	m.linkCheck.Available = false
	m.mu.Unlock()

	m.stack.MlmeRequest(&stack.MlmeRequest{Type: stack.MlmeLinkCheck})
}

// uplink runs on the engine loop and submits the MCPS request. When the
// payload does not fit alongside pending MAC commands, an empty unconfirmed
// frame is sent instead to flush them.
func (m *MAC) uplink(payload []byte) {
	m.mu.Lock()
	dr := m.datarate
	port := m.port
	mode := m.txMode
	retries := m.retries
	m.mu.Unlock()

	var req stack.McpsRequest
	var txInfo stack.TxInfo

	if m.stack.QueryTxPossible(len(payload), &txInfo) != stack.StatusOK {
		// Send empty frame in order to flush MAC commands
		m.flushedUplinks.Add(1)
		log.Info().
			Int("max_payload", txInfo.MaxPossiblePayload).
			Int("requested", txInfo.CurrentPayloadSize).
			Msg("载荷超限,改发空帧冲刷MAC命令")
		req = stack.McpsRequest{
			Type:     stack.McpsUnconfirmed,
			DataRate: dr,
		}
	} else if mode == TxUnconfirmed {
		log.Debug().Msg("MCPS_UNCONFIRMED")
		req = stack.McpsRequest{
			Type:     stack.McpsUnconfirmed,
			Port:     port,
			Buffer:   payload,
			DataRate: dr,
		}
	} else {
		log.Debug().Msg("MCPS_CONFIRMED")
		req = stack.McpsRequest{
			Type:     stack.McpsConfirmed,
			Port:     port,
			Buffer:   payload,
			DataRate: dr,
			NbTrials: retries,
		}
	}

	status := m.stack.McpsRequest(&req)
	switch status {
	case stack.StatusOK:
		log.Debug().Msg("MCPS request OK")
		return
	case stack.StatusBusy:
		log.Debug().Msg("MCPS status BUSY")
	case stack.StatusDutyCycleRestricted:
		log.Debug().Msg("MCPS duty cycle restriction")
	default:
		log.Debug().Str("status", status.String()).Msg("MCPS request error")
	}

	m.state.Store(stateIdle)
}
