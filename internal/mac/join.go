package mac

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/lorawan-node-agent/internal/stack"
)

// Join runs the activation procedure. OTAA blocks until the network answers
// or ctx expires; ABP configures the session locally and returns at once.
// 返回BUSY表示上一次join/send还未结束。
func (m *MAC) Join(ctx context.Context, typ JoinType) (Result, error) {
	if m.state.Load() != stateIdle {
		log.Debug().Msg("MAC忙,拒绝入网请求")
		return Busy, nil
	}

	ch := m.registerCaller()
	m.call(joinCommand{typ: typ})

	if typ == JoinTypeABP {
		// ABP needs no network round trip.
		return JoinSucceeded, nil
	}

	select {
	case result := <-ch:
		return result, nil
	case <-ctx.Done():
		return JoinFailed, ctx.Err()
	}
}

// joinOTAA runs on the engine loop: submit the MLME join request and let the
// outcome arrive asynchronously through the confirm callback.
func (m *MAC) joinOTAA() {
	log.Debug().Msg("starting OTAA join")

	m.mu.Lock()
	params := stack.JoinParams{
		DevEUI:   m.devEUI,
		JoinEUI:  m.joinEUI,
		AppKey:   m.appKey,
		DataRate: m.datarate,
	}
	m.mu.Unlock()

	m.stack.MibSet(&stack.MibRequest{Type: stack.MibNetworkJoined})

	status := m.stack.MlmeRequest(&stack.MlmeRequest{Type: stack.MlmeJoin, Join: params})
	switch status {
	case stack.StatusOK:
		return

	case stack.StatusDutyCycleRestricted:
		log.Debug().Msg("duty cycle restricted")
		m.tryPost(event{kind: evtJoinDone, result: Restricted})

	default:
		log.Debug().Str("status", status.String()).Msg("join request rejected")
		m.tryPost(event{kind: evtJoinDone, result: JoinFailed})
	}
}

// joinABP runs on the engine loop: install the pre-shared session into the
// stack MIB and mark the network joined.
func (m *MAC) joinABP() {
	log.Debug().Msg("starting ABP join")

	m.mu.Lock()
	devAddr := m.devAddr
	nwkSKey := m.nwkSKey
	appSKey := m.appSKey
	m.mu.Unlock()

	m.stack.MibSet(&stack.MibRequest{Type: stack.MibNetworkJoined})
	m.stack.MibSet(&stack.MibRequest{Type: stack.MibNetID})
	m.stack.MibSet(&stack.MibRequest{Type: stack.MibDevAddr, Value: stack.MibValue{DevAddr: devAddr}})
	m.stack.MibSet(&stack.MibRequest{Type: stack.MibNwkSKey, Value: stack.MibValue{Key: nwkSKey}})
	m.stack.MibSet(&stack.MibRequest{Type: stack.MibAppSKey, Value: stack.MibValue{Key: appSKey}})
	m.stack.MibSet(&stack.MibRequest{Type: stack.MibNetworkJoined, Value: stack.MibValue{Joined: true}})

	m.state.Store(stateIdle)
}
