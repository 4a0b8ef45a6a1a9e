package mac

import (
	"github.com/rs/zerolog/log"
)

// loop is the protocol engine: single consumer of the event queue and sole
// writer of the state machine. Every MAC mutation happens here.
func (m *MAC) loop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.done:
			return
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

func (m *MAC) handle(ev event) {
	switch ev.kind {
	case evtRadioIRQ:
		// Servicing the IRQ dispatches driver events synchronously
		// through the adapter.
		m.driver.ProcessIRQ()

	case evtTxTimeout:
		log.Debug().Msg("TX定时器超时")
		if m.radioEvents.TxTimeout != nil {
			m.radioEvents.TxTimeout()
		}

	case evtRxTimeout:
		log.Debug().Msg("RX定时器超时")
		if m.radioEvents.RxTimeout != nil {
			m.radioEvents.RxTimeout()
		}

	case evtTimer:
		if ev.fn != nil {
			ev.fn()
		}

	case evtCommand:
		m.state.Store(stateBusy)
		m.dispatch(ev.cmd)
		close(ev.done)

	case evtJoinDone:
		log.Debug().Str("result", ev.result.String()).Msg("入网流程结束")
		// Idle must be visible before the caller wakes up.
		m.state.Store(stateIdle)
		m.notifyCaller(ev.result)

	case evtLinkCheck:
		m.mu.Lock()
		m.linkCheck = LinkCheckInfo{
			Available:   true,
			DemodMargin: ev.margin,
			NbGateways:  ev.gateways,
		}
		m.mu.Unlock()
		log.Info().
			Uint8("demod_margin", ev.margin).
			Uint8("nb_gateways", ev.gateways).
			Msg("收到链路检查结果")

	case evtTxDone:
		log.Debug().Msg("上行发送完成")
		m.state.Store(stateIdle)
		m.notifyCaller(TxDone)

	case evtTxConfirmFailed:
		log.Debug().Msg("确认帧未收到ACK")
		m.state.Store(stateIdle)
		m.notifyCaller(TxConfirmFailed)

	case evtRxData:
		m.mu.Lock()
		m.rxData = ev.rx
		m.mu.Unlock()
		log.Debug().
			Uint8("port", ev.rx.Port).
			Int("size", len(ev.rx.Payload)).
			Int16("rssi", ev.rx.RSSI).
			Bool("ack", ev.rx.Ack).
			Msg("收到下行数据")
		m.state.Store(stateIdle)
		m.notifyCaller(DataReceived)

	case evtScheduleUplink:
		// Flush pending MAC commands through an immediate empty uplink,
		// keeping the configured application port untouched.
		log.Debug().Msg("立即调度空帧上行")
		m.mu.Lock()
		prevPort := m.port
		m.port = 0
		m.mu.Unlock()

		m.uplink(nil)

		m.mu.Lock()
		m.port = prevPort
		m.mu.Unlock()

	default:
		log.Warn().Str("event", ev.kind.String()).Msg("unexpected event kind")
	}
}
