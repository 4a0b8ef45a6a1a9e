package mac

import (
	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/lorawan-node-agent/internal/stack"
)

// stackCallbacks returns the confirm/indication primitives registered with
// the MAC stack. They run on the engine loop (the stack fires them from its
// radio event handlers), so self-posts must not block.
func (m *MAC) stackCallbacks() stack.Callbacks {
	return stack.Callbacks{
		McpsConfirm:    m.onMcpsConfirm,
		McpsIndication: m.onMcpsIndication,
		MlmeConfirm:    m.onMlmeConfirm,
		MlmeIndication: m.onMlmeIndication,
		Defer: func(fn func()) {
			m.tryPost(event{kind: evtTimer, fn: fn})
		},
	}
}

func (m *MAC) onMcpsConfirm(confirm *stack.McpsConfirm) {
	if confirm.Status != stack.EventStatusOK {
		m.tryPost(event{kind: evtTxConfirmFailed})
		return
	}

	switch confirm.Type {
	case stack.McpsUnconfirmed:
		m.tryPost(event{kind: evtTxDone})

	case stack.McpsConfirmed:
		// TX done for confirmed uplinks is signalled by the ACK
		// indication, not here.
		log.Debug().Bool("ack", confirm.AckReceived).Msg("确认帧MCPS confirm")

	default:
		log.Debug().Msg("MCPS confirm for unexpected type")
	}
}

func (m *MAC) onMcpsIndication(ind *stack.McpsIndication) {
	if ind.Status != stack.EventStatusOK {
		log.Debug().Msg("MCPS indication not OK")
		return
	}

	if ind.FramePending {
		// The server has pending data; flush it with an immediate uplink.
		log.Debug().Msg("服务器有待发数据,调度空帧上行")
		m.tryPost(event{kind: evtScheduleUplink})
	}

	if ind.RxData {
		// Copy the payload now; the indication buffer belongs to the stack.
		rx := RxData{
			Payload:   append([]byte(nil), ind.Buffer...),
			Port:      ind.Port,
			RSSI:      ind.RSSI,
			SNR:       ind.SNR,
			Datarate:  ind.RxDatarate,
			Ack:       ind.AckReceived,
			Multicast: ind.Multicast,
		}
		m.tryPost(event{kind: evtRxData, rx: rx})
		return
	}

	m.tryPost(event{kind: evtTxDone})
}

func (m *MAC) onMlmeConfirm(confirm *stack.MlmeConfirm) {
	switch confirm.Type {
	case stack.MlmeJoin:
		if confirm.Status == stack.EventStatusOK {
			log.Debug().Msg("join succeeded")
			m.tryPost(event{kind: evtJoinDone, result: JoinSucceeded})
		} else {
			log.Debug().Msg("join not successful")
			m.tryPost(event{kind: evtJoinDone, result: JoinFailed})
		}

	case stack.MlmeLinkCheck:
		if confirm.Status == stack.EventStatusOK {
			m.tryPost(event{
				kind:     evtLinkCheck,
				margin:   confirm.DemodMargin,
				gateways: confirm.NbGateways,
			})
		} else {
			// Availability stays false until a successful answer.
			log.Debug().Msg("link check failed")
		}
	}
}

func (m *MAC) onMlmeIndication(ind *stack.MlmeIndication) {
	if ind.Type == stack.MlmeScheduleUplink {
		log.Debug().Msg("MAC层要求尽快上行")
		m.tryPost(event{kind: evtScheduleUplink})
	}
}
