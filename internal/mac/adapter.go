package mac

import (
	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/lorawan-node-agent/internal/radio"
)

// onRadioEvent translates driver events into radio-layer callbacks or engine
// messages. Invoked synchronously from ProcessIRQ on the engine loop.
func (m *MAC) onRadioEvent(ev radio.Event) {
	switch ev {
	case radio.EventTxComplete:
		m.driver.Sleep()
		if m.radioEvents.TxDone != nil {
			m.radioEvents.TxDone()
		}
		log.Debug().Msg("射频发送完成")

	case radio.EventRxComplete:
		n := m.driver.FrameLength()
		buf := make([]byte, n)
		info, err := m.driver.ReadFrame(buf)
		if err != nil {
			log.Error().Err(err).Msg("读取接收帧失败")
			return
		}
		if m.radioEvents.RxDone != nil {
			m.radioEvents.RxDone(buf, info.RSSI, info.SNR)
		}

	case radio.EventTxTimeout:
		if !m.tryPost(event{kind: evtTxTimeout}) {
			log.Warn().Msg("TX timeout, possibly lost interrupt")
		}

	case radio.EventRxTimeout:
		if !m.tryPost(event{kind: evtRxTimeout}) {
			log.Warn().Msg("RX timeout, possibly lost interrupt")
		}

	case radio.EventCRCError:
		log.Debug().Msg("接收帧CRC错误")
		if m.radioEvents.RxError != nil {
			m.radioEvents.RxError()
		}

	case radio.EventCADDone:
		if m.radioEvents.CadDone != nil {
			m.radioEvents.CadDone(m.driver.LastCADDetected())
		}

	case radio.EventFhssChangeChannel:
		if m.radioEvents.FhssChangeChannel != nil {
			m.radioEvents.FhssChangeChannel(m.driver.LastChannel())
		}

	case radio.EventCADDetected:
		log.Debug().Msg("检测到信道活动")

	case radio.EventValidHeader:
		log.Debug().Msg("收到有效帧头")

	default:
		log.Warn().Str("event", ev.String()).Msg("unexpected radio event")
	}
}
