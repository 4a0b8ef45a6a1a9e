package network

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/lorawan-node-agent/pkg/lorawan"
)

// MACCommandHandler answers device MAC commands on behalf of the simulated
// network server.
type MACCommandHandler struct {
	mu       sync.Mutex
	margin   uint8
	gateways uint8
}

// NewMACCommandHandler 创建MAC命令处理器
func NewMACCommandHandler(margin, gateways uint8) *MACCommandHandler {
	return &MACCommandHandler{margin: margin, gateways: gateways}
}

// SetLinkCheckAnswer configures the LinkCheckAns contents.
func (h *MACCommandHandler) SetLinkCheckAnswer(margin, gateways uint8) {
	h.mu.Lock()
	h.margin = margin
	h.gateways = gateways
	h.mu.Unlock()
}

// HandleUplink processes uplink MAC commands and returns the downlink
// answers to piggyback on the next downlink.
func (h *MACCommandHandler) HandleUplink(commands []lorawan.MACCommand) []lorawan.MACCommand {
	var answers []lorawan.MACCommand

	for _, cmd := range commands {
		switch cmd.CID {
		case lorawan.LinkCheckReq:
			answers = append(answers, h.handleLinkCheckReq())

		case lorawan.LinkADRAns, lorawan.DutyCycleAns, lorawan.RXParamSetupAns,
			lorawan.DevStatusAns, lorawan.NewChannelAns, lorawan.RXTimingSetupAns:
			// Answers to commands we never send in the simulation
			log.Debug().Uint8("cid", cmd.CID).Msg("忽略MAC命令应答")

		default:
			log.Debug().Uint8("cid", cmd.CID).Msg("未处理的MAC命令")
		}
	}

	return answers
}

func (h *MACCommandHandler) handleLinkCheckReq() lorawan.MACCommand {
	h.mu.Lock()
	ans := lorawan.LinkCheckAnsPayload{Margin: h.margin, GatewayCount: h.gateways}
	h.mu.Unlock()

	log.Debug().
		Uint8("margin", ans.Margin).
		Uint8("gw_cnt", ans.GatewayCount).
		Msg("回复LinkCheckAns")

	payload, _ := ans.MarshalBinary()
	return lorawan.MACCommand{CID: lorawan.LinkCheckAns, Payload: payload}
}
