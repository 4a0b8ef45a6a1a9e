package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/lorawan-node-agent/internal/config"
	"github.com/lorawan-node/lorawan-node-agent/internal/models"
	"github.com/lorawan-node/lorawan-node-agent/internal/storage"
	"github.com/lorawan-node/lorawan-node-agent/pkg/lorawan"
)

// Forwarder 把节点事件转发到外部系统
//
// Every protocol outcome (join, uplink sent, downlink received, link
// check answer) is published as a JSON event on a NATS subject
// node.<deveui>.<kind>, optionally mirrored to MQTT, and appended to
// the local store when one is configured.
type Forwarder struct {
	nc     *nats.Conn
	store  storage.Store
	devEUI lorawan.EUI64

	mqttClient mqtt.Client
	mqttCfg    *config.MQTTConfig
}

// NewForwarder creates a forwarder. nc and store may be nil; the
// corresponding sinks are skipped.
func NewForwarder(nc *nats.Conn, store storage.Store, devEUI lorawan.EUI64) *Forwarder {
	return &Forwarder{
		nc:     nc,
		store:  store,
		devEUI: devEUI,
	}
}

// ConnectMQTT 连接 MQTT broker
func (f *Forwarder) ConnectMQTT(cfg *config.MQTTConfig) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().
			Str("broker", cfg.Broker).
			Msg("MQTT client connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().
			Err(err).
			Str("broker", cfg.Broker).
			Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("connect mqtt broker %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect mqtt broker %s: %w", cfg.Broker, err)
	}

	f.mqttClient = client
	f.mqttCfg = cfg
	return nil
}

// Close 关闭外部连接
func (f *Forwarder) Close() {
	if f.mqttClient != nil && f.mqttClient.IsConnected() {
		f.mqttClient.Disconnect(250)
		log.Info().Msg("MQTT client disconnected")
	}
}

// JoinEvent is published on node.<deveui>.join
type JoinEvent struct {
	ID      uuid.UUID `json:"id"`
	DevEUI  string    `json:"devEUI"`
	DevAddr string    `json:"devAddr"`
	Time    time.Time `json:"time"`
}

// TxEvent is published on node.<deveui>.tx after an uplink completes
type TxEvent struct {
	ID        uuid.UUID `json:"id"`
	DevEUI    string    `json:"devEUI"`
	DevAddr   string    `json:"devAddr"`
	FCnt      uint32    `json:"fCnt"`
	FPort     uint8     `json:"fPort"`
	Data      []byte    `json:"data,omitempty"`
	Confirmed bool      `json:"confirmed"`
	Acked     bool      `json:"acked"`
	Flushed   bool      `json:"flushed"`
	Time      time.Time `json:"time"`
}

// RxEvent is published on node.<deveui>.rx for a received downlink
type RxEvent struct {
	ID      uuid.UUID `json:"id"`
	DevEUI  string    `json:"devEUI"`
	DevAddr string    `json:"devAddr"`
	FPort   uint8     `json:"fPort"`
	Data    []byte    `json:"data,omitempty"`
	RSSI    int16     `json:"rssi"`
	SNR     int8      `json:"snr"`
	DR      uint8     `json:"dr"`
	Time    time.Time `json:"time"`
}

// LinkCheckEvent is published on node.<deveui>.linkcheck
type LinkCheckEvent struct {
	ID       uuid.UUID `json:"id"`
	DevEUI   string    `json:"devEUI"`
	Margin   uint8     `json:"margin"`
	Gateways uint8     `json:"gateways"`
	Time     time.Time `json:"time"`
}

// PublishJoin 转发入网事件
func (f *Forwarder) PublishJoin(ctx context.Context, devAddr lorawan.DevAddr) {
	event := JoinEvent{
		ID:      uuid.New(),
		DevEUI:  f.devEUI.String(),
		DevAddr: devAddr.String(),
		Time:    time.Now(),
	}
	f.publish("join", event)

	if f.store != nil {
		entry := &models.EventLog{
			ID:          event.ID,
			DevEUI:      f.devEUI,
			Type:        models.EventTypeJoin,
			Level:       models.EventLevelInfo,
			Description: "Device joined network",
			Details: models.Variables{
				"devAddr": event.DevAddr,
			},
		}
		if err := f.store.CreateEventLog(ctx, entry); err != nil {
			log.Error().Err(err).Msg("Failed to create event log")
		}
	}

	log.Info().
		Str("devEUI", event.DevEUI).
		Str("devAddr", event.DevAddr).
		Msg("Join event forwarded")
}

// PublishUplink 转发上行发送结果,并写入帧历史
func (f *Forwarder) PublishUplink(ctx context.Context, frame *models.UplinkFrame, acked bool) {
	if frame.ID == uuid.Nil {
		frame.ID = uuid.New()
	}
	if frame.SentAt.IsZero() {
		frame.SentAt = time.Now()
	}

	event := TxEvent{
		ID:        frame.ID,
		DevEUI:    frame.DevEUI.String(),
		DevAddr:   frame.DevAddr.String(),
		FCnt:      frame.FCnt,
		FPort:     frame.FPort,
		Data:      frame.Data,
		Confirmed: frame.Confirmed,
		Acked:     acked,
		Flushed:   frame.Flushed,
		Time:      frame.SentAt,
	}
	f.publish("tx", event)

	if f.store != nil {
		if err := f.store.CreateUplinkFrame(ctx, frame); err != nil {
			log.Error().Err(err).Msg("Failed to create uplink frame")
		}

		eventType := models.EventTypeUplink
		if acked {
			eventType = models.EventTypeAck
		}
		entry := &models.EventLog{
			DevEUI:      f.devEUI,
			Type:        eventType,
			Level:       models.EventLevelInfo,
			Description: fmt.Sprintf("Uplink sent - FCnt: %d, FPort: %d", frame.FCnt, frame.FPort),
			Details: models.Variables{
				"fCnt":      frame.FCnt,
				"fPort":     frame.FPort,
				"dataSize":  len(frame.Data),
				"confirmed": frame.Confirmed,
				"acked":     acked,
			},
		}
		if err := f.store.CreateEventLog(ctx, entry); err != nil {
			log.Error().Err(err).Msg("Failed to create event log")
		}
	}

	log.Info().
		Str("devEUI", event.DevEUI).
		Uint32("fCnt", frame.FCnt).
		Uint8("fPort", frame.FPort).
		Bool("acked", acked).
		Msg("Uplink event forwarded")
}

// PublishDownlink 转发下行数据,并写入帧历史
func (f *Forwarder) PublishDownlink(ctx context.Context, frame *models.DownlinkFrame) {
	if frame.ID == uuid.Nil {
		frame.ID = uuid.New()
	}
	if frame.ReceivedAt.IsZero() {
		frame.ReceivedAt = time.Now()
	}

	event := RxEvent{
		ID:      frame.ID,
		DevEUI:  frame.DevEUI.String(),
		DevAddr: frame.DevAddr.String(),
		FPort:   frame.FPort,
		Data:    frame.Data,
		RSSI:    frame.RSSI,
		SNR:     frame.SNR,
		DR:      frame.DR,
		Time:    frame.ReceivedAt,
	}
	f.publish("rx", event)

	if f.store != nil {
		if err := f.store.CreateDownlinkFrame(ctx, frame); err != nil {
			log.Error().Err(err).Msg("Failed to create downlink frame")
		}

		entry := &models.EventLog{
			DevEUI:      f.devEUI,
			Type:        models.EventTypeDownlink,
			Level:       models.EventLevelInfo,
			Description: fmt.Sprintf("Downlink received - FPort: %d", frame.FPort),
			Details: models.Variables{
				"fPort":    frame.FPort,
				"dataSize": len(frame.Data),
				"rssi":     frame.RSSI,
				"snr":      frame.SNR,
			},
		}
		if err := f.store.CreateEventLog(ctx, entry); err != nil {
			log.Error().Err(err).Msg("Failed to create event log")
		}
	}

	log.Info().
		Str("devEUI", event.DevEUI).
		Uint8("fPort", frame.FPort).
		Int("dataLen", len(frame.Data)).
		Msg("Downlink event forwarded")
}

// PublishLinkCheck 转发链路检查应答
func (f *Forwarder) PublishLinkCheck(ctx context.Context, margin, gateways uint8) {
	event := LinkCheckEvent{
		ID:       uuid.New(),
		DevEUI:   f.devEUI.String(),
		Margin:   margin,
		Gateways: gateways,
		Time:     time.Now(),
	}
	f.publish("linkcheck", event)

	if f.store != nil {
		entry := &models.EventLog{
			ID:          event.ID,
			DevEUI:      f.devEUI,
			Type:        models.EventTypeLinkCheck,
			Level:       models.EventLevelInfo,
			Description: fmt.Sprintf("Link check answer - margin: %d dB, gateways: %d", margin, gateways),
			Details: models.Variables{
				"margin":   margin,
				"gateways": gateways,
			},
		}
		if err := f.store.CreateEventLog(ctx, entry); err != nil {
			log.Error().Err(err).Msg("Failed to create event log")
		}
	}

	log.Info().
		Str("devEUI", event.DevEUI).
		Uint8("margin", margin).
		Uint8("gateways", gateways).
		Msg("Link check event forwarded")
}

// publish 序列化并发布到 NATS 和 MQTT
func (f *Forwarder) publish(kind string, event interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("Failed to marshal event")
		return
	}

	if f.nc != nil {
		subject := fmt.Sprintf("node.%s.%s", f.devEUI.String(), kind)
		if err := f.nc.Publish(subject, data); err != nil {
			log.Error().
				Err(err).
				Str("subject", subject).
				Msg("Failed to publish to NATS")
		}
	}

	if f.mqttClient != nil {
		topic := fmt.Sprintf("%s/%s/%s", f.mqttCfg.TopicPrefix, f.devEUI.String(), kind)
		token := f.mqttClient.Publish(topic, f.mqttCfg.QoS, false, data)
		if token.WaitTimeout(5 * time.Second) {
			if err := token.Error(); err != nil {
				log.Error().
					Err(err).
					Str("topic", topic).
					Msg("Failed to publish to MQTT")
			}
		} else {
			log.Error().
				Str("topic", topic).
				Msg("MQTT publish timeout")
		}
	}
}
