package radio

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Network 模拟空口的对端,Transmit的帧交给它处理
type Network interface {
	// Uplink receives a frame transmitted by the device.
	Uplink(frame []byte)
}

type pendingIRQ struct {
	event   Event
	frame   []byte
	info    PacketInfo
	cad     bool
	channel uint8
}

// SimDriver is a software transceiver. Transmitted frames go to an attached
// Network; the network injects downlinks back with Deliver. Hardware events
// are queued and raised through the IRQ handler, then drained by ProcessIRQ
// the way a real driver services its interrupt line.
type SimDriver struct {
	mu      sync.Mutex
	pending []pendingIRQ

	irqHandler func()
	eventCb    func(Event)

	network Network

	rxFrame     []byte
	rxInfo      PacketInfo
	lastCAD     bool
	lastChannel uint8

	sleeping bool
}

// NewSimDriver 创建模拟射频驱动
func NewSimDriver() *SimDriver {
	return &SimDriver{}
}

// AttachNetwork connects the driver to a simulated network.
func (d *SimDriver) AttachNetwork(n Network) {
	d.mu.Lock()
	d.network = n
	d.mu.Unlock()
}

// SetIRQHandler implements Driver.
func (d *SimDriver) SetIRQHandler(fn func()) {
	d.mu.Lock()
	d.irqHandler = fn
	d.mu.Unlock()
}

// SetEventCallback implements Driver.
func (d *SimDriver) SetEventCallback(cb func(Event)) {
	d.mu.Lock()
	d.eventCb = cb
	d.mu.Unlock()
}

// Transmit implements Driver. The frame is handed to the network and a
// TX_COMPLETE interrupt is raised, mirroring a real transceiver's TxDone IRQ.
func (d *SimDriver) Transmit(data []byte) error {
	d.mu.Lock()
	if d.sleeping {
		d.mu.Unlock()
		return fmt.Errorf("radio is sleeping")
	}
	network := d.network
	d.mu.Unlock()

	frame := make([]byte, len(data))
	copy(frame, data)

	log.Debug().Int("size", len(frame)).Msg("模拟射频发送帧")

	if network != nil {
		network.Uplink(frame)
	}

	d.raise(pendingIRQ{event: EventTxComplete})
	return nil
}

// Deliver injects a downlink frame, raising an RX_COMPLETE interrupt.
// 由模拟网络调用,可来自任意goroutine。
func (d *SimDriver) Deliver(frame []byte, rssi int16, snr int8) {
	buf := make([]byte, len(frame))
	copy(buf, frame)
	d.raise(pendingIRQ{
		event: EventRxComplete,
		frame: buf,
		info:  PacketInfo{RSSI: rssi, SNR: snr},
	})
}

// RaiseRxTimeout injects an RX window timeout interrupt.
func (d *SimDriver) RaiseRxTimeout() {
	d.raise(pendingIRQ{event: EventRxTimeout})
}

// RaiseTxTimeout injects a TX timeout interrupt.
func (d *SimDriver) RaiseTxTimeout() {
	d.raise(pendingIRQ{event: EventTxTimeout})
}

// RaiseCADDone injects a channel activity detection result.
func (d *SimDriver) RaiseCADDone(detected bool) {
	d.raise(pendingIRQ{event: EventCADDone, cad: detected})
}

// RaiseFhssChangeChannel injects a frequency hop interrupt.
func (d *SimDriver) RaiseFhssChangeChannel(channel uint8) {
	d.raise(pendingIRQ{event: EventFhssChangeChannel, channel: channel})
}

// RaiseValidHeader injects a valid header interrupt.
func (d *SimDriver) RaiseValidHeader() {
	d.raise(pendingIRQ{event: EventValidHeader})
}

func (d *SimDriver) raise(irq pendingIRQ) {
	d.mu.Lock()
	d.pending = append(d.pending, irq)
	handler := d.irqHandler
	d.mu.Unlock()

	if handler != nil {
		handler()
	}
}

// ProcessIRQ implements Driver. Drains queued hardware events and dispatches
// them synchronously through the registered event callback.
func (d *SimDriver) ProcessIRQ() {
	for {
		d.mu.Lock()
		if len(d.pending) == 0 {
			d.mu.Unlock()
			return
		}
		irq := d.pending[0]
		d.pending = d.pending[1:]

		if irq.event == EventRxComplete {
			d.rxFrame = irq.frame
			d.rxInfo = irq.info
		}
		if irq.event == EventCADDone {
			d.lastCAD = irq.cad
		}
		if irq.event == EventFhssChangeChannel {
			d.lastChannel = irq.channel
		}
		cb := d.eventCb
		d.mu.Unlock()

		if cb != nil {
			cb(irq.event)
		}
	}
}

// FrameLength implements Driver.
func (d *SimDriver) FrameLength() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rxFrame)
}

// ReadFrame implements Driver.
func (d *SimDriver) ReadFrame(buf []byte) (PacketInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rxFrame == nil {
		return PacketInfo{}, fmt.Errorf("no frame pending")
	}
	if len(buf) < len(d.rxFrame) {
		return PacketInfo{}, fmt.Errorf("buffer too small: %d < %d", len(buf), len(d.rxFrame))
	}
	copy(buf, d.rxFrame)
	info := d.rxInfo
	d.rxFrame = nil
	return info, nil
}

// Sleep implements Driver.
func (d *SimDriver) Sleep() {
	d.mu.Lock()
	d.sleeping = true
	d.mu.Unlock()
}

// Standby implements Driver.
func (d *SimDriver) Standby() {
	d.mu.Lock()
	d.sleeping = false
	d.mu.Unlock()
}

// LastCADDetected implements Driver.
func (d *SimDriver) LastCADDetected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastCAD
}

// LastChannel implements Driver.
func (d *SimDriver) LastChannel() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastChannel
}
