package mac

// command is the unit of work the facade asks the engine to run on its own
// goroutine. Dispatch happens by type switch inside the engine.
type command interface {
	isCommand()
}

type joinCommand struct {
	typ JoinType
}

type sendCommand struct {
	payload []byte
}

func (joinCommand) isCommand() {}
func (sendCommand) isCommand() {}

// call posts the command to the engine and blocks until the engine has
// dispatched it. The protocol operation itself may still complete
// asynchronously through a later event.
// 对应msg_send_receive式的同步命令桥,调用方必须先通过state检查串行化。
func (m *MAC) call(cmd command) {
	done := make(chan struct{})
	m.post(event{kind: evtCommand, cmd: cmd, done: done})
	select {
	case <-done:
	case <-m.done:
	}
}

// dispatch runs on the engine loop.
func (m *MAC) dispatch(cmd command) {
	switch c := cmd.(type) {
	case joinCommand:
		if c.typ == JoinTypeABP {
			m.joinABP()
		} else {
			m.joinOTAA()
		}
	case sendCommand:
		m.uplink(c.payload)
	}
}
