package gep

import (
	"context"

	"github.com/looplab/fsm"
)

// Session states.
var (
	StateDisconnected = "DISCONNECTED"
	StateConnecting   = "CONNECTING"
	StateConnected    = "CONNECTED"
	StateSubscribed   = "SUBSCRIBED"
)

// sessionStateMachine tracks the subscriber session lifecycle:
// disconnected → connecting → connected → subscribed → connected →
// disconnected. Transitions are driven by the session operations and by
// the publisher's Subscribe/Unsubscribe acknowledgements.
type sessionStateMachine struct {
	fsm *fsm.FSM
}

// newSessionStateMachine builds the machine. Callbacks use the looplab
// keys "enter_STATE" / "leave_STATE".
func newSessionStateMachine(callbacks fsm.Callbacks) *sessionStateMachine {
	sm := &sessionStateMachine{}

	sm.fsm = fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: "connect", Src: []string{StateDisconnected}, Dst: StateConnecting},
			{Name: "established", Src: []string{StateConnecting}, Dst: StateConnected},
			{Name: "subscribe", Src: []string{StateConnected}, Dst: StateSubscribed},
			{Name: "unsubscribe", Src: []string{StateSubscribed}, Dst: StateConnected},
			{Name: "disconnect", Src: []string{StateConnecting, StateConnected, StateSubscribed}, Dst: StateDisconnected},
		},
		callbacks,
	)

	return sm
}

func (sm *sessionStateMachine) CurrentState() string {
	return sm.fsm.Current()
}

func (sm *sessionStateMachine) Connect() error {
	return sm.fsm.Event(context.Background(), "connect")
}

func (sm *sessionStateMachine) Established() error {
	return sm.fsm.Event(context.Background(), "established")
}

func (sm *sessionStateMachine) Subscribe() error {
	return sm.fsm.Event(context.Background(), "subscribe")
}

func (sm *sessionStateMachine) Unsubscribe() error {
	return sm.fsm.Event(context.Background(), "unsubscribe")
}

func (sm *sessionStateMachine) Disconnect() error {
	return sm.fsm.Event(context.Background(), "disconnect")
}
