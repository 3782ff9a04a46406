package socket

import "net/netip"

// Event is a notification emitted by the engine while executing an operation.
// Events are delivered synchronously and in order.
type Event interface {
	event()
}

// Notifier receives engine events.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

// Notify calls f(ev).
func (f NotifierFunc) Notify(ev Event) {
	f(ev)
}

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}

// OpenAck reports a newly created session.
type OpenAck struct {
	FD        int
	Transport Transport
	Role      Role
	Protocol  Protocol
	Secure    bool
}

// ConnectAck reports an established connection.
type ConnectAck struct{}

// AcceptAck reports an accepted inbound connection.
type AcceptAck struct {
	PeerAddr netip.AddrPort
	PeerFD   int
}

// SendResult carries the number of bytes sent by Send.
type SendResult struct {
	Sent int
}

// SendToResult carries the number of bytes sent by SendTo.
type SendToResult struct {
	Sent int
}

// Payload carries received bytes. Data is owned by the receiver.
type Payload struct {
	Data []byte
}

// RecvResult follows the Payload of a Recv.
type RecvResult struct {
	Count int
}

// RecvFromResult follows the Payload of a RecvFrom.
type RecvFromResult struct {
	From  netip.AddrPort
	Count int
}

// OptionResult carries an option value read back, or the not-supported marker.
type OptionResult struct {
	Value OptionValue
	ID    OptionID
}

// Status reports a retry-class failure that left the session open.
type Status struct {
	Code int
}

// Closed reports that the session was torn down.
type Closed struct {
	Reason int
}

func (OpenAck) event()        {}
func (ConnectAck) event()     {}
func (AcceptAck) event()      {}
func (SendResult) event()     {}
func (SendToResult) event()   {}
func (Payload) event()        {}
func (RecvResult) event()     {}
func (RecvFromResult) event() {}
func (OptionResult) event()   {}
func (Status) event()         {}
func (Closed) event()         {}
