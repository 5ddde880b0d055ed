package pipemsg

// Destination is where a server message observer can send messages back.
// It is a *ReplyHandle for correlated inbound messages and the *Conn
// itself otherwise.
type Destination interface {
	Send(msg Message) error
}

// ReplyHandle answers one correlated inbound message.
type ReplyHandle struct {
	ID   uint16
	conn *Conn
}

// Reply sends msg back to the requester tagged with the request's
// correlation id, so the peer delivers it to the waiting request.
func (h *ReplyHandle) Reply(msg Message) error {
	return h.conn.sendEnvelope(Envelope{CorrelationID: h.ID, Payload: msg})
}

// Send is Reply. It makes a ReplyHandle usable as a Destination.
func (h *ReplyHandle) Send(msg Message) error {
	return h.Reply(msg)
}

// Conn returns the connection the request arrived on.
func (h *ReplyHandle) Conn() *Conn {
	return h.conn
}
