package vines

// Handler processes a single decoded incoming message. The conn is the
// conversation the message arrived on and may be used to reply; the handler
// decides whether to close it.
type Handler func(m *Message, conn Conn)

// Conn is one side of a short protocol conversation.
type Conn interface {
	// Send writes a message on the conversation.
	Send(m *Message) error

	// Close ends the conversation. Safe to call more than once.
	Close() error

	// RemoteAddr returns the address of the remote side.
	RemoteAddr() string
}

// Transport exchanges framed messages over a reliable ordered stream. Each
// outgoing message opens a fresh conversation; replies arriving on that
// conversation are delivered to the handler, so a single exchange may span
// several messages on one connection.
type Transport interface {
	// Serve starts accepting conversations, delivering each decoded
	// message to the handler. Unparseable inputs are dropped without
	// reply.
	Serve(h Handler)

	// Send opens a new conversation with addr and writes m.
	Send(addr string, m *Message) error

	// BindAddr returns the address the transport listener is bound to.
	// Note this may be different from the configured bind addr if the
	// system chooses the addr (such as using a port of 0).
	BindAddr() string

	// Shutdown stops the listener and waits for open conversations to
	// drain.
	Shutdown() error
}
