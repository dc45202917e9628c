package echoloop

type NetEventHandler interface {
	// HandleEvent drives conn through one readiness notification.
	HandleEvent(conn *Connection, ready Interest)
	// CloseEvent tears conn down. Calling it on a closed connection is a no-op.
	CloseEvent(conn *Connection, reason string)
}
