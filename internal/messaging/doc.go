// Package messaging wraps the MQTT client used by the process.
//
// A Client is created once at startup, connected with a single attempt and
// then driven by Run, which blocks while it dispatches inbound messages to
// the registered handlers. There is no automatic reconnect: when the
// connection drops, Run returns ErrConnectionLost and the client stays
// disconnected.
package messaging
