// Package agi implements an Asterisk Gateway Interface (AGI) call-control
// client. A Channel turns typed call intents (answer, say, get data, exec,
// ...) into AGI command lines and sends them through a Transport, mapping
// each reply to a CommandResult.
//
// The FastAGI transport and server in this package accept connections from
// Asterisk, but the Channel only depends on the Transport interface and can
// be driven by any ordered request/response carrier.
package agi

// Well-known event names emitted by transports.
const (
	// EventHangup fires when the remote end reports the channel hung up.
	EventHangup = "hangup"

	// EventError fires when the transport hits a read or write failure.
	EventError = "error"

	// EventClose fires once when the transport is closed.
	EventClose = "close"
)

// CompletionFunc receives the outcome of one command round trip. It is
// invoked exactly once per command.
type CompletionFunc func(code int, result, data string)

// EventHandler receives a transport event. The payload is transport
// specific and may be empty.
type EventHandler func(payload string)

// Transport carries command text to the telephony server and delivers the
// replies. Implementations must invoke completion callbacks in the order the
// commands were submitted.
type Transport interface {
	// Command sends text as-is and calls done with the reply.
	Command(text string, done CompletionFunc)

	// On registers the handler for the named event, replacing any handler
	// registered earlier for the same name.
	On(event string, handler EventHandler)

	// Close releases the transport. Commands issued afterwards complete
	// with a non-200 code.
	Close() error
}
