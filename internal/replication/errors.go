package replication

import "errors"

// ErrVersionMismatch is returned when a Pong reports an incompatible
// protocol version. It is fatal: the replication worker benches the
// destination for try_timer before dialing it again, instead of
// retrying on the very next tick.
var ErrVersionMismatch = errors.New("replication: protocol version mismatch")

// ErrUnexpectedMessage is returned when a peer answers with a message
// the state machine did not expect at that point in the exchange.
var ErrUnexpectedMessage = errors.New("replication: unexpected message type")

// FatalError wraps an error that benches the destination for try_timer
// rather than being retried on the next tick. Primary.Tick wraps three
// cases in it: a dial failure, a reply to Ping that is not a Pong, and
// a version mismatch. Write, read and decode failures are returned
// unwrapped; they only drop the pooled connection.
type FatalError struct{ Err error }

func (e *FatalError) Error() string { return "replication: fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err is a *FatalError, i.e. whether the
// destination should be benched rather than retried next tick.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
