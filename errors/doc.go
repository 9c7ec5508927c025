// Package errors classifies failures for the relay.
//
// # Classes
//
//   - Transient: dropped connections, read stalls, queue backends briefly
//     unreachable. The daemon enters recovery and retries after a fixed delay.
//   - Invalid: an undecodable line, a bad webhook signature. The input is
//     dropped and processing continues.
//   - Fatal: the upstream refused the stream request or sent a disconnect code
//     other than the reconnect code. The process stops with a non-zero exit.
//
// # Wrapping
//
// All wrapping follows "component.method: action failed: %w":
//
//	if err := conn.Open(ctx); err != nil {
//	    return errors.WrapTransient(err, "Daemon", "Run", "open stream")
//	}
//
// The outermost ClassifiedError in a chain decides the class, so wrap a
// fatal error with Wrap rather than WrapTransient when passing it upward.
package errors
