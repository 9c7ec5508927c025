// Package stream manages the persistent upstream connection.
//
// A Connection moves through Closed, Opening, Open and Closing and holds at
// most one Transport. Transports come from a Dialer:
//
//   - HTTPDialer issues a long-lived GET, optionally OAuth1 signed through
//     OAuth1Client, and splits the body on newlines
//   - WebSocketDialer reads text frames and splits them on newlines
//
// Both apply an idle timeout (DefaultIdleTimeout, 90s) that covers the wait
// for the response and every subsequent read. A non-2xx response surfaces as
// an *UpstreamStatusError, which Open reports as fatal; everything else is
// transient and left to the caller's recovery policy.
package stream
