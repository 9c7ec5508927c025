// Package retry provides backoff retry helpers for transient failures.
//
// # Presets
//
//   - Quick(): 10 attempts, 50ms-1s delay (queue backend connect at startup)
//   - Fixed(n, d): n attempts with the same delay between each (forward plugin)
//
// Sleep is the context-aware wait used by queue consumers backing off after
// a failed read.
//
//	err := retry.Do(ctx, retry.Quick(), func() error {
//	    return rdb.Ping(ctx).Err()
//	})
//
// Errors wrapped with NonRetryable stop the loop immediately.
package retry
