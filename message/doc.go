// Package message decodes and classifies events read from the upstream
// stream or received by the webhook.
//
// A raw line is classified into one of four outcomes:
//
//   - Drop: empty keep-alive lines, stall warnings and undecodable input
//   - Reconnect: a disconnect notice with ReconnectCode (12)
//   - Fatal: a disconnect notice with any other code
//   - Deliver: a payload message, together with its CategorySet
//
// Categorize is pure and can be reused on queue entries, which have already
// been decoded by the intake side.
//
//	res := message.Classify(line)
//	if res.Kind == message.Deliver && res.Categories.Has(message.Primary) {
//	    fmt.Println(res.Message.Str("user", "screen_name"), res.Message.Str("text"))
//	}
package message
