// Package notifier formats and sends outbound chat messages.
//
// Scheduled check results are delivered as a header followed by numbered
// lines, split into chunks that fit the chat platform's message size. Chunks
// are sent one after another through a transport.Sender; a chunk that fails
// does not stop later ones.
//
// All sends share one token-bucket limiter so a burst of notifications
// cannot trip the platform's flood control.
package notifier
