// Package notifier delivers realtime notification events asynchronously.
//
// The dispatcher hands every created notification to the Service, which
// queues it and pushes it to the user's live sessions from a small worker
// pool with rate limiting, retries and dedup by notification ID. Delivery is
// best-effort: a full queue or an exhausted retry budget drops the event and
// the notification stays readable from the inbox.
package notifier
