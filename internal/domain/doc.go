// Package domain holds the records the reminder engine reads and mutates:
// carts, users (verification subjects), notification records and sender
// identities, plus the tracking mutators applied after a confirmed send.
package domain
