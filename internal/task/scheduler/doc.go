// Package scheduler turns cron and interval schedules into task engine
// submissions. It never runs work itself: every trigger enqueues an
// engine.Task and the engine applies timeouts, overlap and retries.
package scheduler
