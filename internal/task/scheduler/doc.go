// Package scheduler turns cron and interval specs into engine tasks.
//
// It only triggers: every firing enqueues a task into the engine, which owns
// execution, retries and overlap gating. The due-post scan and the stalled
// fan-out recovery are registered here by the app.
package scheduler
