// Package session persists event-sourced runtime sessions keyed by
// (app, user, session).
//
// Invariants:
// - Session creation is idempotent; an existing document is never overwritten.
// - Partial (streaming) events are never persisted; only complete events commit.
// - The event log is bounded to the most recent MaxEvents before every write.
// - Listings are scoped to one app+user pair and omit event payloads.
//
// Usage:
//
//	svc, _ := session.New(db, logger)
//	sess, _ := svc.CreateSession(ctx, "master_agent", "relay", "c1", nil)
//	_, _ = svc.AppendEvent(ctx, sess, session.Event{Author: "user", Content: "hello"})
package session
