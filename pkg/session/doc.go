// Package session stores conversation sessions: metadata, append-only
// message history and the single pending action awaiting confirmation.
//
// Invariants:
// - Session ids are validated and path-safe.
// - Writes for the same session are serialized.
// - A session holds at most one pending action.
// - Store operations are observable via tracing and metrics.
//
// Two backends implement Store: FileStore (JSONL history plus a JSON
// metadata file per session) and RedisStore.
//
// Usage:
//
//	store, _ := session.NewFileStore(session.FileConfig{Dir: "/tmp/parley/sessions"})
//	s, _ := store.CreateSession(ctx, "acme", "u1")
//	_ = store.AppendMessage(ctx, s.ID, session.Message{Role: "user", Content: "hello"})
//	recent, _ := store.RecentMessages(ctx, s.ID, 10)
//	_ = recent
package session
