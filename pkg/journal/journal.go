// Package journal provides a context-scoped journal of code-flow breadcrumbs.
// Operations create a journal at their entry point, record noteworthy branches
// as they execute, and dump the journal into a single log line on exit. This
// keeps per-request log noise low while preserving the full decision trail for
// debugging.
package journal

import (
	"context"
	"sync"
	"time"
)

type contextKey struct{}

// Entry is a single recorded breadcrumb.
type Entry struct {
	Msg       string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"ts"`
}

type journal struct {
	mu      sync.Mutex
	entries []Entry
}

// New returns a ctx with an empty journal attached. If ctx already carries a
// journal, it is replaced with a fresh one.
func New(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKey{}, &journal{})
}

// Log records msg with optional key/value pairs. A missing journal is a no-op
// so call sites never need to guard.
func Log(ctx context.Context, msg string, keysAndValues ...any) {
	j, ok := ctx.Value(contextKey{}).(*journal)
	if !ok {
		return
	}
	e := Entry{Msg: msg, Timestamp: time.Now().UTC()}
	if len(keysAndValues) > 0 {
		e.Fields = make(map[string]any, len(keysAndValues)/2)
		for i := 0; i+1 < len(keysAndValues); i += 2 {
			k, ok := keysAndValues[i].(string)
			if !ok {
				continue
			}
			e.Fields[k] = keysAndValues[i+1]
		}
	}
	j.mu.Lock()
	j.entries = append(j.entries, e)
	j.mu.Unlock()
}

// Journal returns all entries recorded on ctx, in order.
func Journal(ctx context.Context) []Entry {
	j, ok := ctx.Value(contextKey{}).(*journal)
	if !ok {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, len(j.entries))
	copy(out, j.entries)
	return out
}
