package eventlog

import (
	"context"
	"encoding/json"

	"github.com/orbitmesh/orbitmesh/pkg/errkind"
)

// Stores append a full JSON snapshot of the aggregate as the payload of every
// transition event, so replay is: read the stream, decode the latest snapshot.
// Intermediate events still carry the full history for external subscribers.

// Replay rebuilds the latest aggregate state of streamID from the event log.
func Replay[T any](ctx context.Context, store Store, streamID string) (*T, error) {
	events, err := store.ReadStream(ctx, streamID, 0)
	if err != nil {
		return nil, err
	}
	var latest *Event
	for i := range events {
		if len(events[i].Payload) > 0 {
			latest = &events[i]
		}
	}
	if latest == nil {
		return nil, errkind.Errorf(errkind.NotFound, "stream %s has no snapshot payloads", streamID)
	}
	out := new(T)
	if err := json.Unmarshal(latest.Payload, out); err != nil {
		return nil, errkind.Errorf(errkind.Internal, "decoding snapshot for %s: %v", streamID, err)
	}
	return out, nil
}

// Snapshot encodes an aggregate for use as an event payload. Encoding errors
// are invariant violations: aggregates are plain JSON-serializable records.
func Snapshot(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic("eventlog: unserializable aggregate: " + err.Error())
	}
	return b
}
