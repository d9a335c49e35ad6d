package eventlog

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/orbitmesh/orbitmesh/pkg/errkind"
)

func TestAppendAssignsVersionsAndPositions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	v, err := s.Append(ctx, "job/a", []Event{New("job/a", TypeJobCreated, nil), New("job/a", TypeJobAssigned, nil)}, 0)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if v != 2 {
		t.Errorf("version = %d, want 2", v)
	}
	if _, err := s.Append(ctx, "job/b", []Event{New("job/b", TypeJobCreated, nil)}, 0); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Versions are per stream, positions global across the log.
	all, err := s.ReadAll(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	var got [][2]int64
	for _, e := range all {
		got = append(got, [2]int64{e.Version, e.Position})
	}
	want := [][2]int64{{1, 1}, {2, 2}, {1, 3}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("version/position mismatch (-want +got):\n%s", diff)
	}
}

func TestAppendOptimisticConcurrency(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Append(ctx, "job/a", []Event{New("job/a", TypeJobCreated, nil)}, 0); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := s.Append(ctx, "job/a", []Event{New("job/a", TypeJobAcked, nil)}, 0); !errkind.IsKind(err, errkind.Conflict) {
		t.Fatalf("stale expectedVersion: %v", err)
	}
	if _, err := s.Append(ctx, "job/a", []Event{New("job/a", TypeJobAcked, nil)}, AnyVersion); err != nil {
		t.Fatalf("AnyVersion append: %v", err)
	}
	if got := s.Version("job/a"); got != 2 {
		t.Errorf("Version = %d", got)
	}
}

func TestAppendValidates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.Append(ctx, "", []Event{New("", TypeJobCreated, nil)}, 0); !errkind.IsKind(err, errkind.Validation) {
		t.Errorf("empty stream id: %v", err)
	}
	if _, err := s.Append(ctx, "job/a", nil, 0); !errkind.IsKind(err, errkind.Validation) {
		t.Errorf("no events: %v", err)
	}
}

func TestReadStream(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.ReadStream(ctx, "job/missing", 0); !errkind.IsKind(err, errkind.NotFound) {
		t.Fatalf("unknown stream: %v", err)
	}

	var evs []Event
	for _, typ := range []string{TypeJobCreated, TypeJobAssigned, TypeJobAcked} {
		evs = append(evs, New("job/a", typ, nil))
	}
	s.Append(ctx, "job/a", evs, 0)

	got, err := s.ReadStream(ctx, "job/a", 2)
	if err != nil {
		t.Fatalf("ReadStream: %v", err)
	}
	if len(got) != 2 || got[0].Type != TypeJobAssigned || got[1].Type != TypeJobAcked {
		t.Errorf("tail read = %+v", got)
	}
}

func TestReadAllPaging(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.Append(ctx, "job/a", []Event{New("job/a", TypeJobProgress, nil)}, AnyVersion)
	}

	got, err := s.ReadAll(ctx, 2, 2)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 2 || got[0].Position != 2 || got[1].Position != 3 {
		t.Errorf("page = %+v", got)
	}
}

func TestReplayDecodesLatestSnapshot(t *testing.T) {
	type rec struct {
		ID    string `json:"id"`
		Count int    `json:"count"`
	}
	s := NewMemoryStore()
	ctx := context.Background()

	s.Append(ctx, "job/a", []Event{
		New("job/a", TypeJobCreated, Snapshot(rec{ID: "a", Count: 1})),
		New("job/a", TypeJobProgress, nil),
		New("job/a", TypeJobCompleted, Snapshot(rec{ID: "a", Count: 7})),
	}, 0)

	got, err := Replay[rec](ctx, s, "job/a")
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if got.Count != 7 {
		t.Errorf("replayed count = %d, want 7", got.Count)
	}

	// A stream with only payloadless events has nothing to replay.
	s.Append(ctx, "job/b", []Event{New("job/b", TypeJobProgress, nil)}, 0)
	if _, err := Replay[rec](ctx, s, "job/b"); !errkind.IsKind(err, errkind.NotFound) {
		t.Errorf("payloadless stream: %v", err)
	}
}
