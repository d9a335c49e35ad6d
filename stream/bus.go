// Package stream is the in-process bus for job progress updates and ordered
// stream items. Progress keeps the latest update plus a bounded history per
// job and fans out to subscribers without ever blocking the producer. Streams
// are single-producer sequenced buffers that late subscribers can replay from
// a given sequence.
package stream

import (
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/orbitmesh/orbitmesh/pkg/data"
	"github.com/orbitmesh/orbitmesh/pkg/errkind"
)

// State is the lifecycle of one job's stream.
type State string

const (
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
)

// Config tunes the bus. Zero values get sensible defaults.
type Config struct {
	Log logr.Logger
	// ProgressHistoryCap bounds the retained progress history per job.
	ProgressHistoryCap int
	// StreamBufferCap bounds the retained stream items per job.
	StreamBufferCap int
	// StreamRetention is how long retained items survive before they may be
	// trimmed to make room. Zero keeps items until the cap forces trimming.
	StreamRetention time.Duration
	// SubscriberBuffer is the channel depth handed to each subscriber.
	SubscriberBuffer int
}

func (c Config) withDefaults() Config {
	if c.ProgressHistoryCap <= 0 {
		c.ProgressHistoryCap = 64
	}
	if c.StreamBufferCap <= 0 {
		c.StreamBufferCap = 1024
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 64
	}
	return c
}

// Bus multiplexes progress and stream traffic per job id.
type Bus struct {
	cfg Config
	log logr.Logger

	mu       sync.Mutex
	progress map[string]*progressEntry
	streams  map[string]*streamBuffer
	nextSub  uint64

	progressTotal prometheus.Counter
	itemsTotal    prometheus.Counter
	subscribers   prometheus.GaugeFunc
}

// NewBus builds a bus and registers its metrics.
func NewBus(cfg Config, reg prometheus.Registerer) *Bus {
	cfg = cfg.withDefaults()
	b := &Bus{
		cfg:      cfg,
		log:      cfg.Log,
		progress: make(map[string]*progressEntry),
		streams:  make(map[string]*streamBuffer),
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	b.progressTotal = f.NewCounter(prometheus.CounterOpts{Name: "orbitmesh_progress_updates_total", Help: "Progress updates published."})
	b.itemsTotal = f.NewCounter(prometheus.CounterOpts{Name: "orbitmesh_stream_items_total", Help: "Stream items published."})
	b.subscribers = f.NewGaugeFunc(prometheus.GaugeOpts{Name: "orbitmesh_stream_subscribers", Help: "Active progress and stream subscribers."},
		func() float64 {
			b.mu.Lock()
			defer b.mu.Unlock()
			n := 0
			for _, p := range b.progress {
				n += len(p.subs)
			}
			for _, s := range b.streams {
				n += len(s.subs)
			}
			return float64(n)
		})
	return b
}

type progressEntry struct {
	latest  data.JobProgress
	history []data.JobProgress
	subs    map[uint64]chan data.JobProgress
	cbs     map[uint64]func(data.JobProgress)
}

// PublishProgress records a progress update and fans it out. Updates whose
// sequence is below the latest seen are dropped. Subscribers that cannot keep
// up miss updates rather than stalling the producer.
func (b *Bus) PublishProgress(p data.JobProgress) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	e, ok := b.progress[p.JobID]
	if !ok {
		e = &progressEntry{
			subs: make(map[uint64]chan data.JobProgress),
			cbs:  make(map[uint64]func(data.JobProgress)),
		}
		b.progress[p.JobID] = e
	}
	if p.Sequence == 0 {
		p.Sequence = e.latest.Sequence + 1
	}
	if len(e.history) > 0 && p.Sequence < e.latest.Sequence {
		b.mu.Unlock()
		return
	}
	e.latest = p
	e.history = append(e.history, p)
	if len(e.history) > b.cfg.ProgressHistoryCap {
		e.history = e.history[len(e.history)-b.cfg.ProgressHistoryCap:]
	}
	chans := make([]chan data.JobProgress, 0, len(e.subs))
	for _, ch := range e.subs {
		chans = append(chans, ch)
	}
	cbs := make([]func(data.JobProgress), 0, len(e.cbs))
	for _, cb := range e.cbs {
		cbs = append(cbs, cb)
	}
	b.mu.Unlock()

	b.progressTotal.Inc()
	for _, ch := range chans {
		select {
		case ch <- p:
		default:
		}
	}
	for _, cb := range cbs {
		go cb(p)
	}
}

// LatestProgress returns the most recent update for the job, if any.
func (b *Bus) LatestProgress(jobID string) (data.JobProgress, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.progress[jobID]
	if !ok || len(e.history) == 0 {
		return data.JobProgress{}, false
	}
	return e.latest, true
}

// ProgressHistory returns the retained history for the job, oldest first.
func (b *Bus) ProgressHistory(jobID string) []data.JobProgress {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.progress[jobID]
	if !ok {
		return nil
	}
	out := make([]data.JobProgress, len(e.history))
	copy(out, e.history)
	return out
}

// SubscribeProgress returns a channel of updates for the job and a cancel
// func. The channel is buffered; a full buffer drops updates for that
// subscriber only.
func (b *Bus) SubscribeProgress(jobID string) (<-chan data.JobProgress, func()) {
	ch := make(chan data.JobProgress, b.cfg.SubscriberBuffer)
	b.mu.Lock()
	e, ok := b.progress[jobID]
	if !ok {
		e = &progressEntry{
			subs: make(map[uint64]chan data.JobProgress),
			cbs:  make(map[uint64]func(data.JobProgress)),
		}
		b.progress[jobID] = e
	}
	b.nextSub++
	id := b.nextSub
	e.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if e, ok := b.progress[jobID]; ok {
			delete(e.subs, id)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// OnProgress registers a callback for the job's updates. Callbacks run on
// their own goroutine so a slow callback never blocks the producer.
func (b *Bus) OnProgress(jobID string, fn func(data.JobProgress)) func() {
	b.mu.Lock()
	e, ok := b.progress[jobID]
	if !ok {
		e = &progressEntry{
			subs: make(map[uint64]chan data.JobProgress),
			cbs:  make(map[uint64]func(data.JobProgress)),
		}
		b.progress[jobID] = e
	}
	b.nextSub++
	id := b.nextSub
	e.cbs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		if e, ok := b.progress[jobID]; ok {
			delete(e.cbs, id)
		}
		b.mu.Unlock()
	}
}

// CompleteJob clears the job's progress state. Stream buffers stay until
// Drop so late consumers can still replay.
func (b *Bus) CompleteJob(jobID string) {
	b.mu.Lock()
	if e, ok := b.progress[jobID]; ok {
		for _, ch := range e.subs {
			close(ch)
		}
		delete(b.progress, jobID)
	}
	b.mu.Unlock()
}

type streamSub struct {
	ch      chan data.StreamItem
	nextSeq uint64
}

type streamBuffer struct {
	items   []data.StreamItem
	nextSeq uint64
	state   State
	subs    map[uint64]*streamSub
}

// PublishStream appends a payload to the job's stream and delivers it to
// subscribers. The bus assigns the sequence; the single producer must not
// publish concurrently for one job. Publishing to a Completed or Aborted
// stream is a Conflict. When the retained buffer is full and retention cannot
// trim, the publish is rejected with Backpressure.
//
// A subscriber whose channel is full is evicted (its channel closed) instead
// of skipped: each subscriber either sees every sequence in order or stops
// receiving entirely, never a gap.
func (b *Bus) PublishStream(jobID string, payload []byte, endOfStream bool) (data.StreamItem, error) {
	b.mu.Lock()
	s, ok := b.streams[jobID]
	if !ok {
		s = &streamBuffer{nextSeq: 1, state: StateActive, subs: make(map[uint64]*streamSub)}
		b.streams[jobID] = s
	}
	if s.state != StateActive {
		b.mu.Unlock()
		return data.StreamItem{}, errkind.Errorf(errkind.Conflict, "stream for job %s is %s", jobID, s.state)
	}
	if len(s.items) >= b.cfg.StreamBufferCap {
		b.trimLocked(s)
		if len(s.items) >= b.cfg.StreamBufferCap {
			b.mu.Unlock()
			return data.StreamItem{}, errkind.Errorf(errkind.Backpressure, "stream buffer for job %s full (%d)", jobID, b.cfg.StreamBufferCap)
		}
	}

	item := data.StreamItem{
		JobID:         jobID,
		Sequence:      s.nextSeq,
		Payload:       payload,
		IsEndOfStream: endOfStream,
		Timestamp:     time.Now().UTC(),
	}
	s.nextSeq++
	s.items = append(s.items, item)
	if endOfStream {
		s.state = StateCompleted
	}

	var evicted []*streamSub
	for id, sub := range s.subs {
		select {
		case sub.ch <- item:
			sub.nextSeq = item.Sequence + 1
		default:
			evicted = append(evicted, sub)
			delete(s.subs, id)
		}
	}
	if endOfStream {
		for id, sub := range s.subs {
			close(sub.ch)
			delete(s.subs, id)
		}
	}
	b.mu.Unlock()

	b.itemsTotal.Inc()
	for _, sub := range evicted {
		close(sub.ch)
	}
	return item, nil
}

// trimLocked drops retained items older than the retention window.
func (b *Bus) trimLocked(s *streamBuffer) {
	if b.cfg.StreamRetention <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-b.cfg.StreamRetention)
	i := sort.Search(len(s.items), func(i int) bool {
		return s.items[i].Timestamp.After(cutoff)
	})
	if i > 0 {
		s.items = append(s.items[:0:0], s.items[i:]...)
	}
}

// Abort marks the job's stream Aborted. Producers may not resume an aborted
// stream.
func (b *Bus) Abort(jobID string) {
	b.mu.Lock()
	s, ok := b.streams[jobID]
	if !ok {
		s = &streamBuffer{nextSeq: 1, subs: make(map[uint64]*streamSub)}
		b.streams[jobID] = s
	}
	s.state = StateAborted
	for id, sub := range s.subs {
		close(sub.ch)
		delete(s.subs, id)
	}
	b.mu.Unlock()
}

// StreamState reports the stream lifecycle for the job. Unknown jobs are
// Active: the stream materializes on first publish or subscribe.
func (b *Bus) StreamState(jobID string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[jobID]; ok {
		return s.state
	}
	return StateActive
}

// Replay returns the retained items with sequence >= fromSeq, in order.
func (b *Bus) Replay(jobID string, fromSeq uint64) []data.StreamItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[jobID]
	if !ok {
		return nil
	}
	return itemsFrom(s.items, fromSeq)
}

func itemsFrom(items []data.StreamItem, fromSeq uint64) []data.StreamItem {
	i := sort.Search(len(items), func(i int) bool {
		return items[i].Sequence >= fromSeq
	})
	out := make([]data.StreamItem, len(items)-i)
	copy(out, items[i:])
	return out
}

// SubscribeStream returns a channel delivering the job's stream from fromSeq:
// retained items first, then live items, in strictly increasing sequence. The
// channel closes on end-of-stream, abort, cancel, or when the subscriber
// falls too far behind.
func (b *Bus) SubscribeStream(jobID string, fromSeq uint64) (<-chan data.StreamItem, func()) {
	b.mu.Lock()
	s, ok := b.streams[jobID]
	if !ok {
		s = &streamBuffer{nextSeq: 1, state: StateActive, subs: make(map[uint64]*streamSub)}
		b.streams[jobID] = s
	}
	replay := itemsFrom(s.items, fromSeq)
	buf := b.cfg.SubscriberBuffer
	if need := len(replay) + 1; need > buf {
		buf = need
	}
	ch := make(chan data.StreamItem, buf)
	for _, it := range replay {
		ch <- it
	}
	sub := &streamSub{ch: ch, nextSeq: s.nextSeq}
	if len(replay) > 0 {
		sub.nextSeq = replay[len(replay)-1].Sequence + 1
	}
	var id uint64
	if s.state == StateActive {
		b.nextSub++
		id = b.nextSub
		s.subs[id] = sub
	} else {
		close(ch)
	}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if s, ok := b.streams[jobID]; ok {
			if _, live := s.subs[id]; live {
				delete(s.subs, id)
				close(ch)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Drop discards the job's stream buffer and progress state entirely.
func (b *Bus) Drop(jobID string) {
	b.mu.Lock()
	if s, ok := b.streams[jobID]; ok {
		for _, sub := range s.subs {
			close(sub.ch)
		}
		delete(b.streams, jobID)
	}
	if e, ok := b.progress[jobID]; ok {
		for _, ch := range e.subs {
			close(ch)
		}
		delete(b.progress, jobID)
	}
	b.mu.Unlock()
}
