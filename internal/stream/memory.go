package stream

import (
	"context"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// MemoryFabric implements Fabric in-process for standalone mode and tests.
// Semantics match the Redis fabric: per-run ordinal seq, replay then live
// with no gaps, TTL-based expiry of the backlog and status mirror.
type MemoryFabric struct {
	mu        sync.Mutex
	runs      map[string]*memoryRun
	status    map[string]statusEntry
	ttls      TTLs
	now       func() time.Time
	nextSubID int
}

type memoryRun struct {
	events    []protocol.Event
	subs      map[int]chan protocol.Event
	expiresAt time.Time
}

type statusEntry struct {
	value     string
	expiresAt time.Time
}

func NewMemoryFabric(ttls TTLs) *MemoryFabric {
	return &MemoryFabric{
		runs:   make(map[string]*memoryRun),
		status: make(map[string]statusEntry),
		ttls:   ttls.withDefaults(),
		now:    time.Now,
	}
}

func (f *MemoryFabric) run(runID string) *memoryRun {
	r, ok := f.runs[runID]
	if ok && f.now().Before(r.expiresAt) {
		return r
	}
	if ok {
		for _, ch := range r.subs {
			close(ch)
		}
	}
	r = &memoryRun{subs: make(map[int]chan protocol.Event)}
	f.runs[runID] = r
	return r
}

func (f *MemoryFabric) Publish(_ context.Context, runID string, ev protocol.Event) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r := f.run(runID)
	ev.RunID = runID
	ev.Seq = int64(len(r.events)) + 1
	r.events = append(r.events, ev)
	r.expiresAt = f.now().Add(f.ttls.ResponseList)

	for id, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop it rather than block the publisher.
			// It can resubscribe from its last seq.
			close(ch)
			delete(r.subs, id)
		}
	}
	return ev.Seq, nil
}

func (f *MemoryFabric) Subscribe(ctx context.Context, runID string, fromSeq int64) (<-chan protocol.Event, error) {
	f.mu.Lock()
	r := f.run(runID)

	backlog := make([]protocol.Event, 0, len(r.events))
	lastSeq := fromSeq
	terminal := false
	for _, ev := range r.events {
		if ev.Seq <= lastSeq {
			continue
		}
		backlog = append(backlog, ev)
		lastSeq = ev.Seq
		if ev.Terminal() {
			terminal = true
		}
	}

	var live chan protocol.Event
	var subID int
	if !terminal {
		live = make(chan protocol.Event, 256)
		subID = f.nextSubID
		f.nextSubID++
		r.subs[subID] = live
	}
	f.mu.Unlock()

	out := make(chan protocol.Event, 64)
	go func() {
		defer close(out)
		if live != nil {
			defer func() {
				f.mu.Lock()
				if cur, ok := f.runs[runID]; ok {
					if ch, ok := cur.subs[subID]; ok {
						close(ch)
						delete(cur.subs, subID)
					}
				}
				f.mu.Unlock()
			}()
		}

		for _, ev := range backlog {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if live == nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-live:
				if !ok {
					return
				}
				if ev.Seq <= lastSeq {
					continue
				}
				lastSeq = ev.Seq
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Terminal() {
					return
				}
			}
		}
	}()

	return out, nil
}

func (f *MemoryFabric) SetStatus(_ context.Context, runID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[runID] = statusEntry{value: status, expiresAt: f.now().Add(f.ttls.Status)}
	return nil
}

func (f *MemoryFabric) GetStatus(_ context.Context, runID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.status[runID]
	if !ok || f.now().After(e.expiresAt) {
		return "", nil
	}
	return e.value, nil
}

func (f *MemoryFabric) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		for _, ch := range r.subs {
			close(ch)
		}
		r.subs = map[int]chan protocol.Event{}
	}
	return nil
}
