// Package stream is the run event fabric: an ordered, replayable event log
// per run plus live fan-out to subscribers. Backed by Redis when configured,
// otherwise fully in-process.
package stream

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// Fabric publishes and replays run events.
//
// Publish assigns the event's Seq: strictly increasing per run, starting at 1,
// equal to the event's ordinal in the replay list. Subscribe delivers the
// retained backlog after fromSeq followed by live events with no gap and no
// duplicates; the channel closes after the done event or when ctx ends, so a
// subscriber always sees the terminal status before the close.
type Fabric interface {
	Publish(ctx context.Context, runID string, ev protocol.Event) (int64, error)
	Subscribe(ctx context.Context, runID string, fromSeq int64) (<-chan protocol.Event, error)

	// SetStatus mirrors the run status for cheap polling; GetStatus returns
	// "" once the status key expired or was never set.
	SetStatus(ctx context.Context, runID, status string) error
	GetStatus(ctx context.Context, runID string) (string, error)

	Close() error
}

// TTLs controls retention of the replay list and the status mirror.
type TTLs struct {
	ResponseList time.Duration
	Status       time.Duration
}

func (t TTLs) withDefaults() TTLs {
	if t.ResponseList <= 0 {
		t.ResponseList = 24 * time.Hour
	}
	if t.Status <= 0 {
		t.Status = time.Hour
	}
	return t
}
