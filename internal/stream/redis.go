package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/agentd/pkg/protocol"
)

// publishScript appends an event to the replay list and fans it out in one
// atomic step. Seq is the event's ordinal in the list, assigned server-side
// so concurrent publishers can never race it.
var publishScript = redis.NewScript(`
local ev = cjson.decode(ARGV[1])
ev.seq = redis.call('LLEN', KEYS[1]) + 1
local enc = cjson.encode(ev)
redis.call('RPUSH', KEYS[1], enc)
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('PUBLISH', KEYS[2], enc)
return ev.seq
`)

// RedisFabric implements Fabric on Redis lists + pub/sub.
type RedisFabric struct {
	rdb  *redis.Client
	ttls TTLs
}

func NewRedisFabric(url string, ttls TTLs) (*RedisFabric, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisFabric{rdb: rdb, ttls: ttls.withDefaults()}, nil
}

func listKey(runID string) string    { return "run:" + runID + ":responses" }
func channelKey(runID string) string { return "run:" + runID + ":events" }
func statusKey(runID string) string  { return "run:" + runID + ":status" }

func (f *RedisFabric) Publish(ctx context.Context, runID string, ev protocol.Event) (int64, error) {
	ev.RunID = runID
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	seq, err := publishScript.Run(ctx, f.rdb,
		[]string{listKey(runID), channelKey(runID)},
		payload, f.ttls.ResponseList.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("publish event: %w", err)
	}
	return seq, nil
}

func (f *RedisFabric) Subscribe(ctx context.Context, runID string, fromSeq int64) (<-chan protocol.Event, error) {
	// Subscribe before reading the backlog so no event can fall between
	// replay and live. Overlap is dropped by seq below.
	sub := f.rdb.Subscribe(ctx, channelKey(runID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe run %s: %w", runID, err)
	}

	backlog, err := f.rdb.LRange(ctx, listKey(runID), 0, -1).Result()
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("replay run %s: %w", runID, err)
	}

	out := make(chan protocol.Event, 64)
	go func() {
		defer close(out)
		defer sub.Close()

		lastSeq := fromSeq
		terminal := false
		for _, raw := range backlog {
			ev, ok := decodeEvent([]byte(raw))
			if !ok || ev.Seq <= lastSeq {
				continue
			}
			lastSeq = ev.Seq
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Terminal() {
				terminal = true
			}
		}
		if terminal {
			return
		}

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ev, ok := decodeEvent([]byte(msg.Payload))
				if !ok || ev.Seq <= lastSeq {
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

func (f *RedisFabric) SetStatus(ctx context.Context, runID, status string) error {
	return f.rdb.Set(ctx, statusKey(runID), status, f.ttls.Status).Err()
}

func (f *RedisFabric) GetStatus(ctx context.Context, runID string) (string, error) {
	v, err := f.rdb.Get(ctx, statusKey(runID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (f *RedisFabric) Close() error {
	return f.rdb.Close()
}

func decodeEvent(raw []byte) (protocol.Event, bool) {
	var ev protocol.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		slog.Warn("dropping undecodable stream event", "error", err)
		return protocol.Event{}, false
	}
	return ev, true
}
