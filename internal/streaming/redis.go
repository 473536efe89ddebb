package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relay-ai/orchestrator/internal/metrics"
)

// Mirror appends published events to per-workflow Redis Streams so
// other processes (and restarts) can replay beyond the in-memory ring.
type Mirror struct {
	client *redis.Client
	logger *zap.Logger
	maxLen int64
	ttl    time.Duration
}

// NewMirror creates a Redis Streams mirror. maxLen caps each stream's
// length (approximate trimming); ttl expires streams of finished
// workflows.
func NewMirror(client *redis.Client, maxLen int64, ttl time.Duration, logger *zap.Logger) *Mirror {
	if maxLen <= 0 {
		maxLen = 1024
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Mirror{
		client: client,
		logger: logger,
		maxLen: maxLen,
		ttl:    ttl,
	}
}

func streamKey(workflowID string) string {
	return "relay:events:" + workflowID
}

// Append writes the event to the workflow's stream, best-effort. A
// failed append is logged and counted but never propagated; the
// in-memory broadcast remains the source of truth for live consumers.
func (mr *Mirror) Append(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload, err := json.Marshal(evt)
	if err != nil {
		metrics.StreamEventsMirrored.WithLabelValues("error").Inc()
		return
	}

	key := streamKey(evt.WorkflowID)
	pipe := mr.client.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: mr.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"seq":     evt.Seq,
			"type":    evt.Type,
			"payload": payload,
		},
	})
	pipe.Expire(ctx, key, mr.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		metrics.StreamEventsMirrored.WithLabelValues("error").Inc()
		mr.logger.Warn("Failed to mirror event to Redis stream",
			zap.String("workflow_id", evt.WorkflowID),
			zap.Uint64("seq", evt.Seq),
			zap.Error(err),
		)
		return
	}

	metrics.StreamEventsMirrored.WithLabelValues("ok").Inc()
}

// ReplaySince reads events with Seq > since from the workflow's stream.
func (mr *Mirror) ReplaySince(ctx context.Context, workflowID string, since uint64) ([]Event, error) {
	entries, err := mr.client.XRange(ctx, streamKey(workflowID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}

	out := make([]Event, 0, len(entries))
	for _, entry := range entries {
		raw, ok := entry.Values["payload"].(string)
		if !ok {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			mr.logger.Warn("Skipping undecodable stream entry",
				zap.String("workflow_id", workflowID),
				zap.String("stream_id", entry.ID),
				zap.Error(err),
			)
			continue
		}
		if evt.Seq > since {
			out = append(out, evt)
		}
	}
	return out, nil
}

// Drop removes a finished workflow's stream.
func (mr *Mirror) Drop(ctx context.Context, workflowID string) error {
	return mr.client.Del(ctx, streamKey(workflowID)).Err()
}
