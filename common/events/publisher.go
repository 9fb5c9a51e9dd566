package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lyzr/canvasgraph/common/lock"
	"github.com/lyzr/canvasgraph/common/models"
	"github.com/lyzr/canvasgraph/common/orchestrator"
	"github.com/lyzr/canvasgraph/common/redis"
)

// Event types
const (
	TypePatchApplied = "patch_applied"
	TypeTaskStatus   = "task_status"
)

const (
	channelPrefix = "canvas:events:"
	streamPrefix  = "canvas:events:log:"

	// ChannelPattern matches every canvas channel
	ChannelPattern = channelPrefix + "*"
)

// Channel returns the pub/sub channel for a canvas
func Channel(canvasID string) string {
	return channelPrefix + canvasID
}

// Stream returns the replay stream for a canvas
func Stream(canvasID string) string {
	return streamPrefix + canvasID
}

// CanvasIDFromChannel extracts the canvas id from a channel name
func CanvasIDFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, channelPrefix) || strings.HasPrefix(channel, streamPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(channel, channelPrefix)
	return id, id != ""
}

// Event is the envelope published for every canvas change
type Event struct {
	Type     string          `json:"type"`
	CanvasID string          `json:"canvas_id"`
	At       time.Time       `json:"at"`
	Payload  json.RawMessage `json:"payload"`
}

// TaskPayload is the payload of a task_status event
type TaskPayload struct {
	TaskID          string            `json:"task_id"`
	NodeID          string            `json:"node_id"`
	Status          models.TaskStatus `json:"status"`
	Attempt         int               `json:"attempt"`
	Error           string            `json:"error,omitempty"`
	StaleDependents []string          `json:"stale_dependents,omitempty"`
}

// PublisherOpts configures a Publisher
type PublisherOpts struct {
	Client *redis.Client
	Logger redis.Logger

	// Entries kept per canvas replay stream
	StreamMaxLen int64
	StreamTTL    time.Duration
}

// Publisher sends canvas events to Redis pub/sub and a capped replay
// stream in one pipeline
type Publisher struct {
	client *redis.Client
	logger redis.Logger
	maxLen int64
	ttl    time.Duration
}

// NewPublisher creates a publisher
func NewPublisher(opts *PublisherOpts) *Publisher {
	maxLen := opts.StreamMaxLen
	if maxLen <= 0 {
		maxLen = 1000
	}
	ttl := opts.StreamTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Publisher{client: opts.Client, logger: opts.Logger, maxLen: maxLen, ttl: ttl}
}

// Publish sends one event
func (p *Publisher) Publish(ctx context.Context, eventType, canvasID string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	ev := Event{Type: eventType, CanvasID: canvasID, At: time.Now().UTC(), Payload: raw}
	msg, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	pipe := p.client.NewPipeline()
	pipe.PublishEvent(ctx, Channel(canvasID), string(msg))
	pipe.AddToStream(ctx, Stream(canvasID), p.maxLen, map[string]interface{}{"event": string(msg)})
	pipe.Expire(ctx, Stream(canvasID), p.ttl)
	if err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", eventType, err)
	}
	return nil
}

// PublishPatch implements lock.Notifier
func (p *Publisher) PublishPatch(ctx context.Context, event lock.PatchEvent) error {
	return p.Publish(ctx, TypePatchApplied, event.CanvasID, event)
}

// TaskListener returns a queue listener that publishes task transitions.
// Publishing failures are logged, never surfaced to the queue.
func (p *Publisher) TaskListener(ctx context.Context) func(task *models.Task, out *orchestrator.Outcome) {
	return func(task *models.Task, out *orchestrator.Outcome) {
		payload := TaskPayload{
			TaskID:  task.ID,
			NodeID:  task.NodeID,
			Status:  task.Status,
			Attempt: task.Attempt,
			Error:   task.Error,
		}
		if out != nil && task.Status == models.TaskCompleted {
			payload.StaleDependents = out.StaleDependents
		}

		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := p.Publish(pctx, TypeTaskStatus, task.CanvasID, payload); err != nil {
			p.logger.Warn("failed to publish task status", "task_id", task.ID, "status", task.Status, "error", err)
		}
	}
}

// Replay returns events recorded after lastID, with their stream ids
func (p *Publisher) Replay(ctx context.Context, canvasID, lastID string, count int64) ([]string, []Event, error) {
	msgs, err := p.client.ReadStream(ctx, Stream(canvasID), lastID, count)
	if err != nil {
		return nil, nil, err
	}

	ids := make([]string, 0, len(msgs))
	out := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["event"].(string)
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			p.logger.Warn("skipping malformed stream entry", "stream", Stream(canvasID), "id", m.ID, "error", err)
			continue
		}
		ids = append(ids, m.ID)
		out = append(out, ev)
	}
	return ids, out, nil
}
