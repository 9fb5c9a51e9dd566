package lock

import (
	"context"
)

const subscriberBuffer = 32

// Subscribe returns a channel of patch events for canvasID and a function
// that ends the subscription. Slow subscribers miss events rather than
// block publishers.
func (m *Manager) Subscribe(canvasID string) (<-chan PatchEvent, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan PatchEvent, subscriberBuffer)

	if m.subs[canvasID] == nil {
		m.subs[canvasID] = make(map[int]chan PatchEvent)
	}
	m.subs[canvasID][id] = ch

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if subs, ok := m.subs[canvasID]; ok {
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
			}
			if len(subs) == 0 {
				delete(m.subs, canvasID)
			}
		}
	}
}

// NotifyPatch delivers event to local subscribers and the notifier
func (m *Manager) NotifyPatch(ctx context.Context, event PatchEvent) {
	if event.At.IsZero() {
		event.At = m.now()
	}

	m.mu.Lock()
	for _, ch := range m.subs[event.CanvasID] {
		select {
		case ch <- event:
		default:
			m.logger.Warn("dropping patch event for slow subscriber", "canvas_id", event.CanvasID, "patch_id", event.PatchID)
		}
	}
	m.mu.Unlock()

	if m.notifier == nil {
		return
	}
	if err := m.notifier.PublishPatch(ctx, event); err != nil {
		m.logger.Error("failed to publish patch event", "canvas_id", event.CanvasID, "patch_id", event.PatchID, "error", err)
	}
}
