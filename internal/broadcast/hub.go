// Package broadcast fans live verdicts out to operator dashboard
// subscribers over a websocket: JSON frames, one per evaluation, plus an
// initial snapshot on connect so a new subscriber does not wait for the
// next scan to see current state.
package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/zonewatch/zonewatch/internal/zones"
	"go.uber.org/zap"
)

// FrameType distinguishes broadcast payload shapes. Today there is only one.
type FrameType string

const FrameTypeVerdict FrameType = "verdict"

// VerdictData is the payload carried by a verdict frame.
type VerdictData struct {
	ProductID        string            `json:"product_id"`
	AggregateVerdict string            `json:"aggregate_verdict"`
	Zones            []ZoneVerdict     `json:"zones"`
	Statistics       StatisticsPayload `json:"statistics"`
}

// ZoneVerdict is one zone's published result within a verdict frame.
type ZoneVerdict struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Verdict     string  `json:"verdict"`
	Measurement float64 `json:"measurement"`
	PointCount  int     `json:"point_count"`
}

// StatisticsPayload is the running-counter snapshot within a verdict frame.
type StatisticsPayload struct {
	EvaluationCount uint64  `json:"evaluation_count"`
	GoodCount       uint64  `json:"good_count"`
	BadCount        uint64  `json:"bad_count"`
	GoodRate        float64 `json:"good_rate"`
}

// Frame is one JSON message sent to dashboard subscribers.
type Frame struct {
	Type      FrameType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      VerdictData `json:"data"`
}

// BuildFrame renders a product+stats verdict into its broadcast frame shape.
func BuildFrame(product zones.ProductConfig, stats zones.Statistics) Frame {
	zoneFrames := make([]ZoneVerdict, 0, len(product.Zones))
	for _, z := range product.Zones {
		zoneFrames = append(zoneFrames, ZoneVerdict{
			ID:          z.ID,
			Name:        z.Name,
			Verdict:     z.LastVerdict.String(),
			Measurement: z.LastMeasurement,
			PointCount:  z.LastPointCount,
		})
	}
	return Frame{
		Type:      FrameTypeVerdict,
		Timestamp: time.Now(),
		Data: VerdictData{
			ProductID:        product.ID,
			AggregateVerdict: product.LastVerdict.String(),
			Zones:            zoneFrames,
			Statistics: StatisticsPayload{
				EvaluationCount: stats.EvaluationCount,
				GoodCount:       stats.GoodCount,
				BadCount:        stats.BadCount,
				GoodRate:        stats.GoodRate(),
			},
		},
	}
}

// subscriber is one connected dashboard client.
type subscriber struct {
	id   uint64
	send chan Frame
}

// Hub maintains the set of live dashboard subscribers and the most recent
// frame, and fans each new frame out to every subscriber.
type Hub struct {
	log *zap.Logger

	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextID      uint64
	lastFrame   *Frame
}

// NewHub returns an empty Hub.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:         log,
		subscribers: make(map[uint64]*subscriber),
	}
}

// OnVerdict is the zones.ResultCallback this hub subscribes with.
func (h *Hub) OnVerdict(product zones.ProductConfig, stats zones.Statistics) {
	frame := BuildFrame(product, stats)
	h.Broadcast(frame)
}

// Broadcast fans frame out to every live subscriber. It records frame as the
// latest snapshot and copies the subscriber set under the hub lock, then
// attempts a non-blocking send per subscriber with the lock released; any
// subscriber whose channel is full is marked dead and pruned once the
// fan-out pass completes, never mid-iteration.
func (h *Hub) Broadcast(frame Frame) {
	h.mu.Lock()
	h.lastFrame = &frame
	subs := make([]*subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	var dead []uint64
	for _, s := range subs {
		select {
		case s.send <- frame:
		default:
			dead = append(dead, s.id)
		}
	}

	if len(dead) == 0 {
		return
	}
	h.mu.Lock()
	for _, id := range dead {
		if s, ok := h.subscribers[id]; ok {
			delete(h.subscribers, id)
			close(s.send)
		}
	}
	h.mu.Unlock()
}

// subscribe registers a new subscriber and returns it along with the most
// recent frame, if any (sent immediately so a new connection does not wait
// for the next scan).
func (h *Hub) subscribe() (*subscriber, *Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	s := &subscriber{id: h.nextID, send: make(chan Frame, 32)}
	h.subscribers[s.id] = s
	return s, h.lastFrame
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subscribers[id]; ok {
		delete(h.subscribers, id)
		close(s.send)
	}
}

// SubscriberCount returns the number of currently connected dashboards.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// HandleWebSocket drives one fiber websocket connection: a write pump over
// the subscriber's frame channel, plus a read pump that only exists to
// detect the peer going away (no inbound protocol is defined here).
func (h *Hub) HandleWebSocket(c *websocket.Conn) {
	sub, last := h.subscribe()
	defer h.unsubscribe(sub.id)

	if last != nil {
		if err := c.WriteJSON(last); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-sub.send:
			if !ok {
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
