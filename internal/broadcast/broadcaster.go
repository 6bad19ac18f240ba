package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/changesync/internal/ir"
)

var (
	messagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "changesync",
		Subsystem: "broadcast",
		Name:      "messages_total",
		Help:      "Resolved changes routed to a topic",
	}, []string{"outcome"})

	deliveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "changesync",
		Subsystem: "broadcast",
		Name:      "deliveries_total",
		Help:      "Messages handed to subscriber connections",
	})

	drops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "changesync",
		Subsystem: "broadcast",
		Name:      "dropped_subscribers_total",
		Help:      "Subscribers disconnected because their send buffer was full",
	})

	revoked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "changesync",
		Subsystem: "broadcast",
		Name:      "revoked_subscriptions_total",
		Help:      "Channel subscriptions dropped because the subscriber may no longer read the channel",
	})

	connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "changesync",
		Subsystem: "broadcast",
		Name:      "connections",
		Help:      "Open websocket connections",
	})
)

// DefaultWindow is the number of recent transitions remembered for dedup.
const DefaultWindow = 4096

// Publisher delivers an encoded message to a topic's subscribers and
// reports how many received it.
type Publisher interface {
	Publish(topic string, data []byte) int
}

// Broadcaster routes resolved changes to a Publisher. The same transition
// can reach it twice, once from the applier in this process and once from
// the relay; a window of recently seen transitions keeps delivery at most
// once.
type Broadcaster struct {
	pub  Publisher
	seen *lru.Cache[string, struct{}]
}

// New returns a Broadcaster remembering the last window transitions.
func New(pub Publisher, window int) (*Broadcaster, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	seen, err := lru.New[string, struct{}](window)
	if err != nil {
		return nil, fmt.Errorf("broadcast window: %w", err)
	}
	return &Broadcaster{pub: pub, seen: seen}, nil
}

// Notify publishes c if it is resolved and was not published before. It
// returns the number of subscribers reached.
func (b *Broadcaster) Notify(c ir.Change) int {
	msg, ok := Route(c)
	if !ok {
		messagesRouted.WithLabelValues("unrouted").Inc()
		return 0
	}
	if seen, _ := b.seen.ContainsOrAdd(c.ID+"/"+c.Status(), struct{}{}); seen {
		messagesRouted.WithLabelValues("duplicate").Inc()
		return 0
	}

	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("encode broadcast", "change_id", c.ID, "error", err)
		return 0
	}
	n := b.pub.Publish(msg.Topic, data)
	messagesRouted.WithLabelValues("published").Inc()
	slog.Debug("broadcast", "change_id", c.ID, "topic", msg.Topic, "subscribers", n)
	return n
}
