package redisx

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marketplace/checkout/internal/orders"
)

// Hint tells subscribers a listing changed. It carries no authority:
// receivers re-read availability.
type Hint struct {
	ListingID string               `json:"listing_id"`
	Status    orders.ListingStatus `json:"status,omitempty"`
	EventType string               `json:"event_type"`
	At        time.Time            `json:"at"`
}

type HintPublisher struct {
	rdb     *redis.Client
	channel string
}

func NewHintPublisher(rdb *redis.Client) *HintPublisher {
	return &HintPublisher{rdb: rdb, channel: ChannelListingHints}
}

func (p *HintPublisher) Publish(ctx context.Context, h Hint) error {
	b, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, p.channel, b).Err()
}

// Subscribe returns hints until ctx is done. Malformed messages are dropped.
func (p *HintPublisher) Subscribe(ctx context.Context) <-chan Hint {
	sub := p.rdb.Subscribe(ctx, p.channel)
	out := make(chan Hint)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var h Hint
				if err := json.Unmarshal([]byte(msg.Payload), &h); err != nil {
					continue
				}
				select {
				case out <- h:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
