package presence

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

const clusterChannel = "strand:presence"

type envelope struct {
	NodeID string `json:"node_id"`
	Diff   Diff   `json:"diff"`
}

// EnableCluster bridges the tracker over Redis pub/sub: local joins and
// leaves are published, remote ones merged. Returns after the subscription
// is established; the receive loop runs until ctx is cancelled.
func (t *Tracker) EnableCluster(ctx context.Context, client redis.UniversalClient, logger *log.Logger) error {
	if logger == nil {
		logger = log.Default()
	}

	pubsub := client.Subscribe(ctx, clusterChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return err
	}

	t.broadcast = func(d Diff) {
		payload, err := json.Marshal(envelope{NodeID: t.nodeID, Diff: d})
		if err != nil {
			return
		}
		if err := client.Publish(ctx, clusterChannel, payload).Err(); err != nil {
			logger.Printf("[presence] publish failed: %v", err)
		}
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					logger.Printf("[presence] malformed cluster message: %v", err)
					continue
				}
				if env.NodeID == t.nodeID {
					continue
				}
				t.Merge(env.Diff)
			}
		}
	}()
	return nil
}
