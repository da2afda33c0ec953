// Package fanout carries room traffic between server processes over Redis
// pub/sub. Every process subscribes to the rooms it hosts and ignores its own
// messages.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

type Kind string

const (
	KindUpdate   Kind = "update"   // encoded CRDT update
	KindLanguage Kind = "language" // new language tag
	KindSync     Kind = "sync"     // a peer asks for full state
	KindState    Kind = "state"    // encoded full state, reply to sync
	KindPresence Kind = "presence" // participant joined or left elsewhere
	KindOutput   Kind = "output"   // code run result
)

var ErrClosed = errors.New("fanout channel closed")

// Envelope is the message published on a room channel.
type Envelope struct {
	Origin  string `bson:"origin"`
	Kind    Kind   `bson:"kind"`
	Room    string `bson:"room"`
	Payload []byte `bson:"payload"`
}

type Handler func(Envelope)

type subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

type Channel struct {
	rdb        *redis.Client
	instanceID string
	log        *zap.Logger

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

func New(rdb *redis.Client, instanceID string, log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	return &Channel{
		rdb:        rdb,
		instanceID: instanceID,
		log:        log.With(zap.String("instance", instanceID)),
		subs:       make(map[string]*subscription),
	}
}

func (c *Channel) InstanceID() string { return c.instanceID }

func channelName(roomID string) string { return "room:" + roomID + ":updates" }

func (c *Channel) Publish(ctx context.Context, roomID string, kind Kind, payload []byte) error {
	data, err := bson.Marshal(Envelope{Origin: c.instanceID, Kind: kind, Room: roomID, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := c.rdb.Publish(ctx, channelName(roomID), data).Err(); err != nil {
		return fmt.Errorf("publish %s to room %s: %w", kind, roomID, err)
	}
	return nil
}

// Subscribe starts delivering the room's messages from other processes to h,
// one at a time in arrival order. It returns once Redis confirmed the
// subscription. A second Subscribe for the same room is a no-op.
func (c *Channel) Subscribe(ctx context.Context, roomID string, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.subs[roomID]; ok {
		return nil
	}

	pubsub := c.rdb.Subscribe(ctx, channelName(roomID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe room %s: %w", roomID, err)
	}
	sub := &subscription{pubsub: pubsub, done: make(chan struct{})}
	c.subs[roomID] = sub
	go c.deliver(roomID, sub, h)

	c.log.Debug("subscribed", zap.String("room", roomID))
	return nil
}

func (c *Channel) deliver(roomID string, sub *subscription, h Handler) {
	defer close(sub.done)
	for msg := range sub.pubsub.Channel() {
		var env Envelope
		if err := bson.Unmarshal([]byte(msg.Payload), &env); err != nil {
			c.log.Warn("drop undecodable fanout message", zap.String("room", roomID), zap.Error(err))
			continue
		}
		// Ignore messages from this instance
		if env.Origin == c.instanceID {
			continue
		}
		h(env)
	}
}

// Unsubscribe stops delivery for the room and waits for the handler to return.
func (c *Channel) Unsubscribe(roomID string) error {
	c.mu.Lock()
	sub, ok := c.subs[roomID]
	delete(c.subs, roomID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	err := sub.pubsub.Close()
	<-sub.done
	c.log.Debug("unsubscribed", zap.String("room", roomID))
	return err
}

func (c *Channel) Subscribed(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[roomID]
	return ok
}

// Close unsubscribes every room.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	rooms := make([]string, 0, len(c.subs))
	for id := range c.subs {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()

	var errs []error
	for _, id := range rooms {
		if err := c.Unsubscribe(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
