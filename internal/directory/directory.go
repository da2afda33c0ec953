// Package directory is the cross-process record of live rooms: who is in them,
// whether they hold unsaved edits and which language is selected. Records
// live in Redis with a TTL that is refreshed on every write, so a record left
// behind by a crashed process eventually disappears on its own.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"codecollab/internal/models"
)

var (
	ErrNotFound    = errors.New("session record not found")
	ErrUnavailable = errors.New("session directory unavailable")
	ErrLockTimeout = errors.New("room lock not acquired")

	// ErrNoChange may be returned from an Update callback to leave the record as is.
	ErrNoChange = errors.New("no change")
)

// Participant is one live connection bound to a room.
type Participant struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	DisplayName  string `json:"displayName"`
	InstanceID   string `json:"instanceId"`
}

// Record is the shared view of a live room.
type Record struct {
	RoomID       string                 `json:"roomId"`
	Language     models.Language        `json:"language"`
	Dirty        bool                   `json:"dirty"`
	Participants map[string]Participant `json:"participants"`
	AccessList   []models.AccessEntry   `json:"accessList"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

func NewRecord(room *models.Room) *Record {
	return &Record{
		RoomID:       room.ID,
		Language:     room.Language,
		Participants: make(map[string]Participant),
		AccessList:   append([]models.AccessEntry(nil), room.AccessList...),
	}
}

// Role returns userID's role from the cached access list.
func (r *Record) Role(userID string) (models.Role, bool) {
	return models.RoleOf(r.AccessList, userID)
}

// InstanceParticipants counts the participants hosted by instanceID.
func (r *Record) InstanceParticipants(instanceID string) int {
	n := 0
	for _, p := range r.Participants {
		if p.InstanceID == instanceID {
			n++
		}
	}
	return n
}

type Options struct {
	TTL      time.Duration // record lifetime without writes
	LockTTL  time.Duration // advisory lock lease
	LockWait time.Duration // how long Lock retries before ErrLockTimeout
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 5 * time.Second
	}
	if o.LockWait <= 0 {
		o.LockWait = 3 * time.Second
	}
	return o
}

type Directory struct {
	rdb  *redis.Client
	opts Options
	log  *zap.Logger
}

func New(rdb *redis.Client, opts Options, log *zap.Logger) *Directory {
	if log == nil {
		log = zap.NewNop()
	}
	return &Directory{rdb: rdb, opts: opts.withDefaults(), log: log}
}

func (d *Directory) TTL() time.Duration { return d.opts.TTL }

func recordKey(roomID string) string { return "session:" + roomID }
func lockKey(roomID string) string   { return "session:" + roomID + ":lock" }
func stateKey(roomID string) string  { return "roomstate:" + roomID }

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

func (d *Directory) Ping(ctx context.Context) error {
	if err := d.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (d *Directory) Get(ctx context.Context, roomID string) (*Record, error) {
	raw, err := d.rdb.Get(ctx, recordKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get session", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", roomID, err)
	}
	if rec.Participants == nil {
		rec.Participants = make(map[string]Participant)
	}
	return &rec, nil
}

// Set writes rec and (re)starts its TTL. A zero ttl uses the configured one.
// The cached room state, if any, gets the same TTL so it never expires while
// the record is still alive.
func (d *Directory) Set(ctx context.Context, roomID string, rec *Record, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = d.opts.TTL
	}
	rec.RoomID = roomID
	rec.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", roomID, err)
	}
	_, err = d.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, recordKey(roomID), raw, ttl)
		pipe.Expire(ctx, stateKey(roomID), ttl)
		return nil
	})
	if err != nil {
		return unavailable("set session", err)
	}
	return nil
}

func (d *Directory) Delete(ctx context.Context, roomID string) error {
	if err := d.rdb.Del(ctx, recordKey(roomID)).Err(); err != nil {
		return unavailable("delete session", err)
	}
	return nil
}

// Update performs a read-modify-write of the room record under the room lock.
// fn receives nil when no record exists. Returning a nil record deletes it,
// returning ErrNoChange leaves it untouched. The record as stored is returned.
func (d *Directory) Update(ctx context.Context, roomID string, fn func(*Record) (*Record, error)) (*Record, error) {
	unlock, err := d.Lock(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := d.Get(ctx, roomID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	next, err := fn(cur)
	if errors.Is(err, ErrNoChange) {
		return cur, nil
	}
	if err != nil {
		return nil, err
	}
	if next == nil {
		if cur == nil {
			return nil, nil
		}
		return nil, d.Delete(ctx, roomID)
	}
	if err := d.Set(ctx, roomID, next, 0); err != nil {
		return nil, err
	}
	return next, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock takes the advisory per-room mutation lock. The returned func releases
// it only if this caller still holds the lease.
func (d *Directory) Lock(ctx context.Context, roomID string) (func(), error) {
	key := lockKey(roomID)
	token := uuid.NewString()
	deadline := time.Now().Add(d.opts.LockWait)
	backoff := 5 * time.Millisecond
	for {
		ok, err := d.rdb.SetNX(ctx, key, token, d.opts.LockTTL).Result()
		if err != nil {
			return nil, unavailable("lock", err)
		}
		if ok {
			return func() {
				if err := releaseScript.Run(context.Background(), d.rdb, []string{key}, token).Err(); err != nil {
					d.log.Warn("release room lock", zap.String("room", roomID), zap.Error(err))
				}
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("room %s: %w", roomID, ErrLockTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 100*time.Millisecond {
			backoff *= 2
		}
	}
}

// SaveState caches the encoded full document state next to the record so a
// process attaching to a live room can start from the converged op log.
func (d *Directory) SaveState(ctx context.Context, roomID string, state []byte) error {
	if err := d.rdb.Set(ctx, stateKey(roomID), state, d.opts.TTL).Err(); err != nil {
		return unavailable("save state", err)
	}
	return nil
}

func (d *Directory) LoadState(ctx context.Context, roomID string) ([]byte, error) {
	raw, err := d.rdb.Get(ctx, stateKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("load state", err)
	}
	return raw, nil
}

func (d *Directory) DeleteState(ctx context.Context, roomID string) error {
	if err := d.rdb.Del(ctx, stateKey(roomID)).Err(); err != nil {
		return unavailable("delete state", err)
	}
	return nil
}
