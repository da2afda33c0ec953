// Package rooms binds replicated documents to live connections. Each process
// keeps its own replica of a room's document; replicas converge through the
// fanout channel while presence, dirty state and the cached access list live
// in the shared session directory.
package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"codecollab/internal/crdt"
	"codecollab/internal/directory"
	"codecollab/internal/exec"
	"codecollab/internal/fanout"
	"codecollab/internal/metrics"
	"codecollab/internal/models"
	"codecollab/internal/scheduler"
	"codecollab/internal/store"
)

// Conn is a participant's transport connection.
type Conn interface {
	ID() string
	Send(models.WSFrame)
}

// Identity is the authenticated user behind a connection.
type Identity struct {
	UserID string
	Name   string
}

type Directory interface {
	Get(ctx context.Context, roomID string) (*directory.Record, error)
	Update(ctx context.Context, roomID string, fn func(*directory.Record) (*directory.Record, error)) (*directory.Record, error)
	SaveState(ctx context.Context, roomID string, state []byte) error
	LoadState(ctx context.Context, roomID string) ([]byte, error)
	DeleteState(ctx context.Context, roomID string) error
}

type Fanout interface {
	InstanceID() string
	Publish(ctx context.Context, roomID string, kind fanout.Kind, payload []byte) error
	Subscribe(ctx context.Context, roomID string, h fanout.Handler) error
	Unsubscribe(roomID string) error
}

type Deps struct {
	Repo      store.Repository
	Directory Directory
	Fanout    Fanout
	Executor  exec.Executor      // nil disables code runs
	Save      scheduler.SaveFunc // nil writes straight through Repo
	Logger    *zap.Logger
}

type Options struct {
	HydrateTimeout time.Duration // bound on a join that has to load the room
	ResyncWindow   time.Duration // wait for a peer's state after a replication gap
	IOTimeout      time.Duration // background directory, fanout and storage calls
}

func (o Options) withDefaults() Options {
	if o.HydrateTimeout <= 0 {
		o.HydrateTimeout = 5 * time.Second
	}
	if o.ResyncWindow <= 0 {
		o.ResyncWindow = 3 * time.Second
	}
	if o.IOTimeout <= 0 {
		o.IOTimeout = 5 * time.Second
	}
	return o
}

// Coordinator owns every room hosted by this process. The table lock only
// guards lookups; room work is serialized by each room's own lock.
type Coordinator struct {
	repo     store.Repository
	dir      Directory
	fan      Fanout
	executor exec.Executor
	save     scheduler.SaveFunc
	opts     Options
	log      *zap.Logger
	site     string

	mu       sync.Mutex
	rooms    map[string]*Room
	draining map[string]chan struct{}
	conns    map[string]*Room
	closed   bool

	bg sync.WaitGroup
}

func New(deps Deps, opts Options) *Coordinator {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	c := &Coordinator{
		repo:     deps.Repo,
		dir:      deps.Directory,
		fan:      deps.Fanout,
		executor: deps.Executor,
		save:     deps.Save,
		opts:     opts.withDefaults(),
		log:      log.Named("rooms"),
		site:     deps.Fanout.InstanceID(),
		rooms:    make(map[string]*Room),
		draining: make(map[string]chan struct{}),
		conns:    make(map[string]*Room),
	}
	if c.executor == nil {
		c.executor = exec.Disabled{}
	}
	if c.save == nil {
		c.save = deps.Repo.SaveSnapshot
	}
	return c
}

// room returns the table entry for id, creating a cold one if needed.
func (c *Coordinator) room(id string) (*Room, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrShuttingDown
	}
	if r, ok := c.rooms[id]; ok {
		return r, nil
	}
	r := newRoom(id, c)
	r.after = c.draining[id]
	c.rooms[id] = r
	return r, nil
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Coordinator) lookup(id string) *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[id]
}

func (c *Coordinator) roomOf(connID string) *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[connID]
}

func (c *Coordinator) bind(connID string, r *Room) {
	c.mu.Lock()
	c.conns[connID] = r
	c.mu.Unlock()
}

func (c *Coordinator) unbind(connID string) *Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.conns[connID]
	delete(c.conns, connID)
	return r
}

func (c *Coordinator) allRooms() []*Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		out = append(out, r)
	}
	return out
}

// beginRetire takes r out of the table. Joins arriving from now on create a
// fresh room that waits on the returned channel before hydrating. The caller
// holds r.mu.
func (c *Coordinator) beginRetire(r *Room) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rooms[r.id] == r {
		delete(c.rooms, r.id)
	}
	done := make(chan struct{})
	c.draining[r.id] = done
	return done
}

func (c *Coordinator) endRetire(r *Room, done chan struct{}) {
	c.mu.Lock()
	if c.draining[r.id] == done {
		delete(c.draining, r.id)
	}
	c.mu.Unlock()
	close(done)
}

func (c *Coordinator) ioContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.opts.IOTimeout)
}

// Join admits conn to roomID, hydrating the room first if this process does
// not host it yet. On success the joining connection alone receives doc:init.
func (c *Coordinator) Join(ctx context.Context, conn Conn, who Identity, roomID string) (*models.DocInit, error) {
	if roomID == "" {
		return nil, ErrRoomNotFound
	}
	if c.roomOf(conn.ID()) != nil {
		c.Leave(ctx, conn.ID())
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.HydrateTimeout)
	defer cancel()
	for {
		r, err := c.room(roomID)
		if err != nil {
			return nil, err
		}
		init, retry, err := r.join(ctx, conn, who)
		if !retry {
			return init, err
		}
		if ctx.Err() != nil {
			return nil, hydrateError(ctx, ctx.Err())
		}
	}
}

// Edit applies a participant's edit and forwards it. Unknown connections get
// ErrNotJoined and viewers ErrAuthorizationDenied; in both cases nothing is
// applied or broadcast.
func (c *Coordinator) Edit(ctx context.Context, connID string, req models.EditRequest) error {
	r := c.roomOf(connID)
	if r == nil {
		metrics.EditDropped()
		return ErrNotJoined
	}
	return r.edit(ctx, connID, req)
}

func (c *Coordinator) ChangeLanguage(ctx context.Context, connID string, lang models.Language) error {
	r := c.roomOf(connID)
	if r == nil {
		return ErrNotJoined
	}
	if !lang.Valid() {
		return ErrInvalidLanguage
	}
	if err := r.changeLanguage(ctx, connID, lang); err != nil {
		return err
	}

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := c.ioContext()
		defer cancel()
		if err := c.repo.UpdateRoom(ctx, r.id, models.RoomPatch{Language: &lang}); err != nil {
			c.log.Warn("persist room language", zap.String("room", r.id), zap.Error(err))
		}
	}()
	return nil
}

// Leave removes the connection from its room. The last local participant
// drains the room.
func (c *Coordinator) Leave(ctx context.Context, connID string) {
	r := c.unbind(connID)
	if r == nil {
		return
	}
	r.leave(ctx, connID)
}

// RunCode runs the room's current text for one of its participants and shows
// the output to everyone in the room.
func (c *Coordinator) RunCode(ctx context.Context, connID string) (models.RunResult, error) {
	r := c.roomOf(connID)
	if r == nil {
		return models.RunResult{}, ErrNotJoined
	}
	r.mu.Lock()
	_, ok := r.members[connID]
	content, lang := r.contentLocked()
	r.mu.Unlock()
	if !ok {
		return models.RunResult{}, ErrNotJoined
	}
	return c.run(ctx, r, content, lang)
}

// RunRoom is RunCode for callers outside the room's connections. The room must
// be live on this process and userID must be on its access list.
func (c *Coordinator) RunRoom(ctx context.Context, roomID, userID string) (models.RunResult, error) {
	r := c.lookup(roomID)
	if r == nil {
		return models.RunResult{}, ErrRoomNotFound
	}
	r.mu.Lock()
	live := r.state == StateLive
	_, allowed := models.RoleOf(r.access, userID)
	content, lang := r.contentLocked()
	r.mu.Unlock()
	if !live {
		return models.RunResult{}, ErrRoomNotFound
	}
	if !allowed {
		return models.RunResult{}, ErrAuthorizationDenied
	}
	return c.run(ctx, r, content, lang)
}

func (c *Coordinator) run(ctx context.Context, r *Room, content string, lang models.Language) (models.RunResult, error) {
	res, err := c.executor.Run(ctx, lang, content)
	if err != nil {
		return models.RunResult{}, err
	}
	out := models.CodeOutput{RoomID: r.id, Language: lang, Result: res}
	r.mu.Lock()
	r.broadcast("", models.WSFrame{Type: models.FrameCodeOutput, Data: out})
	r.mu.Unlock()

	if payload, err := json.Marshal(out); err == nil {
		r.publish(fanout.KindOutput, payload)
	}
	return res, nil
}

// View is a read-only picture of a hosted room.
type View struct {
	RoomID       string          `json:"roomId"`
	State        string          `json:"state"`
	Content      string          `json:"content"`
	Language     models.Language `json:"language"`
	Participants int             `json:"participants"`
	Dirty        bool            `json:"dirty"`
}

func (c *Coordinator) Snapshot(roomID string) (View, bool) {
	r := c.lookup(roomID)
	if r == nil {
		return View{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateLive {
		return View{}, false
	}
	content, lang := r.contentLocked()
	return View{
		RoomID:       r.id,
		State:        r.state.String(),
		Content:      content,
		Language:     lang,
		Participants: len(r.members),
		Dirty:        r.dirtyLocked(),
	}, true
}

// Inspect is Snapshot for a user, who must be on the room's access list.
func (c *Coordinator) Inspect(roomID, userID string) (View, error) {
	r := c.lookup(roomID)
	if r == nil {
		return View{}, ErrRoomNotFound
	}
	r.mu.Lock()
	_, allowed := models.RoleOf(r.access, userID)
	r.mu.Unlock()
	if !allowed {
		return View{}, ErrAuthorizationDenied
	}
	v, ok := c.Snapshot(roomID)
	if !ok {
		return View{}, ErrRoomNotFound
	}
	return v, nil
}

// FlushDirty saves every dirty live room. It is the scheduler's sweep.
func (c *Coordinator) FlushDirty(ctx context.Context, save scheduler.SaveFunc) scheduler.Stats {
	var st scheduler.Stats
	for _, r := range c.allRooms() {
		flushed, err := r.flush(ctx, save)
		switch {
		case err != nil:
			st.Failed++
		case flushed:
			st.Flushed++
		}
	}
	return st
}

// Shutdown tells every local participant the server is going away, then
// drains every room. New joins are refused from the first call on.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range c.allRooms() {
		wg.Add(1)
		go func(r *Room) {
			defer wg.Done()
			r.evict(ctx)
		}(r)
	}
	wg.Wait()
	c.bg.Wait()
	c.log.Info("rooms drained")
}

// loadReplica rebuilds the document of a live room: from the cached full
// state when there is one, else seeded from storage.
func (c *Coordinator) loadReplica(ctx context.Context, roomID string) (*crdt.Document, bool, error) {
	raw, err := c.dir.LoadState(ctx, roomID)
	if err != nil && !errors.Is(err, directory.ErrNotFound) {
		return nil, false, err
	}
	if err == nil {
		doc := crdt.New(roomID, c.site)
		err := doc.ApplyEncoded(raw)
		if err == nil || crdt.IsReplicationGap(err) {
			return doc, true, nil
		}
		c.log.Warn("discard cached room state", zap.String("room", roomID), zap.Error(err))
	}

	room, err := c.repo.GetRoom(ctx, roomID)
	if err != nil {
		return nil, false, err
	}
	return crdt.NewFromText(roomID, c.site, room.Content), false, nil
}

// waitBackground blocks until asynchronous persistence calls finished.
func (c *Coordinator) waitBackground() { c.bg.Wait() }
