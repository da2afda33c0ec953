package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"codecollab/internal/crdt"
	"codecollab/internal/directory"
	"codecollab/internal/fanout"
	"codecollab/internal/metrics"
	"codecollab/internal/models"
	"codecollab/internal/scheduler"
)

type State int

const (
	StateCold State = iota
	StateHydrating
	StateLive
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateHydrating:
		return "hydrating"
	case StateLive:
		return "live"
	case StateDraining:
		return "draining"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type member struct {
	conn   Conn
	userID string
	name   string
	role   models.Role
}

type presence struct {
	Event  string `json:"event"`
	UserID string `json:"userId"`
}

// Room is one room hosted by this process. mu serializes everything touching
// the document or the room's directory record; flushMu keeps snapshot writes
// for the room one at a time and is always taken before mu.
type Room struct {
	id  string
	c   *Coordinator
	log *zap.Logger

	flushMu sync.Mutex

	mu           sync.Mutex
	state        State
	after        <-chan struct{} // previous incarnation still draining
	doc          *crdt.Document
	language     models.Language
	access       []models.AccessEntry
	members      map[string]*member
	savedVersion uint64
	dirtyMarked  bool
	degraded     bool
	subscribed   bool
	opened       bool
	resync       *time.Timer

	// fanout traffic that arrives while the room hydrates is held here and
	// replayed once the replica is in place
	earlyMu   sync.Mutex
	buffering bool
	early     []fanout.Envelope
	peerState chan struct{}
}

func newRoom(id string, c *Coordinator) *Room {
	return &Room{
		id:      id,
		c:       c,
		log:     c.log.With(zap.String("room", id)),
		members: make(map[string]*member),
	}
}

func (r *Room) join(ctx context.Context, conn Conn, who Identity) (*models.DocInit, bool, error) {
	r.mu.Lock()
	if r.state == StateDraining {
		r.mu.Unlock()
		return nil, true, nil
	}
	if r.state == StateCold {
		if err := r.hydrate(ctx); err != nil {
			r.log.Info("hydration failed", zap.Error(err))
			done := r.retireLocked()
			r.mu.Unlock()
			r.teardown(done)
			return nil, false, err
		}
	}

	init, err := r.admit(ctx, conn, who)
	if err != nil && len(r.members) == 0 {
		done := r.retireLocked()
		r.mu.Unlock()
		r.teardown(done)
		return nil, false, err
	}
	r.mu.Unlock()
	return init, false, err
}

// hydrate loads the room: attached to the live session when the directory has
// a record, otherwise seeded from durable storage. Nothing shared is written.
func (r *Room) hydrate(ctx context.Context) error {
	r.state = StateHydrating
	if r.after != nil {
		select {
		case <-r.after:
		case <-ctx.Done():
			return hydrateError(ctx, ctx.Err())
		}
	}
	if r.c.isClosed() {
		return ErrShuttingDown
	}

	rec, err := r.c.dir.Get(ctx, r.id)
	if errors.Is(err, directory.ErrNotFound) {
		rec = nil
	} else if err != nil {
		return hydrateError(ctx, err)
	}

	r.startBuffering()
	if err := r.c.fan.Subscribe(ctx, r.id, r.onMessage); err != nil {
		return hydrateError(ctx, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err))
	}
	r.subscribed = true

	if rec == nil {
		room, err := r.c.repo.GetRoom(ctx, r.id)
		if err != nil {
			return hydrateError(ctx, err)
		}
		r.doc = crdt.NewFromText(r.id, r.c.site, room.Content)
		r.language = room.Language
		r.access = room.AccessList
	} else {
		if err := r.attach(ctx); err != nil {
			return err
		}
		r.language = rec.Language
		r.access = rec.AccessList
		r.dirtyMarked = rec.Dirty
	}
	if !r.language.Valid() {
		r.language = models.LangPython
	}

	r.state = StateLive
	r.replayEarlyLocked()
	r.savedVersion = r.doc.Version()
	r.opened = true
	metrics.RoomOpened()
	r.log.Info("room live", zap.Bool("attached", rec != nil), zap.Int("length", r.doc.Len()))
	return nil
}

// attach builds the replica of a room other processes already host. It
// starts from the cached full state when there is one. Otherwise it asks the
// peers for theirs and seeds from storage only when nobody answers within the
// resync window, which means the record outlived its processes.
func (r *Room) attach(ctx context.Context) error {
	raw, err := r.c.dir.LoadState(ctx, r.id)
	if err != nil && !errors.Is(err, directory.ErrNotFound) {
		return hydrateError(ctx, err)
	}
	if err == nil {
		doc := crdt.New(r.id, r.c.site)
		err := doc.ApplyEncoded(raw)
		if err == nil || crdt.IsReplicationGap(err) {
			r.doc = doc
			// catch up on edits newer than the cached state
			r.publish(fanout.KindSync, nil)
			return nil
		}
		r.log.Warn("discard cached room state", zap.Error(err))
	}

	answered := r.awaitPeerState()
	r.publish(fanout.KindSync, nil)
	timer := time.NewTimer(r.c.opts.ResyncWindow)
	defer timer.Stop()
	select {
	case <-answered:
		// the peer's state is among the held messages
		r.doc = crdt.New(r.id, r.c.site)
		return nil
	case <-timer.C:
	case <-ctx.Done():
		return hydrateError(ctx, ctx.Err())
	}

	r.log.Warn("no peer holds the room, seeding from storage")
	room, err := r.c.repo.GetRoom(ctx, r.id)
	if err != nil {
		return hydrateError(ctx, err)
	}
	r.doc = crdt.NewFromText(r.id, r.c.site, room.Content)
	return nil
}

func (r *Room) startBuffering() {
	r.earlyMu.Lock()
	r.buffering = true
	r.earlyMu.Unlock()
}

// awaitPeerState returns a channel closed when a peer's state is held.
func (r *Room) awaitPeerState() <-chan struct{} {
	r.earlyMu.Lock()
	defer r.earlyMu.Unlock()
	ch := make(chan struct{})
	r.peerState = ch
	return ch
}

// hold keeps env for replay if the room is still hydrating.
func (r *Room) hold(env fanout.Envelope) bool {
	r.earlyMu.Lock()
	defer r.earlyMu.Unlock()
	if !r.buffering {
		return false
	}
	r.early = append(r.early, env)
	if env.Kind == fanout.KindState && r.peerState != nil {
		close(r.peerState)
		r.peerState = nil
	}
	return true
}

// replayEarlyLocked handles the held messages in arrival order. Later
// deliveries wait for mu, so ordering is kept.
func (r *Room) replayEarlyLocked() {
	r.earlyMu.Lock()
	early := r.early
	r.early, r.buffering, r.peerState = nil, false, nil
	r.earlyMu.Unlock()
	for _, env := range early {
		r.handleLocked(env)
	}
}

func (r *Room) admit(ctx context.Context, conn Conn, who Identity) (*models.DocInit, error) {
	role, ok := models.RoleOf(r.access, who.UserID)
	if !ok {
		// the cached list may predate a grant
		if room, err := r.c.repo.GetRoom(ctx, r.id); err == nil {
			r.access = room.AccessList
			role, ok = models.RoleOf(r.access, who.UserID)
		}
	}
	if !ok {
		return nil, ErrAuthorizationDenied
	}

	state, err := r.doc.EncodeFullState()
	if err != nil {
		return nil, err
	}

	created := false
	_, err = r.c.dir.Update(ctx, r.id, func(cur *directory.Record) (*directory.Record, error) {
		created = cur == nil
		cur = r.mergeLocal(cur)
		cur.Participants[conn.ID()] = r.participant(conn.ID(), who)
		return cur, nil
	})
	if err != nil {
		return nil, hydrateError(ctx, err)
	}
	if created {
		// processes attaching later start from this replica
		if err := r.c.dir.SaveState(ctx, r.id, state); err != nil {
			r.log.Warn("cache room state", zap.Error(err))
		}
	}

	r.members[conn.ID()] = &member{conn: conn, userID: who.UserID, name: who.Name, role: role}
	r.c.bind(conn.ID(), r)
	metrics.ParticipantJoined()
	r.publishPresence("join", who.UserID)

	init := &models.DocInit{RoomID: r.id, State: state, Language: r.language, Role: role}
	conn.Send(models.WSFrame{Type: models.FrameDocInit, Data: init})
	r.log.Debug("participant joined", zap.String("user", who.UserID), zap.String("role", string(role)))
	return init, nil
}

func (r *Room) participant(connID string, who Identity) directory.Participant {
	return directory.Participant{
		ConnectionID: connID,
		UserID:       who.UserID,
		DisplayName:  who.Name,
		InstanceID:   r.c.site,
	}
}

// mergeLocal makes sure cur lists every local participant, creating the
// record from the local view when it is gone.
func (r *Room) mergeLocal(cur *directory.Record) *directory.Record {
	if cur == nil {
		cur = directory.NewRecord(&models.Room{ID: r.id, Language: r.language, AccessList: r.access})
	}
	for id, m := range r.members {
		cur.Participants[id] = r.participant(id, Identity{UserID: m.userID, Name: m.name})
	}
	return cur
}

func (r *Room) edit(ctx context.Context, connID string, req models.EditRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[connID]
	if r.state != StateLive || !ok {
		metrics.EditDropped()
		return ErrNotJoined
	}
	if !m.role.CanEdit() {
		metrics.EditRejected()
		return ErrAuthorizationDenied
	}

	payload, err := r.applyLocal(req)
	if err != nil {
		metrics.EditDropped()
		return err
	}
	if payload == nil {
		return nil
	}
	metrics.EditApplied()

	r.markDirty(ctx)
	r.publish(fanout.KindUpdate, payload)
	r.broadcast(connID, models.WSFrame{Type: models.FrameDocUpdate, Data: models.DocUpdate{Update: payload}})
	return nil
}

// applyLocal applies an edit to the local replica and returns the encoded
// update to forward, or nil when the edit changed nothing.
func (r *Room) applyLocal(req models.EditRequest) ([]byte, error) {
	switch {
	case len(req.Update) > 0:
		err := r.doc.ApplyEncoded(req.Update)
		var gap *crdt.ReplicationGapError
		if errors.As(err, &gap) {
			r.onGap(gap)
		} else if err != nil {
			return nil, err
		}
		return req.Update, nil
	case req.Insert != nil:
		return encodeLocal(r.doc.Insert(req.Insert.Pos, req.Insert.Text))
	case req.Delete != nil:
		return encodeLocal(r.doc.Delete(req.Delete.Pos, req.Delete.Len))
	}
	return nil, crdt.ErrMalformedUpdate
}

func encodeLocal(u crdt.Update, err error) ([]byte, error) {
	if err != nil || u.Empty() {
		return nil, err
	}
	return crdt.Encode(u)
}

func (r *Room) markDirty(ctx context.Context) {
	if r.dirtyMarked && !r.degraded {
		return
	}
	_, err := r.c.dir.Update(ctx, r.id, func(cur *directory.Record) (*directory.Record, error) {
		if cur != nil && cur.Dirty {
			return nil, directory.ErrNoChange
		}
		cur = r.mergeLocal(cur)
		cur.Dirty = true
		return cur, nil
	})
	if err != nil {
		r.degrade(err)
		return
	}
	r.dirtyMarked = true
	r.degraded = false
}

func (r *Room) clearDirtyLocked(ctx context.Context) {
	_, err := r.c.dir.Update(ctx, r.id, func(cur *directory.Record) (*directory.Record, error) {
		if cur == nil || !cur.Dirty {
			return nil, directory.ErrNoChange
		}
		cur.Dirty = false
		return cur, nil
	})
	if err != nil {
		r.degrade(err)
		return
	}
	r.dirtyMarked = false
}

// degrade records a directory failure. The room keeps serving its local
// participants and re-registers them on the next sweep.
func (r *Room) degrade(err error) {
	if !directoryDown(err) {
		r.log.Error("session directory update", zap.Error(err))
		return
	}
	if !r.degraded {
		r.log.Warn("session directory unreachable, serving local participants only", zap.Error(err))
	}
	r.degraded = true
}

func (r *Room) recoverLocked(ctx context.Context) {
	if !r.degraded {
		return
	}
	dirty := r.dirtyLocked()
	_, err := r.c.dir.Update(ctx, r.id, func(cur *directory.Record) (*directory.Record, error) {
		cur = r.mergeLocal(cur)
		cur.Language = r.language
		cur.Dirty = cur.Dirty || dirty
		return cur, nil
	})
	if err != nil {
		return
	}
	r.degraded = false
	r.dirtyMarked = dirty
	r.log.Info("session directory reachable again")
}

func (r *Room) changeLanguage(ctx context.Context, connID string, lang models.Language) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[connID]
	if r.state != StateLive || !ok {
		return ErrNotJoined
	}
	if !m.role.CanEdit() {
		return ErrAuthorizationDenied
	}

	r.language = lang
	_, err := r.c.dir.Update(ctx, r.id, func(cur *directory.Record) (*directory.Record, error) {
		cur = r.mergeLocal(cur)
		cur.Language = lang
		return cur, nil
	})
	if err != nil {
		r.degrade(err)
	}
	r.publish(fanout.KindLanguage, []byte(lang))
	r.broadcast("", models.WSFrame{Type: models.FrameLangChange, Data: models.LanguageChange{Language: lang}})
	return nil
}

func (r *Room) leave(ctx context.Context, connID string) {
	r.mu.Lock()
	m, ok := r.members[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.members, connID)
	metrics.ParticipantLeft()

	_, err := r.c.dir.Update(ctx, r.id, func(cur *directory.Record) (*directory.Record, error) {
		if cur == nil {
			return nil, directory.ErrNoChange
		}
		if _, ok := cur.Participants[connID]; !ok {
			return nil, directory.ErrNoChange
		}
		delete(cur.Participants, connID)
		return cur, nil
	})
	if err != nil {
		r.degrade(err)
	}
	r.publishPresence("leave", m.userID)
	r.log.Debug("participant left", zap.String("user", m.userID), zap.Int("remaining", len(r.members)))

	if len(r.members) > 0 || r.state != StateLive {
		r.mu.Unlock()
		return
	}
	done := r.retireLocked()
	r.mu.Unlock()

	ctx, cancel := r.c.ioContext()
	defer cancel()
	r.drain(ctx, done)
}

// evict disconnects every local participant for a server shutdown.
func (r *Room) evict(ctx context.Context) {
	r.mu.Lock()
	if r.state != StateLive {
		r.mu.Unlock()
		return
	}
	for id, m := range r.members {
		m.conn.Send(models.WSFrame{Type: models.FrameServerShutdown})
		r.c.unbind(id)
		delete(r.members, id)
		metrics.ParticipantLeft()
	}
	done := r.retireLocked()
	r.mu.Unlock()
	r.drain(ctx, done)
}

func (r *Room) retireLocked() chan struct{} {
	r.state = StateDraining
	r.stopResyncLocked()
	return r.c.beginRetire(r)
}

// drain runs after the last local participant left: flush if dirty, drop
// this process's directory entries, delete the record when nobody is left
// anywhere, unsubscribe.
func (r *Room) drain(ctx context.Context, done chan struct{}) {
	saved := r.flushFinal(ctx)

	r.mu.Lock()
	state, err := r.doc.EncodeFullState()
	r.mu.Unlock()
	if err != nil {
		r.log.Error("encode room state", zap.Error(err))
	}

	last, removed := false, 0
	_, err = r.c.dir.Update(ctx, r.id, func(cur *directory.Record) (*directory.Record, error) {
		if cur == nil {
			last = saved
			return nil, directory.ErrNoChange
		}
		removed = cur.InstanceParticipants(r.c.site)
		for id, p := range cur.Participants {
			if p.InstanceID == r.c.site {
				delete(cur.Participants, id)
			}
		}
		if len(cur.Participants) == 0 && saved {
			last = true
			return nil, nil
		}
		if !saved {
			cur.Dirty = true
		}
		return cur, nil
	})
	switch {
	case err != nil:
		r.log.Warn("directory cleanup failed, record left to expire", zap.Error(err))
	case last:
		if err := r.c.dir.DeleteState(ctx, r.id); err != nil {
			r.log.Warn("delete cached room state", zap.Error(err))
		}
	case state != nil:
		if err := r.c.dir.SaveState(ctx, r.id, state); err != nil {
			r.log.Warn("cache room state", zap.Error(err))
		}
	}

	r.teardown(done)
	r.log.Info("room drained", zap.Bool("last", last), zap.Bool("saved", saved), zap.Int("removed", removed))
}

// flushFinal writes the snapshot of a draining room if it is dirty and
// reports whether storage is now up to date.
func (r *Room) flushFinal(ctx context.Context) bool {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	dirty := r.dirtyLocked()
	content := r.doc.Materialize()
	version := r.doc.Version()
	r.mu.Unlock()
	if !dirty {
		return true
	}
	if err := r.c.save(ctx, r.id, content); err != nil {
		r.log.Warn("final snapshot failed", zap.Error(err))
		return false
	}
	r.mu.Lock()
	r.savedVersion = version
	r.mu.Unlock()
	return true
}

// teardown releases what hydrate acquired. The caller must not hold mu: the
// fanout handler may be waiting for it.
func (r *Room) teardown(done chan struct{}) {
	r.earlyMu.Lock()
	r.early, r.buffering, r.peerState = nil, false, nil
	r.earlyMu.Unlock()
	if r.subscribed {
		if err := r.c.fan.Unsubscribe(r.id); err != nil {
			r.log.Warn("unsubscribe", zap.Error(err))
		}
	}
	if r.opened {
		metrics.RoomClosed()
	}
	r.c.endRetire(r, done)
}

// flush is one sweep step: save a dirty live room and clear its dirty flag.
func (r *Room) flush(ctx context.Context, save scheduler.SaveFunc) (bool, error) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	if r.state != StateLive {
		r.mu.Unlock()
		return false, nil
	}
	r.recoverLocked(ctx)
	if !r.dirtyLocked() {
		r.mu.Unlock()
		return false, nil
	}
	version := r.doc.Version()
	content := r.doc.Materialize()
	state, stateErr := r.doc.EncodeFullState()
	r.mu.Unlock()

	if err := save(ctx, r.id, content); err != nil {
		return false, err
	}
	if stateErr == nil {
		if err := r.c.dir.SaveState(ctx, r.id, state); err != nil {
			r.log.Warn("cache room state", zap.Error(err))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if version > r.savedVersion {
		r.savedVersion = version
	}
	if r.state == StateLive && !r.dirtyLocked() && r.dirtyMarked {
		r.clearDirtyLocked(ctx)
	}
	return true, nil
}

func (r *Room) dirtyLocked() bool {
	return r.doc != nil && r.doc.Version() != r.savedVersion
}

func (r *Room) contentLocked() (string, models.Language) {
	if r.doc == nil {
		return "", r.language
	}
	return r.doc.Materialize(), r.language
}

func (r *Room) broadcast(except string, frame models.WSFrame) {
	for id, m := range r.members {
		if id == except {
			continue
		}
		m.conn.Send(frame)
	}
}

func (r *Room) publish(kind fanout.Kind, payload []byte) {
	ctx, cancel := r.c.ioContext()
	defer cancel()
	if err := r.c.fan.Publish(ctx, r.id, kind, payload); err != nil {
		r.log.Warn("fanout publish failed", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	metrics.FanoutPublished(string(kind))
}

func (r *Room) publishPresence(event, userID string) {
	payload, err := json.Marshal(presence{Event: event, UserID: userID})
	if err != nil {
		return
	}
	r.publish(fanout.KindPresence, payload)
}

// onMessage handles traffic from the room's replicas on other processes.
func (r *Room) onMessage(env fanout.Envelope) {
	metrics.FanoutReceived(string(env.Kind))
	if r.hold(env) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handleLocked(env)
}

func (r *Room) handleLocked(env fanout.Envelope) {
	if r.state != StateLive {
		return
	}

	switch env.Kind {
	case fanout.KindUpdate, fanout.KindState:
		before := r.doc.Version()
		err := r.doc.ApplyEncoded(env.Payload)
		var gap *crdt.ReplicationGapError
		if errors.As(err, &gap) {
			r.onGap(gap)
		} else if err != nil {
			r.log.Warn("drop remote update", zap.String("from", env.Origin), zap.Error(err))
			return
		}
		if env.Kind == fanout.KindState {
			r.stopResyncLocked()
			if r.doc.Version() == before {
				return
			}
		}
		r.broadcast("", models.WSFrame{Type: models.FrameDocUpdate, Data: models.DocUpdate{Update: env.Payload}})

	case fanout.KindLanguage:
		lang := models.Language(env.Payload)
		if !lang.Valid() {
			return
		}
		r.language = lang
		r.broadcast("", models.WSFrame{Type: models.FrameLangChange, Data: models.LanguageChange{Language: lang}})

	case fanout.KindSync:
		state, err := r.doc.EncodeFullState()
		if err != nil {
			r.log.Error("encode room state", zap.Error(err))
			return
		}
		r.publish(fanout.KindState, state)

	case fanout.KindOutput:
		var out models.CodeOutput
		if err := json.Unmarshal(env.Payload, &out); err != nil {
			return
		}
		r.broadcast("", models.WSFrame{Type: models.FrameCodeOutput, Data: out})

	case fanout.KindPresence:
		var p presence
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			r.log.Debug("remote presence", zap.String("event", p.Event), zap.String("user", p.UserID), zap.String("from", env.Origin))
		}
	}
}

// onGap asks the peers for their full state. If none arrives within the
// resync window the room is rehydrated.
func (r *Room) onGap(gap *crdt.ReplicationGapError) {
	metrics.ReplicationGap()
	r.log.Warn("replication gap", zap.Int("missing", len(gap.Missing)))
	if r.resync != nil {
		return
	}
	r.armResyncLocked()
}

func (r *Room) armResyncLocked() {
	r.publish(fanout.KindSync, nil)
	r.resync = time.AfterFunc(r.c.opts.ResyncWindow, r.rehydrate)
}

func (r *Room) stopResyncLocked() {
	if r.resync != nil {
		r.resync.Stop()
		r.resync = nil
	}
}

// rehydrate flushes the room, reloads its document from the cached state (or
// storage) merged with the local operations, and re-initializes every local
// participant. mu is released while storage is written and read.
func (r *Room) rehydrate() {
	ctx, cancel := r.c.ioContext()
	defer cancel()

	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	if r.state != StateLive || r.resync == nil {
		r.mu.Unlock()
		return
	}
	r.resync = nil
	dirty := r.dirtyLocked()
	content := r.doc.Materialize()
	version := r.doc.Version()
	r.mu.Unlock()
	r.log.Warn("no peer state after replication gap, rehydrating")

	saved := !dirty
	if dirty {
		if err := r.c.save(ctx, r.id, content); err != nil {
			r.log.Warn("snapshot before rehydrate", zap.Error(err))
		} else {
			saved = true
		}
	}
	doc, fromState, err := r.c.loadReplica(ctx, r.id)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateLive {
		return
	}
	if saved && version > r.savedVersion {
		r.savedVersion = version
	}
	if err != nil {
		r.log.Error("rehydrate room", zap.Error(err))
		return
	}
	if fromState {
		// keep local operations the cached state has not seen
		_ = doc.Apply(r.doc.FullState())
	} else if r.doc.Version() != version {
		// a replica seeded from storage would drop the edits made meanwhile
		if r.resync == nil {
			r.armResyncLocked()
		}
		return
	}
	r.doc = doc
	if saved && doc.Materialize() == content {
		r.savedVersion = doc.Version()
	} else {
		r.savedVersion = 0
	}

	state, err := doc.EncodeFullState()
	if err != nil {
		r.log.Error("encode room state", zap.Error(err))
		return
	}
	for _, m := range r.members {
		m.conn.Send(models.WSFrame{Type: models.FrameDocInit, Data: &models.DocInit{
			RoomID:   r.id,
			State:    state,
			Language: r.language,
			Role:     m.role,
		}})
	}
}
