package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"codecollab/internal/exec"
	"codecollab/internal/models"
	"codecollab/internal/rooms"
	"codecollab/internal/session"
	"codecollab/internal/utils"
)

const (
	maxFrameBytes = 1 << 20
	runTimeout    = 15 * time.Second
	leaveTimeout  = 5 * time.Second
)

// Coordinator is the room engine as the transport sees it.
type Coordinator interface {
	Join(ctx context.Context, conn rooms.Conn, who rooms.Identity, roomID string) (*models.DocInit, error)
	Edit(ctx context.Context, connID string, req models.EditRequest) error
	ChangeLanguage(ctx context.Context, connID string, lang models.Language) error
	Leave(ctx context.Context, connID string)
	RunCode(ctx context.Context, connID string) (models.RunResult, error)
	RunRoom(ctx context.Context, roomID, userID string) (models.RunResult, error)
	Inspect(roomID, userID string) (rooms.View, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	log   *zap.Logger
	rooms Coordinator
	ready Pinger
}

func NewHandlers(log *zap.Logger, coord Coordinator, ready Pinger) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{log: log.Named("api"), rooms: coord, ready: ready}
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

// Ready reports whether the session directory answers.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.ready.Ping(ctx); err != nil {
		h.log.Warn("readiness check failed", zap.Error(err))
		http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ok"))
}

func (h *Handlers) RoomState(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if roomID == "" {
		http.Error(w, "room id required", http.StatusBadRequest)
		return
	}
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	view, err := h.rooms.Inspect(roomID, claims.UserID)
	if err != nil {
		http.Error(w, reason(err), statusFor(err))
		return
	}
	writeJSON(w, view)
}

func (h *Handlers) RunRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	if roomID == "" {
		http.Error(w, "room id required", http.StatusBadRequest)
		return
	}
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), runTimeout)
	defer cancel()

	res, err := h.rooms.RunRoom(ctx, roomID, claims.UserID)
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			h.log.Error("run room code", zap.String("room", roomID), zap.Error(err))
		}
		http.Error(w, reason(err), statusFor(err))
		return
	}
	writeJSON(w, res)
}

func (h *Handlers) authenticate(w http.ResponseWriter, r *http.Request) (*utils.UserClaims, bool) {
	token, err := utils.TokenFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	claims, err := utils.ValidateUserToken(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	return claims, true
}

/*** Room WebSocket: join, edit, language, run ***/
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// RoomsWS authenticates the handshake and then serves one participant. Each
// connection may be joined to one room at a time.
func (h *Handlers) RoomsWS(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)

	client := session.NewClient(conn, claims.UserID, claims.Name)
	log := h.log.With(zap.String("conn", client.ID()), zap.String("user", claims.UserID))
	log.Debug("websocket connected")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		h.rooms.Leave(ctx, client.ID())
		log.Debug("websocket closed")
	}()

	ctx := r.Context()
	who := rooms.Identity{UserID: claims.UserID, Name: claims.Name}
	for {
		var frame inbound
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case models.FrameRoomJoin:
			var req models.JoinRequest
			if err := json.Unmarshal(frame.Data, &req); err != nil {
				client.Send(errFrame("malformed frame"))
				continue
			}
			if _, err := h.rooms.Join(ctx, client, who, req.RoomID); err != nil {
				log.Info("join rejected", zap.String("room", req.RoomID), zap.Error(err))
				client.Send(errFrame(reason(err)))
			}

		case models.FrameDocEdit:
			var req models.EditRequest
			if err := json.Unmarshal(frame.Data, &req); err != nil {
				continue
			}
			// denied and malformed edits are dropped without a reply
			if err := h.rooms.Edit(ctx, client.ID(), req); err != nil {
				log.Debug("edit dropped", zap.Error(err))
			}

		case models.FrameLangChange:
			var req models.LanguageChange
			if err := json.Unmarshal(frame.Data, &req); err != nil {
				continue
			}
			if err := h.rooms.ChangeLanguage(ctx, client.ID(), req.Language); err != nil {
				log.Debug("language change dropped", zap.Error(err))
			}

		case models.FrameRoomLeave:
			h.rooms.Leave(ctx, client.ID())

		case models.FrameCodeRun:
			go h.runCode(client)

		default:
			client.Send(errFrame("unknown frame type"))
		}
	}
}

// runCode runs outside the read loop; the result reaches the room as
// code:output, failures go back to the requester only.
func (h *Handlers) runCode(client *session.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()
	if _, err := h.rooms.RunCode(ctx, client.ID()); err != nil {
		h.log.Info("code run failed", zap.String("conn", client.ID()), zap.Error(err))
		client.Send(errFrame(reason(err)))
	}
}

// reason is the text a participant sees for err.
func reason(err error) string {
	switch {
	case errors.Is(err, rooms.ErrAuthorizationDenied):
		return "not accessible"
	case errors.Is(err, rooms.ErrRoomNotFound):
		return "room not found"
	case errors.Is(err, rooms.ErrShuttingDown):
		return "server shutting down"
	case errors.Is(err, rooms.ErrNotJoined):
		return "not joined"
	case errors.Is(err, exec.ErrUnsupportedLanguage):
		return "unsupported language"
	case errors.Is(err, exec.ErrDisabled):
		return "code execution disabled"
	}
	return "room unavailable"
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, rooms.ErrAuthorizationDenied):
		return http.StatusForbidden
	case errors.Is(err, rooms.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, exec.ErrUnsupportedLanguage):
		return http.StatusBadRequest
	case errors.Is(err, exec.ErrDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, exec.ErrUnavailable), errors.Is(err, rooms.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func errFrame(msg string) models.WSFrame {
	return models.WSFrame{Type: models.FrameRoomError, Data: models.RoomError{Reason: msg}}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
