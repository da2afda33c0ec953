package models

type Language string

const (
	LangJavaScript Language = "javascript"
	LangTypeScript Language = "typescript"
	LangPython     Language = "python"
	LangJava       Language = "java"
	LangCPP        Language = "cpp"
	LangGo         Language = "go"
)

var supportedLanguages = map[Language]struct{}{
	LangJavaScript: {},
	LangTypeScript: {},
	LangPython:     {},
	LangJava:       {},
	LangCPP:        {},
	LangGo:         {},
}

func (l Language) Valid() bool {
	_, ok := supportedLanguages[l]
	return ok
}

type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// CanEdit reports whether the role may mutate the document or its language.
func (r Role) CanEdit() bool { return r == RoleOwner || r == RoleEditor }

type AccessEntry struct {
	UserID string `json:"userId" bson:"user"`
	Role   Role   `json:"role" bson:"role"`
}

// Room is the durable record owned by the room repository.
type Room struct {
	ID         string        `json:"id" bson:"-"`
	Name       string        `json:"name" bson:"name"`
	Language   Language      `json:"language" bson:"lang"`
	Content    string        `json:"content" bson:"content"`
	AccessList []AccessEntry `json:"accessList" bson:"accessList"`
}

// RoleOf returns the role userID holds in the access list.
func RoleOf(list []AccessEntry, userID string) (Role, bool) {
	for _, e := range list {
		if e.UserID == userID {
			return e.Role, true
		}
	}
	return "", false
}

// RoomPatch carries the fields UpdateRoom may change; nil fields are untouched.
type RoomPatch struct {
	Content    *string
	Language   *Language
	AccessList []AccessEntry
}

/*** Websocket protocol ***/
type WSFrame struct {
	Type string      `json:"type"` // "room:join","doc:init","doc:edit","doc:update","lang:change","room:leave","room:error","code:run","code:output","server:shutdown"
	Data interface{} `json:"data,omitempty"`
}

const (
	FrameRoomJoin       = "room:join"
	FrameRoomLeave      = "room:leave"
	FrameRoomError      = "room:error"
	FrameDocInit        = "doc:init"
	FrameDocEdit        = "doc:edit"
	FrameDocUpdate      = "doc:update"
	FrameLangChange     = "lang:change"
	FrameCodeRun        = "code:run"
	FrameCodeOutput     = "code:output"
	FrameServerShutdown = "server:shutdown"
)

type JoinRequest struct {
	RoomID string `json:"roomId"`
}

// DocInit is sent to a joining connection only. State is the encoded full
// document state; encoding/json carries it as base64.
type DocInit struct {
	RoomID   string   `json:"roomId"`
	State    []byte   `json:"state"`
	Language Language `json:"language"`
	Role     Role     `json:"role"`
}

type InsertEdit struct {
	Pos  int    `json:"pos"`
	Text string `json:"text"`
}

type DeleteEdit struct {
	Pos int `json:"pos"`
	Len int `json:"len"`
}

// EditRequest carries either an encoded CRDT update produced by a client
// replica, or a positional edit the server applies on the client's behalf.
type EditRequest struct {
	Update []byte      `json:"update,omitempty"`
	Insert *InsertEdit `json:"insert,omitempty"`
	Delete *DeleteEdit `json:"delete,omitempty"`
}

type DocUpdate struct {
	Update []byte `json:"update"`
}

type LanguageChange struct {
	Language Language `json:"language"`
}

type RoomError struct {
	Reason string `json:"reason"`
}

type RunResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Exit     int    `json:"exit"`
	TimedOut bool   `json:"timedOut"`
}

type CodeOutput struct {
	RoomID   string    `json:"roomId"`
	Language Language  `json:"language"`
	Result   RunResult `json:"result"`
}
