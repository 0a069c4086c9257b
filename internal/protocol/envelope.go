package protocol

import "encoding/json"

// Message type constants, namespaced by domain.
const (
	AccountRegisterPlayer    = "ACCOUNT.REGISTER_PLAYER"
	AccountLoginPlayer       = "ACCOUNT.LOGIN_PLAYER"
	AccountLogoutPlayer      = "ACCOUNT.LOGOUT_PLAYER"
	AccountRegisterDeveloper = "ACCOUNT.REGISTER_DEVELOPER"
	AccountLoginDeveloper    = "ACCOUNT.LOGIN_DEVELOPER"
	AccountLogoutDeveloper   = "ACCOUNT.LOGOUT_DEVELOPER"

	GameList          = "GAME.LIST"
	GameGetDetails    = "GAME.GET_DETAILS"
	GameLatestVersion = "GAME.LATEST_VERSION"
	GameUploadBegin   = "GAME.UPLOAD_BEGIN"
	GameUploadChunk   = "GAME.UPLOAD_CHUNK"
	GameUploadEnd     = "GAME.UPLOAD_END"
	GameDownloadBegin = "GAME.DOWNLOAD_BEGIN"
	GameDownloadChunk = "GAME.DOWNLOAD_CHUNK"
	GameDownloadEnd   = "GAME.DOWNLOAD_END"
	GameStart         = "GAME.START"
	GameReport        = "GAME.REPORT"

	LobbyListRooms  = "LOBBY.LIST_ROOMS"
	LobbyCreateRoom = "LOBBY.CREATE_ROOM"
	LobbyJoinRoom   = "LOBBY.JOIN_ROOM"
	LobbyLeaveRoom  = "LOBBY.LEAVE_ROOM"

	RoomGet   = "ROOM.GET"
	RoomReady = "ROOM.READY"

	ReviewSearchAuthor     = "REVIEW.SEARCH_AUTHOR"
	ReviewSearchGame       = "REVIEW.SEARCH_GAME"
	ReviewAdd              = "REVIEW.ADD"
	ReviewEdit             = "REVIEW.EDIT"
	ReviewDelete           = "REVIEW.DELETE"
	ReviewEligibilityCheck = "REVIEW.ELIGIBILITY_CHECK"

	UserList = "USER.LIST"
)

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Wire error codes.
const (
	CodeOK          = 0
	CodeUnknownType = 100
	CodeAuth        = 101
	CodeNotFound    = 103
	CodeConflict    = 104
	CodeInternal    = 199
	CodeTimeout     = 408
)

// Message is the uniform request/response envelope carried on every frame.
// Requests populate Type/Payload/Token/RequestID; responses add Status, Code
// and an optional human-readable Message.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Token     string          `json:"token,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Status    string          `json:"status,omitempty"`
	Code      *int            `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// OK builds a success response envelope for the given request type.
// payload must marshal to a JSON object; a nil payload becomes {}.
func OK(mtype, requestID string, payload any) Message {
	raw, err := json.Marshal(payload)
	if err != nil || payload == nil {
		raw = json.RawMessage(`{}`)
	}
	code := CodeOK
	return Message{
		Type:      mtype,
		Status:    StatusOK,
		Code:      &code,
		Payload:   raw,
		RequestID: requestID,
	}
}

// Error builds an error response envelope with the given wire code.
func Error(mtype, requestID string, code int, msg string) Message {
	c := code
	return Message{
		Type:      mtype,
		Status:    StatusError,
		Code:      &c,
		Message:   msg,
		Payload:   json.RawMessage(`{}`),
		RequestID: requestID,
	}
}

// DecodePayload unmarshals the envelope payload into dst.
// An absent payload decodes as the zero value.
func (m Message) DecodePayload(dst any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, dst)
}
