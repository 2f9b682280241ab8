package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidFrame = errors.New("invalid frame format")
	ErrInvalidImage = errors.New("invalid image data")
)

// Входящие события
const (
	EventRegisterUsers = "register-users"
	EventJoinRoom      = "join-room"
	EventChatMessage   = "chat-message"
	EventTyping        = "typing"
	EventStopTyping    = "stop-typing"
	EventDeleteMessage = "delete-message"
	EventEditMessage   = "edit-message"
)

// Исходящие события
const (
	EventOnlineUsers    = "online-users"
	EventMessageDeleted = "message-deleted"
	EventMessageEdited  = "message-edited"
)

// Envelope is one websocket text frame: {"event": ..., "data": ...}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ChatMessage struct {
	Sender      string `json:"sender"`
	Receiver    string `json:"receiver"`
	Content     string `json:"content,omitempty"`
	ImageBase64 string `json:"imageBase64,omitempty"`
	ImageType   string `json:"imageType,omitempty"`
}

type Typing struct {
	RoomID string `json:"roomId"`
	Sender string `json:"sender"`
}

type DeleteMessage struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
}

type EditMessage struct {
	MessageID  string `json:"messageId"`
	NewContent string `json:"newContent"`
	RoomID     string `json:"roomId"`
}

type MessageDeleted struct {
	MessageID string `json:"messageId"`
}

func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrInvalidFrame)
	}
	return &env, nil
}

// Bind decodes the envelope payload into v.
func (e *Envelope) Bind(v any) error {
	data := bytes.TrimSpace(e.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("%w: %s has no data", ErrInvalidFrame, e.Event)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidFrame, e.Event, err)
	}
	return nil
}

func Encode(event string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: payload})
}

// DecodeImage accepts raw base64 or a data URL ("data:image/png;base64,...").
// The content type in a data URL wins over declaredType.
func DecodeImage(encoded, declaredType string) ([]byte, string, error) {
	contentType := declaredType
	encoded = strings.TrimSpace(encoded)

	if rest, ok := strings.CutPrefix(encoded, "data:"); ok {
		meta, body, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", fmt.Errorf("%w: malformed data url", ErrInvalidImage)
		}
		mediaType, isBase64 := strings.CutSuffix(meta, ";base64")
		if !isBase64 {
			return nil, "", fmt.Errorf("%w: data url is not base64", ErrInvalidImage)
		}
		if mediaType != "" {
			contentType = mediaType
		}
		encoded = body
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// Некоторые клиенты отправляют base64 без паддинга
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}
