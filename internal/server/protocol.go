package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/notehive/collab-gateway/internal/collab"
)

// Client to server events.
const (
	EventJoinNote   = "join-note"
	EventNoteEdit   = "note-edit"
	EventCursorMove = "cursor-move"
	EventLeaveNote  = "leave-note"
)

// Server to client events.
const (
	EventUserJoined    = "user-joined"
	EventNoteUpdated   = "note-updated"
	EventCursorUpdated = "cursor-updated"
	EventUserLeft      = "user-left"
)

var errMalformedPayload = errors.New("malformed event payload")

// Frame is the envelope of every websocket text message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type noteRefPayload struct {
	NoteID string `json:"noteId"`
}

type noteEditPayload struct {
	NoteID         string                 `json:"noteId"`
	Changes        json.RawMessage        `json:"changes"`
	CursorPosition *collab.CursorPosition `json:"cursorPosition,omitempty"`
}

type cursorMovePayload struct {
	NoteID         string                 `json:"noteId"`
	CursorPosition *collab.CursorPosition `json:"cursorPosition"`
}

// PresencePayload is the data of user-joined and user-left.
type PresencePayload struct {
	UserID      string              `json:"userId"`
	ActiveUsers []collab.ActiveUser `json:"activeUsers"`
}

// NoteUpdatedPayload is the data of note-updated.
type NoteUpdatedPayload struct {
	Changes        json.RawMessage        `json:"changes"`
	UserID         string                 `json:"userId"`
	CursorPosition *collab.CursorPosition `json:"cursorPosition,omitempty"`
}

// CursorUpdatedPayload is the data of cursor-updated.
type CursorUpdatedPayload struct {
	UserID         string                `json:"userId"`
	CursorPosition collab.CursorPosition `json:"cursorPosition"`
}

func decodeFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", errMalformedPayload, err)
	}
	if frame.Event == "" {
		return Frame{}, fmt.Errorf("%w: event name missing", errMalformedPayload)
	}
	return frame, nil
}

func encodeFrame(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// decodeNoteRef accepts either a bare JSON string or {"noteId": "..."}.
func decodeNoteRef(data json.RawMessage) (collab.NoteID, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("%w: note id missing", errMalformedPayload)
	}
	var raw string
	if trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return "", fmt.Errorf("%w: %v", errMalformedPayload, err)
		}
	} else {
		var ref noteRefPayload
		if err := json.Unmarshal(trimmed, &ref); err != nil {
			return "", fmt.Errorf("%w: %v", errMalformedPayload, err)
		}
		raw = ref.NoteID
	}
	return parseNoteID(raw)
}

func decodeNoteEdit(data json.RawMessage) (collab.NoteID, noteEditPayload, error) {
	var payload noteEditPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", noteEditPayload{}, fmt.Errorf("%w: %v", errMalformedPayload, err)
	}
	noteID, err := parseNoteID(payload.NoteID)
	if err != nil {
		return "", noteEditPayload{}, err
	}
	if len(payload.Changes) == 0 {
		payload.Changes = json.RawMessage("null")
	}
	return noteID, payload, nil
}

func decodeCursorMove(data json.RawMessage) (collab.NoteID, collab.CursorPosition, error) {
	var payload cursorMovePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", collab.CursorPosition{}, fmt.Errorf("%w: %v", errMalformedPayload, err)
	}
	noteID, err := parseNoteID(payload.NoteID)
	if err != nil {
		return "", collab.CursorPosition{}, err
	}
	if payload.CursorPosition == nil {
		return "", collab.CursorPosition{}, fmt.Errorf("%w: cursor position missing", errMalformedPayload)
	}
	return noteID, *payload.CursorPosition, nil
}

func parseNoteID(raw string) (collab.NoteID, error) {
	noteID, err := collab.NewNoteID(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errMalformedPayload, err)
	}
	return noteID, nil
}
