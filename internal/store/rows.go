package store

import (
	"encoding/json"
	"fmt"
	"time"

	"kruzhok/internal/content"
	"kruzhok/internal/models"
)

// RemoteMessageRow is the typed boundary for the backend's dynamic message
// rows. Rows are parsed and validated here once; raw JSON never reaches the
// session core.
type RemoteMessageRow struct {
	ID          string            `json:"id"`
	RoomID      string            `json:"room_id"`
	UserID      string            `json:"user_id"`
	Message     string            `json:"message"`
	MessageType string            `json:"message_type"`
	QuizContext json.RawMessage   `json:"quiz_context,omitempty"`
	CreatedAt   string            `json:"created_at"`
	Attachments []remoteAttachment `json:"attachments,omitempty"`
}

type remoteAttachment struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	FileID   string `json:"file_id"`
}

type RemoteRoomRow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	QuizID      string `json:"quiz_id,omitempty"`
	CreatedBy   string `json:"created_by"`
	IsActive    bool   `json:"is_active"`
	CreatedAt   string `json:"created_at"`
}

// ParseMessageRow decodes a raw change-feed or REST row into a message.
func ParseMessageRow(raw json.RawMessage) (models.Message, error) {
	var row RemoteMessageRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return models.Message{}, fmt.Errorf("failed to decode message row: %w", err)
	}
	return row.ToMessage()
}

// ToMessage converts the row to the core's message type. The body is
// sanitized here so the core only ever sees safe content.
func (r RemoteMessageRow) ToMessage() (models.Message, error) {
	if r.ID == "" {
		return models.Message{}, fmt.Errorf("message row missing id")
	}
	if r.RoomID == "" {
		return models.Message{}, fmt.Errorf("message row %s missing room_id", r.ID)
	}

	kind := models.MessageKind(r.MessageType)
	switch kind {
	case models.MessageKindText, models.MessageKindSystem, models.MessageKindAnnouncement:
	case "":
		kind = models.MessageKindText
	default:
		return models.Message{}, fmt.Errorf("message row %s has unknown type %q", r.ID, r.MessageType)
	}

	createdAt, err := time.Parse(time.RFC3339, r.CreatedAt)
	if err != nil {
		return models.Message{}, fmt.Errorf("message row %s has bad created_at: %w", r.ID, err)
	}

	msg := models.Message{
		ID:          models.DurableID(r.ID),
		RoomID:      r.RoomID,
		AuthorID:    r.UserID,
		Body:        content.Sanitize(r.Message),
		Kind:        kind,
		CreatedAt:   createdAt,
		QuizContext: r.QuizContext,
	}

	for _, a := range r.Attachments {
		msg.Attachments = append(msg.Attachments, models.Attachment{
			Type:     models.AttachmentType(a.Type),
			Name:     a.Name,
			MimeType: a.MimeType,
			FileID:   a.FileID,
		})
	}

	return msg, nil
}

// ParseDeletedRowID extracts the id of a deleted row. Delete events carry
// only the old row's primary key.
func ParseDeletedRowID(raw json.RawMessage) (string, error) {
	var row struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		return "", fmt.Errorf("failed to decode deleted row: %w", err)
	}
	if row.ID == "" {
		return "", fmt.Errorf("deleted row missing id")
	}
	return row.ID, nil
}

// ParseRoomRow decodes a raw room row for the directory.
func ParseRoomRow(raw json.RawMessage) (models.Room, error) {
	var row RemoteRoomRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return models.Room{}, fmt.Errorf("failed to decode room row: %w", err)
	}
	return row.Room()
}

func (r RemoteRoomRow) Room() (models.Room, error) {
	if r.ID == "" {
		return models.Room{}, fmt.Errorf("room row missing id")
	}

	createdAt, err := time.Parse(time.RFC3339, r.CreatedAt)
	if err != nil {
		// Rooms render without a timestamp if the backend sends a bad one.
		createdAt = time.Time{}
	}

	return models.Room{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Type:        models.RoomType(r.Type),
		QuizID:      r.QuizID,
		CreatedBy:   r.CreatedBy,
		IsActive:    r.IsActive,
		CreatedAt:   createdAt,
	}, nil
}
