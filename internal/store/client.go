package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"kruzhok/internal/content"
	"kruzhok/internal/models"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
)

const (
	messagesTable = "chat_messages"
	roomsTable    = "chat_rooms"
	usersTable    = "users"
)

// Client is the message store adapter: single-attempt calls against the
// backend's REST surface, no caching, no retries. It keeps no message state
// between calls.
type Client struct {
	baseURL string
	apiKey  string
	token   string
	http    *http.Client
}

func NewClient(baseURL, apiKey, token string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		token:   token,
		http:    http.DefaultClient,
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, prefer string) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	u := c.baseURL + "/rest/v1/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("store request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read store response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("store returned status %d: %s", resp.StatusCode, string(data))
	}

	return data, nil
}

// FetchHistory returns the room's messages ordered oldest to newest.
func (c *Client) FetchHistory(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	query := url.Values{}
	query.Set("room_id", "eq."+roomID)
	query.Set("order", "created_at.asc")
	query.Set("limit", strconv.Itoa(limit))

	data, err := c.do(ctx, http.MethodGet, messagesTable, query, nil, "")
	if err != nil {
		return nil, err
	}

	var rows []RemoteMessageRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}

	messages := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := row.ToMessage()
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

type insertMessage struct {
	RoomID      string             `json:"room_id"`
	UserID      string             `json:"user_id"`
	Message     string             `json:"message"`
	MessageType string             `json:"message_type"`
	QuizContext json.RawMessage    `json:"quiz_context,omitempty"`
	Attachments []remoteAttachment `json:"attachments,omitempty"`
}

// Persist writes the message and returns the durable row the backend
// assigned, with server id and timestamp.
func (c *Client) Persist(ctx context.Context, msg models.Message) (models.Message, error) {
	ins := insertMessage{
		RoomID:      msg.RoomID,
		UserID:      msg.AuthorID,
		Message:     content.Sanitize(msg.Body),
		MessageType: string(msg.Kind),
		QuizContext: msg.QuizContext,
	}
	for _, a := range msg.Attachments {
		ins.Attachments = append(ins.Attachments, remoteAttachment{
			Type:     string(a.Type),
			Name:     a.Name,
			MimeType: a.MimeType,
			FileID:   a.FileID,
		})
	}

	data, err := c.do(ctx, http.MethodPost, messagesTable, nil, ins, "return=representation")
	if err != nil {
		return models.Message{}, err
	}

	var rows []RemoteMessageRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return models.Message{}, fmt.Errorf("failed to decode persisted row: %w", err)
	}
	if len(rows) != 1 {
		return models.Message{}, fmt.Errorf("expected 1 persisted row, got %d", len(rows))
	}
	return rows[0].ToMessage()
}

// DeleteByID removes one message row by its durable id.
func (c *Client) DeleteByID(ctx context.Context, id string) error {
	query := url.Values{}
	query.Set("id", "eq."+id)
	_, err := c.do(ctx, http.MethodDelete, messagesTable, query, nil, "")
	return err
}

// AuthorInfo looks up the display metadata for a message author.
// Returns models.ErrNotFound if the user row is absent.
func (c *Client) AuthorInfo(ctx context.Context, userID string) (models.Author, error) {
	query := url.Values{}
	query.Set("id", "eq."+userID)
	query.Set("select", "username,email")

	data, err := c.do(ctx, http.MethodGet, usersTable, query, nil, "")
	if err != nil {
		return models.Author{}, err
	}

	var rows []models.Author
	if err := json.Unmarshal(data, &rows); err != nil {
		return models.Author{}, fmt.Errorf("failed to decode user row: %w", err)
	}
	if len(rows) == 0 {
		return models.Author{}, models.ErrNotFound
	}
	return rows[0], nil
}

// ListActiveRooms returns all active rooms ordered by creation time.
func (c *Client) ListActiveRooms(ctx context.Context) ([]models.Room, error) {
	query := url.Values{}
	query.Set("is_active", "eq.true")
	query.Set("order", "created_at.asc")

	data, err := c.do(ctx, http.MethodGet, roomsTable, query, nil, "")
	if err != nil {
		return nil, err
	}

	var rows []RemoteRoomRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode rooms: %w", err)
	}

	rooms := make([]models.Room, 0, len(rows))
	for _, row := range rows {
		room, err := row.Room()
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

// ComposeAttachment sniffs the MIME type of raw attachment data and builds
// the attachment descriptor to carry on a message.
func ComposeAttachment(name string, data []byte) (models.Attachment, error) {
	kind, err := filetype.Match(data)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("failed to detect attachment type: %w", err)
	}

	att := models.Attachment{
		Type:     models.AttachmentTypeFile,
		Name:     name,
		MimeType: kind.MIME.Value,
		FileID:   uuid.NewString(),
	}
	if kind.MIME.Type == "image" {
		att.Type = models.AttachmentTypeImage
	}
	if att.MimeType == "" {
		att.MimeType = "application/octet-stream"
	}
	return att, nil
}
