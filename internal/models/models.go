package models

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")
)

type MessageKind string

const (
	MessageKindText         MessageKind = "text"
	MessageKindSystem       MessageKind = "system"
	MessageKindAnnouncement MessageKind = "announcement"
)

// MessageID identifies a message either by the durable id assigned by the
// backend or by a pending token generated locally for an optimistic entry.
// Exactly one of the two is set.
type MessageID struct {
	durable string
	pending string
}

func DurableID(id string) MessageID {
	return MessageID{durable: id}
}

// NewPendingID returns a fresh locally-unique id for an optimistic message.
func NewPendingID() MessageID {
	return MessageID{pending: uuid.NewString()}
}

func (id MessageID) IsPending() bool {
	return id.pending != ""
}

// Durable returns the backend-assigned id, or false for a pending id.
func (id MessageID) Durable() (string, bool) {
	return id.durable, id.durable != ""
}

func (id MessageID) Equal(other MessageID) bool {
	return id == other
}

func (id MessageID) String() string {
	if id.pending != "" {
		return "pending:" + id.pending
	}
	return id.durable
}

// Author is the display metadata attached to a message for rendering.
// It is looked up best-effort; a failed lookup degrades to "Unknown".
type Author struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

type AttachmentType string

const (
	AttachmentTypeImage AttachmentType = "image"
	AttachmentTypeFile  AttachmentType = "file"
)

type Attachment struct {
	Type     AttachmentType `json:"type"`
	Name     string         `json:"name"`
	MimeType string         `json:"mimeType"`
	FileID   string         `json:"fileId"`
}

// Message represents one chat utterance or system/announcement event as the
// session core sees it.
type Message struct {
	ID          MessageID
	RoomID      string
	AuthorID    string
	Body        string
	Kind        MessageKind
	CreatedAt   time.Time
	Author      *Author
	QuizContext json.RawMessage
	Attachments []Attachment
}

// PresenceMeta is the join metadata a session announces when tracking
// presence on a room channel.
type PresenceMeta struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
	RoomID string    `json:"roomId"`
}

type RoomType string

const (
	RoomTypeQuiz    RoomType = "quiz"
	RoomTypeStudy   RoomType = "study"
	RoomTypeGeneral RoomType = "general"
)

type Room struct {
	ID          string
	Name        string
	Description string
	Type        RoomType
	QuizID      string
	CreatedBy   string
	IsActive    bool
	CreatedAt   time.Time
}
