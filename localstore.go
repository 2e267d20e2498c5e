package main

import (
	"context"
	"strconv"
	"sync"
	"time"

	"kruzhok/internal/models"
	"kruzhok/internal/realtime"
	"kruzhok/internal/store"
)

// localStore backs -local mode: an in-memory message table whose writes are
// echoed through the broker's change feed, the same shape the hosted
// backend produces.
type localStore struct {
	broker *realtime.Broker

	mu     sync.Mutex
	nextID int
	rows   map[string]store.RemoteMessageRow
	order  []string
	rooms  []models.Room
}

func newLocalStore(broker *realtime.Broker, roomID string) *localStore {
	return &localStore{
		broker: broker,
		nextID: 1,
		rows:   make(map[string]store.RemoteMessageRow),
		rooms: []models.Room{
			{ID: roomID, Name: roomID, Type: models.RoomTypeGeneral, IsActive: true, CreatedAt: time.Now()},
		},
	}
}

func (ls *localStore) FetchHistory(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	var messages []models.Message
	for _, id := range ls.order {
		row := ls.rows[id]
		if row.RoomID != roomID {
			continue
		}
		msg, err := row.ToMessage()
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
		if len(messages) == limit {
			break
		}
	}
	return messages, nil
}

func (ls *localStore) Persist(ctx context.Context, msg models.Message) (models.Message, error) {
	ls.mu.Lock()
	row := store.RemoteMessageRow{
		ID:          strconv.Itoa(ls.nextID),
		RoomID:      msg.RoomID,
		UserID:      msg.AuthorID,
		Message:     msg.Body,
		MessageType: string(msg.Kind),
		QuizContext: msg.QuizContext,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	ls.nextID++
	ls.rows[row.ID] = row
	ls.order = append(ls.order, row.ID)
	ls.mu.Unlock()

	if err := ls.broker.PublishInsert("chat_messages", row.RoomID, row); err != nil {
		return models.Message{}, err
	}
	return row.ToMessage()
}

func (ls *localStore) DeleteByID(ctx context.Context, id string) error {
	ls.mu.Lock()
	row, ok := ls.rows[id]
	if ok {
		delete(ls.rows, id)
		for i, existing := range ls.order {
			if existing == id {
				ls.order = append(ls.order[:i], ls.order[i+1:]...)
				break
			}
		}
	}
	ls.mu.Unlock()

	if !ok {
		return nil
	}
	return ls.broker.PublishDelete("chat_messages", row.RoomID, map[string]string{"id": id})
}

func (ls *localStore) AuthorInfo(ctx context.Context, userID string) (models.Author, error) {
	return models.Author{}, models.ErrNotFound
}

func (ls *localStore) ListActiveRooms(ctx context.Context) ([]models.Room, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := make([]models.Room, len(ls.rooms))
	copy(out, ls.rooms)
	return out, nil
}
