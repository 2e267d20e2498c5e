// Package history is a local bbolt-backed cache of durable messages so a
// reopened room can render instantly while the remote fetch is in flight.
// Only store-confirmed rows are cached; pending entries never touch disk.
package history

import (
	"bytes"
	"fmt"
	"time"

	"kruzhok/internal/models"

	"go.etcd.io/bbolt"
)

var bucketMessages = []byte("messages")

type Cache struct {
	db *bbolt.DB
}

func Open(path string) (*Cache, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMessages)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// SaveMessage caches one durable message. Pending messages are rejected.
func (c *Cache) SaveMessage(msg models.Message) error {
	id, ok := msg.ID.Durable()
	if !ok {
		return fmt.Errorf("refusing to cache pending message")
	}
	if msg.RoomID == "" {
		return fmt.Errorf("message %s missing room id", id)
	}

	return c.db.Update(func(tx *bbolt.Tx) error {
		roomBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(msg.RoomID))
		if err != nil {
			return fmt.Errorf("failed to create room bucket: %w", err)
		}

		dbMsg := DBMessage{
			ID:          id,
			RoomID:      msg.RoomID,
			UserID:      msg.AuthorID,
			Content:     msg.Body,
			Kind:        string(msg.Kind),
			Timestamp:   msg.CreatedAt.UnixNano(),
			QuizContext: msg.QuizContext,
		}
		for _, a := range msg.Attachments {
			dbMsg.Attachments = append(dbMsg.Attachments, DBAttachment{
				Type:     string(a.Type),
				Name:     a.Name,
				MimeType: a.MimeType,
				FileID:   a.FileID,
			})
		}

		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return roomBucket.Put(dbMsg.Key(), data)
	})
}

// DeleteMessage drops a cached message by durable id. No-op if absent.
func (c *Cache) DeleteMessage(roomID, id string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(roomID))
		if roomBucket == nil {
			return nil
		}

		cur := roomBucket.Cursor()
		for k, _ := cur.First(); k != nil; k, _ = cur.Next() {
			if len(k) > 8 && bytes.Equal(k[8:], []byte(id)) {
				return roomBucket.Delete(k)
			}
		}
		return nil
	})
}

// RecentMessages returns up to limit cached messages for the room, ordered
// oldest to newest.
func (c *Cache) RecentMessages(roomID string, limit int) ([]models.Message, error) {
	var messages []models.Message
	err := c.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(roomID))
		if roomBucket == nil {
			return nil
		}

		cur := roomBucket.Cursor()
		count := 0
		// Walk backwards to find the newest messages, then reverse.
		for k, v := cur.Last(); k != nil && count < limit; k, v = cur.Prev() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}

			msg := models.Message{
				ID:          models.DurableID(dbMsg.ID),
				RoomID:      dbMsg.RoomID,
				AuthorID:    dbMsg.UserID,
				Body:        dbMsg.Content,
				Kind:        models.MessageKind(dbMsg.Kind),
				CreatedAt:   time.Unix(0, dbMsg.Timestamp),
				QuizContext: dbMsg.QuizContext,
			}
			for _, a := range dbMsg.Attachments {
				msg.Attachments = append(msg.Attachments, models.Attachment{
					Type:     models.AttachmentType(a.Type),
					Name:     a.Name,
					MimeType: a.MimeType,
					FileID:   a.FileID,
				})
			}
			messages = append(messages, msg)
			count++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
