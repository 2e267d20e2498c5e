// Package rooms maintains the list of rooms available to join: the active
// rooms at open time plus rooms appended as they are created remotely,
// deduplicated by id.
package rooms

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"kruzhok/internal/models"
	"kruzhok/internal/realtime"
	"kruzhok/internal/store"
)

// Lister is the slice of the store adapter the directory consumes.
type Lister interface {
	ListActiveRooms(ctx context.Context) ([]models.Room, error)
}

type Directory struct {
	mu     sync.Mutex
	closed bool
	rooms  []models.Room

	feed     realtime.RowFeed
	onUpdate func()
	wg       sync.WaitGroup
}

// Open lists the currently active rooms and subscribes to room inserts.
// onUpdate may be nil.
func Open(ctx context.Context, lister Lister, conn realtime.Conn, onUpdate func()) (*Directory, error) {
	rooms, err := lister.ListActiveRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}

	feed, err := conn.RowChanges(ctx, "chat_rooms", "")
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to room changes: %w", err)
	}

	d := &Directory{
		rooms:    rooms,
		feed:     feed,
		onUpdate: onUpdate,
	}

	d.wg.Add(1)
	go d.feedLoop()

	return d, nil
}

func (d *Directory) feedLoop() {
	defer d.wg.Done()
	for ev := range d.feed.Events() {
		if ev.Type != realtime.ChangeInsert {
			continue
		}
		room, err := store.ParseRoomRow(ev.New)
		if err != nil {
			slog.Error("dropping bad room event", "error", err)
			continue
		}
		if d.append(room) && d.onUpdate != nil {
			d.onUpdate()
		}
	}
}

// append adds the room unless its id is already listed.
func (d *Directory) append(room models.Room) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	for _, existing := range d.rooms {
		if existing.ID == room.ID {
			return false
		}
	}
	d.rooms = append(d.rooms, room)
	return true
}

// Rooms returns a snapshot of the known rooms.
func (d *Directory) Rooms() []models.Room {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.Room, len(d.rooms))
	copy(out, d.rooms)
	return out
}

func (d *Directory) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	err := d.feed.Close()
	d.wg.Wait()
	return err
}
