package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"kruzhok/internal/assist"
	"kruzhok/internal/auth"
	"kruzhok/internal/config"
	"kruzhok/internal/content"
	"kruzhok/internal/history"
	"kruzhok/internal/models"
	"kruzhok/internal/notify"
	"kruzhok/internal/realtime"
	"kruzhok/internal/rooms"
	"kruzhok/internal/session"
	"kruzhok/internal/store"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context) error {
	local := flag.Bool("local", false, "Run against an in-process broker instead of the hosted backend")
	roomID := flag.String("room", "", "Room id to join (overrides ROOM_ID)")
	elevated := flag.Bool("elevated", false, "Enable moderator actions (announce, bulk delete)")
	flag.Parse()

	cfg, err := config.Load(*local)
	if err != nil {
		return err
	}
	if *roomID != "" {
		cfg.RoomID = *roomID
	}
	if cfg.RoomID == "" {
		return fmt.Errorf("room id is required (ROOM_ID or -room)")
	}
	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
	}

	var (
		conn     realtime.Conn
		msgStore session.MessageStore
		lister   rooms.Lister
	)

	if cfg.Local {
		broker := realtime.NewBroker()
		ls := newLocalStore(broker, cfg.RoomID)
		conn, msgStore, lister = broker.Connect(), ls, ls
	} else {
		minter, err := auth.NewTokenMinter(auth.Config{
			Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.TokenSecret)),
			TokenExpiry: cfg.TokenExpiry,
		})
		if err != nil {
			return err
		}
		token, err := minter.Mint(cfg.UserID)
		if err != nil {
			return err
		}

		client, err := realtime.Dial(ctx, cfg.RealtimeURL, cfg.APIKey, token)
		if err != nil {
			return err
		}
		restClient := store.NewClient(cfg.BackendURL, cfg.APIKey, token)
		conn, msgStore, lister = client, restClient, restClient
	}
	defer func() { _ = conn.Close() }()

	var cache session.HistoryCache
	if hc, err := history.Open(cfg.HistoryFile); err != nil {
		log.Printf("local history disabled: %v", err)
	} else {
		cache = hc
		defer func() { _ = hc.Close() }()
	}

	var notifier session.Notifier
	if pub, priv := os.Getenv("VAPID_PUBLIC_KEY"), os.Getenv("VAPID_PRIVATE_KEY"); pub != "" && priv != "" {
		notifier = notify.New(notify.Config{
			VAPIDPublicKey:  pub,
			VAPIDPrivateKey: priv,
			Subscriber:      os.Getenv("VAPID_SUBSCRIBER"),
		})
	}

	dir, err := rooms.Open(ctx, lister, conn, nil)
	if err != nil {
		return err
	}
	defer func() { _ = dir.Close() }()

	room := models.Room{ID: cfg.RoomID, Name: cfg.RoomID}
	for _, r := range dir.Rooms() {
		if r.ID == cfg.RoomID {
			room = r
			break
		}
	}

	var assistant session.Assistant
	if cfg.AssistantURL != "" {
		assistant = assist.NewClient(cfg.AssistantURL, cfg.APIKey)
	}

	ui := &terminal{username: cfg.Username}
	sess, err := session.Open(ctx, session.Config{
		Room:         room,
		UserID:       cfg.UserID,
		Username:     cfg.Username,
		Elevated:     *elevated,
		HistoryLimit: cfg.HistoryLimit,
		Store:        msgStore,
		Conn:         conn,
		History:      cache,
		Notifier:     notifier,
		Assistant:    assistant,
		OnUpdate:     func() { ui.redraw() },
	})
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()
	ui.session = sess

	fmt.Printf("Joined %s as %s. Type a message, /who, /del <id>, /ask <question>, /export <file>, or /quit.\n", room.Name, cfg.Username)
	ui.redraw()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ui.readLoop(gCtx)
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Leaving room...")
		return sess.Close()
	})

	return g.Wait()
}

// terminal is the minimal presentation layer of the demo: it prints
// messages appended since the last redraw plus the typing label.
type terminal struct {
	username string
	session  *session.Session

	mu      sync.Mutex
	printed int
	label   string
}

func (t *terminal) redraw() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return
	}

	msgs := t.session.Messages()
	if t.printed > len(msgs) {
		// Deletions shrink the list; reprint from scratch next time.
		t.printed = len(msgs)
	}
	for _, msg := range msgs[t.printed:] {
		author := "Unknown"
		if msg.Author != nil {
			author = msg.Author.Username
		}
		prefix := ""
		if msg.Kind == models.MessageKindAnnouncement {
			prefix = "[announcement] "
		}
		fmt.Printf("%s %s: %s%s (%s)\n",
			msg.CreatedAt.Format(time.Kitchen), author, prefix, msg.Body, msg.ID.String())
	}
	t.printed = len(msgs)

	if label := t.session.TypingLabel(); label != t.label {
		t.label = label
		if label != "" {
			fmt.Println(label)
		}
	}
}

func (t *terminal) readLoop(ctx context.Context) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "/quit":
			return context.Canceled
		case line == "/who":
			fmt.Printf("%d online: %s\n", t.session.OnlineCount(), strings.Join(t.session.Online(), ", "))
		case strings.HasPrefix(line, "/del "):
			id := strings.TrimSpace(strings.TrimPrefix(line, "/del "))
			if err := t.session.Delete(ctx, []models.MessageID{models.DurableID(id)}); err != nil {
				fmt.Printf("delete failed: %v\n", err)
			}
		case strings.HasPrefix(line, "/announce "):
			body := strings.TrimPrefix(line, "/announce ")
			if err := t.session.Announce(ctx, body); err != nil {
				fmt.Printf("announce failed: %v\n", err)
			}
		case strings.HasPrefix(line, "/ask "):
			question := strings.TrimPrefix(line, "/ask ")
			if err := t.session.Ask(ctx, question); err != nil {
				fmt.Printf("ask failed: %v\n", err)
			}
		case strings.HasPrefix(line, "/export "):
			path := strings.TrimSpace(strings.TrimPrefix(line, "/export "))
			if err := t.exportTranscript(path); err != nil {
				fmt.Printf("export failed: %v\n", err)
			} else {
				fmt.Printf("transcript written to %s\n", path)
			}
		default:
			t.session.InputChanged(line)
			if err := t.session.Send(ctx, line); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
		}
	}
	return scanner.Err()
}

// exportTranscript writes the current message list as an HTML fragment.
func (t *terminal) exportTranscript(path string) error {
	if path == "" {
		return fmt.Errorf("export path is required")
	}
	html, err := content.TranscriptHTML(t.session.Messages())
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(html), 0644)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
