// Package notify delivers "new message" notifications to the local user's
// registered web-push endpoints. Permission handling and service-worker
// plumbing live outside this module; failures here never block message
// display.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"
)

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	// Subscriber is the contact address required by the push services.
	Subscriber string
	TTL        int
}

type Notifier struct {
	cfg Config

	mu   sync.RWMutex
	subs map[string]webpush.Subscription
}

func New(cfg Config) *Notifier {
	if cfg.TTL == 0 {
		cfg.TTL = 30
	}
	return &Notifier{
		cfg:  cfg,
		subs: make(map[string]webpush.Subscription),
	}
}

// Subscribe registers a push endpoint. Re-registering the same endpoint
// replaces its keys.
func (n *Notifier) Subscribe(sub webpush.Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs[sub.Endpoint] = sub
}

func (n *Notifier) Unsubscribe(endpoint string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subs, endpoint)
}

type pushPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Room  string `json:"room"`
}

// Notify pushes a chat notification to every registered endpoint. Endpoints
// that reject with 404/410 are dropped from the registry; other failures are
// logged and ignored.
func (n *Notifier) Notify(author, body, roomName string) {
	payload, err := json.Marshal(pushPayload{
		Title: fmt.Sprintf("%s in %s", author, roomName),
		Body:  body,
		Room:  roomName,
	})
	if err != nil {
		slog.Error("failed to marshal push payload", "error", err)
		return
	}

	n.mu.RLock()
	subs := make([]webpush.Subscription, 0, len(n.subs))
	for _, sub := range n.subs {
		subs = append(subs, sub)
	}
	n.mu.RUnlock()

	for _, sub := range subs {
		resp, err := webpush.SendNotification(payload, &sub, &webpush.Options{
			Subscriber:      n.cfg.Subscriber,
			VAPIDPublicKey:  n.cfg.VAPIDPublicKey,
			VAPIDPrivateKey: n.cfg.VAPIDPrivateKey,
			TTL:             n.cfg.TTL,
		})
		if err != nil {
			slog.Error("push delivery failed", "endpoint", sub.Endpoint, "error", err)
			continue
		}
		if resp.StatusCode == 404 || resp.StatusCode == 410 {
			// Endpoint expired upstream.
			n.Unsubscribe(sub.Endpoint)
		}
		_ = resp.Body.Close()
	}
}
