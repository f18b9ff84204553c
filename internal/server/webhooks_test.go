package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/engine"
	"bountyline/internal/migrate"
)

func TestWebhookDispatcherDeliversAndStops(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	var mu sync.Mutex
	var delivered []webhookEvent
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			t.Errorf("decode delivery: %v", err)
		}
		mu.Lock()
		delivered = append(delivered, evt)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	cfg := config.Default()
	cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL}}
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	if _, err := e.CreateChallenge(context.Background(), engine.ChallengeCreateOptions{
		Creator:         "alice",
		Title:           "t",
		Description:     "d",
		DurationSeconds: 60,
		Reward:          100,
		Attached:        100,
	}); err != nil {
		t.Fatalf("create challenge: %v", err)
	}

	d := &webhookDispatcher{
		engine:   e,
		webhooks: cfg.Webhooks,
		client:   &http.Client{Timeout: time.Second},
		cursors:  map[int]int64{0: 0},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		d.run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop on cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || delivered[0].Type != "challenge.created" {
		t.Fatalf("delivered = %+v, want one challenge.created", delivered)
	}
}
