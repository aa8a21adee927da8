package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/collabworks/roomsync/internal/roomclient"
	"github.com/collabworks/roomsync/internal/roomsync"
)

func main() {
	url := flag.String("url", envOrDefault("ROOMSYNC_URL", "ws://127.0.0.1:8080"), "relay websocket URL")
	roomID := flag.String("room", strings.TrimSpace(os.Getenv("ROOMSYNC_ROOM")), "room ID")
	userID := flag.String("user", strings.TrimSpace(os.Getenv("ROOMSYNC_USER")), "user ID")
	displayName := flag.String("name", strings.TrimSpace(os.Getenv("ROOMSYNC_DISPLAY_NAME")), "display name")
	token := flag.String("token", strings.TrimSpace(os.Getenv("ROOMSYNC_TOKEN")), "room token")
	queueDSN := flag.String("queue-dsn", strings.TrimSpace(os.Getenv("ROOMSYNC_QUEUE_DSN")), "offline queue DSN (file://, bolt://, postgres://, memory://)")
	ackTimeout := flag.Duration("ack-timeout", durationEnv("ROOMSYNC_ACK_TIMEOUT", 10*time.Second), "message ack timeout")
	flag.Parse()

	if *roomID == "" {
		log.Fatalf("room is required (--room or ROOMSYNC_ROOM)")
	}
	if *userID == "" {
		log.Fatalf("user is required (--user or ROOMSYNC_USER)")
	}

	store, err := roomsync.BuildRecordStoreFromDSN(*queueDSN)
	if err != nil {
		log.Fatalf("failed to initialize offline queue store: %v", err)
	}
	if store != nil {
		defer store.Close()
	}

	session, err := roomclient.NewRoomSession(roomclient.RoomSessionOptions{
		RoomID:      *roomID,
		UserID:      *userID,
		DisplayName: *displayName,
		Token:       *token,
		URL:         *url,
		Store:       store,
		AckTimeout:  *ackTimeout,
		OnStateChange: func(state roomclient.LinkState) {
			log.Printf("link %s", state)
		},
		OnMessageUpdate: func(msg roomsync.Message) {
			log.Printf("message %s %s", msg.ID, msg.Status)
		},
		Logger: log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize room session: %v", err)
	}

	unsubscribe := session.SubscribePresence(func(event roomsync.PresenceEvent) {
		log.Printf("presence %s %s", event.Type, event.Entry.UserID)
	})
	defer unsubscribe()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("roomsync-agent joining %s as %s via %s", *roomID, *userID, *url)
	if err := session.Run(rootCtx); err != nil {
		log.Fatalf("session failed: %v", err)
	}
	log.Printf("roomsync-agent stopped")
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback)
		return fallback
	}
	return value
}
