// roomtail joins a room and streams its state changes to stdout. It is a
// smoke-test harness for the sync engine rather than a user-facing client.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/roomlive/internal/config"
	"github.com/noah-isme/roomlive/internal/engine"
	"github.com/noah-isme/roomlive/internal/membership"
)

func main() {
	roomID := flag.String("room", "", "room id to enter")
	password := flag.String("password", "", "password for private rooms")
	interval := flag.Duration("interval", 2*time.Second, "snapshot print interval")
	flag.Parse()

	if *roomID == "" {
		log.Fatal("missing -room")
	}
	token := os.Getenv("ROOMLIVE_TOKEN")
	if token == "" {
		log.Fatal("ROOMLIVE_TOKEN must be set")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	eng, err := engine.New(cfg, token, logger)
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng.Init(ctx)
	defer func() {
		disposeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Dispose(disposeCtx)
	}()

	var creds *membership.Credentials
	if *password != "" {
		creds = &membership.Credentials{Password: *password}
	}
	if err := eng.EnterRoom(ctx, *roomID, creds); err != nil {
		log.Fatalf("failed to enter room: %v", err)
	}
	logger.Info().Str("room_id", *roomID).Msg("entered room, tailing state")

	go func() {
		for sig := range eng.Lifecycle().Signals() {
			logger.Info().
				Str("room_id", sig.RoomID).
				Str("phase", string(sig.Phase)).
				Dur("remaining", sig.Remaining).
				Msg("lifecycle transition")
		}
	}()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down")
			return
		case <-ticker.C:
			printSnapshot(ctx, eng, *roomID, logger)
		}
	}
}

func printSnapshot(ctx context.Context, eng *engine.Engine, roomID string, logger zerolog.Logger) {
	view, ok := eng.Store().Room(roomID)
	if !ok {
		logger.Warn().Str("room_id", roomID).Msg("room not in local store")
		return
	}

	messages := eng.Store().Messages(roomID)
	online := eng.Presence().OnlineParticipants(ctx, roomID)
	logger.Info().
		Str("room_id", roomID).
		Bool("active", view.Active).
		Int("participants", view.ParticipantCount).
		Int("online", len(online)).
		Int("messages", len(messages)).
		Dur("remaining", eng.Lifecycle().TimeRemaining(roomID)).
		Msg("snapshot")

	if len(messages) > 0 {
		last := messages[len(messages)-1]
		if !last.Deleted {
			logger.Info().
				Str("author", last.AuthorID).
				Str("type", last.Type).
				Str("content", last.Content).
				Msg("latest message")
		}
	}
}
