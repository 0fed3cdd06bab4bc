// Command viewer renders a live session dashboard in the terminal by
// subscribing through a streampulse relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"streampulse/internal/gifts"
	"streampulse/internal/observability/logging"
	"streampulse/internal/relay"
	"streampulse/internal/viewer"
)

func main() {
	serverURL := flag.String("server", "ws://127.0.0.1:8080/ws", "relay WebSocket endpoint")
	username := flag.String("username", "", "live session to watch")
	giftPath := flag.String("gift-path", "", "path to the JSON gift name store")
	logLevel := flag.String("log-level", "warn", "log level (debug, info, warn, error)")
	refresh := flag.Duration("refresh", time.Second, "dashboard refresh interval")
	flag.Parse()

	logger := logging.Init(logging.Config{Level: *logLevel, Format: "text", Writer: os.Stderr})

	target := firstNonEmpty(*username, os.Getenv("STREAMPULSE_VIEWER_USERNAME"))
	if target == "" {
		fmt.Fprintln(os.Stderr, "⚠️ Enter a username first")
		os.Exit(1)
	}

	client, err := relay.NewClient(relay.ClientConfig{
		URL:    firstNonEmpty(*serverURL, os.Getenv("STREAMPULSE_VIEWER_SERVER")),
		Logger: logging.WithComponent(logger, "relay-client"),
	})
	if err != nil {
		logger.Error("invalid relay endpoint", "error", err)
		os.Exit(1)
	}

	storePath := firstNonEmpty(*giftPath, os.Getenv("STREAMPULSE_GIFTS_PATH"))
	if storePath == "" {
		storePath = filepath.Join(os.TempDir(), "streampulse-gifts.json")
	}
	store, err := gifts.NewFileStore(gifts.FileStoreConfig{
		Path:   storePath,
		Logger: logging.WithComponent(logger, "gifts"),
	})
	if err != nil {
		logger.Error("failed to open gift store", "error", err)
		os.Exit(1)
	}

	controller := viewer.NewController(viewer.Config{
		Connector: client,
		Gifts:     store,
		Logger:    logging.WithComponent(logger, "viewer"),
	})
	defer controller.Close()

	if err := controller.Connect(target); err != nil {
		logger.Error("failed to start session", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			controller.Disconnect()
			fmt.Println()
			return
		case <-ticker.C:
			fmt.Print("\033[2J\033[H")
			fmt.Print(renderSnapshot(controller.Snapshot()))
		}
	}
}

func renderSnapshot(snap viewer.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "streampulse · %s · %s\n", snap.Target, snap.State)
	fmt.Fprintf(&b, "👥 %d viewers · ❤️ %d likes · 🎁 %d gifts\n", snap.ViewerCount, snap.Likes, snap.Gifts)

	if len(snap.TopLikes) > 0 {
		b.WriteString("\nTop likers\n")
		for i, contributor := range snap.TopLikes {
			fmt.Fprintf(&b, "%2d. %s (%d)\n", i+1, contributor.UserID, contributor.Likes)
		}
	}

	if len(snap.TopGifts) > 0 {
		b.WriteString("\nTop gifters\n")
		for i, contributor := range snap.TopGifts {
			fmt.Fprintf(&b, "%2d. %s (%d)", i+1, contributor.UserID, contributor.Gifts)
			if contributor.LastGiftName != "" {
				fmt.Fprintf(&b, " · last gift %s", contributor.LastGiftName)
			}
			b.WriteString("\n")
		}
	}

	if len(snap.Notifications) > 0 {
		b.WriteString("\nNotifications\n")
		for _, notification := range snap.Notifications {
			fmt.Fprintf(&b, "  %s\n", notification.Text)
		}
	}

	if len(snap.Activity) > 0 {
		b.WriteString("\nActivity\n")
		limit := len(snap.Activity)
		if limit > 10 {
			limit = 10
		}
		for _, entry := range snap.Activity[:limit] {
			fmt.Fprintf(&b, "  [%s] %s\n", entry.At.Format("15:04:05"), entry.Text)
		}
	}
	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
