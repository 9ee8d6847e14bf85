// boardwatch attaches to a board as a read-mostly client and logs document
// and presence activity, useful for poking at a running server.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"canvas-realtime/internal/document"
	"canvas-realtime/internal/model"
	"canvas-realtime/internal/session"
	"canvas-realtime/internal/transport"
)

func main() {
	var (
		server = flag.String("server", "ws://localhost:8080", "server base URL")
		board  = flag.String("board", "demo", "board id to watch")
		name   = flag.String("name", "boardwatch", "display name for presence")
	)
	flag.Parse()

	s := session.New(session.Options{
		BoardID: *board,
		User:    model.Identity{ID: uuid.New().String(), Name: *name, Color: "#808080"},
		DocURL:  *server + "/ws/board/" + *board,
		LiveURL: *server + "/ws/live/" + *board,
		Dial:    transport.DialWebsocket,
	})

	s.Engine.OnStatusChange(func(info document.StatusInfo) {
		if info.Message != "" {
			log.Printf("[Watch] %s (%s)", info.Status, info.Message)
			return
		}
		log.Printf("[Watch] %s", info.Status)
	})
	s.Engine.OnObjectsChange(func() {
		log.Printf("[Watch] Board %s now has %d objects", *board, len(s.Engine.GetAllObjects()))
	})
	s.Presence.OnChange(func() {
		states := s.Presence.GetStates()
		log.Printf("[Watch] %d sessions present", len(states))
	})
	s.Relay.OnLiveDragUpdate(func(objectID string, pos model.LivePosition) {
		log.Printf("[Watch] Preview %s -> (%.1f, %.1f)", objectID, pos.X, pos.Y)
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Connect(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	cancel()
	s.Close()
}
