package main

import (
	"log"
	"net/http"
	"os"

	"github.com/collabworks/roomsync/internal/relayhub"
)

func main() {
	addr := os.Getenv("ROOMSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	hub := relayhub.NewHub(relayhub.HubOptions{
		TokenSecret: os.Getenv("ROOMSYNC_TOKEN_SECRET"),
		Logger:      log.Default(),
	})
	defer hub.Close()

	server, err := relayhub.NewServer(relayhub.ServerOptions{
		Hub:    hub,
		Logger: log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize relay server: %v", err)
	}

	log.Printf("roomsyncd listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
