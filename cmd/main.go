// Command syncwatch is a small demo of the sync client: it listens to
// one collection and mirrors every snapshot to stdout, optionally
// writing a presence document so other clients can see it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"firestore-sync/internal/firestore"
	"firestore-sync/internal/firestore/config"
	"firestore-sync/internal/firestore/domain/model"
)

func main() {
	collection := flag.String("collection", "rooms", "collection path to watch")
	presence := flag.String("presence", "", "document path to keep a presence heartbeat in")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	client, err := firestore.NewClient(ctx, cfg)
	cancel()
	if err != nil {
		log.Fatalf("Failed to start sync client: %v", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := client.Terminate(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	path, err := model.ParseResourcePath(*collection)
	if err != nil {
		log.Fatalf("Invalid collection path %q: %v", *collection, err)
	}
	registration, err := client.Listen(model.NewQuery(path), firestore.ListenOptions{}, printSnapshot, func(err error) {
		log.Printf("Listen failed: %v", err)
	})
	if err != nil {
		log.Fatalf("Failed to listen on %q: %v", *collection, err)
	}
	defer registration.Remove()

	stop := make(chan struct{})
	if *presence != "" {
		go heartbeat(client, *presence, stop)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	close(stop)
	fmt.Println("Shutting down...")
}

func printSnapshot(snapshot model.ViewSnapshot) {
	source := "server"
	if snapshot.FromCache {
		source = "cache"
	}
	fmt.Printf("[%s] %d documents:\n", source, snapshot.Docs.Size())
	snapshot.Docs.ForEach(func(doc *model.Document) {
		marker := " "
		if doc.HasLocalMutations() {
			marker = "*"
		}
		fmt.Printf("  %s %s %v\n", marker, doc.Key().String(), doc.Data().Value().Map())
	})
}

// heartbeat rewrites the presence document every few seconds until stop
// closes. Writes queue locally while offline and flush on reconnect.
func heartbeat(client *firestore.Client, path string, stop <-chan struct{}) {
	key, err := model.NewDocumentKey(model.MustParseResourcePath(path))
	if err != nil {
		log.Printf("Invalid presence path %q: %v", path, err)
		return
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			mutation := model.NewSetMutation(key, model.ObjectValueOf(map[string]model.Value{
				"last_seen": model.StringValue(time.Now().UTC().Format(time.RFC3339)),
			}), model.PreconditionNoneValue())
			if _, err := client.Write([]model.Mutation{mutation}); err != nil {
				log.Printf("Presence write failed: %v", err)
			}
		}
	}
}
