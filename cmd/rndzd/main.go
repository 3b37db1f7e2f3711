// rndzd is the teleporter rendezvous broker: an HTTP registry where a
// listening peer advertises its address under an ID so a sender can
// find it before opening the direct TCP connection.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/telexfer/teleporter/internal/observability"
	"github.com/telexfer/teleporter/internal/protocol"
	"github.com/telexfer/teleporter/internal/rndz"
)

func main() {
	listen := flag.String("listen", ":8082", "HTTP listen address")
	maxTTL := flag.Duration("ttl-max", 5*time.Minute, "Maximum registration TTL")
	cleanupInterval := flag.Duration("cleanup-interval", 60*time.Second, "Expired registration sweep interval")
	flag.Parse()

	log := observability.NewLogger("teleporter-rndzd", protocol.Version, os.Stderr)

	if shutdown, err := observability.InitTracing(context.Background(), "teleporter-rndzd"); err == nil {
		defer shutdown(context.Background())
	}

	broker := rndz.NewBroker(*maxTTL)

	go func() {
		ticker := time.NewTicker(*cleanupInterval)
		defer ticker.Stop()
		for range ticker.C {
			if count := broker.CleanupExpired(); count > 0 {
				log.Info(fmt.Sprintf("cleaned up %d expired registrations", count))
			}
		}
	}()

	server := &http.Server{
		Addr:         *listen,
		Handler:      broker.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info(fmt.Sprintf("rendezvous broker listening on %s", *listen))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err, "http server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
	log.Info(fmt.Sprintf("final registrations: %d", broker.Count()))
}
