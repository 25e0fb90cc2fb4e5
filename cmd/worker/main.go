// Worker consumes security events from Kafka and pushes them to Loki.
// Set KAFKA_BROKERS, SECURITY_EVENTS_KAFKA_TOPIC, KAFKA_GROUP_ID, and LOKI_URL.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"remote-desktop-server/internal/config"
	"remote-desktop-server/internal/telemetry/loki"
)

const maxPushElapsed = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	brokers := cfg.KafkaBrokersList()
	if len(brokers) == 0 {
		log.Fatal("worker: KAFKA_BROKERS is required")
	}
	if cfg.LokiURL == "" {
		log.Fatal("worker: LOKI_URL is required")
	}
	lokiClient, err := loki.NewClient(cfg.LokiURL, cfg.ServerName, nil)
	if err != nil {
		log.Fatalf("worker: %v", err)
	}

	topic := cfg.SecurityEventsTopic
	groupID := cfg.KafkaGroupID
	if groupID == "" {
		groupID = "rdp-security-events-worker"
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		CommitInterval: time.Second,
	})
	defer reader.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker: consuming from %s (group %s), pushing to %s", topic, groupID, cfg.LokiURL)

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("worker: stopped")
				return
			}
			log.Printf("worker: kafka read error: %v", err)
			continue
		}

		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = maxPushElapsed
		push := func() error {
			pushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return lokiClient.PushEventJSON(pushCtx, msg.Value)
		}
		if err := backoff.Retry(push, backoff.WithContext(b, ctx)); err != nil {
			log.Printf("worker: loki push failed at offset %d: %v", msg.Offset, err)
		}
	}
}
