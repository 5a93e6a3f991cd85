package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rishit2121/agentkb/engine/domain"
	"github.com/rishit2121/agentkb/pkg/natsutil"
)

// IngestSubject is the NATS subject carrying run payloads for asynchronous
// ingestion (spec.md's CLI & process topology: an optional async path
// alongside the synchronous POST /runs handler).
const IngestSubject = "agentkb.ingest.runs"

// DLQSubject is where payloads land after MaxRetries failed attempts.
const DLQSubject = "agentkb.ingest.runs.dlq"

// MaxRetries bounds the failed attempts per payload: a failure is
// re-published with an incremented X-Retry-Count until that count reaches
// MaxRetries, and the payload then goes to the DLQ instead, so a payload is
// re-published at most MaxRetries-1 times.
const MaxRetries = 3

// dlqMessage is published to the DLQ on repeated failure.
type dlqMessage struct {
	Payload domain.RunPayload `json:"payload"`
	Error   string            `json:"error"`
	Retries int               `json:"retries"`
}

// StartConsumer subscribes to IngestSubject and drives ProcessRun for each
// message, with retry-via-republish and a dead-letter queue after
// MaxRetries (spec §7's "Ingestion surfaces InvalidInput as client error"
// doesn't apply on the async path — failures here are retried rather than
// rejected, since there is no caller to report a 4xx to).
func (b *MemoryBuilder) StartConsumer(nc *nats.Conn) (*nats.Subscription, error) {
	log := b.log

	return nc.Subscribe(IngestSubject, func(msg *nats.Msg) {
		var payload domain.RunPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			log.Error("ingest: unmarshal failed", "error", err)
			return
		}

		retries := 0
		if msg.Header != nil {
			if v := msg.Header.Get("X-Retry-Count"); v != "" {
				fmt.Sscanf(v, "%d", &retries)
			}
		}

		ctx := context.Background()
		resp, err := b.ProcessRun(ctx, payload)
		if err != nil {
			retries++
			log.Error("ingest: process failed", "error", err, "run_id", payload.RunID, "retry", retries)

			if retries >= MaxRetries {
				dlq := dlqMessage{Payload: payload, Error: err.Error(), Retries: retries}
				if pubErr := natsutil.Publish(ctx, nc, DLQSubject, dlq); pubErr != nil {
					log.Error("ingest: DLQ publish failed", "error", pubErr)
				}
			} else {
				retryMsg := nats.NewMsg(IngestSubject)
				retryMsg.Data = msg.Data
				retryMsg.Header = nats.Header{}
				retryMsg.Header.Set("X-Retry-Count", fmt.Sprintf("%d", retries))
				if pubErr := nc.PublishMsg(retryMsg); pubErr != nil {
					log.Error("ingest: retry publish failed", "error", pubErr)
				}
			}
		} else {
			log.Info("ingest: processed", "run_id", payload.RunID, "decision", resp.Decision)
		}

		if msg.Reply != "" {
			_ = msg.Ack()
		}
	})
}
