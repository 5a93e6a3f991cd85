// Command ingestworker consumes run payloads off NATS and drives them
// through the memory builder, publishing exhausted retries to a dead-letter
// subject instead of dropping them.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/rishit2121/agentkb/engine/decision"
	"github.com/rishit2121/agentkb/engine/embed"
	"github.com/rishit2121/agentkb/engine/extract"
	"github.com/rishit2121/agentkb/engine/graph"
	"github.com/rishit2121/agentkb/engine/ingest"
	"github.com/rishit2121/agentkb/engine/llm"
	"github.com/rishit2121/agentkb/engine/vectorindex"
	"github.com/rishit2121/agentkb/pkg/metrics"
)

var met = metrics.New()

var mDLQPublished = met.Counter("agentkb_ingestworker_dlq_total", "Messages routed to the dead-letter subject")

func main() {
	var (
		natsURL    = flag.String("nats", "nats://localhost:4222", "NATS server URL")
		neo4jURL   = flag.String("neo4j", "neo4j://localhost:7687", "Neo4j bolt URL")
		neo4jUser  = flag.String("neo4j-user", "neo4j", "Neo4j username")
		neo4jPass  = flag.String("neo4j-pass", "password", "Neo4j password")
		ollamaURL  = flag.String("ollama", "http://localhost:11434", "Ollama base URL")
		ollamaModel = flag.String("embed-model", "nomic-embed-text", "Ollama embedding model")
		embedDims  = flag.Int("embed-dims", 768, "embedding dimensionality")
		embedRate  = flag.Float64("embed-rate", 5.0, "embedder rate limit (req/s)")
		openaiKey  = flag.String("openai-key", os.Getenv("OPENAI_API_KEY"), "OpenAI API key")
		openaiBase = flag.String("openai-base", "https://api.openai.com/v1", "OpenAI base URL")
		openaiModel = flag.String("openai-model", "gpt-4o-mini", "OpenAI model")
		llmRate    = flag.Float64("llm-rate", 3.0, "judge/summarizer rate limit (req/s)")
		metricsPort = flag.Int("metrics-port", 9092, "metrics server port")
		qdrantAddr  = flag.String("qdrant", "", "Qdrant gRPC address; leave empty to disable the vector index")
		qdrantColl  = flag.String("qdrant-collection", "agentkb_runs", "Qdrant collection name")
	)
	flag.Parse()

	log := slog.Default()
	if *openaiKey == "" {
		log.Error("openai key is required (-openai-key or OPENAI_API_KEY)")
		os.Exit(1)
	}

	met.ServeAsync(*metricsPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver, err := neo4j.NewDriverWithContext(*neo4jURL, neo4j.BasicAuth(*neo4jUser, *neo4jPass, ""))
	if err != nil {
		log.Error("neo4j connect failed", "error", err)
		os.Exit(1)
	}
	defer driver.Close(ctx)
	if err := driver.VerifyConnectivity(ctx); err != nil {
		log.Error("neo4j verify failed", "error", err)
		os.Exit(1)
	}
	log.Info("connected to Neo4j")

	gs := graph.New(driver)
	if err := gs.EnsureConstraints(ctx); err != nil {
		log.Error("ensure constraints failed", "error", err)
		os.Exit(1)
	}

	embedder := embed.NewOllamaEmbedder(*ollamaURL, *ollamaModel, *embedDims, *embedRate)
	judge := llm.NewOpenAIClient(*openaiKey, *openaiBase, *openaiModel, *llmRate)
	extractor := extract.New(embedder)
	decisionLayer := decision.New(gs, gs, judge, decision.DefaultOptions())

	var vecIndex vectorindex.Index
	if *qdrantAddr != "" {
		qdrant, err := vectorindex.NewQdrantIndex(*qdrantAddr, *qdrantColl)
		if err != nil {
			log.Error("vector index dial failed", "error", err)
			os.Exit(1)
		}
		defer qdrant.Close()
		if err := qdrant.EnsureCollection(ctx, *embedDims); err != nil {
			log.Error("vector index ensure collection failed", "error", err)
			os.Exit(1)
		}
		vecIndex = qdrant
		log.Info("vector index enabled", "addr", *qdrantAddr, "collection", *qdrantColl)
	}

	builder := ingest.New(ingest.Deps{
		GraphStore:  gs,
		Embedder:    embedder,
		Summarizer:  judge,
		Extractor:   extractor,
		Decider:     decisionLayer,
		Logger:      log,
		VectorIndex: vecIndex,
	})

	nc, err := nats.Connect(*natsURL)
	if err != nil {
		log.Error("nats connect failed", "error", err)
		os.Exit(1)
	}
	defer nc.Drain()
	log.Info("connected to NATS", "url", *natsURL)

	sub, err := builder.StartConsumer(nc)
	if err != nil {
		log.Error("start consumer failed", "error", err)
		os.Exit(1)
	}
	defer sub.Unsubscribe()
	log.Info("ingest worker listening", "subject", ingest.IngestSubject, "dlq", ingest.DLQSubject)

	dlqSub, err := nc.Subscribe(ingest.DLQSubject, func(msg *nats.Msg) {
		mDLQPublished.Inc()
		log.Warn("message routed to dead-letter subject", "bytes", len(msg.Data))
	})
	if err != nil {
		log.Error("dlq observer subscribe failed", "error", err)
	} else {
		defer dlqSub.Unsubscribe()
	}

	<-ctx.Done()
	log.Info("shutting down")
	time.Sleep(200 * time.Millisecond)
}
