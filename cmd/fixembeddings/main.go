// Command fixembeddings rescans the graph for nodes whose stored embedding
// length disagrees with the configured dimensionality (e.g. after an
// embedding model swap) and re-embeds them from their source text
// (SPEC_FULL.md §C.6).
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/rishit2121/agentkb/engine/embed"
	"github.com/rishit2121/agentkb/engine/graph"
)

func main() {
	var (
		neo4jURL    = flag.String("neo4j", envOr("NEO4J_URL", "neo4j://localhost:7687"), "Neo4j bolt URL")
		neo4jUser   = flag.String("neo4j-user", envOr("NEO4J_USER", "neo4j"), "Neo4j username")
		neo4jPass   = flag.String("neo4j-pass", envOr("NEO4J_PASS", "password"), "Neo4j password")
		ollamaURL   = flag.String("ollama", envOr("OLLAMA_URL", "http://localhost:11434"), "Ollama base URL")
		ollamaModel = flag.String("embed-model", envOr("OLLAMA_EMBED_MODEL", "nomic-embed-text"), "Ollama embedding model")
		dims        = flag.Int("dims", 768, "expected embedding dimensionality")
		rate        = flag.Float64("rate", 5.0, "embedder rate limit (req/s)")
	)
	flag.Parse()

	log := slog.Default()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	driver, err := neo4j.NewDriverWithContext(*neo4jURL, neo4j.BasicAuth(*neo4jUser, *neo4jPass, ""))
	if err != nil {
		log.Error("neo4j driver", "error", err)
		os.Exit(1)
	}
	defer driver.Close(ctx)

	if err := driver.VerifyConnectivity(ctx); err != nil {
		log.Error("neo4j verify connectivity", "error", err)
		os.Exit(1)
	}

	gs := graph.New(driver)
	embedder := embed.NewOllamaEmbedder(*ollamaURL, *ollamaModel, *dims, *rate)

	candidates, err := gs.RescanDimensionMismatches(ctx, *dims)
	if err != nil {
		log.Error("rescan dimension mismatches", "error", err)
		os.Exit(1)
	}
	log.Info("found mismatched embeddings", "count", len(candidates))

	fixed, failed := 0, 0
	for _, c := range candidates {
		if c.Text == "" {
			log.Warn("skipping node with empty source text", "id", c.ID, "label", c.Label)
			continue
		}
		vec, err := embed.EmbedValidated(ctx, embedder, c.Text)
		if err != nil {
			log.Error("re-embed failed", "id", c.ID, "label", c.Label, "error", err)
			failed++
			continue
		}
		if err := gs.UpdateEmbedding(ctx, c.Label, c.ID, vec); err != nil {
			log.Error("write back embedding failed", "id", c.ID, "label", c.Label, "error", err)
			failed++
			continue
		}
		fixed++
	}

	log.Info("fixembeddings done", "fixed", fixed, "failed", failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
