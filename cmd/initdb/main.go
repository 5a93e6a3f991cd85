// Command initdb ensures the Neo4j uniqueness constraints the graph store
// depends on exist, and exits 0 once they do (spec §6's CLI exit codes).
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/rishit2121/agentkb/engine/graph"
)

func main() {
	var (
		neo4jURL  = flag.String("neo4j", envOr("NEO4J_URL", "neo4j://localhost:7687"), "Neo4j bolt URL")
		neo4jUser = flag.String("neo4j-user", envOr("NEO4J_USER", "neo4j"), "Neo4j username")
		neo4jPass = flag.String("neo4j-pass", envOr("NEO4J_PASS", "password"), "Neo4j password")
	)
	flag.Parse()

	log := slog.Default()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
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
	if err := gs.EnsureConstraints(ctx); err != nil {
		log.Error("ensure constraints", "error", err)
		os.Exit(1)
	}

	log.Info("constraints ensured")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
