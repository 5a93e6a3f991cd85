// Command clear deletes every node and relationship in the graph store.
// Destructive: refuses to run without -yes or an interactive "yes" typed at
// the confirmation prompt (SPEC_FULL.md §C.6).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/rishit2121/agentkb/engine/graph"
)

func main() {
	var (
		neo4jURL  = flag.String("neo4j", envOr("NEO4J_URL", "neo4j://localhost:7687"), "Neo4j bolt URL")
		neo4jUser = flag.String("neo4j-user", envOr("NEO4J_USER", "neo4j"), "Neo4j username")
		neo4jPass = flag.String("neo4j-pass", envOr("NEO4J_PASS", "password"), "Neo4j password")
		yes       = flag.Bool("yes", false, "skip the confirmation prompt")
	)
	flag.Parse()

	log := slog.Default()

	if !*yes && !confirm() {
		fmt.Println("aborted")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
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
	if err := gs.Clear(ctx); err != nil {
		log.Error("clear", "error", err)
		os.Exit(1)
	}

	log.Info("graph cleared")
}

func confirm() bool {
	fmt.Print("this will delete every node and relationship. type \"yes\" to continue: ")
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line) == "yes"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
