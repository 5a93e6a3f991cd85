// Package main implements the agentkb API server: the HTTP surface over the
// ingestion pipeline and the retrieval engine (spec §6).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/rishit2121/agentkb/engine/decision"
	"github.com/rishit2121/agentkb/engine/domain"
	"github.com/rishit2121/agentkb/engine/embed"
	"github.com/rishit2121/agentkb/engine/extract"
	"github.com/rishit2121/agentkb/engine/graph"
	"github.com/rishit2121/agentkb/engine/ingest"
	"github.com/rishit2121/agentkb/engine/llm"
	"github.com/rishit2121/agentkb/engine/retrieval"
	"github.com/rishit2121/agentkb/engine/vectorindex"
	"github.com/rishit2121/agentkb/pkg/metrics"
	"github.com/rishit2121/agentkb/pkg/mid"
	"gopkg.in/yaml.v3"
)

const serviceVersion = "0.1.0"

// Config holds all environment-based configuration.
type Config struct {
	Port       string
	CORSOrigin string

	Neo4jURL  string
	Neo4jUser string
	Neo4jPass string

	OllamaURL   string
	OllamaModel string
	EmbedDims   int
	EmbedRate   float64

	OpenAIKey     string
	OpenAIBaseURL string
	OpenAIModel   string
	LLMRate       float64

	TaskSimilarityThreshold float64

	QdrantAddr       string
	QdrantCollection string
}

// configOverlay mirrors Config's fields that an operator may want to check
// into a config file rather than set as environment variables. Only the
// fields actually present in the YAML document override loadConfig's
// env-derived defaults; everything else is left untouched.
type configOverlay struct {
	Port                    *string  `yaml:"port"`
	CORSOrigin              *string  `yaml:"cors_origin"`
	OllamaModel             *string  `yaml:"ollama_model"`
	EmbedDims               *int     `yaml:"embed_dims"`
	OpenAIModel             *string  `yaml:"openai_model"`
	TaskSimilarityThreshold *float64 `yaml:"task_similarity_threshold"`
	QdrantAddr              *string  `yaml:"qdrant_addr"`
	QdrantCollection        *string  `yaml:"qdrant_collection"`
}

// applyConfigFile overlays a YAML config file onto env-derived defaults, for
// the handful of tuning knobs operators prefer to check in alongside
// deployment manifests rather than set per-environment (secrets like
// NEO4J_PASS and OPENAI_API_KEY stay env-only and are never read from here).
func applyConfigFile(cfg Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	var overlay configOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}
	if overlay.Port != nil {
		cfg.Port = *overlay.Port
	}
	if overlay.CORSOrigin != nil {
		cfg.CORSOrigin = *overlay.CORSOrigin
	}
	if overlay.OllamaModel != nil {
		cfg.OllamaModel = *overlay.OllamaModel
	}
	if overlay.EmbedDims != nil {
		cfg.EmbedDims = *overlay.EmbedDims
	}
	if overlay.OpenAIModel != nil {
		cfg.OpenAIModel = *overlay.OpenAIModel
	}
	if overlay.TaskSimilarityThreshold != nil {
		cfg.TaskSimilarityThreshold = *overlay.TaskSimilarityThreshold
	}
	if overlay.QdrantAddr != nil {
		cfg.QdrantAddr = *overlay.QdrantAddr
	}
	if overlay.QdrantCollection != nil {
		cfg.QdrantCollection = *overlay.QdrantCollection
	}
	return cfg, nil
}

func loadConfig() Config {
	return Config{
		Port:       envOr("PORT", "8080"),
		CORSOrigin: envOr("CORS_ORIGIN", "*"),

		Neo4jURL:  envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser: envOr("NEO4J_USER", "neo4j"),
		Neo4jPass: envOr("NEO4J_PASS", "password"),

		OllamaURL:   envOr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel: envOr("OLLAMA_EMBED_MODEL", "nomic-embed-text"),
		EmbedDims:   envOrInt("OLLAMA_EMBED_DIMS", 768),
		EmbedRate:   envOrFloat("OLLAMA_RATE_LIMIT", 5.0),

		OpenAIKey:     envOr("OPENAI_API_KEY", ""),
		OpenAIBaseURL: envOr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:   envOr("OPENAI_MODEL", "gpt-4o-mini"),
		LLMRate:       envOrFloat("OPENAI_RATE_LIMIT", 3.0),

		TaskSimilarityThreshold: envOrFloat("TASK_SIMILARITY_THRESHOLD", ingest.DefaultTaskSimilarityThreshold),

		QdrantAddr:       envOr("QDRANT_ADDR", ""),
		QdrantCollection: envOr("QDRANT_COLLECTION", "agentkb_runs"),
	}
}

// Validate enforces the hard startup check: an OpenAI key is required since
// both the decision layer's judge stage and run summarization depend on it.
func (c Config) Validate() error {
	if strings.TrimSpace(c.OpenAIKey) == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.EmbedDims <= 0 {
		return fmt.Errorf("OLLAMA_EMBED_DIMS must be positive, got %d", c.EmbedDims)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func main() {
	configPath := flag.String("config", envOr("CONFIG_FILE", ""), "optional YAML file overlaying a subset of the env-derived config")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()
	if *configPath != "" {
		var err error
		cfg, err = applyConfigFile(cfg, *configPath)
		if err != nil {
			logger.Error("loading config file", "path", *configPath, "err", err)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	neo4jDriver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer neo4jDriver.Close(ctx)

	graphStore := graph.New(neo4jDriver)
	if err := graphStore.EnsureConstraints(ctx); err != nil {
		return fmt.Errorf("ensure constraints: %w", err)
	}

	embedder := embed.NewOllamaEmbedder(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbedDims, cfg.EmbedRate)
	judge := llm.NewOpenAIClient(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, cfg.LLMRate)
	extractor := extract.New(embedder)

	decisionLayer := decision.New(graphStore, graphStore, judge, decision.DefaultOptions())

	// The vector index is operator-optional (spec §4.7) and only dialed when
	// QDRANT_ADDR is set. Ingestion dual-writes Run embeddings to it;
	// retrieval and the decision layer keep using the graph store's scan.
	var vecIndex vectorindex.Index
	if cfg.QdrantAddr != "" {
		qdrant, err := vectorindex.NewQdrantIndex(cfg.QdrantAddr, cfg.QdrantCollection)
		if err != nil {
			return fmt.Errorf("vector index: %w", err)
		}
		defer qdrant.Close()
		if err := qdrant.EnsureCollection(ctx, cfg.EmbedDims); err != nil {
			return fmt.Errorf("vector index: ensure collection: %w", err)
		}
		vecIndex = qdrant
		logger.Info("vector index enabled", "addr", cfg.QdrantAddr, "collection", cfg.QdrantCollection)
	}

	builder := ingest.New(ingest.Deps{
		GraphStore:              graphStore,
		Embedder:                embedder,
		Summarizer:              judge,
		Extractor:               extractor,
		Decider:                 decisionLayer,
		TaskSimilarityThreshold: cfg.TaskSimilarityThreshold,
		Logger:                  logger,
		VectorIndex:             vecIndex,
	})

	retriever := retrieval.New(graphStore, graphStore, embedder, logger)

	met := metrics.New()
	ingestRequests := met.Counter("agentkb_ingest_requests_total", "total POST /runs requests")
	ingestDuration := met.Histogram("agentkb_ingest_duration_seconds", "POST /runs handler latency", nil)
	retrieveRequests := met.Counter("agentkb_retrieve_requests_total", "total POST /retrieve requests")
	retrieveDuration := met.Histogram("agentkb_retrieve_duration_seconds", "POST /retrieve handler latency", nil)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", handleHealth(cfg, logger))
	mux.HandleFunc("POST /runs", handleIngest(builder, logger, ingestRequests, ingestDuration))
	mux.HandleFunc("POST /retrieve", handleRetrieve(retriever, logger, retrieveRequests, retrieveDuration))
	mux.HandleFunc("GET /retrieve_all", handleRetrieveAll(retriever, logger))
	mux.HandleFunc("GET /stats", handleStats(graphStore, logger))
	mux.HandleFunc("GET /tasks/{id}", handleGetTask(graphStore, logger))
	mux.Handle("GET /metrics", met.Handler())

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("agentkb-api"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// --- Response envelope (spec §6) ---

type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Status: "ok", Data: data})
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var kb *domain.KBError
	if !errors.As(err, &kb) {
		kb = domain.NewStoreUnavailable(err)
	}
	if kb.HTTPStatus() >= 500 {
		logger.Error("request failed", "kind", kb.Kind, "err", err)
	}
	writeJSON(w, kb.HTTPStatus(), envelope{Status: "error", Message: kb.Error()})
}

// --- Handlers ---

// maskNeo4jURI reduces a connection URI to its scheme, hiding host/port/
// credentials from the health response.
func maskNeo4jURI(uri string) string {
	if i := strings.Index(uri, "://"); i >= 0 {
		return uri[:i] + "://***"
	}
	return "***"
}

func handleHealth(cfg Config, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, map[string]string{
			"status":           "ok",
			"service":          "agentkb",
			"version":          serviceVersion,
			"neo4j_uri_format": maskNeo4jURI(cfg.Neo4jURL),
			"neo4j_user":       cfg.Neo4jUser,
		})
	}
}

func handleIngest(builder *ingest.MemoryBuilder, logger *slog.Logger, reqs *metrics.Counter, dur *metrics.Histogram) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqs.Inc()
		defer dur.Since(start)

		var payload domain.RunPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, logger, domain.NewInvalidInput("body", err))
			return
		}

		resp, err := builder.ProcessRun(r.Context(), payload)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeOK(w, resp)
	}
}

type retrieveRequest struct {
	TaskText string `json:"task_text"`
	UserID   string `json:"user_id,omitempty"`
	AgentID  string `json:"agent_id,omitempty"`
	Context  string `json:"context,omitempty"`
	TopK     int    `json:"top_k,omitempty"`
}

func handleRetrieve(engine *retrieval.Engine, logger *slog.Logger, reqs *metrics.Counter, dur *metrics.Histogram) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqs.Inc()
		defer dur.Since(start)

		var req retrieveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, logger, domain.NewInvalidInput("body", err))
			return
		}
		if strings.TrimSpace(req.TaskText) == "" {
			writeError(w, logger, domain.NewInvalidInput("task_text", nil))
			return
		}

		resp, err := engine.Retrieve(r.Context(), retrieval.Query{
			TaskText: req.TaskText,
			Context:  req.Context,
			AgentID:  req.AgentID,
			UserID:   req.UserID,
			TopK:     req.TopK,
		})
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeOK(w, resp)
	}
}

func handleRetrieveAll(engine *retrieval.Engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 0
		if l := q.Get("limit"); l != "" {
			if n, err := strconv.Atoi(l); err == nil {
				limit = n
			}
		}

		runs, err := engine.RetrieveAll(r.Context(), retrieval.AllQuery{
			UserID:  q.Get("user_id"),
			AgentID: q.Get("agent_id"),
			Limit:   limit,
		})
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeOK(w, runs)
	}
}

func handleStats(gs *graph.GraphStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodes, err := gs.NodeCounts(r.Context())
		if err != nil {
			writeError(w, logger, domain.NewStoreUnavailable(err))
			return
		}
		rels, err := gs.RelationshipCounts(r.Context())
		if err != nil {
			writeError(w, logger, domain.NewStoreUnavailable(err))
			return
		}
		writeOK(w, map[string]any{
			"nodes":         nodes,
			"relationships": rels,
		})
	}
}

// handleGetTask looks up a single canonical Task by id, for inspecting what
// text and embedding a given task_id resolved to without re-running the
// similarity scan dedup does.
func handleGetTask(gs *graph.GraphStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		task, err := gs.GetTask(r.Context(), id)
		if err != nil {
			writeError(w, logger, domain.NewNotFound("task_id", err))
			return
		}
		writeOK(w, task)
	}
}
