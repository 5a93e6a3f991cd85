package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// GraphStore implements the graph store port of spec §4.7 on top of Neo4j.
// It is a shared, concurrent, internally pooled handle per spec §5 — callers
// never construct their own sessions.
type GraphStore struct {
	driver neo4j.DriverWithContext
}

// New creates a GraphStore over an existing driver.
func New(driver neo4j.DriverWithContext) *GraphStore {
	return &GraphStore{driver: driver}
}

func (g *GraphStore) session(ctx context.Context) neo4j.SessionWithContext {
	return g.driver.NewSession(ctx, neo4j.SessionConfig{})
}

// EnsureConstraints creates the uniqueness constraints spec §4.7 and §6
// require: one per node label's id, Outcome on label.
func (g *GraphStore) EnsureConstraints(ctx context.Context) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)

	stmts := []string{
		"CREATE CONSTRAINT user_id IF NOT EXISTS FOR (n:User) REQUIRE n.id IS UNIQUE",
		"CREATE CONSTRAINT agent_id IF NOT EXISTS FOR (n:Agent) REQUIRE n.id IS UNIQUE",
		"CREATE CONSTRAINT task_id IF NOT EXISTS FOR (n:Task) REQUIRE n.id IS UNIQUE",
		"CREATE CONSTRAINT run_id IF NOT EXISTS FOR (n:Run) REQUIRE n.id IS UNIQUE",
		"CREATE CONSTRAINT reference_id IF NOT EXISTS FOR (n:Reference) REQUIRE n.id IS UNIQUE",
		"CREATE CONSTRAINT artifact_id IF NOT EXISTS FOR (n:Artifact) REQUIRE n.id IS UNIQUE",
		"CREATE CONSTRAINT outcome_label IF NOT EXISTS FOR (n:Outcome) REQUIRE n.label IS UNIQUE",
		"CREATE CONSTRAINT decision_run_id IF NOT EXISTS FOR (n:MemoryDecision) REQUIRE n.run_id IS UNIQUE",
	}
	for _, stmt := range stmts {
		if _, err := sess.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("graph: ensure constraints: %w", err)
		}
	}
	return nil
}

// UpsertUser creates the User node if absent. Idempotent.
func (g *GraphStore) UpsertUser(ctx context.Context, userID string) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	_, err := sess.Run(ctx, `MERGE (u:User {id: $id})`, map[string]any{"id": userID})
	return err
}

// UpsertAgent creates the Agent node if absent. Idempotent.
func (g *GraphStore) UpsertAgent(ctx context.Context, agentID string) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	_, err := sess.Run(ctx, `MERGE (a:Agent {id: $id})`, map[string]any{"id": agentID})
	return err
}

// LinkHasAgent links User-[:HAS_AGENT]->Agent idempotently.
func (g *GraphStore) LinkHasAgent(ctx context.Context, userID, agentID string) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	cypher := `MATCH (u:User {id: $user}), (a:Agent {id: $agent})
		MERGE (u)-[:HAS_AGENT]->(a)`
	_, err := sess.Run(ctx, cypher, map[string]any{"user": userID, "agent": agentID})
	return err
}

// UpsertTask creates or updates a Task node, setting all properties.
func (g *GraphStore) UpsertTask(ctx context.Context, t Task) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	cypher := `MERGE (t:Task {id: $id}) SET t.text = $text, t.embedding = $embedding`
	_, err := sess.Run(ctx, cypher, map[string]any{
		"id": t.ID, "text": t.Text, "embedding": toFloatList(t.Embedding),
	})
	return err
}

// ScanTasks returns every Task with a non-null embedding, for the dedup scan
// of spec §3 ("reuse only when a best match exists above τ_task").
func (g *GraphStore) ScanTasks(ctx context.Context) ([]Task, error) {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	cypher := `MATCH (t:Task) WHERE t.embedding IS NOT NULL RETURN t.id AS id, t.text AS text, t.embedding AS embedding`
	result, err := sess.Run(ctx, cypher, nil)
	if err != nil {
		return nil, err
	}
	var out []Task
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := neo4j.GetRecordValue[string](rec, "id")
		text, _ := neo4j.GetRecordValue[string](rec, "text")
		emb, _ := rec.Get("embedding")
		out = append(out, Task{ID: id, Text: text, Embedding: fromFloatList(emb)})
	}
	return out, result.Err()
}

// GetTask fetches a single Task by id via the teacher-derived generic
// repository (pkg/repo.Neo4jRepo), for the admin lookup endpoint rather than
// the full similarity scan ScanTasks does for dedup.
func (g *GraphStore) GetTask(ctx context.Context, id string) (Task, error) {
	return newTaskRepo(g.driver).Get(ctx, id)
}

// UpsertReference creates or updates a Reference node.
func (g *GraphStore) UpsertReference(ctx context.Context, r Reference) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	cypher := `MERGE (n:Reference {id: $id}) SET n.type = $type, n.source_ref = $source_ref, n.embedding = $embedding`
	_, err := sess.Run(ctx, cypher, map[string]any{
		"id": r.ID, "type": r.Type, "source_ref": r.SourceRef, "embedding": toFloatList(r.Embedding),
	})
	return err
}

// UpsertArtifact creates or updates an Artifact node.
func (g *GraphStore) UpsertArtifact(ctx context.Context, a Artifact) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	cypher := `MERGE (n:Artifact {id: $id}) SET n.type = $type, n.hash = $hash, n.embedding = $embedding`
	_, err := sess.Run(ctx, cypher, map[string]any{
		"id": a.ID, "type": a.Type, "hash": a.Hash, "embedding": toFloatList(a.Embedding),
	})
	return err
}

// UpsertOutcome creates the singleton Outcome node for a label if absent.
func (g *GraphStore) UpsertOutcome(ctx context.Context, label string) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	_, err := sess.Run(ctx, `MERGE (o:Outcome {label: $label})`, map[string]any{"label": label})
	return err
}

// CommitRunOpts bundles everything needed to persist an ADD/REPLACE/MERGE
// decision's graph side effects in a single transaction (spec §5's
// "supersede... in the same transactional scope as the new Run's creation
// where the store supports it").
type CommitRunOpts struct {
	Run              Run
	TaskID           string
	ReferenceIDs     []string
	ArtifactIDs      []string
	OutcomeLabel     string
	SupersedeTargetID string // non-empty for REPLACE
}

// CommitRun creates the Run node and all its edges (TRIGGERED, EXECUTED,
// READS, WRITES, ENDED_WITH), and for REPLACE also marks the target run
// superseded, all within one write transaction. Edge creation is
// idempotent (MERGE-on-match) per spec §4.5.
func (g *GraphStore) CommitRun(ctx context.Context, opts CommitRunOpts) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		r := opts.Run
		createRun := `MERGE (run:Run {id: $id})
			SET run.agent_id = $agent_id, run.user_id = $user_id, run.summary = $summary,
				run.reason_added = $reason_added, run.embedding = $embedding,
				run.run_tree = $run_tree, run.created_at = $created_at,
				run.status = $status, run.superseded_by = $superseded_by`
		if _, err := tx.Run(ctx, createRun, map[string]any{
			"id": r.ID, "agent_id": r.AgentID, "user_id": r.UserID, "summary": r.Summary,
			"reason_added": toStringList(r.ReasonAdded), "embedding": toFloatList(r.Embedding),
			"run_tree": r.RunTreeJSON, "created_at": r.CreatedAt.UTC().Format(time.RFC3339Nano),
			"status": string(r.Status), "superseded_by": r.SupersededBy,
		}); err != nil {
			return nil, fmt.Errorf("create run: %w", err)
		}

		if opts.TaskID != "" {
			if _, err := tx.Run(ctx, `MATCH (t:Task {id: $task}), (run:Run {id: $run}) MERGE (t)-[:TRIGGERED]->(run)`,
				map[string]any{"task": opts.TaskID, "run": r.ID}); err != nil {
				return nil, fmt.Errorf("link triggered: %w", err)
			}
		}
		if _, err := tx.Run(ctx, `MATCH (a:Agent {id: $agent}), (run:Run {id: $run}) MERGE (a)-[:EXECUTED]->(run)`,
			map[string]any{"agent": r.AgentID, "run": r.ID}); err != nil {
			return nil, fmt.Errorf("link executed: %w", err)
		}
		for _, refID := range opts.ReferenceIDs {
			if _, err := tx.Run(ctx, `MATCH (run:Run {id: $run}), (ref:Reference {id: $ref}) MERGE (run)-[:READS]->(ref)`,
				map[string]any{"run": r.ID, "ref": refID}); err != nil {
				return nil, fmt.Errorf("link reads: %w", err)
			}
		}
		for _, artID := range opts.ArtifactIDs {
			if _, err := tx.Run(ctx, `MATCH (run:Run {id: $run}), (art:Artifact {id: $art}) MERGE (run)-[:WRITES]->(art)`,
				map[string]any{"run": r.ID, "art": artID}); err != nil {
				return nil, fmt.Errorf("link writes: %w", err)
			}
		}
		if opts.OutcomeLabel != "" {
			if _, err := tx.Run(ctx, `MATCH (run:Run {id: $run}), (o:Outcome {label: $label}) MERGE (run)-[:ENDED_WITH]->(o)`,
				map[string]any{"run": r.ID, "label": opts.OutcomeLabel}); err != nil {
				return nil, fmt.Errorf("link ended_with: %w", err)
			}
		}

		if opts.SupersedeTargetID != "" {
			if _, err := tx.Run(ctx, `MATCH (target:Run {id: $target})
				SET target.status = $status, target.superseded_by = $by`,
				map[string]any{"target": opts.SupersedeTargetID, "status": string(RunSuperseded), "by": r.ID}); err != nil {
				return nil, fmt.Errorf("mark superseded: %w", err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("graph: commit run: %w", err)
	}
	return nil
}

// RunExists reports whether a Run with the given id has been committed,
// via the teacher-derived generic repository (pkg/repo.Neo4jRepo) instead
// of a hand-written session — used to validate a REPLACE decision's
// target before CommitRun marks it superseded (status and superseded_by).
func (g *GraphStore) RunExists(ctx context.Context, id string) (bool, error) {
	// Neo4jRepo.Get's "not found" and any underlying driver failure both
	// surface as a plain error; either way the target can't be superseded,
	// so both collapse to false here rather than a separate error return.
	_, err := newRunRepo(g.driver).Get(ctx, id)
	return err == nil, nil
}

// UpsertDecision persists a MemoryDecision, overwritten by run_id on
// re-evaluation (spec §7 idempotence).
func (g *GraphStore) UpsertDecision(ctx context.Context, d MemoryDecision) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	cypher := `MERGE (d:MemoryDecision {run_id: $run_id})
		SET d.decision = $decision, d.target_run_id = $target_run_id, d.reason = $reason,
			d.similarity_score = $similarity_score, d.timestamp = $timestamp`
	var sim any
	if d.SimilarityScore != nil {
		sim = *d.SimilarityScore
	}
	_, err := sess.Run(ctx, cypher, map[string]any{
		"run_id": d.RunID, "decision": d.Decision, "target_run_id": d.TargetRunID,
		"reason": d.Reason, "similarity_score": sim, "timestamp": d.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	return err
}

// CandidateRuns implements spec §4.4's partition rule: exactly one of three
// traversals depending on which of (userID, agentID) is present. Only Runs
// with status active (or null) and a non-null embedding are returned.
func (g *GraphStore) CandidateRuns(ctx context.Context, p PartitionFilter) ([]RunCandidate, error) {
	sess := g.session(ctx)
	defer sess.Close(ctx)

	var cypher string
	params := map[string]any{}
	switch {
	case p.UserID != "" && p.AgentID != "":
		cypher = `MATCH (u:User {id: $user})-[:HAS_AGENT]->(a:Agent {id: $agent})-[:EXECUTED]->(run:Run)`
		params["user"], params["agent"] = p.UserID, p.AgentID
	case p.AgentID != "":
		cypher = `MATCH (a:Agent {id: $agent})-[:EXECUTED]->(run:Run)`
		params["agent"] = p.AgentID
	default:
		cypher = `MATCH (run:Run)`
	}
	cypher += `
		WHERE (run.status = $active OR run.status IS NULL) AND run.embedding IS NOT NULL
		OPTIONAL MATCH (run)-[:ENDED_WITH]->(o:Outcome)
		OPTIONAL MATCH (run)-[:READS]->(ref:Reference)
		OPTIONAL MATCH (run)-[:WRITES]->(art:Artifact)
		RETURN run.id AS id, run.embedding AS embedding, o.label AS outcome,
			collect(DISTINCT ref.type) AS ref_types, collect(DISTINCT art.type) AS art_types`
	params["active"] = string(RunActive)

	result, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	var out []RunCandidate
	for result.Next(ctx) {
		rec := result.Record()
		id, _ := neo4j.GetRecordValue[string](rec, "id")
		embAny, _ := rec.Get("embedding")
		outcome, _ := neo4j.GetRecordValue[string](rec, "outcome")
		refTypesAny, _ := rec.Get("ref_types")
		artTypesAny, _ := rec.Get("art_types")
		out = append(out, RunCandidate{
			ID: id, Embedding: fromFloatList(embAny), Outcome: outcome,
			RefTypes: fromStringListAny(refTypesAny), ArtTypes: fromStringListAny(artTypesAny),
		})
	}
	return out, result.Err()
}

// RunNeighborhood reads a Run's full context in one call: its fields, its
// References, its Artifacts, and its Outcome (spec §4.6).
func (g *GraphStore) RunNeighborhood(ctx context.Context, runID string) (RunDetail, error) {
	sess := g.session(ctx)
	defer sess.Close(ctx)

	cypher := `MATCH (run:Run {id: $id})
		OPTIONAL MATCH (t:Task)-[:TRIGGERED]->(run)
		OPTIONAL MATCH (run)-[:ENDED_WITH]->(o:Outcome)
		OPTIONAL MATCH (run)-[:READS]->(ref:Reference)
		OPTIONAL MATCH (run)-[:WRITES]->(art:Artifact)
		RETURN run, t.text AS task_text, o.label AS outcome,
			collect(DISTINCT ref) AS refs, collect(DISTINCT art) AS arts`
	result, err := sess.Run(ctx, cypher, map[string]any{"id": runID})
	if err != nil {
		return RunDetail{}, err
	}
	if !result.Next(ctx) {
		return RunDetail{}, fmt.Errorf("run %s not found", runID)
	}
	rec := result.Record()
	runNode, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "run")
	if err != nil {
		return RunDetail{}, err
	}
	taskText, _ := neo4j.GetRecordValue[string](rec, "task_text")
	outcome, _ := neo4j.GetRecordValue[string](rec, "outcome")
	refsAny, _ := rec.Get("refs")
	artsAny, _ := rec.Get("arts")

	detail := RunDetail{
		Run:        runFromNode(runNode),
		TaskText:   taskText,
		Outcome:    outcome,
		References: referencesFromNodes(refsAny),
		Artifacts:  artifactsFromNodes(artsAny),
	}
	return detail, nil
}

// RetrieveAllRuns returns all Runs in the partition, ordered by created_at
// descending, each fully expanded, optionally bounded by limit (spec §4.6).
func (g *GraphStore) RetrieveAllRuns(ctx context.Context, p PartitionFilter, limit int) ([]RunDetail, error) {
	sess := g.session(ctx)
	defer sess.Close(ctx)

	var cypher string
	params := map[string]any{}
	switch {
	case p.UserID != "" && p.AgentID != "":
		cypher = `MATCH (u:User {id: $user})-[:HAS_AGENT]->(a:Agent {id: $agent})-[:EXECUTED]->(run:Run)`
		params["user"], params["agent"] = p.UserID, p.AgentID
	case p.AgentID != "":
		cypher = `MATCH (a:Agent {id: $agent})-[:EXECUTED]->(run:Run)`
		params["agent"] = p.AgentID
	case p.UserID != "":
		cypher = `MATCH (u:User {id: $user})-[:HAS_AGENT]->(:Agent)-[:EXECUTED]->(run:Run)`
		params["user"] = p.UserID
	default:
		cypher = `MATCH (run:Run)`
	}
	cypher += `
		OPTIONAL MATCH (t:Task)-[:TRIGGERED]->(run)
		OPTIONAL MATCH (run)-[:ENDED_WITH]->(o:Outcome)
		OPTIONAL MATCH (run)-[:READS]->(ref:Reference)
		OPTIONAL MATCH (run)-[:WRITES]->(art:Artifact)
		RETURN run, t.text AS task_text, o.label AS outcome,
			collect(DISTINCT ref) AS refs, collect(DISTINCT art) AS arts
		ORDER BY run.created_at DESC`
	if limit > 0 {
		cypher += " LIMIT $limit"
		params["limit"] = limit
	}

	result, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	var out []RunDetail
	for result.Next(ctx) {
		rec := result.Record()
		runNode, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "run")
		if err != nil {
			continue
		}
		taskText, _ := neo4j.GetRecordValue[string](rec, "task_text")
		outcome, _ := neo4j.GetRecordValue[string](rec, "outcome")
		refsAny, _ := rec.Get("refs")
		artsAny, _ := rec.Get("arts")
		out = append(out, RunDetail{
			Run: runFromNode(runNode), TaskText: taskText, Outcome: outcome,
			References: referencesFromNodes(refsAny), Artifacts: artifactsFromNodes(artsAny),
		})
	}
	return out, result.Err()
}

// NodeCounts returns the count of nodes per label (spec §6's /stats).
func (g *GraphStore) NodeCounts(ctx context.Context) (map[string]int64, error) {
	sess := g.session(ctx)
	defer sess.Close(ctx)

	labels := []string{"User", "Agent", "Task", "Run", "Reference", "Artifact", "Outcome"}
	counts := make(map[string]int64, len(labels))
	for _, label := range labels {
		cypher := fmt.Sprintf("MATCH (n:%s) RETURN count(n) AS count", label)
		result, err := sess.Run(ctx, cypher, nil)
		if err != nil {
			return nil, err
		}
		if result.Next(ctx) {
			c, _ := neo4j.GetRecordValue[int64](result.Record(), "count")
			counts[label] = c
		}
	}
	return counts, nil
}

// RelationshipCounts returns the count of relationships per type.
func (g *GraphStore) RelationshipCounts(ctx context.Context) (map[string]int64, error) {
	sess := g.session(ctx)
	defer sess.Close(ctx)

	cypher := `MATCH ()-[r]->() RETURN type(r) AS type, count(r) AS count`
	result, err := sess.Run(ctx, cypher, nil)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64)
	for result.Next(ctx) {
		rec := result.Record()
		t, _ := neo4j.GetRecordValue[string](rec, "type")
		c, _ := neo4j.GetRecordValue[int64](rec, "count")
		counts[t] = c
	}
	return counts, result.Err()
}

// textPropertyByLabel names the property each embedding-bearing label
// re-embeds from when its stored vector has the wrong dimensionality.
var textPropertyByLabel = map[string]string{
	"Task":      "text",
	"Run":       "summary",
	"Reference": "source_ref",
	"Artifact":  "hash",
}

// RescanDimensionMismatches returns the nodes whose embedding length
// disagrees with want, across every embedding-bearing label — used by
// cmd/fixembeddings (SPEC_FULL.md §C.6).
func (g *GraphStore) RescanDimensionMismatches(ctx context.Context, want int) ([]EmbeddingCandidate, error) {
	sess := g.session(ctx)
	defer sess.Close(ctx)

	var out []EmbeddingCandidate
	for label, textProp := range textPropertyByLabel {
		cypher := fmt.Sprintf(
			`MATCH (n:%s) WHERE n.embedding IS NOT NULL AND size(n.embedding) <> $want RETURN n.id AS id, n.%s AS text`,
			label, textProp)
		result, err := sess.Run(ctx, cypher, map[string]any{"want": want})
		if err != nil {
			return nil, err
		}
		for result.Next(ctx) {
			rec := result.Record()
			id, _ := neo4j.GetRecordValue[string](rec, "id")
			text, _ := neo4j.GetRecordValue[string](rec, "text")
			out = append(out, EmbeddingCandidate{ID: id, Label: label, Text: text})
		}
		if err := result.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateEmbedding overwrites a single node's embedding vector in place,
// used by cmd/fixembeddings after re-embedding a dimension-mismatched node.
func (g *GraphStore) UpdateEmbedding(ctx context.Context, label, id string, embedding []float32) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	cypher := fmt.Sprintf(`MATCH (n:%s {id: $id}) SET n.embedding = $embedding`, label)
	_, err := sess.Run(ctx, cypher, map[string]any{"id": id, "embedding": embedding})
	return err
}

// Clear deletes every node and relationship. Destructive; used only by
// cmd/clear.
func (g *GraphStore) Clear(ctx context.Context) error {
	sess := g.session(ctx)
	defer sess.Close(ctx)
	_, err := sess.Run(ctx, `MATCH (n) DETACH DELETE n`, nil)
	return err
}
