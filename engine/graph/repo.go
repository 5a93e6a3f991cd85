package graph

import (
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
	"github.com/rishit2121/agentkb/pkg/repo"
)

// newTaskRepo creates a Neo4j-backed generic repository for Task nodes,
// reusing the teacher's repo.Neo4jRepo[T,ID] for simple get/create/update
// instead of hand-written session plumbing.
func newTaskRepo(driver neo4j.DriverWithContext) *repo.Neo4jRepo[Task, string] {
	return repo.NewNeo4jRepo[Task, string](driver, "Task", taskToMap, taskFromRecord)
}

func taskToMap(t Task) map[string]any {
	return map[string]any{"id": t.ID, "text": t.Text, "embedding": toFloatList(t.Embedding)}
}

func taskFromRecord(rec *neo4j.Record) (Task, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return Task{}, err
	}
	p := node.Props
	return Task{ID: propString(p, "id"), Text: propString(p, "text"), Embedding: fromFloatList(p["embedding"])}, nil
}

// newRunRepo creates a Neo4j-backed generic repository for Run nodes, used
// by GraphStore.RunExists to check a REPLACE decision's target.
func newRunRepo(driver neo4j.DriverWithContext) *repo.Neo4jRepo[Run, string] {
	return repo.NewNeo4jRepo[Run, string](driver, "Run", runToMap, runFromRecord)
}

func runToMap(r Run) map[string]any {
	return map[string]any{
		"id": r.ID, "agent_id": r.AgentID, "user_id": r.UserID, "summary": r.Summary,
		"reason_added": toStringList(r.ReasonAdded), "embedding": toFloatList(r.Embedding),
		"run_tree": r.RunTreeJSON, "created_at": r.CreatedAt.UTC().Format(time.RFC3339Nano),
		"status": string(r.Status), "superseded_by": r.SupersededBy,
	}
}

func runFromRecord(rec *neo4j.Record) (Run, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return Run{}, err
	}
	return runFromNode(node), nil
}

// toFloatList converts a []float32 embedding to the []any of float64 the
// Neo4j driver expects for a LIST<FLOAT> property. Nil stays nil so the
// property is omitted rather than stored as an empty list.
func toFloatList(v []float32) any {
	if v == nil {
		return nil
	}
	out := make([]any, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

// fromFloatList converts a driver-returned LIST<FLOAT> (itself []any of
// float64, or nil) back into []float32.
func fromFloatList(v any) []float32 {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float32, 0, len(list))
	for _, elem := range list {
		switch f := elem.(type) {
		case float64:
			out = append(out, float32(f))
		case float32:
			out = append(out, f)
		}
	}
	return out
}

func toStringList(v []string) any {
	if v == nil {
		return nil
	}
	out := make([]any, len(v))
	for i, s := range v {
		out[i] = s
	}
	return out
}

func fromStringListAny(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, elem := range list {
		if s, ok := elem.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func propString(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

// runFromNode reconstructs a Run from a dbtype.Node's properties.
func runFromNode(n dbtype.Node) Run {
	p := n.Props
	var createdAt time.Time
	if s := propString(p, "created_at"); s != "" {
		createdAt, _ = time.Parse(time.RFC3339Nano, s)
	}
	return Run{
		ID:           propString(p, "id"),
		AgentID:      propString(p, "agent_id"),
		UserID:       propString(p, "user_id"),
		Summary:      propString(p, "summary"),
		ReasonAdded:  fromStringListAny(p["reason_added"]),
		Embedding:    fromFloatList(p["embedding"]),
		RunTreeJSON:  propString(p, "run_tree"),
		CreatedAt:    createdAt,
		Status:       RunStatus(propString(p, "status")),
		SupersededBy: propString(p, "superseded_by"),
	}
}

func referenceFromNode(n dbtype.Node) Reference {
	p := n.Props
	return Reference{
		ID:        propString(p, "id"),
		Type:      propString(p, "type"),
		SourceRef: propString(p, "source_ref"),
		Embedding: fromFloatList(p["embedding"]),
	}
}

func artifactFromNode(n dbtype.Node) Artifact {
	p := n.Props
	return Artifact{
		ID:        propString(p, "id"),
		Type:      propString(p, "type"),
		Hash:      propString(p, "hash"),
		Embedding: fromFloatList(p["embedding"]),
	}
}

// referencesFromNodes converts a collect(DISTINCT ref) result, skipping the
// null entry OPTIONAL MATCH produces when a Run has no References.
func referencesFromNodes(v any) []Reference {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]Reference, 0, len(list))
	for _, elem := range list {
		if n, ok := elem.(dbtype.Node); ok {
			out = append(out, referenceFromNode(n))
		}
	}
	return out
}

func artifactsFromNodes(v any) []Artifact {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]Artifact, 0, len(list))
	for _, elem := range list {
		if n, ok := elem.(dbtype.Node); ok {
			out = append(out, artifactFromNode(n))
		}
	}
	return out
}
