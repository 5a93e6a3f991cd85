// Package extract mines references and artifacts from a run tree (spec
// §4.3): a structured-steps path first, falling back to a generic traversal
// when the tree carries no recognized "steps" shape.
package extract

import (
	"context"
	"sort"
	"strings"

	"github.com/rishit2121/agentkb/engine/domain"
	"github.com/rishit2121/agentkb/engine/embed"
)

var referenceVocab = map[string]domain.ReferenceType{
	"schema":       domain.RefSchema,
	"document":     domain.RefDocument,
	"api_response": domain.RefAPIResp,
	"prior_run":    domain.RefPriorRun,
}

var artifactVocab = map[string]domain.ArtifactType{
	"schema": domain.ArtSchema,
	"plan":   domain.ArtPlan,
	"report": domain.ArtReport,
	"code":   domain.ArtCode,
}

// Extractor mines References and Artifacts from a run tree, embedding each
// extracted item per spec §4.3.
type Extractor struct {
	embedder embed.Embedder
}

// New creates an Extractor backed by embedder.
func New(embedder embed.Embedder) *Extractor {
	return &Extractor{embedder: embedder}
}

// Extract returns the run tree's References and Artifacts, deduplicated by
// id, each carrying its embedding.
func (x *Extractor) Extract(ctx context.Context, tree domain.Tree) ([]domain.Reference, []domain.Artifact, error) {
	refs, arts := extractFromSteps(tree)
	if len(refs) == 0 && len(arts) == 0 {
		refs, arts = extractFallback(tree)
	}

	refs = dedupeReferences(refs)
	arts = dedupeArtifacts(arts)

	for i := range refs {
		content, err := canonicalJSON(refContentForEmbedding(refs[i]))
		if err != nil {
			return nil, nil, err
		}
		vec, err := embed.EmbedValidated(ctx, x.embedder, content)
		if err != nil {
			return nil, nil, err
		}
		refs[i].Embedding = vec
	}
	for i := range arts {
		content, err := canonicalJSON(artContentForEmbedding(arts[i]))
		if err != nil {
			return nil, nil, err
		}
		vec, err := embed.EmbedValidated(ctx, x.embedder, content)
		if err != nil {
			return nil, nil, err
		}
		arts[i].Embedding = vec
	}
	return refs, arts, nil
}

// refContentForEmbedding and artContentForEmbedding build the content each
// item is embedded from: canonical JSON of a reference's source_ref and type,
// or of an artifact's hash and type. This is not the content the item's id
// was hashed from, which the structs do not keep.
type refContent struct {
	SourceRef string `json:"source_ref"`
	Type      string `json:"type"`
}

func refContentForEmbedding(r domain.Reference) refContent {
	return refContent{SourceRef: r.SourceRef, Type: string(r.Type)}
}

type artContent struct {
	Hash string `json:"hash"`
	Type string `json:"type"`
}

func artContentForEmbedding(a domain.Artifact) artContent {
	return artContent{Hash: a.Hash, Type: string(a.Type)}
}

func stepString(step map[string]any, key string) string {
	s, _ := step[key].(string)
	return s
}

// extractFromSteps implements spec §4.3 rule 1: the structured-steps path.
func extractFromSteps(tree domain.Tree) ([]domain.Reference, []domain.Artifact) {
	stepsAny, ok := tree["steps"]
	if !ok {
		return nil, nil
	}
	steps, ok := stepsAny.([]any)
	if !ok {
		return nil, nil
	}

	var refs []domain.Reference
	var arts []domain.Artifact

	for _, stepAny := range steps {
		step, ok := stepAny.(map[string]any)
		if !ok {
			continue
		}
		stepID := stepString(step, "step_id")
		if stepID == "" {
			stepID = "unknown"
		}

		if input, ok := step["step_input"].(map[string]any); ok {
			if ctxObj, ok := input["context"].(map[string]any); ok {
				if emailData, ok := ctxObj["emailData"]; ok {
					content, _ := canonicalJSON(emailData)
					refs = append(refs, domain.Reference{
						ID:        contentID("ref", content),
						Type:      domain.RefAPIResp,
						SourceRef: "step_" + stepID + ".emailData",
					})
				}
			}
			if _, hasReply := input["reply"]; hasReply {
				content, _ := canonicalJSON(input)
				arts = append(arts, domain.Artifact{
					ID:   contentID("artifact", content),
					Type: domain.ArtReport,
					Hash: contentHash(content),
				})
			} else if _, hasSummary := input["summary"]; hasSummary {
				content, _ := canonicalJSON(input)
				arts = append(arts, domain.Artifact{
					ID:   contentID("artifact", content),
					Type: domain.ArtReport,
					Hash: contentHash(content),
				})
			}
		}

		if output, ok := step["step_output"].(map[string]any); ok {
			if data, ok := output["data"].(map[string]any); ok {
				_, hasID := data["id"]
				_, hasMessageID := data["messageId"]
				if hasID || hasMessageID {
					content, _ := canonicalJSON(data)
					refs = append(refs, domain.Reference{
						ID:        contentID("ref", content),
						Type:      domain.RefAPIResp,
						SourceRef: "step_" + stepID + ".output_data",
					})
				}

				if stepString(step, "step_type") == "llm_call" {
					content, _ := canonicalJSON(data)
					arts = append(arts, domain.Artifact{
						ID:   contentID("artifact", content),
						Type: artifactTypeFromStepName(stepString(step, "step_name")),
						Hash: contentHash(content),
					})
				}
			}
		}
	}

	return refs, arts
}

func artifactTypeFromStepName(name string) domain.ArtifactType {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "summary"):
		return domain.ArtReport
	case strings.Contains(lower, "reply"), strings.Contains(lower, "generate"):
		return domain.ArtCode
	case strings.Contains(lower, "reasoning"):
		return domain.ArtPlan
	default:
		return domain.ArtReport
	}
}

// extractFallback implements spec §4.3 rule 2: a generic traversal that
// skips the "steps" subtree (already handled, or absent).
func extractFallback(tree domain.Tree) ([]domain.Reference, []domain.Artifact) {
	var refs []domain.Reference
	var arts []domain.Artifact

	var traverse func(node any, path string)
	traverse = func(node any, path string) {
		switch v := node.(type) {
		case map[string]any:
			if t, ok := v["type"].(string); ok {
				content, _ := canonicalJSON(v)
				if refType, ok := referenceVocab[t]; ok {
					sourceRef := path
					if s, ok := v["source"].(string); ok && s != "" {
						sourceRef = s
					}
					refs = append(refs, domain.Reference{
						ID:        contentID("ref", content),
						Type:      refType,
						SourceRef: sourceRef,
					})
				}
				if artType, ok := artifactVocab[t]; ok {
					arts = append(arts, domain.Artifact{
						ID:   contentID("artifact", content),
						Type: artType,
						Hash: contentHash(content),
					})
				}
			}

			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				if k == "steps" {
					continue
				}
				sub := k
				if path != "" {
					sub = path + "." + k
				}
				traverse(v[k], sub)
			}
		case []any:
			for i, item := range v {
				traverse(item, path+"["+itoa(i)+"]")
			}
		}
	}
	traverse(tree, "")
	return refs, arts
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

func dedupeReferences(refs []domain.Reference) []domain.Reference {
	seen := make(map[string]bool, len(refs))
	out := make([]domain.Reference, 0, len(refs))
	for _, r := range refs {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return out
}

func dedupeArtifacts(arts []domain.Artifact) []domain.Artifact {
	seen := make(map[string]bool, len(arts))
	out := make([]domain.Artifact, 0, len(arts))
	for _, a := range arts {
		if seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		out = append(out, a)
	}
	return out
}
