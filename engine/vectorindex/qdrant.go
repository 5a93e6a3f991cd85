package vectorindex

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// pointNamespace derives a stable UUID from a domain id (e.g. "run_3f2a...")
// so it satisfies Qdrant's PointId_Uuid requirement; the original domain id
// travels in the point's payload under "domain_id" for recovery on search.
var pointNamespace = uuid.MustParse("6f2d9e1a-6b0e-4c0a-9b1e-9b6a1f2d3c4b")

func pointUUID(domainID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(domainID)).String()
}

// QdrantIndex is the sole owner of all Qdrant operations for one collection.
type QdrantIndex struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
}

// NewQdrantIndex dials Qdrant at addr and binds to collection.
func NewQdrantIndex(addr, collection string) (*QdrantIndex, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("vectorindex: dial qdrant %s: %w", addr, err)
	}
	return &QdrantIndex{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

func (q *QdrantIndex) Close() error { return q.conn.Close() }

// EnsureCollection creates the collection with cosine distance if it
// doesn't already exist.
func (q *QdrantIndex) EnsureCollection(ctx context.Context, dims int) error {
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("vectorindex: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == q.collection {
			return nil
		}
	}

	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorindex: create collection %s: %w", q.collection, err)
	}
	return nil
}

// Upsert stores points, keyed by a UUID derived from each point's domain id.
func (q *QdrantIndex) Upsert(ctx context.Context, pts []Point) error {
	if len(pts) == 0 {
		return nil
	}

	structs := make([]*pb.PointStruct, len(pts))
	for i, p := range pts {
		payload := make(map[string]*pb.Value, len(p.Payload)+1)
		payload["domain_id"] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: p.ID}}
		for k, v := range p.Payload {
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
		}
		structs[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: pointUUID(p.ID)}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Embedding}}},
			Payload: payload,
		}
	}

	wait := true
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("vectorindex: upsert %d points: %w", len(pts), err)
	}
	return nil
}

// Search returns the topK nearest points, restricted to filter if given.
func (q *QdrantIndex) Search(ctx context.Context, embedding []float32, topK int, filter map[string]string) ([]Match, error) {
	req := &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         embedding,
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}
	if len(filter) > 0 {
		must := make([]*pb.Condition, 0, len(filter))
		for k, v := range filter {
			must = append(must, &pb.Condition{
				ConditionOneOf: &pb.Condition_Field{
					Field: &pb.FieldCondition{Key: k, Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: v}}},
				},
			})
		}
		req.Filter = &pb.Filter{Must: must}
	}

	resp, err := q.points.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: search: %w", err)
	}

	out := make([]Match, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		domainID := r.GetId().GetUuid()
		if payload := r.GetPayload(); payload != nil {
			if v, ok := payload["domain_id"]; ok {
				domainID = v.GetStringValue()
			}
		}
		out[i] = Match{ID: domainID, Score: r.GetScore()}
	}
	return out, nil
}

// Delete removes points by domain id.
func (q *QdrantIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: pointUUID(id)}}
	}
	wait := true
	_, err := q.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{Points: &pb.PointsIdsList{Ids: pointIDs}},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorindex: delete %d points: %w", len(ids), err)
	}
	return nil
}

var _ Index = (*QdrantIndex)(nil)
