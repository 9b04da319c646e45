// Package qdrant provides a vector index backed by a Qdrant collection over gRPC.
package qdrant

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	qdrant "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"ragdocs/internal/domain"
	"ragdocs/internal/vectorstore"
)

// pointNamespace derives stable point ids from chunk ids.
var pointNamespace = uuid.MustParse("6f1c0a8e-4b8d-5c1e-9a57-3f0d2b7c9e41")

// Payload keys.
const (
	keyDocumentID = "document_id"
	keyChunkID    = "chunk_id"
	keyIndex      = "index"
	keyStart      = "start"
	keyEnd        = "end"
	keyText       = "text"
	keySeq        = "seq"
)

// Config contains connection details for a Qdrant collection.
type Config struct {
	Addr       string // gRPC address, host:6334
	APIKey     string
	Collection string
	// Dimension creates the collection eagerly. Zero defers creation to the
	// first insert.
	Dimension int
	Timeout   time.Duration
}

// Index implements vectorstore.Index on a Qdrant collection with cosine distance.
type Index struct {
	conn        *grpc.ClientConn
	points      qdrant.PointsClient
	collections qdrant.CollectionsClient
	collection  string
	timeout     time.Duration

	mu        sync.Mutex // serializes writers
	dimension int
	seq       atomic.Uint64
}

// New connects to Qdrant and ensures the collection exists when the
// dimension is known.
func New(ctx context.Context, cfg Config) (*Index, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6334"
	}
	if cfg.Collection == "" {
		cfg.Collection = "ragdocs_chunks"
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if cfg.APIKey != "" {
		key := cfg.APIKey
		opts = append(opts, grpc.WithUnaryInterceptor(func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
			return invoker(metadata.AppendToOutgoingContext(ctx, "api-key", key), method, req, reply, cc, callOpts...)
		}))
	}
	conn, err := grpc.NewClient(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("could not connect to Qdrant: %w", err)
	}
	idx := NewWithClients(qdrant.NewPointsClient(conn), qdrant.NewCollectionsClient(conn), cfg)
	idx.conn = conn
	if cfg.Dimension > 0 {
		idx.mu.Lock()
		err := idx.ensureCollection(ctx, cfg.Dimension)
		idx.mu.Unlock()
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return idx, nil
}

// NewWithClients builds an index on existing gRPC clients.
func NewWithClients(points qdrant.PointsClient, collections qdrant.CollectionsClient, cfg Config) *Index {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	idx := &Index{
		points:      points,
		collections: collections,
		collection:  cfg.Collection,
		timeout:     timeout,
	}
	// Sequence numbers only need to grow across restarts.
	idx.seq.Store(uint64(time.Now().UnixNano()))
	return idx
}

// ensureCollection creates the collection if it is missing. Callers hold x.mu.
func (x *Index) ensureCollection(ctx context.Context, dim int) error {
	if x.dimension != 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	info, err := x.collections.Get(ctx, &qdrant.GetCollectionInfoRequest{CollectionName: x.collection})
	if err == nil {
		if size := info.GetResult().GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize(); size > 0 {
			x.dimension = int(size)
			return nil
		}
		x.dimension = dim
		return nil
	}
	if status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to get collection %s: %w", x.collection, err)
	}
	_, err = x.collections.Create(ctx, &qdrant.CreateCollection{
		CollectionName: x.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", x.collection, err)
	}
	x.dimension = dim
	return nil
}

// PointID returns the Qdrant point id for a chunk.
func PointID(chunkID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(chunkID)).String()
}

// Insert upserts entries in one request. Zero-norm vectors are not stored
// since they can never match. A failed upsert deletes the batch's points.
func (x *Index) Insert(ctx context.Context, entries []domain.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	docID := entries[0].DocumentID
	wrap := func(err error) error {
		return &domain.IndexWriteError{Op: "insert", DocumentID: docID, Err: err}
	}
	dim := x.dimension
	if dim == 0 {
		dim = len(entries[0].Vector)
	}
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		switch {
		case e.ChunkID == "":
			return wrap(errors.New("entry without chunk id"))
		case len(e.Vector) == 0:
			return wrap(fmt.Errorf("chunk %s has an empty vector", e.ChunkID))
		case len(e.Vector) != dim:
			return wrap(fmt.Errorf("chunk %s has dimension %d, index has %d", e.ChunkID, len(e.Vector), dim))
		}
		if _, dup := seen[e.ChunkID]; dup {
			return wrap(fmt.Errorf("duplicate chunk id %s in batch", e.ChunkID))
		}
		seen[e.ChunkID] = struct{}{}
	}
	if err := x.ensureCollection(ctx, dim); err != nil {
		return wrap(err)
	}

	points := make([]*qdrant.PointStruct, 0, len(entries))
	ids := make([]*qdrant.PointId, 0, len(entries))
	for _, e := range entries {
		if vectorstore.Norm(e.Vector) == 0 {
			continue
		}
		id := &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: PointID(e.ChunkID)}}
		ids = append(ids, id)
		points = append(points, &qdrant.PointStruct{
			Id:      id,
			Vectors: &qdrant.Vectors{VectorsOptions: &qdrant.Vectors_Vector{Vector: &qdrant.Vector{Data: e.Vector}}},
			Payload: payload(e, x.seq.Add(1)),
		})
	}
	if len(points) == 0 {
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()
	_, err := x.points.Upsert(cctx, &qdrant.UpsertPoints{
		CollectionName: x.collection,
		Points:         points,
		Wait:           proto.Bool(true),
	})
	if err != nil {
		// Compensate in case the server applied part of the batch.
		dctx, dcancel := context.WithTimeout(context.Background(), x.timeout)
		defer dcancel()
		_, _ = x.points.Delete(dctx, &qdrant.DeletePoints{
			CollectionName: x.collection,
			Wait:           proto.Bool(true),
			Points: &qdrant.PointsSelector{PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: ids},
			}},
		})
		return wrap(fmt.Errorf("failed to upsert points to Qdrant: %w", err))
	}
	return nil
}

func payload(e domain.IndexEntry, seq uint64) map[string]*qdrant.Value {
	str := func(s string) *qdrant.Value { return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}} }
	num := func(n int64) *qdrant.Value { return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: n}} }
	return map[string]*qdrant.Value{
		keyDocumentID: str(e.DocumentID),
		keyChunkID:    str(e.ChunkID),
		keyIndex:      num(int64(e.Chunk.Index)),
		keyStart:      num(int64(e.Chunk.Span.Start)),
		keyEnd:        num(int64(e.Chunk.Span.End)),
		keyText:       str(e.Chunk.Text),
		keySeq:        num(int64(seq & math.MaxInt64)),
	}
}

// Search queries the collection and reorders hits so equal scores favor
// earlier insertion.
func (x *Index) Search(ctx context.Context, vector []float32, k int) ([]domain.Hit, error) {
	if k <= 0 || vectorstore.Norm(vector) == 0 {
		return []domain.Hit{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	resp, err := x.points.Search(ctx, &qdrant.SearchPoints{
		CollectionName: x.collection,
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload:    &qdrant.WithPayloadSelector{SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return []domain.Hit{}, nil
		}
		return nil, fmt.Errorf("failed to search points in Qdrant: %w", err)
	}

	hits := make([]domain.Hit, 0, len(resp.GetResult()))
	for _, sp := range resp.GetResult() {
		p := sp.GetPayload()
		if p == nil || math.IsNaN(float64(sp.GetScore())) {
			continue
		}
		chunk := domain.Chunk{
			ID:         p[keyChunkID].GetStringValue(),
			DocumentID: p[keyDocumentID].GetStringValue(),
			Index:      int(p[keyIndex].GetIntegerValue()),
			Span:       domain.Span{Start: int(p[keyStart].GetIntegerValue()), End: int(p[keyEnd].GetIntegerValue())},
			Text:       p[keyText].GetStringValue(),
		}
		hits = append(hits, domain.Hit{
			Entry:      domain.IndexEntry{ChunkID: chunk.ID, DocumentID: chunk.DocumentID, Chunk: chunk},
			Similarity: float64(sp.GetScore()),
			Seq:        uint64(p[keySeq].GetIntegerValue()),
		})
	}
	vectorstore.SortHits(hits)
	return hits, nil
}

func documentFilter(documentID string) *qdrant.Filter {
	return &qdrant.Filter{Must: []*qdrant.Condition{{
		ConditionOneOf: &qdrant.Condition_Field{Field: &qdrant.FieldCondition{
			Key:   keyDocumentID,
			Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: documentID}},
		}},
	}}}
}

// Remove deletes every point of a document.
func (x *Index) Remove(ctx context.Context, documentID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	_, err := x.points.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: x.collection,
		Wait:           proto.Bool(true),
		Points:         &qdrant.PointsSelector{PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: documentFilter(documentID)}},
	})
	if err != nil && status.Code(err) != codes.NotFound {
		return &domain.IndexWriteError{Op: "remove", DocumentID: documentID, Err: err}
	}
	return nil
}

// Count returns the number of points of a document, or of the collection.
func (x *Index) Count(ctx context.Context, documentID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()
	req := &qdrant.CountPoints{CollectionName: x.collection, Exact: proto.Bool(true)}
	if documentID != "" {
		req.Filter = documentFilter(documentID)
	}
	resp, err := x.points.Count(ctx, req)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count points in Qdrant: %w", err)
	}
	return int(resp.GetResult().GetCount()), nil
}

// Close closes the underlying connection.
func (x *Index) Close() error {
	if x.conn == nil {
		return nil
	}
	return x.conn.Close()
}
