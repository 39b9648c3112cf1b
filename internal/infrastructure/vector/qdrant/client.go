package qdrant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/qdrant/go-client/qdrant"

	"github.com/kirillkom/passage-retrieval/internal/core/domain"
	"github.com/kirillkom/passage-retrieval/internal/infrastructure/resilience"
)

const (
	defaultGRPCPort = 6334

	payloadDocID      = "doc_id"
	payloadChunkIndex = "chunk_index"
	payloadText       = "text"
	payloadGeneration = "generation"
	payloadMetadata   = "metadata_json"
)

type Config struct {
	// URL of the gRPC endpoint, e.g. http://qdrant:6334.
	URL        string
	APIKey     string
	Collection string
	Dimension  int

	ResilienceExecutor *resilience.Executor
}

// Index is the similarity index stored in a Qdrant collection with cosine distance.
type Index struct {
	client     *qdrant.Client
	collection string
	dimension  int
	executor   *resilience.Executor

	ensureMu sync.Mutex
	ensured  bool
}

func New(cfg Config) (*Index, error) {
	if strings.TrimSpace(cfg.Collection) == "" {
		return nil, fmt.Errorf("qdrant collection is required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("qdrant vector dimension must be positive")
	}
	host, port, useTLS, err := parseEndpoint(cfg.URL)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &Index{
		client:     client,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
		executor:   cfg.ResilienceExecutor,
	}, nil
}

func (i *Index) Close() error {
	return i.client.Close()
}

func (i *Index) Ping(ctx context.Context) error {
	_, err := i.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("qdrant health check: %w", err)
	}
	return nil
}

// EnsureCollection creates the collection and its doc_id payload index once.
func (i *Index) EnsureCollection(ctx context.Context) error {
	i.ensureMu.Lock()
	defer i.ensureMu.Unlock()
	if i.ensured {
		return nil
	}

	err := i.execute(ctx, "qdrant.ensure_collection", func(callCtx context.Context) error {
		exists, err := i.client.CollectionExists(callCtx, i.collection)
		if err != nil {
			return fmt.Errorf("qdrant collection exists: %w", err)
		}
		if exists {
			return nil
		}
		err = i.client.CreateCollection(callCtx, &qdrant.CreateCollection{
			CollectionName: i.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(i.dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("qdrant create collection: %w", err)
		}
		wait := true
		_, err = i.client.CreateFieldIndex(callCtx, &qdrant.CreateFieldIndexCollection{
			CollectionName: i.collection,
			Wait:           &wait,
			FieldName:      payloadDocID,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if err != nil {
			return fmt.Errorf("qdrant create doc_id index: %w", err)
		}
		return nil
	})
	if err != nil {
		return wrapTemporaryIfNeeded("qdrant ensure collection", err)
	}
	i.ensured = true
	return nil
}

func (i *Index) Upsert(ctx context.Context, passages []domain.IndexedPassage) error {
	if len(passages) == 0 {
		return nil
	}
	if err := i.EnsureCollection(ctx); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, 0, len(passages))
	for _, p := range passages {
		if len(p.Vector) != i.dimension {
			return domain.WrapError(domain.ErrDimensionMismatch, "qdrant upsert",
				fmt.Errorf("passage %s/%d has %d values, want %d", p.DocID, p.ChunkIndex, len(p.Vector), i.dimension))
		}
		payload, err := buildPayload(p)
		if err != nil {
			return err
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(domain.PointID(p.DocID, p.ChunkIndex)),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: payload,
		})
	}

	wait := true
	err := i.execute(ctx, "qdrant.upsert", func(callCtx context.Context) error {
		_, err := i.client.Upsert(callCtx, &qdrant.UpsertPoints{
			CollectionName: i.collection,
			Wait:           &wait,
			Points:         points,
		})
		return err
	})
	if err != nil {
		return wrapTemporaryIfNeeded("qdrant upsert", err)
	}
	return nil
}

func (i *Index) Search(ctx context.Context, vector domain.Embedding, k int) ([]domain.Candidate, error) {
	if k <= 0 {
		return nil, nil
	}
	if err := i.EnsureCollection(ctx); err != nil {
		return nil, err
	}

	limit := uint64(k)
	points, err := resilience.Call(ctx, i.executor, "qdrant.query", func(callCtx context.Context) ([]*qdrant.ScoredPoint, error) {
		return i.client.Query(callCtx, &qdrant.QueryPoints{
			CollectionName: i.collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          &limit,
			WithPayload:    qdrant.NewWithPayload(true),
		})
	}, classifyQdrantError)
	if err != nil {
		return nil, wrapTemporaryIfNeeded("qdrant query", err)
	}

	out := make([]domain.Candidate, 0, len(points))
	for _, point := range points {
		out = append(out, candidateFromPoint(point))
	}
	return out, nil
}

// DeleteDocument removes every point of the document, across generations.
func (i *Index) DeleteDocument(ctx context.Context, docID string) error {
	if err := i.EnsureCollection(ctx); err != nil {
		return err
	}
	wait := true
	err := i.execute(ctx, "qdrant.delete", func(callCtx context.Context) error {
		_, err := i.client.Delete(callCtx, &qdrant.DeletePoints{
			CollectionName: i.collection,
			Wait:           &wait,
			Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
				Must: []*qdrant.Condition{qdrant.NewMatch(payloadDocID, docID)},
			}),
		})
		return err
	})
	if err != nil {
		return wrapTemporaryIfNeeded("qdrant delete", err)
	}
	return nil
}

// DeleteOlderGenerations drops the document's points whose generation is
// below keep. Points of keep or later generations are never touched, so a
// late event of an old generation cannot erase a newer one.
func (i *Index) DeleteOlderGenerations(ctx context.Context, docID string, keep int) error {
	if err := i.EnsureCollection(ctx); err != nil {
		return err
	}
	wait := true
	err := i.execute(ctx, "qdrant.delete_stale", func(callCtx context.Context) error {
		_, err := i.client.Delete(callCtx, &qdrant.DeletePoints{
			CollectionName: i.collection,
			Wait:           &wait,
			Points:         qdrant.NewPointsSelectorFilter(olderGenerationsFilter(docID, keep)),
		})
		return err
	})
	if err != nil {
		return wrapTemporaryIfNeeded("qdrant delete stale", err)
	}
	return nil
}

func olderGenerationsFilter(docID string, keep int) *qdrant.Filter {
	below := float64(keep)
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch(payloadDocID, docID),
			qdrant.NewRange(payloadGeneration, &qdrant.Range{Lt: &below}),
		},
	}
}

func (i *Index) Info(ctx context.Context) (domain.IndexInfo, error) {
	if err := i.EnsureCollection(ctx); err != nil {
		return domain.IndexInfo{}, err
	}
	exact := true
	count, err := resilience.Call(ctx, i.executor, "qdrant.count", func(callCtx context.Context) (uint64, error) {
		return i.client.Count(callCtx, &qdrant.CountPoints{
			CollectionName: i.collection,
			Exact:          &exact,
		})
	}, classifyQdrantError)
	if err != nil {
		return domain.IndexInfo{}, wrapTemporaryIfNeeded("qdrant count", err)
	}
	return domain.IndexInfo{
		Collection: i.collection,
		Dimension:  i.dimension,
		Points:     count,
	}, nil
}

func (i *Index) execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	if i.executor == nil {
		return fn(ctx)
	}
	return i.executor.Execute(ctx, operation, fn, classifyQdrantError)
}

func buildPayload(p domain.IndexedPassage) (map[string]*qdrant.Value, error) {
	fields := map[string]any{
		payloadDocID:      p.DocID,
		payloadChunkIndex: int64(p.ChunkIndex),
		payloadText:       p.Text,
		payloadGeneration: int64(p.Generation),
	}
	if len(p.Metadata) > 0 {
		raw, err := json.Marshal(p.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode passage metadata: %w", err)
		}
		fields[payloadMetadata] = string(raw)
	}
	payload, err := qdrant.TryValueMap(fields)
	if err != nil {
		return nil, fmt.Errorf("build qdrant payload: %w", err)
	}
	return payload, nil
}

func candidateFromPoint(point *qdrant.ScoredPoint) domain.Candidate {
	c := domain.Candidate{Score: float64(point.GetScore())}
	if id := point.GetId(); id != nil {
		if u := id.GetUuid(); u != "" {
			c.ID = u
		} else {
			c.ID = strconv.FormatUint(id.GetNum(), 10)
		}
	}
	payload := point.GetPayload()
	c.DocID = payload[payloadDocID].GetStringValue()
	c.ChunkIndex = int(payload[payloadChunkIndex].GetIntegerValue())
	c.Text = payload[payloadText].GetStringValue()
	if raw := payload[payloadMetadata].GetStringValue(); raw != "" {
		var meta domain.Metadata
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			slog.Warn("qdrant_metadata_decode_failed", "point_id", c.ID, "error", err)
		} else {
			c.Metadata = meta
		}
	}
	return c
}

func parseEndpoint(raw string) (string, int, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0, false, fmt.Errorf("qdrant url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, false, fmt.Errorf("parse qdrant url: %w", err)
	}
	if u.Hostname() == "" {
		return "", 0, false, fmt.Errorf("qdrant url %q has no host", raw)
	}
	port := defaultGRPCPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", 0, false, fmt.Errorf("invalid qdrant port: %w", err)
		}
	}
	return u.Hostname(), port, u.Scheme == "https", nil
}
