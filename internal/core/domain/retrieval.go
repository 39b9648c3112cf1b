package domain

import (
	"strconv"

	"github.com/google/uuid"
)

var pointNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("passage-retrieval/passages"))

// PointID is the stable index key of a passage. Re-delivering the same
// passage overwrites the same point.
func PointID(docID string, chunkIndex int) string {
	return uuid.NewSHA1(pointNamespace, []byte(docID+":"+strconv.Itoa(chunkIndex))).String()
}

type SearchQuery struct {
	Text            string
	TopK            int
	MinScore        float64
	IncludeMetadata bool
}

type SearchResult struct {
	DocID      string   `json:"doc_id"`
	ChunkIndex int      `json:"chunk_index"`
	Text       string   `json:"text"`
	Score      float64  `json:"score"`
	Metadata   Metadata `json:"metadata,omitempty"`
}

type SearchResponse struct {
	Query            string         `json:"query"`
	Results          []SearchResult `json:"results"`
	TotalResults     int            `json:"total_results"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
	Cached           bool           `json:"cached"`
}

// IndexedPassage is what the similarity index stores per point.
type IndexedPassage struct {
	EmbeddedPassage
	Generation int
	Metadata   Metadata
}

// Candidate is a raw k-NN hit before score filtering and ranking.
type Candidate struct {
	ID         string
	DocID      string
	ChunkIndex int
	Text       string
	Score      float64
	Metadata   Metadata
}

type IndexInfo struct {
	Collection string `json:"collection"`
	Dimension  int    `json:"dimension"`
	Points     uint64 `json:"points"`
}

type StatsSnapshot struct {
	TotalEmbeddings       int64            `json:"total_embeddings_generated" yaml:"total_embeddings_generated"`
	EmbeddingCacheHits    int64            `json:"embedding_cache_hits" yaml:"embedding_cache_hits"`
	EmbeddingCacheMisses  int64            `json:"embedding_cache_misses" yaml:"embedding_cache_misses"`
	EmbeddingHitRate      float64          `json:"embedding_cache_hit_rate_percent" yaml:"embedding_cache_hit_rate_percent"`
	TotalSearches         int64            `json:"total_searches" yaml:"total_searches"`
	SearchCacheHits       int64            `json:"search_cache_hits" yaml:"search_cache_hits"`
	SearchCacheMisses     int64            `json:"search_cache_misses" yaml:"search_cache_misses"`
	SearchHitRate         float64          `json:"search_cache_hit_rate_percent" yaml:"search_cache_hit_rate_percent"`
	AvgSearchLatencyMs    float64          `json:"avg_response_time_ms" yaml:"avg_response_time_ms"`
	TotalChunksIndexed    int64            `json:"total_chunks_indexed" yaml:"total_chunks_indexed"`
	TotalDocumentsIndexed int64            `json:"total_documents_indexed" yaml:"total_documents_indexed"`
	StageErrors           map[string]int64 `json:"stage_errors" yaml:"stage_errors"`
}
