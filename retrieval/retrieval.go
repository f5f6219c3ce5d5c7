// Package retrieval indexes knowledge sources and answers similarity
// queries. The index is shared read-mostly state: many concurrent queries,
// mutated only by explicit reindex operations which swap a source's chunk
// set atomically.
package retrieval

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/mcuadros/go-defaults"
	log "github.com/sirupsen/logrus"
)

// Chunk is one indexed piece of knowledge.
type Chunk struct {
	SourceID  string            `json:"source_id"`
	Offset    int               `json:"offset"`
	Text      string            `json:"text"`
	Embedding []float64         `json:"embedding,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Embedder turns text into a vector. Implementations must be deterministic
// for identical input so cached and fresh results agree.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

func NewOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

type Options struct {
	/**
	 * default: 256 cached query results, evicted least-recently-used.
	 */
	CacheCapacity int `default:"256" yaml:"cache_capacity"`
}

// Service owns the retrieval index and the query-result cache.
type Service struct {
	embedder Embedder
	cache    *queryCache

	mu      sync.RWMutex
	sources map[string][]Chunk

	searches uint64
}

func NewService(embedder Embedder, opts *Options) *Service {
	if opts == nil {
		opts = NewOptions()
	}
	return &Service{
		embedder: embedder,
		cache:    newQueryCache(opts.CacheCapacity),
		sources:  make(map[string][]Chunk),
	}
}

// Reindex atomically replaces sourceID's chunk set and invalidates exactly
// the cached queries whose source set includes it. Readers never observe a
// partially indexed source. Chunks missing an embedding are embedded here.
func (s *Service) Reindex(ctx context.Context, sourceID string, chunks []Chunk) error {
	if sourceID == "" {
		return errors.BadRequestf("empty source id")
	}

	indexed := make([]Chunk, len(chunks))
	for i, c := range chunks {
		c.SourceID = sourceID
		if len(c.Embedding) == 0 {
			embedding, err := s.embedder.Embed(ctx, c.Text)
			if err != nil {
				return errors.Annotatef(err, "embed chunk %d", i)
			}
			c.Embedding = embedding
		}
		indexed[i] = c
	}
	sort.Slice(indexed, func(i, j int) bool {
		return indexed[i].Offset < indexed[j].Offset
	})

	s.mu.Lock()
	s.sources[sourceID] = indexed
	s.mu.Unlock()

	s.cache.invalidateSource(sourceID)
	log.Debugf("reindexed source %s: %d chunks", sourceID, len(indexed))
	return nil
}

// RemoveSource drops a source from the index and invalidates its cache
// entries.
func (s *Service) RemoveSource(sourceID string) {
	s.mu.Lock()
	delete(s.sources, sourceID)
	s.mu.Unlock()

	s.cache.invalidateSource(sourceID)
}

// Query returns at most k chunks from the given sources ranked by
// descending cosine similarity to the query text. Ties break by source id
// then chunk offset so results are deterministic. Repeated queries are
// served from the LRU cache until one of their sources is reindexed.
func (s *Service) Query(ctx context.Context, sourceSet []string, queryText string, k int) ([]Chunk, error) {
	if k <= 0 {
		return nil, errors.BadRequestf("k must be positive, got %d", k)
	}
	if len(sourceSet) == 0 {
		return nil, errors.BadRequestf("empty source set")
	}

	sources := normalizeSources(sourceSet)
	normalized := normalizeQuery(queryText)
	key := cacheKey(sources, normalized, k)

	if hit, exists := s.cache.get(key); exists {
		return hit, nil
	}

	// capture the sources' invalidation counters before searching; a reindex
	// landing mid-query bumps them and the fill below is dropped
	seen := s.cache.snapshotVersions(sources)

	queryVec, err := s.embedder.Embed(ctx, normalized)
	if err != nil {
		return nil, errors.Annotatef(err, "embed query")
	}

	result := s.search(sources, queryVec, k)
	s.cache.put(key, sources, result, seen)
	return result, nil
}

func (s *Service) search(sources []string, queryVec []float64, k int) []Chunk {
	atomic.AddUint64(&s.searches, 1)

	type scored struct {
		chunk Chunk
		score float64
	}

	s.mu.RLock()
	candidates := make([]scored, 0)
	for _, sourceID := range sources {
		for _, c := range s.sources[sourceID] {
			candidates = append(candidates, scored{c, cosineSimilarity(queryVec, c.Embedding)})
		}
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].chunk.SourceID != candidates[j].chunk.SourceID {
			return candidates[i].chunk.SourceID < candidates[j].chunk.SourceID
		}
		return candidates[i].chunk.Offset < candidates[j].chunk.Offset
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	result := make([]Chunk, len(candidates))
	for i, c := range candidates {
		result[i] = c.chunk
	}
	return result
}

// SearchCount reports how many times the underlying nearest-neighbor search
// ran, i.e. cache misses.
func (s *Service) SearchCount() uint64 {
	return atomic.LoadUint64(&s.searches)
}

func cosineSimilarity(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func normalizeSources(sourceSet []string) []string {
	sources := make([]string, len(sourceSet))
	copy(sources, sourceSet)
	sort.Strings(sources)
	return sources
}

// normalizeQuery lowercases and collapses whitespace so trivially different
// phrasings share a cache entry.
func normalizeQuery(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func cacheKey(sources []string, normalized string, k int) string {
	var sb strings.Builder
	for _, s := range sources {
		sb.WriteString(s)
		sb.WriteByte(',')
	}
	sb.WriteByte('|')
	sb.WriteString(normalized)
	sb.WriteByte('|')
	sb.WriteString(strconv.Itoa(k))
	return sb.String()
}
