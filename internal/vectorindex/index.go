// Package vectorindex keeps record embeddings in memory for nearest-neighbor
// search.
//
// The index is a chromem-go collection whose document ids are numeric vector
// ids. A separate table maps record ids to vector ids. Both halves are written
// to disk as a snapshot pair after every mutation:
//
//	<dir>/vectors.gob   chromem export of the collection
//	<dir>/id_map.json   {"next_vector_id": N, "mapping": {record_id: vector_id}}
//
// Mutations and snapshot writes hold the write lock; Search holds the read
// lock. The snapshot pair must have a single writer.
package vectorindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
)

const (
	collectionName = "expertise"
	vectorsFile    = "vectors.gob"
	idMapFile      = "id_map.json"

	// DefaultBatchSize is used by Rebuild when batchSize <= 0.
	DefaultBatchSize = 64
)

var tracer = otel.Tracer("expertd.vectorindex")

var (
	// ErrEmptyQuery is returned by Search for blank query text.
	ErrEmptyQuery = errors.New("query text cannot be empty")

	// ErrNoEmbedder is returned by Open without an embedder.
	ErrNoEmbedder = errors.New("embedder is required")
)

// Embedder produces vectors. embeddings.Provider satisfies it.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Match is one search hit.
type Match struct {
	RecordID string  `json:"record_id"`
	Score    float64 `json:"score"`
}

// ProgressFunc is called after each Rebuild batch.
type ProgressFunc func(done, total int)

type idMap struct {
	NextVectorID int64            `json:"next_vector_id"`
	Mapping      map[string]int64 `json:"mapping"`
}

// Index is the in-memory embedding index.
type Index struct {
	mu       sync.RWMutex
	dir      string
	embedder Embedder
	logger   *zap.Logger

	db         *chromem.DB
	collection *chromem.Collection

	nextVectorID int64
	byRecord     map[string]int64
	byVector     map[int64]string
}

// Open loads the snapshot pair from dir, or starts empty when it is absent.
// An empty dir keeps the index in memory only.
func Open(ctx context.Context, dir string, embedder Embedder, logger *zap.Logger) (*Index, error) {
	if embedder == nil {
		return nil, ErrNoEmbedder
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	idx := &Index{
		dir:      dir,
		embedder: embedder,
		logger:   logger,
		db:       chromem.NewDB(),
		byRecord: make(map[string]int64),
		byVector: make(map[int64]string),
	}

	if dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating index directory: %w", err)
		}
		if err := idx.load(); err != nil {
			return nil, err
		}
	}

	col, err := idx.db.GetOrCreateCollection(collectionName, nil, idx.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("opening collection: %w", err)
	}
	idx.collection = col

	logger.Info("embedding index opened",
		zap.String("dir", dir),
		zap.Int("vectors", col.Count()),
		zap.Int64("next_vector_id", idx.nextVectorID),
	)
	return idx, nil
}

func (idx *Index) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return idx.embedder.EmbedQuery(ctx, text)
	}
}

func (idx *Index) load() error {
	vecPath := filepath.Join(idx.dir, vectorsFile)
	mapPath := filepath.Join(idx.dir, idMapFile)

	_, vecErr := os.Stat(vecPath)
	_, mapErr := os.Stat(mapPath)
	if errors.Is(vecErr, os.ErrNotExist) || errors.Is(mapErr, os.ErrNotExist) {
		if vecErr == nil || mapErr == nil {
			idx.logger.Warn("incomplete index snapshot, starting empty; run reindex",
				zap.String("dir", idx.dir))
		}
		return nil
	}

	data, err := os.ReadFile(mapPath)
	if err != nil {
		return fmt.Errorf("reading id map: %w", err)
	}
	var m idMap
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parsing id map: %w", err)
	}
	if err := idx.db.ImportFromFile(vecPath, ""); err != nil {
		return fmt.Errorf("importing vectors: %w", err)
	}

	idx.nextVectorID = m.NextVectorID
	for recordID, vectorID := range m.Mapping {
		idx.byRecord[recordID] = vectorID
		idx.byVector[vectorID] = recordID
	}
	return nil
}

// persist writes both snapshot files. Caller holds the write lock.
func (idx *Index) persist() error {
	if idx.dir == "" {
		return nil
	}

	vecPath := filepath.Join(idx.dir, vectorsFile)
	tmpVec := vecPath + ".tmp"
	if err := idx.db.ExportToFile(tmpVec, false, "", collectionName); err != nil {
		return fmt.Errorf("exporting vectors: %w", err)
	}

	m := idMap{NextVectorID: idx.nextVectorID, Mapping: idx.byRecord}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding id map: %w", err)
	}
	mapPath := filepath.Join(idx.dir, idMapFile)
	tmpMap := mapPath + ".tmp"
	if err := os.WriteFile(tmpMap, data, 0600); err != nil {
		return fmt.Errorf("writing id map: %w", err)
	}

	if err := os.Rename(tmpVec, vecPath); err != nil {
		return fmt.Errorf("replacing vectors: %w", err)
	}
	if err := os.Rename(tmpMap, mapPath); err != nil {
		return fmt.Errorf("replacing id map: %w", err)
	}
	return nil
}

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Index."+name)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Add indexes one record, replacing any existing vector for it.
func (idx *Index) Add(ctx context.Context, rec *expertise.Record) error {
	if rec == nil {
		return nil
	}
	return idx.AddBatch(ctx, []*expertise.Record{rec})
}

// AddBatch indexes records with a single embedding call and one snapshot write.
func (idx *Index) AddBatch(ctx context.Context, recs []*expertise.Record) (err error) {
	ctx, span := startSpan(ctx, "AddBatch")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int("records", len(recs)))

	recs = indexable(recs)
	if len(recs) == 0 {
		return nil
	}
	vectors, err := idx.embed(ctx, recs)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	for i, rec := range recs {
		if err := idx.put(ctx, rec, vectors[i]); err != nil {
			return err
		}
	}
	return idx.persist()
}

func indexable(recs []*expertise.Record) []*expertise.Record {
	out := make([]*expertise.Record, 0, len(recs))
	for _, rec := range recs {
		if rec != nil && rec.ID != "" && rec.Content != "" {
			out = append(out, rec)
		}
	}
	return out
}

func (idx *Index) embed(ctx context.Context, recs []*expertise.Record) ([][]float32, error) {
	texts := make([]string, len(recs))
	for i, rec := range recs {
		texts[i] = rec.Content
	}
	vectors, err := idx.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding records: %w", err)
	}
	if len(vectors) != len(recs) {
		return nil, fmt.Errorf("embedding records: got %d vectors for %d records", len(vectors), len(recs))
	}
	return vectors, nil
}

// put stores one vector under a fresh vector id. Caller holds the write lock.
func (idx *Index) put(ctx context.Context, rec *expertise.Record, vector []float32) error {
	if err := idx.drop(ctx, rec.ID); err != nil {
		return err
	}

	vectorID := idx.nextVectorID
	doc := chromem.Document{
		ID:        strconv.FormatInt(vectorID, 10),
		Content:   rec.Content,
		Metadata:  map[string]string{"record_id": rec.ID},
		Embedding: vector,
	}
	if err := idx.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("adding vector for %s: %w", rec.ID, err)
	}

	idx.nextVectorID++
	idx.byRecord[rec.ID] = vectorID
	idx.byVector[vectorID] = rec.ID
	return nil
}

// drop removes a record's vector if present. Caller holds the write lock.
func (idx *Index) drop(ctx context.Context, recordID string) error {
	vectorID, ok := idx.byRecord[recordID]
	if !ok {
		return nil
	}
	if err := idx.collection.Delete(ctx, nil, nil, strconv.FormatInt(vectorID, 10)); err != nil {
		return fmt.Errorf("removing vector for %s: %w", recordID, err)
	}
	delete(idx.byRecord, recordID)
	delete(idx.byVector, vectorID)
	return nil
}

// Remove drops a record from the index. Unknown ids are a no-op.
func (idx *Index) Remove(ctx context.Context, recordID string) (err error) {
	ctx, span := startSpan(ctx, "Remove")
	defer func() { endSpan(span, err) }()

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.byRecord[recordID]; !ok {
		return nil
	}
	if err := idx.drop(ctx, recordID); err != nil {
		return err
	}
	return idx.persist()
}

// Rebuild replaces the whole index with recs and resets vector ids to zero.
// The context is checked between batches; on cancellation the records indexed
// so far are kept and persisted.
func (idx *Index) Rebuild(ctx context.Context, recs []*expertise.Record, batchSize int, progress ProgressFunc) (err error) {
	ctx, span := startSpan(ctx, "Rebuild")
	defer func() { endSpan(span, err) }()

	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	recs = indexable(recs)
	span.SetAttributes(attribute.Int("records", len(recs)), attribute.Int("batch_size", batchSize))

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.db.DeleteCollection(collectionName); err != nil {
		return fmt.Errorf("dropping collection: %w", err)
	}
	col, err := idx.db.GetOrCreateCollection(collectionName, nil, idx.embeddingFunc())
	if err != nil {
		return fmt.Errorf("recreating collection: %w", err)
	}
	idx.collection = col
	idx.nextVectorID = 0
	idx.byRecord = make(map[string]int64, len(recs))
	idx.byVector = make(map[int64]string, len(recs))

	for start := 0; start < len(recs); start += batchSize {
		if cerr := ctx.Err(); cerr != nil {
			if perr := idx.persist(); perr != nil {
				return errors.Join(cerr, perr)
			}
			return cerr
		}

		end := min(start+batchSize, len(recs))
		batch := recs[start:end]
		vectors, err := idx.embed(ctx, batch)
		if err != nil {
			return err
		}
		for i, rec := range batch {
			if err := idx.put(ctx, rec, vectors[i]); err != nil {
				return err
			}
		}
		if progress != nil {
			progress(end, len(recs))
		}
	}

	idx.logger.Info("embedding index rebuilt", zap.Int("vectors", idx.collection.Count()))
	return idx.persist()
}

// Search returns up to limit records whose similarity to text is at least
// minSimilarity, most similar first.
func (idx *Index) Search(ctx context.Context, text string, limit int, minSimilarity float64) (_ []Match, err error) {
	ctx, span := startSpan(ctx, "Search")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int("limit", limit), attribute.Float64("min_similarity", minSimilarity))

	if text == "" {
		return nil, ErrEmptyQuery
	}
	if limit <= 0 {
		return []Match{}, nil
	}

	vector, err := idx.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := min(limit, idx.collection.Count())
	if n == 0 {
		return []Match{}, nil
	}
	results, err := idx.collection.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		score := float64(r.Similarity)
		if score < minSimilarity {
			continue
		}
		vectorID, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			continue
		}
		recordID, ok := idx.byVector[vectorID]
		if !ok {
			continue
		}
		matches = append(matches, Match{RecordID: recordID, Score: score})
	}
	span.SetAttributes(attribute.Int("matches", len(matches)))
	return matches, nil
}

// Len returns the number of indexed records.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byRecord)
}

// Contains reports whether a record is indexed.
func (idx *Index) Contains(recordID string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.byRecord[recordID]
	return ok
}

// NextVectorID returns the id the next added vector will get.
func (idx *Index) NextVectorID() int64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.nextVectorID
}
