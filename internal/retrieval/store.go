package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"
)

// Compile-time check that SQLiteStore implements VectorStore.
var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore provides vector storage and brute-force cosine similarity search
// backed by the collections and vectors tables of the kbsync database.
type SQLiteStore struct {
	db       *sql.DB
	embedder *Embedder
	logger   *slog.Logger
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations. The tables
// must already exist (created via storage migrations).
func NewSQLiteStore(db *sql.DB, embedder *Embedder) *SQLiteStore {
	return &SQLiteStore{
		db:       db,
		embedder: embedder,
		logger:   slog.Default().With("component", "vectorstore"),
	}
}

// DB exposes the underlying connection.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Upsert embeds and writes docs into collection, creating the collection on
// first use. Records whose embedding or row write fails are reported in the
// returned UpsertReport; the rest are committed together.
func (s *SQLiteStore) Upsert(ctx context.Context, collection string, docs []Document) (UpsertReport, error) {
	var report UpsertReport
	if len(docs) == 0 {
		return report, nil
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}
	vecs, embedErrs := s.embedder.EmbedEach(ctx, texts)

	failAll := func(err error) (UpsertReport, error) {
		report = UpsertReport{Failed: make([]RecordFailure, len(docs))}
		for i, d := range docs {
			report.Failed[i] = RecordFailure{ID: d.ID, Err: err}
		}
		return report, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return failAll(fmt.Errorf("beginning upsert transaction: %w", err))
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO collections (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		collection, now,
	); err != nil {
		return failAll(fmt.Errorf("creating collection %s: %w", collection, err))
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vectors (collection, id, text, metadata, embedding, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			text = excluded.text,
			metadata = excluded.metadata,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at`)
	if err != nil {
		return failAll(fmt.Errorf("preparing upsert statement: %w", err))
	}
	defer stmt.Close()

	for i, d := range docs {
		if d.ID == "" {
			report.Failed = append(report.Failed, RecordFailure{ID: d.ID, Err: fmt.Errorf("record %d has no ID", i)})
			continue
		}
		if embedErrs[i] != nil {
			report.Failed = append(report.Failed, RecordFailure{ID: d.ID, Err: fmt.Errorf("embedding: %w", embedErrs[i])})
			continue
		}
		meta, err := json.Marshal(d.Metadata)
		if err != nil {
			report.Failed = append(report.Failed, RecordFailure{ID: d.ID, Err: fmt.Errorf("encoding metadata: %w", err)})
			continue
		}
		if _, err := stmt.ExecContext(ctx, collection, d.ID, d.Text, string(meta), encodeFloat32s(vecs[i]), now); err != nil {
			report.Failed = append(report.Failed, RecordFailure{ID: d.ID, Err: fmt.Errorf("writing record: %w", err)})
			continue
		}
		report.Stored = append(report.Stored, d.ID)
	}

	if err := tx.Commit(); err != nil {
		return failAll(fmt.Errorf("committing upsert: %w", err))
	}

	if len(report.Failed) > 0 {
		s.logger.Warn("upsert partially failed", "collection", collection, "stored", len(report.Stored), "failed", len(report.Failed))
	} else {
		s.logger.Debug("upsert complete", "collection", collection, "stored", len(report.Stored))
	}
	return report, nil
}

// idScore holds only the ID and score during the scan phase of Query.
// Full record details are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// Query embeds text and performs brute-force cosine similarity search over
// the collection, returning the top-k most similar records.
func (s *SQLiteStore) Query(ctx context.Context, collection, text string, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	if err := s.requireCollection(ctx, collection); err != nil {
		return nil, err
	}
	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return s.search(ctx, collection, vector, k)
}

func (s *SQLiteStore) search(ctx context.Context, collection string, vector []float32, topK int) ([]Match, error) {
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM vectors WHERE collection = ?`, collection)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := dotProduct(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	rows.Close()

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records only for the top-K IDs.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	args := make([]any, 0, len(topIDs)+1)
	args = append(args, collection)
	for _, id := range topIDs {
		args = append(args, id)
	}
	fullRows, err := s.db.QueryContext(ctx, `SELECT id, text, metadata FROM vectors
		WHERE collection = ? AND id IN (?`+strings.Repeat(",?", len(topIDs)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K records: %w", err)
	}
	defer fullRows.Close()

	var results []Match
	for fullRows.Next() {
		m := Match{Collection: collection}
		var meta string
		if err := fullRows.Scan(&m.ID, &m.Text, &meta); err != nil {
			return nil, fmt.Errorf("scanning full record: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", m.ID, err)
		}
		m.Score = scores[m.ID]
		results = append(results, m)
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating full records: %w", err)
	}

	// IN query doesn't preserve order.
	sortByScore(results)
	return results, nil
}

// sortByScore sorts matches by Score descending, ties broken by ID.
func sortByScore(results []Match) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}

func (s *SQLiteStore) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, collection)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM vectors WHERE collection = ? AND id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...)
	if err != nil {
		return fmt.Errorf("deleting records from %s: %w", collection, err)
	}
	return nil
}

func (s *SQLiteStore) ListCollections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM collections ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (s *SQLiteStore) DropCollection(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning drop transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("dropping collection %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM vectors WHERE collection = ?`, name); err != nil {
		return fmt.Errorf("deleting vectors of %s: %w", name, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Count(ctx context.Context, collection string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors WHERE collection = ?`, collection).Scan(&count)
	return count, err
}

func (s *SQLiteStore) IDs(ctx context.Context, collection string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM vectors WHERE collection = ? ORDER BY id`, collection)
	if err != nil {
		return nil, fmt.Errorf("listing ids of %s: %w", collection, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) requireCollection(ctx context.Context, name string) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM collections WHERE name = ?`, name).Scan(&n); err != nil {
		return fmt.Errorf("checking collection %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	return nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
