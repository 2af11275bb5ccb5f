package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/kbsync/internal/storage"
)

// letterEngine embeds text as a 26-dim letter histogram, which is enough to
// make similarity ordering predictable. Texts containing "poison" fail.
func letterEngine() *mockEngine {
	return &mockEngine{
		embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
			if strings.Contains(text, "poison") {
				return nil, errors.New("model rejected input")
			}
			return letterVector(text), nil
		},
	}
}

func letterVector(text string) []float32 {
	v := make([]float32, 26)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			v[r-'a']++
		}
	}
	return v
}

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewSQLiteStore(st.DB(), NewEmbedder(letterEngine(), "letters"))
}

func TestUpsertAndQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	docs := []Document{
		{ID: "a", Text: "aaaa aaaa", Metadata: Metadata{Filename: "a.pdf", ChunkIndex: IntPtr(0)}},
		{ID: "b", Text: "bbbb bbbb"},
		{ID: "c", Text: "cccc"},
	}
	report, err := s.Upsert(ctx, DocumentCollection, docs)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !report.OK() || len(report.Stored) != 3 {
		t.Fatalf("report = %+v, want 3 stored", report)
	}

	matches, err := s.Query(ctx, DocumentCollection, "aaa", 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].ID != "a" {
		t.Errorf("best match = %q, want a", matches[0].ID)
	}
	if matches[0].Score < 0.99 {
		t.Errorf("score = %f, want > 0.99", matches[0].Score)
	}
	if matches[0].Metadata.Filename != "a.pdf" || matches[0].Metadata.ChunkIndex == nil || *matches[0].Metadata.ChunkIndex != 0 {
		t.Errorf("metadata not round-tripped: %+v", matches[0].Metadata)
	}
}

func TestUpsert_IdempotentByID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, text := range []string{"first version", "second version"} {
		if _, err := s.Upsert(ctx, TicketCollection, []Document{{ID: "t1", Text: text}}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	n, err := s.Count(ctx, TicketCollection)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
	matches, err := s.Query(ctx, TicketCollection, "second", 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 1 || matches[0].Text != "second version" {
		t.Errorf("matches = %+v, want the overwritten text", matches)
	}
}

func TestUpsert_PartialFailure(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	report, err := s.Upsert(ctx, TicketCollection, []Document{
		{ID: "ok-1", Text: "fine"},
		{ID: "bad", Text: "poison pill"},
		{ID: "ok-2", Text: "also fine"},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if got := report.FailedIDs(); len(got) != 1 || got[0] != "bad" {
		t.Errorf("FailedIDs = %v, want [bad]", got)
	}
	ids, err := s.IDs(ctx, TicketCollection)
	if err != nil {
		t.Fatalf("IDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "ok-1" || ids[1] != "ok-2" {
		t.Errorf("IDs = %v, want [ok-1 ok-2]", ids)
	}
}

func TestUpsert_MissingID(t *testing.T) {
	s := openTestStore(t)
	report, err := s.Upsert(context.Background(), TicketCollection, []Document{{Text: "no id"}})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if report.OK() {
		t.Error("record without ID should be reported as failed")
	}
}

func TestCollections(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	names, err := s.ListCollections(ctx)
	if err != nil {
		t.Fatalf("ListCollections: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("fresh store lists %v, want none", names)
	}

	s.Upsert(ctx, TicketCollection, []Document{{ID: "t", Text: "ticket"}})
	s.Upsert(ctx, DocumentCollection, []Document{{ID: "d", Text: "doc"}})

	names, _ = s.ListCollections(ctx)
	if len(names) != 2 || names[0] != DocumentCollection || names[1] != TicketCollection {
		t.Errorf("ListCollections = %v", names)
	}

	if err := s.DropCollection(ctx, TicketCollection); err != nil {
		t.Fatalf("DropCollection: %v", err)
	}
	if n, _ := s.Count(ctx, TicketCollection); n != 0 {
		t.Errorf("Count after drop = %d, want 0", n)
	}
	if err := s.DropCollection(ctx, TicketCollection); !errors.Is(err, ErrCollectionNotFound) {
		t.Errorf("second drop error = %v, want ErrCollectionNotFound", err)
	}
	if _, err := s.Query(ctx, TicketCollection, "x", 1); !errors.Is(err, ErrCollectionNotFound) {
		t.Errorf("Query on dropped collection error = %v, want ErrCollectionNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.Upsert(ctx, DocumentCollection, []Document{{ID: "1", Text: "one"}, {ID: "2", Text: "two"}, {ID: "3", Text: "three"}})
	if err := s.Delete(ctx, DocumentCollection, []string{"1", "3", "missing"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ids, _ := s.IDs(ctx, DocumentCollection)
	if len(ids) != 1 || ids[0] != "2" {
		t.Errorf("IDs after delete = %v, want [2]", ids)
	}
}

func TestQuery_TopK(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var docs []Document
	for _, w := range []string{"apple", "banana", "cherry", "date", "elder", "fig"} {
		docs = append(docs, Document{ID: w, Text: w, Metadata: Metadata{UploadedAt: time.Now().UTC()}})
	}
	s.Upsert(ctx, DocumentCollection, docs)

	matches, err := s.Query(ctx, DocumentCollection, "banana", 3)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 3 {
		t.Fatalf("got %d matches, want 3", len(matches))
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Score > matches[i-1].Score {
			t.Errorf("matches not sorted by score: %v", matches)
		}
	}
	if matches[0].ID != "banana" {
		t.Errorf("best match = %q, want banana", matches[0].ID)
	}
}

func TestEncodeDecodeFloat32s(t *testing.T) {
	in := []float32{0, 1.5, -2.25, 3e-7}
	out, err := decodeFloat32sInto(nil, encodeFloat32s(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}
	if _, err := decodeFloat32sInto(nil, []byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}
