package dataset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/David-Botos/endo-ingress/pkg/config"
	"github.com/David-Botos/endo-ingress/pkg/connector"
	"github.com/David-Botos/endo-ingress/pkg/dedup"
	"github.com/David-Botos/endo-ingress/pkg/model"
	"github.com/David-Botos/endo-ingress/pkg/storage"
	"github.com/David-Botos/endo-ingress/pkg/store"
)

func record(id, category string, sp model.Split, status model.ValidationStatus) model.ImageRecord {
	hash := dedup.Hash([]byte("img-" + id)).String()
	return model.ImageRecord{
		ID:          id,
		ContentHash: hash,
		StorageKey:  storage.KeyFor(strings.TrimPrefix(hash, "sha256:"), ".jpg"),
		Width:       896,
		Height:      896,
		Clinical: model.ClinicalMetadata{
			Category:    category,
			Sex:         "F",
			AgeRange:    "50-59",
			Location:    "sigmoid colon",
			BoundingBox: model.BoundingBox{X: 10, Y: 20, Width: 30, Height: 40},
			Confidence:  0.9,
		},
		Status: status,
		Split:  sp,
	}
}

func seedStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()

	a1 := record("a1", "polyp", model.SplitTrain, model.StatusValidated)
	a1.Clinical.Classifications = map[string]string{"paris": "0-Is", "nice": "2"}
	a2 := record("a2", "normal", model.SplitVal, model.StatusValidated)
	a2.Clinical.Location = "colon & rectum"
	a3 := record("a3", "polyp", model.SplitTest, model.StatusValidated)
	a3.Clinical.Sex = ""
	a4 := record("a4", "polyp", model.SplitTrain, model.StatusRejected)

	for _, r := range []model.ImageRecord{a3, a1, a4, a2} {
		_, err := s.Insert(ctx, r)
		require.NoError(t, err)
	}

	for i, ann := range []model.Annotation{
		{ID: "n1", AnnotatorID: "dr-a", LesionID: "l1"},
		{ID: "n2", AnnotatorID: "dr-a", LesionID: "l2"},
		{ID: "n3", AnnotatorID: "dr-b", LesionID: "l1"},
	} {
		ann.ImageID = "a1"
		ann.Category = "polyp"
		ann.CreatedAt = time.Date(2024, 1, 1, 0, i, 0, 0, time.UTC)
		require.NoError(t, s.InsertAnnotation(ctx, ann))
	}
	return s
}

func TestBuild(t *testing.T) {
	b := NewBuilder(seedStore(t), "s3://bucket/", zaptest.NewLogger(t))

	entries, err := b.Build(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 3)

	ids := []string{entries[0].Metadata.ImageID, entries[1].Metadata.ImageID, entries[2].Metadata.ImageID}
	assert.Equal(t, []string{"a1", "a2", "a3"}, ids)

	first := entries[0]
	assert.True(t, strings.HasPrefix(first.ImagePath, "s3://bucket/processed/"))
	assert.Equal(t, BasePrompt, first.Prompt())
	assert.Equal(t, "gpt", first.Conversations[1].From)
	assert.True(t, first.Metadata.HasAnnotations)
	assert.Equal(t, 3, first.Metadata.AnnotationCount)
	assert.Equal(t, model.SplitTrain, first.Metadata.Split)

	assert.True(t, strings.HasPrefix(entries[1].Conversations[1].Value, "No pathological findings identified."))
	assert.False(t, entries[2].Metadata.HasAnnotations)
}

func TestDescribe(t *testing.T) {
	rec := record("a1", "polyp", model.SplitTrain, model.StatusValidated)
	rec.Clinical.Classifications = map[string]string{"paris": "0-Is", "nice": "2"}
	anns := []model.Annotation{
		{AnnotatorID: "dr-a"}, {AnnotatorID: "dr-a"}, {AnnotatorID: "dr-b"},
	}

	assert.Equal(t,
		"Finding: polyp in the sigmoid colon. Region: x=10, y=20, width=30, height=40. "+
			"Classification: nice 2, paris 0-Is. Confidence: 0.90. Patient: F, age 50-59. "+
			"Reviewed by 2 annotator(s) marking 3 lesion(s).",
		Describe(rec, anns))

	normal := record("a2", "Normal", model.SplitVal, model.StatusValidated)
	normal.Clinical.Sex = ""
	assert.Equal(t,
		"No pathological findings identified. Normal mucosa in the sigmoid colon. Confidence: 0.90. Patient: unknown, age 50-59.",
		Describe(normal, nil))
}

func entriesFor(categories ...string) []Entry {
	out := make([]Entry, len(categories))
	for i, c := range categories {
		out[i] = Entry{
			Conversations: []Turn{{From: "human", Value: BasePrompt}, {From: "gpt", Value: c}},
			Metadata:      EntryMetadata{ImageID: fmt.Sprintf("img-%d", i), Category: c, Split: model.SplitTrain},
		}
	}
	return out
}

func TestBalance(t *testing.T) {
	entries := entriesFor("polyp", "normal", "polyp", "polyp", "normal", "polyp", "polyp")

	got := Balance(entries, 2, 7)
	require.Len(t, got, 4)

	counts := map[string]int{}
	last := -1
	for _, e := range got {
		counts[e.Metadata.Category]++
		var idx int
		_, err := fmt.Sscanf(e.Metadata.ImageID, "img-%d", &idx)
		require.NoError(t, err)
		assert.Greater(t, idx, last, "input order is kept")
		last = idx
	}
	assert.Equal(t, map[string]int{"polyp": 2, "normal": 2}, counts)

	assert.Equal(t, got, Balance(entries, 2, 7))
	assert.Len(t, Balance(entries, 0, 7), 7)
}

func TestAugment(t *testing.T) {
	entries := entriesFor("polyp", "normal", "polyp")
	entries[0].Metadata.HasAnnotations = true
	entries[1].Metadata.HasAnnotations = true

	got := Augment(entries)
	require.Len(t, got, 5)
	assert.Equal(t, BasePrompt, got[0].Prompt())
	assert.Equal(t, AlternativePrompts[0], got[1].Prompt())
	assert.Equal(t, AlternativePrompts[1], got[2].Prompt())
	assert.Equal(t, "img-0", got[2].Metadata.ImageID)
	assert.Equal(t, BasePrompt, entries[0].Prompt(), "source entry is not modified")
}

func TestPrepareAndStats(t *testing.T) {
	b := NewBuilder(seedStore(t), "", zaptest.NewLogger(t))
	opts := Options{Augment: true, Seed: 42}

	m, err := b.Prepare(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, m.Entries, 5)

	again, err := b.Prepare(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, m.Entries, again.Entries)

	s := m.Stats
	assert.Equal(t, 5, s.TotalEntries)
	assert.Equal(t, 3, s.UniqueImages)
	assert.Equal(t, 1, s.AnnotatedImages)
	assert.Equal(t, map[string]int{"polyp": 4, "normal": 1}, s.CategoryDistribution)
	assert.Equal(t, map[string]int{"train": 3, "val": 1, "test": 1}, s.SplitDistribution)
	assert.Equal(t, map[string]int{"F": 2, "unknown": 1}, s.MetadataSummary.SexDistribution)
	assert.Equal(t, 3, s.MetadataSummary.AgeDistribution["50-59"])
}

func TestWriteManifest(t *testing.T) {
	b := NewBuilder(seedStore(t), "", zaptest.NewLogger(t))
	m, err := b.Prepare(context.Background(), Options{Augment: true, Seed: 1})
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "out")
	paths, err := WriteManifest(dir, m)
	require.NoError(t, err)
	require.Len(t, paths, 3)

	train, err := ReadJSONL(paths[model.SplitTrain])
	require.NoError(t, err)
	assert.Len(t, train, 3)

	val, err := os.ReadFile(paths[model.SplitVal])
	require.NoError(t, err)
	assert.Contains(t, string(val), "colon & rectum")
	assert.Contains(t, string(val), `"image_path":"processed/`)

	stats, err := os.ReadFile(filepath.Join(dir, StatsFile))
	require.NoError(t, err)
	assert.Contains(t, string(stats), `"total_entries": 5`)
}

func newWarehouse(t *testing.T) connector.DatabaseConnector {
	t.Helper()
	c, err := connector.NewSQLiteConnector(context.Background(), &config.SQLiteConfig{
		Path:        filepath.Join(t.TempDir(), "warehouse.db"),
		BusyTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	b := NewBuilder(seedStore(t), "", zaptest.NewLogger(t))
	m, err := b.Prepare(ctx, Options{Augment: true, Seed: 3})
	require.NoError(t, err)

	conn := newWarehouse(t)
	exp, err := NewExporter(conn, "", zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, `"endoset_manifest"`, exp.Table())

	res, err := exp.WithBatchSize(2).Export(ctx, m.Entries)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Rows, "augmented entries collapse to one row per image")

	// full refresh
	_, err = exp.Export(ctx, m.Entries[:1])
	require.NoError(t, err)
	n, err := exp.RowCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = exp.Export(ctx, m.Entries)
	require.NoError(t, err)

	rows, err := conn.QueryWithTimeout(ctx,
		`SELECT "bbox", "classifications", "split", "annotation_count" FROM "endoset_manifest" WHERE "id" = ?`,
		time.Second, "a1")
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())

	var bbox, classifications, sp string
	var count int64
	require.NoError(t, rows.Scan(&bbox, &classifications, &sp, &count))
	assert.Equal(t, "[10,20,30,40]", bbox)
	assert.JSONEq(t, `{"nice":"2","paris":"0-Is"}`, classifications)
	assert.Equal(t, "train", sp)
	assert.Equal(t, int64(3), count)
}

func TestVerifyObjects(t *testing.T) {
	ctx := context.Background()
	objects := storage.NewMemoryStorage()

	a1 := record("a1", "polyp", model.SplitTrain, model.StatusValidated)
	a2 := record("a2", "normal", model.SplitVal, model.StatusValidated)
	a3 := record("a3", "polyp", model.SplitTest, model.StatusValidated)
	a4 := record("a4", "polyp", model.SplitTest, model.StatusValidated)
	a4.StorageKey = ""

	require.NoError(t, objects.Put(ctx, a1.StorageKey, []byte("img-a1"), "image/jpeg"))
	require.NoError(t, objects.Put(ctx, a3.StorageKey, []byte("tampered"), "image/jpeg"))

	v := NewVerifier(objects, zaptest.NewLogger(t)).WithConcurrency(2)
	report, err := v.VerifyObjects(ctx, []model.ImageRecord{a1, a2, a3, a4})
	require.NoError(t, err)

	assert.Equal(t, 4, report.Checked)
	assert.Equal(t, 1, report.Verified)
	assert.Equal(t, []string{"a2"}, report.Missing)
	require.Len(t, report.Mismatched, 1)
	assert.Equal(t, "a3", report.Mismatched[0].ImageID)
	assert.Equal(t, dedup.Hash([]byte("tampered")).String(), report.Mismatched[0].Actual)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, "no_storage_key", report.Issues[0].IssueType)
	assert.False(t, report.OK())
}

func TestVerifyRowCount(t *testing.T) {
	ctx := context.Background()
	b := NewBuilder(seedStore(t), "", zaptest.NewLogger(t))
	entries, err := b.Build(ctx)
	require.NoError(t, err)

	exp, err := NewExporter(newWarehouse(t), "manifest", zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = exp.Export(ctx, entries)
	require.NoError(t, err)

	v := NewVerifier(storage.NewMemoryStorage(), zaptest.NewLogger(t))
	report, err := v.VerifyObjects(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, v.VerifyRowCount(ctx, report, exp, 3))
	assert.True(t, report.OK())

	require.NoError(t, v.VerifyRowCount(ctx, report, exp, 4))
	assert.False(t, report.OK())
}

func TestVerifyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := NewVerifier(storage.NewMemoryStorage(), zaptest.NewLogger(t))
	_, err := v.VerifyObjects(ctx, []model.ImageRecord{record("a1", "polyp", model.SplitTrain, model.StatusValidated)})
	assert.ErrorIs(t, err, context.Canceled)
}
