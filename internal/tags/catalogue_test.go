package tags

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/opentestimony/ot-backend/internal/audit"
	"github.com/opentestimony/ot-backend/internal/data"
)

func newCatalogue(t *testing.T) (*Catalogue, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return NewCatalogue(db, data.TagModel{DB: db}, data.VideoModel{DB: db}, audit.NewService(db)), mock
}

func TestVocabularyMergesInUseTags(t *testing.T) {
	c, mock := newCatalogue(t)

	mock.ExpectQuery("SELECT tag FROM tag_catalogue").
		WillReturnRows(sqlmock.NewRows([]string{"tag"}).AddRow("protest").AddRow("arrest"))
	mock.ExpectQuery("SELECT DISTINCT").
		WillReturnRows(sqlmock.NewRows([]string{"tag"}).AddRow("protest").AddRow("checkpoint").AddRow("aid"))

	got, err := c.Vocabulary(context.Background())
	if err != nil {
		t.Fatalf("Vocabulary: %v", err)
	}

	want := []string{"protest", "arrest", "aid", "checkpoint"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDeleteScrubsAndAudits(t *testing.T) {
	c, mock := newCatalogue(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM tag_catalogue").
		WithArgs("protest").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE videos").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectQuery("SELECT sequence_number, entry_hash").
		WillReturnRows(sqlmock.NewRows([]string{"sequence_number", "entry_hash"}).AddRow(12, audit.GenesisHash))
	mock.ExpectExec("INSERT INTO audit_entries").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	affected, err := c.Delete(context.Background(), "protest", "curator")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if affected != 4 {
		t.Errorf("affected: got %d, want 4", affected)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSeedFromFile(t *testing.T) {
	c, mock := newCatalogue(t)

	dir := t.TempDir()
	seed := filepath.Join(dir, "tags.yaml")
	if err := os.WriteFile(seed, []byte("tags:\n  - protest\n  - arrest\n  - \"\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// One idempotent insert per non-empty tag.
	for range 2 {
		mock.ExpectExec("INSERT INTO tag_catalogue").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	if err := c.SeedFromFile(context.Background(), seed); err != nil {
		t.Fatalf("SeedFromFile: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSeedFromMissingFile(t *testing.T) {
	c, _ := newCatalogue(t)
	if err := c.SeedFromFile(context.Background(), "/nonexistent/tags.yaml"); err == nil {
		t.Error("expected error for missing seed file")
	}
}
