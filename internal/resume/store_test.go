package resume

import (
	"context"
	"testing"

	"revaer.io/engine/internal/domain"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	id := domain.NewTorrentID()

	completion, err := s.OpenCompletion(id)
	if err != nil {
		t.Fatalf("OpenCompletion: %v", err)
	}
	if err := completion.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	sidecar := domain.ResumeSidecar{
		ID:       id,
		Name:     "ubuntu.iso",
		SavePath: "/data/ubuntu",
		Status:   domain.StatusDownloading,
	}
	if err := s.Save(ctx, sidecar, nil); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, _, err := s.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Name != "ubuntu.iso" {
		t.Fatalf("Name = %q", got.Name)
	}
	if got.FastresumeSHA256 == "" {
		t.Fatal("expected a non-empty checksum after Save")
	}
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, _, err = s.Load(context.Background(), domain.NewTorrentID())
	if err != domain.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteRemovesSidecar(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	id := domain.NewTorrentID()
	if err := s.Save(ctx, domain.ResumeSidecar{ID: id}, nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := s.Load(ctx, id); err != domain.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound after delete", err)
	}
}

func TestListReturnsSavedIDs(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	id := domain.NewTorrentID()
	if err := s.Save(ctx, domain.ResumeSidecar{ID: id}, nil); err != nil {
		t.Fatalf("Save: %v", err)
	}
	ids, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("List = %v, want [%v]", ids, id)
	}
}
