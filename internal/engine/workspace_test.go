package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireClearsStaleDirectory(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, "job", "leftover.jpg")
	if err := os.MkdirAll(filepath.Dir(stale), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ws, err := NewWorkspaces(root).Acquire(context.Background(), "job")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer ws.Release()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected stale file removed, stat err: %v", err)
	}
}

func TestAcquireRejectsUnsafeIDs(t *testing.T) {
	w := NewWorkspaces(t.TempDir())
	for _, id := range []string{"", "..", "a/b", ".hidden"} {
		if _, err := w.Acquire(context.Background(), id); err == nil {
			t.Fatalf("expected %q to be rejected", id)
		}
	}
}

func TestAcquireIsExclusivePerJob(t *testing.T) {
	w := NewWorkspaces(t.TempDir())

	first, err := w.Acquire(context.Background(), "job")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, err := w.Acquire(ctx, "job"); err == nil {
		t.Fatal("expected second acquire to fail while the first is held")
	}

	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	second, err := w.Acquire(context.Background(), "job")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if err := second.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestAdopt(t *testing.T) {
	ws, err := NewWorkspaces(t.TempDir()).Acquire(context.Background(), "job")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer ws.Release()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "out.jpg", want: filepath.Join(ws.Dir(), "out.jpg")},
		{in: "job/out.jpg", want: filepath.Join(ws.Dir(), "out.jpg")},
		{in: filepath.Join(ws.Dir(), "out.jpg"), want: filepath.Join(ws.Dir(), "out.jpg")},
		{in: "/etc/passwd", wantErr: true},
		{in: "../escape.jpg", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ws.Adopt(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("expected %q to be rejected, got %q", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("adopt %q: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("expected %q, got %q", tt.want, got)
		}
	}
}
