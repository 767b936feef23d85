package imagestore

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestSaveContentAddressed(t *testing.T) {
	root := t.TempDir()
	s := New(root, zerolog.Nop())

	img := base64.StdEncoding.EncodeToString([]byte("fake png bytes"))
	hashes := s.Save([]string{img, img}, false)
	if len(hashes) != 2 || hashes[0] != hashes[1] {
		t.Fatalf("expected identical hashes for identical content, got %v", hashes)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("duplicate content must be written once, got %d files", len(entries))
	}
	if entries[0].Name() != hashes[0]+".png" {
		t.Fatalf("unexpected filename %q", entries[0].Name())
	}
	if Hash(img) != hashes[0] {
		t.Fatalf("Hash must match the stored filename, got %q vs %q", Hash(img), hashes[0])
	}
}

func TestHashIsStableForUndecodableInput(t *testing.T) {
	a := Hash("%%% not base64 %%%")
	b := Hash("%%% not base64 %%%")
	if a == "" || a != b {
		t.Fatalf("expected a stable non-empty hash, got %q and %q", a, b)
	}
}

func TestSaveQuarantine(t *testing.T) {
	root := t.TempDir()
	s := New(root, zerolog.Nop())

	img := base64.StdEncoding.EncodeToString([]byte("flagged content"))
	hashes := s.Save([]string{img}, true)
	if len(hashes) != 1 {
		t.Fatalf("expected one hash, got %v", hashes)
	}
	if _, err := os.Stat(filepath.Join(root, "csam", hashes[0]+".png")); err != nil {
		t.Fatalf("expected quarantined file: %v", err)
	}
}

func TestSaveSkipsUndecodable(t *testing.T) {
	s := New(t.TempDir(), zerolog.Nop())
	hashes := s.Save([]string{"%%% not base64 %%%"}, false)
	if len(hashes) != 0 {
		t.Fatalf("expected undecodable image to be skipped, got %v", hashes)
	}
}
