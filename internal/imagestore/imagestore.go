package imagestore

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Store persists image attachments content-addressed by sha256. Attachments
// from sessions flagged for unsafe content land in a quarantine subdirectory
// instead of the serving root.
type Store struct {
	root   string
	logger zerolog.Logger
}

func New(root string, logger zerolog.Logger) *Store {
	return &Store{root: root, logger: logger}
}

// Hash returns the content address of a base64-encoded image. Undecodable
// input is hashed over its raw bytes so every ref still maps to a stable name.
func Hash(img string) string {
	raw, err := base64.StdEncoding.DecodeString(img)
	if err != nil {
		raw = []byte(img)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Save writes base64-encoded images and returns their hashes in input order.
// Duplicates are skipped. A failed image is logged and skipped; persisting
// attachments must not fail the turn.
func (s *Store) Save(images []string, quarantine bool) []string {
	dir := s.root
	if quarantine {
		dir = filepath.Join(s.root, "csam")
	}
	if len(images) > 0 {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.logger.Warn().Err(err).Msg("image store mkdir failed")
			return nil
		}
	}

	hashes := make([]string, 0, len(images))
	for _, img := range images {
		raw, err := base64.StdEncoding.DecodeString(img)
		if err != nil {
			s.logger.Warn().Err(err).Msg("skipping undecodable image")
			continue
		}
		hash := Hash(img)
		hashes = append(hashes, hash)

		path := filepath.Join(dir, fmt.Sprintf("%s.png", hash))
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			s.logger.Warn().Err(err).Str("hash", hash).Msg("image write failed")
		}
	}
	return hashes
}
