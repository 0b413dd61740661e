// Package artifact is write-once blob storage for capture audio. Save returns
// the path that ends up on the history entry; Remove treats a missing file as
// a warning, never a failure.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"murmur/encoder"
	"murmur/log"
)

type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

// Save encodes raw PCM to FLAC and writes it under a fresh name.
func (s *Store) Save(pcm []byte) (string, error) {
	data, err := encoder.Encode(pcm)
	if err != nil {
		return "", err
	}

	path := filepath.Join(s.dir, uuid.NewString()+".flac")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}

func (s *Store) Remove(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			log.Warnf("artifact already gone: %s", path)
		} else {
			log.Warnf("artifact remove failed: %v", err)
		}
	}
}

func (s *Store) RemoveAll(paths []string) {
	for _, p := range paths {
		s.Remove(p)
	}
}
