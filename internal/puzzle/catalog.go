package puzzle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Resource resolves a puzzle id to its metadata and raw image bytes.
type Resource interface {
	Load(ctx context.Context, puzzleID string) (Metadata, []byte, error)
}

var imageExtensions = []string{".png", ".jpg", ".jpeg"}

// Catalog serves puzzle images from a directory, one file per puzzle named
// after the puzzle id. Decoded metadata is cached; image bytes are not.
type Catalog struct {
	dir   string
	mu    sync.RWMutex
	cache map[string]Metadata
}

func NewCatalog(dir string) *Catalog {
	return &Catalog{
		dir:   dir,
		cache: make(map[string]Metadata),
	}
}

func (c *Catalog) Load(ctx context.Context, puzzleID string) (Metadata, []byte, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, nil, err
	}

	puzzleID = strings.TrimSpace(puzzleID)
	if puzzleID == "" || strings.ContainsAny(puzzleID, `/\`) || strings.HasPrefix(puzzleID, ".") {
		return Metadata{}, nil, fmt.Errorf("%w: %q", ErrPuzzleNotFound, puzzleID)
	}

	for _, ext := range imageExtensions {
		path := filepath.Join(c.dir, puzzleID+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Metadata{}, nil, fmt.Errorf("failed to read puzzle %s: %w", puzzleID, err)
		}

		meta, err := c.metadata(puzzleID, data)
		if err != nil {
			return Metadata{}, nil, err
		}
		return meta, data, nil
	}

	return Metadata{}, nil, fmt.Errorf("%w: %q", ErrPuzzleNotFound, puzzleID)
}

func (c *Catalog) metadata(puzzleID string, data []byte) (Metadata, error) {
	c.mu.RLock()
	meta, ok := c.cache[puzzleID]
	c.mu.RUnlock()
	if ok {
		return meta, nil
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %s: %v", ErrInvalidPuzzleImage, puzzleID, err)
	}

	meta = Metadata{
		ID:     puzzleID,
		Name:   strings.ReplaceAll(puzzleID, "_", " "),
		Width:  cfg.Width,
		Height: cfg.Height,
	}

	c.mu.Lock()
	c.cache[puzzleID] = meta
	c.mu.Unlock()

	return meta, nil
}

// StaticCatalog is an in-memory Resource.
type StaticCatalog struct {
	mu      sync.RWMutex
	puzzles map[string]staticEntry
}

type staticEntry struct {
	meta  Metadata
	image []byte
}

func NewStaticCatalog() *StaticCatalog {
	return &StaticCatalog{puzzles: make(map[string]staticEntry)}
}

func (s *StaticCatalog) Add(meta Metadata, image []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puzzles[meta.ID] = staticEntry{meta: meta, image: image}
}

func (s *StaticCatalog) Load(_ context.Context, puzzleID string) (Metadata, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.puzzles[puzzleID]
	if !ok {
		return Metadata{}, nil, fmt.Errorf("%w: %q", ErrPuzzleNotFound, puzzleID)
	}
	return entry.meta, entry.image, nil
}
