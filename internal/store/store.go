// Package store keeps finished pipeline runs for the lifetime of the process.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/adcraft/api/internal/model"
)

// ErrNotFound is returned when a run or image does not exist.
var ErrNotFound = errors.New("not found")

// Store is the result store shared by all runs.
type Store interface {
	Put(run *model.Run) error
	Get(runID string) (*model.Run, error)
	Delete(runID string) error
	ReplaceImage(runID, imageID string, img model.GeneratedImage) error
	FindImage(ref string) (string, model.GeneratedImage, error)
}

// MemoryStore is an in-process Store. Records are replaced whole and handed
// out as copies, so readers never observe a partial write.
type MemoryStore struct {
	cache *cache.Cache
	// serializes read-modify-write sequences; plain reads go straight to the cache
	mu sync.Mutex
}

// NewMemoryStore creates a store. A ttl of zero keeps records until deleted.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	cleanup := 10 * time.Minute
	if ttl == cache.NoExpiration {
		cleanup = 0
	}
	return &MemoryStore{cache: cache.New(ttl, cleanup)}
}

func (s *MemoryStore) Put(run *model.Run) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Set(run.ID, run.Clone(), cache.DefaultExpiration)
	return nil
}

func (s *MemoryStore) Get(runID string) (*model.Run, error) {
	run, ok := s.load(runID)
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return run.Clone(), nil
}

func (s *MemoryStore) Delete(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.load(runID); !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	s.cache.Delete(runID)
	return nil
}

// ReplaceImage swaps the image with imageID inside a stored run. The new
// image keeps the old ID regardless of what img carries.
func (s *MemoryStore) ReplaceImage(runID, imageID string, img model.GeneratedImage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.load(runID)
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	_, idx, found := run.ImageByRef(imageID)
	if !found {
		return fmt.Errorf("image %s: %w", imageID, ErrNotFound)
	}

	next := run.Clone()
	img.ID = next.Images[idx].ID
	img.RunID = runID
	next.Images[idx] = img
	s.cache.Set(runID, next, cache.DefaultExpiration)
	return nil
}

// FindImage resolves an image ID or URL to its owning run.
func (s *MemoryStore) FindImage(ref string) (string, model.GeneratedImage, error) {
	for id, item := range s.cache.Items() {
		run, ok := item.Object.(*model.Run)
		if !ok {
			continue
		}
		if img, _, found := run.ImageByRef(ref); found {
			return id, img, nil
		}
	}
	return "", model.GeneratedImage{}, fmt.Errorf("image %s: %w", ref, ErrNotFound)
}

// Len returns the number of live records.
func (s *MemoryStore) Len() int {
	return s.cache.ItemCount()
}

func (s *MemoryStore) load(runID string) (*model.Run, bool) {
	v, ok := s.cache.Get(runID)
	if !ok {
		return nil, false
	}
	run, ok := v.(*model.Run)
	return run, ok
}
