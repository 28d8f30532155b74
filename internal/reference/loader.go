// Package reference loads example ad creatives used as visual guidance for
// prompt enhancement.
package reference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/adcraft/api/internal/model"
)

// ErrAssetUnavailable means no reference could be loaded. Callers treat it as
// a degraded, not a failed, run.
var ErrAssetUnavailable = errors.New("reference assets unavailable")

const (
	mainPrefix      = "main_ref"
	CategoryMain    = "main"
	CategoryExample = "example"
)

// Loader picks one main reference plus random examples from a directory.
type Loader struct {
	dir   string
	max   int
	files *cache.Cache

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewLoader creates a loader over dir returning at most max assets.
func NewLoader(dir string, max int) *Loader {
	if max < 1 {
		max = 3
	}
	return &Loader{
		dir:   dir,
		max:   max,
		files: cache.New(30*time.Minute, time.Hour),
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Load returns the main reference first (when one exists) followed by
// randomly chosen examples. Unreadable files are skipped.
func (l *Loader) Load(ctx context.Context) ([]model.ReferenceAsset, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssetUnavailable, err)
	}

	var mains, others []string
	for _, e := range entries {
		if e.IsDir() || mimeType(e.Name()) == "" {
			continue
		}
		if strings.HasPrefix(e.Name(), mainPrefix) {
			mains = append(mains, e.Name())
		} else {
			others = append(others, e.Name())
		}
	}
	sort.Strings(mains)
	sort.Strings(others)

	picked := l.pick(mains, others)
	assets := make([]model.ReferenceAsset, 0, len(picked))
	for _, name := range picked {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := l.read(name)
		if err != nil {
			slog.Warn("skipping reference asset", "name", name, "error", err)
			continue
		}
		category := CategoryExample
		if strings.HasPrefix(name, mainPrefix) {
			category = CategoryMain
		}
		assets = append(assets, model.ReferenceAsset{
			Name:     name,
			Category: category,
			MimeType: mimeType(name),
			Data:     data,
		})
	}

	if len(assets) == 0 {
		return nil, fmt.Errorf("%w: no readable images in %s", ErrAssetUnavailable, l.dir)
	}
	return assets, nil
}

func (l *Loader) pick(mains, others []string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	picked := make([]string, 0, l.max)
	if len(mains) > 0 {
		picked = append(picked, mains[l.rnd.Intn(len(mains))])
	}

	shuffled := append([]string(nil), others...)
	l.rnd.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	for _, name := range shuffled {
		if len(picked) >= l.max {
			break
		}
		picked = append(picked, name)
	}
	return picked
}

func (l *Loader) read(name string) ([]byte, error) {
	path := filepath.Join(l.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s:%d:%d", path, info.Size(), info.ModTime().UnixNano())
	if v, ok := l.files.Get(key); ok {
		return v.([]byte), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty file")
	}
	l.files.Set(key, data, cache.DefaultExpiration)
	return data, nil
}

func mimeType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return ""
	}
}
