// Package catalog loads the published offerings from a YAML file into the store.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hawkins-trichology/concierge/internal/domain"
	"github.com/hawkins-trichology/concierge/internal/metrics"
)

// Categories accepted in the catalog file.
var Categories = []string{"service", "video", "intensive"}

// Writer replaces the stored catalog.
type Writer interface {
	ReplaceCatalog(ctx context.Context, items []domain.CatalogItem) error
}

type file struct {
	Items []fileItem `yaml:"items"`
}

type fileItem struct {
	domain.CatalogItem `yaml:",inline"`
	Draft              bool `yaml:"draft"`
}

// Parse decodes a catalog document. Unknown keys are rejected so typos do not
// silently drop fields.
func Parse(data []byte) ([]domain.CatalogItem, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f file
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	now := time.Now().UTC()
	seen := make(map[string]bool, len(f.Items))
	items := make([]domain.CatalogItem, 0, len(f.Items))
	for i, fi := range f.Items {
		item := fi.CatalogItem
		item.ID = strings.TrimSpace(item.ID)
		item.Title = strings.TrimSpace(item.Title)
		item.Category = strings.ToLower(strings.TrimSpace(item.Category))

		if item.ID == "" {
			return nil, fmt.Errorf("item %d: id is required", i)
		}
		if item.Title == "" {
			return nil, fmt.Errorf("item %s: title is required", item.ID)
		}
		if !validCategory(item.Category) {
			return nil, fmt.Errorf("item %s: category must be one of %s, got %q",
				item.ID, strings.Join(Categories, ", "), item.Category)
		}
		if seen[item.ID] {
			return nil, fmt.Errorf("item %s: duplicate id", item.ID)
		}
		seen[item.ID] = true

		item.Published = !fi.Draft
		item.UpdatedAt = now
		items = append(items, item)
	}
	return items, nil
}

// LoadFile reads and parses a catalog file.
func LoadFile(path string) ([]domain.CatalogItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Sync loads the file at path and replaces the stored catalog with it.
// The stored catalog is left untouched when the file is invalid.
func Sync(ctx context.Context, w Writer, path string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	items, err := LoadFile(path)
	if err != nil {
		metrics.CatalogReloads.WithLabelValues("invalid").Inc()
		return err
	}
	if err := w.ReplaceCatalog(ctx, items); err != nil {
		metrics.CatalogReloads.WithLabelValues("error").Inc()
		return fmt.Errorf("replace catalog: %w", err)
	}
	metrics.CatalogReloads.WithLabelValues("ok").Inc()

	published := 0
	for _, it := range items {
		if it.Published {
			published++
		}
	}
	logger.Info("catalog loaded", "path", path, "items", len(items), "published", published)
	return nil
}

func validCategory(c string) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}
