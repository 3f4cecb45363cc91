package geocorr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// ErrDatasetSource wraps failures of the dataset collaborator.
var ErrDatasetSource = errors.New("geocorr: dataset source failure")

// Record is one decoded dataset row.
type Record = map[string]any

// Column is one entry of a dataset's schema definition.
type Column struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	DisplayName string `json:"display_name,omitempty"`
}

// Dataset is a read-only snapshot handed over by the dataset collaborator.
type Dataset struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Schema []Column `json:"schema_definition"`
	Rows   []Record `json:"json_data"`
}

// DatasetSource is the dataset store as seen by the engine. It is only read.
type DatasetSource interface {
	// ListDatasets returns every dataset in the collection.
	ListDatasets(ctx context.Context) ([]Dataset, error)
	// GetDataset returns one dataset, or nil when it does not exist.
	GetDataset(ctx context.Context, id string) (*Dataset, error)
}

// StaticSource serves a fixed dataset slice. Useful for tests and for callers
// that already hold the collection in memory.
type StaticSource []Dataset

func (s StaticSource) ListDatasets(context.Context) ([]Dataset, error) {
	return []Dataset(s), nil
}

func (s StaticSource) GetDataset(_ context.Context, id string) (*Dataset, error) {
	for i := range s {
		if s[i].ID == id {
			d := s[i]
			return &d, nil
		}
	}
	return nil, nil
}

// DirSource reads datasets from *.json files in a directory, one dataset per
// file. A file without an id uses its base name. Files that cannot be read
// or decoded are logged and skipped.
type DirSource struct {
	Dir    string
	Logger *zap.Logger
}

func (s DirSource) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s DirSource) files() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read dir %s: %v", ErrDatasetSource, s.Dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s DirSource) ListDatasets(context.Context) ([]Dataset, error) {
	names, err := s.files()
	if err != nil {
		return nil, err
	}
	out := make([]Dataset, 0, len(names))
	for _, name := range names {
		d, err := readDatasetFile(filepath.Join(s.Dir, name))
		if err != nil {
			s.logger().Warn("dataset_decode_error", zap.String("file", name), zap.Error(err))
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// GetDataset reads <id>.json when it holds the dataset and otherwise scans
// the directory for a file declaring that id.
func (s DirSource) GetDataset(_ context.Context, id string) (*Dataset, error) {
	names, err := s.files()
	if err != nil {
		return nil, err
	}
	guess := id + ".json"
	for _, name := range names {
		if name != guess {
			continue
		}
		if d, err := readDatasetFile(filepath.Join(s.Dir, name)); err == nil && d.ID == id {
			return &d, nil
		}
	}
	for _, name := range names {
		if name == guess {
			continue
		}
		d, err := readDatasetFile(filepath.Join(s.Dir, name))
		if err != nil {
			s.logger().Warn("dataset_decode_error", zap.String("file", name), zap.Error(err))
			continue
		}
		if d.ID == id {
			return &d, nil
		}
	}
	return nil, nil
}

func readDatasetFile(path string) (Dataset, error) {
	var d Dataset
	b, err := os.ReadFile(path)
	if err != nil {
		return d, fmt.Errorf("%w: %v", ErrDatasetSource, err)
	}
	if err := json.Unmarshal(b, &d); err != nil {
		return d, fmt.Errorf("%w: decode %s: %v", ErrDatasetSource, path, err)
	}
	if d.ID == "" {
		d.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	return d, nil
}
