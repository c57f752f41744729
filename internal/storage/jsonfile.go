package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rewired-gh/oddswatch/internal/logger"
	"github.com/rewired-gh/oddswatch/internal/models"
)

// JSONFileBackend stores the mapping as a single JSON document:
// {"<subscriber>": [{"surname": "Fritz", "threshold": 3.1}, ...]}.
type JSONFileBackend struct {
	path string
}

type jsonCondition struct {
	Surname   string  `json:"surname"`
	Threshold float64 `json:"threshold"`
}

// NewJSONFileBackend creates a backend writing to path. The file is created on first save.
func NewJSONFileBackend(path string) (*JSONFileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &JSONFileBackend{path: path}, nil
}

// Close is a no-op; every save is a complete write.
func (b *JSONFileBackend) Close() error {
	return nil
}

// Load reads the mapping. A missing file is an empty mapping. An unparsable
// file is renamed to <path>.corrupt and reported as an error.
func (b *JSONFileBackend) Load() (map[int64][]models.WatchCondition, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[int64][]models.WatchCondition{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", b.path, err)
	}
	if len(data) == 0 {
		return map[int64][]models.WatchCondition{}, nil
	}

	var raw map[string][]jsonCondition
	if err := json.Unmarshal(data, &raw); err != nil {
		if renameErr := os.Rename(b.path, b.path+".corrupt"); renameErr != nil {
			logger.Warn("Failed to move corrupt %s aside: %v", b.path, renameErr)
		}
		return nil, fmt.Errorf("failed to parse %s: %w", b.path, err)
	}

	out := make(map[int64][]models.WatchCondition, len(raw))
	for key, list := range raw {
		sub, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			logger.Warn("Ignoring conditions under non-numeric subscriber %q", key)
			continue
		}
		for _, jc := range list {
			out[sub] = append(out[sub], models.WatchCondition{
				Subscriber: sub,
				Surname:    jc.Surname,
				Threshold:  jc.Threshold,
			})
		}
	}
	return out, nil
}

// Save writes the mapping to a temporary file, syncs it and renames it over
// the target so readers never observe a partial document.
func (b *JSONFileBackend) Save(conditions map[int64][]models.WatchCondition) error {
	raw := make(map[string][]jsonCondition, len(conditions))
	for sub, list := range conditions {
		entries := make([]jsonCondition, 0, len(list))
		for _, c := range list {
			entries = append(entries, jsonCondition{Surname: c.Surname, Threshold: c.Threshold})
		}
		raw[strconv.FormatInt(sub, 10)] = entries
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal conditions: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(b.path), filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", b.path, err)
	}
	return nil
}
