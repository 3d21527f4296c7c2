// Package file provides file-based persistence of retained command messages.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/edgeops/edge-agent/pkg/persistence"
)

const (
	retainedDir = "retained"
	extension   = ".json"
)

// Persistence implements the persistence.Persistence interface using one file per topic.
type Persistence struct {
	root string // File system root; records live under root/retained
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) *Persistence {
	return &Persistence{root: strings.Replace(root, "file://", "", 1)}
}

func (fp *Persistence) dir() string {
	return filepath.Join(fp.root, retainedDir)
}

func (fp *Persistence) path(topic string) string {
	return filepath.Join(fp.dir(), url.PathEscape(topic)+extension)
}

// Save atomically replaces the retained payload of topic.
func (fp *Persistence) Save(_ context.Context, topic string, payload []byte) error {
	if topic == "" {
		return persistence.NewRetainedError("Save", topic, persistence.ErrEmptyTopic)
	}

	err := os.MkdirAll(fp.dir(), 0750)
	if err != nil {
		return persistence.NewRetainedError("Save", topic, fmt.Errorf("failed to create retained directory: %w", err))
	}

	tmp, err := os.CreateTemp(fp.dir(), ".tmp-*")
	if err != nil {
		return persistence.NewRetainedError("Save", topic, err)
	}

	_, err = tmp.Write(payload)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(tmp.Name())

		return persistence.NewRetainedError("Save", topic, err)
	}

	err = os.Rename(tmp.Name(), fp.path(topic))
	if err != nil {
		_ = os.Remove(tmp.Name())

		return persistence.NewRetainedError("Save", topic, err)
	}

	return nil
}

// Delete removes the retained payload of topic. Deleting a missing topic is not an error.
func (fp *Persistence) Delete(_ context.Context, topic string) error {
	if topic == "" {
		return persistence.NewRetainedError("Delete", topic, persistence.ErrEmptyTopic)
	}

	err := os.Remove(fp.path(topic))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return persistence.NewRetainedError("Delete", topic, err)
	}

	return nil
}

// LoadAll returns every retained payload keyed by topic.
func (fp *Persistence) LoadAll(_ context.Context) (map[string][]byte, error) {
	entries, err := os.ReadDir(fp.dir())
	if errors.Is(err, fs.ErrNotExist) {
		return map[string][]byte{}, nil
	}

	if err != nil {
		return nil, persistence.NewRetainedError("LoadAll", "", err)
	}

	records := make(map[string][]byte, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, extension) || strings.HasPrefix(name, ".") {
			continue
		}

		topic, err := url.PathUnescape(strings.TrimSuffix(name, extension))
		if err != nil {
			return nil, persistence.NewRetainedError("LoadAll", name, persistence.ErrCorruptedRecord)
		}

		data, err := os.ReadFile(filepath.Join(fp.dir(), name))
		if err != nil {
			return nil, persistence.NewRetainedError("LoadAll", topic, err)
		}

		records[topic] = data
	}

	return records, nil
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}
