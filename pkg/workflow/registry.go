package workflow

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

const BuiltinSource = "builtin"

// Registry holds the workflow definitions of every supported operation type. The
// current definition of an operation is the last one registered; superseded versions
// stay resolvable for commands started under them.
type Registry struct {
	logger *slog.Logger
	parser *Parser

	mu       sync.RWMutex
	current  map[string]*Definition
	versions map[string]map[string]*Definition
	broken   map[string]error
}

func NewRegistry(logger *slog.Logger, parser *Parser) *Registry {
	return &Registry{
		logger:   logger,
		parser:   parser,
		current:  make(map[string]*Definition),
		versions: make(map[string]map[string]*Definition),
		broken:   make(map[string]error),
	}
}

// LoadBuiltin registers the definitions compiled into the agent.
func (r *Registry) LoadBuiltin() error {
	return r.loadFS(builtinFiles, "builtin", func(string) string { return BuiltinSource })
}

// LoadDir registers every *.toml file of dir. A missing directory is not an error.
// A malformed file only affects its own operation; the returned error joins the
// DefinitionErrors of all rejected files.
func (r *Registry) LoadDir(dir string) error {
	_, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		r.logger.Debug("workflow directory does not exist", "dir", dir)

		return nil
	}

	return r.loadFS(os.DirFS(dir), ".", func(name string) string { return filepath.Join(dir, name) })
}

func (r *Registry) loadFS(fsys fs.FS, root string, source func(string) string) error {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return fmt.Errorf("failed to read workflow directory: %w", err)
	}

	var errs []error

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}

		name := entry.Name()
		if root != "." {
			name = root + "/" + name
		}

		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			errs = append(errs, &DefinitionError{File: source(entry.Name()), Err: err})

			continue
		}

		def, err := r.parser.Parse(data, source(entry.Name()))
		if err != nil {
			r.reject(err)
			errs = append(errs, err)

			continue
		}

		r.Register(def)
	}

	return errors.Join(errs...)
}

func (r *Registry) reject(err error) {
	var defErr *DefinitionError
	if !errors.As(err, &defErr) {
		return
	}

	r.logger.Error("Rejected workflow definition", "operation", defErr.Operation, "file", defErr.File, "error", defErr.Err)

	if defErr.Operation == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.current[defErr.Operation]; !ok {
		r.broken[defErr.Operation] = err
	}
}

// Register makes def the current definition of its operation.
func (r *Registry) Register(def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.versions[def.Operation] == nil {
		r.versions[def.Operation] = make(map[string]*Definition)
	}

	r.versions[def.Operation][def.Version] = def
	r.current[def.Operation] = def
	delete(r.broken, def.Operation)

	r.logger.Info("Registered workflow", "operation", def.Operation, "version", def.Version, "source", def.Source)
}

// Resolve returns the definition for a command of operation op created under version.
// An empty version selects the current definition. An unknown version falls back to
// the current definition.
func (r *Registry) Resolve(op, version string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.current[op]
	if !ok {
		if err, broken := r.broken[op]; broken {
			return nil, err
		}

		if version != "" {
			return nil, fmt.Errorf("%w: %s@%s: %w", ErrVersionMismatch, op, version, ErrUnknownOperation)
		}

		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}

	if version == "" || version == def.Version {
		return def, nil
	}

	if old, ok := r.versions[op][version]; ok {
		return old, nil
	}

	r.logger.Warn("Unknown workflow version, using current definition",
		"operation", op, "version", version, "current", def.Version)

	return def, nil
}

// Current returns the current definition of op.
func (r *Registry) Current(op string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.current[op]

	return def, ok
}

// Operations lists the supported operation types in lexical order.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ops := make([]string, 0, len(r.current))
	for op := range r.current {
		ops = append(ops, op)
	}

	slices.Sort(ops)

	return ops
}
