package command

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ModuleExt is the file extension of command modules.
const ModuleExt = ".lua"

type table struct {
	byName map[string]*Descriptor
	descs  []*Descriptor
}

func newTable(descs []*Descriptor) *table {
	t := &table{byName: make(map[string]*Descriptor)}
	for _, d := range descs {
		if d == nil || Fold(d.Name) == "" {
			continue
		}
		t.byName[Fold(d.Name)] = d
		for _, a := range d.Aliases {
			if k := Fold(a); k != "" {
				t.byName[k] = d
			}
		}
	}

	seen := make(map[*Descriptor]bool)
	for _, d := range t.byName {
		if !seen[d] {
			seen[d] = true
			t.descs = append(t.descs, d)
		}
	}
	sort.Slice(t.descs, func(i, j int) bool { return t.descs[i].Name < t.descs[j].Name })
	return t
}

// Registry maps command names and aliases to descriptors. Readers always see
// one complete table; Load and Reload build a new table and swap it in.
type Registry struct {
	logger *zap.Logger

	reload sync.Mutex // serializes Load/Reload
	dir    string
	table  atomic.Pointer[table]
}

func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{logger: logger}
	r.table.Store(newTable(nil))
	return r
}

// Dir returns the directory of the last Load.
func (r *Registry) Dir() string {
	r.reload.Lock()
	defer r.reload.Unlock()
	return r.dir
}

// Load compiles every module in dir, in lexical order, and installs the
// result. Invalid modules are logged and skipped. It returns the number of
// modules loaded.
func (r *Registry) Load(dir string) (int, error) {
	r.reload.Lock()
	defer r.reload.Unlock()
	r.dir = dir
	return r.load()
}

// Reload re-runs Load on the last loaded directory.
func (r *Registry) Reload() (int, error) {
	r.reload.Lock()
	defer r.reload.Unlock()
	if r.dir == "" {
		return 0, fmt.Errorf("reload: no command directory loaded")
	}
	return r.load()
}

func (r *Registry) load() (int, error) {
	entries, err := os.ReadDir(r.dir)
	if errors.Is(err, fs.ErrNotExist) {
		r.table.Store(newTable(nil))
		r.logger.Warn("command dir is gone, no commands loaded", zap.String("dir", r.dir))
	}
	if err != nil {
		return 0, fmt.Errorf("read command dir: %w", err)
	}

	var descs []*Descriptor
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ModuleExt) {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		d, err := LoadModule(path, r.logger)
		if err != nil {
			r.logger.Warn("skipping command module", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		r.logger.Debug("command loaded", zap.String("name", d.Name), zap.String("file", e.Name()))
		descs = append(descs, d)
	}

	r.table.Store(newTable(descs))
	r.logger.Info("commands loaded", zap.Int("count", len(descs)), zap.String("dir", r.dir))
	return len(descs), nil
}

// Replace installs descs as the complete table. Later entries win on
// duplicate names or aliases.
func (r *Registry) Replace(descs ...*Descriptor) {
	r.table.Store(newTable(descs))
}

// Resolve looks up a command by name or alias, ignoring case.
func (r *Registry) Resolve(name string) (*Descriptor, bool) {
	d, ok := r.table.Load().byName[Fold(name)]
	return d, ok
}

// List returns every reachable descriptor sorted by name.
func (r *Registry) List() []*Descriptor {
	t := r.table.Load()
	out := make([]*Descriptor, len(t.descs))
	copy(out, t.descs)
	return out
}
