package gate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const DefaultBlacklistTTL = time.Minute

// blacklistSchema accepts a flat object of id to reason.
const blacklistSchema = `{
  "type": "object",
  "additionalProperties": {"type": "string"}
}`

// Blacklist is a file-backed id to reason map. Reads go through an in-memory
// copy refreshed at most once per TTL, so they may be up to one TTL stale.
type Blacklist struct {
	path   string
	ttl    time.Duration
	schema *jsonschema.Schema
	logger *slog.Logger

	mu       sync.RWMutex
	entries  map[string]string
	loadedAt time.Time

	now func() time.Time
}

func NewBlacklist(path string, ttl time.Duration, logger *slog.Logger) (*Blacklist, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultBlacklistTTL
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	return &Blacklist{
		path:    path,
		ttl:     ttl,
		schema:  schema,
		logger:  logger.With("component", "blacklist", "path", path),
		entries: map[string]string{},
		now:     time.Now,
	}, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(blacklistSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal blacklist schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("blacklist.json", doc); err != nil {
		return nil, fmt.Errorf("add blacklist schema: %w", err)
	}
	schema, err := c.Compile("blacklist.json")
	if err != nil {
		return nil, fmt.Errorf("compile blacklist schema: %w", err)
	}
	return schema, nil
}

// ValidateFile reports whether path holds a well-formed blacklist. A missing
// file is valid and empty.
func ValidateFile(path string) (int, error) {
	schema, err := compileSchema()
	if err != nil {
		return 0, err
	}
	m, err := readFile(schema, path)
	return len(m), err
}

func readFile(schema *jsonschema.Schema, path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read blacklist: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]string{}, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse blacklist %s: %w", path, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("validate blacklist %s: %w", path, err)
	}
	out := map[string]string{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode blacklist %s: %w", path, err)
	}
	return out, nil
}

// Lookup returns the reason id is listed for.
func (b *Blacklist) Lookup(id string) (string, bool) {
	if id == "" {
		return "", false
	}
	b.refresh(false)
	b.mu.RLock()
	defer b.mu.RUnlock()
	reason, ok := b.entries[id]
	return reason, ok
}

// Invalidate forces the next read to go to disk.
func (b *Blacklist) Invalidate() {
	b.mu.Lock()
	b.loadedAt = time.Time{}
	b.mu.Unlock()
}

func (b *Blacklist) refresh(force bool) {
	b.mu.RLock()
	fresh := !b.loadedAt.IsZero() && b.now().Sub(b.loadedAt) < b.ttl
	b.mu.RUnlock()
	if fresh && !force {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !force && !b.loadedAt.IsZero() && b.now().Sub(b.loadedAt) < b.ttl {
		return
	}
	b.reloadLocked()
}

// reloadLocked keeps the previous entries when the file is unreadable so a
// half-written edit does not unblock everyone.
func (b *Blacklist) reloadLocked() {
	b.loadedAt = b.now()
	m, err := readFile(b.schema, b.path)
	if err != nil {
		b.logger.Warn("blacklist reload failed, keeping previous entries", "error", err)
		return
	}
	b.entries = m
}

// List returns a copy of the entries.
func (b *Blacklist) List() map[string]string {
	b.refresh(false)
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]string, len(b.entries))
	for k, v := range b.entries {
		out[k] = v
	}
	return out
}

// IDs returns listed ids sorted.
func (b *Blacklist) IDs() []string {
	m := b.List()
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Add lists id with reason and persists the file.
func (b *Blacklist) Add(id, reason string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("blacklist id is empty")
	}
	return b.mutate(func(m map[string]string) bool {
		m[id] = reason
		return true
	})
}

// Remove unlists id. It reports whether id was listed.
func (b *Blacklist) Remove(id string) (bool, error) {
	var found bool
	err := b.mutate(func(m map[string]string) bool {
		_, found = m[id]
		delete(m, id)
		return found
	})
	return found, err
}

func (b *Blacklist) mutate(fn func(map[string]string) bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reloadLocked()
	next := make(map[string]string, len(b.entries)+1)
	for k, v := range b.entries {
		next[k] = v
	}
	if !fn(next) {
		return nil
	}
	if err := writeFile(b.path, next); err != nil {
		return err
	}
	b.entries = next
	b.loadedAt = b.now()
	return nil
}

func writeFile(path string, m map[string]string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode blacklist: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create blacklist dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write blacklist: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace blacklist: %w", err)
	}
	return nil
}
