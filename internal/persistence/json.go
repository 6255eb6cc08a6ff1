package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// JSONBackend keeps every record in one JSON document of the form
// {"task": {"key": value}}. The document lives in memory and is written
// back, through a temporary file and a rename, on Close.
type JSONBackend struct {
	mu    sync.Mutex
	path  string
	doc   string
	dirty bool
}

// NewJSONBackend loads the document at path. A missing file starts empty.
func NewJSONBackend(path string) (*JSONBackend, error) {
	b := &JSONBackend{path: path, doc: "{}"}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return b, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return b, nil
	}
	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		return nil, fmt.Errorf("%s is not a JSON object", path)
	}
	b.doc = string(data)
	return b, nil
}

func (b *JSONBackend) Get(ctx context.Context, taskID, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	res := gjson.Get(b.doc, readPath(taskID, key))
	if !res.Exists() {
		return nil, ErrNotFound
	}
	return []byte(res.Raw), nil
}

func (b *JSONBackend) Set(ctx context.Context, taskID, key string, value []byte) error {
	if !gjson.ValidBytes(value) {
		return fmt.Errorf("value of %q for %q is not JSON", key, taskID)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !gjson.Get(b.doc, readPath(taskID)).IsObject() {
		doc, err := sjson.SetRaw(b.doc, writePath(taskID), "{}")
		if err != nil {
			return fmt.Errorf("failed to create record of %q: %w", taskID, err)
		}
		b.doc = doc
	}
	doc, err := sjson.SetRawBytes([]byte(b.doc), writePath(taskID, key), value)
	if err != nil {
		return fmt.Errorf("failed to set %q of %q: %w", key, taskID, err)
	}
	b.doc, b.dirty = string(doc), true
	return nil
}

func (b *JSONBackend) Replace(ctx context.Context, taskID string, record map[string][]byte) error {
	raw := make(map[string]json.RawMessage, len(record))
	for key, value := range record {
		if !gjson.ValidBytes(value) {
			return fmt.Errorf("value of %q for %q is not JSON", key, taskID)
		}
		raw[key] = value
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to encode record of %q: %w", taskID, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	doc, err := sjson.SetRaw(b.doc, writePath(taskID), string(encoded))
	if err != nil {
		return fmt.Errorf("failed to write record of %q: %w", taskID, err)
	}
	b.doc, b.dirty = doc, true
	return nil
}

func (b *JSONBackend) Remove(ctx context.Context, taskID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !gjson.Get(b.doc, readPath(taskID)).Exists() {
		return nil
	}
	doc, err := sjson.Delete(b.doc, writePath(taskID))
	if err != nil {
		return fmt.Errorf("failed to remove record of %q: %w", taskID, err)
	}
	b.doc, b.dirty = doc, true
	return nil
}

func (b *JSONBackend) TaskIDs(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ids []string
	gjson.Parse(b.doc).ForEach(func(key, _ gjson.Result) bool {
		ids = append(ids, key.String())
		return true
	})
	return ids, nil
}

// Close flushes the document when it changed.
func (b *JSONBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.dirty {
		return nil
	}
	if err := writeFileAtomic(b.path, []byte(b.doc)); err != nil {
		return err
	}
	b.dirty = false
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// gjson and sjson share the escape syntax but differ on numeric components:
// sjson takes them as array indexes unless prefixed with ':'.
const pathSpecials = `\.*?|#@!=<>%:"`

func escapeComponent(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if strings.ContainsRune(pathSpecials, r) {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func readPath(components ...string) string {
	escaped := make([]string, len(components))
	for i, c := range components {
		escaped[i] = escapeComponent(c)
	}
	return strings.Join(escaped, ".")
}

func writePath(components ...string) string {
	escaped := make([]string, len(components))
	for i, c := range components {
		escaped[i] = escapeComponent(c)
		if isDigits(c) {
			escaped[i] = ":" + escaped[i]
		}
	}
	return strings.Join(escaped, ".")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
