package predictions

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

var ErrSerialization = errors.New("malformed prediction cache data")

// Store maps cache keys to prediction records of type P.
type Store[P any] map[CacheKey]P

// encodedKey is persisted as [modelID, [[name, value], ...]].
type encodedKey struct {
	ModelID    string
	Attributes []Attribute
}

func (k encodedKey) MarshalJSON() ([]byte, error) {
	pairs := make([][2]string, len(k.Attributes))
	for i, a := range k.Attributes {
		pairs[i] = [2]string{a.Name, a.Value}
	}
	return json.Marshal([]any{k.ModelID, pairs})
}

func (k *encodedKey) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("key: %w", err)
	}
	if len(parts) != 2 {
		return fmt.Errorf("key: expected [modelID, attributes], got %d elements", len(parts))
	}
	if err := json.Unmarshal(parts[0], &k.ModelID); err != nil {
		return fmt.Errorf("key model id: %w", err)
	}

	var pairs [][]string
	if err := json.Unmarshal(parts[1], &pairs); err != nil {
		return fmt.Errorf("key attributes: %w", err)
	}
	k.Attributes = make([]Attribute, 0, len(pairs))
	for _, p := range pairs {
		if len(p) != 2 {
			return fmt.Errorf("key attributes: expected [name, value], got %d elements", len(p))
		}
		k.Attributes = append(k.Attributes, Attribute{Name: p[0], Value: p[1]})
	}
	return nil
}

type record[P any] struct {
	Key   *encodedKey `json:"key"`
	Value *P          `json:"value"`
}

// Save writes store to path as a JSON array of {key, value} records ordered by
// key, so equal stores always produce equal bytes. The file is replaced
// atomically.
func Save[P any](path string, store Store[P]) error {
	data, err := Marshal(store)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace cache file: %w", err)
	}
	return nil
}

// Load reads a store written by Save. A missing file is an empty store.
func Load[P any](path string) (Store[P], error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Store[P]{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open cache file: %w", err)
	}
	defer f.Close()

	return Decode[P](f)
}

// Marshal encodes store in the persisted form. Keys that are not valid UTF-8
// fail with ErrSerialization since JSON cannot carry them unchanged.
func Marshal[P any](store Store[P]) ([]byte, error) {
	keys := make([]CacheKey, 0, len(store))
	for k := range store {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	records := make([]record[P], 0, len(keys))
	for _, k := range keys {
		if err := k.Persistable(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		v := store[k]
		records = append(records, record[P]{
			Key:   &encodedKey{ModelID: k.ModelID(), Attributes: k.Attributes()},
			Value: &v,
		})
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(records); err != nil {
		return nil, fmt.Errorf("failed to encode prediction cache: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses the persisted form strictly: unknown fields, missing keys or
// values, repeated keys and trailing data are all rejected.
func Decode[P any](r io.Reader) (Store[P], error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var records []record[P]
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if records == nil {
		return nil, fmt.Errorf("%w: expected an array of records", ErrSerialization)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after records", ErrSerialization)
	}

	store := make(Store[P], len(records))
	for i, rec := range records {
		if rec.Key == nil || rec.Value == nil {
			return nil, fmt.Errorf("%w: record %d is missing key or value", ErrSerialization, i)
		}
		key, err := NewCacheKeyFromAttributes(rec.Key.ModelID, rec.Key.Attributes)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrSerialization, i, err)
		}
		if _, dup := store[key]; dup {
			return nil, fmt.Errorf("%w: record %d repeats key %s", ErrSerialization, i, key)
		}
		store[key] = *rec.Value
	}
	return store, nil
}
