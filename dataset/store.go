package dataset

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// File extensions understood by Store.
const (
	ExtJSON   = ".json"
	ExtSnappy = ".json.sz"
)

// Store keeps one structure per file under a directory. A structure named
// "label" lives in label.json.sz (snappy-compressed JSON) or label.json.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the directory the store reads from.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the file that holds name, preferring the compressed file when
// both exist. The second result is false when neither exists.
func (s *Store) Path(name string) (string, bool) {
	for _, ext := range []string{ExtSnappy, ExtJSON} {
		p := filepath.Join(s.dir, name+ext)
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return filepath.Join(s.dir, name+ExtJSON), false
}

// Exists reports whether name is stored.
func (s *Store) Exists(name string) bool {
	_, ok := s.Path(name)
	return ok
}

// Read decodes the structure name into v.
func (s *Store) Read(name string, v interface{}) error {
	path, ok := s.Path(name)
	if !ok {
		return errors.Wrapf(os.ErrNotExist, "%s not found in %s", name, s.dir)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	if filepath.Ext(path) == ".sz" {
		data, err = snappy.Decode(nil, data)
		if err != nil {
			return errors.Wrapf(err, "decompress %s", path)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	return nil
}

// Write encodes v under name, compressed when compress is set. Any copy in
// the other encoding is removed so reads stay unambiguous.
func (s *Store) Write(name string, v interface{}, compress bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", name)
	}
	ext, other := ExtJSON, ExtSnappy
	if compress {
		data = snappy.Encode(nil, data)
		ext, other = ExtSnappy, ExtJSON
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return errors.Wrapf(err, "create %s", s.dir)
	}
	path := filepath.Join(s.dir, name+ext)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	if err := os.Remove(filepath.Join(s.dir, name+other)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove stale %s", name+other)
	}
	return nil
}
