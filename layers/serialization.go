package layers

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ModelFileSuffix is appended to the model tag to name its architecture file.
const ModelFileSuffix = "_model.json"

// ModelPath returns the architecture file path for tag under dir.
func ModelPath(dir, tag string) string {
	return filepath.Join(dir, tag+ModelFileSuffix)
}

// SaveJSON writes the compiled model description to path.
func (ms *ModelSpec) SaveJSON(path string) error {
	if !ms.Compiled {
		return errors.Errorf("model %q is not compiled", ms.Name)
	}
	data, err := json.MarshalIndent(ms, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode model")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create model directory")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write model")
	}
	return os.Rename(tmp, path)
}

// LoadJSON reads a model description written by SaveJSON and recomputes its
// shapes, so hand-edited files are validated on load.
func LoadJSON(path string) (*ModelSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var spec ModelSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, errors.Wrapf(err, "failed to decode model %s", path)
	}
	if err := validateShape(spec.InputShape); err != nil {
		return nil, errors.Wrapf(err, "model %s: invalid input shape", path)
	}
	if err := spec.Recompile(); err != nil {
		return nil, errors.Wrapf(err, "model %s", path)
	}
	return &spec, nil
}
