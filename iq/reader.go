// Package iq turns IQ capture files into model-ready slices: reading,
// cropping, padding, slicing, normalisation and the optional transforms.
package iq

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// ErrUnknownFormat is returned for file formats the reader does not know.
var ErrUnknownFormat = errors.New("unknown example file format")

// Format is the on-disk encoding of an example.
type Format string

const (
	// FormatBin is little-endian float32 I/Q pairs.
	FormatBin Format = "bin"
	// FormatBinSnappy is FormatBin compressed with snappy.
	FormatBinSnappy Format = "bin.sz"
	// FormatJSON is {"iq": [[i, q], ...]}.
	FormatJSON Format = "json"
)

// ParseFormat resolves a format name, ignoring case.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case FormatBin, FormatBinSnappy, FormatJSON:
		return f, nil
	case "":
		return FormatBin, nil
	default:
		return "", errors.Wrapf(ErrUnknownFormat, "%q", name)
	}
}

// Samples holds the in-phase and quadrature components of one capture.
type Samples struct {
	I []float32
	Q []float32
}

// Len returns the number of complex samples.
func (s Samples) Len() int {
	return len(s.I)
}

// Slice returns samples [lo, hi).
func (s Samples) Slice(lo, hi int) Samples {
	return Samples{I: s.I[lo:hi], Q: s.Q[lo:hi]}
}

// Append returns s followed by o in fresh storage.
func (s Samples) Append(o Samples) Samples {
	out := Samples{
		I: make([]float32, 0, s.Len()+o.Len()),
		Q: make([]float32, 0, s.Len()+o.Len()),
	}
	out.I = append(append(out.I, s.I...), o.I...)
	out.Q = append(append(out.Q, s.Q...), o.Q...)
	return out
}

// Reader loads examples by id, resolving relative ids against Root.
type Reader struct {
	Root   string
	Format Format
	cache  *CacheManager
}

// NewReader creates a reader. cacheSize <= 0 disables caching.
func NewReader(root string, format Format, cacheSize int) (*Reader, error) {
	if _, err := ParseFormat(string(format)); err != nil {
		return nil, err
	}
	r := &Reader{Root: root, Format: format}
	if cacheSize > 0 {
		cache, err := NewCacheManager(cacheSize)
		if err != nil {
			return nil, err
		}
		r.cache = cache
	}
	return r, nil
}

// CacheStats returns the example cache statistics, zero when caching is off.
func (r *Reader) CacheStats() CacheStats {
	if r.cache == nil {
		return CacheStats{}
	}
	return r.cache.Stats()
}

func (r *Reader) resolve(id string) string {
	if filepath.IsAbs(id) || r.Root == "" {
		return id
	}
	return filepath.Join(r.Root, id)
}

// Read returns the samples of one example. Returned samples are shared with
// the cache and must not be modified.
func (r *Reader) Read(id string) (Samples, error) {
	path := r.resolve(id)
	if r.cache != nil {
		if s, ok := r.cache.Get(path); ok {
			return s, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Samples{}, errors.Wrapf(err, "read example %s", id)
	}
	samples, err := decode(r.Format, data)
	if err != nil {
		return Samples{}, errors.Wrapf(err, "decode example %s", id)
	}
	if r.cache != nil {
		r.cache.Put(path, samples)
	}
	return samples, nil
}

func decode(format Format, data []byte) (Samples, error) {
	switch format {
	case FormatBinSnappy:
		raw, err := snappy.Decode(nil, data)
		if err != nil {
			return Samples{}, err
		}
		return decodeBin(raw)
	case FormatBin:
		return decodeBin(data)
	case FormatJSON:
		var doc struct {
			IQ [][2]float32 `json:"iq"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return Samples{}, err
		}
		s := Samples{I: make([]float32, len(doc.IQ)), Q: make([]float32, len(doc.IQ))}
		for k, pair := range doc.IQ {
			s.I[k], s.Q[k] = pair[0], pair[1]
		}
		return s, nil
	default:
		return Samples{}, errors.Wrapf(ErrUnknownFormat, "%q", format)
	}
}

func decodeBin(data []byte) (Samples, error) {
	if len(data)%8 != 0 {
		return Samples{}, errors.Errorf("binary example holds %d bytes, not a whole number of I/Q pairs", len(data))
	}
	n := len(data) / 8
	s := Samples{I: make([]float32, n), Q: make([]float32, n)}
	for k := 0; k < n; k++ {
		s.I[k] = math.Float32frombits(binary.LittleEndian.Uint32(data[8*k:]))
		s.Q[k] = math.Float32frombits(binary.LittleEndian.Uint32(data[8*k+4:]))
	}
	return s, nil
}

// Encode writes samples in format; it is the inverse of Read.
func Encode(format Format, s Samples) ([]byte, error) {
	switch format {
	case FormatBin, FormatBinSnappy:
		raw := make([]byte, 8*s.Len())
		for k := 0; k < s.Len(); k++ {
			binary.LittleEndian.PutUint32(raw[8*k:], math.Float32bits(s.I[k]))
			binary.LittleEndian.PutUint32(raw[8*k+4:], math.Float32bits(s.Q[k]))
		}
		if format == FormatBinSnappy {
			return snappy.Encode(nil, raw), nil
		}
		return raw, nil
	case FormatJSON:
		pairs := make([][2]float32, s.Len())
		for k := range pairs {
			pairs[k] = [2]float32{s.I[k], s.Q[k]}
		}
		return json.Marshal(map[string]interface{}{"iq": pairs})
	default:
		return nil, errors.Wrapf(ErrUnknownFormat, "%q", format)
	}
}
