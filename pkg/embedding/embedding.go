// Package embedding provides the engine's text-to-vector contract. Two
// implementations are offered: Preferred, which loads a static embedding
// table from a local file, and Fallback, a dependency-free hashing
// embedder that always succeeds. Select tries Preferred once at startup
// and degrades to Fallback if the model file cannot be loaded, rather than
// failing construction outright.
package embedding

import (
	"bufio"
	"hash/fnv"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/kittclouds/memengine/internal/errs"
)

// Provider embeds text into a fixed-dimension unit-norm vector.
type Provider interface {
	Embed(text string) ([]float32, error)
	Dim() int
	Name() string
}

// Config controls provider selection.
type Config struct {
	// ModelPath, if set, points at a local embedding table file (see
	// NewPreferredProvider). Empty means always use the fallback.
	ModelPath string
	// Dim is the preferred provider's vector dimension.
	Dim int
	// FallbackDim is the fallback provider's dimension, which may be
	// smaller than Dim; 0 means use Dim for both. When the two differ, the
	// engine-wide dimension is whichever provider Select actually returns,
	// and stored vectors of the other dimension are excluded from the ANN
	// index on rebuild.
	FallbackDim int
}

func (c Config) Validate() error {
	if c.Dim <= 0 {
		return errs.New(errs.ConfigurationInvalid, "embedding dimension must be positive", nil)
	}
	if c.FallbackDim < 0 {
		return errs.New(errs.ConfigurationInvalid, "fallback embedding dimension must not be negative", nil)
	}
	return nil
}

// Select builds the preferred provider if ModelPath is set and loads
// successfully, otherwise returns the fallback. The returned bool reports
// whether the preferred provider was used; callers read the engine-wide
// dimension off the returned provider's Dim, which is fixed for the
// lifetime of the process.
func Select(cfg Config) (Provider, bool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}

	if cfg.ModelPath != "" {
		p, err := NewPreferredProvider(cfg.ModelPath, cfg.Dim)
		if err == nil {
			return p, true, nil
		}
	}

	fallbackDim := cfg.FallbackDim
	if fallbackDim == 0 {
		fallbackDim = cfg.Dim
	}
	return NewFallbackProvider(fallbackDim), false, nil
}

// =============================================================================
// Preferred: static embedding table loaded from a local file
// =============================================================================

// PreferredProvider serves embeddings from a table of whitespace-tokenized
// terms pre-mapped to vectors, loaded once from disk. Out-of-vocabulary
// text falls back to averaging the vectors of its known tokens; text with
// no known tokens returns an error so Select's caller can decide whether
// to degrade per-call.
type PreferredProvider struct {
	mu    sync.RWMutex
	dim   int
	table map[string][]float32
}

// NewPreferredProvider loads a term->vector table from path. The file
// format is one entry per line: "term v1 v2 ... vN" space-separated.
func NewPreferredProvider(path string, dim int) (*PreferredProvider, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.New(errs.EmbeddingFailure, "open embedding table "+path, err)
	}
	defer f.Close()

	table := make(map[string][]float32)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != dim+1 {
			continue
		}
		vec := make([]float32, dim)
		ok := true
		for i, s := range fields[1:] {
			v, err := strconv.ParseFloat(s, 32)
			if err != nil {
				ok = false
				break
			}
			vec[i] = float32(v)
		}
		if ok {
			table[fields[0]] = normalize(vec)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.New(errs.EmbeddingFailure, "read embedding table "+path, err)
	}
	if len(table) == 0 {
		return nil, errs.New(errs.EmbeddingFailure, "embedding table "+path+" is empty", nil)
	}

	return &PreferredProvider{dim: dim, table: table}, nil
}

func (p *PreferredProvider) Name() string { return "preferred" }
func (p *PreferredProvider) Dim() int     { return p.dim }

func (p *PreferredProvider) Embed(text string) ([]float32, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	tokens := strings.Fields(strings.ToLower(text))
	sum := make([]float32, p.dim)
	matched := 0
	for _, tok := range tokens {
		if v, ok := p.table[tok]; ok {
			for i, f := range v {
				sum[i] += f
			}
			matched++
		}
	}
	if matched == 0 {
		return nil, errs.New(errs.EmbeddingFailure, "no known tokens in text", nil)
	}
	for i := range sum {
		sum[i] /= float32(matched)
	}
	return normalize(sum), nil
}

// =============================================================================
// Fallback: dependency-free hashing/shingle embedder
// =============================================================================

// FallbackProvider embeds text deterministically by hashing character
// trigrams into a fixed number of buckets, the way a bloom-filter-style
// feature hasher would, then L2-normalizing. It never fails and needs no
// external model file.
type FallbackProvider struct {
	dim int
}

func NewFallbackProvider(dim int) *FallbackProvider {
	return &FallbackProvider{dim: dim}
}

func (f *FallbackProvider) Name() string { return "fallback" }
func (f *FallbackProvider) Dim() int     { return f.dim }

func (f *FallbackProvider) Embed(text string) ([]float32, error) {
	vec := make([]float32, f.dim)
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		vec[0] = 1
		return vec, nil
	}

	runes := []rune(text)
	const shingle = 3
	n := len(runes)
	if n < shingle {
		n = shingle
		runes = append(runes, make([]rune, shingle-len(runes))...)
	}
	for i := 0; i <= len(runes)-shingle; i++ {
		h := fnv32(string(runes[i : i+shingle]))
		bucket := int(h % uint32(f.dim))
		sign := float32(1)
		if (h>>31)&1 == 1 {
			sign = -1
		}
		vec[bucket] += sign
	}

	return normalize(vec), nil
}

func fnv32(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

func normalize(v []float32) []float32 {
	var sumSq float64
	for _, f := range v {
		sumSq += float64(f) * float64(f)
	}
	if sumSq == 0 {
		return v
	}
	norm := float32(math.Sqrt(sumSq))
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = f / norm
	}
	return out
}
