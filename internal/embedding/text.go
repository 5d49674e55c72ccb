// Package embedding provides image and text embedding with swappable providers.
package embedding

import (
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// HashTextVersion is the provider version recorded for hashed text vectors.
const HashTextVersion = "hash-v1"

var tokenPattern = regexp.MustCompile(`\w+`)

// HashTextModel is the always-available text embedding fallback: lowercase,
// split on non-word characters, hash each token modulo the dimension, sum,
// L2-normalize. Deterministic and dependency-free.
type HashTextModel struct {
	dimensions int
}

// NewHashTextModel creates a hashing text model of the given dimension.
func NewHashTextModel(dimensions int) *HashTextModel {
	return &HashTextModel{dimensions: dimensions}
}

func (m *HashTextModel) Name() string    { return "token-hash" }
func (m *HashTextModel) Version() string { return HashTextVersion }
func (m *HashTextModel) Dimensions() int { return m.dimensions }

// Embed maps text to a unit vector. Empty or token-free input yields the zero
// vector.
func (m *HashTextModel) Embed(text string) ([]float32, error) {
	vec := make([]float32, m.dimensions)
	tokens := tokenPattern.FindAllString(strings.ToLower(text), -1)
	if len(tokens) == 0 {
		return vec, nil
	}

	for _, tok := range tokens {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%uint32(m.dimensions)]++
	}

	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}
