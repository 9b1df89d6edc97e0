// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package domain

import "math"

// EmbeddingDim is the process-global embedding width. It is fixed at
// initialization and validated on every insertion into the GraphStore.
const EmbeddingDim = 1024

// Embedding is a fixed-width dense vector. The core never inspects its
// contents beyond dimension and norm checks; producing one is the Embedder's
// job (internal/embed).
type Embedding []float32

// Norm returns the embedding's L2 norm.
func (e Embedding) Norm() float64 {
	var sum float64
	for _, v := range e {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// Normalize returns a new Embedding scaled to unit L2 norm. A zero-norm
// input returns the input unchanged so callers can detect degeneracy
// themselves.
func (e Embedding) Normalize() Embedding {
	n := e.Norm()
	if n == 0 {
		return e
	}
	out := make(Embedding, len(e))
	for i, v := range e {
		out[i] = float32(float64(v) / n)
	}
	return out
}

// Cosine computes cosine similarity between two embeddings of equal length.
// Returns 0 for mismatched lengths or zero-norm vectors rather than NaN, so
// a missing embedding degrades a final score to 0 instead of poisoning it.
func Cosine(a, b Embedding) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if math.IsNaN(cos) || math.IsInf(cos, 0) {
		return 0
	}
	// Clamp for floating point drift beyond [-1, 1].
	if cos > 1 {
		cos = 1
	} else if cos < -1 {
		cos = -1
	}
	return cos
}
