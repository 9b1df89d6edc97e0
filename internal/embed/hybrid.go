// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package embed

import "github.com/procedural-memory/pmcore/internal/domain"

// Combine blends a semantic embedding with a structural one:
// `bgeWeight·semantic + (1-bgeWeight)·structural`, after zero-padding
// the structural vector to domain.EmbeddingDim, then L2-normalizes the
// result. A zero-length semantic or structural input is treated as an
// all-zero vector of the right length rather than an error, since a
// capability may be crystallized before its tools have ever been embedded.
func Combine(semantic, structural domain.Embedding, bgeWeight float64) domain.Embedding {
	padded := make(domain.Embedding, domain.EmbeddingDim)
	copy(padded, structural)

	sem := make(domain.Embedding, domain.EmbeddingDim)
	copy(sem, semantic)

	out := make(domain.Embedding, domain.EmbeddingDim)
	for i := range out {
		out[i] = float32(bgeWeight)*sem[i] + float32(1-bgeWeight)*padded[i]
	}
	return out.Normalize()
}
