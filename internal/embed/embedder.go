// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package embed produces the semantic half of a capability's hybrid
// embedding (the BGE-style intent vector) via a pluggable Embedder, and the
// graph-structural half via a hand-rolled Node2Vec-style walk/PMI/SVD
// pipeline that never leaves this package.
package embed

import (
	"context"

	"github.com/procedural-memory/pmcore/internal/domain"
)

// Embedder is opaque to the rest of the core: SHGAT and the planner only
// ever see a domain.Embedding, never which backend produced it.
type Embedder interface {
	Embed(ctx context.Context, text string) (domain.Embedding, error)
}
