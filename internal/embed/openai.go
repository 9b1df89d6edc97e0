// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package embed

import (
	"context"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/procedural-memory/pmcore/internal/domain"
)

// OpenAIEmbedder is a semantic Embedder backed by OpenAI's embeddings API.
// It never holds the API key itself — the caller constructs the
// *openai.Client once and hands it in here.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAIEmbedder returns an Embedder using the given client and model.
func NewOpenAIEmbedder(client *openai.Client, model openai.EmbeddingModel) *OpenAIEmbedder {
	return &OpenAIEmbedder{client: client, model: model}
}

// Embed calls the embeddings endpoint and L2-normalizes the result before
// returning it, since downstream cosine similarity assumes unit vectors.
func (o *OpenAIEmbedder) Embed(ctx context.Context, text string) (domain.Embedding, error) {
	slog.Debug("requesting embedding", "model", o.model, "chars", len(text))
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: o.model,
	})
	if err != nil {
		return nil, fmt.Errorf("embed: openai request failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embed: openai returned no embeddings")
	}

	raw := resp.Data[0].Embedding
	vec := make(domain.Embedding, len(raw))
	copy(vec, raw)
	return vec.Normalize(), nil
}
