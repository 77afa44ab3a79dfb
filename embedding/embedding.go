// Package embedding provides the fixed-dimension vector embeddings that
// back semantic cache lookup and the vector half of hybrid
// search. Every Provider, local or remote, must return L2-normalized
// vectors of the same configured dimension so cosine similarity is
// comparable across callers.
package embedding

import "context"

// Provider produces embeddings for arbitrary text. Implementations must be
// deterministic for a given input and return vectors of exactly Dimension() length.
type Provider interface {
	// Embed returns one embedding per input text, in the same order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension reports the fixed vector width this provider produces.
	Dimension() int
}
