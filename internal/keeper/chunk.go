package keeper

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultChunkSize es el máximo de llamadas por lectura batch.
	DefaultChunkSize = 500

	defaultReadParallelism = 4
)

// ErrLengthMismatch indica que una lectura batch devolvió menos (o más)
// resultados que llamadas.
var ErrLengthMismatch = errors.New("batch result length mismatch")

// splitChunks parte items en chunks consecutivos de como mucho size elementos.
func splitChunks[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = DefaultChunkSize
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for i := 0; i < len(items); i += size {
		end := min(i+size, len(items))
		chunks = append(chunks, items[i:end])
	}
	return chunks
}

// readChunked ejecuta una lectura batch por chunk, con como mucho parallel
// lecturas en vuelo, y concatena los resultados en el orden de items.
// El primer error cancela el resto.
func readChunked[T, R any](
	ctx context.Context,
	items []T,
	size, parallel int,
	read func(ctx context.Context, chunk []T) ([]R, error),
) ([]R, error) {
	chunks := splitChunks(items, size)
	if len(chunks) == 0 {
		return nil, nil
	}
	if parallel <= 0 {
		parallel = defaultReadParallelism
	}

	results := make([][]R, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, chunk := range chunks {
		g.Go(func() error {
			out, err := read(gctx, chunk)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			if len(out) != len(chunk) {
				return fmt.Errorf("chunk %d: %w: %d calls, %d results", i, ErrLengthMismatch, len(chunk), len(out))
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	flat := make([]R, 0, len(items))
	for _, r := range results {
		flat = append(flat, r...)
	}
	return flat, nil
}
