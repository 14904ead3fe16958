package runtime

import (
	"context"
	"fmt"

	"github.com/roach88/quill/internal/event"
	"github.com/roach88/quill/internal/store"
)

// ProjectionFetcher resolves assigned cells from the projection. Used
// by in-process agents, which share the server's database.
type ProjectionFetcher struct {
	store *store.Store
}

// NewProjectionFetcher creates a fetcher over the given store.
func NewProjectionFetcher(s *store.Store) *ProjectionFetcher {
	return &ProjectionFetcher{store: s}
}

func (f *ProjectionFetcher) FetchCell(ctx context.Context, notebookID, cellID string) (CellInfo, error) {
	cell, err := f.store.CellByID(ctx, f.store.DB(), cellID)
	if err != nil {
		return CellInfo{}, err
	}
	if cell == nil || cell.NotebookID != notebookID {
		return CellInfo{}, fmt.Errorf("cell %s not found in notebook %s", cellID, notebookID)
	}
	maxPos, err := f.store.MaxOutputPosition(ctx, f.store.DB(), cellID)
	if err != nil {
		return CellInfo{}, err
	}
	return CellInfo{
		Source:             cell.Source,
		Type:               event.CellType(cell.CellType),
		ExecutionCount:     cell.ExecutionCount,
		NextOutputPosition: maxPos + 1,
	}, nil
}
