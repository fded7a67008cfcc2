// Package render is the boundary to the asset render pipeline. The
// executor hands it one (product, material) pair at a time and receives
// a complete bundle of output encodings back.
package render

import (
	"context"
	"errors"

	"atelier/internal/model"
)

// ErrRenderTimeout marks a render step that exceeded its time budget.
// The executor treats it like any other transient failure and retries.
var ErrRenderTimeout = errors.New("render step timed out")

// Renderer produces the asset bundle for one material of a product.
// Implementations must honor context cancellation and deadlines.
type Renderer interface {
	Render(ctx context.Context, productID, materialID string) (*model.AssetBundle, error)
}
