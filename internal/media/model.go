package media

import (
	"context"
	"fmt"
	"image"

	"github.com/imgfloat/server-sub000/internal/domain"
)

// ModelRenderer rasterises a 3D model into a still of the given size.
type ModelRenderer interface {
	Render(ctx context.Context, res Resource, width, height int) (image.Image, error)
}

// UnsupportedModels is the renderer used when no 3D backend is configured.
// Model assets stay registered but are never drawn.
type UnsupportedModels struct{}

func (UnsupportedModels) Render(_ context.Context, res Resource, _, _ int) (image.Image, error) {
	return nil, fmt.Errorf("render %q model: %w", res.MediaType, domain.ErrUnsupportedMedia)
}
