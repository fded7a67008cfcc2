package service

import (
	"context"

	"atelier/internal/model"
	"atelier/pkg/matcache"
)

// AssetService serves rendered bundles from the material switch cache. A
// miss is an expected condition while generation is in flight and is
// reported as not-ready rather than as an error.
type AssetService struct {
	cache *matcache.Cache
}

// NewAssetService creates a new asset service
func NewAssetService(cache *matcache.Cache) *AssetService {
	return &AssetService{cache: cache}
}

// ServeAsset returns the cached bundle for a (product, material) pair. The
// second return is false when the bundle is not in cache yet.
func (s *AssetService) ServeAsset(ctx context.Context, productID, materialID string) (*model.AssetBundle, bool) {
	return s.cache.Get(ctx, productID, materialID)
}
