package render

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"time"

	"atelier/internal/model"
	"atelier/pkg/config"

	"github.com/google/uuid"
)

// localRenderDelay approximates one render step so progress and timing
// behave realistically without a render farm attached.
const localRenderDelay = 15 * time.Millisecond

// LocalRenderer produces deterministic bundles in-process. It backs
// development setups and demo deployments that have no render farm.
type LocalRenderer struct {
	encodings []string
}

// NewLocalRenderer creates an in-process renderer.
func NewLocalRenderer(cfg config.RenderConfig) *LocalRenderer {
	encodings := cfg.Encodings
	if len(encodings) == 0 {
		encodings = config.DefaultRenderConfig().Encodings
	}
	return &LocalRenderer{encodings: encodings}
}

// Render builds a synthetic bundle for the pair. File sizes are derived
// from the pair so repeated renders agree, and cancellation is honored
// during the simulated render delay.
func (r *LocalRenderer) Render(ctx context.Context, productID, materialID string) (*model.AssetBundle, error) {
	start := time.Now()

	select {
	case <-time.After(localRenderDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	bundle := &model.AssetBundle{
		ID:          uuid.New().String(),
		ProductID:   productID,
		MaterialID:  materialID,
		Encodings:   make(map[string]model.AssetFile, len(r.encodings)),
		GeneratedAt: time.Now(),
	}

	for _, enc := range r.encodings {
		size := syntheticSize(productID, materialID, enc)
		bundle.Encodings[enc] = model.AssetFile{
			URI:       fmt.Sprintf("/assets/%s/%s.%s", productID, materialID, enc),
			SizeBytes: size,
		}
		bundle.SizeBytes += size
	}

	sum := sha256.Sum256([]byte(productID + "/" + materialID))
	bundle.Checksum = hex.EncodeToString(sum[:])
	bundle.GeneratedMS = time.Since(start).Milliseconds()

	return bundle, nil
}

// syntheticSize maps a (product, material, encoding) triple onto a stable
// size between 16KB and ~1MB.
func syntheticSize(productID, materialID, encoding string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(productID + "/" + materialID + "." + encoding))
	return 16*1024 + int64(h.Sum32()%uint32(1024*1024-16*1024))
}
