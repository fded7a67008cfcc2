package model

import (
	"encoding/json"
	"time"
)

// AssetFile is one rendered output encoding of a material.
type AssetFile struct {
	URI       string `json:"uri"`
	SizeBytes int64  `json:"size_bytes"`
}

// AssetBundle is the complete set of rendered encodings for one
// (product, material) pair, ready to be served to the storefront.
type AssetBundle struct {
	ID          string               `json:"id"`
	ProductID   string               `json:"product_id"`
	MaterialID  string               `json:"material_id"`
	Encodings   map[string]AssetFile `json:"encodings"` // encoding name -> file
	Checksum    string               `json:"checksum,omitempty"`
	SizeBytes   int64                `json:"size_bytes"`
	GeneratedMS int64                `json:"generated_ms"` // render duration in milliseconds
	GeneratedAt time.Time            `json:"generated_at"`
}

// TotalSize sums the encoding file sizes. Falls back to SizeBytes when the
// renderer reported only an aggregate.
func (b *AssetBundle) TotalSize() int64 {
	var total int64
	for _, f := range b.Encodings {
		total += f.SizeBytes
	}
	if total == 0 {
		return b.SizeBytes
	}
	return total
}

// ToJSON converts the bundle to JSON bytes.
func (b *AssetBundle) ToJSON() ([]byte, error) {
	return json.Marshal(b)
}

// FromJSON converts JSON bytes to a bundle.
func (b *AssetBundle) FromJSON(data []byte) error {
	return json.Unmarshal(data, b)
}
