package optimizer

import (
	"github.com/chronosdb/chronos"
)

// Bulk operation tags exempt from inline snapshots.
const (
	BulkUpdateTag = "BULK_UPDATE"
	BulkDeleteTag = "BULK_DELETE"
)

// ShadowSkip builds the pipeline's snapshot-skip policy: bulk traffic and
// oversized payloads never carry an inline shadow.
func ShadowSkip(cfg chronos.WriteOptimizationConfig, shadow chronos.DevShadowConfig) func(bulkTag string, size int) bool {
	return func(bulkTag string, size int) bool {
		if !cfg.AllowShadowSkip {
			return false
		}
		if bulkTag == BulkUpdateTag || bulkTag == BulkDeleteTag {
			return true
		}
		return shadow.MaxBytesPerDoc > 0 && size > shadow.MaxBytesPerDoc
	}
}
