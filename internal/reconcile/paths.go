package reconcile

import (
	"github.com/inboxpilot/labelsync/internal/labels"
)

// pathIndex maps the normalized full slash path of every record to its
// provider ID. Paths are reconstructed by following parent IDs; records
// whose parent chain cannot be resolved within the set are skipped rather
// than misattached at the root.
func pathIndex(records []labels.Record) map[string]string {
	byID := make(map[string]labels.Record, len(records))
	for _, rec := range records {
		byID[rec.ProviderID] = rec
	}

	paths := make(map[string]string, len(records))
	var resolve func(id string, depth int) (string, bool)
	resolve = func(id string, depth int) (string, bool) {
		// Depth guard against a corrupted parent cycle.
		if depth > 32 {
			return "", false
		}
		rec, ok := byID[id]
		if !ok {
			return "", false
		}
		if rec.ParentProviderID == "" {
			return rec.Name, true
		}
		parentPath, ok := resolve(rec.ParentProviderID, depth+1)
		if !ok {
			return "", false
		}
		return labels.JoinPath(parentPath, rec.Name), true
	}

	for _, rec := range records {
		if path, ok := resolve(rec.ProviderID, 0); ok {
			paths[labels.NormalizePath(path)] = rec.ProviderID
		}
	}

	return paths
}
