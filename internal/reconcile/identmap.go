package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/inboxpilot/labelsync/internal/labels"
)

// BuildIdentifierMap emits the flat path → provider-identifier mapping
// consumed by the downstream workflow engine, from the live (non-deleted)
// record set. Every desired label must have a live record: a missing leaf
// means a blocked or failed creation was never resolved, and handing the
// engine an incomplete map would silently misroute mail, so this fails
// loudly instead of omitting entries.
func BuildIdentifierMap(specs []labels.Spec, records []labels.Record) (map[string]string, error) {
	index := pathIndex(records)

	out := make(map[string]string, len(specs))
	var missing []string
	for _, spec := range specs {
		path := spec.Path()
		providerID, ok := index[labels.NormalizePath(path)]
		if !ok {
			missing = append(missing, path)
			continue
		}
		out[path] = providerID
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("identifier map incomplete, no live record for: %s", strings.Join(missing, ", "))
	}

	return out, nil
}

// EnvKeys converts an identifier map into environment-variable-style keys
// for the workflow engine definition ("SUPPLIERS/Acme Co" → SUPPLIERS_ACME_CO).
func EnvKeys(identifierMap map[string]string) map[string]string {
	out := make(map[string]string, len(identifierMap))
	for path, providerID := range identifierMap {
		out[labels.EnvKey(path)] = providerID
	}
	return out
}
