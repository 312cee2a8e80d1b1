package labels

import (
	"strings"
	"time"
)

// ProviderName represents mailbox provider types
type ProviderName string

const (
	ProviderGoogle    ProviderName = "GOOGLE"
	ProviderMicrosoft ProviderName = "MICROSOFT"
)

// Valid reports whether p is one of the supported providers.
func (p ProviderName) Valid() bool {
	return p == ProviderGoogle || p == ProviderMicrosoft
}

// Entity is the normalized label/folder shape returned by provider adapters.
// ParentProviderID is empty for root-level entities.
type Entity struct {
	ProviderID       string
	Name             string
	ParentProviderID string
}

// Spec is one desired label in a tenant's resolved template tree.
// Parent is the full slash path of the parent label ("" for roots), so the
// desired path of a spec is JoinPath(Parent, Name).
type Spec struct {
	Name     string
	Parent   string
	Color    string
	Intent   string
	Critical bool
	Ordinal  int
}

// Path returns the full slash path of the spec.
func (s Spec) Path() string {
	return JoinPath(s.Parent, s.Name)
}

// Record is the persisted system-of-record row for one provider-confirmed
// label. ProviderID is the provider's own identifier and is authoritative:
// no two records share (Provider, ProviderID). Records are never physically
// removed; absence from a provider snapshot flips Deleted instead.
type Record struct {
	Provider         ProviderName
	ProviderID       string
	TenantID         string
	Name             string
	ParentProviderID string
	SyncedAt         time.Time
	Deleted          bool
}

// JoinPath joins a parent path and a name into a slash path.
func JoinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// NormalizePath lowercases a slash path for case-insensitive matching.
// Sibling names are deduplicated on this form.
func NormalizePath(path string) string {
	return strings.ToLower(path)
}

// EnvKey derives an environment-variable-style key from a label path, as
// consumed by the downstream workflow engine: "SUPPLIERS/Acme Co" becomes
// "SUPPLIERS_ACME_CO".
func EnvKey(path string) string {
	var b strings.Builder
	b.Grow(len(path))
	for _, r := range strings.ToUpper(path) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
