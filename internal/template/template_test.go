package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxpilot/labelsync/internal/labels"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver()
	require.NoError(t, err)
	return r
}

func paths(specs []labels.Spec) []string {
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.Path()
	}
	return out
}

func TestResolveHomeServices(t *testing.T) {
	r := newTestResolver(t)

	specs, err := r.Resolve("home_services", Substitutions{
		Team:    []string{"Hailey", "Jillian"},
		Vendors: []string{"Acme Co"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"BANKING",
		"INVOICES",
		"MANAGER",
		"MANAGER/Hailey",
		"MANAGER/Jillian",
		"SUPPLIERS",
		"SUPPLIERS/Acme Co",
		"CUSTOMERS",
		"CUSTOMERS/Quotes",
		"CUSTOMERS/Complaints",
		"SERVICE",
		"SERVICE/Repairs",
		"SERVICE/Installations",
		"SERVICE/Maintenance Plans",
		"PERMITS",
	}, paths(specs))

	// Ordinals mirror the flattening order; parents precede descendants.
	for i, s := range specs {
		assert.Equal(t, i, s.Ordinal)
		if s.Parent != "" {
			parentIdx := -1
			for j := 0; j < i; j++ {
				if specs[j].Path() == s.Parent {
					parentIdx = j
				}
			}
			assert.GreaterOrEqual(t, parentIdx, 0, "parent of %s must appear earlier", s.Path())
		}
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	r := newTestResolver(t)
	subs := Substitutions{Team: []string{"Hailey"}, Vendors: []string{"Acme Co", "Globex"}}

	first, err := r.Resolve("home_services", subs)
	require.NoError(t, err)
	second, err := r.Resolve("home_services", subs)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestResolveDropsUnfilledSlots(t *testing.T) {
	r := newTestResolver(t)

	specs, err := r.Resolve("home_services", Substitutions{
		Team: []string{"Hailey", "", "  "},
	})
	require.NoError(t, err)

	got := paths(specs)
	assert.Contains(t, got, "MANAGER/Hailey")
	for _, p := range got {
		assert.NotContains(t, p, "{", "slot tokens must never leak into the tree")
	}

	managerChildren := 0
	for _, s := range specs {
		if s.Parent == "MANAGER" {
			managerChildren++
		}
	}
	assert.Equal(t, 1, managerChildren, "blank and whitespace slot values are unfilled")

	// SUPPLIERS stays with no children at all when no vendors are supplied.
	assert.Contains(t, got, "SUPPLIERS")
	for _, s := range specs {
		assert.NotEqual(t, "SUPPLIERS", s.Parent)
	}
}

func TestResolveDeduplicatesSiblingsCaseInsensitively(t *testing.T) {
	r := newTestResolver(t)

	specs, err := r.Resolve("home_services", Substitutions{
		Team: []string{"Hailey", "HAILEY", "Jillian"},
	})
	require.NoError(t, err)

	children := make([]string, 0, 2)
	for _, s := range specs {
		if s.Parent == "MANAGER" {
			children = append(children, s.Name)
		}
	}
	// First-seen casing wins.
	assert.Equal(t, []string{"Hailey", "Jillian"}, children)
}

func TestResolveUnknownVertical(t *testing.T) {
	r := newTestResolver(t)

	specs, err := r.Resolve("aerospace", Substitutions{})
	require.Error(t, err)
	assert.Nil(t, specs)

	var cfgErr *labels.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Error(), "aerospace")
}

func TestResolveOverlayOverridesScalars(t *testing.T) {
	r := newTestResolver(t)

	specs, err := r.Resolve("medical", Substitutions{})
	require.NoError(t, err)

	byPath := make(map[string]labels.Spec, len(specs))
	for _, s := range specs {
		byPath[s.Path()] = s
	}

	// The overlay only overrides the intent; color and criticality come
	// from the base definition.
	invoices, ok := byPath["INVOICES"]
	require.True(t, ok)
	assert.Equal(t, "claims", invoices.Intent)
	assert.Equal(t, "blue", invoices.Color)
	assert.True(t, invoices.Critical)

	// Overlay-only trees are appended after the base ones.
	assert.Contains(t, byPath, "PATIENTS/Appointments")
	assert.Contains(t, byPath, "INSURANCE/Prior Auth")
}

func TestResolveOverlayMarksExistingCritical(t *testing.T) {
	r := newTestResolver(t)

	specs, err := r.Resolve("home_services", Substitutions{})
	require.NoError(t, err)

	for _, s := range specs {
		if s.Path() == "CUSTOMERS" {
			assert.True(t, s.Critical)
			assert.Equal(t, "red", s.Color)
			return
		}
	}
	t.Fatal("CUSTOMERS not resolved")
}

func TestVerticalsSorted(t *testing.T) {
	r := newTestResolver(t)

	got := r.Verticals()
	assert.Equal(t, []string{"home_services", "legal", "medical"}, got)
}
