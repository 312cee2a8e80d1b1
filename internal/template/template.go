package template

import (
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/inboxpilot/labelsync/internal/labels"
)

//go:embed templates/base.yaml templates/verticals/*.yaml
var templateFS embed.FS

// LabelDef is one node of a label template tree as declared in YAML.
// Critical is a pointer so a vertical overlay can distinguish "unset" from
// an explicit false override.
type LabelDef struct {
	Name     string     `yaml:"name"`
	Color    string     `yaml:"color"`
	Intent   string     `yaml:"intent"`
	Critical *bool      `yaml:"critical"`
	Children []LabelDef `yaml:"children"`
}

// Tree is a full template document.
type Tree struct {
	Labels []LabelDef `yaml:"labels"`
}

// Substitutions carries the tenant-supplied values for template slots.
type Substitutions struct {
	Team    []string
	Vendors []string
}

// Resolver merges the base cross-tenant template with a vertical overlay and
// tenant substitutions into an ordered desired-state tree.
type Resolver struct {
	base      Tree
	verticals map[string]Tree
}

// NewResolver loads the embedded base template and all vertical overlays.
func NewResolver() (*Resolver, error) {
	r := &Resolver{verticals: make(map[string]Tree)}

	raw, err := templateFS.ReadFile("templates/base.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read base template: %w", err)
	}
	if err := yaml.Unmarshal(raw, &r.base); err != nil {
		return nil, fmt.Errorf("failed to parse base template: %w", err)
	}

	entries, err := fs.ReadDir(templateFS, "templates/verticals")
	if err != nil {
		return nil, fmt.Errorf("failed to read vertical templates: %w", err)
	}
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		raw, err := templateFS.ReadFile("templates/verticals/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read vertical %s: %w", name, err)
		}
		var tree Tree
		if err := yaml.Unmarshal(raw, &tree); err != nil {
			return nil, fmt.Errorf("failed to parse vertical %s: %w", name, err)
		}
		r.verticals[name] = tree
	}

	return r, nil
}

// Verticals returns the known vertical identifiers in sorted order.
func (r *Resolver) Verticals() []string {
	names := make([]string, 0, len(r.verticals))
	for name := range r.verticals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve produces the ordered desired-state tree for a tenant: base
// template, vertical overlay merged on top, slots substituted, unfilled
// slots dropped, and siblings deduplicated case-insensitively preserving
// first-seen order. Identical inputs always yield an identical sequence.
func (r *Resolver) Resolve(vertical string, subs Substitutions) ([]labels.Spec, error) {
	overlay, ok := r.verticals[vertical]
	if !ok {
		return nil, &labels.ConfigurationError{Reason: fmt.Sprintf("unknown vertical %q", vertical)}
	}

	merged := mergeDefs(r.base.Labels, overlay.Labels)

	var specs []labels.Spec
	flatten(merged, "", subs, &specs)
	return specs, nil
}

// mergeDefs merges an overlay label list onto a base list. Nodes match by
// case-insensitive name: matched nodes have scalar fields replaced when the
// overlay sets them and child lists merged recursively; unmatched overlay
// nodes are appended after the base list in overlay order.
func mergeDefs(base, overlay []LabelDef) []LabelDef {
	out := make([]LabelDef, len(base))
	copy(out, base)

	for _, over := range overlay {
		idx := -1
		for i, def := range out {
			if strings.EqualFold(def.Name, over.Name) {
				idx = i
				break
			}
		}
		if idx < 0 {
			out = append(out, over)
			continue
		}

		merged := out[idx]
		if over.Color != "" {
			merged.Color = over.Color
		}
		if over.Intent != "" {
			merged.Intent = over.Intent
		}
		if over.Critical != nil {
			merged.Critical = over.Critical
		}
		merged.Children = mergeDefs(merged.Children, over.Children)
		out[idx] = merged
	}

	return out
}

var slotPattern = regexp.MustCompile(`\{(team|vendor)#(\d+)\}`)

// flatten walks a merged tree depth-first, substituting slots and assigning
// provisioning ordinals. Parents always precede their descendants in the
// output, which is the order the provisioner relies on.
func flatten(defs []LabelDef, parentPath string, subs Substitutions, out *[]labels.Spec) {
	seen := make(map[string]bool)

	for _, def := range defs {
		name, ok := substitute(def.Name, subs)
		if !ok {
			// Unfilled slot: the node and its entire subtree are dropped.
			continue
		}

		key := labels.NormalizePath(name)
		if seen[key] {
			continue
		}
		seen[key] = true

		critical := def.Critical != nil && *def.Critical
		*out = append(*out, labels.Spec{
			Name:     name,
			Parent:   parentPath,
			Color:    def.Color,
			Intent:   def.Intent,
			Critical: critical,
			Ordinal:  len(*out),
		})

		flatten(def.Children, labels.JoinPath(parentPath, name), subs, out)
	}
}

// substitute replaces every slot token in name with the tenant-supplied
// value at that index. Returns ok=false when any token has no value, or
// when substitution leaves the name empty.
func substitute(name string, subs Substitutions) (string, bool) {
	missing := false
	result := slotPattern.ReplaceAllStringFunc(name, func(tok string) string {
		m := slotPattern.FindStringSubmatch(tok)
		idx, err := strconv.Atoi(m[2])
		if err != nil || idx < 1 {
			missing = true
			return ""
		}

		var values []string
		switch m[1] {
		case "team":
			values = subs.Team
		case "vendor":
			values = subs.Vendors
		}
		if idx > len(values) || strings.TrimSpace(values[idx-1]) == "" {
			missing = true
			return ""
		}
		return values[idx-1]
	})

	if missing {
		return "", false
	}
	result = strings.TrimSpace(result)
	if result == "" {
		return "", false
	}
	return result, true
}
