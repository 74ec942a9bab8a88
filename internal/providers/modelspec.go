package providers

import (
	"fmt"
	"regexp"
	"strings"
)

// ModelSpec is a parsed model reference of the form
// "provider:namespace/model#routing". Only the provider and name are
// required; the routing suffix is passed through opaquely.
type ModelSpec struct {
	Provider string
	Name     string // includes the namespace when present
	Routing  string
}

// ParseModelSpec splits "provider:namespace/model#routing" into its parts.
func ParseModelSpec(spec string) (ModelSpec, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return ModelSpec{}, fmt.Errorf("empty model spec")
	}

	var out ModelSpec
	if i := strings.Index(s, "#"); i >= 0 {
		out.Routing = s[i+1:]
		s = s[:i]
	}
	if i := strings.Index(s, ":"); i >= 0 {
		out.Provider = s[:i]
		s = s[i+1:]
	}
	if s == "" {
		return ModelSpec{}, fmt.Errorf("model spec %q has no model name", spec)
	}
	out.Name = s
	return out, nil
}

// String reassembles the spec.
func (m ModelSpec) String() string {
	s := m.Name
	if m.Provider != "" {
		s = m.Provider + ":" + s
	}
	if m.Routing != "" {
		s = s + "#" + m.Routing
	}
	return s
}

var modelCorePattern = regexp.MustCompile(`(?:[-\w]*:)?(?:[-.\w]*/)?([-.\w]+)(?:#[-\w,]*)?`)

// ModelStrCore extracts the bare model name from a full spec:
// "provider:namespace/model#routing" -> "model". Malformed input is
// returned unchanged.
func ModelStrCore(spec string) string {
	m := modelCorePattern.FindStringSubmatch(spec)
	if m == nil {
		return spec
	}
	return m[1]
}

// FirstModel returns the first entry of a model list, or the empty string.
func FirstModel(models []string) string {
	if len(models) == 0 {
		return ""
	}
	return models[0]
}
