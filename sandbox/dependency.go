package sandbox

import (
	"fmt"
	"sort"
	"strings"
)

// DependencySpec describes one package to install into the isolated environment.
// The constraint is opaque and handed to the installer verbatim.
type DependencySpec struct {
	Name       string
	Constraint string
	Extras     []string
}

// Specifier renders the spec in name[extras]constraint form.
func (d DependencySpec) Specifier() string {
	var b strings.Builder
	b.WriteString(d.Name)

	if extras := d.normalizedExtras(); len(extras) > 0 {
		b.WriteString("[")
		b.WriteString(strings.Join(extras, ","))
		b.WriteString("]")
	}

	if !isAnyVersion(d.Constraint) {
		b.WriteString(strings.TrimSpace(d.Constraint))
	}

	return b.String()
}

func (d DependencySpec) normalizedExtras() []string {
	if len(d.Extras) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(d.Extras))
	extras := make([]string, 0, len(d.Extras))
	for _, e := range d.Extras {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		extras = append(extras, e)
	}
	sort.Strings(extras)

	return extras
}

func isAnyVersion(constraint string) bool {
	switch strings.TrimSpace(constraint) {
	case "", "*", "any":
		return true
	default:
		return false
	}
}

// ParseDependencies converts the loosely typed dependency map found in
// configuration files into specs. A value may be a version string ("*" for
// any version, a bare version is pinned with ==) or a map with optional
// "version" and "extras" keys.
func ParseDependencies(raw map[string]any) (map[string]DependencySpec, error) {
	deps := make(map[string]DependencySpec, len(raw))

	for name, value := range raw {
		spec := DependencySpec{Name: name}

		switch v := value.(type) {
		case nil:
		case string:
			spec.Constraint = pinVersion(v)
		case map[string]any:
			if err := parseDependencyDetails(&spec, v); err != nil {
				return nil, err
			}
		case map[any]any:
			converted := make(map[string]any, len(v))
			for k, val := range v {
				converted[fmt.Sprint(k)] = val
			}
			if err := parseDependencyDetails(&spec, converted); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("dependency %q: unsupported value type %T", name, value)
		}

		deps[name] = spec
	}

	return deps, nil
}

func parseDependencyDetails(spec *DependencySpec, details map[string]any) error {
	if version, ok := details["version"]; ok && version != nil {
		s, isString := version.(string)
		if !isString {
			return fmt.Errorf("dependency %q: version must be a string, got %T", spec.Name, version)
		}
		spec.Constraint = pinVersion(s)
	}

	if extras, ok := details["extras"]; ok && extras != nil {
		switch e := extras.(type) {
		case []string:
			spec.Extras = append(spec.Extras, e...)
		case []any:
			for _, item := range e {
				s, isString := item.(string)
				if !isString {
					return fmt.Errorf("dependency %q: extras must be strings, got %T", spec.Name, item)
				}
				spec.Extras = append(spec.Extras, s)
			}
		default:
			return fmt.Errorf("dependency %q: extras must be a list, got %T", spec.Name, extras)
		}
	}

	return nil
}

// pinVersion turns a bare version into an exact pin and leaves operator
// constraints untouched.
func pinVersion(version string) string {
	version = strings.TrimSpace(version)
	if isAnyVersion(version) {
		return ""
	}
	if strings.ContainsAny(version[:1], "=<>!~") {
		return version
	}
	return "==" + version
}

// sortedDependencies returns the specs ordered by name so installs are reproducible.
func sortedDependencies(deps map[string]DependencySpec) []DependencySpec {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]DependencySpec, 0, len(names))
	for _, name := range names {
		spec := deps[name]
		if spec.Name == "" {
			spec.Name = name
		}
		specs = append(specs, spec)
	}

	return specs
}
