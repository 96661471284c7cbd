package release

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// Constraint selects release versions. The zero value matches every
// stable version.
//
// Accepted forms: "" or "latest", an exact version ("2.45.0", "v2.45.0"),
// comparators separated by spaces or commas (">=2.40 <3"), caret ("^2.45"),
// tilde ("~2.45.1") and wildcards ("2.x", "2.45.*"). A partial version
// without an operator is a wildcard. Pre-releases only match when the
// constraint mentions a pre-release.
type Constraint struct {
	raw        string
	exact      string
	bounds     []bound
	prerelease bool
}

type bound struct {
	op      string
	version string
}

func (b bound) match(v string) bool {
	c := semver.Compare(v, b.version)
	switch b.op {
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case "!=":
		return c != 0
	default:
		return c == 0
	}
}

func ParseConstraint(s string) (Constraint, error) {
	s = strings.TrimSpace(s)
	c := Constraint{raw: s}
	if s == "" || s == "latest" {
		return c, nil
	}

	terms := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	// a single full version is a pin
	if len(terms) == 1 {
		if v, n, err := parseVersion(strings.TrimPrefix(terms[0], "=")); err == nil && n == 3 {
			c.exact = v
			c.prerelease = semver.Prerelease(v) != ""
			return c, nil
		}
	}

	for _, term := range terms {
		bounds, err := parseTerm(term)
		if err != nil {
			return Constraint{}, fmt.Errorf("parsing version constraint %q: %w", s, err)
		}
		for _, b := range bounds {
			if semver.Prerelease(b.version) != "" {
				c.prerelease = true
			}
		}
		c.bounds = append(c.bounds, bounds...)
	}
	return c, nil
}

func (c Constraint) String() string {
	if c.raw == "" {
		return "latest"
	}
	return c.raw
}

// Exact reports the pinned version, if any.
func (c Constraint) Exact() (string, bool) {
	return c.exact, c.exact != ""
}

// Match reports whether version (with or without the leading v) satisfies
// the constraint.
func (c Constraint) Match(version string) bool {
	v := canonical(version)
	if !semver.IsValid(v) {
		return false
	}
	if c.exact != "" {
		return semver.Compare(v, c.exact) == 0
	}
	if semver.Prerelease(v) != "" && !c.prerelease {
		return false
	}
	for _, b := range c.bounds {
		if !b.match(v) {
			return false
		}
	}
	return true
}

func canonical(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// parseVersion returns the canonical form of a possibly partial version and
// the number of components given.
func parseVersion(s string) (string, int, error) {
	v := canonical(s)
	if !semver.IsValid(v) {
		return "", 0, fmt.Errorf("invalid version %q", s)
	}
	core, _, _ := strings.Cut(strings.TrimPrefix(v, "v"), "-")
	core, _, _ = strings.Cut(core, "+")
	return semver.Canonical(v), len(strings.Split(core, ".")), nil
}

func numbers(v string) (major, minor, patch int) {
	core, _, _ := strings.Cut(strings.TrimPrefix(semver.Canonical(v), "v"), "-")
	parts := strings.SplitN(core, ".", 3)
	major, _ = strconv.Atoi(parts[0])
	minor, _ = strconv.Atoi(parts[1])
	patch, _ = strconv.Atoi(parts[2])
	return major, minor, patch
}

func version(major, minor, patch int) string {
	return fmt.Sprintf("v%d.%d.%d", major, minor, patch)
}

// wildcard expands the leading fixed components of a version pattern into
// a half open range.
func wildcard(fixed []string) ([]bound, error) {
	if len(fixed) == 0 {
		return nil, nil
	}
	lower, n, err := parseVersion(strings.Join(fixed, "."))
	if err != nil {
		return nil, err
	}
	major, minor, _ := numbers(lower)
	upper := version(major+1, 0, 0)
	if n >= 2 {
		upper = version(major, minor+1, 0)
	}
	return []bound{{op: ">=", version: lower}, {op: "<", version: upper}}, nil
}

func parseTerm(term string) ([]bound, error) {
	for _, op := range []string{">=", "<=", "!=", ">", "<", "="} {
		if rest, ok := strings.CutPrefix(term, op); ok {
			v, _, err := parseVersion(rest)
			if err != nil {
				return nil, err
			}
			if op == "=" {
				op = "=="
			}
			return []bound{{op: op, version: v}}, nil
		}
	}

	switch {
	case strings.HasPrefix(term, "^"):
		lower, n, err := parseVersion(term[1:])
		if err != nil {
			return nil, err
		}
		major, minor, patch := numbers(lower)
		var upper string
		switch {
		case major > 0 || n == 1:
			upper = version(major+1, 0, 0)
		case minor > 0 || n == 2:
			upper = version(0, minor+1, 0)
		default:
			upper = version(0, 0, patch+1)
		}
		return []bound{{op: ">=", version: lower}, {op: "<", version: upper}}, nil
	case strings.HasPrefix(term, "~"):
		lower, n, err := parseVersion(term[1:])
		if err != nil {
			return nil, err
		}
		major, minor, _ := numbers(lower)
		upper := version(major, minor+1, 0)
		if n == 1 {
			upper = version(major+1, 0, 0)
		}
		return []bound{{op: ">=", version: lower}, {op: "<", version: upper}}, nil
	}

	parts := strings.Split(strings.TrimPrefix(term, "v"), ".")
	for i, p := range parts {
		if p == "x" || p == "X" || p == "*" {
			for _, rest := range parts[i+1:] {
				if rest != "x" && rest != "X" && rest != "*" {
					return nil, fmt.Errorf("invalid wildcard %q", term)
				}
			}
			return wildcard(parts[:i])
		}
	}
	_, n, err := parseVersion(term)
	if err != nil {
		return nil, err
	}
	if n == 3 {
		v, _, _ := parseVersion(term)
		return []bound{{op: "==", version: v}}, nil
	}
	return wildcard(parts)
}
