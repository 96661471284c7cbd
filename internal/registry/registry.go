// Package registry holds the canonical result of a scan: the deduplicated,
// deterministically ordered set of instrumented functions.
//
// A Registry is immutable. A new scan builds a new Registry and publishes it
// through a Store, so readers never observe a partially built value.
package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"slices"

	"github.com/autometrics-dev/am/internal/model"
)

// BuildInfoMetric is always scraped, the autometrics libraries attach the
// version labels to it.
const BuildInfoMetric = "build_info"

type identity struct {
	name string
	file string
}

type Registry struct {
	functions []model.Function
	// index of the first function with a given qualified name
	first map[string]int
}

// Build sorts and deduplicates funcs. The result does not depend on the
// order of funcs. Duplicates are reported as *model.DuplicateNameError
// diagnostics and appended to diags, the returned diagnostics are sorted.
func Build(funcs []model.Function, diags []model.Diagnostic) (*Registry, []model.Diagnostic) {
	sorted := slices.Clone(funcs)
	slices.SortStableFunc(sorted, model.Compare)

	r := &Registry{
		functions: make([]model.Function, 0, len(sorted)),
		first:     make(map[string]int, len(sorted)),
	}
	out := slices.Clone(diags)
	seen := make(map[identity]model.Location, len(sorted))

	for _, fn := range sorted {
		id := identity{name: fn.QualifiedName, file: fn.File}
		if loc, ok := seen[id]; ok {
			out = append(out, model.NewDiagnostic(&model.DuplicateNameError{
				QualifiedName: fn.QualifiedName,
				First:         loc,
				Second:        fn.Location(),
			}))
			continue
		}
		seen[id] = fn.Location()

		if idx, ok := r.first[fn.QualifiedName]; ok {
			out = append(out, model.NewDiagnostic(&model.DuplicateNameError{
				QualifiedName: fn.QualifiedName,
				First:         r.functions[idx].Location(),
				Second:        fn.Location(),
			}))
		} else {
			r.first[fn.QualifiedName] = len(r.functions)
		}
		if fn.MetricNames == nil {
			fn.MetricNames = []string{}
		} else {
			fn.MetricNames = slices.Clone(fn.MetricNames)
		}
		r.functions = append(r.functions, fn)
	}

	slices.SortStableFunc(out, model.CompareDiagnostics)
	return r, out
}

// Empty returns a registry with no functions.
func Empty() *Registry {
	r, _ := Build(nil, nil)
	return r
}

func (r *Registry) Len() int {
	return len(r.functions)
}

// All iterates the functions in canonical order.
func (r *Registry) All() iter.Seq[model.Function] {
	return func(yield func(model.Function) bool) {
		for _, fn := range r.functions {
			if !yield(fn) {
				return
			}
		}
	}
}

// Functions returns a copy of the functions in canonical order.
func (r *Registry) Functions() []model.Function {
	return slices.Clone(r.functions)
}

// Lookup returns the first function, in canonical order, with the given
// qualified name.
func (r *Registry) Lookup(qualifiedName string) (model.Function, bool) {
	idx, ok := r.first[qualifiedName]
	if !ok {
		return model.Function{}, false
	}
	return r.functions[idx], true
}

// Ambiguous reports whether more than one file declares qualifiedName.
func (r *Registry) Ambiguous(qualifiedName string) bool {
	n := 0
	for _, fn := range r.functions {
		if fn.QualifiedName == qualifiedName {
			n++
		}
	}
	return n > 1
}

// MarshalJSON encodes the registry as an array of records.
func (r *Registry) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.functions)
}

// WriteJSON writes the export format: an indented array in canonical order
// followed by a newline.
func (r *Registry) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r.functions); err != nil {
		return fmt.Errorf("encoding registry: %w", err)
	}
	return nil
}

// MetricNames returns the sorted set of metric names to scrape. Only the
// first function of an ambiguous name contributes.
func (r *Registry) MetricNames() []string {
	set := map[string]struct{}{BuildInfoMetric: {}}
	for _, idx := range r.first {
		for _, m := range r.functions[idx].MetricNames {
			set[m] = struct{}{}
		}
	}
	ret := make([]string, 0, len(set))
	for m := range set {
		ret = append(ret, m)
	}
	slices.Sort(ret)
	return ret
}

// ScrapeTarget is one application endpoint the engine collects from.
type ScrapeTarget struct {
	Job         string
	Scheme      string
	Target      string
	MetricsPath string
	Keep        []string
}

// ScrapeTargets projects the registry onto the configured application
// endpoints. The first endpoint is job "app", the next ones "app_2" and so
// on.
func (r *Registry) ScrapeTargets(endpoints []model.Endpoint) []ScrapeTarget {
	keep := r.MetricNames()
	ret := make([]ScrapeTarget, 0, len(endpoints))
	for i, ep := range endpoints {
		job := "app"
		if i > 0 {
			job = fmt.Sprintf("app_%d", i+1)
		}
		path := ep.MetricsPath
		if path == "" {
			path = model.DefaultMetricsPath
		}
		scheme := ep.Scheme
		if scheme == "" {
			scheme = "http"
		}
		ret = append(ret, ScrapeTarget{
			Job:         job,
			Scheme:      scheme,
			Target:      ep.Host,
			MetricsPath: path,
			Keep:        slices.Clone(keep),
		})
	}
	return ret
}
