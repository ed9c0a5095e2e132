package registry

import (
	"fmt"
	"strings"

	"github.com/eosdis/harmony/internal/operation"
)

// BestEffortMessage tags a service selection that dropped optional subset
// filters because no strict match existed.
const BestEffortMessage = "The requested service was selected on a best-effort basis; returned bounds may exceed the requested extent"

// MatchContext carries request-scoped data the filters consult beyond the
// operation itself.
type MatchContext struct {
	NativeFormats map[string]string // collection id -> native (UMM-C) format
}

// NoMatchError is raised when the filter pipeline empties the candidate
// list. It carries the unsatisfiable operations for the user-facing 4xx.
type NoMatchError struct {
	Operations  []string
	Collections []string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("no service supports %s on collections %s",
		strings.Join(e.Operations, ", "), strings.Join(e.Collections, ", "))
}

// filter narrows the candidate list for one requested operation. The
// returned consumed string names the operation it checked, for no-match
// reporting.
type filter struct {
	name     string
	optional bool
	apply    func(op *operation.Document, ctx *MatchContext, candidates []*ServiceConfig) []*ServiceConfig
}

// selectionPipeline is the fixed filter order. Optional filters are dropped
// on the best-effort second pass.
var selectionPipeline = []filter{
	{name: "collection", apply: filterCollections},
	{name: "concatenation", apply: filterConcatenation},
	{name: "variable subsetting", apply: filterVariableSubset},
	{name: "spatial subsetting", optional: true, apply: filterSpatialSubset},
	{name: "temporal subsetting", optional: true, apply: filterTemporalSubset},
	{name: "dimension subsetting", apply: filterDimensionSubset},
	{name: "reprojection", apply: filterReprojection},
	{name: "extend", apply: filterExtend},
	{name: "area averaging", apply: filterAreaAveraging},
	{name: "time averaging", apply: filterTimeAveraging},
	{name: "shapefile subsetting", optional: true, apply: filterShapeSubset},
	{name: "output format", apply: filterOutputFormat},
}

// Choose selects the single service chain capable of performing the
// operation. When no strict match exists and the request is reducible (at
// most one of spatial/shapefile/temporal subsetting and nothing else
// optional), the optional filters are dropped and the match is tagged with
// a bounds-may-exceed message.
func (r *Registry) Choose(op *operation.Document, ctx *MatchContext) (*ServiceConfig, error) {
	if ctx == nil {
		ctx = &MatchContext{}
	}

	if svc := r.runPipeline(op, ctx, false); svc != nil {
		return svc, nil
	}

	if bestEffortEligible(op) {
		if svc := r.runPipeline(op, ctx, true); svc != nil {
			relaxed := *svc
			relaxed.Message = BestEffortMessage
			r.logger.Info().
				Str("service", svc.Name).
				Msg("Best-effort service match: optional subset filters dropped")
			return &relaxed, nil
		}
	}

	return nil, &NoMatchError{
		Operations:  op.RequestedOperations(),
		Collections: op.CollectionIDs(),
	}
}

func (r *Registry) runPipeline(op *operation.Document, ctx *MatchContext, skipOptional bool) *ServiceConfig {
	candidates := make([]*ServiceConfig, 0, len(r.services))
	for i := range r.services {
		candidates = append(candidates, &r.services[i])
	}

	for _, f := range selectionPipeline {
		if skipOptional && f.optional {
			continue
		}
		candidates = f.apply(op, ctx, candidates)
		if len(candidates) == 0 {
			return nil
		}
	}
	return candidates[0]
}

// bestEffortEligible reports whether the request can be reduced: it asks for
// at most one of {spatial, shapefile, temporal} subsetting. The optional
// filters are exactly those three, so nothing else optional can remain.
func bestEffortEligible(op *operation.Document) bool {
	n := 0
	if op.HasBBoxSubset() {
		n++
	}
	if op.HasShapeSubset() {
		n++
	}
	if op.HasTemporalSubset() {
		n++
	}
	return n <= 1 && n > 0
}

func filterCollections(op *operation.Document, _ *MatchContext, candidates []*ServiceConfig) []*ServiceConfig {
	var out []*ServiceConfig
	for _, svc := range candidates {
		ok := true
		for _, src := range op.Sources {
			if !svc.SupportsCollection(src.Collection) {
				ok = false
				break
			}
			var names []string
			for _, v := range src.Variables {
				names = append(names, v.Name)
			}
			if len(names) > 0 && !svc.SupportsVariables(src.Collection, names) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, svc)
		}
	}
	return out
}

func filterConcatenation(op *operation.Document, _ *MatchContext, candidates []*ServiceConfig) []*ServiceConfig {
	if !op.Concatenate {
		return candidates
	}
	var out []*ServiceConfig
	for _, svc := range candidates {
		if svc.Capabilities.Concatenation {
			out = append(out, svc)
		}
	}
	return out
}

func filterVariableSubset(op *operation.Document, _ *MatchContext, candidates []*ServiceConfig) []*ServiceConfig {
	if !op.HasVariableSubset() {
		return candidates
	}
	multiple := false
	for _, src := range op.Sources {
		if len(src.Variables) > 1 {
			multiple = true
		}
	}
	var out []*ServiceConfig
	for _, svc := range candidates {
		if !svc.Capabilities.Subsetting.Variable {
			continue
		}
		if multiple && !svc.Capabilities.Subsetting.MultipleVariable {
			continue
		}
		out = append(out, svc)
	}
	return out
}

func filterSpatialSubset(op *operation.Document, _ *MatchContext, candidates []*ServiceConfig) []*ServiceConfig {
	if !op.HasBBoxSubset() {
		return candidates
	}
	var out []*ServiceConfig
	for _, svc := range candidates {
		if svc.Capabilities.Subsetting.BBox {
			out = append(out, svc)
		}
	}
	return out
}

func filterTemporalSubset(op *operation.Document, _ *MatchContext, candidates []*ServiceConfig) []*ServiceConfig {
	if !op.HasTemporalSubset() {
		return candidates
	}
	var out []*ServiceConfig
	for _, svc := range candidates {
		if svc.Capabilities.Subsetting.Temporal {
			out = append(out, svc)
		}
	}
	return out
}

func filterDimensionSubset(op *operation.Document, _ *MatchContext, candidates []*ServiceConfig) []*ServiceConfig {
	if !op.HasDimensionSubset() {
		return candidates
	}
	var out []*ServiceConfig
	for _, svc := range candidates {
		if svc.Capabilities.Subsetting.Dimension {
			out = append(out, svc)
		}
	}
	return out
}

func filterReprojection(op *operation.Document, _ *MatchContext, candidates []*ServiceConfig) []*ServiceConfig {
	if !op.HasReproject() {
		return candidates
	}
	var out []*ServiceConfig
	for _, svc := range candidates {
		if svc.Capabilities.Reprojection {
			out = append(out, svc)
		}
	}
	return out
}

func filterExtend(op *operation.Document, _ *MatchContext, candidates []*ServiceConfig) []*ServiceConfig {
	if len(op.ExtendDimensions) == 0 {
		return candidates
	}
	var out []*ServiceConfig
	for _, svc := range candidates {
		if svc.Capabilities.Extend {
			out = append(out, svc)
		}
	}
	return out
}

func filterAreaAveraging(op *operation.Document, _ *MatchContext, candidates []*ServiceConfig) []*ServiceConfig {
	if op.Average != "area" {
		return candidates
	}
	var out []*ServiceConfig
	for _, svc := range candidates {
		if svc.Capabilities.Averaging.Area {
			out = append(out, svc)
		}
	}
	return out
}

func filterTimeAveraging(op *operation.Document, _ *MatchContext, candidates []*ServiceConfig) []*ServiceConfig {
	if op.Average != "time" {
		return candidates
	}
	var out []*ServiceConfig
	for _, svc := range candidates {
		if svc.Capabilities.Averaging.Time {
			out = append(out, svc)
		}
	}
	return out
}

func filterShapeSubset(op *operation.Document, _ *MatchContext, candidates []*ServiceConfig) []*ServiceConfig {
	if !op.HasShapeSubset() {
		return candidates
	}
	var out []*ServiceConfig
	for _, svc := range candidates {
		if svc.Capabilities.Subsetting.Shape {
			out = append(out, svc)
		}
	}
	return out
}

func filterOutputFormat(op *operation.Document, ctx *MatchContext, candidates []*ServiceConfig) []*ServiceConfig {
	if !op.HasReformat() || nativeFormatSatisfies(op, ctx) {
		return candidates
	}
	var out []*ServiceConfig
	for _, svc := range candidates {
		if svc.SupportsOutputFormat(op.Format.MIME) {
			out = append(out, svc)
		}
	}
	return out
}

// nativeFormatSatisfies reports whether every source collection already
// archives data in the requested output format, making conversion a no-op
// that no candidate needs to support.
func nativeFormatSatisfies(op *operation.Document, ctx *MatchContext) bool {
	if len(ctx.NativeFormats) == 0 {
		return false
	}
	want := normalizeFormat(op.Format.MIME)
	for _, src := range op.Sources {
		native := normalizeFormat(ctx.NativeFormats[src.Collection])
		if native == "" || !strings.Contains(want, native) {
			return false
		}
	}
	return true
}

// normalizeFormat lowercases and strips separators so "netCDF-4" compares
// equal to the suffix of the "application/x-netcdf4" MIME type.
func normalizeFormat(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
