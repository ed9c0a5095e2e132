// -----------------------------------------------------------------------
// Operation Document - Immutable request description passed to services
// -----------------------------------------------------------------------

package operation

import (
	"encoding/json"
	"fmt"
	"time"
)

// Variable identifies a CMR variable selected for subsetting
type Variable struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	FullPath string `json:"fullPath,omitempty"`
}

// Granule is a single input granule resolved from CMR
type Granule struct {
	ID       string     `json:"id"`
	Name     string     `json:"name,omitempty"`
	URL      string     `json:"url,omitempty"`
	BBox     []float64  `json:"bbox,omitempty"`
	Temporal *Temporal  `json:"temporal,omitempty"`
}

// Temporal is a closed time interval; either bound may be open
type Temporal struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Source is one collection the operation reads from
type Source struct {
	Collection          string     `json:"collection"`
	ShortName           string     `json:"shortName,omitempty"`
	VersionID           string     `json:"versionId,omitempty"`
	Variables           []Variable `json:"variables,omitempty"`
	CoordinateVariables []Variable `json:"coordinateVariables,omitempty"`
	Granules            []Granule  `json:"granules,omitempty"`
}

// SRS is the spatial reference triple passed through to services
type SRS struct {
	Proj4 string `json:"proj4,omitempty"`
	WKT   string `json:"wkt,omitempty"`
	EPSG  string `json:"epsg,omitempty"`
}

// ScaleExtent describes the output extent in projected coordinates
type ScaleExtent struct {
	X struct {
		Min float64 `json:"min"`
		Max float64 `json:"max"`
	} `json:"x"`
	Y struct {
		Min float64 `json:"min"`
		Max float64 `json:"max"`
	} `json:"y"`
}

// ScaleSize describes the output pixel size in projected units
type ScaleSize struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Format captures the requested output encoding
type Format struct {
	MIME          string       `json:"mime,omitempty"`
	CRS           string       `json:"crs,omitempty"`
	SRS           *SRS         `json:"srs,omitempty"`
	Width         int          `json:"width,omitempty"`
	Height        int          `json:"height,omitempty"`
	DPI           int          `json:"dpi,omitempty"`
	ScaleExtent   *ScaleExtent `json:"scaleExtent,omitempty"`
	ScaleSize     *ScaleSize   `json:"scaleSize,omitempty"`
	Interpolation string       `json:"interpolation,omitempty"`
}

// Shape references a GeoJSON shape, either by URL or inline.
// Inline shapes must be a FeatureCollection wrapping a Polygon/MultiPolygon.
type Shape struct {
	HRef    string          `json:"href,omitempty"`
	Type    string          `json:"type,omitempty"` // MIME of the referenced shape
	GeoJSON json.RawMessage `json:"geojson,omitempty"`
}

// Dimension is an arbitrary-dimension subset range
type Dimension struct {
	Name string   `json:"name"`
	Min  *float64 `json:"min,omitempty"`
	Max  *float64 `json:"max,omitempty"`
}

// Subset carries all subsetting selectors. A point is [lon, lat]; a bounding
// rectangle is [W, S, E, N].
type Subset struct {
	BBox       []float64   `json:"bbox,omitempty"`
	Point      []float64   `json:"point,omitempty"`
	Shape      *Shape      `json:"shape,omitempty"`
	Dimensions []Dimension `json:"dimensions,omitempty"`
}

// Document is the versioned operation record: the single source of truth for
// one request. Treated as immutable once a job bundle has been created;
// per-step specializations are produced with Project and Clone.
type Document struct {
	Version          string                 `json:"version"`
	RequestID        string                 `json:"requestId"`
	User             string                 `json:"user"`
	ClientID         string                 `json:"client,omitempty"`
	AccessToken      string                 `json:"accessToken,omitempty"` // Encrypted at rest
	Sources          []Source               `json:"sources"`
	Format           Format                 `json:"format"`
	Subset           Subset                 `json:"subset"`
	Temporal         *Temporal              `json:"temporal,omitempty"`
	Concatenate      bool                   `json:"concatenate,omitempty"`
	ExtendDimensions []string               `json:"extendDimensions,omitempty"`
	Average          string                 `json:"average,omitempty"` // "time" or "area"
	ExtraArgs        map[string]interface{} `json:"extraArgs,omitempty"`
	StagingLocation  string                 `json:"stagingLocation,omitempty"`
	DestinationURL   string                 `json:"destinationUrl,omitempty"`
	IsSynchronous    bool                   `json:"isSynchronous,omitempty"`
}

// Clone deep-copies the document through its JSON form
func (d *Document) Clone() (*Document, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to clone operation: %w", err)
	}
	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to clone operation: %w", err)
	}
	// Preserve explicit nil vs empty map semantics for extra args
	if d.ExtraArgs == nil {
		out.ExtraArgs = nil
	}
	return &out, nil
}

// CollectionIDs returns the distinct collection ids across sources, in order
func (d *Document) CollectionIDs() []string {
	seen := make(map[string]bool, len(d.Sources))
	ids := make([]string, 0, len(d.Sources))
	for _, src := range d.Sources {
		if !seen[src.Collection] {
			seen[src.Collection] = true
			ids = append(ids, src.Collection)
		}
	}
	return ids
}

// GranuleCount returns the total granules across sources
func (d *Document) GranuleCount() int {
	n := 0
	for _, src := range d.Sources {
		n += len(src.Granules)
	}
	return n
}

// HasBBoxSubset reports whether a bounding rectangle or point was requested
func (d *Document) HasBBoxSubset() bool {
	return len(d.Subset.BBox) == 4 || len(d.Subset.Point) == 2
}

// HasShapeSubset reports whether a shapefile subset was requested
func (d *Document) HasShapeSubset() bool {
	return d.Subset.Shape != nil
}

// HasTemporalSubset reports whether a temporal range was requested
func (d *Document) HasTemporalSubset() bool {
	return d.Temporal != nil && (d.Temporal.Start != nil || d.Temporal.End != nil)
}

// HasVariableSubset reports whether any source selects variables
func (d *Document) HasVariableSubset() bool {
	for _, src := range d.Sources {
		if len(src.Variables) > 0 {
			return true
		}
	}
	return false
}

// HasDimensionSubset reports whether arbitrary dimension ranges were requested
func (d *Document) HasDimensionSubset() bool {
	return len(d.Subset.Dimensions) > 0
}

// HasReproject reports whether an output CRS was requested
func (d *Document) HasReproject() bool {
	return d.Format.CRS != "" || d.Format.SRS != nil
}

// HasReformat reports whether an output format conversion was requested
func (d *Document) HasReformat() bool {
	return d.Format.MIME != ""
}

// RequestedOperations lists the operation names the request asks for; used
// for no-match error reporting.
func (d *Document) RequestedOperations() []string {
	var ops []string
	if d.HasVariableSubset() {
		ops = append(ops, "variable subsetting")
	}
	if d.HasBBoxSubset() {
		ops = append(ops, "spatial subsetting")
	}
	if d.HasShapeSubset() {
		ops = append(ops, "shapefile subsetting")
	}
	if d.HasTemporalSubset() {
		ops = append(ops, "temporal subsetting")
	}
	if d.HasDimensionSubset() {
		ops = append(ops, "dimension subsetting")
	}
	if d.HasReproject() {
		ops = append(ops, "reprojection")
	}
	if d.HasReformat() {
		ops = append(ops, "reformatting to "+d.Format.MIME)
	}
	if d.Concatenate {
		ops = append(ops, "concatenation")
	}
	if len(d.ExtendDimensions) > 0 {
		ops = append(ops, "extend")
	}
	if d.Average == "area" {
		ops = append(ops, "area averaging")
	}
	if d.Average == "time" {
		ops = append(ops, "time averaging")
	}
	return ops
}
