package operation

// Capability names a field group a workflow step may retain when the
// operation is specialized for it. Unnamed capability fields are dropped so
// a service never sees operations it does not implement.
type Capability string

const (
	CapReproject       Capability = "reproject"
	CapReformat        Capability = "reformat"
	CapVariableSubset  Capability = "variableSubset"
	CapSpatialSubset   Capability = "spatialSubset"
	CapShapeSubset     Capability = "shapefileSubset"
	CapDimensionSubset Capability = "dimensionSubset"
	CapTemporalSubset  Capability = "temporalSubset"
	CapConcatenate     Capability = "concatenate"
	CapExtend          Capability = "extend"
	CapAverage         Capability = "average"
)

// Project produces a specialized copy retaining only the named capabilities.
// Sources and identity fields always survive projection.
func (d *Document) Project(caps ...Capability) (*Document, error) {
	out, err := d.Clone()
	if err != nil {
		return nil, err
	}

	keep := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		keep[c] = true
	}

	if !keep[CapReproject] {
		out.Format.CRS = ""
		out.Format.SRS = nil
		out.Format.Interpolation = ""
		out.Format.ScaleExtent = nil
		out.Format.ScaleSize = nil
	}
	if !keep[CapReformat] {
		out.Format.MIME = ""
		out.Format.Width = 0
		out.Format.Height = 0
		out.Format.DPI = 0
	}
	if !keep[CapVariableSubset] {
		for i := range out.Sources {
			out.Sources[i].Variables = nil
			out.Sources[i].CoordinateVariables = nil
		}
	}
	if !keep[CapSpatialSubset] {
		out.Subset.BBox = nil
		out.Subset.Point = nil
	}
	if !keep[CapShapeSubset] {
		out.Subset.Shape = nil
	}
	if !keep[CapDimensionSubset] {
		out.Subset.Dimensions = nil
	}
	if !keep[CapTemporalSubset] {
		out.Temporal = nil
	}
	if !keep[CapConcatenate] {
		out.Concatenate = false
	}
	if !keep[CapExtend] {
		out.ExtendDimensions = nil
	}
	if !keep[CapAverage] {
		out.Average = ""
	}

	return out, nil
}
