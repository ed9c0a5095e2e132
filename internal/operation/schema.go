package operation

import (
	"encoding/json"
	"fmt"
)

// CurrentSchemaVersion is the version documents are stored at. Consumers
// that declare an older version receive a downgraded serialization.
const CurrentSchemaVersion = "0.22.0"

// SchemaRangeError indicates a requested version predating the earliest
// registered schema.
type SchemaRangeError struct {
	Requested string
}

func (e *SchemaRangeError) Error() string {
	return fmt.Sprintf("schema version %s predates the earliest supported version %s", e.Requested, schemaVersions[len(schemaVersions)-1])
}

// SchemaValidationError indicates a document that no longer validates against
// its declared schema version.
type SchemaValidationError struct {
	Version string
	Reason  string
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("operation does not validate against schema %s: %s", e.Version, e.Reason)
}

// downgrade removes exactly the fields introduced at From, producing a
// document valid at To. Downgrades are total and deterministic.
type downgrade struct {
	From  string
	To    string
	Apply func(d *Document)
}

// schemaVersions lists supported versions, newest first.
var schemaVersions = []string{"0.22.0", "0.21.0", "0.20.0", "0.19.0"}

// downgrades is the ordered pipeline from the current version downward.
var downgrades = []downgrade{
	{
		// 0.22.0 introduced dimension extension and averaging
		From: "0.22.0",
		To:   "0.21.0",
		Apply: func(d *Document) {
			d.ExtendDimensions = nil
			d.Average = ""
		},
	},
	{
		// 0.21.0 introduced the free-form extra args map
		From: "0.21.0",
		To:   "0.20.0",
		Apply: func(d *Document) {
			d.ExtraArgs = nil
		},
	},
	{
		// 0.20.0 introduced per-source coordinate variables
		From: "0.20.0",
		To:   "0.19.0",
		Apply: func(d *Document) {
			for i := range d.Sources {
				d.Sources[i].CoordinateVariables = nil
			}
		},
	},
}

// SupportedVersion reports whether v is a registered schema version
func SupportedVersion(v string) bool {
	for _, sv := range schemaVersions {
		if sv == v {
			return true
		}
	}
	return false
}

// Serialize produces the JSON form of the document at the requested schema
// version, applying the downgrade pipeline from the current version down to
// the target. The document itself is not mutated.
func (d *Document) Serialize(version string) ([]byte, error) {
	if !SupportedVersion(version) {
		return nil, &SchemaRangeError{Requested: version}
	}

	out, err := d.Clone()
	if err != nil {
		return nil, err
	}
	out.Version = CurrentSchemaVersion

	for _, dg := range downgrades {
		if out.Version == version {
			break
		}
		if dg.From != out.Version {
			continue
		}
		dg.Apply(out)
		out.Version = dg.To
	}

	if out.Version != version {
		return nil, &SchemaRangeError{Requested: version}
	}

	if err := out.validate(); err != nil {
		return nil, err
	}

	return json.Marshal(out)
}

// Deserialize parses a serialized operation, checking its declared version
func Deserialize(data []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse operation: %w", err)
	}
	if !SupportedVersion(d.Version) {
		return nil, &SchemaRangeError{Requested: d.Version}
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// validate performs the structural checks every schema version shares.
// Projection may drop capability fields but never all sources.
func (d *Document) validate() error {
	if d.RequestID == "" {
		return &SchemaValidationError{Version: d.Version, Reason: "requestId is required"}
	}
	if len(d.Sources) == 0 {
		return &SchemaValidationError{Version: d.Version, Reason: "at least one source is required"}
	}
	for i, src := range d.Sources {
		if src.Collection == "" {
			return &SchemaValidationError{Version: d.Version, Reason: fmt.Sprintf("sources[%d].collection is required", i)}
		}
	}
	if b := d.Subset.BBox; len(b) != 0 && len(b) != 4 {
		return &SchemaValidationError{Version: d.Version, Reason: "subset.bbox must be [west, south, east, north]"}
	}
	if p := d.Subset.Point; len(p) != 0 && len(p) != 2 {
		return &SchemaValidationError{Version: d.Version, Reason: "subset.point must be [longitude, latitude]"}
	}
	if d.Average != "" && d.Average != "time" && d.Average != "area" {
		return &SchemaValidationError{Version: d.Version, Reason: "average must be 'time' or 'area'"}
	}
	return nil
}
