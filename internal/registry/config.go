// -----------------------------------------------------------------------
// Service Registry - Declarative service capability descriptors
// -----------------------------------------------------------------------

package registry

import (
	"strings"
)

// QueryCmrImageTag identifies the CMR query service image. The step carrying
// it is always first in a chain and must be declared sequential.
const QueryCmrImageTag = "query-cmr"

// SubsetCapabilities declares which subset operations a service performs
type SubsetCapabilities struct {
	BBox             bool `toml:"bbox"`
	Shape            bool `toml:"shape"`
	Temporal         bool `toml:"temporal"`
	Variable         bool `toml:"variable"`
	MultipleVariable bool `toml:"multiple_variable"`
	Dimension        bool `toml:"dimension"`
}

// AveragingCapabilities declares supported averaging kinds
type AveragingCapabilities struct {
	Time bool `toml:"time"`
	Area bool `toml:"area"`
}

// Capabilities is the full capability declaration for a service chain
type Capabilities struct {
	Subsetting    SubsetCapabilities    `toml:"subsetting"`
	Reprojection  bool                  `toml:"reprojection"`
	Extend        bool                  `toml:"extend"`
	Averaging     AveragingCapabilities `toml:"averaging"`
	Concatenation bool                  `toml:"concatenation"`
	OutputFormats []string              `toml:"output_formats"`
	AllCollections bool                 `toml:"all_collections"`
}

// CollectionEntry is one allow-list entry: a collection the service accepts,
// optionally restricted to named variables and a granule limit.
type CollectionEntry struct {
	ID           string   `toml:"id"`
	Variables    []string `toml:"variables"`
	GranuleLimit int      `toml:"granule_limit"`
}

// StepCondition gates a step's inclusion in a planned chain. All listed
// predicates must pass against the operation.
type StepCondition struct {
	Exists        []string `toml:"exists"`         // Operation names that must be requested
	Formats       []string `toml:"formats"`        // Requested output format must be one of these
	NativeFormats []string `toml:"native_formats"` // Collection native format must be one of these
}

// ServiceStep declares one stage of a service chain
type ServiceStep struct {
	Image               string         `toml:"image"`
	Operations          []string       `toml:"operations"`
	Conditional         *StepCondition `toml:"conditional"`
	MaxBatchInputs      int            `toml:"max_batch_inputs"`
	MaxBatchSizeInBytes int64          `toml:"max_batch_size_in_bytes"`
	IsSequential        bool           `toml:"is_sequential"`
	IsBatched           bool           `toml:"is_batched"`
}

// ServiceConfig is one declared service chain
type ServiceConfig struct {
	Name          string            `toml:"name"`
	Description   string            `toml:"description"`
	UMMSID        string            `toml:"umm_s"`
	Concurrency   int               `toml:"concurrency"`
	GranuleLimit  int               `toml:"granule_limit"`
	RetryLimit    int               `toml:"retry_limit"`
	SyncByDefault bool              `toml:"sync_by_default"`
	Collections   []CollectionEntry `toml:"collections"`
	Capabilities  Capabilities      `toml:"capabilities"`
	Steps         []ServiceStep     `toml:"steps"`
	Message       string            `toml:"-"` // Set when a best-effort match relaxed filters
}

// servicesFile is the top-level TOML document shape
type servicesFile struct {
	Services []ServiceConfig `toml:"services"`
}

// SupportsCollection reports whether the service accepts the collection
func (s *ServiceConfig) SupportsCollection(collectionID string) bool {
	if s.Capabilities.AllCollections {
		return true
	}
	for _, c := range s.Collections {
		if c.ID == collectionID {
			return true
		}
	}
	return false
}

// SupportsVariables reports whether the service accepts all named variables
// for the collection. An entry with no variable list accepts any variable.
func (s *ServiceConfig) SupportsVariables(collectionID string, variables []string) bool {
	if s.Capabilities.AllCollections {
		return true
	}
	for _, c := range s.Collections {
		if c.ID != collectionID {
			continue
		}
		if len(c.Variables) == 0 {
			return true
		}
		allowed := make(map[string]bool, len(c.Variables))
		for _, v := range c.Variables {
			allowed[strings.ToLower(v)] = true
		}
		for _, v := range variables {
			if !allowed[strings.ToLower(v)] {
				return false
			}
		}
		return true
	}
	return false
}

// SupportsOutputFormat reports whether the service can produce the MIME type
func (s *ServiceConfig) SupportsOutputFormat(mime string) bool {
	for _, f := range s.Capabilities.OutputFormats {
		if strings.EqualFold(f, mime) {
			return true
		}
	}
	return false
}

// GranuleLimitFor returns the effective granule cap for a collection: the
// tighter of the service limit and the collection entry limit, 0 meaning
// unlimited at this layer.
func (s *ServiceConfig) GranuleLimitFor(collectionID string) int {
	limit := s.GranuleLimit
	for _, c := range s.Collections {
		if c.ID == collectionID && c.GranuleLimit > 0 {
			if limit == 0 || c.GranuleLimit < limit {
				limit = c.GranuleLimit
			}
		}
	}
	return limit
}

// HasQueryCmrStep reports whether the chain begins with the CMR query image
func (s *ServiceConfig) HasQueryCmrStep() bool {
	return len(s.Steps) > 0 && strings.Contains(s.Steps[0].Image, QueryCmrImageTag)
}
