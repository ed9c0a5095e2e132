package operation

import (
	"fmt"

	"github.com/eosdis/harmony/internal/common"
)

// Request carries the parsed frontend parameters and resolved CMR metadata
// an operation document is assembled from. Frontend parsers (coverages, EDR,
// WMS) produce this shape; the engine never interprets CRS or WKT strings.
type Request struct {
	User            string
	AccessToken     string // Raw EDL token; encrypted during build
	ClientID        string
	OriginalURL     string
	Sources         []Source
	OutputMIME      string
	OutputCRS       string
	SRS             *SRS
	Width           int
	Height          int
	DPI             int
	Interpolation   string
	ScaleExtent     *ScaleExtent
	ScaleSize       *ScaleSize
	BBox            []float64 // [W, S, E, N]
	Point           []float64 // [lon, lat]
	Shape           *Shape
	Dimensions      []Dimension
	Temporal        *Temporal
	Concatenate     bool
	ExtendDims      []string
	Average         string
	ExtraArgs       map[string]interface{}
	StagingLocation string
	DestinationURL  string
	IsSynchronous   bool
}

// Build assembles an operation document from a validated request. The
// returned document is stamped at the current schema version with the access
// token encrypted by the given cipher.
func Build(req *Request, cipher TokenCipher) (*Document, error) {
	if len(req.Sources) == 0 {
		return nil, fmt.Errorf("an operation requires at least one source collection")
	}
	if len(req.BBox) != 0 && len(req.BBox) != 4 {
		return nil, fmt.Errorf("bounding rectangle must be [west, south, east, north]")
	}
	if len(req.Point) != 0 && len(req.Point) != 2 {
		return nil, fmt.Errorf("point must be [longitude, latitude]")
	}

	doc := &Document{
		Version:   CurrentSchemaVersion,
		RequestID: common.NewRequestID(),
		User:      req.User,
		ClientID:  req.ClientID,
		Sources:   req.Sources,
		Format: Format{
			MIME:          req.OutputMIME,
			CRS:           req.OutputCRS,
			SRS:           req.SRS,
			Width:         req.Width,
			Height:        req.Height,
			DPI:           req.DPI,
			ScaleExtent:   req.ScaleExtent,
			ScaleSize:     req.ScaleSize,
			Interpolation: req.Interpolation,
		},
		Subset: Subset{
			BBox:       req.BBox,
			Point:      req.Point,
			Shape:      req.Shape,
			Dimensions: req.Dimensions,
		},
		Temporal:         req.Temporal,
		Concatenate:      req.Concatenate,
		ExtendDimensions: req.ExtendDims,
		Average:          req.Average,
		ExtraArgs:        req.ExtraArgs,
		StagingLocation:  req.StagingLocation,
		DestinationURL:   req.DestinationURL,
		IsSynchronous:    req.IsSynchronous,
	}

	if req.AccessToken != "" {
		if cipher == nil {
			return nil, fmt.Errorf("an access token was supplied but no token cipher is configured")
		}
		enc, err := cipher.EncryptToken(req.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt access token: %w", err)
		}
		doc.AccessToken = enc
	}

	if err := doc.validate(); err != nil {
		return nil, err
	}
	return doc, nil
}
