package alert

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// String renders "lat, lng" with 4 decimals.
func (p Point) String() string { return fmt.Sprintf("%.4f, %.4f", p.Lat, p.Lng) }

// ParseWKTPoint parses "POINT(lng lat)" as produced by ST_AsText.
func ParseWKTPoint(s string) (Point, error) {
	raw := strings.TrimSpace(s)
	up := strings.ToUpper(raw)
	if !strings.HasPrefix(up, "POINT") {
		return Point{}, fmt.Errorf("not a WKT point: %q", s)
	}
	open := strings.IndexByte(raw, '(')
	end := strings.LastIndexByte(raw, ')')
	if open < 0 || end <= open {
		return Point{}, fmt.Errorf("not a WKT point: %q", s)
	}
	parts := strings.Fields(raw[open+1 : end])
	if len(parts) != 2 {
		return Point{}, fmt.Errorf("WKT point needs 2 coordinates: %q", s)
	}
	lng, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return Point{}, fmt.Errorf("WKT longitude: %w", err)
	}
	lat, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return Point{}, fmt.Errorf("WKT latitude: %w", err)
	}
	return Point{Lat: lat, Lng: lng}, nil
}

// PointHazard is a hotspot detected near an area of interest.
type PointHazard struct {
	ID                int64
	Category          Severity
	Distance          *float64 // meters
	Location          Point
	Brightness        float64
	Satellite         string
	ScanDate          time.Time
	HotspotID         string
	HotspotConfidence int
}

// AreaLoss is a deforestation polygon inside an area of interest.
type AreaLoss struct {
	ID       string
	EventID  string
	Created  time.Time
	AreaHa   *float64
	Centroid *Point
}

// Record is one alert. Exactly one of Hazard or Loss is set, matching Kind.
type Record struct {
	Kind            Kind
	AreaID          string
	AreaName        string
	AreaDescription string
	AlertDate       time.Time
	Confidence      *int
	Description     string

	Hazard *PointHazard
	Loss   *AreaLoss
}

var errVariant = errors.New("alert record variant does not match its kind")

// Validate checks the tag/variant pairing.
func (r Record) Validate() error {
	switch r.Kind {
	case KindPointHazard:
		if r.Hazard == nil || r.Loss != nil {
			return errVariant
		}
	case KindAreaLoss:
		if r.Loss == nil || r.Hazard != nil {
			return errVariant
		}
	default:
		return fmt.Errorf("invalid alert kind %v", r.Kind)
	}
	return nil
}

// ID returns the watermark-comparable id as a string.
func (r Record) ID() string {
	switch {
	case r.Kind == KindPointHazard && r.Hazard != nil:
		return strconv.FormatInt(r.Hazard.ID, 10)
	case r.Kind == KindAreaLoss && r.Loss != nil:
		return r.Loss.ID
	default:
		return ""
	}
}

// EffectiveConfidence falls back to the hotspot's own confidence when the
// alert row carries none.
func (r Record) EffectiveConfidence() (int, bool) {
	if r.Confidence != nil {
		return *r.Confidence, true
	}
	if r.Hazard != nil && r.Hazard.HotspotConfidence > 0 {
		return r.Hazard.HotspotConfidence, true
	}
	return 0, false
}

// HighPriority applies the kind rule: point-hazard by category,
// area-loss by confidence >= threshold.
func (r Record) HighPriority(threshold int) bool {
	switch r.Kind {
	case KindPointHazard:
		return r.Hazard != nil && r.Hazard.Category.Elevated()
	case KindAreaLoss:
		return r.Confidence != nil && *r.Confidence >= threshold
	default:
		return false
	}
}
