// Package geofence decides whether a reported coordinate lies within a site's
// circular allowed radius.
package geofence

import "math"

// EarthRadiusMeters is the mean Earth radius used by the haversine formula.
const EarthRadiusMeters = 6371000.0

// Denial reasons.
const (
	ReasonMissingCoordinates = "missing_coordinates"
	ReasonOutsideGeofence    = "outside_geofence"
)

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// NewPoint returns a point when both coordinates are present, nil otherwise.
func NewPoint(lat, lng *float64) *Point {
	if lat == nil || lng == nil {
		return nil
	}
	return &Point{Lat: *lat, Lng: *lng}
}

// Result is the outcome of a geofence check.
type Result struct {
	Enforced            bool     `json:"enforced"`
	Allowed             bool     `json:"allowed"`
	DistanceMeters      *float64 `json:"distance_meters"`
	AllowedRadiusMeters float64  `json:"allowed_radius_meters"`
	Reason              string   `json:"reason,omitempty"`
}

// Inside reports whether the reporter is considered on site. An unenforced
// geofence always counts as inside.
func (r Result) Inside() bool {
	return r.Allowed
}

// Evaluate checks reported against the site geofence. A nil site means the
// site has no registered coordinates and the geofence is not enforced.
func Evaluate(site *Point, radiusMeters float64, reported *Point) Result {
	if site == nil {
		return Result{Enforced: false, Allowed: true, AllowedRadiusMeters: radiusMeters}
	}
	if reported == nil {
		return Result{
			Enforced:            true,
			Allowed:             false,
			AllowedRadiusMeters: radiusMeters,
			Reason:              ReasonMissingCoordinates,
		}
	}

	distance := Haversine(*site, *reported)
	res := Result{
		Enforced:            true,
		Allowed:             distance <= radiusMeters,
		DistanceMeters:      &distance,
		AllowedRadiusMeters: radiusMeters,
	}
	if !res.Allowed {
		res.Reason = ReasonOutsideGeofence
	}
	return res
}

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b Point) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := toRadians(b.Lat - a.Lat)
	dLng := toRadians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

// Round2 rounds a distance to two decimals for storage.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Round2Ptr is Round2 for optional values.
func Round2Ptr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := Round2(*v)
	return &r
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
