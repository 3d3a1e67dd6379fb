// Package geo holds the coordinate value type used for every location in a game.
package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// EarthRadius is the mean earth radius in meters.
const EarthRadius = 6371008.8

var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Coordinate is an immutable latitude/longitude pair in degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// New validates lat/lon and returns the coordinate.
func New(lat, lon float64) (Coordinate, error) {
	c := Coordinate{Latitude: lat, Longitude: lon}
	if err := c.Validate(); err != nil {
		return Coordinate{}, err
	}
	return c, nil
}

func (c Coordinate) Validate() error {
	if math.IsNaN(c.Latitude) || math.IsInf(c.Latitude, 0) ||
		math.IsNaN(c.Longitude) || math.IsInf(c.Longitude, 0) {
		return fmt.Errorf("%w: not a finite number", ErrInvalidCoordinate)
	}
	if c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidCoordinate, c.Latitude)
	}
	if c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidCoordinate, c.Longitude)
	}
	return nil
}

// DistanceTo returns the great-circle distance to o in meters.
func (c Coordinate) DistanceTo(o Coordinate) float64 {
	lat1 := toRad(c.Latitude)
	lat2 := toRad(o.Latitude)
	dLat := lat2 - lat1
	dLon := toRad(o.Longitude - c.Longitude)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadius * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func (c Coordinate) Equal(o Coordinate) bool {
	return c.Latitude == o.Latitude && c.Longitude == o.Longitude
}

// String returns the compact "lat,lon" form accepted by Parse.
func (c Coordinate) String() string {
	return strconv.FormatFloat(c.Latitude, 'f', -1, 64) + "," +
		strconv.FormatFloat(c.Longitude, 'f', -1, 64)
}

// Parse reads the "lat,lon" form produced by String.
func Parse(s string) (Coordinate, error) {
	latStr, lonStr, ok := strings.Cut(strings.TrimSpace(s), ",")
	if !ok {
		return Coordinate{}, fmt.Errorf("%w: %q", ErrInvalidCoordinate, s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return Coordinate{}, fmt.Errorf("%w: latitude: %v", ErrInvalidCoordinate, err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
	if err != nil {
		return Coordinate{}, fmt.Errorf("%w: longitude: %v", ErrInvalidCoordinate, err)
	}
	return New(lat, lon)
}

// Doc is the persisted document shape of a coordinate.
type Doc struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (c Coordinate) Doc() Doc { return Doc(c) }

func FromDoc(d Doc) (Coordinate, error) { return New(d.Latitude, d.Longitude) }

// Position is a coordinate fixed at a point in time.
type Position struct {
	Coordinate Coordinate `json:"coordinate"`
	At         time.Time  `json:"at"`
}

// FreshAt reports whether the fix is no older than window at now.
func (p Position) FreshAt(now time.Time, window time.Duration) bool {
	if p.At.IsZero() {
		return false
	}
	return now.Sub(p.At) <= window
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
