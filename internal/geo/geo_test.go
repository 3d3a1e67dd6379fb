package geo

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"
)

func TestDistanceTo(t *testing.T) {
	lima := Coordinate{Latitude: -12.0464, Longitude: -77.0428}
	cusco := Coordinate{Latitude: -13.5319, Longitude: -71.9675}

	tests := []struct {
		name    string
		a, b    Coordinate
		want    float64
		epsilon float64
	}{
		{"same point", lima, lima, 0, 1e-9},
		{"lima to cusco", lima, cusco, 574_000, 10_000},
		{"one thousandth degree of latitude", Coordinate{0, 0}, Coordinate{0.001, 0}, 111.2, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.a.DistanceTo(tt.b)
			if math.Abs(got-tt.want) > tt.epsilon {
				t.Errorf("distance = %v, want %v ± %v", got, tt.want, tt.epsilon)
			}
			if back := tt.b.DistanceTo(tt.a); math.Abs(back-got) > 1e-6 {
				t.Errorf("distance not symmetric: %v vs %v", got, back)
			}
		})
	}
}

func TestNewRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name     string
		lat, lon float64
	}{
		{"latitude too high", 91, 0},
		{"latitude too low", -90.5, 0},
		{"longitude too high", 0, 180.1},
		{"nan", math.NaN(), 0},
		{"inf", 0, math.Inf(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.lat, tt.lon); !errors.Is(err, ErrInvalidCoordinate) {
				t.Errorf("err = %v, want ErrInvalidCoordinate", err)
			}
		})
	}
}

func TestStringRoundTrip(t *testing.T) {
	c := Coordinate{Latitude: -12.04637, Longitude: -77.04279}
	other := Coordinate{Latitude: -12.05, Longitude: -77.03}

	got, err := Parse(c.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !got.Equal(c) {
		t.Errorf("round trip = %v, want %v", got, c)
	}
	if math.Abs(got.DistanceTo(other)-c.DistanceTo(other)) > 1e-9 {
		t.Errorf("distance changed after round trip")
	}
}

func TestParseMalformed(t *testing.T) {
	for _, s := range []string{"", "12.5", "a,b", "12.5,x", "100,0"} {
		if _, err := Parse(s); !errors.Is(err, ErrInvalidCoordinate) {
			t.Errorf("Parse(%q) err = %v, want ErrInvalidCoordinate", s, err)
		}
	}
}

func TestDocRoundTrip(t *testing.T) {
	c := Coordinate{Latitude: 48.8566, Longitude: 2.3522}

	data, err := json.Marshal(c.Doc())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var d Doc
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got, err := FromDoc(d)
	if err != nil {
		t.Fatalf("from doc: %v", err)
	}
	if math.Abs(got.Latitude-c.Latitude) > 1e-12 || math.Abs(got.Longitude-c.Longitude) > 1e-12 {
		t.Errorf("got %v, want %v", got, c)
	}
}

func TestPositionFreshAt(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	window := 2 * time.Minute

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"zero time", time.Time{}, false},
		{"just now", now, true},
		{"on the edge", now.Add(-window), true},
		{"stale", now.Add(-window - time.Second), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Position{At: tt.at}
			if got := p.FreshAt(now, window); got != tt.want {
				t.Errorf("FreshAt = %v, want %v", got, tt.want)
			}
		})
	}
}
