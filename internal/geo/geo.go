package geo

import (
	"context"
	"math"
	"sync"

	"github.com/example/shuttle-dispatch/internal/models"
)

// EarthRadiusKm is the mean Earth radius used by Distance.
const EarthRadiusKm = 6371.0

// Distance returns the great-circle distance between a and b in kilometers.
func Distance(a, b models.Coord) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

// ValidCoord reports whether c is a finite coordinate inside WGS84 bounds.
func ValidCoord(c models.Coord) bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Cache keeps the most recent location sample per driver.
type Cache interface {
	Upsert(ctx context.Context, s models.LocationSample) error
	Current(ctx context.Context, driverID int64) (models.LocationSample, bool, error)
}

// Index is an in-process Cache.
type Index struct {
	mu      sync.RWMutex
	drivers map[int64]models.LocationSample
}

func NewIndex() *Index {
	return &Index{drivers: make(map[int64]models.LocationSample)}
}

func (g *Index) Upsert(_ context.Context, s models.LocationSample) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.drivers[s.DriverID]; ok && prev.Timestamp.After(s.Timestamp) {
		return nil
	}
	g.drivers[s.DriverID] = s
	return nil
}

func (g *Index) Current(_ context.Context, driverID int64) (models.LocationSample, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.drivers[driverID]
	return s, ok, nil
}
