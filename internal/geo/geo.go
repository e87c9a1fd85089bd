package geo

import (
	"math"
	"sync"
	"time"

	"github.com/example/towline/internal/models"
)

// RadiusSource supplies the current search radius in meters. The value is
// live configuration and may change between calls; reads must not block.
type RadiusSource interface {
	Meters() float64
}

// FixedRadius is a RadiusSource pinned to a constant, used in tests and
// when no durable config store is wired.
type FixedRadius float64

func (f FixedRadius) Meters() float64 { return float64(f) }

// Index is the minimal proximity interface required by the engine.
// FindCandidates returns every eligible helper within the current radius
// of origin, excluding excludeID. An error signals degraded mode: the
// caller gets an empty set and decides how to proceed.
type Index interface {
	FindCandidates(origin models.Coord, excludeID string) ([]models.Actor, error)
	Upsert(a models.Actor)
}

// MemoryIndex is an in-process index backed by a map scan. Fine for a
// single node and for tests; production uses RedisGeo.
type MemoryIndex struct {
	mu     sync.RWMutex
	actors map[string]models.Actor
	radius RadiusSource
}

func NewMemoryIndex(radius RadiusSource) *MemoryIndex {
	return &MemoryIndex{actors: make(map[string]models.Actor), radius: radius}
}

func (g *MemoryIndex) Upsert(a models.Actor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a.LastSeen = time.Now()
	g.actors[a.ID] = a
}

func (g *MemoryIndex) FindCandidates(origin models.Coord, excludeID string) ([]models.Actor, error) {
	radius := g.radius.Meters()
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Actor, 0)
	for _, a := range g.actors {
		if !eligible(a, excludeID) {
			continue
		}
		if Haversine(origin.Lat, origin.Lon, a.Pos.Lat, a.Pos.Lon) <= radius {
			out = append(out, a)
		}
	}
	return out, nil
}

func eligible(a models.Actor, excludeID string) bool {
	return a.Active && a.Role == models.RoleHelper && a.ID != excludeID
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Bearing in degrees from start toward end, normalized to [0, 360).
func Bearing(start, end models.Coord) float64 {
	toRad := math.Pi / 180
	lat1 := start.Lat * toRad
	lat2 := end.Lat * toRad
	dLon := (end.Lon - start.Lon) * toRad
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	deg := math.Atan2(y, x) / toRad
	return math.Mod(deg+360, 360)
}
