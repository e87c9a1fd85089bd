package geo

import (
	"math"
	"testing"

	"github.com/example/towline/internal/models"
)

func helper(id string, lat, lon float64) models.Actor {
	return models.Actor{ID: id, Name: id, Role: models.RoleHelper, Active: true,
		Pos: models.Coord{Lat: lat, Lon: lon}}
}

func ids(actors []models.Actor) map[string]bool {
	m := make(map[string]bool, len(actors))
	for _, a := range actors {
		m[a.ID] = true
	}
	return m
}

// Five actors in a plus shape around a point off the Georgia coast,
// about 10km apart along each axis. With a 10 mile radius the center
// reaches all four arms, but the opposite arms are out of each other's
// reach.
func TestFindCandidatesPlusFixture(t *testing.T) {
	const (
		lat  = 31.254075
		lon  = -81.198062
		step = 0.09
	)
	idx := NewMemoryIndex(FixedRadius(16093))
	idx.Upsert(helper("center", lat, lon))
	idx.Upsert(helper("north", lat+step, lon))
	idx.Upsert(helper("south", lat-step, lon))
	idx.Upsert(helper("east", lat, lon+step))
	idx.Upsert(helper("west", lat, lon-step))

	fromCenter, err := idx.FindCandidates(models.Coord{Lat: lat, Lon: lon}, "center")
	if err != nil {
		t.Fatal(err)
	}
	got := ids(fromCenter)
	for _, want := range []string{"north", "south", "east", "west"} {
		if !got[want] {
			t.Fatalf("center should reach %s, got %v", want, got)
		}
	}
	if got["center"] {
		t.Fatal("excluded id leaked into results")
	}

	fromWest, err := idx.FindCandidates(models.Coord{Lat: lat, Lon: lon - step}, "west")
	if err != nil {
		t.Fatal(err)
	}
	got = ids(fromWest)
	if got["east"] {
		t.Fatal("opposite arms should be out of radius of each other")
	}
	if !got["center"] {
		t.Fatalf("west should reach center, got %v", got)
	}

	fromNorth, _ := idx.FindCandidates(models.Coord{Lat: lat + step, Lon: lon}, "north")
	if ids(fromNorth)["south"] {
		t.Fatal("north should not reach south")
	}
}

func TestFindCandidatesEligibility(t *testing.T) {
	idx := NewMemoryIndex(FixedRadius(16093))

	inactive := helper("inactive", 31.25, -81.20)
	inactive.Active = false
	idx.Upsert(inactive)

	boater := helper("boater", 31.25, -81.20)
	boater.Role = models.RoleUser
	idx.Upsert(boater)

	idx.Upsert(helper("ok", 31.25, -81.20))

	got, err := idx.FindCandidates(models.Coord{Lat: 31.25, Lon: -81.20}, "nobody")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "ok" {
		t.Fatalf("expected only the active helper, got %v", ids(got))
	}
}

func TestHaversine(t *testing.T) {
	// One degree of latitude is close to 111.2km everywhere.
	d := Haversine(31.0, -81.0, 32.0, -81.0)
	if math.Abs(d-111195) > 200 {
		t.Fatalf("one degree latitude = %.0fm, want ~111195m", d)
	}
	if z := Haversine(31.25, -81.20, 31.25, -81.20); z != 0 {
		t.Fatalf("zero distance = %f", z)
	}
}

func TestBearing(t *testing.T) {
	origin := models.Coord{Lat: 31.25, Lon: -81.20}
	cases := []struct {
		name string
		to   models.Coord
		want float64
	}{
		{"north", models.Coord{Lat: 32.25, Lon: -81.20}, 0},
		{"east", models.Coord{Lat: 31.25, Lon: -80.20}, 90},
		{"south", models.Coord{Lat: 30.25, Lon: -81.20}, 180},
		{"west", models.Coord{Lat: 31.25, Lon: -82.20}, 270},
	}
	for _, tc := range cases {
		got := Bearing(origin, tc.to)
		if math.Abs(got-tc.want) > 1.5 {
			t.Fatalf("%s: bearing = %.2f, want ~%.0f", tc.name, got, tc.want)
		}
	}
}
