package engine

import (
	"errors"
	"fmt"

	"github.com/example/towline/internal/models"
	"github.com/example/towline/internal/storage"
)

// UpdatePosition records an actor's latest reported position as
// authoritative, with no interpolation, and refreshes the proximity
// index. Unknown actors are created on first report so the index can be
// fed from the ingest pipeline alone.
func (e *Engine) UpdatePosition(report models.PositionReport) error {
	a, err := e.store.GetActor(report.ActorID)
	if errors.Is(err, storage.ErrNotFound) {
		a = &models.Actor{
			ID:      report.ActorID,
			Name:    report.ActorID,
			Role:    report.Role,
			Channel: report.Channel,
			Active:  report.Active,
		}
	} else if err != nil {
		return err
	}

	a.Pos = models.Coord{Lat: report.Lat, Lon: report.Lon}
	seen := report.Seen
	if seen.IsZero() {
		seen = e.clock.Now()
	}
	a.LastSeen = seen
	if err := e.store.SaveActor(a); err != nil {
		return fmt.Errorf("save actor position: %w", err)
	}
	e.geo.Upsert(*a)
	return nil
}
