package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/towline/internal/models"
)

// RedisGeo implements Index using Redis GEO commands. The geo set holds
// positions; per-actor metadata lives in hashes so eligibility can be
// filtered without touching the primary store.
type RedisGeo struct {
	client *redis.Client
	key    string
	radius RadiusSource
	ctx    context.Context
}

func NewRedisGeo(addr, password, key string, radius RadiusSource) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, radius: radius, ctx: context.Background()}
}

func (r *RedisGeo) Upsert(a models.Actor) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: a.Pos.Lon, Latitude: a.Pos.Lat, Name: a.ID}).Result()
	_ = r.client.HSet(r.ctx, metaKey(a.ID), map[string]interface{}{
		"name":    a.Name,
		"role":    strconv.Itoa(int(a.Role)),
		"channel": strconv.Itoa(int(a.Channel)),
		"active":  strconv.FormatBool(a.Active),
		"updated": time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) FindCandidates(origin models.Coord, excludeID string) ([]models.Actor, error) {
	res, err := r.client.GeoRadius(r.ctx, r.key, origin.Lon, origin.Lat, &redis.GeoRadiusQuery{
		Radius:    r.radius.Meters(),
		Unit:      "m",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Actor, 0, len(res))
	for _, g := range res {
		if g.Name == excludeID {
			continue
		}
		a := models.Actor{ID: g.Name}
		a.Pos.Lat = g.Latitude
		a.Pos.Lon = g.Longitude
		if m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result(); err == nil {
			if v, ok := m["name"]; ok {
				a.Name = v
			}
			if v, ok := m["role"]; ok {
				if n, err := strconv.Atoi(v); err == nil {
					a.Role = models.Role(n)
				}
			}
			if v, ok := m["channel"]; ok {
				if n, err := strconv.Atoi(v); err == nil {
					a.Channel = models.Channel(n)
				}
			}
			if v, ok := m["active"]; ok {
				a.Active = (v == "true")
			}
		}
		if !eligible(a, excludeID) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func metaKey(id string) string { return "actor:meta:" + id }
