package geo

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/shuttle-dispatch/internal/models"
)

// RedisGeo implements Cache using Redis GEO commands plus a metadata hash
// per driver.
type RedisGeo struct {
	client redis.UniversalClient
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisGeoWithClient(c, key)
}

func NewRedisGeoWithClient(c redis.UniversalClient, key string) *RedisGeo {
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, s models.LocationSample) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: s.Coord.Lon,
		Latitude:  s.Coord.Lat,
		Name:      memberName(s.DriverID),
	}).Err(); err != nil {
		return err
	}
	return r.client.HSet(ctx, MetaKey(s.DriverID), MetaFields(s)).Err()
}

// Current reads the driver's position from the geo set and the rest of the
// sample from the metadata hash. A driver missing from the geo set has no
// current location even if a stale hash survives.
func (r *RedisGeo) Current(ctx context.Context, driverID int64) (models.LocationSample, bool, error) {
	pipe := r.client.Pipeline()
	posCmd := pipe.GeoPos(ctx, r.key, memberName(driverID))
	metaCmd := pipe.HGetAll(ctx, MetaKey(driverID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return models.LocationSample{}, false, err
	}
	pos := posCmd.Val()
	if len(pos) == 0 || pos[0] == nil {
		return models.LocationSample{}, false, nil
	}
	s, err := sampleFromMeta(driverID, metaCmd.Val())
	if err != nil {
		return models.LocationSample{}, false, err
	}
	s.Coord = models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}
	return s, true, nil
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisGeo) Close() error { return r.client.Close() }

func MetaKey(driverID int64) string { return "driver:meta:" + memberName(driverID) }

// MetaFields is the hash layout shared by the server and the consumer. The
// position itself lives in the geo set.
func MetaFields(s models.LocationSample) map[string]interface{} {
	f := map[string]interface{}{
		"speed":     strconv.FormatFloat(s.Speed, 'f', -1, 64),
		"heading":   strconv.FormatFloat(s.Heading, 'f', -1, 64),
		"accuracy":  strconv.FormatFloat(s.Accuracy, 'f', -1, 64),
		"timestamp": s.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if s.TripID != nil {
		f["trip_id"] = strconv.FormatInt(*s.TripID, 10)
	}
	return f
}

func memberName(driverID int64) string { return strconv.FormatInt(driverID, 10) }

func sampleFromMeta(driverID int64, m map[string]string) (models.LocationSample, error) {
	s := models.LocationSample{DriverID: driverID}
	var errs []error
	parse := func(key string, dst *float64) {
		v, ok := m[key]
		if !ok {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = f
	}
	parse("speed", &s.Speed)
	parse("heading", &s.Heading)
	parse("accuracy", &s.Accuracy)
	if v, ok := m["timestamp"]; ok {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			errs = append(errs, err)
		}
		s.Timestamp = ts
	}
	if v, ok := m["trip_id"]; ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, err)
		} else {
			s.TripID = &id
		}
	}
	return s, errors.Join(errs...)
}
