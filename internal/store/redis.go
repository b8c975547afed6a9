package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"reliefdispatch/internal/model"
)

// Redis keys. Records live in hashes keyed by id; a sorted set per hash keeps registration order.
const (
	areasKey      = "areas"
	trucksKey     = "trucks"
	areasOrderKey = "areas:order"
	trucksOrdKey  = "trucks:order"
	areasSeqKey   = "areas:seq"
	trucksSeqKey  = "trucks:seq"
)

// maxRunRetries bounds optimistic-transaction retries when another run touched the inventory.
const maxRunRetries = 8

// Redis implements Inventory and ResultCache on a redis server.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// Client exposes the underlying client for components sharing the connection (event broker).
func (r *Redis) Client() *redis.Client { return r.rdb }

func (r *Redis) Close() error { return r.rdb.Close() }

func (r *Redis) Ping(ctx context.Context) error {
	return unavailable("redis", r.rdb.Ping(ctx).Err())
}

func (r *Redis) UpsertAreas(ctx context.Context, areas []model.Area) error {
	ids := make([]string, len(areas))
	docs := make([]any, 0, 2*len(areas))
	for i, a := range areas {
		b, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("upsert areas: encode %s: %w", a.AreaID, err)
		}
		ids[i] = a.AreaID
		docs = append(docs, a.AreaID, b)
	}
	return r.upsert(ctx, areasKey, areasOrderKey, areasSeqKey, ids, docs)
}

func (r *Redis) UpsertTrucks(ctx context.Context, trucks []model.Truck) error {
	ids := make([]string, len(trucks))
	docs := make([]any, 0, 2*len(trucks))
	for i, t := range trucks {
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("upsert trucks: encode %s: %w", t.TruckID, err)
		}
		ids[i] = t.TruckID
		docs = append(docs, t.TruckID, b)
	}
	return r.upsert(ctx, trucksKey, trucksOrdKey, trucksSeqKey, ids, docs)
}

// upsert writes all records of a batch in one MULTI so a batch is never partially visible.
func (r *Redis) upsert(ctx context.Context, hash, order, seq string, ids []string, docs []any) error {
	if len(ids) == 0 {
		return nil
	}
	last, err := r.rdb.IncrBy(ctx, seq, int64(len(ids))).Result()
	if err != nil {
		return unavailable("redis", err)
	}
	first := last - int64(len(ids)) + 1
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, hash, docs...)
		members := make([]redis.Z, len(ids))
		for i, id := range ids {
			members[i] = redis.Z{Score: float64(first + int64(i)), Member: id}
		}
		p.ZAddNX(ctx, order, members...)
		return nil
	})
	return unavailable("redis", err)
}

func (r *Redis) ListAreas(ctx context.Context) ([]model.Area, error) {
	return readAreas(ctx, r.rdb)
}

func (r *Redis) ListTrucks(ctx context.Context) ([]model.Truck, error) {
	return readTrucks(ctx, r.rdb)
}

// ApplyRun watches both inventory hashes; if anything writes them before EXEC the run is retried
// against a fresh snapshot.
func (r *Redis) ApplyRun(ctx context.Context, fn RunFunc) error {
	var fnErr error
	txf := func(tx *redis.Tx) error {
		areas, err := readAreas(ctx, tx)
		if err != nil {
			return err
		}
		trucks, err := readTrucks(ctx, tx)
		if err != nil {
			return err
		}
		updated, err := fn(areas, trucks)
		if err != nil {
			fnErr = err
			return err
		}
		if len(updated) == 0 {
			return nil
		}
		docs := make([]any, 0, 2*len(updated))
		for _, t := range updated {
			b, err := json.Marshal(t)
			if err != nil {
				return err
			}
			docs = append(docs, t.TruckID, b)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, trucksKey, docs...)
			return nil
		})
		return err
	}

	for i := 0; i < maxRunRetries; i++ {
		err := r.rdb.Watch(ctx, txf, areasKey, trucksKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if fnErr != nil || errors.Is(err, ErrUnavailable) {
			return err
		}
		return unavailable("redis", err)
	}
	return fmt.Errorf("apply run: inventory kept changing after %d attempts", maxRunRetries)
}

// Result cache

func (r *Redis) SetAssignments(ctx context.Context, batch model.Batch, ttl time.Duration) error {
	b, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	return unavailable("redis", r.rdb.Set(ctx, AssignmentsKey, b, ttl).Err())
}

func (r *Redis) GetAssignments(ctx context.Context) (model.Batch, bool, error) {
	b, err := r.rdb.Get(ctx, AssignmentsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Batch{}, false, nil
	}
	if err != nil {
		return model.Batch{}, false, unavailable("redis", err)
	}
	var batch model.Batch
	if err := json.Unmarshal(b, &batch); err != nil {
		// Entries written by older deployments hold a bare outcome array.
		var outs []model.Outcome
		if err2 := json.Unmarshal(b, &outs); err2 != nil {
			return model.Batch{}, false, fmt.Errorf("decode cached assignments: %w", err)
		}
		batch.Outcomes = outs
	}
	return batch, true, nil
}

func (r *Redis) ClearAssignments(ctx context.Context) error {
	return unavailable("redis", r.rdb.Del(ctx, AssignmentsKey).Err())
}

// cmdable is satisfied by both *redis.Client and *redis.Tx.
type cmdable interface {
	ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
	HKeys(ctx context.Context, key string) *redis.StringSliceCmd
}

// orderedValues returns hash values in registration order. Hash fields without an order entry
// (written by other tools) follow, in HKEYS order.
func orderedValues(ctx context.Context, c cmdable, hash, order string) ([]string, error) {
	ids, err := c.ZRange(ctx, order, 0, -1).Result()
	if err != nil {
		return nil, unavailable("redis", err)
	}
	all, err := c.HKeys(ctx, hash).Result()
	if err != nil {
		return nil, unavailable("redis", err)
	}
	if len(all) == 0 {
		return nil, nil
	}
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}
	for _, id := range all {
		if !known[id] {
			ids = append(ids, id)
		}
	}
	vals, err := c.HMGet(ctx, hash, ids...).Result()
	if err != nil {
		return nil, unavailable("redis", err)
	}
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func readAreas(ctx context.Context, c cmdable) ([]model.Area, error) {
	vals, err := orderedValues(ctx, c, areasKey, areasOrderKey)
	if err != nil {
		return nil, err
	}
	out := make([]model.Area, 0, len(vals))
	for _, v := range vals {
		var a model.Area
		if err := json.Unmarshal([]byte(v), &a); err != nil {
			return nil, fmt.Errorf("decode area: %w", err)
		}
		out = append(out, a)
	}
	return out, nil
}

func readTrucks(ctx context.Context, c cmdable) ([]model.Truck, error) {
	vals, err := orderedValues(ctx, c, trucksKey, trucksOrdKey)
	if err != nil {
		return nil, err
	}
	out := make([]model.Truck, 0, len(vals))
	for _, v := range vals {
		var t model.Truck
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, fmt.Errorf("decode truck: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}
