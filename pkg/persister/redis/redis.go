// Package redis keeps pin records in Redis. Each record is a JSON string at
// <prefix>:pin:<cid>, and the set <prefix>:pins indexes them for List.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adammck/pinner/pkg/api"
	"github.com/adammck/pinner/pkg/persister"
	"github.com/redis/go-redis/v9"
	"pkt.systems/pslog"
)

type Persister struct {
	rdb    *redis.Client
	prefix string
	log    pslog.Logger
}

var _ persister.Persister = (*Persister)(nil)

// New creates a persister using the given connection options. The prefix
// namespaces every key, so that several installations can share a server.
func New(opts *redis.Options, prefix string, log pslog.Logger) (*Persister, error) {
	if prefix == "" {
		return nil, fmt.Errorf("prefix cannot be empty")
	}

	if log == nil {
		log = pslog.NoopLogger()
	}

	return &Persister{
		rdb:    redis.NewClient(opts),
		prefix: prefix,
		log:    log,
	}, nil
}

// Close closes the Redis connection.
func (p *Persister) Close() error {
	return p.rdb.Close()
}

// Ping verifies Redis connectivity.
func (p *Persister) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

func (p *Persister) key(cid api.CID) string {
	return fmt.Sprintf("%s:pin:%s", p.prefix, cid)
}

func (p *Persister) indexKey() string {
	return p.prefix + ":pins"
}

func (p *Persister) Get(ctx context.Context, cid api.CID) (persister.Record, error) {
	b, err := p.rdb.Get(ctx, p.key(cid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return persister.Record{}, persister.ErrNotFound
	}
	if err != nil {
		return persister.Record{}, fmt.Errorf("failed to read record from Redis: %w", err)
	}

	rec := persister.Record{}
	if err := json.Unmarshal(b, &rec); err != nil {
		return persister.Record{}, fmt.Errorf("invalid record (cid=%s): %w", cid, err)
	}

	return rec, nil
}

// Put writes the record and adds it to the index, atomically. Redis has no
// notion of a stale write here, so this never returns ErrConflict.
func (p *Persister) Put(ctx context.Context, rec persister.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}

	_, err = p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.key(rec.CID), b, 0)
		pipe.SAdd(ctx, p.indexKey(), rec.CID.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write record to Redis: %w", err)
	}

	return nil
}

func (p *Persister) Delete(ctx context.Context, cid api.CID) error {
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, p.key(cid))
		pipe.SRem(ctx, p.indexKey(), cid.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete record from Redis: %w", err)
	}

	return nil
}

func (p *Persister) List(ctx context.Context) ([]persister.Record, error) {
	cids, err := p.rdb.SMembers(ctx, p.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read index from Redis: %w", err)
	}

	out := []persister.Record{}
	if len(cids) == 0 {
		return out, nil
	}

	keys := make([]string, len(cids))
	for i, c := range cids {
		keys[i] = p.key(api.CID(c))
	}

	vals, err := p.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read records from Redis: %w", err)
	}

	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Indexed but missing. Shouldn't happen, since writes are atomic.
			p.log.Warn("persister.list.dangling", "cid", cids[i])
			continue
		}

		rec := persister.Record{}
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			p.log.Warn("persister.list.invalid", "cid", cids[i], "error", err)
			continue
		}

		out = append(out, rec)
	}

	return out, nil
}
