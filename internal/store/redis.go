package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/groupchat/internal/chat"
)

// Redis keeps each message as a JSON document at <collection>:<id> and an
// index sorted set at <collection>:index. Index members are
// "<seq %020d>:<id>" so equal scores fall back to insertion order.
type Redis struct {
	rdb        *redis.Client
	collection string
}

// NewRedis returns a store scoped to collection.
func NewRedis(rdb *redis.Client, collection string) *Redis {
	return &Redis{rdb: rdb, collection: collection}
}

func (r *Redis) indexKey() string { return r.collection + ":index" }
func (r *Redis) seqKey() string   { return r.collection + ":seq" }
func (r *Redis) docKey(id string) string {
	return r.collection + ":" + id
}

func (r *Redis) Append(ctx context.Context, msg chat.Message) (string, error) {
	seq, err := r.rdb.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return "", unavailable("incr seq", err)
	}

	msg.ID = uuid.NewString()
	doc, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("store: marshal message: %w", err)
	}

	member := fmt.Sprintf("%020d:%s", seq, msg.ID)
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.docKey(msg.ID), doc, 0)
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: float64(msg.CreatedAt), Member: member})
		return nil
	})
	if err != nil {
		return "", unavailable("append", err)
	}
	return msg.ID, nil
}

func (r *Redis) ListOrdered(ctx context.Context) ([]chat.Message, error) {
	members, err := r.rdb.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, unavailable("list index", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = r.docKey(memberID(m))
	}
	docs, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("load documents", err)
	}

	msgs := make([]chat.Message, 0, len(docs))
	for _, d := range docs {
		s, ok := d.(string)
		if !ok {
			// Removed between ZRANGE and MGET.
			continue
		}
		var m chat.Message
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, fmt.Errorf("store: decode message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (r *Redis) DeleteOlderThan(ctx context.Context, cutoff int64) (int, error) {
	members, err := r.rdb.ZRangeByScore(ctx, r.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, unavailable("select expired", err)
	}

	deleted := 0
	var errs []error
	for _, m := range members {
		var removed *redis.IntCmd
		_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			removed = pipe.ZRem(ctx, r.indexKey(), m)
			pipe.Del(ctx, r.docKey(memberID(m)))
			return nil
		})
		if err != nil {
			errs = append(errs, unavailable("delete "+memberID(m), err))
			continue
		}
		if removed.Val() > 0 {
			deleted++
		}
	}
	return deleted, errors.Join(errs...)
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func memberID(member string) string {
	if i := strings.IndexByte(member, ':'); i >= 0 {
		return member[i+1:]
	}
	return member
}
