// Package bus implements the stream primitives of spec.md §4.1: thin, typed
// operations over the Redis-Streams transport shared by every worker. It is
// grounded on the teacher's internal/stores/redis.Client wrapper, extended
// from a bare Ping-on-connect shim into the full set of XADD/XREADGROUP/
// XAUTOCLAIM/Hash helpers go-redis/v9 exposes natively.
package bus

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"gitlab.com/nevasik7/alerting/logger"
)

// Msg is a normalized stream entry: a decoded field map plus the metadata
// normalizeBatch derives from the raw XREADGROUP reply (spec.md §4.1).
type Msg struct {
	ID     string
	Key    string // the stream key this message was read from
	Symbol string // derived from the "{...}" hash-tag in Key
	Kind   string // derived from the final key segment, kline{tf} -> "kline"
	TF     string // set when Kind == "kline"; empty otherwise
	Ts     int64  // payload.ts -> id-time -> now, in that priority order
	Fields map[string]string
}

// XAddOpts controls approximate trimming on append.
type XAddOpts struct {
	MaxLenApprox  int64
	MinIDMsApprox int64 // approximate MINID trim: drops entries whose id time is below this absolute ms timestamp
}

// ReadGroupArgs configures a consumer-group read across one or more keys.
type ReadGroupArgs struct {
	Keys     []string
	Group    string
	Consumer string
	Count    int64
	Block    time.Duration
}

// Bus is the full stream-primitives contract every worker depends on.
type Bus interface {
	XAdd(ctx context.Context, key string, fields map[string]any, opts XAddOpts) (string, error)
	EnsureGroup(ctx context.Context, key, group, start string) error
	ReadGroup(ctx context.Context, args ReadGroupArgs) ([]Msg, error)
	Ack(ctx context.Context, key, group string, ids ...string) error
	XRangeByTime(ctx context.Context, key string, fromMs, toMs int64, count int64) ([]Msg, error)
	XRevRangeLatest(ctx context.Context, key string, n int64) ([]Msg, error)
	XAutoClaim(ctx context.Context, key, group, consumer string, minIdle time.Duration, count int64) ([]Msg, error)
	HSet(ctx context.Context, key string, fields map[string]any) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HGet(ctx context.Context, key, field string) (string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
}

// RedisBus is the production Bus backed by a single go-redis client.
type RedisBus struct {
	rdb goredis.Cmdable
	log logger.Logger
}

func New(rdb goredis.Cmdable, log logger.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, log: log}
}

// XAdd appends fields, omitting nil values and stringifying numerics, then
// applies approximate trimming the way spec.md §4.1 requires.
func (b *RedisBus) XAdd(ctx context.Context, key string, fields map[string]any, opts XAddOpts) (string, error) {
	vals := make(map[string]any, len(fields))
	for k, v := range fields {
		if v == nil {
			continue
		}
		vals[k] = stringify(v)
	}

	args := &goredis.XAddArgs{
		Stream: key,
		Values: vals,
	}
	if opts.MaxLenApprox > 0 {
		args.MaxLen = opts.MaxLenApprox
		args.Approx = true
	} else if opts.MinIDMsApprox > 0 {
		args.MinID = fmt.Sprintf("%d-0", opts.MinIDMsApprox)
		args.Approx = true
	}

	id, err := b.rdb.XAdd(ctx, args).Result()
	if err != nil {
		b.log.Errorf("bus: xadd %s failed: %v", key, err)
		return "", err
	}
	return id, nil
}

// EnsureGroup creates the consumer group if absent; BUSYGROUP is success.
func (b *RedisBus) EnsureGroup(ctx context.Context, key, group, start string) error {
	if start == "" {
		start = "$"
	}
	err := b.rdb.XGroupCreateMkStream(ctx, key, group, start).Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure group %s/%s: %w", key, group, err)
}

func (b *RedisBus) ReadGroup(ctx context.Context, args ReadGroupArgs) ([]Msg, error) {
	if len(args.Keys) == 0 {
		return nil, nil
	}

	streams := make([]string, 0, len(args.Keys)*2)
	for _, k := range args.Keys {
		streams = append(streams, k)
	}
	for range args.Keys {
		streams = append(streams, ">")
	}

	res, err := b.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    args.Group,
		Consumer: args.Consumer,
		Streams:  streams,
		Count:    args.Count,
		Block:    args.Block,
	}).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var out []Msg
	for _, stream := range res {
		for _, m := range stream.Messages {
			out = append(out, normalize(stream.Stream, m.ID, flatten(m.Values)))
		}
	}
	return out, nil
}

func (b *RedisBus) Ack(ctx context.Context, key, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return b.rdb.XAck(ctx, key, group, ids...).Err()
}

func (b *RedisBus) XRangeByTime(ctx context.Context, key string, fromMs, toMs int64, count int64) ([]Msg, error) {
	start := fmt.Sprintf("%d-0", fromMs)
	end := fmt.Sprintf("%d-999999", toMs)

	var res []goredis.XMessage
	var err error
	if count > 0 {
		res, err = b.rdb.XRangeN(ctx, key, start, end, count).Result()
	} else {
		res, err = b.rdb.XRange(ctx, key, start, end).Result()
	}
	if err != nil {
		return nil, err
	}

	out := make([]Msg, 0, len(res))
	for _, m := range res {
		out = append(out, normalize(key, m.ID, flatten(m.Values)))
	}
	return out, nil
}

func (b *RedisBus) XRevRangeLatest(ctx context.Context, key string, n int64) ([]Msg, error) {
	res, err := b.rdb.XRevRangeN(ctx, key, "+", "-", n).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Msg, 0, len(res))
	for _, m := range res {
		out = append(out, normalize(key, m.ID, flatten(m.Values)))
	}
	return out, nil
}

// XAutoClaim reclaims pending entries idle for at least minIdle, iterating up
// to 3 pages the way spec.md §4.1 prescribes.
func (b *RedisBus) XAutoClaim(ctx context.Context, key, group, consumer string, minIdle time.Duration, count int64) ([]Msg, error) {
	var out []Msg
	cursor := "0-0"

	for page := 0; page < 3; page++ {
		msgs, next, err := b.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
			Stream:   key,
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Start:    cursor,
			Count:    count,
		}).Result()
		if err != nil {
			return out, err
		}

		for _, m := range msgs {
			out = append(out, normalize(key, m.ID, flatten(m.Values)))
		}

		if next == "" || next == "0-0" {
			break
		}
		cursor = next
	}

	return out, nil
}

func (b *RedisBus) HSet(ctx context.Context, key string, fields map[string]any) error {
	vals := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		vals = append(vals, k, stringify(v))
	}
	return b.rdb.HSet(ctx, key, vals...).Err()
}

func (b *RedisBus) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return b.rdb.HGetAll(ctx, key).Result()
}

func (b *RedisBus) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := b.rdb.HGet(ctx, key, field).Result()
	if err == goredis.Nil {
		return "", nil
	}
	return v, err
}

func (b *RedisBus) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return b.rdb.Expire(ctx, key, ttl).Err()
}

// SetNX is the primitive behind every idempotency lock in the system
// (§4.5 step 8): a SET NX with a TTL.
func (b *RedisBus) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	return b.rdb.SetNX(ctx, key, value, ttl).Result()
}

func flatten(kv []any) map[string]string {
	m := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k := fmt.Sprint(kv[i])
		v := fmt.Sprint(kv[i+1])
		m[k] = v
	}
	return m
}

// normalize derives symbol/kind/ts from a raw stream entry per §4.1:
// symbol from the "{...}" hash-tag, kind from the final non-tag key segment
// (kline{tf} -> kind="kline", fields["_tf"]=tf), ts from
// payload.ts -> id-time -> now.
func normalize(key, id string, fields map[string]string) Msg {
	m := Msg{ID: id, Key: key, Fields: fields}

	if open := strings.IndexByte(key, '{'); open >= 0 {
		if closeIdx := strings.IndexByte(key[open:], '}'); closeIdx >= 0 {
			m.Symbol = key[open+1 : open+closeIdx]
		}
	}

	kind := key
	for _, p := range strings.Split(key, ":") {
		if strings.HasPrefix(p, "{") {
			continue
		}
		kind = p
	}

	if strings.HasPrefix(kind, "kline") {
		m.TF = strings.TrimPrefix(kind, "kline")
		m.Kind = "kline"
		fields["_tf"] = m.TF
	} else {
		m.Kind = kind
	}

	m.Ts = deriveTs(fields, id)

	return m
}

func deriveTs(fields map[string]string, id string) int64 {
	if s, ok := fields["ts"]; ok {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return v
		}
	}

	if dash := strings.IndexByte(id, '-'); dash > 0 {
		if v, err := strconv.ParseInt(id[:dash], 10, 64); err == nil {
			return v
		}
	}

	return time.Now().UnixMilli()
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint32:
		return strconv.FormatUint(uint64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case bool:
		if t {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(v)
	}
}

// SortMsgs orders messages by ascending Ts then ID; MarketEnv uses it to
// scan kline and OI history in time order.
func SortMsgs(msgs []Msg) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Ts != msgs[j].Ts {
			return msgs[i].Ts < msgs[j].Ts
		}
		return msgs[i].ID < msgs[j].ID
	})
}
