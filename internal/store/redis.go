package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/steward/internal/ids"
	"github.com/rendis/steward/pkg/schema"
)

// RedisStore implements RunStore, RequestStore and TraceSink on Redis so
// several steward processes can share runs and the review queue.
//
// Keys:
//
//	<prefix>:run:<run_id>          run JSON
//	<prefix>:runs                  sorted set of run ids (lexical)
//	<prefix>:hitl:<request_id>     request JSON
//	<prefix>:hitl:index            sorted set of request ids by requested_at
//	<prefix>:trace:<run_id>        list of trace event JSON
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key prefix. Default is "steward".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "steward"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) runKey(id string) string     { return s.prefix + ":run:" + id }
func (s *RedisStore) runIndexKey() string         { return s.prefix + ":runs" }
func (s *RedisStore) requestKey(id string) string { return s.prefix + ":hitl:" + id }
func (s *RedisStore) requestIndexKey() string     { return s.prefix + ":hitl:index" }
func (s *RedisStore) traceKey(id string) string   { return s.prefix + ":trace:" + id }

// Location returns the run's key.
func (s *RedisStore) Location(runID string) string { return s.runKey(runID) }

// --- Runs ---

func (s *RedisStore) Create(ctx context.Context, run *schema.RunRecord) (string, error) {
	return s.writeRun(ctx, run, "NX")
}

func (s *RedisStore) Update(ctx context.Context, run *schema.RunRecord) (string, error) {
	return s.writeRun(ctx, run, "XX")
}

func (s *RedisStore) Upsert(ctx context.Context, run *schema.RunRecord) (string, error) {
	return s.writeRun(ctx, run, "")
}

func (s *RedisStore) writeRun(ctx context.Context, run *schema.RunRecord, mode string) (string, error) {
	if !validID(run.RunID) {
		return "", invalidID("run", run.RunID)
	}
	data, err := json.Marshal(run)
	if err != nil {
		return "", storeErr("marshal run", err)
	}
	key := s.runKey(run.RunID)

	switch mode {
	case "NX":
		ok, err := s.client.SetNX(ctx, key, data, 0).Result()
		if err != nil {
			return "", storeErr("redis setnx", err)
		}
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeConflict, "Run already exists at %s", key)
		}
	case "XX":
		ok, err := s.client.SetXX(ctx, key, data, 0).Result()
		if err != nil {
			return "", storeErr("redis setxx", err)
		}
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeNotFound, "Run does not exist at %s", key)
		}
		return key, nil
	default:
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return "", storeErr("redis set", err)
		}
	}

	if err := s.client.ZAdd(ctx, s.runIndexKey(), redis.Z{Score: 0, Member: run.RunID}).Err(); err != nil {
		return "", storeErr("redis zadd", err)
	}
	return key, nil
}

func (s *RedisStore) Load(ctx context.Context, runID string) (*schema.RunRecord, error) {
	data, err := s.client.Get(ctx, s.runKey(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storeNotFound("run", runID)
		}
		return nil, storeErr("redis get", err)
	}
	var run schema.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, storeErr("unmarshal run", err)
	}
	return &run, nil
}

// ListIDs relies on equal scores, which Redis orders lexically.
func (s *RedisStore) ListIDs(ctx context.Context) ([]string, error) {
	out, err := s.client.ZRange(ctx, s.runIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, storeErr("redis zrange", err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

// --- HITL requests ---

func (s *RedisStore) SaveRequest(ctx context.Context, req *schema.HitlRequest) (string, error) {
	if !validID(req.RequestID) {
		return "", invalidID("hitl request", req.RequestID)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", storeErr("marshal hitl request", err)
	}
	key := s.requestKey(req.RequestID)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.ZAdd(ctx, s.requestIndexKey(), redis.Z{
		Score:  float64(req.RequestedAt.UnixMilli()),
		Member: req.RequestID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", storeErr("redis pipeline", err)
	}
	return key, nil
}

func (s *RedisStore) LoadRequest(ctx context.Context, requestID string) (*schema.HitlRequest, error) {
	data, err := s.client.Get(ctx, s.requestKey(requestID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storeNotFound("hitl request", requestID)
		}
		return nil, storeErr("redis get", err)
	}
	var req schema.HitlRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, storeErr("unmarshal hitl request", err)
	}
	return &req, nil
}

func (s *RedisStore) ListRequests(ctx context.Context, filter RequestFilter) ([]*schema.HitlRequest, error) {
	requestIDs, err := s.client.ZRange(ctx, s.requestIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, storeErr("redis zrange", err)
	}
	if len(requestIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(requestIDs))
	for i, id := range requestIDs {
		keys[i] = s.requestKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storeErr("redis mget", err)
	}

	var out []*schema.HitlRequest
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		req := &schema.HitlRequest{}
		if err := json.Unmarshal([]byte(str), req); err != nil {
			return nil, storeErr(fmt.Sprintf("unmarshal hitl request %s", requestIDs[i]), err)
		}
		if !filter.Match(req) {
			continue
		}
		out = append(out, req)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// --- Trace ---

func (s *RedisStore) AppendTrace(ctx context.Context, event *schema.TraceEvent) error {
	if !validID(event.RunID) {
		return invalidID("run", event.RunID)
	}
	if event.EventID == "" {
		event.EventID = ids.EventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = ids.Now()
	}
	// Reserve the slot first so the stored JSON carries its own sequence.
	key := s.traceKey(event.RunID)
	n, err := s.client.RPush(ctx, key, "").Result()
	if err != nil {
		return storeErr("redis rpush", err)
	}
	event.Sequence = n
	data, err := json.Marshal(event)
	if err != nil {
		return storeErr("marshal trace event", err)
	}
	if err := s.client.LSet(ctx, key, n-1, data).Err(); err != nil {
		return storeErr("redis lset", err)
	}
	return nil
}

func (s *RedisStore) ListTrace(ctx context.Context, runID string) ([]*schema.TraceEvent, error) {
	values, err := s.client.LRange(ctx, s.traceKey(runID), 0, -1).Result()
	if err != nil {
		return nil, storeErr("redis lrange", err)
	}
	out := make([]*schema.TraceEvent, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		ev := &schema.TraceEvent{}
		if err := json.Unmarshal([]byte(v), ev); err != nil {
			return nil, storeErr("unmarshal trace event", err)
		}
		out = append(out, ev)
	}
	return out, nil
}
