package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"mailqueue/internal/job"
	logx "mailqueue/pkg/logx"
)

// redisStore keeps each job in a hash and indexes it by state in per-queue
// sorted sets. Every transition is a Lua script, so it runs atomically on the
// server. Scripts touch job keys derived from their arguments, which limits
// this backend to a single Redis node (no cluster slot routing).
//
// Keys (prefix defaults to "mq:"):
//
//	{p}job:{id}                  hash
//	{p}queue:{q}:pending         zset, score = available_at (ms)
//	{p}queue:{q}:reserved        zset, score = lease_expires_at (ms)
//	{p}queue:{q}:completed       zset, score = completed_at (ms)
//	{p}failure:{id}              hash
//	{p}failures:{q}, {p}failures zset, score = failed_at (ms)
//	{p}queues                    set of queue names
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("redis dsn is required")
	}
	opt, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("redis dsn: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opt.DialTimeout = cfg.DialTimeout
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisStore(client, cfg.Prefix, log), nil
}

func newRedisStore(client *redis.Client, prefix string, log logx.Logger) *redisStore {
	if prefix == "" {
		prefix = "mq:"
	}
	return &redisStore{client: client, prefix: prefix, log: log.With(logx.String("driver", "redis"))}
}

func (s *redisStore) jobKey(id string) string      { return s.prefix + "job:" + id }
func (s *redisStore) failureKey(id string) string  { return s.prefix + "failure:" + id }
func (s *redisStore) pendingKey(q string) string   { return s.prefix + "queue:" + q + ":pending" }
func (s *redisStore) reservedKey(q string) string  { return s.prefix + "queue:" + q + ":reserved" }
func (s *redisStore) completedKey(q string) string { return s.prefix + "queue:" + q + ":completed" }
func (s *redisStore) failuresKey(q string) string  { return s.prefix + "failures:" + q }
func (s *redisStore) allFailuresKey() string       { return s.prefix + "failures" }
func (s *redisStore) queuesKey() string            { return s.prefix + "queues" }

const luaPrelude = `
local function check(key, token)
  if redis.call('EXISTS', key) == 0 then return -1 end
  if redis.call('HGET', key, 'status') ~= 'reserved' or redis.call('HGET', key, 'lease_token') ~= token then
    return 0
  end
  return 1
end
local function bump(key, field, maxField, n)
  n = tonumber(n)
  if n == 0 then return end
  local v = tonumber(redis.call('HGET', key, field) or '0') + n
  local m = tonumber(redis.call('HGET', key, maxField) or '0')
  if m > 0 and v > m then v = m end
  redis.call('HSET', key, field, v)
end
local function unlease(key)
  redis.call('HDEL', key, 'reserved_at', 'lease_expires_at', 'lease_token')
end
`

// KEYS: job, pending, queues. ARGV: id, score, queue, field/value pairs...
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[3])
return 1
`)

// KEYS: pending, reserved. ARGV: now, lease expiry, token, job key prefix,
// scan limit.
//
// Candidates are the pending jobs tied at the lowest available_at and up to
// scan expired leases. The winner is the lowest (available_at, created_at,
// id), the same order the SQL and memory stores use.
var reserveScript = redis.NewScript(`
local now = ARGV[1]
local scan = tonumber(ARGV[5])
local id, bestA, bestC, reclaimed
local function consider(cand, isReclaim)
  local v = redis.call('HMGET', ARGV[4] .. cand, 'available_at', 'created_at')
  local a, c = tonumber(v[1]) or 0, tonumber(v[2]) or 0
  if id == nil or a < bestA or (a == bestA and (c < bestC or (c == bestC and cand < id))) then
    id, bestA, bestC, reclaimed = cand, a, c, isReclaim
  end
end
local head = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'WITHSCORES', 'LIMIT', 0, 1)
if #head > 0 then
  for _, cand in ipairs(redis.call('ZRANGEBYSCORE', KEYS[1], head[2], head[2], 'LIMIT', 0, scan)) do
    consider(cand, false)
  end
end
for _, cand in ipairs(redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, scan)) do
  consider(cand, true)
end
if id == nil then return false end
local key = ARGV[4] .. id
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
if reclaimed then
  local a = tonumber(redis.call('HGET', key, 'attempts') or '0') + 1
  local m = tonumber(redis.call('HGET', key, 'max_attempts') or '0')
  if m > 0 and a > m then a = m end
  redis.call('HSET', key, 'attempts', a)
end
redis.call('HSET', key, 'status', 'reserved', 'reserved_at', now, 'lease_expires_at', ARGV[2], 'lease_token', ARGV[3])
return redis.call('HGETALL', key)
`)

// KEYS: job, reserved, completed. ARGV: token, now, id.
var ackScript = redis.NewScript(luaPrelude + `
local c = check(KEYS[1], ARGV[1])
if c ~= 1 then return c end
redis.call('ZREM', KEYS[2], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
redis.call('HSET', KEYS[1], 'status', 'completed', 'completed_at', ARGV[2])
unlease(KEYS[1])
return 1
`)

// KEYS: job, reserved, pending. ARGV: token, available_at, +attempts, +exceptions, last error, id.
var releaseScript = redis.NewScript(luaPrelude + `
local c = check(KEYS[1], ARGV[1])
if c ~= 1 then return c end
bump(KEYS[1], 'attempts', 'max_attempts', ARGV[3])
bump(KEYS[1], 'exceptions', 'max_exceptions', ARGV[4])
if ARGV[5] ~= '' then redis.call('HSET', KEYS[1], 'last_error', ARGV[5]) end
redis.call('HSET', KEYS[1], 'status', 'pending', 'available_at', ARGV[2])
unlease(KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[6])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[6])
return 1
`)

// KEYS: job, reserved, failure, queue failures, all failures.
// ARGV: token, now, +attempts, +exceptions, final error, id.
var failScript = redis.NewScript(luaPrelude + `
local c = check(KEYS[1], ARGV[1])
if c ~= 1 then return c end
bump(KEYS[1], 'attempts', 'max_attempts', ARGV[3])
bump(KEYS[1], 'exceptions', 'max_exceptions', ARGV[4])
redis.call('HSET', KEYS[1], 'status', 'failed', 'failed_at', ARGV[2], 'last_error', ARGV[5])
unlease(KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[6])
local f = redis.call('HMGET', KEYS[1], 'queue', 'name', 'payload', 'labels', 'attempts', 'exceptions')
redis.call('HSET', KEYS[3], 'job_id', ARGV[6], 'queue', f[1] or '', 'name', f[2] or '',
  'payload', f[3] or '', 'labels', f[4] or '', 'attempts', f[5] or '0', 'exceptions', f[6] or '0',
  'final_error', ARGV[5], 'failed_at', ARGV[2])
redis.call('ZADD', KEYS[4], ARGV[2], ARGV[6])
redis.call('ZADD', KEYS[5], ARGV[2], ARGV[6])
return 1
`)

// KEYS: job, reserved. ARGV: token, expiry, id.
var extendScript = redis.NewScript(luaPrelude + `
local c = check(KEYS[1], ARGV[1])
if c ~= 1 then return c end
redis.call('HSET', KEYS[1], 'lease_expires_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

func leaseResult(n int64) error {
	switch n {
	case 1:
		return nil
	case -1:
		return job.ErrNotFound
	default:
		return job.ErrLeaseLost
	}
}

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) Ping(ctx context.Context) error {
	return job.Storage("ping", s.client.Ping(ctx).Err())
}

func (s *redisStore) Enqueue(ctx context.Context, in *job.Job) (string, error) {
	j, err := prepare(in, time.Now().UTC())
	if err != nil {
		return "", err
	}
	labels, err := encodeLabels(j.Labels)
	if err != nil {
		return "", &job.ValidationError{Errors: []error{fmt.Errorf("labels: %w", err)}}
	}
	labelStr, _ := labels.(string)

	args := []any{j.ID, ms(j.AvailableAt), j.Queue,
		"id", j.ID,
		"queue", j.Queue,
		"name", j.Name,
		"payload", string(j.Payload),
		"labels", labelStr,
		"attempts", j.Attempts,
		"exceptions", j.Exceptions,
		"max_attempts", j.MaxAttempts,
		"max_exceptions", j.MaxExceptions,
		"timeout_ms", j.Timeout.Milliseconds(),
		"status", string(j.Status),
		"created_at", ms(j.CreatedAt),
		"available_at", ms(j.AvailableAt),
		"last_error", j.LastError,
	}
	n, err := enqueueScript.Run(ctx, s.client,
		[]string{s.jobKey(j.ID), s.pendingKey(j.Queue), s.queuesKey()}, args...).Int64()
	if err != nil {
		return "", job.Storage("enqueue", err)
	}
	if n == 0 {
		return "", job.ErrDuplicateJob
	}
	return j.ID, nil
}

// reserveScan bounds how many tied or expired candidates one Reserve weighs.
const reserveScan = 100

func (s *redisStore) Reserve(ctx context.Context, queue string, lease time.Duration) (*job.Job, error) {
	now := time.Now().UTC()
	exp := now.Add(nonNegative(lease))
	res, err := reserveScript.Run(ctx, s.client,
		[]string{s.pendingKey(queue), s.reservedKey(queue)},
		ms(now), ms(exp), job.NewToken(), s.prefix+"job:", reserveScan).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, job.Storage("reserve", err)
	}
	flat, ok := res.([]any)
	if !ok {
		return nil, job.Storage("reserve", fmt.Errorf("unexpected script reply %T", res))
	}
	return redisJob(pairs(flat))
}

// queueOf returns the lease's queue, falling back to the stored value.
func (s *redisStore) queueOf(ctx context.Context, l job.Lease) (string, error) {
	if l.Queue != "" {
		return l.Queue, nil
	}
	q, err := s.client.HGet(ctx, s.jobKey(l.JobID), "queue").Result()
	if errors.Is(err, redis.Nil) {
		return "", job.ErrNotFound
	}
	if err != nil {
		return "", job.Storage("lease", err)
	}
	return q, nil
}

func (s *redisStore) Ack(ctx context.Context, l job.Lease) error {
	q, err := s.queueOf(ctx, l)
	if err != nil {
		return err
	}
	n, err := ackScript.Run(ctx, s.client,
		[]string{s.jobKey(l.JobID), s.reservedKey(q), s.completedKey(q)},
		l.Token, ms(time.Now().UTC()), l.JobID).Int64()
	if err != nil {
		return job.Storage("ack", err)
	}
	return leaseResult(n)
}

func (s *redisStore) Release(ctx context.Context, l job.Lease, delay time.Duration, charge job.Charge, lastErr string) error {
	q, err := s.queueOf(ctx, l)
	if err != nil {
		return err
	}
	da, de := chargeDelta(charge)
	at := time.Now().UTC().Add(nonNegative(delay))
	n, err := releaseScript.Run(ctx, s.client,
		[]string{s.jobKey(l.JobID), s.reservedKey(q), s.pendingKey(q)},
		l.Token, ms(at), da, de, lastErr, l.JobID).Int64()
	if err != nil {
		return job.Storage("release", err)
	}
	return leaseResult(n)
}

func (s *redisStore) Fail(ctx context.Context, l job.Lease, charge job.Charge, finalErr string) (job.FailureRecord, error) {
	q, err := s.queueOf(ctx, l)
	if err != nil {
		return job.FailureRecord{}, err
	}
	da, de := chargeDelta(charge)
	now := time.Now().UTC()
	n, err := failScript.Run(ctx, s.client,
		[]string{s.jobKey(l.JobID), s.reservedKey(q), s.failureKey(l.JobID), s.failuresKey(q), s.allFailuresKey()},
		l.Token, ms(now), da, de, finalErr, l.JobID).Int64()
	if err != nil {
		return job.FailureRecord{}, job.Storage("fail", err)
	}
	if err := leaseResult(n); err != nil {
		return job.FailureRecord{}, err
	}
	h, err := s.client.HGetAll(ctx, s.failureKey(l.JobID)).Result()
	if err != nil {
		return job.FailureRecord{}, job.Storage("fail", err)
	}
	return redisFailure(h), nil
}

func (s *redisStore) Extend(ctx context.Context, l job.Lease, d time.Duration) (job.Lease, error) {
	q, err := s.queueOf(ctx, l)
	if err != nil {
		return job.Lease{}, err
	}
	exp := time.Now().UTC().Add(nonNegative(d))
	n, err := extendScript.Run(ctx, s.client,
		[]string{s.jobKey(l.JobID), s.reservedKey(q)},
		l.Token, ms(exp), l.JobID).Int64()
	if err != nil {
		return job.Lease{}, job.Storage("extend", err)
	}
	if err := leaseResult(n); err != nil {
		return job.Lease{}, err
	}
	l.ExpiresAt = msToTime(exp.UnixMilli())
	return l, nil
}

func (s *redisStore) Get(ctx context.Context, id string) (*job.Job, error) {
	h, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, job.Storage("get", err)
	}
	if len(h) == 0 {
		return nil, job.ErrNotFound
	}
	return redisJob(h)
}

func (s *redisStore) Failures(ctx context.Context, f job.FailureFilter) ([]job.FailureRecord, error) {
	key := s.allFailuresKey()
	if f.Queue != "" {
		key = s.failuresKey(f.Queue)
	}
	minScore := "-inf"
	if !f.Since.IsZero() {
		minScore = ms(f.Since)
	}
	ids, err := s.client.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   minScore,
		Max:   "+inf",
		Count: int64(failuresLimit(f)),
	}).Result()
	if err != nil {
		return nil, job.Storage("failures", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.failureKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, job.Storage("failures", err)
	}
	out := make([]job.FailureRecord, 0, len(ids))
	for _, c := range cmds {
		if h := c.Val(); len(h) > 0 {
			out = append(out, redisFailure(h))
		}
	}
	return out, nil
}

func (s *redisStore) queues(ctx context.Context, queue string) ([]string, error) {
	if queue != "" {
		return []string{queue}, nil
	}
	return s.client.SMembers(ctx, s.queuesKey()).Result()
}

func (s *redisStore) Stats(ctx context.Context, queue string) (job.Stats, error) {
	st := job.NewStats(queue)
	qs, err := s.queues(ctx, queue)
	if err != nil {
		return st, job.Storage("stats", err)
	}
	pipe := s.client.Pipeline()
	type counts struct{ pending, reserved, completed, failed *redis.IntCmd }
	all := make([]counts, len(qs))
	for i, q := range qs {
		all[i] = counts{
			pending:   pipe.ZCard(ctx, s.pendingKey(q)),
			reserved:  pipe.ZCard(ctx, s.reservedKey(q)),
			completed: pipe.ZCard(ctx, s.completedKey(q)),
			failed:    pipe.ZCard(ctx, s.failuresKey(q)),
		}
	}
	if len(qs) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return st, job.Storage("stats", err)
		}
	}
	for _, c := range all {
		st.ByStatus[job.StatusPending] += int(c.pending.Val())
		st.ByStatus[job.StatusReserved] += int(c.reserved.Val())
		st.ByStatus[job.StatusCompleted] += int(c.completed.Val())
		st.ByStatus[job.StatusFailed] += int(c.failed.Val())
		st.Failures += int(c.failed.Val())
	}
	return st, nil
}

func (s *redisStore) Prune(ctx context.Context, before time.Time) (int, error) {
	qs, err := s.queues(ctx, "")
	if err != nil {
		return 0, job.Storage("prune", err)
	}
	total := 0
	for _, q := range qs {
		key := s.completedKey(q)
		ids, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: "(" + ms(before)}).Result()
		if err != nil {
			return total, job.Storage("prune", err)
		}
		if len(ids) == 0 {
			continue
		}
		pipe := s.client.TxPipeline()
		for _, id := range ids {
			pipe.Del(ctx, s.jobKey(id))
			pipe.ZRem(ctx, key, id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return total, job.Storage("prune", err)
		}
		total += len(ids)
	}
	return total, nil
}

func pairs(flat []any) map[string]string {
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		m[k] = v
	}
	return m
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func msField(s string) *time.Time {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := msToTime(v)
	return &t
}

func redisJob(h map[string]string) (*job.Job, error) {
	if h["id"] == "" {
		return nil, job.Storage("decode", errors.New("job hash without id"))
	}
	j := &job.Job{
		ID:             h["id"],
		Queue:          h["queue"],
		Name:           h["name"],
		Payload:        payloadOf([]byte(h["payload"])),
		Attempts:       atoi(h["attempts"]),
		Exceptions:     atoi(h["exceptions"]),
		MaxAttempts:    atoi(h["max_attempts"]),
		MaxExceptions:  atoi(h["max_exceptions"]),
		Timeout:        time.Duration(atoi(h["timeout_ms"])) * time.Millisecond,
		Status:         job.Status(h["status"]),
		ReservedAt:     msField(h["reserved_at"]),
		LeaseExpiresAt: msField(h["lease_expires_at"]),
		LeaseToken:     h["lease_token"],
		LastError:      h["last_error"],
		CompletedAt:    msField(h["completed_at"]),
		FailedAt:       msField(h["failed_at"]),
	}
	if v := h["labels"]; v != "" {
		j.Labels = decodeLabels(nullString(v))
	}
	if t := msField(h["created_at"]); t != nil {
		j.CreatedAt = *t
	}
	if t := msField(h["available_at"]); t != nil {
		j.AvailableAt = *t
	}
	return j, nil
}

func redisFailure(h map[string]string) job.FailureRecord {
	rec := job.FailureRecord{
		JobID:      h["job_id"],
		Queue:      h["queue"],
		Name:       h["name"],
		Payload:    payloadOf([]byte(h["payload"])),
		Attempts:   atoi(h["attempts"]),
		Exceptions: atoi(h["exceptions"]),
		FinalError: h["final_error"],
	}
	if v := h["labels"]; v != "" {
		rec.Labels = decodeLabels(nullString(v))
	}
	if t := msField(h["failed_at"]); t != nil {
		rec.FailedAt = *t
	}
	return rec
}
