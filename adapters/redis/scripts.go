package redis

import "github.com/go-redis/redis/v8"

// Scripts build job keys from the hash tag passed in ARGV. Those keys share the
// slot of the declared KEYS.

// KEYS: job, index, types. ARGV: score, member, type, field/value pairs...
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[3])
return 1
`)

// KEYS: waiting, delayed, active. ARGV: now, worker id, job key prefix.
var claimScript = redis.NewScript(`
local now = ARGV[1]
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(due) do
  local key = ARGV[3] .. id
  redis.call('ZREM', KEYS[2], id)
  local f = redis.call('HMGET', key, 'priority', 'rank')
  if f[1] then
    redis.call('ZADD', KEYS[1], tostring(-tonumber(f[1])), f[2])
    redis.call('HSET', key, 'state', 'waiting', 'updated_at', now)
  end
end
while true do
  local popped = redis.call('ZPOPMIN', KEYS[1])
  if #popped == 0 then
    return false
  end
  local id = string.match(popped[1], ':0*(%d+)$')
  local key = ARGV[3] .. id
  if redis.call('HGET', key, 'state') == 'waiting' then
    redis.call('HSET', key, 'state', 'active', 'worker_id', ARGV[2], 'claimed_at', now,
      'heartbeat_at', now, 'updated_at', now, 'cancel_requested', '0')
    redis.call('ZADD', KEYS[3], now, id)
    return redis.call('HGETALL', key)
  end
end
`)

// KEYS: job. ARGV: worker id, now, job id, hash tag.
// Returns -1 for an unknown claim, otherwise the cancel flag.
var heartbeatScript = redis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'state', 'worker_id', 'cancel_requested', 'type')
if f[1] ~= 'active' or f[2] ~= ARGV[1] then
  return -1
end
redis.call('HSET', KEYS[1], 'heartbeat_at', ARGV[2])
redis.call('ZADD', ARGV[4] .. f[4] .. ':active', ARGV[2], ARGV[3])
if f[3] == '1' then
  return 1
end
return 0
`)

// KEYS: job, source index, target index.
// ARGV: expected state, expected worker, stale-before ms, source member, remove,
// target score, target member, field/value pairs...
// Returns -1 when the job is missing, 0 on a failed guard, 1 on success.
var transitionScript = redis.NewScript(`
local f = redis.call('HMGET', KEYS[1], 'state', 'worker_id', 'heartbeat_at')
if not f[1] then
  return -1
end
if f[1] ~= ARGV[1] then
  return 0
end
if ARGV[2] ~= '' and f[2] ~= ARGV[2] then
  return 0
end
if ARGV[3] ~= '0' and tonumber(f[3] or '0') >= tonumber(ARGV[3]) then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[4])
if ARGV[5] == '1' then
  redis.call('DEL', KEYS[1])
  return 1
end
if #ARGV > 7 then
  redis.call('HSET', KEYS[1], unpack(ARGV, 8))
end
if ARGV[7] ~= '' then
  redis.call('ZADD', KEYS[3], ARGV[6], ARGV[7])
end
return 1
`)

// KEYS: job. Returns -1 when missing, 0 when not active, 1 when flagged.
var cancelScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return -1
end
if state ~= 'active' then
  return 0
end
redis.call('HSET', KEYS[1], 'cancel_requested', '1')
return 1
`)
