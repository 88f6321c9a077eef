package redisbroker

import "github.com/redis/go-redis/v9"

// reclaimLua reverts expired leases of one queue. It is prepended to the lease
// script and also run on its own by ReclaimExpired.
const reclaimLua = `
local function reclaim(pending, leased, prefix, now)
  local n = 0
  local expired = redis.call("ZRANGEBYSCORE", leased, "-inf", now, "LIMIT", 0, 256)
  for _, id in ipairs(expired) do
    redis.call("ZREM", leased, id)
    local key = prefix .. id
    if redis.call("HGET", key, "status") == "leased" then
      redis.call("HSET", key, "status", "pending", "lease_token", "", "lease_expires", "0",
        "consumer", "", "updated_at", now)
      redis.call("ZADD", pending, redis.call("HGET", key, "not_before"), id)
      n = n + 1
    end
  end
  return n
end
`

// KEYS[1] job hash, KEYS[2] pending zset
// ARGV: field/value pairs of the hash, then the last ARGV is the id and the one
// before it the not_before score.
var enqueueScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return -1
end
local n = #ARGV
local id = ARGV[n]
local score = ARGV[n-1]
for i = 1, n - 2, 2 do
  redis.call("HSET", KEYS[1], ARGV[i], ARGV[i+1])
end
redis.call("ZADD", KEYS[2], score, id)
return 0
`)

// KEYS[1] pending zset, KEYS[2] leased zset
// ARGV[1] now ms, ARGV[2] lease expiry ms, ARGV[3] job key prefix, ARGV[4] token, ARGV[5] consumer
var leaseScript = redis.NewScript(reclaimLua + `
reclaim(KEYS[1], KEYS[2], ARGV[3], ARGV[1])
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 16)
for _, id in ipairs(ids) do
  redis.call("ZREM", KEYS[1], id)
  local key = ARGV[3] .. id
  if redis.call("HGET", key, "status") == "pending" then
    redis.call("ZADD", KEYS[2], ARGV[2], id)
    redis.call("HSET", key, "status", "leased", "lease_token", ARGV[4], "lease_expires", ARGV[2],
      "consumer", ARGV[5], "updated_at", ARGV[1])
    redis.call("HINCRBY", key, "deliveries", 1)
    return redis.call("HGETALL", key)
  end
end
return false
`)

// KEYS[1] pending zset, KEYS[2] leased zset
// ARGV[1] now ms, ARGV[2] job key prefix
var reclaimScript = redis.NewScript(reclaimLua + `
return reclaim(KEYS[1], KEYS[2], ARGV[2], ARGV[1])
`)

// Shared lease check for every report script: -1 when the token is stale.
const checkLua = `
if redis.call("HGET", KEYS[1], "status") ~= "leased" or redis.call("HGET", KEYS[1], "lease_token") ~= ARGV[1] then
  return -1
end
`

// KEYS[1] job hash, KEYS[2] leased zset
// ARGV[1] token, ARGV[2] id, ARGV[3] now ms, ARGV[4] retention ms
var ackScript = redis.NewScript(checkLua + `
redis.call("ZREM", KEYS[2], ARGV[2])
redis.call("HSET", KEYS[1], "status", "succeeded", "lease_token", "", "lease_expires", "0", "updated_at", ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[4])
end
return 0
`)

// KEYS[1] job hash, KEYS[2] leased zset, KEYS[3] pending zset, KEYS[4] dead zset
// ARGV[1] token, ARGV[2] id, ARGV[3] now ms, ARGV[4] not_before ms, ARGV[5] reason
// Returns 0 when rescheduled, 1 when dead-lettered.
var retryScript = redis.NewScript(checkLua + `
local attempt = redis.call("HINCRBY", KEYS[1], "attempt", 1)
local max = tonumber(redis.call("HGET", KEYS[1], "max_attempts"))
redis.call("ZREM", KEYS[2], ARGV[2])
if attempt >= max then
  redis.call("HSET", KEYS[1], "status", "dead_lettered", "lease_token", "", "lease_expires", "0",
    "last_error", ARGV[5], "updated_at", ARGV[3])
  redis.call("ZADD", KEYS[4], ARGV[3], ARGV[2])
  return 1
end
redis.call("HSET", KEYS[1], "status", "pending", "lease_token", "", "lease_expires", "0", "consumer", "",
  "not_before", ARGV[4], "last_error", ARGV[5], "updated_at", ARGV[3])
redis.call("ZADD", KEYS[3], ARGV[4], ARGV[2])
return 0
`)

// KEYS[1] job hash, KEYS[2] leased zset, KEYS[3] dead zset
// ARGV[1] token, ARGV[2] id, ARGV[3] now ms, ARGV[4] reason
var deadLetterScript = redis.NewScript(checkLua + `
redis.call("HINCRBY", KEYS[1], "attempt", 1)
redis.call("ZREM", KEYS[2], ARGV[2])
redis.call("HSET", KEYS[1], "status", "dead_lettered", "lease_token", "", "lease_expires", "0",
  "last_error", ARGV[4], "updated_at", ARGV[3])
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[2])
return 0
`)

// KEYS[1] job hash, KEYS[2] leased zset, KEYS[3] pending zset
// ARGV[1] token, ARGV[2] id, ARGV[3] now ms
var releaseScript = redis.NewScript(checkLua + `
redis.call("ZREM", KEYS[2], ARGV[2])
redis.call("HSET", KEYS[1], "status", "pending", "lease_token", "", "lease_expires", "0", "consumer", "",
  "updated_at", ARGV[3])
redis.call("ZADD", KEYS[3], redis.call("HGET", KEYS[1], "not_before"), ARGV[2])
return 0
`)

// KEYS[1] job hash, KEYS[2] dead zset
// ARGV[1] id, ARGV[2] now ms, ARGV[3] retention ms
// Returns -2 when the job is gone, -1 when it is not dead-lettered.
var purgeScript = redis.NewScript(`
local status = redis.call("HGET", KEYS[1], "status")
if not status then
  return -2
end
if status ~= "dead_lettered" then
  return -1
end
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[1], "status", "failed", "updated_at", ARGV[2])
redis.call("HDEL", KEYS[1], "payload")
if tonumber(ARGV[3]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return 0
`)
