package presence

// The four scripts below are the atomic multi-key units required by spec
// §4.2.5. Each executes as a single Lua evaluation on the backing store.
// Join and heartbeat each run one script and commit every effect or none;
// leave runs two (leaveConnScript, then leaveAggregateScript), each atomic
// on its own.

// joinScript allocates/refreshes epoch and writes the connection hash plus
// every room/user aggregate index in one round trip.
//
// KEYS: [1]=connKey [2]=roomConnsKey [3]=roomMembersKey [4]=roomLastSeenKey
//
//	[5]=roomConnMetaKey [6]=userConnsKey [7]=activeRoomsKey
//
// ARGV: [1]=userId [2]=roomId [3]=connId [4]=stateJSON [5]=nowMs [6]=ttlMs
//
// Returns {epoch, roomMemberCount, activeRoomCount} so the caller can
// publish room occupancy metrics without a second round trip.
const joinScript = `
local storedEpoch = tonumber(redis.call("HGET", KEYS[1], "epoch") or "0")
local now = tonumber(ARGV[5])
local epoch = storedEpoch + 1
if now > epoch then epoch = now end

redis.call("HSET", KEYS[1],
  "userId", ARGV[1],
  "roomId", ARGV[2],
  "epoch", epoch,
  "lastSeenMs", now,
  "state", ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[6])

redis.call("SADD", KEYS[2], ARGV[3])
redis.call("SADD", KEYS[3], ARGV[1])
redis.call("ZADD", KEYS[4], now, ARGV[3])
redis.call("HSET", KEYS[5], ARGV[3], cjson.encode({userId=ARGV[1], epoch=epoch}))
redis.call("SADD", KEYS[6], ARGV[3])
redis.call("SADD", KEYS[7], ARGV[2])

return {epoch, redis.call("SCARD", KEYS[3]), redis.call("SCARD", KEYS[7])}
`

// heartbeatScript applies a Go-precomputed state merge under an
// optimistic-concurrency guard on the epoch field read immediately before
// the merge was computed: if the stored epoch has moved since that read,
// the script aborts with "conflict" and the caller recomputes and retries.
//
// KEYS: [1]=connKey
// ARGV: [1]=expectedEpoch (epoch the caller read before merging)
//
//	[2]=providedEpoch (client-supplied epoch, for fencing)
//	[3]=nowMs
//	[4]=changed ("1"/"0")
//	[5]=newStateJSON (applied only if changed=="1")
//	[6]=ttlMs
//	[7]=connId
//	[8]=roomId
//
// Returns {changedFlag (0/1), authoritativeEpoch}, or raises "unknown" /
// "conflict" via redis.error_reply.
const heartbeatScript = `
local curEpochRaw = redis.call("HGET", KEYS[1], "epoch")
if not curEpochRaw then
  return redis.error_reply("unknown")
end
local curEpoch = tonumber(curEpochRaw)
if curEpoch ~= tonumber(ARGV[1]) then
  return redis.error_reply("conflict")
end

local providedEpoch = tonumber(ARGV[2])
if providedEpoch < curEpoch then
  return {0, curEpoch}
end

local now = tonumber(ARGV[3])
redis.call("HSET", KEYS[1], "lastSeenMs", now)
redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[6]))

local changed = ARGV[4] == "1"
if changed then
  redis.call("HSET", KEYS[1], "state", ARGV[5])
end

redis.call("ZADD", "prs:{room:" .. ARGV[8] .. "}:last_seen", now, ARGV[7])

if changed then
  return {1, curEpoch}
end
return {0, curEpoch}
`

// leaveConnScript atomically loads and deletes the connection hash. It is
// the first of leave's two atomic phases (spec §4.2.4 step 1): the room
// aggregate keys cannot be named until roomId is known, which this phase
// reveals.
//
// KEYS: [1]=connKey
//
// Returns the hash's field/value pairs (HGETALL form), or an empty array if
// the connection was already gone (idempotent leave).
const leaveConnScript = `
local fields = redis.call("HGETALL", KEYS[1])
if #fields == 0 then
  return {}
end
redis.call("DEL", KEYS[1])
return fields
`

// leaveAggregateScript removes connId from every room/user aggregate index
// and recomputes room membership and active_rooms in one atomic unit (spec
// §4.2.4 step 2).
//
// KEYS: [1]=roomConnsKey [2]=roomLastSeenKey [3]=roomConnMetaKey
//
//	[4]=userConnsKey [5]=activeRoomsKey [6]=roomMembersKey
//
// ARGV: [1]=connId [2]=userId [3]=roomId
//
// Returns {roomMemberCount, activeRoomCount} (post-removal), the same
// occupancy pair joinScript returns, so Join and Leave update the room
// metrics identically.
const leaveAggregateScript = `
redis.call("SREM", KEYS[1], ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("HDEL", KEYS[3], ARGV[1])
redis.call("SREM", KEYS[4], ARGV[1])

local remaining = redis.call("SMEMBERS", KEYS[1])
if #remaining == 0 then
  redis.call("SREM", KEYS[5], ARGV[3])
  redis.call("DEL", KEYS[6])
  return {0, redis.call("SCARD", KEYS[5])}
end

local stillMember = false
for _, cid in ipairs(remaining) do
  local metaRaw = redis.call("HGET", KEYS[3], cid)
  if metaRaw then
    local meta = cjson.decode(metaRaw)
    if meta.userId == ARGV[2] then
      stillMember = true
      break
    end
  end
end
if not stillMember then
  redis.call("SREM", KEYS[6], ARGV[2])
end
return {redis.call("SCARD", KEYS[6]), redis.call("SCARD", KEYS[5])}
`
