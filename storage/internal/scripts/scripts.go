// Package scripts holds the Lua scripts shared by the Valkey and Redis
// storage backends.
//
// Valkey and Redis run a script atomically: no other command executes
// between its first and last call, which is what makes GetDel,
// CompareAndDelete, CompareAndSwap, Incr-with-TTL and the sliding log safe
// under concurrent requests.
package scripts

// GetDel returns the value at a key and deletes it.
//
// KEYS[1] = key
//
// Returns the stored value, or false (nil reply) when the key is missing.
const GetDel = `
local v = redis.call('GET', KEYS[1])
if v then
    redis.call('DEL', KEYS[1])
end
return v
`

// CompareAndDelete deletes a key only when it still holds the expected value.
//
// KEYS[1] = key
// ARGV[1] = expected value
//
// Returns 1 when the key was deleted, 0 otherwise.
const CompareAndDelete = `
local v = redis.call('GET', KEYS[1])
if v and v == ARGV[1] then
    redis.call('DEL', KEYS[1])
    return 1
end
return 0
`

// CompareAndSwap replaces a value only when the key still holds the expected value.
//
// KEYS[1] = key
// ARGV[1] = expected value
// ARGV[2] = new value
// ARGV[3] = TTL in milliseconds, 0 for no expiry
//
// Returns 1 when replaced, 0 otherwise.
const CompareAndSwap = `
local v = redis.call('GET', KEYS[1])
if not v or v ~= ARGV[1] then
    return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
    redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
else
    redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`

// SetNX stores a value only when the key does not exist.
//
// KEYS[1] = key
// ARGV[1] = value
// ARGV[2] = TTL in milliseconds, 0 for no expiry
//
// Returns 1 when stored, 0 when the key already existed.
const SetNX = `
local ttl = tonumber(ARGV[2])
local ok
if ttl > 0 then
    ok = redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ttl)
else
    ok = redis.call('SET', KEYS[1], ARGV[1], 'NX')
end
if ok then
    return 1
end
return 0
`

// IncrWithTTL increments a counter and applies the TTL when the counter is new.
//
// KEYS[1] = key
// ARGV[1] = TTL in milliseconds, 0 for no expiry
//
// Returns the incremented value.
const IncrWithTTL = `
local n = redis.call('INCR', KEYS[1])
local ttl = tonumber(ARGV[1])
if n == 1 and ttl > 0 then
    redis.call('PEXPIRE', KEYS[1], ttl)
end
return n
`

// SAddWithTTL adds members to a set and refreshes the set's TTL.
//
// KEYS[1] = key
// ARGV[1] = TTL in milliseconds, 0 to leave the TTL untouched
// ARGV[2..n] = members
//
// Returns the number of members added.
const SAddWithTTL = `
local added = redis.call('SADD', KEYS[1], unpack(ARGV, 2))
local ttl = tonumber(ARGV[1])
if ttl > 0 then
    redis.call('PEXPIRE', KEYS[1], ttl)
end
return added
`

// WindowAdd maintains a sliding log in a sorted set scored by time.
//
// KEYS[1] = key
// ARGV[1] = now in milliseconds
// ARGV[2] = window in milliseconds
// ARGV[3] = maximum number of entries in the window
// ARGV[4] = member
//
// Returns {count, added (0 or 1), oldest score or 0}.
const WindowAdd = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
local added = 0
if count < limit then
    redis.call('ZADD', KEYS[1], now, ARGV[4])
    count = count + 1
    added = 1
end
redis.call('PEXPIRE', KEYS[1], window)
local oldest = 0
local first = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if first[2] then
    oldest = tonumber(first[2])
end
return {count, added, oldest}
`
