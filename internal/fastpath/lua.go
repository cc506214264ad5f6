package fastpath

// All scripts touch only the keys they are given and return plain arrays so
// go-redis can decode them without cjson.

// createUserLua writes the user hash unless it already exists.
// KEYS[1] user hash; ARGV field/value pairs.
const createUserLua = `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`

// setBalanceLua updates an existing user's balance.
// KEYS[1] user hash; ARGV[1] balance, ARGV[2] last_active.
const setBalanceLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'coin_balance', ARGV[1], 'last_active', ARGV[2])
return 1
`

// initPetLua inserts the pet when absent and returns the stored hash.
// KEYS[1] pet hash; ARGV field/value pairs (version is forced to 0).
const initPetLua = `
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('HSET', KEYS[1], unpack(ARGV))
  redis.call('HSET', KEYS[1], 'version', 0)
end
return redis.call('HGETALL', KEYS[1])
`

// petCASLua applies a progress write when the stored version matches.
// KEYS[1] pet hash; ARGV[1] expected version, ARGV[2] total, ARGV[3] level.
// Returns {'missing'}, {'stale'} or {'ok', <hash fields...>}.
const petCASLua = `
local version = redis.call('HGET', KEYS[1], 'version')
if not version then
  return {'missing'}
end
if tonumber(version) ~= tonumber(ARGV[1]) then
  return {'stale'}
end
redis.call('HSET', KEYS[1], 'total_experience', ARGV[2], 'current_level', ARGV[3])
redis.call('HINCRBY', KEYS[1], 'version', 1)
local out = {'ok'}
local fields = redis.call('HGETALL', KEYS[1])
for i = 1, #fields do
  out[#out + 1] = fields[i]
end
return out
`

// appendInteractionLua appends a JSON record to the user's day list once per id.
// KEYS[1] id set, KEYS[2] list; ARGV[1] id, ARGV[2] json, ARGV[3] ttl seconds.
const appendInteractionLua = `
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('RPUSH', KEYS[2], ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('EXPIRE', KEYS[2], ARGV[3])
return 1
`

// appendCoinLua emits a ledger entry to the stream once per transaction id.
// KEYS[1] dedupe key, KEYS[2] stream; ARGV[1] ttl seconds, ARGV[2] maxlen,
// ARGV[3..] stream field/value pairs.
const appendCoinLua = `
if not redis.call('SET', KEYS[1], '1', 'NX', 'EX', ARGV[1]) then
  return 0
end
local fields = {}
for i = 3, #ARGV do
  fields[#fields + 1] = ARGV[i]
end
redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[2], '*', unpack(fields))
return 1
`
