package redis

import "github.com/redis/go-redis/v9"

// ledgerCap is the number of ledger entries kept per user
const ledgerCap = 1000

const (
	// advanceChargeScript swaps last_charge_at only if it still holds the expected value
	advanceChargeScript = `
local session_key = KEYS[1]     -- tokenmeter:session:{sessionID}

local expected = ARGV[1]
local next_value = ARGV[2]
local ttl_ms = tonumber(ARGV[3])

local current = redis.call('HGET', session_key, 'last_charge_at')
if not current then
  return 0
end
if current ~= expected then
  return 0
end

redis.call('HSET', session_key, 'last_charge_at', next_value)
if ttl_ms > 0 then
  redis.call('PEXPIRE', session_key, ttl_ms)
end

return 1
`

	// debitScript atomically decrements a balance without letting it go negative
	// Returns {status, balance}: status 1 = ok, 0 = unknown user, -1 = insufficient
	debitScript = `
local balance_key = KEYS[1]     -- tokenmeter:balance:{userID}
local ledger_key = KEYS[2]      -- tokenmeter:ledger:{userID}

local amount = tonumber(ARGV[1])
local entry = ARGV[2]
local ledger_cap = tonumber(ARGV[3])

local current = redis.call('GET', balance_key)
if not current then
  return {0, 0}
end

current = tonumber(current)
if current < amount then
  return {-1, current}
end

local remaining = redis.call('DECRBY', balance_key, amount)

redis.call('LPUSH', ledger_key, entry)
redis.call('LTRIM', ledger_key, 0, ledger_cap - 1)

return {1, remaining}
`

	// creditScript increments (or creates) a balance and records the ledger entry
	creditScript = `
local balance_key = KEYS[1]     -- tokenmeter:balance:{userID}
local ledger_key = KEYS[2]      -- tokenmeter:ledger:{userID}

local amount = tonumber(ARGV[1])
local entry = ARGV[2]
local ledger_cap = tonumber(ARGV[3])

local balance = redis.call('INCRBY', balance_key, amount)

redis.call('LPUSH', ledger_key, entry)
redis.call('LTRIM', ledger_key, 0, ledger_cap - 1)

return balance
`
)

var (
	advanceCharge = redis.NewScript(advanceChargeScript)
	debit         = redis.NewScript(debitScript)
	credit        = redis.NewScript(creditScript)
)
