package broker

// dispatchScript is the single atomic entry point for every broker mutation.
// It is loaded once with SCRIPT LOAD and invoked by SHA (see client.go); the
// whole module funnels through this one script so that concurrent workers
// never observe a partially-applied enqueue/fetch/requeue/ack/nack.
//
// Call shape (all via ARGV, no KEYS — the script derives every key name from
// the namespace and queue name it is given, the same way the call is
// described in terms of (command, now_ms, queue_name, worker_id, ...)):
//
//	ARGV[1] namespace
//	ARGV[2] command
//	ARGV[3] now_ms
//	ARGV[4] queue_name
//	ARGV[5] worker_id
//	ARGV[6] heartbeat_timeout_ms
//	ARGV[7] dead_message_ttl_ms
//	ARGV[8] do_maintenance ("0" or "1")
//	ARGV[9:] command-specific arguments
//
// Maintenance only inspects ack groups belonging to the queue named in this
// call — a worker that died holding messages for a queue never again named
// in a dispatch call leaks. This is documented behavior, not a bug; see
// DESIGN.md.
const dispatchScript = `
local namespace = ARGV[1]
local command = ARGV[2]
local now_ms = tonumber(ARGV[3])
local queue = ARGV[4]
local worker_id = ARGV[5]
local heartbeat_timeout_ms = tonumber(ARGV[6])
local dead_message_ttl_ms = tonumber(ARGV[7])
local do_maintenance = ARGV[8] == "1"

local function canonical(q)
	local suffix = ".DQ"
	if #q >= #suffix and q:sub(#q - #suffix + 1) == suffix then
		return q:sub(1, #q - #suffix)
	end
	return q
end

local canon = canonical(queue)
local queueKey = namespace .. ":" .. queue
local queueMsgsKey = namespace .. ":" .. queue .. ".msgs"
local heartbeatsKey = namespace .. ":__heartbeats__"
local acksKey = namespace .. ":__acks__." .. worker_id .. "." .. queue
local dlqKey = namespace .. ":" .. canon .. ".XQ"
local dlqMsgsKey = namespace .. ":" .. canon .. ".XQ.msgs"
local legacyAcksKey = namespace .. ":" .. queue .. ".acks"

-- Unconditional prelude: every call refreshes this worker's heartbeat.
redis.call("ZADD", heartbeatsKey, now_ms, worker_id)

local function acksKeyFor(w, q)
	return namespace .. ":__acks__." .. w .. "." .. q
end

local function runMaintenance()
	-- 1. Recover ack groups of dead workers on this queue.
	local deadline = now_ms - heartbeat_timeout_ms
	local deadWorkers = redis.call("ZRANGEBYSCORE", heartbeatsKey, "-inf", deadline)
	for _, dead in ipairs(deadWorkers) do
		local deadAcksKey = acksKeyFor(dead, queue)
		local stranded = redis.call("ZRANGE", deadAcksKey, 0, -1, "WITHSCORES")
		for i = 1, #stranded, 2 do
			local msgID = stranded[i]
			local priority = tonumber(stranded[i + 1])
			if redis.call("HEXISTS", queueMsgsKey, msgID) == 1 then
				redis.call("ZADD", queueKey, priority, msgID)
			end
		end
		redis.call("DEL", deadAcksKey)

		-- A dead worker with no remaining ack-group key anywhere loses its
		-- heartbeat entry. This scans the namespace for the worker's
		-- remaining ack groups across all queues the worker ever touched.
		local remaining = redis.call("KEYS", namespace .. ":__acks__." .. dead .. ".*")
		if #remaining == 0 then
			redis.call("ZREM", heartbeatsKey, dead)
		end
	end

	-- 2. Expire DLQ entries older than dead_message_ttl.
	local dlqDeadline = now_ms - dead_message_ttl_ms
	local expired = redis.call("ZRANGEBYSCORE", dlqKey, "-inf", dlqDeadline)
	if #expired > 0 then
		redis.call("ZREMRANGEBYSCORE", dlqKey, "-inf", dlqDeadline)
		for _, msgID in ipairs(expired) do
			redis.call("HDEL", dlqMsgsKey, msgID)
		end
	end

	-- 3. Backwards-compat: hoist legacy shared-acks zset entries older than
	-- 7.5 days into this worker's own ack group, priority 0. Preserved
	-- exactly (cutoff and priority) to keep old deployments migratable.
	local legacyCutoff = now_ms - (7.5 * 24 * 3600 * 1000)
	local legacy = redis.call("ZRANGEBYSCORE", legacyAcksKey, "-inf", legacyCutoff)
	if #legacy > 0 then
		redis.call("ZREMRANGEBYSCORE", legacyAcksKey, "-inf", legacyCutoff)
		for _, msgID in ipairs(legacy) do
			redis.call("ZADD", acksKey, 0, msgID)
		end
	end
end

if do_maintenance then
	runMaintenance()
end

if command == "enqueue" then
	local msgID = ARGV[9]
	local payload = ARGV[10]
	local priority = tonumber(ARGV[11])
	redis.call("HSET", queueMsgsKey, msgID, payload)
	redis.call("ZADD", queueKey, priority, msgID)
	return "OK"

elseif command == "fetch" then
	local prefetchN = tonumber(ARGV[9])
	local popped = redis.call("ZPOPMIN", queueKey, prefetchN)
	local result = {}
	for i = 1, #popped, 2 do
		local msgID = popped[i]
		local priority = popped[i + 1]
		redis.call("ZADD", acksKey, priority, msgID)
		local payload = redis.call("HGET", queueMsgsKey, msgID)
		table.insert(result, msgID)
		table.insert(result, priority)
		table.insert(result, payload or false)
	end
	return result

elseif command == "requeue" then
	local count = 0
	local i = 9
	while ARGV[i] ~= nil do
		local msgID = ARGV[i]
		local priority = tonumber(ARGV[i + 1])
		i = i + 2
		if redis.call("ZREM", acksKey, msgID) == 1 and redis.call("HEXISTS", queueMsgsKey, msgID) == 1 then
			redis.call("ZADD", queueKey, priority, msgID)
			count = count + 1
		end
	end
	return count

elseif command == "ack" then
	local msgID = ARGV[9]
	if redis.call("ZREM", acksKey, msgID) == 1 then
		redis.call("HDEL", queueMsgsKey, msgID)
		return 1
	end
	return 0

elseif command == "nack" then
	local msgID = ARGV[9]
	if redis.call("ZREM", acksKey, msgID) == 1 then
		local payload = redis.call("HGET", queueMsgsKey, msgID)
		if payload then
			redis.call("HSET", dlqMsgsKey, msgID, payload)
			redis.call("ZADD", dlqKey, now_ms, msgID)
		end
		redis.call("HDEL", queueMsgsKey, msgID)
		return 1
	end
	return 0

elseif command == "purge" then
	redis.call("DEL", queueKey, queueMsgsKey, dlqKey, dlqMsgsKey)
	return 1

elseif command == "qsize" then
	local msgs = redis.call("HLEN", queueMsgsKey)
	local acks = redis.call("ZCARD", acksKey)
	return msgs + acks

else
	return redis.error_reply("unknown command: " .. command)
end
`
