// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package vmmanager

import "github.com/fedora-copr/copr-backend/lib/redisconn"

// Every write to a VM's "state" field goes through one of these
// scripts, so concurrent processes can't race each other through the
// state machine.

// KEYS[1]: vm key
// ARGV[1]: now
var setCheckingState = redisconn.NewScript("set_checking_state", `
local old_state = redis.call("HGET", KEYS[1], "state")
if old_state ~= "got_ip" and old_state ~= "ready" and old_state ~= "in_use" and old_state ~= "check_health_failed" then
    return nil
end
if old_state ~= "in_use" then
    redis.call("HSET", KEYS[1], "state", "check_health")
end
redis.call("HSET", KEYS[1], "last_health_check", ARGV[1])
return old_state
`)

// Puts a VM back into the state it had before a health check that
// could not be started.
//
// KEYS[1]: vm key
// ARGV[1]: state to restore
var restoreCheckState = redisconn.NewScript("restore_check_state", `
if redis.call("HGET", KEYS[1], "state") ~= "check_health" then
    return nil
end
redis.call("HSET", KEYS[1], "state", ARGV[1])
return "OK"
`)

// KEYS[1]: vm key
// KEYS[2]: server info key
// ARGV: owner, worker id, now, task id, build id, chroot
var acquireVM = redisconn.NewScript("acquire_vm", `
local old_state = redis.call("HGET", KEYS[1], "state")
if old_state ~= "ready" then
    return nil
end
local last_check = tonumber(redis.call("HGET", KEYS[1], "last_health_check") or "0") or 0
local server_start = tonumber(redis.call("HGET", KEYS[2], "server_start_timestamp") or "0") or 0
if last_check <= server_start then
    return nil
end
redis.call("HSET", KEYS[1], "state", "in_use", "bound_to_user", ARGV[1],
           "used_by_worker", ARGV[2], "in_use_since", ARGV[3],
           "task_id", ARGV[4], "build_id", ARGV[5], "chroot", ARGV[6])
return "OK"
`)

// KEYS[1]: vm key
// ARGV[1]: now
var releaseVM = redisconn.NewScript("release_vm", `
local old_state = redis.call("HGET", KEYS[1], "state")
if old_state ~= "in_use" then
    return nil
end
local new_state = "ready"
if (tonumber(redis.call("HGET", KEYS[1], "check_fails") or "0") or 0) > 0 then
    new_state = "check_health_failed"
end
redis.call("HSET", KEYS[1], "state", new_state, "last_release", ARGV[1])
redis.call("HDEL", KEYS[1], "in_use_since", "used_by_worker", "task_id", "build_id", "chroot")
redis.call("HINCRBY", KEYS[1], "builds_count", 1)
return "OK"
`)

// KEYS[1]: vm key
// ARGV[1]: allowed pre-state, or "" for any
// ARGV[2]: now
var terminateVM = redisconn.NewScript("terminate_vm", `
local old_state = redis.call("HGET", KEYS[1], "state")
if not old_state then
    return "VM record not found"
end
if ARGV[1] ~= "" and old_state ~= ARGV[1] then
    return "Old state != allowed_pre_state"
elseif old_state == "terminating" and ARGV[1] ~= "terminating" then
    return "Already terminating"
end
redis.call("HSET", KEYS[1], "state", "terminating", "terminating_since", ARGV[2])
return "OK"
`)

// KEYS[1]: vm key
var markVMCheckFailed = redisconn.NewScript("mark_vm_check_failed", `
if redis.call("HGET", KEYS[1], "state") == "check_health" then
    redis.call("HSET", KEYS[1], "state", "check_health_failed")
    return "OK"
end
return nil
`)

// KEYS[1]: vm key
// ARGV[1]: message
var onHealthCheckSuccess = redisconn.NewScript("on_health_check_success", `
local old_state = redis.call("HGET", KEYS[1], "state")
if old_state ~= "check_health" and old_state ~= "in_use" then
    return nil
end
redis.call("HSET", KEYS[1], "check_fails", "0", "last_health_check_msg", ARGV[1])
if old_state == "check_health" then
    redis.call("HSET", KEYS[1], "state", "ready")
end
return "OK"
`)

// Returns the new check_fails count.
//
// KEYS[1]: vm key
// ARGV[1]: message
var recordFailure = redisconn.NewScript("record_failure", `
local old_state = redis.call("HGET", KEYS[1], "state")
if old_state ~= "check_health" and old_state ~= "in_use" and old_state ~= "check_health_failed" then
    return nil
end
local fails = redis.call("HINCRBY", KEYS[1], "check_fails", 1)
redis.call("HSET", KEYS[1], "last_health_check_msg", ARGV[1])
if old_state == "check_health" then
    redis.call("HSET", KEYS[1], "state", "check_health_failed")
end
return fails
`)
