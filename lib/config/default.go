// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

// DefaultYAML is loaded before the site configuration file, so every
// key here is a default the site file can override.
var DefaultYAML = []byte(`
frontend_base_url: ""
frontend_auth: ""
frontend_timeout: 120s
results_baseurl: ""
destdir: ""

log_dir: /var/log/copr-backend
log_level: info
log_format: json

redis:
  host: 127.0.0.1
  port: 6379
  db: 0

sleeptime: 5s
builds_max_workers: 60
builds_limits:
  arch: {}
  tag: {}
  sandbox: 10
  owner: 20
actions_max_workers: 10
exit_on_worker: false
worker_command: []

builder:
  build_user: mockbuilder
  ssh_private_key_file: /home/copr/.ssh/id_rsa
  ssh_port: "22"
  timeout: 18h
  max_retry_count: 2
  rsync_binary: /usr/bin/rsync
  remote_build_dir: /var/lib/copr-rpmbuild
  poll_interval: 10s

sign:
  do_sign: false
  sign_binary: /bin/sign
  sign_domain: fedorahosted.org
  keygen_host: ""
  gently_gpg_sha256: false
  retry_interval: 20s

repo_tool: copr-repo
repo_tool_timeout: 1h

vm_cycle_timeout: 10s
vm_max_check_fails: 2
vm_health_check_timeout: 60s
playbook_command: ansible-playbook

group_defaults:
  provisioner: playbook
  max_vm_total: 8
  max_vm_per_user: 4
  max_spawn_processes: 2
  vm_spawn_min_interval: 30s
  vm_dirty_terminating_timeout: 2m
  vm_health_check_period: 2m
  vm_health_check_max_time: 5m
  vm_terminating_timeout: 10m
  playbook_timeout: 10m
build_groups: []

message_buses: []

management:
  listen: ""
  token: ""
  max_connections: 64
`)
