// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/fedora-copr/copr-backend/sdk/go/copr"
)

// DefaultConfigFile is used when neither -config nor
// $COPR_BACKEND_CONFIG is given.
const DefaultConfigFile = "/etc/copr/copr-be.yml"

// Config is the backend configuration. A loaded Config is shared by
// all components of a process and must not be modified.
type Config struct {
	FrontendBaseURL string        `json:"frontend_base_url"`
	FrontendAuth    string        `json:"frontend_auth"`
	FrontendTimeout copr.Duration `json:"frontend_timeout"`
	ResultsBaseURL  string        `json:"results_baseurl"`
	DestDir         string        `json:"destdir"`

	LogDir    string `json:"log_dir"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	Redis RedisConfig `json:"redis"`

	SleepTime         copr.Duration `json:"sleeptime"`
	BuildsMaxWorkers  int           `json:"builds_max_workers"`
	BuildsLimits      BuildsLimits  `json:"builds_limits"`
	ActionsMaxWorkers int           `json:"actions_max_workers"`
	ExitOnWorkerDeath bool          `json:"exit_on_worker"`

	// Worker processes are started by re-executing this binary.
	WorkerCommand []string `json:"worker_command"`

	Builder BuilderConfig `json:"builder"`
	Sign    SignConfig    `json:"sign"`

	RepoTool        string        `json:"repo_tool"`
	RepoToolTimeout copr.Duration `json:"repo_tool_timeout"`

	VMCycleTimeout       copr.Duration `json:"vm_cycle_timeout"`
	VMMaxCheckFails      int           `json:"vm_max_check_fails"`
	VMHealthCheckTimeout copr.Duration `json:"vm_health_check_timeout"`
	PlaybookCommand      string        `json:"playbook_command"`

	// Applied to every entry of BuildGroups for fields the entry
	// leaves unset.
	GroupDefaults BuildGroup   `json:"group_defaults"`
	BuildGroups   []BuildGroup `json:"build_groups"`

	MessageBuses []MessageBus `json:"message_buses"`

	Management ManagementConfig `json:"management"`
}

// RedisConfig locates the Redis instance used for IPC.
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DB       int    `json:"db"`
	Password string `json:"password"`
}

// URL returns a redis:// URL suitable for redis.ParseURL.
func (rc RedisConfig) URL() string {
	u := url.URL{
		Scheme: "redis",
		Host:   rc.Host + ":" + strconv.Itoa(rc.Port),
		Path:   "/" + strconv.Itoa(rc.DB),
	}
	if rc.Password != "" {
		u.User = url.UserPassword("", rc.Password)
	}
	return u.String()
}

// BuildsLimits caps the number of concurrently running build workers.
type BuildsLimits struct {
	Arch    map[string]int `json:"arch"`
	Tag     map[string]int `json:"tag"`
	Sandbox int            `json:"sandbox"`
	Owner   int            `json:"owner"`
}

// BuilderConfig controls how builds run on the builder VMs.
type BuilderConfig struct {
	User           string        `json:"build_user"`
	PrivateKeyFile string        `json:"ssh_private_key_file"`
	SSHPort        string        `json:"ssh_port"`
	Timeout        copr.Duration `json:"timeout"`
	MaxRetryCount  int           `json:"max_retry_count"`
	RsyncBinary    string        `json:"rsync_binary"`
	RemoteBuildDir string        `json:"remote_build_dir"`
	PollInterval   copr.Duration `json:"poll_interval"`
}

// SignConfig configures RPM signing and key generation.
type SignConfig struct {
	DoSign          bool   `json:"do_sign"`
	Binary          string `json:"sign_binary"`
	Domain          string `json:"sign_domain"`
	KeygenHost      string `json:"keygen_host"`
	GentlyGPGSHA256 bool   `json:"gently_gpg_sha256"`
	// Pause between attempts when the signer reports a
	// connection timeout.
	RetryInterval copr.Duration `json:"retry_interval"`
}

// BuildGroup is a homogeneous pool of builder VMs.
type BuildGroup struct {
	ID                        int           `json:"id"`
	Name                      string        `json:"name"`
	Archs                     []string      `json:"archs"`
	Provisioner               string        `json:"provisioner"`
	SpawnPlaybook             string        `json:"spawn_playbook"`
	TerminatePlaybook         string        `json:"terminate_playbook"`
	MaxVMTotal                int           `json:"max_vm_total"`
	MaxVMPerUser              int           `json:"max_vm_per_user"`
	MaxSpawnProcesses         int           `json:"max_spawn_processes"`
	VMSpawnMinInterval        copr.Duration `json:"vm_spawn_min_interval"`
	VMDirtyTerminatingTimeout copr.Duration `json:"vm_dirty_terminating_timeout"`
	VMHealthCheckPeriod       copr.Duration `json:"vm_health_check_period"`
	VMHealthCheckMaxTime      copr.Duration `json:"vm_health_check_max_time"`
	VMTerminatingTimeout      copr.Duration `json:"vm_terminating_timeout"`
	PlaybookTimeout           copr.Duration `json:"playbook_timeout"`
	EC2                       EC2Config     `json:"ec2"`
}

// EC2Config is used by groups whose provisioner is "ec2".
type EC2Config struct {
	Region           string            `json:"region"`
	ImageID          string            `json:"image_id"`
	InstanceType     string            `json:"instance_type"`
	SubnetID         string            `json:"subnet_id"`
	SecurityGroupIDs []string          `json:"security_group_ids"`
	KeyName          string            `json:"key_name"`
	Tags             map[string]string `json:"tags"`
}

// MessageBus configures one message bus build events are announced
// on. Kind is "redis", "http" or "log".
type MessageBus struct {
	ID      string `json:"bus_id"`
	Kind    string `json:"bus_type"`
	Channel string `json:"channel"`
	URL     string `json:"url"`
	Retries int    `json:"bus_publish_retries"`
}

// ManagementConfig configures the HTTP endpoint for health checks,
// metrics and inspection. An empty Listen disables it.
type ManagementConfig struct {
	Listen         string `json:"listen"`
	Token          string `json:"token"`
	MaxConnections int    `json:"max_connections"`
}

// GroupsForArch returns the build groups able to run builds for
// arch, in configuration order.
func (cfg *Config) GroupsForArch(arch string) []BuildGroup {
	var groups []BuildGroup
	for _, g := range cfg.BuildGroups {
		for _, a := range g.Archs {
			if a == arch {
				groups = append(groups, g)
				break
			}
		}
	}
	return groups
}

// Group returns the build group with the given id.
func (cfg *Config) Group(id int) (BuildGroup, bool) {
	for _, g := range cfg.BuildGroups {
		if g.ID == id {
			return g, true
		}
	}
	return BuildGroup{}, false
}

func (cfg *Config) validate() error {
	if cfg.FrontendBaseURL == "" {
		return fmt.Errorf("frontend_base_url is not set")
	}
	if _, err := url.Parse(cfg.FrontendBaseURL); err != nil {
		return fmt.Errorf("frontend_base_url: %w", err)
	}
	if cfg.DestDir == "" {
		return fmt.Errorf("destdir is not set")
	}
	seen := map[int]bool{}
	for i, g := range cfg.BuildGroups {
		if seen[g.ID] {
			return fmt.Errorf("build_groups[%d]: duplicate id %d", i, g.ID)
		}
		seen[g.ID] = true
		if len(g.Archs) == 0 {
			return fmt.Errorf("build_groups[%d] (%s): no archs", i, g.Name)
		}
		switch g.Provisioner {
		case "playbook":
			if g.SpawnPlaybook == "" || g.TerminatePlaybook == "" {
				return fmt.Errorf("build_groups[%d] (%s): spawn_playbook and terminate_playbook are required", i, g.Name)
			}
		case "ec2":
			if g.EC2.ImageID == "" || g.EC2.InstanceType == "" {
				return fmt.Errorf("build_groups[%d] (%s): ec2.image_id and ec2.instance_type are required", i, g.Name)
			}
		default:
			return fmt.Errorf("build_groups[%d] (%s): unknown provisioner %q", i, g.Name, g.Provisioner)
		}
	}
	for i, bus := range cfg.MessageBuses {
		switch bus.Kind {
		case "redis", "http", "log":
		default:
			return fmt.Errorf("message_buses[%d]: unknown bus_type %q", i, bus.Kind)
		}
	}
	return nil
}
