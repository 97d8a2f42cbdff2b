// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strings"

	"dario.cat/mergo"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

// A Loader reads a configuration file (or stdin, if Path is "-") and
// applies it on top of DefaultYAML.
type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger
	Path   string

	// Skip validation. Used by "config-defaults" and by tests
	// that only care about a few keys.
	SkipValidate bool
}

// NewLoader returns a new Loader with Path set to the default config
// file, or $COPR_BACKEND_CONFIG if that is set.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{Stdin: stdin, Logger: logger}
	ldr.SetupFlags(flag.NewFlagSet("", flag.ContinueOnError))
	return ldr
}

// SetupFlags adds a -config flag to flagset, and sets the loader's
// initial Path accordingly.
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	def := DefaultConfigFile
	if env := os.Getenv("COPR_BACKEND_CONFIG"); env != "" {
		def = env
	}
	ldr.Path = def
	flagset.StringVar(&ldr.Path, "config", def, "Site configuration `file` (\"-\" for stdin)")
}

// Load reads the configuration and returns it. The returned Config
// is fully populated: every build group has had GroupDefaults
// applied.
func (ldr *Loader) Load() (*Config, error) {
	var buf []byte
	var err error
	if ldr.Path == "-" {
		buf, err = io.ReadAll(ldr.Stdin)
	} else {
		buf, err = os.ReadFile(ldr.Path)
	}
	if err != nil {
		return nil, err
	}
	return ldr.load(buf)
}

func (ldr *Loader) load(buf []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(DefaultYAML, &cfg); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", ldr.Path, err)
	}
	ldr.logUnknownKeys(buf)
	for i := range cfg.BuildGroups {
		if err := mergo.Merge(&cfg.BuildGroups[i], cfg.GroupDefaults); err != nil {
			return nil, fmt.Errorf("build_groups[%d]: applying group_defaults: %w", i, err)
		}
		if cfg.BuildGroups[i].Name == "" {
			cfg.BuildGroups[i].Name = fmt.Sprintf("group-%d", cfg.BuildGroups[i].ID)
		}
	}
	if ldr.SkipValidate {
		return &cfg, nil
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// logUnknownKeys warns about top-level keys in the site config that
// don't correspond to any Config field. Typos in a YAML file would
// otherwise be ignored silently.
func (ldr *Loader) logUnknownKeys(buf []byte) {
	if ldr.Logger == nil {
		return
	}
	var got map[string]interface{}
	if err := yaml.Unmarshal(buf, &got); err != nil {
		return
	}
	known := map[string]bool{}
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("json"), ",")[0]
		known[tag] = true
	}
	var unknown []string
	for k := range got {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		ldr.Logger.Warnf("deprecated or unknown config entry: %s", k)
	}
}

// LoadBytes is a convenience wrapper for tests.
func LoadBytes(buf []byte, logger logrus.FieldLogger) (*Config, error) {
	ldr := &Loader{Stdin: bytes.NewReader(buf), Logger: logger, Path: "-"}
	return ldr.Load()
}
