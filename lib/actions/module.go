// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package actions

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fedora-copr/copr-backend/lib/createrepo"
	"github.com/fedora-copr/copr-backend/sdk/go/copr"
	"github.com/fedora-copr/copr-backend/sdk/go/ctxlog"
	"gopkg.in/yaml.v3"
)

// ModulesFile is the modulemd document written next to the module's
// packages.
const ModulesFile = "modules.yaml"

type buildModuleData struct {
	Ownername   string   `json:"ownername"`
	Projectname string   `json:"projectname"`
	Chroots     []string `json:"chroots"`
	ModulemdB64 string   `json:"modulemd_b64"`
	Builds      []int64  `json:"builds"`
	Appstream   bool     `json:"appstream"`
}

// modulemd is a modulemd document, version 2. Only the fields the
// backend sets are typed; the rest is carried through unchanged.
type modulemd struct {
	Document string                 `yaml:"document"`
	Version  int                    `yaml:"version"`
	Data     map[string]interface{} `yaml:"data"`
}

// parseModulemd decodes a modulemd document, upgrading version 1
// documents to version 2.
func parseModulemd(buf []byte) (*modulemd, error) {
	var mmd modulemd
	if err := yaml.Unmarshal(buf, &mmd); err != nil {
		return nil, fmt.Errorf("invalid modulemd: %w", err)
	}
	if mmd.Document != "modulemd" {
		return nil, fmt.Errorf("invalid modulemd: document type %q", mmd.Document)
	}
	switch mmd.Version {
	case 1:
		mmd.Version = 2
	case 2:
	default:
		return nil, fmt.Errorf("unsupported modulemd version %d", mmd.Version)
	}
	if mmd.Data == nil {
		return nil, fmt.Errorf("invalid modulemd: no data")
	}
	if name, _ := mmd.Data["name"].(string); name == "" {
		return nil, fmt.Errorf("invalid modulemd: no module name")
	}
	return &mmd, nil
}

func (mmd *modulemd) field(key string) string {
	if v, ok := mmd.Data[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

// tag names the module build in chroot, e.g.
// "fedora-39-x86_64+testmodule-master-20240101".
func (mmd *modulemd) tag(chroot string) string {
	version := mmd.field("version")
	if version == "" {
		version = "1"
	}
	return fmt.Sprintf("%s+%s-%s-%s", chroot, mmd.field("name"), mmd.field("stream"), version)
}

// buildModule copies the module's builds of each chroot into
// modules/<tag>/latest/<arch> and creates a repository with the
// module metadata there.
func buildModule(ctx context.Context, r *Runner, action *copr.Action) Result {
	logger := ctxlog.FromContext(ctx)
	var data buildModuleData
	if res, ok := decode(ctx, action, &data); !ok {
		return res
	}
	raw, err := base64.StdEncoding.DecodeString(data.ModulemdB64)
	if err != nil {
		return failure("invalid modulemd_b64: %s", err)
	}
	mmd, err := parseModulemd(raw)
	if err != nil {
		logger.WithError(err).Error("build module failed")
		return failure("%s", err)
	}
	projectPath, err := r.path(data.Ownername, data.Projectname)
	if err != nil {
		return failure("%s", err)
	}
	prefixes := make([]string, len(data.Builds))
	for i, id := range data.Builds {
		prefixes[i] = fmt.Sprintf("%08d-", id)
	}

	res := success()
	for _, chroot := range data.Chroots {
		arch := copr.ChrootArch(chroot)
		mmd.Data["arch"] = arch
		srcDir := filepath.Join(projectPath, chroot)
		dstDir := filepath.Join(projectPath, "modules", mmd.tag(chroot), "latest", arch)
		if exists(dstDir) {
			logger.Warnf("module %s already exists, omitting", dstDir)
			continue
		}
		artifacts, err := copyModuleBuilds(srcDir, dstDir, prefixes)
		if err != nil {
			logger.WithError(err).Error("build module failed")
			return failure("%s", err)
		}
		mmd.Data["artifacts"] = map[string]interface{}{"rpms": artifacts}
		logger.Infof("module artifacts: %v", artifacts)
		buf, err := yaml.Marshal(mmd)
		if err != nil {
			return failure("%s", err)
		}
		if err := os.WriteFile(filepath.Join(dstDir, ModulesFile), buf, 0644); err != nil {
			return failure("%s", err)
		}
		ok, err := r.repo.Run(ctx, createrepo.Options{Dir: dstDir, NoAppstream: !data.Appstream})
		if !ok {
			logger.WithError(err).Error("createrepo failed")
			res = failure("createrepo failed in %s", dstDir)
		}
	}
	return res
}

// copyModuleBuilds copies the build dirs of srcDir whose names start
// with one of prefixes into dstDir, and returns the NEVRAs of the
// binary packages copied.
func copyModuleBuilds(srcDir, dstDir string, prefixes []string) ([]string, error) {
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return nil, err
	}
	ents, err := os.ReadDir(srcDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	artifacts := map[string]bool{}
	for _, ent := range ents {
		if !ent.IsDir() || !hasAnyPrefix(ent.Name(), prefixes) {
			continue
		}
		dst := filepath.Join(dstDir, ent.Name())
		if err := copyTree(filepath.Join(srcDir, ent.Name()), dst); err != nil {
			return nil, err
		}
		files, err := os.ReadDir(dst)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			name := f.Name()
			if !strings.HasSuffix(name, ".rpm") || strings.HasSuffix(name, ".src.rpm") {
				continue
			}
			n, v, rel, e, a := copr.SplitFilename(name)
			artifacts[copr.FormatFilename(n, v, rel, e, a, true)] = true
		}
	}
	list := make([]string, 0, len(artifacts))
	for a := range artifacts {
		list = append(list, a)
	}
	sort.Strings(list)
	return list, nil
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
