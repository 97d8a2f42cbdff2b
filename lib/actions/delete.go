// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package actions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fedora-copr/copr-backend/lib/createrepo"
	"github.com/fedora-copr/copr-backend/sdk/go/copr"
	"github.com/fedora-copr/copr-backend/sdk/go/ctxlog"
)

type deleteProjectData struct {
	Ownername       string   `json:"ownername"`
	ProjectDirnames []string `json:"project_dirnames"`
}

func deleteProject(ctx context.Context, r *Runner, action *copr.Action) Result {
	logger := ctxlog.FromContext(ctx)
	var data deleteProjectData
	if res, ok := decode(ctx, action, &data); !ok {
		return res
	}
	if data.Ownername == "" {
		logger.Error("received empty ownername")
		return failure("empty ownername")
	}
	for _, dirname := range data.ProjectDirnames {
		if dirname == "" {
			logger.Warn("received empty dirname")
			continue
		}
		path, err := r.path(data.Ownername, dirname)
		if err != nil {
			return failure("%s", err)
		}
		if !exists(path) {
			continue
		}
		logger.Infof("removing copr dir %s", path)
		if err := os.RemoveAll(path); err != nil {
			logger.WithError(err).Error("failed to remove copr dir")
			return failure("%s", err)
		}
	}
	return success()
}

// Example payload:
//
//	{"ownername": "@copr", "projectname": "test",
//	 "project_dirname": "test:pr:12",
//	 "chroot_builddirs": {"srpm-builds": ["00849545"],
//	                      "fedora-39-x86_64": ["00849545-example"]},
//	 "appstream": true}
type deleteBuildData struct {
	Ownername       string              `json:"ownername"`
	Projectname     string              `json:"projectname"`
	ProjectDirname  string              `json:"project_dirname"`
	ChrootBuilddirs map[string][]string `json:"chroot_builddirs"`
	Appstream       bool                `json:"appstream"`
}

func deleteBuild(ctx context.Context, r *Runner, action *copr.Action) Result {
	var data deleteBuildData
	if res, ok := decode(ctx, action, &data); !ok {
		return res
	}
	if data.Ownername == "" || data.ProjectDirname == "" {
		return failure("invalid action data: missing ownername or project_dirname")
	}
	return r.deleteBuilds(ctx, data.Ownername, data.Projectname, data.ProjectDirname, data.ChrootBuilddirs, []int64{action.ObjectID}, data.Appstream)
}

// Like deleteBuildData, for several builds in several project dirs:
// project_dirnames maps dirname => chroot => build dirs.
type deleteBuildsData struct {
	Ownername       string                         `json:"ownername"`
	Projectname     string                         `json:"projectname"`
	ProjectDirnames map[string]map[string][]string `json:"project_dirnames"`
	BuildIDs        []int64                        `json:"build_ids"`
	Appstream       bool                           `json:"appstream"`
}

func deleteBuilds(ctx context.Context, r *Runner, action *copr.Action) Result {
	var data deleteBuildsData
	if res, ok := decode(ctx, action, &data); !ok {
		return res
	}
	res := success()
	dirnames := make([]string, 0, len(data.ProjectDirnames))
	for dirname := range data.ProjectDirnames {
		dirnames = append(dirnames, dirname)
	}
	sort.Strings(dirnames)
	for _, dirname := range dirnames {
		if dres := r.deleteBuilds(ctx, data.Ownername, data.Projectname, dirname, data.ProjectDirnames[dirname], data.BuildIDs, data.Appstream); dres.Code == copr.ActionFailure {
			res = dres
		}
	}
	return res
}

// deleteBuilds removes build dirs from the chroots of one project dir.
// The repository metadata is regenerated first, so it never points
// at removed files.
func (r *Runner) deleteBuilds(ctx context.Context, owner, project, dirname string, chrootBuilddirs map[string][]string, buildIDs []int64, appstream bool) Result {
	logger := ctxlog.FromContext(ctx)
	devel := r.usesDevelRepo(ctx, owner, project)
	res := success()
	chroots := make([]string, 0, len(chrootBuilddirs))
	for chroot := range chrootBuilddirs {
		chroots = append(chroots, chroot)
	}
	sort.Strings(chroots)
	for _, chroot := range chroots {
		subdirs := chrootBuilddirs[chroot]
		chrootPath, err := r.path(owner, dirname, chroot)
		if err != nil {
			res = failure("%s", err)
			continue
		}
		if !isDir(chrootPath) {
			logger.Errorf("%s chroot path doesn't exist", chrootPath)
			res = failure("%s chroot path doesn't exist", chrootPath)
			continue
		}
		var valid []string
		for _, subdir := range subdirs {
			if subdir == "" || subdir == "." || subdir == ".." || strings.Contains(subdir, "/") {
				logger.Errorf("refusing to delete %q in %s", subdir, chrootPath)
				res = failure("invalid build dir %q", subdir)
				continue
			}
			valid = append(valid, subdir)
		}
		logger.Infof("deleting subdirs [%s] in %s", strings.Join(valid, ", "), chrootPath)
		if chroot != copr.SRPMChroot {
			// srpm-builds has no repodata
			ok, err := r.repo.Run(ctx, createrepo.Options{
				Dir:         chrootPath,
				Delete:      valid,
				Devel:       devel,
				NoAppstream: !appstream,
			})
			if !ok {
				logger.WithError(err).Error("createrepo failed")
				res = failure("createrepo failed in %s", chrootPath)
			}
		}
		for _, subdir := range valid {
			if err := os.RemoveAll(filepath.Join(chrootPath, subdir)); err != nil {
				logger.WithError(err).Error("failed to remove build dir")
				res = failure("%s", err)
			}
		}
		for _, id := range buildIDs {
			for _, name := range []string{
				copr.BuildChrootLogName(id),
				// older naming schemes
				fmt.Sprintf("build-%08d.rsync.log", id),
				fmt.Sprintf("build-%d.log", id),
			} {
				if err := os.Remove(filepath.Join(chrootPath, name)); err != nil {
					logger.Debugf("can't remove %s", name)
				}
			}
		}
	}
	return res
}

// usesDevelRepo reports whether the project keeps its repo in devel
// mode. Unknown projects are not.
func (r *Runner) usesDevelRepo(ctx context.Context, owner, project string) bool {
	if r.frontend == nil || project == "" {
		return false
	}
	p, err := r.frontend.GetProject(ctx, owner, project)
	if err != nil {
		ctxlog.FromContext(ctx).WithError(err).Warn("cannot look up project, assuming no devel repo")
		return false
	}
	return p.DevelMode
}

type deleteChrootData struct {
	Ownername   string `json:"ownername"`
	Projectname string `json:"projectname"`
	Chrootname  string `json:"chrootname"`
}

func deleteChroot(ctx context.Context, r *Runner, action *copr.Action) Result {
	logger := ctxlog.FromContext(ctx)
	var data deleteChrootData
	if res, ok := decode(ctx, action, &data); !ok {
		return res
	}
	path, err := r.path(data.Ownername, data.Projectname, data.Chrootname)
	if err != nil {
		return failure("%s", err)
	}
	logger.Infof("going to delete %s", path)
	if !isDir(path) {
		logger.Errorf("directory %s not found", path)
		return success()
	}
	if err := os.RemoveAll(path); err != nil {
		logger.WithError(err).Error("failed to remove chroot dir")
		return failure("%s", err)
	}
	return success()
}
