// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package actions

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fedora-copr/copr-backend/lib/createrepo"
	"github.com/fedora-copr/copr-backend/lib/frontend"
	"github.com/fedora-copr/copr-backend/sdk/go/copr"
	"github.com/fedora-copr/copr-backend/sdk/go/ctxlog"
)

func legalFlag(ctx context.Context, r *Runner, action *copr.Action) Result {
	ctxlog.FromContext(ctx).Debug("legal flag: ignoring")
	return success()
}

// rename moves old_value to new_value, both relative to the results
// directory. A missing source means there is nothing to do.
func rename(ctx context.Context, r *Runner, action *copr.Action) Result {
	logger := ctxlog.FromContext(ctx)
	oldPath, err := r.path(action.OldValue)
	if err != nil {
		return failure("%s", err)
	}
	newPath, err := r.path(action.NewValue)
	if err != nil {
		return failure("%s", err)
	}
	if !exists(oldPath) {
		logger.Infof("%s does not exist, nothing to rename", oldPath)
		return success()
	}
	if exists(newPath) {
		return failure("Destination directory already exist.")
	}
	if err := os.MkdirAll(filepath.Dir(newPath), 0755); err != nil {
		return failure("%s", err)
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		logger.WithError(err).Error("rename failed")
		return failure("%s", err)
	}
	logger.Infof("renamed %s to %s", oldPath, newPath)
	return success()
}

type createrepoData struct {
	Ownername       string   `json:"ownername"`
	Projectname     string   `json:"projectname"`
	ProjectDirnames []string `json:"project_dirnames"`
	Chroots         []string `json:"chroots"`
	Appstream       bool     `json:"appstream"`
	Devel           bool     `json:"devel"`
}

func createrepoAction(ctx context.Context, r *Runner, action *copr.Action) Result {
	logger := ctxlog.FromContext(ctx)
	var data createrepoData
	if res, ok := decode(ctx, action, &data); !ok {
		return res
	}
	if r.frontend != nil {
		_, err := r.frontend.GetProject(ctx, data.Ownername, data.Projectname)
		if frontend.IsNotFound(err) {
			logger.Warnf("project %s/%s does not exist", data.Ownername, data.Projectname)
			return failure("Project %s/%s does not exist", data.Ownername, data.Projectname)
		} else if err != nil {
			logger.WithError(err).Warn("cannot look up project, creating repos anyway")
		}
	}
	res := success()
	for _, dirname := range data.ProjectDirnames {
		for _, chroot := range data.Chroots {
			repo, err := r.path(data.Ownername, dirname, chroot)
			if err != nil {
				return failure("%s", err)
			}
			logger.Infof("creating repo for %s/%s/%s", data.Ownername, dirname, chroot)
			if err := os.MkdirAll(repo, 0755); err != nil {
				logger.WithError(err).Error("cannot create repo dir")
				res = failure("%s", err)
				continue
			}
			ok, err := r.repo.Run(ctx, createrepo.Options{Dir: repo, Devel: data.Devel, NoAppstream: !data.Appstream})
			if !ok {
				logger.WithError(err).Error("createrepo failed")
				res = failure("createrepo failed in %s", repo)
			}
		}
	}
	return res
}

type compsData struct {
	Ownername   string `json:"ownername"`
	Projectname string `json:"projectname"`
	Chroot      string `json:"chroot"`
	URLPath     string `json:"url_path"`
	// Absent means true.
	CompsPresent *bool `json:"comps_present"`
}

func updateComps(ctx context.Context, r *Runner, action *copr.Action) Result {
	logger := ctxlog.FromContext(ctx)
	var data compsData
	if res, ok := decode(ctx, action, &data); !ok {
		return res
	}
	dir, err := r.path(data.Ownername, data.Projectname, data.Chroot)
	if err != nil {
		return failure("%s", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return failure("%s", err)
	}
	local := filepath.Join(dir, "comps.xml")
	if data.CompsPresent != nil && !*data.CompsPresent {
		if err := os.Remove(local); err != nil && !os.IsNotExist(err) {
			logger.WithError(err).Error("failed to remove comps.xml")
			return failure("%s", err)
		}
		logger.Infof("deleted comps.xml for %s/%s/%s", data.Ownername, data.Projectname, data.Chroot)
		return success()
	}
	if r.frontend == nil {
		return failure("no frontend to download comps from")
	}
	if err := r.frontend.Download(ctx, data.URLPath, local); err != nil {
		logger.WithError(err).Errorf("failed to update comps from %s at location %s", data.URLPath, local)
		return failure("failed to update comps: %s", err)
	}
	logger.Infof("saved comps.xml for %s/%s/%s from %s", data.Ownername, data.Projectname, data.Chroot, data.URLPath)
	return success()
}

type projectData struct {
	Ownername   string `json:"ownername"`
	Projectname string `json:"projectname"`
}

func genGPGKey(ctx context.Context, r *Runner, action *copr.Action) Result {
	var data projectData
	if res, ok := decode(ctx, action, &data); !ok {
		return res
	}
	if err := r.generateKey(ctx, data.Ownername, data.Projectname); err != nil {
		return failure("%s", err)
	}
	return success()
}

// generateKey makes sure the project has a signing key. It does
// nothing when signing is disabled.
func (r *Runner) generateKey(ctx context.Context, owner, project string) error {
	if !r.cfg.Sign.DoSign {
		ctxlog.FromContext(ctx).Debug("signing disabled, not creating key")
		return nil
	}
	if err := r.signer.EnsureKey(ctx, owner, project); err != nil {
		ctxlog.FromContext(ctx).WithError(err).Error("failed to create key")
		return err
	}
	return nil
}

type rawhideData struct {
	Ownername     string   `json:"ownername"`
	Projectname   string   `json:"projectname"`
	DestChroot    string   `json:"dest_chroot"`
	RawhideChroot string   `json:"rawhide_chroot"`
	Builds        []string `json:"builds"`
	Appstream     bool     `json:"appstream"`
}

// rawhideToRelease copies builds from the rawhide chroot into a
// newly branched chroot.
func rawhideToRelease(ctx context.Context, r *Runner, action *copr.Action) Result {
	logger := ctxlog.FromContext(ctx)
	var data rawhideData
	if res, ok := decode(ctx, action, &data); !ok {
		return res
	}
	chrootDir, err := r.path(data.Ownername, data.Projectname, data.DestChroot)
	if err != nil {
		return failure("%s", err)
	}
	if err := os.MkdirAll(chrootDir, 0755); err != nil {
		return failure("%s", err)
	}
	for _, build := range data.Builds {
		src, err := r.path(data.Ownername, data.Projectname, data.RawhideChroot, build)
		if err != nil {
			return failure("%s", err)
		}
		if !isDir(src) {
			continue
		}
		dst := filepath.Join(chrootDir, build)
		logger.Infof("copy directory %s as %s", src, dst)
		if err := copyTree(src, dst); err != nil {
			logger.WithError(err).Error("copy failed")
			return failure("%s", err)
		}
		f, err := os.OpenFile(filepath.Join(dst, "build.info"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			_, err = fmt.Fprintf(f, "\nfrom_chroot=%s", data.RawhideChroot)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}
		if err != nil {
			return failure("%s", err)
		}
	}
	if !r.createrepo(ctx, r.RepoAttempts, createrepo.Options{Dir: chrootDir, NoAppstream: !data.Appstream}) {
		return failure("createrepo failed in %s", chrootDir)
	}
	return success()
}

type forkData struct {
	User string `json:"user"`
	Copr string `json:"copr"`
	// chroot => old build dir => new build dir
	BuildsMap map[string]map[string]string `json:"builds_map"`
}

// fork copies builds from old_value to new_value, re-signing them
// with the new project's key.
func fork(ctx context.Context, r *Runner, action *copr.Action) Result {
	logger := ctxlog.FromContext(ctx)
	var data forkData
	if res, ok := decode(ctx, action, &data); !ok {
		return res
	}
	oldPath, err := r.path(action.OldValue)
	if err != nil {
		return failure("%s", err)
	}
	newPath, err := r.path(action.NewValue)
	if err != nil {
		return failure("%s", err)
	}
	if !isDir(oldPath) {
		logger.Infof("source copr directory doesn't exist: %s", oldPath)
		return failure("Source copr directory doesn't exist: %s", action.OldValue)
	}
	if err := os.MkdirAll(newPath, 0755); err != nil {
		return failure("%s", err)
	}
	sign := r.cfg.Sign.DoSign
	if sign {
		// A keygen failure shows up as a missing pubkey.
		r.generateKey(ctx, data.User, data.Copr)
		if _, err := r.signer.GetPubkey(ctx, data.User, data.Copr, filepath.Join(newPath, "pubkey.gpg")); err != nil {
			logger.WithError(err).Error("failure during project forking")
			return failure("%s", err)
		}
	}

	chrootPaths := map[string]bool{}
	for _, chroot := range sortedMapKeys(data.BuildsMap) {
		if chroot == "" {
			continue
		}
		dirs := data.BuildsMap[chroot]
		for _, srcDir := range sortedMapKeys(dirs) {
			dstDir := dirs[srcDir]
			if srcDir == "" || dstDir == "" {
				continue
			}
			src, err := r.path(action.OldValue, chroot, srcDir)
			if err != nil {
				return failure("%s", err)
			}
			dst, err := r.path(action.NewValue, chroot, dstDir)
			if err != nil {
				return failure("%s", err)
			}
			chrootPaths[filepath.Dir(dst)] = true
			if err := os.MkdirAll(dst, 0755); err != nil {
				return failure("%s", err)
			}
			if err := copyTree(src, dst); err != nil {
				logger.WithError(err).Errorf("cannot copy %s", src)
				continue
			}
			// Drop the signatures of the original project.
			if err := r.signer.UnsignRPMsInDir(ctx, dst); err != nil {
				logger.WithError(err).Error("failure during project forking")
				return failure("%s", err)
			}
			if sign {
				if err := r.signer.SignRPMsInDir(ctx, data.User, data.Copr, dst, chroot); err != nil {
					logger.WithError(err).Error("failure during project forking")
					return failure("%s", err)
				}
			}
			logger.Infof("forked build %s as %s", src, dst)
		}
	}

	res := success()
	for _, chrootPath := range sortedMapKeys(chrootPaths) {
		ok, err := r.repo.Run(ctx, createrepo.Options{Dir: chrootPath})
		if !ok {
			logger.WithError(err).Error("createrepo failed")
			res = failure("createrepo failed in %s", chrootPath)
		}
	}
	return res
}

// removeDirs deletes outdated pull-request directories. The frontend
// only sends owner/project:pr:N paths.
func removeDirs(ctx context.Context, r *Runner, action *copr.Action) Result {
	logger := ctxlog.FromContext(ctx)
	var dirs []string
	if res, ok := decode(ctx, action, &dirs); !ok {
		return res
	}
	for _, dir := range dirs {
		parts := strings.Split(dir, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" || !strings.Contains(dir, ":pr:") {
			logger.Errorf("refusing to remove %q", dir)
			return failure("unexpected directory %q", dir)
		}
		path, err := r.path(parts[0], parts[1])
		if err != nil {
			return failure("%s", err)
		}
		logger.Infof("removing %s", path)
		if !exists(path) {
			logger.Errorf("%s not found", path)
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			logger.WithError(err).Error("remove failed")
			return failure("%s", err)
		}
	}
	return success()
}

// copyTree copies the directory src into dst, merging with and
// overwriting what is already there. Symlinks are recreated.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			os.Remove(target)
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target)
		default:
			return fmt.Errorf("%s: unsupported file type", path)
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, fi.ModTime(), fi.ModTime())
}

func sortedMapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
