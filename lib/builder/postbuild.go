// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fedora-copr/copr-backend/lib/createrepo"
)

// Signer signs the packages of a finished build.
type Signer interface {
	SignRPMsInDir(ctx context.Context, owner, project, dir, chroot string) error
	GetPubkey(ctx context.Context, owner, project, outfile string) (string, error)
}

// RepoRunner regenerates repository metadata.
type RepoRunner interface {
	Run(ctx context.Context, opts createrepo.Options) (bool, error)
}

// OnSuccessBuild signs the downloaded packages (if signer is not nil)
// and adds the build to the chroot repository. A signing failure is
// returned, but the repository is regenerated anyway. A createrepo
// failure is only logged.
func (d *Driver) OnSuccessBuild(ctx context.Context, signer Signer, repo RepoRunner, chrootDir string) error {
	logger := d.logger()
	logger.Infof("success building %s", d.Job.PackageName)
	var signErr error
	if signer != nil {
		logger.Infof("going to sign pkgs from %s", d.ResultsDir)
		signErr = signer.SignRPMsInDir(ctx, d.Job.ProjectOwner, d.Job.ProjectName, d.ResultsDir, d.Job.Chroot)
		if signErr != nil {
			logger.WithError(signErr).Error("failed to sign packages")
		}
	}
	if d.Job.IsSRPM() {
		return signErr
	}
	ok, err := repo.Run(ctx, createrepo.Options{
		Dir:         chrootDir,
		Add:         []string{filepath.Base(d.ResultsDir)},
		Devel:       d.Job.UsesDevelRepo,
		NoAppstream: !d.Job.Appstream,
	})
	if !ok {
		logger.WithError(err).Errorf("error making local repo: %s", chrootDir)
	}
	return signErr
}

// AddPubkey stores the project's public key as pubkey.gpg in
// projectDir. Failures are logged.
func (d *Driver) AddPubkey(ctx context.Context, signer Signer, projectDir string) {
	path := filepath.Join(projectDir, "pubkey.gpg")
	if _, err := signer.GetPubkey(ctx, d.Job.ProjectOwner, d.Job.ProjectName, path); err != nil {
		d.logger().WithError(err).Errorf("failed to retrieve pubkey for %s/%s", d.Job.ProjectOwner, d.Job.ProjectName)
		return
	}
	d.logger().Infof("added pubkey for %s/%s into %s", d.Job.ProjectOwner, d.Job.ProjectName, path)
}

// PrepareResultsDir creates ResultsDir, moving the logs of a previous
// attempt into prev_build_backup and removing other leftovers,
// packages included, then writes build.info.
func (d *Driver) PrepareResultsDir() error {
	if err := os.MkdirAll(d.ResultsDir, 0755); err != nil {
		return err
	}
	ents, err := os.ReadDir(d.ResultsDir)
	if err != nil {
		return err
	}
	const backupName = "prev_build_backup"
	backup := filepath.Join(d.ResultsDir, backupName)
	for _, ent := range ents {
		name := ent.Name()
		path := filepath.Join(d.ResultsDir, name)
		switch {
		case name == backupName:
		case ent.IsDir():
			err = os.RemoveAll(path)
		case strings.HasSuffix(name, ".info") || strings.HasSuffix(name, ".log") || strings.HasSuffix(name, ".log.gz"):
			if err = os.MkdirAll(backup, 0755); err == nil {
				err = os.Rename(path, filepath.Join(backup, name))
			}
		default:
			err = os.Remove(path)
		}
		if err != nil {
			return err
		}
	}
	info := fmt.Sprintf("build_id=%d\nbuilder_ip=%s", d.Job.BuildID, d.Host)
	return os.WriteFile(filepath.Join(d.ResultsDir, "build.info"), []byte(info), 0644)
}
