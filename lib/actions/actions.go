// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package actions runs project lifecycle actions (delete, fork,
// createrepo, ...) handed out by the frontend, and dispatches them to
// background action workers.
package actions

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fedora-copr/copr-backend/lib/builder"
	"github.com/fedora-copr/copr-backend/lib/config"
	"github.com/fedora-copr/copr-backend/lib/createrepo"
	"github.com/fedora-copr/copr-backend/lib/frontend"
	"github.com/fedora-copr/copr-backend/lib/sign"
	"github.com/fedora-copr/copr-backend/sdk/go/copr"
	"github.com/fedora-copr/copr-backend/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

// ActionKind selects the handler for an action. Deletes have one kind
// per object type.
type ActionKind string

const (
	KindDeleteProject    ActionKind = "delete_copr"
	KindDeleteBuild      ActionKind = "delete_build"
	KindDeleteBuilds     ActionKind = "delete_builds"
	KindDeleteChroot     ActionKind = "delete_chroot"
	KindRename           ActionKind = "rename"
	KindLegalFlag        ActionKind = "legal_flag"
	KindCreaterepo       ActionKind = "createrepo"
	KindUpdateComps      ActionKind = "update_comps"
	KindGenGPGKey        ActionKind = "gen_gpg_key"
	KindRawhideToRelease ActionKind = "rawhide_to_release"
	KindFork             ActionKind = "fork"
	KindBuildModule      ActionKind = "build_module"
	KindRemoveDirs       ActionKind = "remove_dirs"
)

// A handler performs one kind of action. Handlers are idempotent:
// running an action twice has the same effect as running it once.
type handler func(ctx context.Context, r *Runner, action *copr.Action) Result

var handlers = map[ActionKind]handler{
	KindDeleteProject:    deleteProject,
	KindDeleteBuild:      deleteBuild,
	KindDeleteBuilds:     deleteBuilds,
	KindDeleteChroot:     deleteChroot,
	KindRename:           rename,
	KindLegalFlag:        legalFlag,
	KindCreaterepo:       createrepoAction,
	KindUpdateComps:      updateComps,
	KindGenGPGKey:        genGPGKey,
	KindRawhideToRelease: rawhideToRelease,
	KindFork:             fork,
	KindBuildModule:      buildModule,
	KindRemoveDirs:       removeDirs,
}

var deleteKinds = map[string]ActionKind{
	"copr":   KindDeleteProject,
	"build":  KindDeleteBuild,
	"builds": KindDeleteBuilds,
	"chroot": KindDeleteChroot,
}

// KindOf returns the kind of action. Unknown and retired action types
// are Fatal errors.
func KindOf(action *copr.Action) (ActionKind, error) {
	if action.ActionType == copr.ActionDelete {
		kind, ok := deleteKinds[action.ObjectType]
		if !ok {
			return "", copr.Fatal(fmt.Errorf("unexpected delete object type %q", action.ObjectType))
		}
		return kind, nil
	}
	kind := ActionKind(action.ActionType.String())
	if _, ok := handlers[kind]; !ok {
		return "", copr.Fatal(fmt.Errorf("unexpected action type %s", action.ActionType))
	}
	return kind, nil
}

// Result is the outcome of an action, as reported to the frontend.
type Result struct {
	Code    copr.ActionResultCode
	Message string
}

func success() Result { return Result{Code: copr.ActionSuccess} }

func failure(format string, args ...interface{}) Result {
	return Result{Code: copr.ActionFailure, Message: fmt.Sprintf(format, args...)}
}

// Signer is the part of *sign.Signer the handlers use.
type Signer interface {
	builder.Signer
	EnsureKey(ctx context.Context, owner, project string) error
	UnsignRPMsInDir(ctx context.Context, dir string) error
}

// Runner runs actions against the results directory.
type Runner struct {
	cfg      *config.Config
	destDir  string
	frontend *frontend.Client
	repo     builder.RepoRunner
	signer   Signer

	// Attempts and pause for createrepo steps that are retried.
	RepoAttempts  int
	RepoRetryWait time.Duration
}

// NewRunner returns a Runner for cfg. fc is used to look up projects
// and download comps files.
func NewRunner(cfg *config.Config, fc *frontend.Client) (*Runner, error) {
	repo, err := createrepo.NewRunner(cfg)
	if err != nil {
		return nil, err
	}
	return &Runner{
		cfg:           cfg,
		destDir:       cfg.DestDir,
		frontend:      fc,
		repo:          repo,
		signer:        sign.New(cfg),
		RepoAttempts:  5,
		RepoRetryWait: 10 * time.Second,
	}, nil
}

// Run performs the action. Failures are reported in the Result, not
// returned.
func (r *Runner) Run(ctx context.Context, action *copr.Action) Result {
	logger := ctxlog.FromContext(ctx).WithField("ActionID", action.ID)
	kind, err := KindOf(action)
	if err != nil {
		logger.WithError(err).Error("cannot handle action")
		return failure("%s", err)
	}
	logger = logger.WithField("Kind", kind)
	logger.Info("running action")
	t0 := time.Now()
	res := handlers[kind](ctxlog.Context(ctx, logger), r, action)
	logger.WithFields(logrus.Fields{
		"Result":   res.Code.String(),
		"Duration": time.Since(t0).Seconds(),
	}).Info("action finished")
	return res
}

// decode unmarshals the action payload, logging a failure.
func decode(ctx context.Context, action *copr.Action, dst interface{}) (Result, bool) {
	if err := action.DecodeData(dst); err != nil {
		ctxlog.FromContext(ctx).WithError(err).Error("invalid action data")
		return failure("%s", err), false
	}
	return success(), true
}

// path joins elems below the results directory. Elements that would
// escape it are an error.
func (r *Runner) path(elems ...string) (string, error) {
	for _, e := range elems {
		if e == "" || e == "." || e == ".." || strings.HasPrefix(e, "/") || strings.Contains(e, "/../") || strings.HasPrefix(e, "../") || strings.HasSuffix(e, "/..") {
			return "", fmt.Errorf("invalid path component %q", e)
		}
	}
	return filepath.Join(append([]string{r.destDir}, elems...)...), nil
}

// createrepo runs the repo tool on dir, retrying up to attempts
// times.
func (r *Runner) createrepo(ctx context.Context, attempts int, opts createrepo.Options) bool {
	logger := ctxlog.FromContext(ctx).WithField("Dir", opts.Dir)
	for i := 1; ; i++ {
		ok, err := r.repo.Run(ctx, opts)
		if ok {
			return true
		}
		logger.WithError(err).Errorf("createrepo attempt %d failed", i)
		if i >= attempts {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(r.RepoRetryWait):
		}
	}
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
