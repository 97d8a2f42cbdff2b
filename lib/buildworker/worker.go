// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package buildworker runs a single build-chroot task on the VM the
// dispatcher acquired for it, and reports the outcome to the
// frontend and the message buses.
package buildworker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fedora-copr/copr-backend/lib/builder"
	"github.com/fedora-copr/copr-backend/lib/config"
	"github.com/fedora-copr/copr-backend/lib/createrepo"
	"github.com/fedora-copr/copr-backend/lib/frontend"
	"github.com/fedora-copr/copr-backend/lib/msgbus"
	"github.com/fedora-copr/copr-backend/lib/redisconn"
	"github.com/fedora-copr/copr-backend/lib/service"
	"github.com/fedora-copr/copr-backend/lib/sign"
	"github.com/fedora-copr/copr-backend/lib/sshexecutor"
	"github.com/fedora-copr/copr-backend/lib/vmmanager"
	"github.com/fedora-copr/copr-backend/lib/workermgr"
	"github.com/fedora-copr/copr-backend/sdk/go/copr"
	"github.com/fedora-copr/copr-backend/sdk/go/ctxlog"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	// ErrCanceled is the cancellation cause when the frontend
	// asks to cancel the build.
	ErrCanceled = errors.New("build canceled")
	// ErrInterrupted is the cancellation cause when the VM master
	// terminates the VM under a running build.
	ErrInterrupted = errors.New("build interrupted")
	// ErrVM means the builder became unreachable. The build was
	// handed back to the frontend for rescheduling.
	ErrVM = errors.New("VM error")
)

// Registry statuses besides the build status names.
const (
	StatusRescheduled = "rescheduled"
	StatusError       = "error"
)

// timeoutError makes the worker process exit 124.
type timeoutError struct{ error }

func (timeoutError) ExitCode() int { return 124 }
func (e timeoutError) Unwrap() error { return e.error }

// Worker processes one build task.
type Worker struct {
	cfg      *config.Config
	rdb      redis.UniversalClient
	frontend *frontend.Client
	vmm      *vmmanager.Manager
	sender   *msgbus.MessageSender
	signer   builder.Signer
	repo     builder.RepoRunner
	logger   logrus.FieldLogger

	// How often the registry entry is checked for a cancel
	// request.
	CancelCheckPeriod time.Duration

	// Overridden in tests.
	newDriver func(job *copr.BuildJob, vm *vmmanager.VM, resultsDir string, logger logrus.FieldLogger) (*builder.Driver, func(), error)
	now       func() time.Time
}

// New returns a Worker. sender is shared by everything the worker
// announces.
func New(cfg *config.Config, rdb redis.UniversalClient, fc *frontend.Client, sender *msgbus.MessageSender, logger logrus.FieldLogger) (*Worker, error) {
	repo, err := createrepo.NewRunner(cfg)
	if err != nil {
		return nil, err
	}
	w := &Worker{
		cfg:               cfg,
		rdb:               rdb,
		frontend:          fc,
		vmm:               vmmanager.New(rdb, cfg, logger),
		sender:            sender,
		repo:              repo,
		logger:            logger,
		CancelCheckPeriod: 5 * time.Second,
		now:               time.Now,
	}
	if cfg.Sign.DoSign {
		w.signer = sign.New(cfg)
	}
	w.newDriver = w.sshDriver
	return w, nil
}

// Main is the service.WorkerFunc of the build-worker command.
func Main(ctx context.Context, cfg *config.Config, rdb *redis.Client, args service.WorkerArgs) error {
	logger := ctxlog.FromContext(ctx)
	sender, err := msgbus.NewMessageSender(cfg, rdb, "worker-"+args.TaskID, logger)
	if err != nil {
		return err
	}
	w, err := New(cfg, rdb, frontend.New(cfg, logger), sender, logger)
	if err != nil {
		return err
	}
	return w.Run(ctx, args)
}

func (w *Worker) sshDriver(job *copr.BuildJob, vm *vmmanager.VM, resultsDir string, logger logrus.FieldLogger) (*builder.Driver, func(), error) {
	key, err := sshexecutor.LoadSigner(w.cfg.Builder.PrivateKeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading builder SSH key: %w", err)
	}
	exr := sshexecutor.New(sshexecutor.Host{Addr: vm.IP, User: w.cfg.Builder.User})
	exr.SetSigners(key)
	if w.cfg.Builder.SSHPort != "" {
		exr.SetTargetPort(w.cfg.Builder.SSHPort)
	}
	return builder.New(w.cfg, job, vm.IP, exr, resultsDir, logger), exr.Close, nil
}

// build is the state of one Run.
type build struct {
	job        *copr.BuildJob
	vm         *vmmanager.VM
	entry      *workermgr.Entry
	reattach   bool
	chrootDir  string
	resultsDir string
	logPath    string
	startedOn  int64
	status     copr.BuildStatus
	results    *copr.BuildResults
	logger     logrus.FieldLogger
}

// Run processes the task. The VM is released when Run returns,
// unless it was terminated.
func (w *Worker) Run(ctx context.Context, args service.WorkerArgs) error {
	entry := workermgr.OpenEntry(w.rdb, args.WorkerID)
	if err := entry.MarkStarted(ctx); err != nil {
		return err
	}
	status, err := w.run(ctx, entry, args)
	if err != nil {
		w.logger.WithError(err).WithField("Status", status).Error("build worker failed")
	}
	// Report the status even when ctx is canceled, so the
	// dispatcher doesn't wait for the dead-worker timeout.
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := entry.SetStatus(sctx, status); serr != nil && err == nil {
		err = serr
	}
	return err
}

func (w *Worker) run(ctx context.Context, entry *workermgr.Entry, args service.WorkerArgs) (string, error) {
	job, err := w.frontend.GetJob(ctx, args.TaskID)
	if err != nil {
		return StatusError, fmt.Errorf("getting job: %w", err)
	}
	vm, err := w.vmm.GetVMByName(ctx, args.VMName)
	if err != nil {
		return StatusError, err
	}
	if vm.State != vmmanager.StateInUse || vm.TaskID != job.TaskID {
		return StatusError, fmt.Errorf("VM %s is not assigned to task %s", vm.Name, job.TaskID)
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := w.vmm.ReleaseVM(rctx, vm.Name); err != nil {
			w.logger.WithError(err).WithField("VMName", vm.Name).Error("failed to release VM")
		}
	}()

	chroot := job.Chroot
	if job.IsSRPM() {
		chroot = copr.SRPMChroot
	}
	dirname := job.ProjectDirname
	if dirname == "" {
		dirname = job.ProjectName
	}
	b := &build{
		job:       job,
		vm:        vm,
		entry:     entry,
		reattach:  args.Reattach,
		chrootDir: filepath.Join(w.cfg.DestDir, job.ProjectOwner, dirname, chroot),
		logger: w.logger.WithFields(logrus.Fields{
			"TaskID":  job.TaskID,
			"BuildID": job.BuildID,
			"VMName":  vm.Name,
			"VMIP":    vm.IP,
		}),
	}
	b.resultsDir = filepath.Join(b.chrootDir, job.TargetDirName())
	b.logPath = filepath.Join(b.chrootDir, copr.BuildChrootLogName(job.BuildID))

	if err := w.announceStart(ctx, b); err != nil {
		return StatusError, err
	}

	bctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go w.watchCancel(bctx, cancel, b)

	err = w.doJob(bctx, b)
	switch {
	case errors.Is(err, ErrVM):
		return StatusRescheduled, err
	case ctx.Err() != nil:
		// Process shutdown. The head process reschedules
		// running builds.
		return StatusError, ctx.Err()
	}
	w.copyLogs(b)
	if uerr := w.announceEnd(ctx, b); uerr != nil {
		return b.status.String(), uerr
	}
	if errors.Is(err, builder.ErrBuilderTimeout) {
		return b.status.String(), timeoutError{err}
	}
	return b.status.String(), nil
}

func (w *Worker) announceStart(ctx context.Context, b *build) error {
	b.startedOn = w.now().Unix()
	upd := copr.BuildUpdate{
		BuildID:   b.job.BuildID,
		TaskID:    b.job.TaskID,
		Chroot:    b.job.Chroot,
		Status:    copr.StatusRunning,
		StartedOn: &b.startedOn,
	}
	b.logger.Info("starting build")
	if err := w.frontend.Update(ctx, frontend.UpdateRequest{Builds: []copr.BuildUpdate{upd}}); err != nil {
		return fmt.Errorf("could not communicate to frontend to submit status info: %w", err)
	}
	if !b.reattach {
		for _, topic := range []string{msgbus.TopicBuildStart, msgbus.TopicChrootStart} {
			w.sender.Announce(ctx, topic, b.job, copr.StatusRunning, b.vm.IP)
		}
	}
	return nil
}

func (w *Worker) announceEnd(ctx context.Context, b *build) error {
	endedOn := w.now().Unix()
	upd := copr.BuildUpdate{
		BuildID:   b.job.BuildID,
		TaskID:    b.job.TaskID,
		Chroot:    b.job.Chroot,
		Status:    b.status,
		StartedOn: &b.startedOn,
		EndedOn:   &endedOn,
		ResultDir: b.job.TargetDirName(),
		Results:   b.results,
		Name:      b.job.PackageName,
		Version:   b.job.PackageVersion,
	}
	b.logger.WithFields(logrus.Fields{
		"Status":  b.status.String(),
		"Seconds": endedOn - b.startedOn,
	}).Info("build finished")
	if err := w.frontend.Update(ctx, frontend.UpdateRequest{Builds: []copr.BuildUpdate{upd}}); err != nil {
		return fmt.Errorf("could not communicate to frontend to submit results: %w", err)
	}
	w.sender.Announce(ctx, msgbus.TopicBuildEnd, b.job, b.status, b.vm.IP)
	return nil
}

// watchCancel cancels ctx with ErrCanceled when the dispatcher sets
// cancel_request on the worker entry, or with ErrInterrupted when the
// VM is interrupted.
func (w *Worker) watchCancel(ctx context.Context, cancel context.CancelCauseFunc, b *build) {
	interrupts, err := redisconn.Subscribe(ctx, w.rdb, redisconn.InterruptBuildChannel(b.vm.IP))
	if err != nil {
		b.logger.WithError(err).Warn("cannot subscribe to build interrupts")
	}
	ticker := time.NewTicker(w.CancelCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-interrupts:
			if !ok {
				interrupts = nil
				continue
			}
			b.logger.WithField("Message", msg).Warn("build interrupted")
			cancel(ErrInterrupted)
			return
		case <-ticker.C:
		}
		if canceled, err := b.entry.CancelRequested(ctx); err != nil {
			b.logger.WithError(err).Warn("cannot check for cancel request")
		} else if canceled {
			b.logger.Info("cancel requested")
			cancel(ErrCanceled)
			return
		}
	}
}

// doJob runs the build and post-processing, and sets b.status.
// Errors other than ErrVM and ctx errors are reflected in b.status.
func (w *Worker) doJob(ctx context.Context, b *build) error {
	b.status = copr.StatusFailed
	if err := os.MkdirAll(b.chrootDir, 0755); err != nil {
		b.logger.WithError(err).Error("could not make results dir")
		return err
	}
	logfile, err := os.OpenFile(b.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		b.logger.WithError(err).Error("could not open build log")
		return err
	}
	defer logfile.Close()
	buildLogger := ctxlog.New(logfile, "text", "debug").WithField("TaskID", b.job.TaskID)

	drv, closeDriver, err := w.newDriver(b.job, b.vm, b.resultsDir, buildLogger)
	if err != nil {
		b.logger.WithError(err).Error("cannot set up builder")
		return err
	}
	defer closeDriver()

	if !b.reattach {
		if err := drv.PrepareResultsDir(); err != nil {
			b.logger.WithError(err).Error("could not prepare results dir")
			return err
		}
	}

	downloaded, err := w.remoteBuildWithRetry(ctx, drv, b)
	var cerr *sshexecutor.ConnectionError
	switch {
	case errors.Is(context.Cause(ctx), ErrCanceled):
		b.logger.Info("build canceled, terminating VM")
		b.status = copr.StatusCanceled
		w.terminateVM(b)
		return ErrCanceled
	case errors.Is(context.Cause(ctx), ErrInterrupted):
		buildLogger.Error("build interrupted by VM termination")
		// The VM master is already terminating the VM.
		w.reschedule(b)
		return fmt.Errorf("%w: build interrupted, build rescheduled", ErrVM)
	case errors.As(err, &cerr):
		buildLogger.WithError(err).Error("SSH connection stalled")
		b.logger.WithError(err).Error("SSH connection stalled, rescheduling build")
		// The VM is unusable; don't wait for the VM master to
		// notice.
		w.terminateVM(b)
		w.reschedule(b)
		return fmt.Errorf("%w: SSH connection issue, build rescheduled", ErrVM)
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		buildLogger.WithError(err).Error("error during the build")
		b.logger.WithError(err).Error("build failed")
		if !downloaded {
			if derr := drv.Download(ctx); derr != nil {
				b.logger.WithError(derr).Warn("failed to download results of failed build")
			}
		}
		return err
	}

	if err := drv.OnSuccessBuild(ctx, w.signer, w.repo, b.chrootDir); err != nil {
		b.logger.WithError(err).Error("error during post-build processing")
		return err
	}
	if !b.job.IsSRPM() {
		b.results, err = drv.CollectBuiltPackages(ctx)
		if err != nil {
			b.logger.WithError(err).Error("error while collecting built packages")
			return err
		}
	}
	if w.signer != nil {
		drv.AddPubkey(ctx, w.signer, filepath.Dir(b.chrootDir))
	}
	b.status = copr.StatusSucceeded
	return nil
}

// remoteBuildWithRetry runs remoteBuild up to max_retry_count times
// while it fails with a *builder.BuilderError. Only the first attempt
// reattaches to a running build.
func (w *Worker) remoteBuildWithRetry(ctx context.Context, drv *builder.Driver, b *build) (downloaded bool, err error) {
	attempts := w.cfg.Builder.MaxRetryCount
	if attempts < 1 {
		attempts = 1
	}
	reattach := b.reattach
	for attempt := 1; ; attempt++ {
		b.logger.WithField("Attempt", attempt).Info("starting build on builder")
		downloaded, err = w.remoteBuild(ctx, drv, b, reattach)
		var berr *builder.BuilderError
		if err == nil || attempt >= attempts || ctx.Err() != nil || !errors.As(err, &berr) {
			return downloaded, err
		}
		b.logger.WithError(err).WithField("Attempt", attempt).Warn("builder error, retrying build")
		reattach = false
		if err := drv.PrepareResultsDir(); err != nil {
			return false, err
		}
	}
}

// remoteBuild runs the build on the builder and downloads the
// results.
func (w *Worker) remoteBuild(ctx context.Context, drv *builder.Driver, b *build, reattach bool) (downloaded bool, err error) {
	if reattach {
		err = drv.Reattach(ctx)
	} else if err = drv.Check(ctx); err == nil {
		err = drv.Build(ctx)
	}
	if cerr := drv.CompressLiveLog(); cerr != nil {
		b.logger.WithError(cerr).Warn("failed to compress live log")
	}
	if err != nil {
		return false, err
	}
	if err := drv.CheckSuccess(ctx); err != nil {
		return false, err
	}
	return true, drv.Download(ctx)
}

// reschedule hands the build back to the frontend. No end-of-build
// update is sent.
func (w *Worker) reschedule(b *build) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := w.frontend.RescheduleBuild(ctx, b.job.BuildID, b.job.TaskID, b.job.Chroot); err != nil {
		b.logger.WithError(err).Error("failed to reschedule build")
	}
}

func (w *Worker) terminateVM(b *build) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := w.vmm.StartVMTermination(ctx, b.vm.Name, vmmanager.StateInUse); err != nil {
		b.logger.WithError(err).Error("failed to start VM termination")
	}
}

// copyLogs stores a compressed copy of the backend build log in the
// results dir.
func (w *Worker) copyLogs(b *build) {
	if fi, err := os.Stat(b.resultsDir); err != nil || !fi.IsDir() {
		b.logger.Info("results dir does not exist, not copying backend log")
		return
	}
	if _, err := builder.GzipFile(b.logPath, filepath.Join(b.resultsDir, "backend.log.gz")); err != nil {
		b.logger.WithError(err).Info("failed to copy backend log")
	}
}
