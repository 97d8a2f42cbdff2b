// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package builder drives one build on a remote builder VM: it checks
// the VM, starts copr-rpmbuild, follows its live log, and downloads
// the results.
package builder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fedora-copr/copr-backend/lib/config"
	"github.com/fedora-copr/copr-backend/lib/sshexecutor"
	"github.com/fedora-copr/copr-backend/sdk/go/copr"
	"github.com/fedora-copr/copr-backend/sdk/go/ctxlog"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// ErrBuilderTimeout means the build ran longer than its timeout.
var ErrBuilderTimeout = errors.New("build timed out")

// LiveLogName is the local copy of the builder's main log.
const LiveLogName = "builder-live.log"

// BuilderError is a failed step of the remote build that is not an
// SSH connection problem.
type BuilderError struct {
	Host   string
	Msg    string
	Cmd    string
	Stderr string
	Err    error
}

func (e *BuilderError) Error() string {
	s := fmt.Sprintf("builder %s: %s", e.Host, e.Msg)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		s += " (stderr: " + stderr + ")"
	}
	return s
}

func (e *BuilderError) Unwrap() error { return e.Err }

// Executor runs shell commands on the builder.
type Executor interface {
	Execute(ctx context.Context, env map[string]string, cmd string, stdin io.Reader) ([]byte, []byte, error)
	Stream(ctx context.Context, env map[string]string, cmd string, stdin io.Reader, stdout, stderr io.Writer) error
}

// Driver runs one job on one builder VM.
type Driver struct {
	Job  *copr.BuildJob
	Host string
	Exec Executor

	User           string
	SSHPort        string
	PrivateKeyFile string
	// Working directory of copr-rpmbuild on the builder.
	RemoteDir string
	// Local directory the results are downloaded to.
	ResultsDir   string
	Timeout      time.Duration
	PollInterval time.Duration
	RsyncBinary  string
	// Used to query built packages, e.g. "rpm".
	RPMBinary string
	Logger    logrus.FieldLogger

	pid int
}

// New returns a Driver for job on the builder at host, using the
// builder section of cfg.
func New(cfg *config.Config, job *copr.BuildJob, host string, exr Executor, resultsDir string, logger logrus.FieldLogger) *Driver {
	return &Driver{
		Job:            job,
		Host:           host,
		Exec:           exr,
		User:           cfg.Builder.User,
		SSHPort:        cfg.Builder.SSHPort,
		PrivateKeyFile: cfg.Builder.PrivateKeyFile,
		RemoteDir:      cfg.Builder.RemoteBuildDir,
		ResultsDir:     resultsDir,
		Timeout:        job.TimeoutDuration(cfg.Builder.Timeout.Duration()),
		PollInterval:   cfg.Builder.PollInterval.Duration(),
		RsyncBinary:    cfg.Builder.RsyncBinary,
		RPMBinary:      "rpm",
		Logger:         logger,
	}
}

func (d *Driver) logger() logrus.FieldLogger {
	if d.Logger == nil {
		return ctxlog.FromContext(context.Background())
	}
	return d.Logger
}

func (d *Driver) remote(name string) string {
	return filepath.Join(d.RemoteDir, name)
}

// run executes cmd on the builder. Connection problems are returned
// as-is; a non-zero exit status becomes a *BuilderError.
func (d *Driver) run(ctx context.Context, cmd string) (string, error) {
	d.logger().Infof("BUILDER CMD: %s", cmd)
	stdout, stderr, err := d.Exec.Execute(ctx, nil, cmd, nil)
	if err != nil {
		if isConnectionError(err) || ctx.Err() != nil {
			return "", err
		}
		return "", &BuilderError{Host: d.Host, Msg: "remote command failed", Cmd: cmd, Stderr: string(stderr), Err: err}
	}
	return string(stdout), nil
}

func isConnectionError(err error) bool {
	var cerr *sshexecutor.ConnectionError
	return errors.As(err, &cerr)
}

// Check verifies the builder host resolves, has copr-rpmbuild, rsync
// and mock, and has a mock config for the job's chroot.
func (d *Driver) Check(ctx context.Context) error {
	if d.Job.Chroot == "" {
		return &BuilderError{Host: d.Host, Msg: "no chroot specified"}
	}
	if _, err := net.DefaultResolver.LookupHost(ctx, d.Host); err != nil {
		return &BuilderError{Host: d.Host, Msg: "cannot resolve build host", Err: err}
	}
	if _, err := d.run(ctx, "/bin/rpm -q copr-rpmbuild"); err != nil {
		if berr := (*BuilderError)(nil); errors.As(err, &berr) {
			berr.Msg = "build host does not have copr-rpmbuild installed"
		}
		return err
	}
	for _, bin := range []string{"/usr/bin/rsync", "/usr/bin/mock"} {
		if _, err := d.run(ctx, "/usr/bin/test -x "+bin); err != nil {
			if berr := (*BuilderError)(nil); errors.As(err, &berr) {
				berr.Msg = fmt.Sprintf("build host does not have %s", bin)
			}
			return err
		}
	}
	if d.Job.IsSRPM() {
		return nil
	}
	if _, err := d.run(ctx, "/usr/bin/test -f "+shellQuote("/etc/mock/"+d.Job.Chroot+".cfg")); err != nil {
		if berr := (*BuilderError)(nil); errors.As(err, &berr) {
			berr.Msg = fmt.Sprintf("build host is missing mock config for chroot %q", d.Job.Chroot)
		}
		return err
	}
	return nil
}

func (d *Driver) buildCommand() string {
	if d.Job.IsSRPM() {
		return fmt.Sprintf("copr-rpmbuild --verbose --drop-resultdir --srpm --build-id %d --detached", d.Job.BuildID)
	}
	return fmt.Sprintf("copr-rpmbuild --verbose --drop-resultdir --build-id %d --chroot %s --detached", d.Job.BuildID, shellQuote(d.Job.Chroot))
}

// Build starts the build on the builder and follows it until it
// finishes.
func (d *Driver) Build(ctx context.Context) error {
	out, err := d.run(ctx, d.buildCommand())
	if err != nil {
		return err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return &BuilderError{Host: d.Host, Msg: fmt.Sprintf("unexpected copr-rpmbuild output %q", strings.TrimSpace(out))}
	}
	d.pid = pid
	return d.attach(ctx)
}

// Reattach follows a build started by an earlier worker.
func (d *Driver) Reattach(ctx context.Context) error {
	return d.attach(ctx)
}

func (d *Driver) buildPID(ctx context.Context) int {
	if d.pid == 0 {
		out, err := d.run(ctx, "cat "+shellQuote(d.remote("pid")))
		if err != nil {
			return 0
		}
		d.pid, _ = strconv.Atoi(strings.TrimSpace(out))
	}
	return d.pid
}

// attach copies the remote live log into the local results dir while
// the build process is alive, and enforces the build timeout.
func (d *Driver) attach(ctx context.Context) error {
	pid := d.buildPID(ctx)
	if pid == 0 {
		d.logger().Info("build is not running, continuing")
		return nil
	}
	if err := os.MkdirAll(d.ResultsDir, 0755); err != nil {
		return err
	}
	logfile, err := os.Create(filepath.Join(d.ResultsDir, LiveLogName))
	if err != nil {
		return err
	}
	defer logfile.Close()

	deadline := time.Now().Add(d.Timeout)
	tailCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	tailCmd := fmt.Sprintf("/usr/bin/tail -F -n +0 --pid=%d %s", pid, shellQuote(d.remote("main.log")))
	d.logger().Infof("attaching to live build log: %s", tailCmd)
	tailed := make(chan error, 1)
	go func() {
		// The exit status of tail is not interesting.
		tailed <- d.Exec.Stream(tailCtx, nil, tailCmd, nil, logfile, logfile)
	}()

	poll := d.PollInterval
	if poll <= 0 {
		poll = 10 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-tailed:
			if isConnectionError(err) {
				return err
			}
			return nil
		case <-ticker.C:
		}
		if d.Timeout > 0 && time.Now().After(deadline) {
			d.logger().Warnf("build exceeded timeout %s, giving up", d.Timeout)
			return ErrBuilderTimeout
		}
		alive, err := d.alive(ctx, pid)
		if err != nil {
			return err
		}
		if !alive {
			// Give tail a chance to flush the rest of the log.
			select {
			case <-tailed:
			case <-time.After(poll):
			}
			return nil
		}
	}
}

func (d *Driver) alive(ctx context.Context, pid int) (bool, error) {
	_, _, err := d.Exec.Execute(ctx, nil, fmt.Sprintf("/usr/bin/kill -0 %d", pid), nil)
	var exiterr *ssh.ExitError
	if errors.As(err, &exiterr) {
		return false, nil
	}
	return err == nil, err
}

// CheckSuccess returns nil if the builder reports a successful build.
func (d *Driver) CheckSuccess(ctx context.Context) error {
	_, err := d.run(ctx, "/usr/bin/test -f "+shellQuote(d.remote("results/success")))
	if berr := (*BuilderError)(nil); errors.As(err, &berr) {
		berr.Msg = fmt.Sprintf("build %d failed", d.Job.BuildID)
		berr.Err = nil
	}
	return err
}

// RsyncLogName is the local log file of the result download.
func (d *Driver) RsyncLogName() string {
	return fmt.Sprintf("build-%08d.rsync.log", d.Job.BuildID)
}

// Download copies the remote results into ResultsDir with rsync.
func (d *Driver) Download(ctx context.Context) error {
	if err := os.MkdirAll(d.ResultsDir, 0755); err != nil {
		return err
	}
	sshCmd := "ssh -o PasswordAuthentication=no -o StrictHostKeyChecking=no"
	if d.PrivateKeyFile != "" {
		sshCmd += " -i " + shellQuote(d.PrivateKeyFile)
	}
	if d.SSHPort != "" {
		sshCmd += " -p " + shellQuote(d.SSHPort)
	}
	src := fmt.Sprintf("%s@%s:%s/*", d.User, d.Host, d.remote("results"))
	logpath := filepath.Join(d.ResultsDir, d.RsyncLogName())
	logfile, err := os.Create(logpath)
	if err != nil {
		return err
	}
	defer logfile.Close()
	cmd := exec.CommandContext(ctx, d.RsyncBinary, "-rlptDvH", "-e", sshCmd, src, d.ResultsDir+"/")
	cmd.Stdout = logfile
	cmd.Stderr = logfile
	d.logger().Infof("rsyncing of %s started for job %s", src, d.Job)
	if err := cmd.Run(); err != nil {
		return &BuilderError{Host: d.Host, Msg: "failed to download data from builder due to rsync error, see the rsync log file for details", Err: err}
	}
	d.logger().Info("rsyncing finished")
	return nil
}

// CollectBuiltPackages lists the binary packages in ResultsDir.
func (d *Driver) CollectBuiltPackages(ctx context.Context) (*copr.BuildResults, error) {
	ents, err := os.ReadDir(d.ResultsDir)
	if err != nil {
		return nil, err
	}
	var rpms []string
	for _, ent := range ents {
		name := ent.Name()
		if ent.Type().IsRegular() && strings.HasSuffix(name, ".rpm") && !strings.HasSuffix(name, ".src.rpm") {
			rpms = append(rpms, filepath.Join(d.ResultsDir, name))
		}
	}
	results := &copr.BuildResults{Packages: []copr.BuiltPackage{}}
	if len(rpms) == 0 {
		return results, nil
	}
	args := append([]string{"-qp", "--nosignature", "--qf", "%{NAME} %{EPOCH} %{VERSION} %{RELEASE} %{ARCH}\n"}, rpms...)
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.RPMBinary, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("rpm query failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 5 {
			continue
		}
		pkg := copr.BuiltPackage{Name: fields[0], Version: fields[2], Release: fields[3], Arch: fields[4]}
		// "(none)" when unset
		pkg.Epoch, _ = strconv.Atoi(fields[1])
		results.Packages = append(results.Packages, pkg)
	}
	d.logger().Infof("built packages: %d", len(results.Packages))
	return results, nil
}

// CompressLiveLog replaces the live log with a gzipped copy.
func (d *Driver) CompressLiveLog() error {
	src := filepath.Join(d.ResultsDir, LiveLogName)
	n, err := GzipFile(src, src+".gz")
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	d.logger().Infof("compressed %s (%s)", src, humanize.Bytes(uint64(n)))
	return os.Remove(src)
}

// GzipFile writes a gzipped copy of src to dst and returns the
// uncompressed size.
func GzipFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	zw := gzip.NewWriter(out)
	n, err := io.Copy(zw, in)
	if err == nil {
		err = zw.Close()
	}
	if err == nil {
		err = out.Close()
	} else {
		out.Close()
	}
	if err != nil {
		os.Remove(dst)
		return 0, err
	}
	return n, nil
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=+@%", r))
	}) < 0 {
		return s
	}
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}
