// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package copr

import (
	"fmt"
	"strings"
)

// ChrootArch returns the architecture part of a chroot name, e.g.
// "x86_64" for "fedora-39-x86_64".
func ChrootArch(chroot string) string {
	if i := strings.LastIndex(chroot, "-"); i >= 0 {
		return chroot[i+1:]
	}
	return chroot
}

// SplitChroot splits a chroot name into distribution, release and
// architecture: "centos-stream-9-x86_64" yields ("centos-stream",
// "9", "x86_64").
func SplitChroot(chroot string) (distro, release, arch string) {
	parts := strings.Split(chroot, "-")
	if len(parts) < 3 {
		return "", "", ChrootArch(chroot)
	}
	n := len(parts)
	return strings.Join(parts[:n-2], "-"), parts[n-2], parts[n-1]
}

// BuildTargetDir returns the name of the directory holding one
// build's results inside a chroot directory.
func BuildTargetDir(buildID int64, pkgName string) string {
	if pkgName == "" {
		return fmt.Sprintf("%08d", buildID)
	}
	return fmt.Sprintf("%08d-%s", buildID, pkgName)
}

// BuildChrootLogName returns the name of the backend log file kept
// next to the build directories for buildID.
func BuildChrootLogName(buildID int64) string {
	return fmt.Sprintf("build-%08d.log", buildID)
}

// SplitFilename splits an RPM file name like
// "1:bar-9-123a.ia64.rpm" into name, version, release, epoch and
// arch.
func SplitFilename(filename string) (name, version, release, epoch, arch string) {
	filename = strings.TrimSuffix(filename, ".rpm")
	archIndex := strings.LastIndex(filename, ".")
	if archIndex < 0 {
		archIndex = len(filename)
	} else {
		arch = filename[archIndex+1:]
	}
	relIndex := strings.LastIndex(filename[:archIndex], "-")
	release = filename[relIndex+1 : archIndex]
	if relIndex < 0 {
		relIndex = 0
	}
	verIndex := strings.LastIndex(filename[:relIndex], "-")
	version = filename[verIndex+1 : relIndex]
	if verIndex < 0 {
		verIndex = 0
	}
	epochIndex := strings.Index(filename, ":")
	if epochIndex >= 0 {
		epoch = filename[:epochIndex]
	}
	if epochIndex+1 <= verIndex {
		name = filename[epochIndex+1 : verIndex]
	}
	return
}

// FormatFilename is the reverse of SplitFilename, minus the ".rpm"
// suffix. With zeroEpoch, a missing epoch is written as "0".
func FormatFilename(name, version, release, epoch, arch string, zeroEpoch bool) string {
	if !isDigits(epoch) && zeroEpoch {
		epoch = "0"
	}
	if isDigits(epoch) {
		return fmt.Sprintf("%s-%s:%s-%s.%s", name, epoch, version, release, arch)
	}
	return fmt.Sprintf("%s-%s-%s.%s", name, version, release, arch)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
