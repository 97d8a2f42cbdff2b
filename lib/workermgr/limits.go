// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package workermgr

import (
	"fmt"
	"sort"
	"strings"
)

// A Limit caps the number of running workers processing tasks of a
// certain kind. A Manager calls WorkerAdded for every worker it starts
// or adopts, and skips a queued task when Check returns false. The
// statistics are rebuilt from scratch every dispatcher cycle.
type Limit interface {
	WorkerAdded(workerID string, task QueueTask)
	Check(task QueueTask) bool
	Clear()
	Info() string
}

// PredicateLimit allows at most Max concurrent workers for tasks
// matching Predicate.
type PredicateLimit struct {
	Name      string
	Predicate func(QueueTask) bool
	Max       int

	refs map[string]bool
}

func (l *PredicateLimit) WorkerAdded(workerID string, task QueueTask) {
	if !l.Predicate(task) {
		return
	}
	if l.refs == nil {
		l.refs = map[string]bool{}
	}
	l.refs[workerID] = true
}

func (l *PredicateLimit) Check(task QueueTask) bool {
	return !l.Predicate(task) || len(l.refs) < l.Max
}

func (l *PredicateLimit) Clear() { l.refs = nil }

func (l *PredicateLimit) Info() string {
	var ids []string
	for id := range l.refs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return fmt.Sprintf("%q", l.Name)
	}
	return fmt.Sprintf("%q, matching: %s", l.Name, strings.Join(ids, ", "))
}

// HashLimit groups tasks by the string returned by Hasher, and allows
// at most Max concurrent workers per group. Tasks hashing to "" are
// not limited.
type HashLimit struct {
	Name   string
	Hasher func(QueueTask) string
	Max    int

	counts map[string]int
}

func (l *HashLimit) WorkerAdded(workerID string, task QueueTask) {
	key := l.Hasher(task)
	if key == "" {
		return
	}
	if l.counts == nil {
		l.counts = map[string]int{}
	}
	l.counts[key]++
}

func (l *HashLimit) Check(task QueueTask) bool {
	key := l.Hasher(task)
	return key == "" || l.counts[key] < l.Max
}

func (l *HashLimit) Clear() { l.counts = nil }

func (l *HashLimit) Info() string {
	var keys []string
	for k := range l.counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, l.counts[k]))
	}
	return fmt.Sprintf("%q, counter: %s", l.Name, strings.Join(parts, ", "))
}
