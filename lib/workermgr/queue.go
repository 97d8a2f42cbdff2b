// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package workermgr

import "container/heap"

// A QueueTask is a unit of work handed to a background worker.
type QueueTask interface {
	// Unique, stable across dispatcher cycles.
	ID() string
	// Lower values are started first.
	Priority() int
}

type queueEntry struct {
	task     QueueTask
	priority int
	seq      uint64
	index    int
}

type entryHeap []*queueEntry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x interface{}) {
	ent := x.(*queueEntry)
	ent.index = len(*h)
	*h = append(*h, ent)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	ent := old[len(old)-1]
	old[len(old)-1] = nil
	*h = old[:len(old)-1]
	ent.index = -1
	return ent
}

// jobQueue is a priority queue of tasks, keyed by task ID. Tasks with
// equal priority are returned in insertion order.
type jobQueue struct {
	heap  entryHeap
	byID  map[string]*queueEntry
	count uint64
}

func newJobQueue() *jobQueue {
	return &jobQueue{byID: map[string]*queueEntry{}}
}

// Add adds a task, or updates the priority of a queued task with the
// same ID.
func (q *jobQueue) Add(task QueueTask) {
	q.Remove(task.ID())
	q.count++
	ent := &queueEntry{task: task, priority: task.Priority(), seq: q.count}
	q.byID[task.ID()] = ent
	heap.Push(&q.heap, ent)
}

// Remove returns false if no task with the given ID is queued.
func (q *jobQueue) Remove(id string) bool {
	ent, ok := q.byID[id]
	if !ok {
		return false
	}
	delete(q.byID, id)
	heap.Remove(&q.heap, ent.index)
	return true
}

// Pop returns nil if the queue is empty.
func (q *jobQueue) Pop() QueueTask {
	if q.heap.Len() == 0 {
		return nil
	}
	ent := heap.Pop(&q.heap).(*queueEntry)
	delete(q.byID, ent.task.ID())
	return ent.task
}

func (q *jobQueue) Len() int { return q.heap.Len() }
