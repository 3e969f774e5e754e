// Inter-VM shared-memory message queues
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ivc implements the shared-memory message-queue half of the
// hypercall configuration plane (§4.H "Ivc: shared-memory message-queue
// setup and send"): one bounded mailbox per (source, destination) VM
// pair, a per-pair keep-alive heartbeat counter, and a table recording
// which IPA range one VM has offered another as shared memory.
package ivc

import (
	"fmt"
	"sync"
)

// defaultDepth bounds a queue created without an explicit UpdateQueue
// call.
const defaultDepth = 16

type pairKey struct {
	src uint16
	dst uint16
}

// Message is one enqueued Ivc payload, copied out of the sender's IPA
// space by the caller (package hvc) before Send is invoked; ivc never
// touches guest memory directly.
type Message struct {
	From uint16
	Data []byte
}

type mailbox struct {
	mu    sync.Mutex
	depth int
	msgs  []Message
}

// Registry owns every VM pair's mailbox, shared-memory grant table and
// keep-alive counters.
type Registry struct {
	mu sync.Mutex

	mailboxes map[pairKey]*mailbox
	shared    map[pairKey]uint64 // (owner, peer) -> granted IPA
	keepAlive map[pairKey]uint64 // (src, dst) -> last tick observed

	// Clock returns a monotonically increasing tick used by GetTime and
	// KeepAlive; nil means the caller never asked for a timestamp.
	Clock func() uint64
}

// NewRegistry creates an empty IVC registry.
func NewRegistry() *Registry {
	return &Registry{
		mailboxes: make(map[pairKey]*mailbox),
		shared:    make(map[pairKey]uint64),
		keepAlive: make(map[pairKey]uint64),
	}
}

var ErrQueueFull = fmt.Errorf("ivc: destination queue full")

func (r *Registry) box(src, dst uint16) *mailbox {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := pairKey{src, dst}

	b, ok := r.mailboxes[k]
	if !ok {
		b = &mailbox{depth: defaultDepth}
		r.mailboxes[k] = b
	}

	return b
}

// UpdateQueue sets the queue depth for the (src, dst) pair
// (HVC_IVC_UPDATE_MQ); messages already queued beyond a shrunk depth
// are kept, not dropped.
func (r *Registry) UpdateQueue(src, dst uint16, depth int) {
	b := r.box(src, dst)

	b.mu.Lock()
	defer b.mu.Unlock()

	if depth < 1 {
		depth = 1
	}

	b.depth = depth
}

// Send enqueues one message from src to dst (HVC_IVC_SEND_MSG).
func (r *Registry) Send(src, dst uint16, data []byte) error {
	b := r.box(src, dst)

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.msgs) >= b.depth {
		return ErrQueueFull
	}

	b.msgs = append(b.msgs, Message{From: src, Data: data})

	return nil
}

// Broadcast enqueues data from src into every (src, dst) mailbox whose
// dst appears in peers (HVC_IVC_BROADCAST_MSG). Peers whose queue is
// full are skipped rather than aborting the whole broadcast, so one
// backed-up destination never blocks the rest.
func (r *Registry) Broadcast(src uint16, peers []uint16, data []byte) {
	for _, dst := range peers {
		r.Send(src, dst, data)
	}
}

// Recv drains every pending message addressed to dst from src
// (consumed in FIFO order).
func (r *Registry) Recv(src, dst uint16) []Message {
	b := r.box(src, dst)

	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.msgs
	b.msgs = nil

	return out
}

// GetTime returns the registry's clock snapshot (HVC_IVC_GET_TIME).
func (r *Registry) GetTime() uint64 {
	if r.Clock == nil {
		return 0
	}

	return r.Clock()
}

// InitKeepAlive records the first heartbeat tick for a (src, dst) pair
// (HVC_IVC_INIT_KEEP_ALIVE).
func (r *Registry) InitKeepAlive(src, dst uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.keepAlive[pairKey{src, dst}] = r.GetTime()
}

// KeepAlive refreshes the heartbeat tick for a (src, dst) pair
// (HVC_IVC_KEEP_ALIVE) and reports the previously recorded tick.
func (r *Registry) KeepAlive(src, dst uint16) (last uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := pairKey{src, dst}
	last = r.keepAlive[k]
	r.keepAlive[k] = r.GetTime()

	return last
}

// Ack is a content-free liveness reply (HVC_IVC_ACK): it refreshes the
// same heartbeat counter KeepAlive does, from the acknowledging side.
func (r *Registry) Ack(src, dst uint16) {
	r.KeepAlive(dst, src)
}

// ShareMem records that owner has offered ipa to peer
// (HVC_IVC_SHARE_MEM / HVC_IVC_SEND_SHAREMEM).
func (r *Registry) ShareMem(owner, peer uint16, ipa uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.shared[pairKey{owner, peer}] = ipa
}

// SharedIPA looks up the IPA owner most recently offered peer
// (HVC_IVC_GET_SHARED_MEM_IPA).
func (r *Registry) SharedIPA(owner, peer uint16) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ipa, ok := r.shared[pairKey{owner, peer}]

	return ipa, ok
}
