// Inter-processor message bus
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ipi implements the typed, queued inter-processor message bus
// (§4.F): a per-pCPU mailbox drained by the physical SGI handler and
// dispatched to a type-registered handler.
//
// No teacher Go file has an equivalent (tamago targets single-core
// boards), so the mailbox shape follows the pack's general style for
// hardware-adjacent shared state: a small struct guarded by a plain
// `sync.Mutex`, not a channel — channels imply a goroutine on the
// receiving end ready to select on them, which has no meaning for a
// physical core that only drains its mailbox synchronously from the
// SGI vector path.
package ipi

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// IRQ_IPI is the SGI used as the physical transport for every message
// type; the vGIC and scheduler reserve it ahead of any guest-visible
// SGI (§4.F "the bus is backed by a small set of reserved SGIs").
const IRQ_IPI = 0

// Type tags an IPI payload (§3 "IPI message ... Tagged").
type Type uint8

const (
	Intc Type = iota
	Power
	Hvc
	Vmm
	MediatedDev
	MediatedNotify
	IntInject
	EthernetMsg
)

func (t Type) String() string {
	switch t {
	case Intc:
		return "Intc"
	case Power:
		return "Power"
	case Hvc:
		return "Hvc"
	case Vmm:
		return "Vmm"
	case MediatedDev:
		return "MediatedDev"
	case MediatedNotify:
		return "MediatedNotify"
	case IntInject:
		return "IntInject"
	case EthernetMsg:
		return "EthernetMsg"
	default:
		return "unknown"
	}
}

// Message is a POD cross-core payload (§3 "sized to cross cores without
// further allocation"). The four generic fields are interpreted
// according to Type; see the per-subsystem constructors in package sched,
// vgic, vm and mediated.
type Message struct {
	Type   Type
	Source int
	A, B, C, D uint64
}

// Handler processes a delivered message on the receiving pCPU.
type Handler func(Message)

// mailbox is a per-pCPU FIFO of pending messages.
type mailbox struct {
	mu    sync.Mutex
	queue []Message
}

func (m *mailbox) push(msg Message) {
	m.mu.Lock()
	m.queue = append(m.queue, msg)
	m.mu.Unlock()
}

func (m *mailbox) drain() []Message {
	m.mu.Lock()
	msgs := m.queue
	m.queue = nil
	m.mu.Unlock()

	return msgs
}

// SGISender physically raises IRQ_IPI against a target pCPU mask; it is
// satisfied by *gic.GIC in production and may be swapped for a fake in
// tests.
type SGISender interface {
	SendSGI(id int, targetList uint8)
}

// Bus is the inter-processor message bus: one mailbox per pCPU plus a
// registry of type-keyed handlers (§4.F).
type Bus struct {
	mu        sync.Mutex
	mailboxes []*mailbox
	handlers  map[Type]Handler
	sender    SGISender
	delivered uint64
}

// NewBus creates a bus over numCPUs physical cores.
func NewBus(numCPUs int, sender SGISender) *Bus {
	b := &Bus{
		mailboxes: make([]*mailbox, numCPUs),
		handlers:  make(map[Type]Handler),
		sender:    sender,
	}

	for i := range b.mailboxes {
		b.mailboxes[i] = &mailbox{}
	}

	return b
}

// Register installs the handler for a message type. Registration is
// only ever valid at init (§9 "registration is only allowed at init");
// a double registration is a programming invariant violation.
func (b *Bus) Register(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[t]; exists {
		panic(fmt.Sprintf("ipi: handler already registered for %s", t))
	}

	b.handlers[t] = h
}

// Send enqueues msg on target's mailbox and physically raises IRQ_IPI
// against it. Delivery is reliable: the mailbox grows as needed and is
// never dropped (§4.F).
func (b *Bus) Send(target int, msg Message) {
	b.mailboxes[target].push(msg)
	atomic.AddUint64(&b.delivered, 1)
	b.sender.SendSGI(IRQ_IPI, 1<<uint(target))
}

// Delivered returns the running count of messages enqueued through
// Send (and therefore Broadcast, which calls it per target), for the
// management /stats page.
func (b *Bus) Delivered() uint64 {
	return atomic.LoadUint64(&b.delivered)
}

// Broadcast sends msg to every pCPU other than source.
func (b *Bus) Broadcast(source int, msg Message) {
	for i := range b.mailboxes {
		if i == source {
			continue
		}

		b.Send(i, msg)
	}
}

// Drain is invoked from the IRQ_IPI vector path on pCPU id: it empties
// that core's mailbox and dispatches each message to its registered
// handler, in FIFO order.
func (b *Bus) Drain(id int) {
	for _, msg := range b.mailboxes[id].drain() {
		b.mu.Lock()
		h, ok := b.handlers[msg.Type]
		b.mu.Unlock()

		if !ok {
			panic(fmt.Sprintf("ipi: no handler registered for %s", msg.Type))
		}

		h(msg)
	}
}
