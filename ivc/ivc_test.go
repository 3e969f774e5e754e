// Inter-VM shared-memory message queues
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ivc

import "testing"

func TestSendRecvFIFOOrder(t *testing.T) {
	r := NewRegistry()

	r.Send(1, 2, []byte("first"))
	r.Send(1, 2, []byte("second"))

	msgs := r.Recv(1, 2)

	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}

	if string(msgs[0].Data) != "first" || string(msgs[1].Data) != "second" {
		t.Fatalf("expected FIFO order, got %q then %q", msgs[0].Data, msgs[1].Data)
	}

	if more := r.Recv(1, 2); len(more) != 0 {
		t.Fatalf("expected queue drained after Recv, got %d", len(more))
	}
}

func TestSendRejectsWhenQueueFull(t *testing.T) {
	r := NewRegistry()
	r.UpdateQueue(1, 2, 2)

	if err := r.Send(1, 2, []byte("a")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := r.Send(1, 2, []byte("b")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := r.Send(1, 2, []byte("c")); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestBroadcastSkipsFullPeerWithoutAbortingOthers(t *testing.T) {
	r := NewRegistry()
	r.UpdateQueue(1, 2, 1)
	r.Send(1, 2, []byte("fills the queue"))

	r.Broadcast(1, []uint16{2, 3}, []byte("hello"))

	if msgs := r.Recv(1, 3); len(msgs) != 1 {
		t.Fatalf("expected peer 3 to receive the broadcast, got %d messages", len(msgs))
	}

	if msgs := r.Recv(1, 2); len(msgs) != 1 || string(msgs[0].Data) != "fills the queue" {
		t.Fatalf("expected peer 2's full queue to be left untouched by the broadcast")
	}
}

func TestKeepAliveReportsPreviousTick(t *testing.T) {
	tick := uint64(0)
	r := NewRegistry()
	r.Clock = func() uint64 { return tick }

	r.InitKeepAlive(1, 2)

	tick = 5
	last := r.KeepAlive(1, 2)

	if last != 0 {
		t.Fatalf("expected first KeepAlive to report the InitKeepAlive tick 0, got %d", last)
	}

	tick = 9
	last = r.KeepAlive(1, 2)

	if last != 5 {
		t.Fatalf("expected second KeepAlive to report the previous tick 5, got %d", last)
	}
}

func TestShareMemRoundTrip(t *testing.T) {
	r := NewRegistry()

	if _, ok := r.SharedIPA(1, 2); ok {
		t.Fatalf("expected no shared region before ShareMem")
	}

	r.ShareMem(1, 2, 0x9000)

	ipa, ok := r.SharedIPA(1, 2)
	if !ok || ipa != 0x9000 {
		t.Fatalf("expected shared ipa 0x9000, got %#x ok=%v", ipa, ok)
	}
}
