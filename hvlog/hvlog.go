// Diagnostic output
// https://github.com/usbarmory/hyperv
//
// Copyright (c) The Hyperv Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package hvlog is the hypervisor's own diagnostic output path (AMBIENT
// STACK "Logging"): print() before a console is live, a thin
// io.Writer-backed fmt.Fprintf wrapper once one is attached, grounded
// on the teacher's imx6/uart.go exposing an io.Writer rather than
// reaching for an external logging library.
package hvlog

import (
	"fmt"
	"io"
	"sync"
)

var (
	mu  sync.Mutex
	out io.Writer
)

// SetOutput attaches the writer diagnostic output is sent to once one
// is available (a UART, or a virtio-console pair's MVM-facing end).
// Before this is called, every call below falls back to print(),
// tamago's pre-heap, pre-scheduler primitive.
func SetOutput(w io.Writer) {
	mu.Lock()
	out = w
	mu.Unlock()
}

func write(level, format string, args ...interface{}) {
	msg := fmt.Sprintf("hyperv: "+level+": "+format+"\n", args...)

	mu.Lock()
	w := out
	mu.Unlock()

	if w == nil {
		print(msg)
		return
	}

	io.WriteString(w, msg)
}

// Warnf logs guest misbehavior (§7 "never crash the hypervisor"): a
// malformed descriptor chain, an out-of-range hypercall argument, a
// rejected image re-upload. The guest's request is still dropped or
// rejected by the caller; this only records that it happened.
func Warnf(format string, args ...interface{}) {
	write("warn", format, args...)
}

// Infof logs routine lifecycle events (VM creation/shutdown, device
// installation) at informational severity.
func Infof(format string, args ...interface{}) {
	write("info", format, args...)
}
