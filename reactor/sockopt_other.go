// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !unix

package reactor

import "syscall"

func udpControl(_, _ string, _ syscall.RawConn) error { return nil }

func tcpControl(_, _ string, _ syscall.RawConn) error { return nil }
