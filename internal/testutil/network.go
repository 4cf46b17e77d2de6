// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package testutil holds helpers shared by the package tests: free ports on
// loopback, an in-memory broadcast segment and polling helpers.
package testutil

import (
	"fmt"
	"net"
)

// GetAvailablePort returns a loopback TCP port nothing listens on
func GetAvailablePort() (int, error) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find a free tcp port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// GetUDPPort returns a loopback UDP port nothing is bound to
func GetUDPPort() (int, error) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find a free udp port: %w", err)
	}
	defer pc.Close()
	return pc.LocalAddr().(*net.UDPAddr).Port, nil
}

// GetTestEndpoint returns a reactor URI ("udp://" or "tcp://") on a free
// loopback port
func GetTestEndpoint(scheme string) (string, error) {
	var (
		port int
		err  error
	)
	switch scheme {
	case "udp":
		port, err = GetUDPPort()
	case "tcp":
		port, err = GetAvailablePort()
	default:
		return "", fmt.Errorf("unsupported scheme %q", scheme)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s://127.0.0.1:%d", scheme, port), nil
}
