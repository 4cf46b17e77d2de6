// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reactor

import (
	"errors"
	"fmt"
)

// ErrUnsupportedScheme is returned by Register for URIs other than udp:// and tcp://
var ErrUnsupportedScheme = errors.New("reactor: unsupported scheme")

// TransportError reports a socket failure. A handler returning one tears
// its key down.
type TransportError struct {
	Op   string // "read", "write", "accept", "connect", "bind"
	Addr string // Address involved, if known
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("reactor: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("reactor: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err wraps a TransportError
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
