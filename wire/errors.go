// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

import "fmt"

// FormatError reports malformed frame bytes. The frame is dropped by the
// receiver; it is never fatal.
type FormatError struct {
	Reason string // What was wrong with the frame
	Len    int    // Number of bytes that were offered to the decoder
	Err    error  // Underlying payload decode error, if any
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wire: malformed frame (%d bytes): %s: %v", e.Len, e.Reason, e.Err)
	}
	return fmt.Sprintf("wire: malformed frame (%d bytes): %s", e.Len, e.Reason)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

func formatError(n int, format string, args ...interface{}) *FormatError {
	return &FormatError{Reason: fmt.Sprintf(format, args...), Len: n}
}
