// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// PrivatePrefix marks single-subscriber inbox groups
const PrivatePrefix = "PRIVATE."

const (
	groupSeparator = "."
	groupWildcard  = "*"
)

// CanonicalGroup normalizes a group name so that names differing only in
// Unicode composition or case compare equal.
func CanonicalGroup(name string) string {
	name = norm.NFC.String(strings.TrimSpace(name))
	return cases.Fold().String(name)
}

// IsPrivateGroup reports whether name is an inbox group
func IsPrivateGroup(name string) bool {
	return strings.HasPrefix(CanonicalGroup(name), privatePrefixFolded)
}

var privatePrefixFolded = cases.Fold().String(PrivatePrefix)

// NewPrivateGroupName generates a fresh inbox group name
func NewPrivateGroupName() string {
	return PrivatePrefix + uuid.NewString()
}

// groupPattern is a parsed subscription. Segments are compared after
// canonicalization; "*" matches any single segment and a pattern matches
// names that extend it with more segments. Private patterns match exactly.
type groupPattern struct {
	name     string   // Canonical form
	segments []string // Split on "."
	private  bool
}

func parseGroupPattern(name string) (groupPattern, bool) {
	canon := CanonicalGroup(name)
	if canon == "" {
		return groupPattern{}, false
	}
	segments := strings.Split(canon, groupSeparator)
	for _, s := range segments {
		if s == "" {
			return groupPattern{}, false
		}
	}
	return groupPattern{
		name:     canon,
		segments: segments,
		private:  strings.HasPrefix(canon, privatePrefixFolded),
	}, true
}

// matches takes a canonical group name
func (g groupPattern) matches(name string) bool {
	if g.private {
		return name == g.name
	}
	// Inboxes are only reachable through their exact private pattern.
	if strings.HasPrefix(name, privatePrefixFolded) {
		return false
	}

	segments := strings.Split(name, groupSeparator)
	if len(segments) < len(g.segments) {
		return false
	}
	for i, s := range g.segments {
		if s != groupWildcard && s != segments[i] {
			return false
		}
	}
	return true
}
