// Package vfs implements the mount table, path canonicalization, and the
// Filesystem interface every backend (ext2, tar) satisfies.
package vfs

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Canonicalize normalizes path into the form every mount-table lookup
// requires: starts with '/', no '.' components, no '..' components (each
// pops the previous component, clamped at the root), no empty components
// from repeated slashes, and no trailing slash unless the result is the
// root itself. Canonicalization happens before any mount-table matching,
// which is what stops a "../" from walking out of its mount.
//
// Each retained component is also NFC-normalized via
// golang.org/x/text/unicode/norm before comparison: ext2 and tar both
// store directory entry names as raw bytes, so two on-disk names that are
// canonically the same text but differ in combining-character
// decomposition (e.g. "é" as one codepoint vs. "e" + a combining acute)
// would otherwise compare unequal at the mount table.
func Canonicalize(path string) string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, c := range parts {
		switch c {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, norm.NFC.String(c))
		}
	}
	if len(out) == 0 {
		return "/"
	}
	return "/" + strings.Join(out, "/")
}
