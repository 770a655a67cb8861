// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package session

import "github.com/kata-containers/vspc/internal/adminproto"

// EvaluateLock implements spec.md §4.7's lock policy matrix: given the
// lock modes already held by a guest's attached subscribers and a newly
// requested mode, it reports the mode that would actually be applied, whether
// the attachment is read-only as a result, and whether the attach is
// admissible at all.
//
//   - EXCLUSIVE: writer; requires zero other subscribers.
//   - WRITE: writer; coexists with FFA/FFAR readers but not with another
//     WRITE or EXCLUSIVE.
//   - FFA: writer; coexists with other FFA holders, but not an EXCLUSIVE
//     holder.
//   - FFAR: writer if no EXCLUSIVE holds; otherwise downgraded to
//     read-only (never refused).
func EvaluateLock(existing []string, requested adminproto.LockMode) (applied adminproto.LockMode, readOnly bool, ok bool) {
	hasExclusive := false
	hasWrite := false
	for _, m := range existing {
		switch adminproto.LockMode(m) {
		case adminproto.Exclusive:
			hasExclusive = true
		case adminproto.Write:
			hasWrite = true
		}
	}

	switch requested {
	case adminproto.Exclusive:
		if len(existing) > 0 {
			return "", false, false
		}
		return adminproto.Exclusive, false, true
	case adminproto.Write:
		if hasWrite || hasExclusive {
			return "", false, false
		}
		return adminproto.Write, false, true
	case adminproto.FFA:
		if hasExclusive {
			return "", false, false
		}
		return adminproto.FFA, false, true
	case adminproto.FFAR:
		if hasExclusive {
			return adminproto.FFAR, true, true
		}
		return adminproto.FFAR, false, true
	default:
		return "", false, false
	}
}

// validModes is consulted to distinguish LOCK_BAD (an unrecognized mode
// string) from LOCK_FAILED (a recognized mode that conflicts).
var validModes = map[adminproto.LockMode]bool{
	adminproto.Exclusive: true,
	adminproto.Write:     true,
	adminproto.FFA:       true,
	adminproto.FFAR:      true,
}
