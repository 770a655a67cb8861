// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package registry

import "github.com/kata-containers/vspc/internal/metrics"

// BeginVmotion implements spec.md §4.6's handle_vmotion_begin: it fails if
// uuid is unknown or the guest is already migrating; otherwise it records
// cookie against the guest and in the reverse-cookie index.
func (r *Registry) BeginVmotion(uuid string, cookie []byte) bool {
	r.mu.Lock()
	g, ok := r.guests[uuid]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	if !g.beginVmotion(cookie) {
		return false
	}

	r.mu.Lock()
	r.cookies[string(cookie)] = uuid
	metrics.ActiveMigrations.Set(float64(len(r.cookies)))
	r.mu.Unlock()
	return true
}

// PeerVmotion implements spec.md §4.6's handle_vmotion_peer: it resolves
// cookie to the migrating guest's UUID, or reports !ok if the cookie is
// unknown. The caller is responsible for binding the peer link's UUID and
// attaching it via EnsureGuest, matching the original's "act like we just
// learned the uuid" behavior.
func (r *Registry) PeerVmotion(cookie []byte) (uuid string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uuid, ok = r.cookies[string(cookie)]
	return uuid, ok
}

// CompleteVmotion implements spec.md §4.6's handle_vmotion_complete:
// clears the migration cookie from both the guest and the reverse index.
func (r *Registry) CompleteVmotion(uuid string) {
	r.mu.RLock()
	g, ok := r.guests[uuid]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if cookie := g.clearVmotion(); cookie != nil {
		r.mu.Lock()
		delete(r.cookies, string(cookie))
		metrics.ActiveMigrations.Set(float64(len(r.cookies)))
		r.mu.Unlock()
	}
}

// AbortVmotion implements spec.md §4.6's handle_vmotion_abort: identical
// cleanup to CompleteVmotion, left as a distinct entry point because the
// two are semantically different to callers (commit vs. rollback) even
// though the registry-side bookkeeping coincides.
func (r *Registry) AbortVmotion(uuid string) {
	r.CompleteVmotion(uuid)
}
