// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package concentrator

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"

	"github.com/kata-containers/vspc/internal/registry"
)

// newDebugServer builds the operator-facing debug HTTP server: prometheus
// scrape endpoint plus a read-only JSON mirror of the admin protocol's
// guest listing, for operators who would rather curl than run the bundled
// admin client (SPEC_FULL.md's DOMAIN STACK entry for gorilla/mux).
func newDebugServer(reg *registry.Registry, promReg *prometheus.Registry) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/debug/guests", func(w http.ResponseWriter, req *http.Request) {
		guests := lo.Map(reg.List(), func(g registry.Info, _ int) map[string]any {
			row := map[string]any{"uuid": g.UUID, "name": g.Name}
			if g.Port != nil {
				row["port"] = *g.Port
			}
			return row
		})
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(guests)
	}).Methods(http.MethodGet)

	return &http.Server{Handler: r}
}
