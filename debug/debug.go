// Copyright 2023 Kami
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package debug mounts a read-only inspection endpoint over a running
// reactor.TcpServer. It plays the role the adapter/http.go chi.Router
// played in the original service layer, repurposed here since this
// package's own TCP path carries no HTTP traffic of its own.
package debug

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi"

	"github.com/govoltron/reactor"
)

// Stater is satisfied by *reactor.TcpServer.
type Stater interface {
	Stats() []reactor.WorkerStats
}

// Router builds a chi.Router exposing srv's per-worker connection counts
// at /debug/reactor/stats. Callers mount it on whatever net/http server
// already serves their process's other debug or health routes.
func Router(srv Stater) chi.Router {
	r := chi.NewRouter()
	r.Get("/debug/reactor/stats", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(srv.Stats())
	})
	return r
}

// ListenAndServe is a convenience wrapper for standalone use: it starts a
// dedicated net/http server for the inspection endpoint on addr. It does
// not block the caller's reactor event loops, since net/http runs its
// own goroutine-per-connection model independent of this package's
// single-threaded-per-loop design.
func ListenAndServe(addr string, srv Stater) error {
	return http.ListenAndServe(addr, Router(srv))
}
