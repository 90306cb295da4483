// Copyright 2025 Certen Protocol
//
// Package server exposes the chain's HTTP ingress surface: submitting
// transactions, triggering block production, and querying chain height and
// device records.
package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/thesischain/keydirectory/pkg/chain"
	"github.com/thesischain/keydirectory/pkg/chainerr"
	"github.com/thesischain/keydirectory/pkg/metrics"
	"github.com/thesischain/keydirectory/pkg/types"
)

// TransactionSink accepts a validated transaction for inclusion, either by
// handing it to a P2P node's mempool (networked deployment) or by buffering
// it in a local mempool until /mine packs it into a block (standalone
// deployment).
type TransactionSink interface {
	SubmitTransaction(tx types.SignedTransaction) error
}

// Handlers holds everything the HTTP handlers need: the shared chain (guarded
// by Mu) and the sink that transactions are handed off to.
type Handlers struct {
	Mu    *sync.RWMutex
	Chain *chain.Chain
	Sink  TransactionSink

	// Miner, when non-nil, lets /mine assemble and append a block locally
	// instead of relying on a P2P node's own production ticker. Standalone
	// deployments (no P2P layer) set this; networked ones leave it nil and
	// rely on the node's ticker.
	Miner func() error
}

// NewHandlers builds a Handlers bound to the given chain and sink.
func NewHandlers(mu *sync.RWMutex, c *chain.Chain, sink TransactionSink) *Handlers {
	return &Handlers{Mu: mu, Chain: c, Sink: sink}
}

// Mux builds the HTTP routing table.
func (h *Handlers) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/tx", withMetrics("tx", h.HandleSubmitTransaction))
	mux.HandleFunc("/mine", withMetrics("mine", h.HandleMine))
	mux.HandleFunc("/height", withMetrics("height", h.HandleHeight))
	mux.HandleFunc("/device/", withMetrics("device", h.HandleGetDevice))
	mux.HandleFunc("/user/", withMetrics("user", h.HandleGetUserDevices))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// statusRecorder captures the status code a handler wrote, since
// http.ResponseWriter itself exposes no way to read it back.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func withMetrics(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		class := "2xx"
		switch {
		case rec.status >= 500:
			class = "5xx"
		case rec.status >= 400:
			class = "4xx"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, class).Inc()
	}
}

// HandleSubmitTransaction handles POST /tx: accepts a signed transaction and
// hands it to the configured sink.
func (h *Handlers) HandleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var tx types.SignedTransaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.Sink.SubmitTransaction(tx); err != nil {
		writeJSONError(w, err.Error(), statusForChainError(err))
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// HandleMine handles POST /mine: in standalone deployments, assembles and
// appends a block from the current mempool immediately rather than waiting
// for the production ticker.
func (h *Handlers) HandleMine(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Miner == nil {
		writeJSONError(w, "this node does not support on-demand mining", http.StatusNotImplemented)
		return
	}
	if err := h.Miner(); err != nil {
		writeJSONError(w, err.Error(), statusForChainError(err))
		return
	}

	h.Mu.RLock()
	height := h.Chain.Height()
	h.Mu.RUnlock()

	json.NewEncoder(w).Encode(map[string]uint64{"height": height})
}

// HandleHeight handles GET /height.
func (h *Handlers) HandleHeight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.Mu.RLock()
	height := h.Chain.Height()
	h.Mu.RUnlock()

	json.NewEncoder(w).Encode(map[string]uint64{"height": height})
}

// HandleGetDevice handles GET /device/{device_id}.
func (h *Handlers) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/device/")
	if path == "" || path == r.URL.Path {
		writeJSONError(w, "device id required", http.StatusBadRequest)
		return
	}
	deviceID, err := uuid.Parse(path)
	if err != nil {
		writeJSONError(w, "invalid device id", http.StatusBadRequest)
		return
	}

	h.Mu.RLock()
	rec, ok := h.Chain.State().GetDevice(deviceID)
	h.Mu.RUnlock()

	if !ok {
		writeJSONError(w, "device not found", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(rec)
}

// HandleGetUserDevices handles GET /user/{user_id}/devices.
func (h *Handlers) HandleGetUserDevices(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/user/")
	path = strings.TrimSuffix(path, "/devices")
	if path == "" || path == r.URL.Path {
		writeJSONError(w, "user id required", http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(path)
	if err != nil {
		writeJSONError(w, "invalid user id", http.StatusBadRequest)
		return
	}

	h.Mu.RLock()
	devices := h.Chain.State().GetUserDevices(userID)
	h.Mu.RUnlock()

	json.NewEncoder(w).Encode(devices)
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// statusForChainError maps the chain's error taxonomy onto HTTP status
// codes: validation failures are client errors, everything else is a
// server error.
func statusForChainError(err error) int {
	ce, ok := err.(*chainerr.ChainError)
	if !ok {
		return http.StatusInternalServerError
	}
	switch ce.Kind {
	case chainerr.ErrSerialization:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
