// Package httpapi is the thin HTTP surface over the dispatch gateway. It
// only decodes/encodes and calls into the core components; it holds no
// business logic of its own.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/luxfi/near-dispatch-gateway/internal/control"
	"github.com/luxfi/near-dispatch-gateway/internal/executor"
	"github.com/luxfi/near-dispatch-gateway/internal/gwerrors"
	"github.com/luxfi/near-dispatch-gateway/internal/ingress"
	"github.com/luxfi/near-dispatch-gateway/internal/telemetry"
	"github.com/luxfi/near-dispatch-gateway/internal/validation"
)

const maxBulkTransferItems = 1000

// Server wires the Ingress Queue, Control Plane, Metrics Engine and a
// direct-transfer path onto gorilla/mux routes.
type Server struct {
	queue  *ingress.Queue
	plane  *control.Plane
	engine *telemetry.Engine
	exec   *executor.Executor
	log    log.Logger

	// admission is a request-shedding hint for the two enqueue routes: it
	// caps accepted requests to roughly queueConcurrency/sec so a spike
	// fails fast with QUEUE_FULL instead of piling up behind the Ingress
	// Queue's own capacity check.
	admission *rate.Limiter

	router *mux.Router
}

// New builds a Server and registers its routes. queueConcurrency configures
// the admission limiter; values <= 0 disable shedding.
func New(queue *ingress.Queue, plane *control.Plane, engine *telemetry.Engine, exec *executor.Executor, queueConcurrency int) *Server {
	var limiter *rate.Limiter
	if queueConcurrency > 0 {
		limiter = rate.NewLimiter(rate.Limit(queueConcurrency), queueConcurrency)
	}
	s := &Server{
		queue:     queue,
		plane:     plane,
		engine:    engine,
		exec:      exec,
		log:       log.New("component", "httpapi"),
		admission: limiter,
		router:    mux.NewRouter(),
	}
	s.router.HandleFunc("/transfer", s.handleTransfer).Methods(http.MethodPost)
	s.router.HandleFunc("/bulk-transfer", s.handleBulkTransfer).Methods(http.MethodPost)
	s.router.HandleFunc("/direct-transfer", s.handleDirectTransfer).Methods(http.MethodPost)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/bounty-status", s.handleBountyStatus).Methods(http.MethodGet)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// shed reports whether the admission limiter is shedding this request.
func (s *Server) shed() bool {
	return s.admission != nil && !s.admission.Allow()
}

type transferBody struct {
	ReceiverID string  `json:"receiverId"`
	Amount     string  `json:"amount"`
	Memo       string  `json:"memo,omitempty"`
	Priority   float64 `json:"priority,omitempty"`
}

// validateTransfer enforces the gateway's request-validation contract.
func validateTransfer(b transferBody) error {
	if err := validation.ReceiverID(b.ReceiverID); err != nil {
		return err
	}
	if err := validation.Amount(b.Amount); err != nil {
		return err
	}
	if err := validation.Memo(b.Memo); err != nil {
		return err
	}
	return validation.Priority(b.Priority)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if s.shed() {
		writeError(w, gwerrors.New(gwerrors.QueueFull, "admission rate exceeded"))
		return
	}
	var body transferBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, gwerrors.New(gwerrors.Validation, "malformed JSON body"))
		return
	}
	if err := validateTransfer(body); err != nil {
		writeError(w, err)
		return
	}
	qt, err := s.queue.Enqueue(ingress.TransferRequest{
		ReceiverID: body.ReceiverID,
		Amount:     body.Amount,
		Memo:       body.Memo,
	}, body.Priority)
	if err != nil {
		writeError(w, err)
		return
	}
	s.engine.RecordEnqueued()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "queueId": qt.ID})
}

type bulkTransferBody struct {
	Transfers []transferBody `json:"transfers"`
	Priority  float64        `json:"priority,omitempty"`
	BatchID   string         `json:"batchId,omitempty"`
}

type bulkItemResult struct {
	QueueID string `json:"queueId,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleBulkTransfer(w http.ResponseWriter, r *http.Request) {
	if s.shed() {
		writeError(w, gwerrors.New(gwerrors.QueueFull, "admission rate exceeded"))
		return
	}
	var body bulkTransferBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, gwerrors.New(gwerrors.Validation, "malformed JSON body"))
		return
	}
	if len(body.Transfers) > maxBulkTransferItems {
		writeError(w, gwerrors.New(gwerrors.Validation, "bulk-transfer exceeds 1000 items"))
		return
	}

	results := make([]bulkItemResult, len(body.Transfers))
	for i, t := range body.Transfers {
		priority := t.Priority
		if priority == 0 {
			priority = body.Priority
		}
		t.Priority = priority
		if err := validateTransfer(t); err != nil {
			results[i] = bulkItemResult{Error: string(gwerrors.KindOf(err))}
			continue
		}
		qt, err := s.queue.Enqueue(ingress.TransferRequest{
			ReceiverID: t.ReceiverID,
			Amount:     t.Amount,
			Memo:       t.Memo,
		}, priority)
		if err != nil {
			results[i] = bulkItemResult{Error: string(gwerrors.KindOf(err))}
			continue
		}
		s.engine.RecordEnqueued()
		results[i] = bulkItemResult{QueueID: qt.ID}
	}
	writeJSON(w, http.StatusOK, map[string]any{"batchId": body.BatchID, "results": results})
}

// handleDirectTransfer is a best-effort low-latency path: it still flows
// through TE's semaphore and records the same metrics, but it skips BC's
// timer and is dispatched as a single-item batch immediately.
func (s *Server) handleDirectTransfer(w http.ResponseWriter, r *http.Request) {
	var body transferBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, gwerrors.New(gwerrors.Validation, "malformed JSON body"))
		return
	}
	if err := validateTransfer(body); err != nil {
		writeError(w, err)
		return
	}
	qt, err := s.queue.Enqueue(ingress.TransferRequest{
		ReceiverID: body.ReceiverID,
		Amount:     body.Amount,
		Memo:       body.Memo,
	}, body.Priority)
	if err != nil {
		writeError(w, err)
		return
	}
	s.engine.RecordEnqueued()
	drained := s.queue.Drain(1)
	if len(drained) == 0 || drained[0].ID != qt.ID {
		// another drainer (BC) won the race for this item; fall back to a
		// synchronous single-item run anyway.
		drained = []*ingress.QueuedTransfer{qt}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	outcomes := s.exec.RunBatch(ctx, drained)
	o := outcomes[0]
	if !o.Success {
		writeError(w, o.Err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactionHash": o.Hash})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.plane.HealthCheck()
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy": report.Healthy,
		"details": map[string]any{
			"state":        report.State,
			"activeKeys":   report.ActiveKeys,
			"lastProbeAge": report.LastProbeAge.String(),
		},
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"current":    s.engine.CurrentTPS(),
		"windowed":   s.engine.ProcessingTime(),
		"compliance": s.engine.Compliant(),
		"totals":     s.engine.Totals(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"lifecycle":  s.plane.State(),
		"queueDepth": s.queue.Size(),
		"totals":     s.engine.Totals(),
	})
}

func (s *Server) handleBountyStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"currentTps":           s.engine.CurrentTPS(),
		"sustained100Tps10Min": s.engine.Sustained100Tps10min(),
		"successRate":          s.engine.SuccessRate(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the gateway's user-visible failure envelope.
func writeError(w http.ResponseWriter, err error) {
	kind := gwerrors.KindOf(err)
	writeJSON(w, gwerrors.HTTPStatus(kind), map[string]any{
		"success":   false,
		"error":     kind,
		"details":   err.Error(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
