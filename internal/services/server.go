package services

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/Rajchodisetti/cycle-coordinator/internal/model"
	"github.com/Rajchodisetti/cycle-coordinator/internal/observ"
)

// ServerOptions inject faults into a collaborator server
type ServerOptions struct {
	Latency  time.Duration // added to every request
	FailRate float64       // share of requests answered with 503
}

// NewServer exposes collaborators over the same JSON routes HTTPClient
// calls. Error kinds map back onto the status codes the client classifies.
func NewServer(c Collaborators, opts ServerOptions) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /health", observ.Health())

	handle(mux, "POST "+PathScan, opts, c.Scanner.Scan)
	handle(mux, "POST "+PathNews, opts, c.News.Sentiment)
	handle(mux, "POST "+PathPattern, opts, c.Patterns.Patterns)
	handle(mux, "POST "+PathTechnical, opts, c.Technical.Signals)
	handle(mux, "POST "+PathRisk, opts, c.Risk.Validate)
	handle(mux, "POST "+PathOrders, opts, c.Broker.Execute)
	handle(mux, "POST "+PathLiquidate, opts, c.Broker.LiquidateAll)

	mux.HandleFunc("GET "+PathPositions, func(w http.ResponseWriter, r *http.Request) {
		if injectFault(w, r, opts) {
			return
		}
		ps, err := c.Broker.OpenPositions(r.Context())
		if ps == nil {
			ps = []model.Position{}
		}
		respond(w, ps, err)
	})
	mux.HandleFunc("POST "+PathClosePosition, func(w http.ResponseWriter, r *http.Request) {
		if injectFault(w, r, opts) {
			return
		}
		p, err := c.Broker.ClosePosition(r.Context(), r.PathValue("id"))
		respond(w, p, err)
	})
	return mux
}

func handle[In, Out any](mux *http.ServeMux, pattern string, opts ServerOptions, fn func(context.Context, In) (Out, error)) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var in In
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}
		if injectFault(w, r, opts) {
			return
		}
		out, err := fn(r.Context(), in)
		respond(w, out, err)
	})
}

func injectFault(w http.ResponseWriter, r *http.Request, opts ServerOptions) bool {
	if opts.Latency > 0 {
		select {
		case <-time.After(opts.Latency):
		case <-r.Context().Done():
			return true
		}
	}
	if opts.FailRate > 0 && rand.Float64() < opts.FailRate {
		http.Error(w, "injected failure", http.StatusServiceUnavailable)
		return true
	}
	return false
}

func respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		code := http.StatusInternalServerError
		var se *ServiceError
		if errors.As(err, &se) {
			switch se.Kind {
			case KindRejected:
				code = http.StatusUnprocessableEntity
			case KindTransient:
				code = http.StatusServiceUnavailable
			case KindValidation:
				code = http.StatusBadGateway
			}
		}
		http.Error(w, err.Error(), code)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		observ.Warn("collaborator_response_write_failed", map[string]any{"error": err})
	}
}
