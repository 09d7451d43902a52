package ingress

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ticketarc/ticketarc/internal/tms"
)

// Job is the unit of work handed to the Scheduler after ingress accepts a
// webhook delivery.
type Job struct {
	TicketID   int64
	RequestID  string
	DeliveryID string
	// SkipDeliveryDedup is set for /retry requests, which bypass delivery-id
	// dedup.
	SkipDeliveryDedup bool
}

// ErrShuttingDown is returned by Scheduler.Submit when the dispatcher is
// draining and refuses new work.
var ErrShuttingDown = errors.New("ingress: shutting down")

// Scheduler is the single interface the router depends on; both
// dispatcher implementations (in-process pool, external queue) satisfy it.
type Scheduler interface {
	Submit(job Job) error
}

// InFlightStatus reports process-local in-flight state for the /jobs
// endpoints.
type InFlightStatus interface {
	IsBusy(ticketID int64) bool
	InFlightIDs() []int64
}

// Config bundles what the router needs to build the full HTTP surface.
type Config struct {
	Scheduler   Scheduler
	InFlight    InFlightStatus
	HMAC        HMACConfig
	BodyMaxBytes int64
	RateLimitRPS float64
	RateLimitBurst int
	RateLimitKey KeyFunc
	RequireDeliveryID bool
	ServiceName    string
	ServiceVersion string
	OmitVersionInHealthz bool
	ShuttingDown func() bool
	MetricsBearerToken string
}

// NewRouter builds the full chi router. Recoverer and request-id apply to
// every route; the ingest routes then add, in this order, the body-size
// limit, rate limit, HMAC verify and delivery-id requirement (optional).
// The /retry, /jobs, /healthz and /metrics routes get none of those four.
func NewRouter(cfg Config) *chi.Mux {
	r := chi.NewRouter()
	r.Use(Recoverer)
	r.Use(RequestID)

	bodyLimit := cfg.BodyMaxBytes
	if bodyLimit <= 0 {
		bodyLimit = 1 << 20 // 1 MiB default
	}
	keyFn := cfg.RateLimitKey
	if keyFn == nil {
		keyFn = RemoteAddrKey
	}

	r.Group(func(r chi.Router) {
		r.Use(BodySizeLimit(bodyLimit))
		r.Use(RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst, keyFn))
		r.Use(HMACVerify(cfg.HMAC))
		r.Use(DeliveryIDRequired(cfg.RequireDeliveryID))

		r.Post("/ingest", handleIngest(cfg))
		r.Post("/ingest/batch", handleIngestBatch(cfg))
	})

	r.Post("/retry/{ticket_id}", handleRetry(cfg))
	r.Get("/jobs/{ticket_id}", handleJobStatus(cfg))
	r.Get("/jobs", handleJobsList(cfg))
	r.Get("/healthz", handleHealthz(cfg))

	metricsHandler := promhttp.Handler()
	r.Get("/metrics", handleMetrics(cfg, metricsHandler))

	return r
}

type ingestBody struct {
	Ticket struct {
		ID any `json:"id"`
	} `json:"ticket"`
	TicketID any `json:"ticket_id"`
}

func extractRawTicketID(b ingestBody) any {
	if b.Ticket.ID != nil {
		return b.Ticket.ID
	}
	return b.TicketID
}

func handleIngest(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.ShuttingDown != nil && cfg.ShuttingDown() {
			writeDetail(w, http.StatusServiceUnavailable, "shutting_down")
			return
		}

		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeDetail(w, http.StatusForbidden, "forbidden")
			return
		}

		var body ingestBody
		if err := json.Unmarshal(data, &body); err != nil {
			writeDetail(w, http.StatusUnprocessableEntity, "invalid_body")
			return
		}

		ticketID, err := tms.ParseTicketID(extractRawTicketID(body))
		if err != nil {
			writeDetail(w, http.StatusUnprocessableEntity, "invalid_ticket_id")
			return
		}

		job := Job{
			TicketID:   ticketID,
			RequestID:  RequestIDFromContext(r.Context()),
			DeliveryID: DeliveryIDFromContext(r.Context()),
		}

		if err := cfg.Scheduler.Submit(job); err != nil {
			writeDetail(w, http.StatusServiceUnavailable, "shutting_down")
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "ticket_id": ticketID})
	}
}

func handleIngestBatch(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.ShuttingDown != nil && cfg.ShuttingDown() {
			writeDetail(w, http.StatusServiceUnavailable, "shutting_down")
			return
		}

		data, err := io.ReadAll(r.Body)
		if err != nil {
			writeDetail(w, http.StatusForbidden, "forbidden")
			return
		}

		var items []ingestBody
		if err := json.Unmarshal(data, &items); err != nil {
			writeDetail(w, http.StatusUnprocessableEntity, "invalid_body")
			return
		}

		requestID := RequestIDFromContext(r.Context())
		deliveryID := DeliveryIDFromContext(r.Context())

		accepted := 0
		for _, item := range items {
			ticketID, err := tms.ParseTicketID(extractRawTicketID(item))
			if err != nil {
				continue
			}
			job := Job{TicketID: ticketID, RequestID: requestID, DeliveryID: deliveryID}
			if err := cfg.Scheduler.Submit(job); err == nil {
				accepted++
			}
		}

		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "count": accepted})
	}
}

func handleRetry(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := chi.URLParam(r, "ticket_id")
		ticketID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ticketID <= 0 {
			writeDetail(w, http.StatusUnprocessableEntity, "invalid_ticket_id")
			return
		}

		job := Job{
			TicketID:          ticketID,
			RequestID:         RequestIDFromContext(r.Context()),
			SkipDeliveryDedup: true,
		}
		if err := cfg.Scheduler.Submit(job); err != nil {
			writeDetail(w, http.StatusServiceUnavailable, "shutting_down")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "ticket_id": ticketID})
	}
}

func handleJobStatus(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := chi.URLParam(r, "ticket_id")
		ticketID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeDetail(w, http.StatusUnprocessableEntity, "invalid_ticket_id")
			return
		}
		shuttingDown := cfg.ShuttingDown != nil && cfg.ShuttingDown()
		writeJSON(w, http.StatusOK, map[string]any{
			"ticket_id":     ticketID,
			"in_flight":     cfg.InFlight.IsBusy(ticketID),
			"shutting_down": shuttingDown,
		})
	}
}

func handleJobsList(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"in_flight_ticket_ids": cfg.InFlight.InFlightIDs(),
		})
	}
}

func handleHealthz(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"status":  "ok",
			"service": cfg.ServiceName,
			"time":    time.Now().UTC().Format(time.RFC3339),
		}
		if !cfg.OmitVersionInHealthz {
			resp["version"] = cfg.ServiceVersion
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleMetrics(cfg Config, next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.MetricsBearerToken != "" {
			if r.Header.Get("Authorization") != "Bearer "+cfg.MetricsBearerToken {
				writeDetail(w, http.StatusForbidden, "forbidden")
				return
			}
		}
		next.ServeHTTP(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
