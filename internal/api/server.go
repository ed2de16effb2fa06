package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/clima/internal/models"
	"github.com/lox/clima/internal/pipeline"
	"github.com/lox/clima/internal/store"
)

type Server struct {
	store      *store.Store
	port       string
	clock      clockwork.Clock
	staleAfter time.Duration
	extendSky  bool

	mu         sync.RWMutex
	lastResult *pipeline.Result
}

type Option func(*Server)

func WithClock(c clockwork.Clock) Option { return func(s *Server) { s.clock = c } }

// WithStaleAfter sets how old a station's newest observation may be before
// /health reports it stale.
func WithStaleAfter(d time.Duration) Option { return func(s *Server) { s.staleAfter = d } }

// WithExtendSkyCodes makes POST /observations add unseen sky conditions to
// the code table, as the ingest flow does.
func WithExtendSkyCodes(extend bool) Option { return func(s *Server) { s.extendSky = extend } }

func NewServer(store *store.Store, port string, opts ...Option) *Server {
	s := &Server{
		store:      store,
		port:       port,
		clock:      clockwork.NewRealClock(),
		staleAfter: 2 * time.Hour,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Publish records the latest retrain result for /health. It satisfies
// pipeline.Publisher.
func (s *Server) Publish(ctx context.Context, r pipeline.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastResult = &r
	return nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /observations", s.handleGetObservations)
	mux.HandleFunc("POST /observations", s.handlePostObservations)
	mux.HandleFunc("GET /forecasts", s.handleGetForecasts)
	mux.HandleFunc("POST /forecasts", s.handlePostForecasts)
	mux.HandleFunc("GET /predictions", s.handlePredictions)
	mux.HandleFunc("GET /runs", s.handleRuns)
	mux.HandleFunc("GET /distributions", s.handleGetDistribution)
	mux.HandleFunc("POST /distributions", s.handlePostDistribution)
	mux.HandleFunc("GET /features", s.handleFeatures)
	mux.HandleFunc("GET /models", s.handleModels)
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

type HealthStatus struct {
	Status       string          `json:"status"`
	Stations     []StationHealth `json:"stations"`
	Ingest       []IngestHealth  `json:"ingest,omitempty"`
	RecentErrors []IngestError   `json:"recent_errors,omitempty"`
	LastRetrain  *RetrainHealth  `json:"last_retrain,omitempty"`
	Errors       []string        `json:"errors,omitempty"`
}

type StationHealth struct {
	StationID  string    `json:"station_id"`
	LastSeen   time.Time `json:"last_seen"`
	AgeMinutes int       `json:"age_minutes"`
	Stale      bool      `json:"stale"`
}

type IngestHealth struct {
	Date        string `json:"date"`
	Source      string `json:"source"`
	Endpoint    string `json:"endpoint"`
	TotalRuns   int    `json:"total_runs"`
	FailedRuns  int    `json:"failed_runs"`
	Records     int64  `json:"records"`
	ParseErrors int64  `json:"parse_errors"`
}

type IngestError struct {
	StartedAt time.Time `json:"started_at"`
	Source    string    `json:"source"`
	Endpoint  string    `json:"endpoint"`
	Status    int64     `json:"http_status,omitempty"`
	Error     string    `json:"error"`
}

type RetrainHealth struct {
	RunID       string           `json:"run_id"`
	Status      models.RunStatus `json:"status"`
	Drifted     *bool            `json:"drifted,omitempty"`
	Retrained   []string         `json:"retrained,omitempty"`
	Predictions int              `json:"predictions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "error": err.Error()})
		return
	}

	health := HealthStatus{Status: "ok", Stations: []StationHealth{}}

	stations, err := s.store.GetActiveStations(ctx)
	if err != nil {
		health.Errors = append(health.Errors, "stations: "+err.Error())
	}
	now := s.clock.Now()
	for _, st := range stations {
		latest, err := s.store.GetObservations(ctx, store.ObservationFilter{StationID: st.StationID, Limit: 1})
		if err != nil {
			health.Errors = append(health.Errors, st.StationID+": "+err.Error())
			continue
		}
		sh := StationHealth{StationID: st.StationID, Stale: true, AgeMinutes: -1}
		if len(latest) > 0 {
			seen := latest[0].ObservedAt
			sh.LastSeen = seen
			sh.AgeMinutes = int(now.Sub(seen).Minutes())
			sh.Stale = now.Sub(seen) > s.staleAfter
		}
		if sh.Stale {
			health.Status = "degraded"
		}
		health.Stations = append(health.Stations, sh)
	}

	summary, err := s.store.GetIngestHealth(ctx, 7)
	if err != nil {
		health.Errors = append(health.Errors, "ingest health: "+err.Error())
	}
	for _, h := range summary {
		health.Ingest = append(health.Ingest, IngestHealth{
			Date:        h.Date,
			Source:      h.Source,
			Endpoint:    h.Endpoint,
			TotalRuns:   h.TotalRuns,
			FailedRuns:  h.FailedRuns,
			Records:     h.TotalRecords,
			ParseErrors: h.TotalParseErrors,
		})
	}

	recent, err := s.store.GetRecentIngestErrors(ctx, 5)
	if err != nil {
		health.Errors = append(health.Errors, "ingest errors: "+err.Error())
	}
	for _, run := range recent {
		health.RecentErrors = append(health.RecentErrors, IngestError{
			StartedAt: run.StartedAt,
			Source:    run.Source,
			Endpoint:  run.Endpoint,
			Status:    run.HTTPStatus.Int64,
			Error:     run.ErrorMessage.String,
		})
	}

	s.mu.RLock()
	if res := s.lastResult; res != nil {
		health.LastRetrain = &RetrainHealth{
			RunID:       res.Run.RunID,
			Status:      res.Run.Status,
			Drifted:     res.Run.Drifted,
			Retrained:   res.Run.Retrained,
			Predictions: len(res.Predictions),
		}
	}
	s.mu.RUnlock()

	if len(health.Errors) > 0 {
		health.Status = "error"
	}
	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: write response: %v", err)
	}
}
