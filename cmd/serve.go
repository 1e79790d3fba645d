package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/supplychain-graph/internal/config"
	"github.com/sells-group/supplychain-graph/internal/graph"
	"github.com/sells-group/supplychain-graph/internal/model"
	"github.com/sells-group/supplychain-graph/internal/monitoring"
	"github.com/sells-group/supplychain-graph/internal/resilience"
	"github.com/sells-group/supplychain-graph/internal/store"
)

// graphAPI is the slice of the graph client the HTTP surface uses.
// *graph.Client satisfies it.
type graphAPI interface {
	Ping(ctx context.Context) error
	FindCompanyByPermID(ctx context.Context, permid int64) (*model.CompanyEntity, error)
	FindCompanyByName(ctx context.Context, name string) (*model.CompanyEntity, error)
	HighConfidenceCompanies(ctx context.Context, minScore float64) ([]model.CompanyEntity, error)
	UpsertCompany(ctx context.Context, entity model.CompanyEntity) (*graph.UpsertResult, error)
	UpsertCompanies(ctx context.Context, entities []model.CompanyEntity) (*graph.BatchResult, error)
	IngestionStatistics(ctx context.Context) (*graph.IngestionStats, error)
	ValidateConsistency(ctx context.Context) (*graph.ConsistencyReport, error)
}

// ledgerAPI is the slice of the run ledger the HTTP surface uses.
// store.Store satisfies it.
type ledgerAPI interface {
	CreateRun(ctx context.Context, source model.IngestSource) (*model.IngestRun, error)
	CompleteRun(ctx context.Context, runID string, result store.RunCompletion) error
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.IngestRun, error)
	CountDLQ(ctx context.Context) (int, error)
}

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate(config.ModeServe); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		gc, err := initGraph(ctx)
		if err != nil {
			return err
		}
		defer gc.Close(ctx) //nolint:errcheck

		// Background health watcher: collects a snapshot on an interval and
		// logs when failure rate or DLQ depth crosses a threshold.
		checker := monitoring.NewChecker(monitoring.NewCollector(st, gc), monitoring.DefaultCheckerConfig())
		go checker.Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(gc, st),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// newRouter builds the API router over the graph client and the run ledger.
func newRouter(api graphAPI, ledger ledgerAPI) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if err := api.Ping(req.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "graph unreachable")
			return
		}
		if _, err := ledger.CountDLQ(req.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "ledger unreachable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/companies", func(w http.ResponseWriter, req *http.Request) {
			name := req.URL.Query().Get("name")
			if name == "" {
				writeError(w, http.StatusBadRequest, "name query parameter is required")
				return
			}
			company, err := api.FindCompanyByName(req.Context(), name)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			if company == nil {
				writeError(w, http.StatusNotFound, "company not found")
				return
			}
			writeJSON(w, http.StatusOK, company)
		})

		r.Get("/companies/high-confidence", func(w http.ResponseWriter, req *http.Request) {
			minScore := 0.8
			if raw := req.URL.Query().Get("min_score"); raw != "" {
				parsed, err := strconv.ParseFloat(raw, 64)
				if err != nil || parsed < 0 || parsed > 1 {
					writeError(w, http.StatusBadRequest, "min_score must be a number in [0, 1]")
					return
				}
				minScore = parsed
			}
			companies, err := api.HighConfidenceCompanies(req.Context(), minScore)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, companies)
		})

		r.Get("/companies/{permid}", func(w http.ResponseWriter, req *http.Request) {
			permid, err := strconv.ParseInt(chi.URLParam(req, "permid"), 10, 64)
			if err != nil || permid <= 0 {
				writeError(w, http.StatusBadRequest, "permid must be a positive integer")
				return
			}
			company, err := api.FindCompanyByPermID(req.Context(), permid)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			if company == nil {
				writeError(w, http.StatusNotFound, "company not found")
				return
			}
			writeJSON(w, http.StatusOK, company)
		})

		r.Post("/companies", func(w http.ResponseWriter, req *http.Request) {
			var entity model.CompanyEntity
			if err := json.NewDecoder(req.Body).Decode(&entity); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			result, err := api.UpsertCompany(req.Context(), entity)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			status := http.StatusOK
			if result.Created {
				status = http.StatusCreated
			}
			writeJSON(w, status, result)
		})

		r.Post("/companies/batch", func(w http.ResponseWriter, req *http.Request) {
			var entities []model.CompanyEntity
			if err := json.NewDecoder(req.Body).Decode(&entities); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			if len(entities) == 0 {
				writeError(w, http.StatusBadRequest, "batch must not be empty")
				return
			}

			run, err := ledger.CreateRun(req.Context(), model.SourceAPI)
			if err != nil {
				writeStoreError(w, err)
				return
			}

			result, err := api.UpsertCompanies(req.Context(), entities)
			completion := store.RunCompletion{Status: model.RunStatusComplete}
			if err != nil {
				completion.Status = model.RunStatusFailed
				completion.Error = err.Error()
				completion.ErrorClass = resilience.ClassifyError(err)
				completion.Counts.Failed = len(entities)
			} else {
				completion.Counts.Companies = result.Ingested
			}
			// The run row is bookkeeping; a failed seal must not mask the
			// batch outcome.
			if sealErr := ledger.CompleteRun(context.WithoutCancel(req.Context()), run.ID, completion); sealErr != nil {
				zap.L().Warn("failed to seal api run", zap.String("run_id", run.ID), zap.Error(sealErr))
			}

			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, result)
		})

		r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
			stats, err := api.IngestionStatistics(req.Context())
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, stats)
		})

		r.Get("/consistency", func(w http.ResponseWriter, req *http.Request) {
			report, err := api.ValidateConsistency(req.Context())
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, report)
		})

		r.Get("/monitoring", func(w http.ResponseWriter, req *http.Request) {
			snap, err := monitoring.NewCollector(ledger, api).Collect(req.Context(), 24)
			if err != nil {
				writeStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, snap)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps the error taxonomy onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	var (
		validation *model.ValidationError
		notFound   *model.EndpointNotFoundError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case resilience.IsTransient(err):
		writeError(w, http.StatusServiceUnavailable, "store temporarily unavailable")
	default:
		zap.L().Error("api request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
