package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/contact-sync/internal/config"
	"github.com/sells-group/contact-sync/internal/model"
	"github.com/sells-group/contact-sync/internal/monitoring"
	"github.com/sells-group/contact-sync/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP job-control server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initSyncEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		collector := monitoring.NewCollector(env.Store)
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
		go checker.Run(ctx)

		router := newRouter(ctx, env, collector, cfg.Monitoring)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: router,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(context.Background()) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// newRouter builds the job-control HTTP surface. runCtx outlives individual
// requests; background job runs are tied to it so an in-flight sync survives
// its originating request but stops on server shutdown.
func newRouter(runCtx context.Context, env *syncEnv, collector *monitoring.Collector, monCfg config.MonitoringConfig) *chi.Mux {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		hours := monCfg.LookbackWindowHours
		if hours <= 0 {
			hours = 24
		}
		snap, err := collector.Collect(req.Context(), hours)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	r.Post("/sync", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			PageID         string   `json:"page_id"`
			Mode           string   `json:"mode"`
			ParticipantIDs []string `json:"participant_ids,omitempty"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, eris.New("invalid request body"))
			return
		}
		if body.PageID == "" {
			writeError(w, http.StatusBadRequest, eris.New("page_id is required"))
			return
		}
		if body.Mode == "" {
			body.Mode = string(model.SyncModeFull)
		}

		job, created, err := env.Orchestrator.StartSync(req.Context(), body.PageID, model.SyncMode(body.Mode), body.ParticipantIDs)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		if created {
			go func() {
				if err := env.Orchestrator.Run(runCtx, job.ID); err != nil {
					zap.L().Error("sync job failed",
						zap.String("job_id", job.ID),
						zap.String("page_id", job.PageID),
						zap.Error(err),
					)
				}
			}()
			writeJSON(w, http.StatusAccepted, job)
			return
		}

		// Existing active job for the page.
		writeJSON(w, http.StatusConflict, job)
	})

	r.Get("/jobs", func(w http.ResponseWriter, req *http.Request) {
		jobs, err := env.Store.ListJobs(req.Context(), store.JobFilter{
			PageID: req.URL.Query().Get("page_id"),
			Status: model.JobStatus(req.URL.Query().Get("status")),
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, jobs)
	})

	r.Get("/jobs/{jobID}", func(w http.ResponseWriter, req *http.Request) {
		job, err := env.Store.GetJob(req.Context(), chi.URLParam(req, "jobID"))
		if err != nil {
			if eris.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	})

	r.Post("/jobs/{jobID}/cancel", func(w http.ResponseWriter, req *http.Request) {
		jobID := chi.URLParam(req, "jobID")
		if err := env.Orchestrator.CancelJob(req.Context(), jobID); err != nil {
			if eris.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusConflict, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": string(model.JobStatusCancelled), "job_id": jobID})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
