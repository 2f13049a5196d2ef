package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/docent/internal/feed"
	"github.com/kalambet/docent/internal/pipeline"
	"github.com/kalambet/docent/internal/storage"
)

// Pipeline is the part of pipeline.Orchestrator the API drives.
type Pipeline interface {
	Start(ctx context.Context, photos []string, meta *feed.Metadata, opts ...pipeline.SubmitOption) (string, <-chan error)
	Cancel(itemID string) bool
	CancelAll() int
}

type AppDeps struct {
	Feed     *feed.Store
	Pipeline Pipeline
	Tours    *storage.Store
	Token    string
	// UploadDir receives photos posted to /items.
	UploadDir string
	// BaseContext outlives requests; background submissions run under it.
	BaseContext context.Context
	Logger      *slog.Logger
}

func NewAppHandler(deps AppDeps) http.Handler {
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/items", handleSubmitItem(deps))
		r.Get("/items", handleListItems(deps))
		r.Delete("/items", handleResetItems(deps))
		r.Get("/items/events", handleItemEvents(deps))
		r.Get("/items/{id}", handleGetItem(deps))
		r.Delete("/items/{id}/stream", handleCancelItem(deps))

		r.Post("/tours", handleSaveTour(deps))
		r.Get("/tours", handleListTours(deps))
		r.Get("/tours/{id}", handleGetTour(deps))
		r.Delete("/tours/{id}", handleDeleteTour(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"busy":   deps.Feed.Busy(),
			"items":  deps.Feed.Len(),
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
