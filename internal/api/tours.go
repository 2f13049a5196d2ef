package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/docent/internal/feed"
	"github.com/kalambet/docent/internal/storage"
)

const maxTourBodySize = 1 << 20

type SaveTourRequest struct {
	Title        string               `json:"title"`
	Description  string               `json:"description"`
	HeroImageURI string               `json:"heroImageUri"`
	MuseumID     string               `json:"museumId"`
	MuseumName   string               `json:"museumName"`
	Coordinates  *storage.Coordinates `json:"coordinates"`
	UserID       string               `json:"userId"`
	SessionID    string               `json:"sessionId"`
	// IncludeFailed also saves items that ended in error.
	IncludeFailed bool `json:"includeFailed"`
}

// tourItems picks the items to save from the live feed. The returned slice
// is already a copy.
func tourItems(f *feed.Store, includeFailed bool) []feed.Item {
	if !includeFailed {
		return f.Finished()
	}
	var out []feed.Item
	for _, it := range f.Snapshot() {
		if it.Status.Terminal() {
			out = append(out, it)
		}
	}
	return out
}

func handleSaveTour(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxTourBodySize)
		defer r.Body.Close()

		var req SaveTourRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Title == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "title is required")
			return
		}

		id, err := deps.Tours.SaveTour(r.Context(), storage.TourParams{
			Title:        req.Title,
			Description:  req.Description,
			HeroImageURI: req.HeroImageURI,
			MuseumID:     req.MuseumID,
			MuseumName:   req.MuseumName,
			Coordinates:  req.Coordinates,
			FeedItems:    tourItems(deps.Feed, req.IncludeFailed),
			UserID:       req.UserID,
			SessionID:    req.SessionID,
		})
		if errors.Is(err, storage.ErrEmptyTour) {
			httpError(w, http.StatusConflict, "invalid_request_error", "no finished items to save")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving tour: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

func handleListTours(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > 200 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be between 1 and 200")
				return
			}
			limit = n
		}
		tours, err := deps.Tours.ListTours(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing tours: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, tours)
	}
}

func handleGetTour(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := deps.Tours.GetTour(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "tour not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "loading tour: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func handleDeleteTour(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Tours.DeleteTour(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found_error", "tour not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting tour: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
