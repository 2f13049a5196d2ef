package api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/docent/internal/feed"
	"github.com/kalambet/docent/internal/pipeline"
)

const (
	maxUploadSize   = 50 << 20 // 50MB
	maxPhotos       = 10
	eventsKeepalive = 15 * time.Second
)

func handleSubmitItem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid multipart body: %v", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		files := r.MultipartForm.File["photos"]
		if len(files) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one photo is required")
			return
		}
		if len(files) > maxPhotos {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at most %d photos per item", maxPhotos)
			return
		}

		dir := filepath.Join(deps.UploadDir, uuid.New().String())
		if err := os.MkdirAll(dir, 0o755); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "creating upload dir: %v", err)
			return
		}
		photos := make([]string, 0, len(files))
		for i, fh := range files {
			path, err := savePhoto(dir, i, fh)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "storing photo: %v", err)
				return
			}
			photos = append(photos, path)
		}

		meta := &feed.Metadata{
			Title:       r.FormValue("title"),
			Artist:      r.FormValue("artist"),
			Year:        r.FormValue("year"),
			Material:    r.FormValue("material"),
			Description: r.FormValue("description"),
		}
		if meta.IsZero() {
			meta = nil
		}
		var opts []pipeline.SubmitOption
		if voice := r.FormValue("voice"); voice != "" {
			opts = append(opts, pipeline.WithVoice(voice))
		}

		id, _ := deps.Pipeline.Start(deps.BaseContext, photos, meta, opts...)
		deps.Logger.Info("item submitted", "item_id", id, "photos", len(photos))
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
	}
}

func savePhoto(dir string, index int, fh *multipart.FileHeader) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	name := filepath.Base(strings.ReplaceAll(fh.Filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "photo"
	}
	path := filepath.Join(dir, fmt.Sprintf("%02d-%s", index, name))
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", err
	}
	return path, dst.Close()
}

func handleListItems(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var items []feed.Item
		switch r.URL.Query().Get("status") {
		case "", "all":
			items = deps.Feed.Items()
		case "pending":
			items = deps.Feed.Pending()
		case "finished":
			items = deps.Feed.Finished()
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "status must be all, pending or finished")
			return
		}
		if items == nil {
			items = []feed.Item{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"busy":  deps.Feed.Busy(),
			"items": items,
		})
	}
}

func handleGetItem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		it, ok := deps.Feed.Get(chi.URLParam(r, "id"))
		if !ok {
			httpError(w, http.StatusNotFound, "not_found_error", "item not found")
			return
		}
		writeJSON(w, http.StatusOK, it)
	}
}

func handleCancelItem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, ok := deps.Feed.Get(id); !ok {
			httpError(w, http.StatusNotFound, "not_found_error", "item not found")
			return
		}
		if !deps.Pipeline.Cancel(id) {
			httpError(w, http.StatusConflict, "invalid_request_error", "item has no running generation")
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// handleResetItems starts a new tour session. With ?cancel=true running
// generations are aborted first; otherwise their later updates are dropped.
func handleResetItems(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cancel") == "true" {
			n := deps.Pipeline.CancelAll()
			deps.Logger.Info("cancelled running generations", "count", n)
		}
		deps.Feed.Reset()
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleItemEvents streams item updates as server-sent events. The current
// items are sent first, then every change as it happens.
func handleItemEvents(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming unsupported")
			return
		}

		events, cancel := deps.Feed.Subscribe()
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		for _, it := range deps.Feed.Items() {
			if err := writeItemEvent(w, it); err != nil {
				return
			}
		}
		flusher.Flush()

		keepalive := time.NewTicker(eventsKeepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case it, ok := <-events:
				if !ok {
					return
				}
				if err := writeItemEvent(w, it); err != nil {
					return
				}
				flusher.Flush()
			case <-keepalive.C:
				if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

func writeItemEvent(w io.Writer, it feed.Item) error {
	data, err := json.Marshal(it)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: item\ndata: %s\n\n", data)
	return err
}
