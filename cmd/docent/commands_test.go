package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/docent/internal/feed"
	"github.com/kalambet/docent/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			if resp == "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// useClient points the commands at ts for the duration of the test.
func (ts *testServer) useClient(t *testing.T) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	t.Cleanup(func() { newAPIClient = old })
}

var ctx = context.Background()

func runCmd(t *testing.T, args ...string) error {
	t.Helper()
	defer rootCmd.SetArgs(nil)
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestItemsList(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /items": `{"busy":true,"items":[{"id":"0f9c2d1e-aaaa","status":"streaming_audio","audioStreamProgress":40}]}`,
	})

	resp, err := ts.client().get(ctx, "/items?status=pending")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result itemsResponse
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !result.Busy || len(result.Items) != 1 || result.Items[0].Status != feed.StatusStreamingAudio {
		t.Errorf("result = %+v", result)
	}

	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}
	if r.Path != "/items?status=pending" {
		t.Errorf("path = %q", r.Path)
	}
}

func TestItemsListCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /items": `{"busy":false,"items":[]}`,
	})
	ts.useClient(t)

	if err := runCmd(t, "items", "list", "--status", "finished"); err != nil {
		t.Fatalf("items list: %v", err)
	}
	if len(ts.requests) != 1 || ts.requests[0].Path != "/items?status=finished" {
		t.Errorf("requests = %+v", ts.requests)
	}
}

func TestItemsResetCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"DELETE /items": "",
	})
	ts.useClient(t)

	if err := runCmd(t, "items", "reset", "--cancel"); err != nil {
		t.Fatalf("items reset: %v", err)
	}
	itemsResetCmd.Flags().Set("cancel", "false")

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if r := ts.requests[0]; r.Method != "DELETE" || r.Path != "/items?cancel=true" {
		t.Errorf("request = %+v", r)
	}
}

func TestItemsCancelCommand_NotRunning(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.useClient(t)

	err := runCmd(t, "items", "cancel", "abc")
	if err == nil || !strings.Contains(err.Error(), "server returned 404") {
		t.Errorf("err = %v, want server 404", err)
	}
	if ts.requests[0].Path != "/items/abc/stream" {
		t.Errorf("path = %q", ts.requests[0].Path)
	}
}

func TestToursSaveCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /tours": `{"id":"tour-1"}`,
	})
	ts.useClient(t)

	if err := runCmd(t, "tours", "save", "Room 7", "--museum", "Louvre", "--include-failed"); err != nil {
		t.Fatalf("tours save: %v", err)
	}
	toursSaveCmd.Flags().Set("museum", "")
	toursSaveCmd.Flags().Set("include-failed", "false")

	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["title"] != "Room 7" || body["museumName"] != "Louvre" || body["includeFailed"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestToursShow_UnknownFormat(t *testing.T) {
	defer toursShowCmd.Flags().Set("output", "json")
	err := runCmd(t, "tours", "show", "t1", "--output", "xml")
	if err == nil || !strings.Contains(err.Error(), "unknown output format") {
		t.Errorf("err = %v", err)
	}
}

func sampleTour() storage.Tour {
	return storage.Tour{
		ID:         "t1",
		Title:      "Room 7",
		MuseumName: "Louvre",
		SessionID:  "s1",
		CreatedAt:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Items: []feed.Item{{
			ID:            "i1",
			Photos:        []string{"nike.jpg"},
			Status:        feed.StatusReady,
			ObjectID:      "obj-nike",
			NarrativeText: "Winged Victory",
			AudioChunks:   []string{"QUJD"},
		}},
	}
}

func TestWriteTour_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := writeTour(&buf, sampleTour(), "json", false); err != nil {
		t.Fatalf("writeTour: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "QUJD") {
		t.Error("audio chunks included without --audio")
	}
	var back storage.Tour
	if err := json.Unmarshal(buf.Bytes(), &back); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if back.Title != "Room 7" || len(back.Items) != 1 || back.Items[0].ObjectID != "obj-nike" {
		t.Errorf("tour = %+v", back)
	}

	buf.Reset()
	if err := writeTour(&buf, sampleTour(), "json", true); err != nil {
		t.Fatalf("writeTour: %v", err)
	}
	if !strings.Contains(buf.String(), "QUJD") {
		t.Error("audio chunks missing with --audio")
	}
}

func TestWriteTour_YAML(t *testing.T) {
	var buf bytes.Buffer
	if err := writeTour(&buf, sampleTour(), "yaml", false); err != nil {
		t.Fatalf("writeTour: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"title: Room 7\n", "museumName: Louvre\n", "feedItems:\n", "objectId: obj-nike\n"} {
		if !strings.Contains(out, want) {
			t.Errorf("yaml output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "{") {
		t.Errorf("yaml output uses flow style:\n%s", out)
	}
	if strings.Index(out, "id: t1") > strings.Index(out, "title:") {
		t.Errorf("field order not kept:\n%s", out)
	}
}

func TestDecodeJSON_Error(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	resp, err := ts.client().get(ctx, "/tours/missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = decodeJSON(resp, &struct{}{})
	if err == nil || !strings.Contains(err.Error(), "server returned 404") {
		t.Errorf("err = %v", err)
	}
}

func TestServerNotReachable(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestItemLine(t *testing.T) {
	old := noColor
	noColor = true
	defer func() { noColor = old }()

	line := itemLine(feed.Item{
		ID:                  "0123456789abcdef",
		Status:              feed.StatusStreamingAudio,
		Metadata:            &feed.Metadata{Title: "Nike"},
		ObjectID:            "obj-nike",
		AudioStreamProgress: 35,
	})
	for _, want := range []string{"01234567 ", "streaming_audio", "Nike", "obj-nike", "35%"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
	if strings.Contains(line, "89abcdef") {
		t.Errorf("id not shortened: %q", line)
	}

	failed := itemLine(feed.Item{ID: "x", Status: feed.StatusError, Error: "cancelled"})
	if !strings.Contains(failed, "(untitled)") || !strings.Contains(failed, "cancelled") {
		t.Errorf("failed line = %q", failed)
	}
}

func TestSubmit_MissingArgs(t *testing.T) {
	err := runCmd(t, "submit")
	if err == nil {
		t.Fatal("expected error for missing photos")
	}
	if !strings.Contains(err.Error(), "arg") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestSubmit_ConflictingFlags(t *testing.T) {
	defer func() {
		submitCmd.Flags().Set("each", "false")
		submitCmd.Flags().Set("text-only", "false")
	}()
	err := runCmd(t, "submit", "a.jpg", "--each", "--text-only")
	if err == nil || !strings.Contains(err.Error(), "cannot be combined") {
		t.Errorf("err = %v", err)
	}
}

// fakeService answers recognition and streams two audio chunks for every
// photo upload.
func fakeService(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer svc-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v1/recognize":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"objectId":"obj-nike","recognitionConfidence":91}`)
		case "/v1/audio/stream":
			w.Header().Set("Content-Type", "application/x-ndjson")
			fmt.Fprintln(w, `{"type":"narrative","text":"The goddess lands on a ship's prow."}`)
			fmt.Fprintln(w, `{"type":"audio","sequence":1,"data":"QUJD"}`)
			fmt.Fprintln(w, `{"type":"audio","sequence":2,"data":"REVG"}`)
			fmt.Fprintln(w, `{"type":"complete","audioUrl":"https://cdn.example/nike.mp3","duration":42}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSubmit_EndToEnd(t *testing.T) {
	svc := fakeService(t)
	dataDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("DOCENT_SERVICE_BASE_URL", svc.URL)
	t.Setenv("DOCENT_SERVICE_API_KEY", "svc-key")
	t.Setenv("DOCENT_STORAGE_DATA_DIR", dataDir)

	photo := filepath.Join(t.TempDir(), "nike.jpg")
	if err := os.WriteFile(photo, []byte("\xff\xd8\xff"), 0o644); err != nil {
		t.Fatal(err)
	}

	defer func() {
		submitCmd.Flags().Set("title", "")
		submitCmd.Flags().Set("save", "")
		submitCmd.Flags().Set("museum", "")
	}()
	if err := runCmd(t, "submit", photo, "--title", "Nike", "--save", "Room 7", "--museum", "Louvre"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	store, err := storage.Open(dataDir)
	if err != nil {
		t.Fatalf("opening storage: %v", err)
	}
	defer store.Close()

	tours, err := store.ListTours(ctx, 10)
	if err != nil {
		t.Fatalf("ListTours: %v", err)
	}
	if len(tours) != 1 || tours[0].Title != "Room 7" || tours[0].MuseumName != "Louvre" || tours[0].ItemCount != 1 {
		t.Fatalf("tours = %+v", tours)
	}
	tour, err := store.GetTour(ctx, tours[0].ID)
	if err != nil {
		t.Fatalf("GetTour: %v", err)
	}
	it := tour.Items[0]
	if it.ObjectID != "obj-nike" || it.AudioURL != "https://cdn.example/nike.mp3" || strings.Join(it.AudioChunks, ",") != "QUJD,REVG" {
		t.Errorf("saved item = %+v", it)
	}
	if it.Metadata == nil || it.Metadata.Title != "Nike" {
		t.Errorf("metadata = %+v", it.Metadata)
	}
}

func TestSubmit_ServiceFailure(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("DOCENT_SERVICE_BASE_URL", fakeService(t).URL)
	t.Setenv("DOCENT_SERVICE_API_KEY", "wrong-key")
	t.Setenv("DOCENT_STORAGE_DATA_DIR", t.TempDir())

	photo := filepath.Join(t.TempDir(), "nike.jpg")
	if err := os.WriteFile(photo, []byte("\xff\xd8\xff"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := runCmd(t, "submit", photo); err == nil {
		t.Fatal("expected error when recognition is rejected")
	}
}
