package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/docent/internal/feed"
	"github.com/kalambet/docent/internal/pipeline"
	"github.com/kalambet/docent/internal/service"
	"github.com/kalambet/docent/internal/storage"
	"github.com/kalambet/docent/internal/stream"
)

const testToken = "test-token-12345"

// --- fakes ---

type fakeRecognizer struct{}

func (fakeRecognizer) Recognize(_ context.Context, photos []string, _ *feed.Metadata) (service.Recognition, error) {
	return service.Recognition{ObjectID: "obj-1", Confidence: 91}, nil
}

// fakeStreamer completes immediately unless hold is set, in which case it
// waits for cancellation.
type fakeStreamer struct {
	hold bool
}

func (f fakeStreamer) StreamAudio(ctx context.Context, _ service.AudioRequest, h stream.Handler) (stream.Completion, error) {
	h(stream.Chunk{Type: stream.KindAudio, Sequence: 1, Data: "AAA"})
	if f.hold {
		<-ctx.Done()
		return stream.Completion{}, ctx.Err()
	}
	h(stream.Chunk{Type: stream.KindNarrative, Text: "A winged goddess."})
	return stream.Completion{AudioURL: "https://cdn.example/nike.mp3", Duration: 42}, nil
}

// --- helpers ---

type testEnv struct {
	handler http.Handler
	feed    *feed.Store
	tours   *storage.Store
	orch    *pipeline.Orchestrator
}

func setupAppHandler(t *testing.T, streamer fakeStreamer) testEnv {
	t.Helper()
	tours, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { tours.Close() })

	fs := feed.NewStore()
	orch := pipeline.NewOrchestrator(fs, fakeRecognizer{}, nil, streamer, pipeline.Config{})
	t.Cleanup(func() { orch.CancelAll() })

	h := NewAppHandler(AppDeps{
		Feed:      fs,
		Pipeline:  orch,
		Tours:     tours,
		Token:     testToken,
		UploadDir: t.TempDir(),
	})
	return testEnv{handler: h, feed: fs, tours: tours, orch: orch}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func multipartReq(t *testing.T, fields map[string]string, photos ...string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	for _, name := range photos {
		fw, err := mw.CreateFormFile("photos", name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte("\xff\xd8\xff fake jpeg " + name))
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/items", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func waitTerminal(t *testing.T, fs *feed.Store, id string) feed.Item {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if it, ok := fs.Get(id); ok && it.Status.Terminal() {
			return it
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("item %s did not finish", id)
	return feed.Item{}
}

func submitItem(t *testing.T, env testEnv) string {
	t.Helper()
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, multipartReq(t, map[string]string{"title": "Winged Victory"}, "nike.jpg"))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("POST /items status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil || resp.ID == "" {
		t.Fatalf("bad response %s: %v", rr.Body.String(), err)
	}
	return resp.ID
}

// --- tests ---

func TestHealth_NoAuth(t *testing.T) {
	env := setupAppHandler(t, fakeStreamer{})
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"status":"ok"`) {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestAuth(t *testing.T) {
	env := setupAppHandler(t, fakeStreamer{})

	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"missing", authReq(http.MethodGet, "/items", "", ""), http.StatusUnauthorized},
		{"wrong", authReq(http.MethodGet, "/items", "", "nope"), http.StatusUnauthorized},
		{"header", authReq(http.MethodGet, "/items", "", testToken), http.StatusOK},
		{"query", httptest.NewRequest(http.MethodGet, "/items?access_token="+testToken, nil), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			env.handler.ServeHTTP(rr, tt.req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && !strings.Contains(rr.Body.String(), "authentication_error") {
				t.Errorf("body = %s", rr.Body.String())
			}
		})
	}
}

func TestAuth_EmptyServerTokenRejectsAll(t *testing.T) {
	h := BearerAuth("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestSubmitItem_RunsPipeline(t *testing.T) {
	env := setupAppHandler(t, fakeStreamer{})
	id := submitItem(t, env)

	it := waitTerminal(t, env.feed, id)
	if it.Status != feed.StatusReady {
		t.Fatalf("Status = %q, error = %q", it.Status, it.Error)
	}
	if it.ObjectID != "obj-1" || it.NarrativeText != "A winged goddess." || it.AudioURL != "https://cdn.example/nike.mp3" {
		t.Errorf("item = %+v", it)
	}
	if it.Metadata == nil || it.Metadata.Title != "Winged Victory" {
		t.Errorf("Metadata = %+v", it.Metadata)
	}
	if len(it.Photos) != 1 || !strings.HasSuffix(it.Photos[0], "00-nike.jpg") {
		t.Errorf("Photos = %v", it.Photos)
	}
}

func TestSubmitItem_RequiresPhotos(t *testing.T) {
	env := setupAppHandler(t, fakeStreamer{})
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, multipartReq(t, map[string]string{"title": "x"}))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if env.feed.Len() != 0 {
		t.Error("item created for rejected request")
	}
}

func TestSubmitItem_RejectsNonMultipart(t *testing.T) {
	env := setupAppHandler(t, fakeStreamer{})
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/items", `{"photos":[]}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestSubmitItem_StripsPathFromFilename(t *testing.T) {
	env := setupAppHandler(t, fakeStreamer{})
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, multipartReq(t, nil, "../../etc/passwd"))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	items := env.feed.Items()
	if len(items) != 1 || strings.Contains(items[0].Photos[0], "..") {
		t.Errorf("Photos = %v", items[0].Photos)
	}
	waitTerminal(t, env.feed, items[0].ID)
}

func TestListAndGetItems(t *testing.T) {
	env := setupAppHandler(t, fakeStreamer{})
	id := submitItem(t, env)
	waitTerminal(t, env.feed, id)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/items", "", testToken))
	var list struct {
		Busy  bool        `json:"busy"`
		Items []feed.Item `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].ID != id {
		t.Errorf("items = %+v", list.Items)
	}

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/items?status=pending", "", testToken))
	if !strings.Contains(rr.Body.String(), `"items":[]`) {
		t.Errorf("pending list = %s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/items?status=bogus", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad filter status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/items/"+id, "", testToken))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"status":"ready"`) {
		t.Errorf("GET item = %d %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/items/missing", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("GET missing = %d", rr.Code)
	}
}

func TestCancelItem(t *testing.T) {
	env := setupAppHandler(t, fakeStreamer{hold: true})
	id := submitItem(t, env)

	deadline := time.Now().Add(2 * time.Second)
	for {
		it, _ := env.feed.Get(id)
		if it.Status == feed.StatusStreamingAudio {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("item never started streaming: %q", it.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodDelete, "/items/"+id+"/stream", "", testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("cancel status = %d; body = %s", rr.Code, rr.Body.String())
	}

	it := waitTerminal(t, env.feed, id)
	if it.Status != feed.StatusError || it.Error != "cancelled" {
		t.Errorf("item = %q/%q", it.Status, it.Error)
	}

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodDelete, "/items/"+id+"/stream", "", testToken))
	if rr.Code != http.StatusConflict {
		t.Errorf("second cancel = %d, want 409", rr.Code)
	}

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodDelete, "/items/missing/stream", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("cancel missing = %d, want 404", rr.Code)
	}
}

func TestResetItems(t *testing.T) {
	env := setupAppHandler(t, fakeStreamer{})
	id := submitItem(t, env)
	waitTerminal(t, env.feed, id)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodDelete, "/items", "", testToken))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rr.Code)
	}
	if env.feed.Len() != 0 || env.feed.Busy() {
		t.Errorf("Len = %d, Busy = %v after reset", env.feed.Len(), env.feed.Busy())
	}
}

func TestResetItems_CancelRunning(t *testing.T) {
	env := setupAppHandler(t, fakeStreamer{hold: true})
	submitItem(t, env)

	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodDelete, "/items?cancel=true", "", testToken))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rr.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.orch.InFlight() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("running generation not cancelled")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if env.feed.Len() != 0 {
		t.Errorf("Len = %d after reset, want 0", env.feed.Len())
	}
}

func TestItemEvents(t *testing.T) {
	env := setupAppHandler(t, fakeStreamer{})
	existing := env.feed.Create([]string{"old.jpg"}, nil)

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/items/events", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /items/events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	events := make(chan feed.Item, 16)
	go func() {
		defer close(events)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			data, ok := strings.CutPrefix(sc.Text(), "data: ")
			if !ok {
				continue
			}
			var it feed.Item
			if json.Unmarshal([]byte(data), &it) == nil {
				events <- it
			}
		}
	}()

	next := func() feed.Item {
		select {
		case it, ok := <-events:
			if !ok {
				t.Fatal("event stream closed")
			}
			return it
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
		return feed.Item{}
	}

	if first := next(); first.ID != existing {
		t.Fatalf("first event for %s, want existing item %s", first.ID, existing)
	}

	env.feed.Update(existing, feed.Patch{Status: feed.Ptr(feed.StatusError), Error: feed.Ptr("gone")})
	if it := next(); it.ID != existing || it.Status != feed.StatusError {
		t.Errorf("update event = %+v", it)
	}
}

func TestTours_SaveListGetDelete(t *testing.T) {
	env := setupAppHandler(t, fakeStreamer{})
	waitTerminal(t, env.feed, submitItem(t, env))

	body := `{"title":"Louvre highlights","museumName":"Louvre","coordinates":{"latitude":48.86,"longitude":2.34},"sessionId":"s-1"}`
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodPost, "/tours", body, testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("POST /tours = %d; body = %s", rr.Code, rr.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	json.Unmarshal(rr.Body.Bytes(), &created)

	env.feed.Reset()

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/tours/"+created.ID, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET tour = %d", rr.Code)
	}
	var tour storage.Tour
	if err := json.Unmarshal(rr.Body.Bytes(), &tour); err != nil {
		t.Fatalf("decoding tour: %v", err)
	}
	if tour.Title != "Louvre highlights" || len(tour.Items) != 1 || tour.Items[0].ObjectID != "obj-1" {
		t.Errorf("tour = %+v", tour)
	}
	if tour.Coordinates == nil || tour.SessionID != "s-1" {
		t.Errorf("tour location/session = %+v %q", tour.Coordinates, tour.SessionID)
	}

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/tours?limit=5", "", testToken))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), created.ID) {
		t.Errorf("GET /tours = %d %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodDelete, "/tours/"+created.ID, "", testToken))
	if rr.Code != http.StatusNoContent {
		t.Errorf("DELETE tour = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/tours/"+created.ID, "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("GET deleted tour = %d", rr.Code)
	}
}

func TestTours_Validation(t *testing.T) {
	env := setupAppHandler(t, fakeStreamer{})

	tests := []struct {
		name   string
		method string
		url    string
		body   string
		want   int
	}{
		{"no title", http.MethodPost, "/tours", `{"museumName":"Met"}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/tours", `{`, http.StatusBadRequest},
		{"no finished items", http.MethodPost, "/tours", `{"title":"empty"}`, http.StatusConflict},
		{"bad limit", http.MethodGet, "/tours?limit=0", "", http.StatusBadRequest},
		{"delete missing", http.MethodDelete, "/tours/nope", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			env.handler.ServeHTTP(rr, authReq(tt.method, tt.url, tt.body, testToken))
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d; body = %s", rr.Code, tt.want, rr.Body.String())
			}
		})
	}
}

func TestTourItems_IncludeFailed(t *testing.T) {
	fs := feed.NewStore()
	ok := fs.Create([]string{"a.jpg"}, nil)
	fs.Update(ok, feed.Patch{Status: feed.Ptr(feed.StatusReady)})
	bad := fs.Create([]string{"b.jpg"}, nil)
	fs.Update(bad, feed.Patch{Status: feed.Ptr(feed.StatusError), Error: feed.Ptr("blurry")})
	fs.Create([]string{"c.jpg"}, nil)

	if got := tourItems(fs, false); len(got) != 1 || got[0].ID != ok {
		t.Errorf("finished only = %+v", got)
	}
	if got := tourItems(fs, true); len(got) != 2 {
		t.Errorf("with failed = %d items, want 2", len(got))
	}
}
