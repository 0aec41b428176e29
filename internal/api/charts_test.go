package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/nanoviz/internal/charts"
	"github.com/kalambet/nanoviz/internal/generation"
	"github.com/kalambet/nanoviz/internal/metrics"
	"github.com/kalambet/nanoviz/internal/pipeline"
	"github.com/kalambet/nanoviz/internal/storage"
	"github.com/kalambet/nanoviz/internal/trail"
)

const testToken = "test-token-12345"

const longText = "Quarterly sales: North region sold 40 units, South region sold 25, East 31 and West 12."

// stubVisualizer returns a fixed spec or error.
type stubVisualizer struct {
	mu    sync.Mutex
	err   error
	calls int
	last  pipeline.Input
}

func (v *stubVisualizer) Execute(ctx context.Context, in pipeline.Input) *pipeline.Execution {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	v.last = in
	trail.Logger(ctx).Info("stub pipeline", "chars", len(in.Data))
	if v.err != nil {
		return &pipeline.Execution{State: pipeline.StateFailed, Err: v.err}
	}
	return &pipeline.Execution{
		State: pipeline.StateStage2Done,
		Spec: &pipeline.ChartSpec{
			Title:             "Sales by region",
			VisualizationType: "bar",
			DataPoints: []pipeline.DataPoint{
				{Label: "North", Value: 40, Summary: "north"},
				{Label: "South", Value: 25, Summary: "south"},
			},
		},
	}
}

func (v *stubVisualizer) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

type stubAnswerer struct {
	mu     sync.Mutex
	answer string
	err    error
	csv    bool
}

func (a *stubAnswerer) Answer(ctx context.Context, input, question string, csv bool) (pipeline.Answer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.csv = csv
	trail.Logger(ctx).Info("stub answer", "question", question)
	if a.err != nil {
		return pipeline.Answer{}, a.err
	}
	return pipeline.Answer{Answer: a.answer}, nil
}

type testEnv struct {
	handler  http.Handler
	store    *storage.Store
	viz      *stubVisualizer
	answerer *stubAnswerer
}

func setupHandler(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		store:    store,
		viz:      &stubVisualizer{},
		answerer: &stubAnswerer{answer: "North sold the most."},
	}
	env.handler = NewHandler(Deps{
		Charts:         charts.NewService(env.viz, store, nil),
		Runs:           store,
		Answerer:       env.answerer,
		Token:          testToken,
		MinInputLength: 50,
	})
	return env
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func jsonBody(t *testing.T, body string) string {
	t.Helper()
	b, err := json.Marshal(map[string]string{"text": body})
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func decodeFailure(t *testing.T, rr *httptest.ResponseRecorder) failureBody {
	t.Helper()
	var body failureBody
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding failure body %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestHealth(t *testing.T) {
	env := setupHandler(t)
	rr := serve(env.handler, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Body.String() != `{"status":"ok"}` {
		t.Errorf("body = %s", rr.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	env := setupHandler(t)

	for _, token := range []string{"", "wrong-token"} {
		rr := serve(env.handler, authReq(http.MethodGet, "/v1/charts", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
	}
}

func TestAuthEmptyServerToken(t *testing.T) {
	h := BearerAuth("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached with empty server token")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer ")
	if rr := serve(h, req); rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestCreateChart_Text(t *testing.T) {
	env := setupHandler(t)

	rr := serve(env.handler, authReq(http.MethodPost, "/v1/charts", jsonBody(t, longText), testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	var resp chartResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.ID == "" {
		t.Error("missing run id")
	}
	if resp.Chart == nil || resp.Chart.Title != "Sales by region" || len(resp.Chart.DataPoints) != 2 {
		t.Errorf("chart = %+v", resp.Chart)
	}
	if len(resp.DebugTrail) == 0 {
		t.Error("expected debug trail lines")
	}

	run, err := env.store.GetRun(context.Background(), resp.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != storage.RunSucceeded || run.InputKind != storage.InputText {
		t.Errorf("stored run = %+v", run)
	}
}

func TestCreateChart_TooShort(t *testing.T) {
	env := setupHandler(t)

	for _, body := range []string{jsonBody(t, "Sales: 40"), `{}`, `not json`} {
		rr := serve(env.handler, authReq(http.MethodPost, "/v1/charts", body, testToken))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rr.Code)
		}
	}
	if env.viz.callCount() != 0 {
		t.Errorf("pipeline ran %d times for invalid input", env.viz.callCount())
	}
}

func TestCreateChart_CSV(t *testing.T) {
	env := setupHandler(t)

	body := `{"csv_content":"region,sales\nnorth,40\nsouth,25\n"}`
	rr := serve(env.handler, authReq(http.MethodPost, "/v1/charts", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if !strings.HasPrefix(env.viz.last.Stage1, "CSV Data Description:") {
		t.Errorf("stage 1 input = %q", env.viz.last.Stage1)
	}
	if env.viz.last.Data != "region,sales\nnorth,40\nsouth,25\n" {
		t.Errorf("stage 2 input = %q", env.viz.last.Data)
	}
}

func TestCreateChart_InvalidCSV(t *testing.T) {
	env := setupHandler(t)

	body := `{"csv_content":"a,\"b\n"}`
	rr := serve(env.handler, authReq(http.MethodPost, "/v1/charts", body, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if env.viz.callCount() != 0 {
		t.Error("pipeline ran for invalid CSV")
	}
}

func TestCreateChart_Failure(t *testing.T) {
	env := setupHandler(t)
	env.viz.err = fmt.Errorf("stage 1: %w", generation.ErrUnavailable)

	rr := serve(env.handler, authReq(http.MethodPost, "/v1/charts", jsonBody(t, longText), testToken))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503; body = %s", rr.Code, rr.Body.String())
	}

	body := decodeFailure(t, rr)
	if body.Error.Category != generation.CategoryUnavailable {
		t.Errorf("category = %q", body.Error.Category)
	}
	if body.Error.Type != "generation_error" || body.Error.Message == "" {
		t.Errorf("error = %+v", body.Error)
	}
	if len(body.DebugTrail) == 0 {
		t.Error("expected debug trail on failure")
	}

	run, err := env.store.GetRun(context.Background(), body.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != storage.RunFailed || run.ErrorCategory != string(generation.CategoryUnavailable) {
		t.Errorf("stored run = %+v", run)
	}
}

func TestStatusForCategory(t *testing.T) {
	tests := map[generation.Category]int{
		generation.CategoryUnavailable:      http.StatusServiceUnavailable,
		generation.CategoryPermissionDenied: http.StatusServiceUnavailable,
		generation.CategorySession:          http.StatusServiceUnavailable,
		generation.CategoryEmptyResponse:    http.StatusBadGateway,
		generation.CategoryUnparseable:      http.StatusBadGateway,
		generation.CategorySchemaMismatch:   http.StatusBadGateway,
		generation.CategoryCancelled:        http.StatusRequestTimeout,
		generation.CategoryInternal:         http.StatusInternalServerError,
	}
	for c, want := range tests {
		if got := statusForCategory(c); got != want {
			t.Errorf("statusForCategory(%s) = %d, want %d", c, got, want)
		}
	}
}

func uploadReq(t *testing.T, url, filename, contentType string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	hdr := make(map[string][]string)
	hdr["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename=%q`, filename)}
	hdr["Content-Type"] = []string{contentType}
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(data)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, url, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func TestCreateChart_UploadHTML(t *testing.T) {
	env := setupHandler(t)

	page := "<html><head><title>x</title><script>var a = 1;</script></head><body><p>" + longText + "</p></body></html>"
	rr := serve(env.handler, uploadReq(t, "/v1/charts", "report.html", "text/html", []byte(page), nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if strings.Contains(env.viz.last.Data, "var a") || !strings.Contains(env.viz.last.Data, "North region") {
		t.Errorf("pipeline input = %q", env.viz.last.Data)
	}
}

func TestCreateChart_UploadCSV(t *testing.T) {
	env := setupHandler(t)

	rr := serve(env.handler, uploadReq(t, "/v1/charts", "sales.csv", "text/csv", []byte("region,sales\nnorth,40\n"), nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if env.viz.last.Stage1 == "" {
		t.Error("CSV upload should produce a Stage 1 description")
	}
}

func TestCreateChart_UploadMissingFile(t *testing.T) {
	env := setupHandler(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("text", "nothing")
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/v1/charts", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testToken)

	if rr := serve(env.handler, req); rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestEnqueueChart(t *testing.T) {
	env := setupHandler(t)

	rr := serve(env.handler, authReq(http.MethodPost, "/v1/charts/jobs", jsonBody(t, longText), testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp["status"] != "queued" || resp["id"] == "" {
		t.Fatalf("response = %v", resp)
	}
	if env.viz.callCount() != 0 {
		t.Error("enqueue should not run the pipeline")
	}

	rr = serve(env.handler, authReq(http.MethodGet, "/v1/charts/"+resp["id"], "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}
	var view runView
	json.Unmarshal(rr.Body.Bytes(), &view)
	if view.Status != storage.RunQueued {
		t.Errorf("status = %q, want queued", view.Status)
	}

	counts, err := env.store.CountJobs(context.Background())
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if counts[storage.JobPending] != 1 {
		t.Errorf("pending jobs = %d, want 1", counts[storage.JobPending])
	}
}

func TestListAndGetCharts(t *testing.T) {
	env := setupHandler(t)

	var ids []string
	for i := 0; i < 3; i++ {
		rr := serve(env.handler, authReq(http.MethodPost, "/v1/charts", jsonBody(t, fmt.Sprintf("%s #%d", longText, i)), testToken))
		var resp chartResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		ids = append(ids, resp.ID)
	}

	rr := serve(env.handler, authReq(http.MethodGet, "/v1/charts?limit=2", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var views []runView
	if err := json.Unmarshal(rr.Body.Bytes(), &views); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("len = %d, want 2", len(views))
	}
	if views[0].ID != ids[2] {
		t.Errorf("newest first: got %s, want %s", views[0].ID, ids[2])
	}
	if views[0].DebugTrail != nil {
		t.Error("list view should omit the debug trail")
	}

	rr = serve(env.handler, authReq(http.MethodGet, "/v1/charts/"+ids[0], "", testToken))
	var view runView
	json.Unmarshal(rr.Body.Bytes(), &view)
	if view.Status != storage.RunSucceeded || len(view.Chart) == 0 || len(view.DebugTrail) == 0 {
		t.Errorf("view = %+v", view)
	}

	rr = serve(env.handler, authReq(http.MethodGet, "/v1/charts?limit=10&offset=1", "", testToken))
	json.Unmarshal(rr.Body.Bytes(), &views)
	if len(views) != 2 {
		t.Errorf("offset=1: len = %d, want 2", len(views))
	}
}

func TestListCharts_Empty(t *testing.T) {
	env := setupHandler(t)
	rr := serve(env.handler, authReq(http.MethodGet, "/v1/charts", "", testToken))
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("body = %s, want []", rr.Body.String())
	}
}

func TestGetChart_NotFound(t *testing.T) {
	env := setupHandler(t)
	rr := serve(env.handler, authReq(http.MethodGet, "/v1/charts/missing", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestDeleteChart(t *testing.T) {
	env := setupHandler(t)

	rr := serve(env.handler, authReq(http.MethodPost, "/v1/charts", jsonBody(t, longText), testToken))
	var resp chartResponse
	json.Unmarshal(rr.Body.Bytes(), &resp)

	rr = serve(env.handler, authReq(http.MethodDelete, "/v1/charts/"+resp.ID, "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rr.Code)
	}
	rr = serve(env.handler, authReq(http.MethodDelete, "/v1/charts/"+resp.ID, "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rr.Code)
	}
}

func TestAsk(t *testing.T) {
	env := setupHandler(t)

	body := `{"csv_content":"region,sales\nnorth,40\n","question":"Which region sold most?"}`
	rr := serve(env.handler, authReq(http.MethodPost, "/v1/ask", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Answer     string   `json:"answer"`
		DebugTrail []string `json:"debug_trail"`
	}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Answer != "North sold the most." {
		t.Errorf("answer = %q", resp.Answer)
	}
	if !env.answerer.csv {
		t.Error("csv flag not passed to answerer")
	}
	if len(resp.DebugTrail) == 0 {
		t.Error("expected debug trail")
	}
}

func TestAsk_MissingQuestion(t *testing.T) {
	env := setupHandler(t)
	rr := serve(env.handler, authReq(http.MethodPost, "/v1/ask", `{"text":"data"}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestAsk_Failure(t *testing.T) {
	env := setupHandler(t)
	env.answerer.err = fmt.Errorf("answer: %w", generation.ErrSchemaMismatch)

	rr := serve(env.handler, authReq(http.MethodPost, "/v1/ask", `{"text":"data","question":"why?"}`, testToken))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
	if body := decodeFailure(t, rr); body.Error.Category != generation.CategorySchemaMismatch {
		t.Errorf("category = %q", body.Error.Category)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	m := metrics.NewCollector("nanoviz")
	h := NewHandler(Deps{
		Charts:  charts.NewService(&stubVisualizer{}, store, m),
		Runs:    store,
		Token:   testToken,
		Metrics: m,
	})

	serve(h, authReq(http.MethodGet, "/v1/charts/abc", "", testToken))

	rr := serve(h, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `nanoviz_http_requests_total{method="GET",route="/v1/charts/{id}",status="404"} 1`) {
		t.Errorf("metrics output missing request counter:\n%s", rr.Body.String())
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 20},
		{"limit=5", 5},
		{"limit=-1", 20},
		{"limit=abc", 20},
		{"limit=500", 100},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
		if got := parseIntParam(req, "limit", 20, 100); got != tt.want {
			t.Errorf("%q: got %d, want %d", tt.query, got, tt.want)
		}
	}
}

func TestNewRunView_CorruptTrailLogged(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	v := newRunView(storage.ChartRun{ID: "r-bad", Status: storage.RunFailed, DebugTrail: `["ok", `}, true)
	if len(v.DebugTrail) != 0 {
		t.Errorf("DebugTrail = %q, want empty", v.DebugTrail)
	}
	if !strings.Contains(buf.String(), "stored debug trail unreadable") || !strings.Contains(buf.String(), "r-bad") {
		t.Errorf("log = %q, want debug record for r-bad", buf.String())
	}
}
