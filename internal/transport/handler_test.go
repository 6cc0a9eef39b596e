package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rapart/apkqueue/internal/artifact"
	"github.com/rapart/apkqueue/internal/domain"
	"github.com/rapart/apkqueue/internal/infra/events"
	"github.com/rapart/apkqueue/internal/infra/metrics"
	filestore "github.com/rapart/apkqueue/internal/infra/store/file"
	taskstore "github.com/rapart/apkqueue/internal/infra/store/task"
	"github.com/rapart/apkqueue/internal/repository"
	"github.com/rapart/apkqueue/internal/usecase"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

type testServer struct {
	*httptest.Server
	storageDir string
}

func newTestServer(t *testing.T, maxBlob int64, dashboardDir string) testServer {
	t.Helper()

	storageDir := t.TempDir()
	files, err := filestore.NewLocalStore(storageDir)
	require.NoError(t, err)

	tracer := noop.NewTracerProvider().Tracer("test")
	repo := repository.New(taskstore.NewMemoryTaskStore(), tracer)
	m := metrics.New("test")
	uc := usecase.New(repo, artifact.NewWriter(files, repo, maxBlob, tracer), events.Discard{}, m)

	mux := NewRouter(NewHandler(maxBlob, uc), m.Handler(), dashboardDir).MountRoutes(http.NewServeMux())
	srv := httptest.NewServer(WithRecover(LogMiddleware(m)(mux)))
	t.Cleanup(srv.Close)

	return testServer{Server: srv, storageDir: storageDir}
}

func (s testServer) do(t *testing.T, method, path, contentType string, body io.Reader) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, s.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

func (s testServer) postJSON(t *testing.T, path, body string) (*http.Response, []byte) {
	return s.do(t, http.MethodPost, path, "application/json", strings.NewReader(body))
}

func multipartBody(t *testing.T, fields map[string]string, files map[string]string) (string, io.Reader) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for k, v := range files {
		fw, err := mw.CreateFormFile(k, k+".bin")
		require.NoError(t, err)
		_, err = fw.Write([]byte(v))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	return mw.FormDataContentType(), &buf
}

func TestNext(t *testing.T) {
	srv := newTestServer(t, 0, "")

	resp, body := srv.do(t, http.MethodGet, "/get", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "null", strings.TrimSpace(string(body)))

	resp, _ = srv.postJSON(t, "/add-task", `{"hash":"h1","tag":"malware"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = srv.do(t, http.MethodGet, "/get", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"hash":"h1","tag":"malware"}`, string(body))
}

func TestAddTask(t *testing.T) {
	srv := newTestServer(t, 0, "")

	resp, body := srv.postJSON(t, "/add-task", `{"hash":"h1","tag":"benign"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true,"hash":"h1","tag":"benign","queueLength":1}`, string(body))

	resp, body = srv.postJSON(t, "/add-task", `{"hash":"h1","tag":"malware"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.JSONEq(t, `{"error":"Task already exists","hash":"h1"}`, string(body))
}

func TestAddTask_BadRequests(t *testing.T) {
	srv := newTestServer(t, 0, "")

	tests := []struct {
		name     string
		body     string
		wantBody string
	}{
		{
			name:     "missing fields",
			body:     `{}`,
			wantBody: `{"error":"Missing required fields","required":["hash","tag"]}`,
		},
		{
			name:     "missing tag",
			body:     `{"hash":"h"}`,
			wantBody: `{"error":"Missing required fields","required":["tag"]}`,
		},
		{
			name:     "invalid tag",
			body:     `{"hash":"h","tag":"grayware"}`,
			wantBody: `{"error":"invalid tag, must be \"malware\" or \"benign\": \"grayware\"","hash":"h"}`,
		},
		{
			name:     "not json",
			body:     `hash=h`,
			wantBody: `{"error":"Bad Request","message":"invalid JSON body"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := srv.postJSON(t, "/add-task", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.JSONEq(t, tt.wantBody, string(body))
		})
	}

	_, body := srv.do(t, http.MethodGet, "/stats", "", nil)
	assert.JSONEq(t, `{"total":0,"completed":0,"pending":0,"failed":0,"byTag":{"malware":0,"benign":0}}`, string(body))
}

func TestUpdateStatus(t *testing.T) {
	srv := newTestServer(t, 0, "")

	resp, _ := srv.postJSON(t, "/add-task", `{"hash":"h1","tag":"benign"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := srv.postJSON(t, "/post", `{"hash":"h1","status":false,"error":"apk did not install"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true,"hash":"h1","status":false}`, string(body))

	_, body = srv.do(t, http.MethodGet, "/stats", "", nil)
	assert.JSONEq(t, `{"total":1,"completed":0,"pending":1,"failed":1,"byTag":{"malware":0,"benign":1}}`, string(body))

	resp, body = srv.postJSON(t, "/post", `{"hash":"h1","status":true}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true,"hash":"h1","status":true}`, string(body))

	_, body = srv.do(t, http.MethodGet, "/stats", "", nil)
	assert.JSONEq(t, `{"total":1,"completed":1,"pending":0,"failed":0,"byTag":{"malware":0,"benign":1}}`, string(body))
}

func TestUpdateStatus_Errors(t *testing.T) {
	srv := newTestServer(t, 0, "")

	resp, body := srv.postJSON(t, "/post", `{"hash":"ghost","status":true}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.JSONEq(t, `{"error":"Task not found or already updated","hash":"ghost"}`, string(body))

	resp, body = srv.postJSON(t, "/post", `{"hash":"h1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.JSONEq(t, `{"error":"Missing required fields","required":["status"]}`, string(body))

	resp, _ = srv.postJSON(t, "/post", `{"hash":"h1","status":"yes"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmit(t *testing.T) {
	srv := newTestServer(t, 0, "")

	resp, _ := srv.postJSON(t, "/add-task", `{"hash":"abc","tag":"malware"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ct, body := multipartBody(t,
		map[string]string{"hash": "abc", "tag": "malware"},
		map[string]string{"apk": "apk-content", "report": `{"score":9}`},
	)
	resp, out := srv.do(t, http.MethodPut, "/put", ct, body)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(out))

	apkPath := filepath.Join(srv.storageDir, "apk", "malware", "abc.apk")
	reportPath := filepath.Join(srv.storageDir, "reports", "malware", "abc.json")

	var got domain.SubmitResponse
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, domain.SubmitResponse{
		OK:    true,
		Hash:  "abc",
		Tag:   domain.TagMalware,
		Files: domain.ArtifactFiles{APK: apkPath, Report: reportPath},
		Sizes: domain.ArtifactSizes{APK: 11, Report: 11},
	}, got)

	stored, err := os.ReadFile(apkPath)
	require.NoError(t, err)
	assert.Equal(t, "apk-content", string(stored))

	_, next := srv.do(t, http.MethodGet, "/get", "", nil)
	assert.Equal(t, "null", strings.TrimSpace(string(next)))
}

func TestSubmit_BadRequests(t *testing.T) {
	srv := newTestServer(t, 16, "")

	t.Run("not multipart", func(t *testing.T) {
		resp, body := srv.do(t, http.MethodPut, "/put", "application/json", strings.NewReader(`{}`))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.JSONEq(t, `{"error":"Content-Type must be multipart/form-data"}`, string(body))
	})

	t.Run("missing fields", func(t *testing.T) {
		ct, body := multipartBody(t, map[string]string{"hash": "abc"}, map[string]string{"apk": "x"})
		resp, out := srv.do(t, http.MethodPut, "/put", ct, body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.JSONEq(t, `{"error":"Missing required fields","required":["report","tag"]}`, string(out))
	})

	t.Run("invalid tag", func(t *testing.T) {
		ct, body := multipartBody(t,
			map[string]string{"hash": "abc", "tag": "unknown"},
			map[string]string{"apk": "x", "report": "{}"},
		)
		resp, _ := srv.do(t, http.MethodPut, "/put", ct, body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("file too large", func(t *testing.T) {
		ct, body := multipartBody(t,
			map[string]string{"hash": "abc", "tag": "benign"},
			map[string]string{"apk": strings.Repeat("x", 17), "report": "{}"},
		)
		resp, out := srv.do(t, http.MethodPut, "/put", ct, body)
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
		assert.Contains(t, string(out), "File too large")
	})

	entries, err := os.ReadDir(srv.storageDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, 0, "")

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/get"},
		{http.MethodGet, "/post"},
		{http.MethodPost, "/put"},
		{http.MethodGet, "/add-task"},
		{http.MethodDelete, "/stats"},
	} {
		resp, _ := srv.do(t, tc.method, tc.path, "", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, tc.method+" "+tc.path)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, 0, "")

	resp, body := srv.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	srv.do(t, http.MethodGet, "/get", "", nil)

	resp, body = srv.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `test_acquires_total{result="empty"} 1`)
	assert.Contains(t, string(body), `path="/get"`)
}

func TestDashboard(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>queue</h1>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o644))

	srv := newTestServer(t, 0, dir)

	resp, body := srv.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "<h1>queue</h1>")

	resp, body = srv.do(t, http.MethodGet, "/public/app.js", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "console.log(1)", string(body))

	resp, _ = srv.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type failingUsecase struct {
	Usecase
}

func (failingUsecase) NextTask(context.Context) (*domain.NextTaskResponse, error) {
	return nil, errors.New("server selection timeout")
}

func (failingUsecase) Stats(context.Context) (domain.Stats, error) {
	return domain.Stats{}, errors.New("server selection timeout")
}

func (failingUsecase) Ready(context.Context) error {
	return errors.New("server selection timeout")
}

func (failingUsecase) AddTask(context.Context, string, string) (domain.AddTaskResponse, error) {
	panic("unexpected call")
}

func TestStoreFailures(t *testing.T) {
	m := metrics.New("test")
	mux := NewRouter(NewHandler(1<<20, failingUsecase{}), nil, "").MountRoutes(http.NewServeMux())
	srv := testServer{Server: httptest.NewServer(WithRecover(LogMiddleware(m)(mux)))}
	t.Cleanup(srv.Close)

	resp, body := srv.do(t, http.MethodGet, "/get", "", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.JSONEq(t, `{"error":"Internal Server Error","message":"server selection timeout"}`, string(body))

	resp, _ = srv.do(t, http.MethodGet, "/stats", "", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, body = srv.postJSON(t, "/add-task", `{"hash":"h","tag":"benign"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.JSONEq(t, `{"error":"Internal Server Error","message":"Internal Server Error"}`, string(body))

	// No metrics endpoint was mounted.
	resp, _ = srv.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/get", routeLabel("/get"))
	assert.Equal(t, "/public/", routeLabel("/public/css/app.css"))
	assert.Equal(t, "other", routeLabel("/wp-admin"))
}

func TestHumanBytes(t *testing.T) {
	assert.Equal(t, "500MB", humanBytes(500<<20))
	assert.Equal(t, "2KB", humanBytes(2048))
	assert.Equal(t, "16 bytes", humanBytes(16))
}
