package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/defect-api/internal/metrics"
	"github.com/Brownie44l1/defect-api/internal/model"
	"github.com/Brownie44l1/defect-api/internal/tensor"
)

const uploadDir = "/srv/uploads"

type fixedPredictor struct {
	scores []float32
}

func (p fixedPredictor) Predict(context.Context, *tensor.Scope, *tensor.Tensor) ([]float32, error) {
	return append([]float32(nil), p.scores...), nil
}

func (fixedPredictor) Close() error { return nil }

// countingFs records how many files the handlers create.
type countingFs struct {
	afero.Fs
	opened atomic.Int32
}

func (fs *countingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&os.O_CREATE != 0 {
		fs.opened.Add(1)
	}
	return fs.Fs.OpenFile(name, flag, perm)
}

type testEnv struct {
	router *gin.Engine
	server *model.Server
	fs     *countingFs
	reg    *prometheus.Registry
}

func newTestEnv(t *testing.T, scores []float32, load bool, maxBytes int64) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg, model.StateNames()...)
	require.NoError(t, err)

	server := model.NewServer(func(context.Context) (model.Predictor, error) {
		return fixedPredictor{scores: scores}, nil
	}, model.WithImageSize(8), model.WithMetrics(m))
	if load {
		require.NoError(t, server.Load(context.Background()))
	}

	fs := &countingFs{Fs: afero.NewMemMapFs()}
	h, err := NewHandler(server, Options{
		Fs:             fs,
		UploadDir:      uploadDir,
		MaxUploadBytes: maxBytes,
		Metrics:        m,
		Gatherer:       reg,
	})
	require.NoError(t, err)

	router := gin.New()
	RegisterRoutes(router, h)
	return &testEnv{router: router, server: server, fs: fs, reg: reg}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	e.router.ServeHTTP(resp, req)
	return resp
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 12, 12))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	img.Set(3, 3, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func buildMultipartBody(t *testing.T, field, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="`+field+`"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	return body, writer.FormDataContentType()
}

func analyzeRequest(t *testing.T, field string, payload []byte) *http.Request {
	t.Helper()
	body, contentType := buildMultipartBody(t, field, "image/png", payload)
	req := httptest.NewRequest(http.MethodPost, "/analyze", body)
	req.Header.Set("Content-Type", contentType)
	return req
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out), resp.Body.String())
	return out
}

func TestAnalyzeBeforeModelReady(t *testing.T) {
	env := newTestEnv(t, []float32{1, 0}, false, 0)

	resp := env.do(analyzeRequest(t, ImageField, pngBytes(t)))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.Equal(t, "model not ready", decodeBody(t, resp)["error"])

	// Readiness is checked before the body is parsed.
	resp = env.do(httptest.NewRequest(http.MethodPost, "/analyze", nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.Zero(t, env.fs.opened.Load())
}

func TestAnalyzeMissingImage(t *testing.T) {
	env := newTestEnv(t, []float32{1, 0}, true, 0)

	resp := env.do(analyzeRequest(t, "photo", pngBytes(t)))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "missing image", decodeBody(t, resp)["error"])

	resp = env.do(httptest.NewRequest(http.MethodPost, "/analyze", bytes.NewBufferString("{}")))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestAnalyzeRejectsLargeUpload(t *testing.T) {
	env := newTestEnv(t, []float32{1, 0}, true, 1024)

	resp := env.do(analyzeRequest(t, ImageField, bytes.Repeat([]byte("a"), 2048)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)
	assert.Equal(t, "image too large", decodeBody(t, resp)["error"])
}

func TestAnalyzeCorruptImage(t *testing.T) {
	env := newTestEnv(t, []float32{1, 0}, true, 0)

	resp := env.do(analyzeRequest(t, ImageField, []byte("not an image")))
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.Equal(t, "analysis failed", decodeBody(t, resp)["error"])
}

func TestAnalyzeSuccess(t *testing.T) {
	env := newTestEnv(t, []float32{0.75, 0.25}, true, 0)

	resp := env.do(analyzeRequest(t, ImageField, pngBytes(t)))
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	body := decodeBody(t, resp)
	assert.Len(t, body, 3)
	assert.Equal(t, "Defective", body["class"])
	assert.InDelta(t, 0.75, body["confidence_defective"], 1e-6)
	assert.InDelta(t, 0.25, body["confidence_good"], 1e-6)
}

func TestUploadsLeaveNoArtifacts(t *testing.T) {
	env := newTestEnv(t, []float32{0.1, 0.9}, true, 0)

	const n = 10
	for i := 0; i < n; i++ {
		payload := pngBytes(t)
		if i%3 == 0 {
			payload = []byte("corrupt")
		}
		resp := env.do(analyzeRequest(t, ImageField, payload))
		require.Contains(t, []int{http.StatusOK, http.StatusInternalServerError}, resp.Code)
	}

	assert.Equal(t, int32(n), env.fs.opened.Load())
	entries, err := afero.ReadDir(env.fs, uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, []float32{1, 0}, false, 0)

	resp := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, map[string]any{"status": "healthy", "model": "not_loaded"}, decodeBody(t, resp))

	resp = env.do(httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)

	require.NoError(t, env.server.Load(context.Background()))
	resp = env.do(httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "ready", decodeBody(t, resp)["status"])
}

func TestPredictRawTensor(t *testing.T) {
	env := newTestEnv(t, []float32{0.4, 0.6}, true, 0)

	post := func(v any) *httptest.ResponseRecorder {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
		return env.do(req)
	}

	resp := post(model.PredictionRequest{Image: make([]float32, 5)})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = post(model.PredictionRequest{Image: make([]float32, 8*8*3)})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, "Good", decodeBody(t, resp)["class"])

	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, env.do(req).Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, []float32{1, 0}, true, 0)

	resp := env.do(httptest.NewRequest(http.MethodOptions, "/analyze", nil))
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "*", resp.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t, []float32{1, 0}, true, 0)

	resp := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	_, err := uuid.Parse(resp.Header().Get(RequestIDHeader))
	assert.NoError(t, err)

	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, id)
	assert.Equal(t, id, env.do(req).Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "not-a-uuid")
	assert.NotEqual(t, "not-a-uuid", env.do(req).Header().Get(RequestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, []float32{1, 0}, true, 0)
	env.do(analyzeRequest(t, ImageField, pngBytes(t)))

	resp := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `defect_analyses_total{outcome="defective"} 1`)
	assert.Contains(t, resp.Body.String(), `defect_model_state{state="ready"} 1`)
}

func TestNewHandlerFailsWhenUploadDirCannotBeCreated(t *testing.T) {
	_, err := NewHandler(nil, Options{Fs: afero.NewReadOnlyFs(afero.NewMemMapFs()), UploadDir: "/uploads"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, os.ErrNotExist))
}
