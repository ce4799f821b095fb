package testutils

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

// HTTPTestHelper sends requests straight into a router.
type HTTPTestHelper struct {
	T      *testing.T
	Router http.Handler
}

func NewHTTPTestHelper(t *testing.T, router http.Handler) *HTTPTestHelper {
	return &HTTPTestHelper{T: t, Router: router}
}

func (h *HTTPTestHelper) GET(path string) *HTTPResponse {
	return h.Request(http.MethodGet, path, nil)
}

func (h *HTTPTestHelper) POST(path string, body interface{}) *HTTPResponse {
	return h.Request(http.MethodPost, path, body)
}

// Request encodes body as JSON when it is not nil.
func (h *HTTPTestHelper) Request(method, path string, body interface{}) *HTTPResponse {
	h.T.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.T, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	h.Router.ServeHTTP(w, req)
	return &HTTPResponse{T: h.T, Recorder: w}
}

// HTTPResponse wraps a recorded response with assertions.
type HTTPResponse struct {
	T        *testing.T
	Recorder *httptest.ResponseRecorder
}

func (r *HTTPResponse) Code() int { return r.Recorder.Code }

func (r *HTTPResponse) AssertStatus(expected int) *HTTPResponse {
	r.T.Helper()
	require.Equal(r.T, expected, r.Recorder.Code, r.Recorder.Body.String())
	return r
}

func (r *HTTPResponse) AssertContains(substring string) *HTTPResponse {
	r.T.Helper()
	require.Contains(r.T, r.Recorder.Body.String(), substring)
	return r
}

// GetJSON decodes the body into target.
func (r *HTTPResponse) GetJSON(target interface{}) {
	r.T.Helper()
	require.NoError(r.T, json.Unmarshal(r.Recorder.Body.Bytes(), target))
}

func (r *HTTPResponse) String() string { return r.Recorder.Body.String() }
