package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/crmorbit/backend/internal/app"
	"github.com/kimhsiao/crmorbit/backend/internal/config"
	apperrors "github.com/kimhsiao/crmorbit/backend/internal/errors"
)

// newTestApp opens a device in a temporary data directory.
func newTestApp(t *testing.T) *app.App {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Sync.Discovery = false
	cfg.Sync.AutoSyncInterval = 0
	cfg.Resolve()

	a, err := app.New(context.Background(), cfg, app.Options{Version: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func jsonRequest(method, path, body string) *http.Request {
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body map[string]ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"]
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code apperrors.ErrorCode
		want int
	}{
		{apperrors.ErrValidation, http.StatusBadRequest},
		{apperrors.ErrUnknownEventType, http.StatusBadRequest},
		{apperrors.ErrUnsupportedVersion, http.StatusBadRequest},
		{apperrors.ErrMissingSignaling, http.StatusBadRequest},
		{apperrors.ErrNotFound, http.StatusNotFound},
		{apperrors.ErrDuplicate, http.StatusConflict},
		{apperrors.ErrInvariant, http.StatusConflict},
		{apperrors.ErrSyncInProgress, http.StatusConflict},
		{apperrors.ErrDecryptInvalidGhash, http.StatusUnprocessableEntity},
		{apperrors.ErrDecryptUnknown, http.StatusUnprocessableEntity},
		{apperrors.ErrIncompleteBundle, http.StatusUnprocessableEntity},
		{apperrors.ErrTransport, http.StatusBadGateway},
		{apperrors.ErrSyncFailed, http.StatusBadGateway},
		{apperrors.ErrDatabase, http.StatusInternalServerError},
		{apperrors.ErrInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.code), string(tt.code))
	}
}

func TestWriteError_plainError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, errors.New("boom"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, apperrors.ErrInternal, body.Code)
	assert.Equal(t, "boom", body.Message)
}

func TestDecode(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}

	w := httptest.NewRecorder()
	require.NoError(t, decode(w, jsonRequest(http.MethodPost, "/", ""), &v))
	assert.Empty(t, v.Name)

	require.NoError(t, decode(w, jsonRequest(http.MethodPost, "/", `{"name":"x"}`), &v))
	assert.Equal(t, "x", v.Name)

	err := decode(w, jsonRequest(http.MethodPost, "/", `{"name":`), &v)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestSystemHandler(t *testing.T) {
	a := newTestApp(t)
	h := NewSystemHandler(a, a.Core, "1.2.3")

	w := httptest.NewRecorder()
	h.Health(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":"1.2.3"`)

	w = httptest.NewRecorder()
	h.Status(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var st app.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, a.Config.DeviceID, st.DeviceID)

	w = httptest.NewRecorder()
	h.Reset(w, jsonRequest(http.MethodPost, "/api/reset", `{}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	h.Reset(w, jsonRequest(http.MethodPost, "/api/reset", `{"confirm":true}`))
	assert.Equal(t, http.StatusNoContent, w.Code)
}
