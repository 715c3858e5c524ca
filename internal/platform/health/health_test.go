package health

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secure-storage/internal/platform/logger"
	"secure-storage/internal/security/encryption"
)

type fakeStore struct{ err error }

func (s fakeStore) Exists(context.Context, string) (bool, error) { return true, s.err }

type fakeKeyring struct {
	fallback bool
	overdue  bool
	legacy   bool
	err      error
}

func (k fakeKeyring) CurrentVersion() encryption.KeyVersion {
	return encryption.KeyVersion{Version: 3, Source: encryption.SourceHardware}
}
func (k fakeKeyring) HardwareFallback() bool { return k.fallback }
func (k fakeKeyring) RotationStatus() encryption.RotationStatus {
	return encryption.RotationStatus{CurrentVersion: 3, Overdue: k.overdue}
}
func (k fakeKeyring) HasLegacyKey(context.Context) (bool, error) { return k.legacy, k.err }

type response struct {
	Status  string        `json:"status"`
	Keyring KeyringReport `json:"keyring"`
	Storage struct {
		Status string `json:"status"`
	} `json:"storage"`
}

func call(t *testing.T, h *Handler) response {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.Register(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealthCheck(t *testing.T) {
	t.Cleanup(logger.SetOutput(&bytes.Buffer{}))

	tests := []struct {
		name        string
		store       StoreProbe
		keyring     KeyringStatus
		wantStatus  string
		wantKeyring string
	}{
		{"healthy", fakeStore{}, fakeKeyring{}, statusHealthy, statusHealthy},
		{"store down", fakeStore{err: errors.New("disk gone")}, fakeKeyring{}, statusDegraded, statusHealthy},
		{"rotation overdue", fakeStore{}, fakeKeyring{overdue: true}, statusDegraded, statusWarning},
		{"legacy key present", fakeStore{}, fakeKeyring{legacy: true}, statusDegraded, statusWarning},
		{"hardware fallback", fakeStore{}, fakeKeyring{fallback: true}, statusDegraded, statusWarning},
		{"legacy check fails", fakeStore{}, fakeKeyring{err: errors.New("boom")}, statusDegraded, statusUnhealthy},
		{"no encryption service", fakeStore{}, nil, statusDegraded, statusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, NewHealthHandler("secure-storage", "test", tt.store, tt.keyring))
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, tt.wantKeyring, resp.Keyring.Status)
			if tt.keyring != nil {
				assert.Equal(t, uint32(3), resp.Keyring.CurrentVersion)
			}
		})
	}
}
