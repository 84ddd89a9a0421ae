package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iogate/iogate/internal/auth"
	"github.com/iogate/iogate/internal/logging"
)

type staticValidator map[string]string

func (v staticValidator) ValidateToken(token string) (*auth.Claims, error) {
	user, ok := v[token]
	if !ok {
		return nil, errors.New("bad token")
	}
	return &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: user}}, nil
}

func TestJWTAuth(t *testing.T) {
	var seen string
	h := RequestID(JWTAuth(staticValidator{"good": "admin"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UsernameFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic good", http.StatusUnauthorized},
		{"lower case scheme", "bearer good", http.StatusNoContent},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"invalid", "Bearer bad", http.StatusUnauthorized},
		{"valid", "Bearer good", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/inputs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)

			if tt.status == http.StatusUnauthorized {
				var resp ErrorResponse
				require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
				assert.Equal(t, "UNAUTHORIZED", resp.Error.Code)
				assert.Equal(t, `Bearer realm="iogate"`, w.Header().Get("WWW-Authenticate"))
				assert.Equal(t, w.Header().Get("X-Request-ID"), resp.Error.RequestID)
			}
		})
	}
	assert.Equal(t, "admin", seen)
}

func TestRecovery(t *testing.T) {
	h := Recovery(logging.Discard())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/boom" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	tests := []struct {
		path  string
		level string
		code  int
	}{
		{"/health", "level=DEBUG", http.StatusOK},
		{"/api/v1/inputs", "level=INFO", http.StatusOK},
		{"/boom", "level=WARN", http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			buf.Reset()
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.code, w.Code)
			assert.Contains(t, buf.String(), tt.level)
			assert.Contains(t, buf.String(), fmt.Sprintf("status=%d", tt.code))
		})
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	t.Run("keeps caller uuid", func(t *testing.T) {
		const id = "6f1c2b8e-3a41-4d7e-9b0a-2c5f8e1d4a77"
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, id)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, id, seen)
		assert.Equal(t, id, w.Header().Get(RequestIDHeader))
	})

	t.Run("replaces garbage", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "<script>")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		_, err := uuid.Parse(seen)
		require.NoError(t, err)
		assert.Equal(t, seen, w.Header().Get(RequestIDHeader))
	})
}
