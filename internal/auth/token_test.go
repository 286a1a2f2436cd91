package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-procure/internal/shared"
)

func newTestTokens(t *testing.T) *TokenManager {
	t.Helper()
	m, err := NewTokenManager("0123456789abcdef-secret", "odyssey-procure", time.Hour)
	require.NoError(t, err)
	return m
}

func TestTokenRoundTrip(t *testing.T) {
	m := newTestTokens(t)
	tok, err := m.Issue(&User{ID: 9, Email: "a@b.c"}, []string{shared.PermProcurementReceive})
	require.NoError(t, err)
	require.Equal(t, "Bearer", tok.TokenType)

	p, err := m.Parse(tok.AccessToken)
	require.NoError(t, err)
	require.Equal(t, int64(9), p.UserID)
	require.Equal(t, []string{shared.PermProcurementReceive}, p.Permissions)
}

func TestTokenRejections(t *testing.T) {
	m := newTestTokens(t)
	tok, err := m.Issue(&User{ID: 9}, nil)
	require.NoError(t, err)

	other, err := NewTokenManager("another-secret-0123456789", "odyssey-procure", time.Hour)
	require.NoError(t, err)
	_, err = other.Parse(tok.AccessToken)
	require.ErrorIs(t, err, shared.ErrInvalidToken)

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = m.Parse(tok.AccessToken)
	require.ErrorIs(t, err, shared.ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: 9})
	raw, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = newTestTokens(t).Parse(raw)
	require.True(t, errors.Is(err, shared.ErrInvalidToken))

	_, err = NewTokenManager("short", "", 0)
	require.Error(t, err)
}

func TestBearerMiddleware(t *testing.T) {
	m := newTestTokens(t)
	tok, err := m.Issue(&User{ID: 5}, []string{shared.PermProcurementView})
	require.NoError(t, err)

	var seen shared.Principal
	var attached bool
	h := Bearer(m, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, attached = shared.PrincipalFromContext(r.Context())
	}))

	cases := []struct {
		header   string
		code     int
		attached bool
	}{
		{header: "", code: http.StatusOK},
		{header: "Bearer " + tok.AccessToken, code: http.StatusOK, attached: true},
		{header: "bearer " + tok.AccessToken, code: http.StatusOK, attached: true},
		{header: "Basic Zm9vOmJhcg==", code: http.StatusUnauthorized},
		{header: "Bearer not-a-token", code: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		attached = false
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, tc.code, rec.Code, tc.header)
		require.Equal(t, tc.attached, attached, tc.header)
		if tc.attached {
			require.Equal(t, int64(5), seen.UserID)
		}
	}
}
