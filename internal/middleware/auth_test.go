package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func authedRequest(t *testing.T, token string) *httptest.ResponseRecorder {
	t.Helper()
	var gotSessionID, gotAppID string
	handler := Auth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSessionID = GetSessionID(r.Context())
		gotAppID = GetAppID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/session/history", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code == http.StatusOK {
		assert.NotEmpty(t, gotSessionID)
		assert.NotEmpty(t, gotAppID)
	}
	return rec
}

func TestAuthRoundTrip(t *testing.T) {
	token, err := IssueToken(testSecret, "sess-1", "app1", time.Hour)
	require.NoError(t, err)

	rec := authedRequest(t, token)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRejectsMissingHeader(t *testing.T) {
	rec := authedRequest(t, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRejectsWrongSecret(t *testing.T) {
	token, err := IssueToken("other-secret", "sess-1", "app1", time.Hour)
	require.NoError(t, err)

	rec := authedRequest(t, token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthRejectsExpiredToken(t *testing.T) {
	token, err := IssueToken(testSecret, "sess-1", "app1", -time.Minute)
	require.NoError(t, err)

	rec := authedRequest(t, token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthPropagatesClaims(t *testing.T) {
	token, err := IssueToken(testSecret, "sess-9", "app2", time.Hour)
	require.NoError(t, err)

	var sessionID, appID string
	handler := Auth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID = GetSessionID(r.Context())
		appID = GetAppID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "sess-9", sessionID)
	assert.Equal(t, "app2", appID)
}

func TestValidateQuery(t *testing.T) {
	assert.NoError(t, ValidateQuery("总结一下病历"))
	assert.Error(t, ValidateQuery(""))
	assert.Error(t, ValidateQuery(strings.Repeat("a", 100001)))
	assert.Error(t, ValidateQuery("\xff\xfe"))
}

func TestValidateAppID(t *testing.T) {
	assert.NoError(t, ValidateAppID("app1"))
	assert.Error(t, ValidateAppID(""))
	assert.Error(t, ValidateAppID(strings.Repeat("a", 129)))
}

func TestValidateRating(t *testing.T) {
	assert.NoError(t, ValidateRating("like"))
	assert.NoError(t, ValidateRating("dislike"))
	assert.Error(t, ValidateRating("love"))
	assert.Error(t, ValidateRating(""))
}
