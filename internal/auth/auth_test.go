package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/securecookie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() *Store {
	return NewStore(NewMemoryUsers(), securecookie.GenerateRandomKey(32), securecookie.GenerateRandomKey(32))
}

func TestCreateAndAuthenticate(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	id, err := s.CreateUser(ctx, "frontdesk", "correct horse")
	require.NoError(t, err)
	assert.Positive(t, id)

	got, err := s.Authenticate(ctx, "frontdesk", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = s.Authenticate(ctx, "frontdesk", "wrong password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = s.Authenticate(ctx, "nobody", "correct horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = s.CreateUser(ctx, "frontdesk", "another one")
	assert.ErrorIs(t, err, ErrUserExists)
	_, err = s.CreateUser(ctx, "short", "abc")
	assert.Error(t, err)
	_, err = s.CreateUser(ctx, " ", "long enough")
	assert.Error(t, err)
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore()

	rec := httptest.NewRecorder()
	require.NoError(t, s.SetSession(rec, httptest.NewRequest(http.MethodPost, "/login", nil), 42))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.True(t, cookies[0].HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	sess, ok := s.GetSession(req)
	require.True(t, ok)
	assert.Equal(t, int64(42), sess.UserID)

	// a cookie from another key pair is rejected
	other := newTestStore()
	_, ok = other.GetSession(req)
	assert.False(t, ok)
}

func TestRequireAuth(t *testing.T) {
	s := newTestStore()
	var seen int64
	h := s.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/slots", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"authentication required"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))

	login := httptest.NewRecorder()
	require.NoError(t, s.SetSession(login, httptest.NewRequest(http.MethodPost, "/login", nil), 7))
	req := httptest.NewRequest(http.MethodGet, "/api/slots", nil)
	req.AddCookie(login.Result().Cookies()[0])
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(7), seen)
}

func TestClearSession(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestStore().ClearSession(rec)
	c := rec.Result().Cookies()
	require.Len(t, c, 1)
	assert.Equal(t, cookieName, c[0].Name)
	assert.Negative(t, c[0].MaxAge)
}
