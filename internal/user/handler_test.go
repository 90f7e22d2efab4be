package user

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/chat"
	myMiddleware "chatsync/internal/middleware"
)

func newTestRouter(s *Service) http.Handler {
	h := NewHandler(s, discard())
	r := chi.NewRouter()
	r.Post("/register", h.Register)
	r.Post("/login", h.Login)
	r.Group(func(r chi.Router) {
		r.Use(myMiddleware.NewAuthMiddleware(s).Handle)
		r.Get("/api/users/search", h.SearchUsers)
	})
	return r
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Code
}

func TestHandlerFlow(t *testing.T) {
	s, _ := newTestService()
	h := newTestRouter(s)

	rec := do(t, h, http.MethodPost, "/register", `{"username":"alice","password":"password1"}`, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var created User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotContains(t, rec.Body.String(), "password")

	rec = do(t, h, http.MethodPost, "/register", `{"username":"alicia","password":"password1"}`, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, http.MethodPost, "/login", `{"username":"alice","password":"password1"}`, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var login LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	assert.Equal(t, created.ID, login.ID)

	rec = do(t, h, http.MethodGet, "/api/users/search?q=ali", "", login.AccessToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var found []User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &found))
	require.Len(t, found, 1, "the requester is excluded")
	assert.Equal(t, "alicia", found[0].Username)

	rec = do(t, h, http.MethodGet, "/api/users/search?q=ali", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerErrors(t *testing.T) {
	s, _ := newTestService()
	h := newTestRouter(s)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"malformed body", "/register", `{`, http.StatusBadRequest, chat.CodeValidation},
		{"short password", "/register", `{"username":"bob","password":"x"}`, http.StatusBadRequest, chat.CodeValidation},
		{"bad username", "/register", `{"username":"b o b","password":"password1"}`, http.StatusBadRequest, chat.CodeValidation},
		{"unknown user", "/login", `{"username":"ghost","password":"password1"}`, http.StatusUnauthorized, chat.CodeUnauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, tt.path, tt.body, "")
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}

	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/register", `{"username":"bob","password":"password1"}`, "").Code)
	rec := do(t, h, http.MethodPost, "/register", `{"username":"bob","password":"password1"}`, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, chat.CodeValidation, errorCode(t, rec))
}
