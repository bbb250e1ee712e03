package ldap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ldapc "gpuquota/internal/pkg/client/ldap"
)

type fakeLookup map[string]string

func (f fakeLookup) GetUserMail(_ context.Context, uid string) (string, error) {
	if uid == "broken" {
		return "", errors.New("ldap: connection reset")
	}
	mail, ok := f[uid]
	if !ok {
		return "", fmt.Errorf("%w: %s", ldapc.ErrNoMail, uid)
	}
	return mail, nil
}

func setup(t *testing.T, l mailLookup) *gin.Engine {
	t.Helper()
	prev := lookup
	lookup = func() mailLookup { return l }
	t.Cleanup(func() { lookup = prev })

	gin.SetMode(gin.TestMode)
	r := gin.New()
	Router{}.Register(r)
	return r
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestGetUserMail(t *testing.T) {
	r := setup(t, fakeLookup{"alice": "alice@example.org"})

	w := get(r, "/api/v1/ldap/user/alice/mail")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Results UserMail `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, UserMail{UID: "alice", Mail: "alice@example.org"}, body.Results)

	assert.Equal(t, http.StatusNotFound, get(r, "/api/v1/ldap/user/bob/mail").Code)
	assert.Equal(t, http.StatusBadGateway, get(r, "/api/v1/ldap/user/broken/mail").Code)
}

func TestGetUserMailNotConfigured(t *testing.T) {
	r := setup(t, nil)
	w := get(r, "/api/v1/ldap/user/alice/mail")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not configured")
}
