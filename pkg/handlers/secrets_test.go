package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rivetdb/rivetdb/pkg/catalog"
	"github.com/rivetdb/rivetdb/pkg/database"
	"github.com/rivetdb/rivetdb/pkg/secrets"
)

const testKey = "dGVzdC1rZXktZm9yLXVuaXQtdGVzdHMtMzItYnl0ZXM="

func newSecretsServer(t *testing.T, withKey bool) *httptest.Server {
	t.Helper()
	db, err := database.NewSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	require.NoError(t, database.RunSQLiteMigrations(db, zap.NewNop()))
	cat := catalog.NewSQLiteStore(db)
	t.Cleanup(func() { cat.Close() })

	var cipher *secrets.Cipher
	if withKey {
		cipher, err = secrets.NewCipher(testKey)
		require.NoError(t, err)
	}
	store := secrets.NewStore(cat, cipher, zap.NewNop())

	mux := http.NewServeMux()
	NewSecretsHandler(store, zap.NewNop()).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestSecretRoutesUnconfiguredReturn503(t *testing.T) {
	srv := newSecretsServer(t, false)

	resp := postJSON(t, srv.URL+"/secrets", CreateSecretRequest{Name: "pw", Value: "x"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/secrets")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestSecretCreateGetDelete(t *testing.T) {
	srv := newSecretsServer(t, true)

	resp := postJSON(t, srv.URL+"/secrets", CreateSecretRequest{Name: "pw", Value: "alpha"})
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// Duplicate name without overwrite conflicts.
	resp = postJSON(t, srv.URL+"/secrets", CreateSecretRequest{Name: "pw", Value: "beta"})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	getResp, err := http.Get(srv.URL + "/secrets/pw")
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&body))
	assert.Equal(t, "alpha", body["value"])

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/secrets/pw", nil)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusOK, delResp.StatusCode)

	getResp2, err := http.Get(srv.URL + "/secrets/pw")
	require.NoError(t, err)
	getResp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, getResp2.StatusCode)
}

func TestSecretInvalidNameReturns400(t *testing.T) {
	srv := newSecretsServer(t, true)

	resp := postJSON(t, srv.URL+"/secrets", CreateSecretRequest{Name: "has space", Value: "x"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
