package server_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shootperps/internal/crypto"
	"github.com/alanyoungcy/shootperps/internal/domain"
	"github.com/alanyoungcy/shootperps/internal/ledger"
	"github.com/alanyoungcy/shootperps/internal/ledger/memstore"
	"github.com/alanyoungcy/shootperps/internal/server"
	"github.com/alanyoungcy/shootperps/internal/server/handler"
)

const apiKey = "test-key"

type fixture struct {
	srv   *httptest.Server
	prog  *ledger.Program
	admin *crypto.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	prog := ledger.NewProgram(memstore.New(), ledger.DefaultConfig(), logger)
	admin, err := crypto.GenerateSigner(prog.ChainID())
	require.NoError(t, err)

	s := server.NewServer(server.Config{APIKey: apiKey}, server.Handlers{
		Health: handler.NewHealthHandler(nil, logger),
		Ledger: handler.NewLedgerHandler(prog, logger),
	}, nil, nil, logger)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &fixture{srv: ts, prog: prog, admin: admin}
}

func (f *fixture) do(t *testing.T, method, path string, body any, key string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (f *fixture) signed(t *testing.T, kind domain.InstructionKind, args any) ledger.SignedEnvelope {
	t.Helper()
	env, err := ledger.Sign(f.admin, kind, args, time.Now())
	require.NoError(t, err)
	return env
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var body handler.ErrorBody
	require.NoError(t, json.Unmarshal(data, &body))
	return body.Code
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, data := f.do(t, http.MethodGet, "/api/health", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), `"status":"ok"`)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestSubmitAndRead(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/v1/perpetuals", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	env := f.signed(t, domain.IxInitialize, domain.InitializeArgs{Permissions: domain.AllPermissions()})
	resp, data := f.do(t, http.MethodPost, "/v1/tx", env, apiKey)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	resp, data = f.do(t, http.MethodGet, "/v1/perpetuals", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var perps domain.Perpetuals
	require.NoError(t, json.Unmarshal(data, &perps))
	assert.Equal(t, f.admin.Identity(), perps.Admin)

	// Replaying the same envelope is rejected.
	resp, data = f.do(t, http.MethodPost, "/v1/tx", env, apiKey)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, []string{"replay", "already_exists"}, errorCode(t, data))

	resp, data = f.do(t, http.MethodGet, "/v1/events/log?after=0&limit=10", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(string(data), "["))
}

func TestSubmitRequiresAPIKey(t *testing.T) {
	f := newFixture(t)
	env := f.signed(t, domain.IxInitialize, domain.InitializeArgs{})

	resp, data := f.do(t, http.MethodPost, "/v1/tx", env, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	resp, _ = f.do(t, http.MethodPost, "/v1/tx", env, "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubmitRejectsTamperedEnvelope(t *testing.T) {
	f := newFixture(t)
	env := f.signed(t, domain.IxInitialize, domain.InitializeArgs{})
	env.Salt++

	resp, data := f.do(t, http.MethodPost, "/v1/tx", env, apiKey)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))
}

func TestSubmitRejectsUnknownFields(t *testing.T) {
	f := newFixture(t)
	resp, data := f.do(t, http.MethodPost, "/v1/tx", map[string]any{"bogus": 1}, apiKey)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "invalid_argument", errorCode(t, data))
}

func TestClusterKeyUnavailable(t *testing.T) {
	f := newFixture(t)
	resp, data := f.do(t, http.MethodGet, "/v1/cluster/key", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "key_unavailable", errorCode(t, data))
}

func TestReadErrors(t *testing.T) {
	f := newFixture(t)

	resp, data := f.do(t, http.MethodGet, "/v1/positions/not-a-key", nil, "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "invalid_argument", errorCode(t, data))

	addr := domain.DerivePubkey([]byte("nobody"))
	resp, _ = f.do(t, http.MethodGet, "/v1/positions/"+addr.String(), nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/finalizations/42", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/v1/computations/abc", nil, "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestOwnerWithoutPositions(t *testing.T) {
	f := newFixture(t)
	resp, data := f.do(t, http.MethodGet, "/v1/owners/"+f.admin.Identity().String()+"/positions", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", string(data))

	resp, data = f.do(t, http.MethodGet, "/v1/balances/"+domain.DerivePubkey([]byte("mint")).String()+"/"+f.admin.Identity().String(), nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var bal handler.BalanceResponse
	require.NoError(t, json.Unmarshal(data, &bal))
	assert.Zero(t, bal.Amount)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/api/health", nil, "")
	resp, data := f.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "shootperps_")
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/v1/tx", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestListPendingComputationsEmpty(t *testing.T) {
	f := newFixture(t)
	resp, data := f.do(t, http.MethodGet, "/v1/computations", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pending []domain.Computation
	require.NoError(t, json.Unmarshal(data, &pending))
	assert.Empty(t, pending)
}
