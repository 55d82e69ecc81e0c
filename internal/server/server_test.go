package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diamondops/custody/internal/server"
	"github.com/diamondops/custody/pkg/config"
	"github.com/diamondops/custody/pkg/custody"
	"github.com/diamondops/custody/pkg/logging"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Backend = config.BackendMemory
	cfg.Notify.LogSink = false
	eng, err := custody.Open(context.Background(), custody.Options{Root: t.TempDir(), Config: cfg, Logger: logging.Discard()})
	require.NoError(t, err)
	ts := httptest.NewServer(server.New(eng).Router())
	t.Cleanup(func() {
		ts.Close()
		eng.Close()
	})
	return ts
}

func call(t *testing.T, ts *httptest.Server, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	if resp.ContentLength != 0 && resp.Header.Get("content-type") == "application/json" {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func errCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newServer(t)
	status, _ := call(t, ts, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTransitionLifecycle(t *testing.T) {
	ts := newServer(t)

	status, _ := call(t, ts, http.MethodPost, "/items", map[string]any{"item_id": "ring", "custodian": "alice"})
	require.Equal(t, http.StatusCreated, status)

	status, body := call(t, ts, http.MethodPost, "/items/ring/transitions", map[string]any{"initiator": "bob", "proposed_new_custodian": "bob"})
	require.Equal(t, http.StatusCreated, status)
	tr := body["result"].(map[string]any)["transition"].(map[string]any)
	id := tr["transition_id"].(string)

	status, body = call(t, ts, http.MethodPost, "/items/ring/transitions", map[string]any{"initiator": "carol", "proposed_new_custodian": "carol"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "E_DUPLICATE_ACTIVE_TRANSITION", errCode(body))

	status, body = call(t, ts, http.MethodPost, "/transitions/"+id+"/confirm", map[string]any{"actor": "alice", "rule": "dual"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "E_INVALID_TRANSITION", errCode(body))

	status, _ = call(t, ts, http.MethodPost, "/transitions/"+id+"/acknowledge", map[string]any{"actor": "alice"})
	require.Equal(t, http.StatusOK, status)
	status, _ = call(t, ts, http.MethodPost, "/transitions/"+id+"/attest", map[string]any{"attester": "bob"})
	require.Equal(t, http.StatusOK, status)
	status, body = call(t, ts, http.MethodPost, "/transitions/"+id+"/confirm", map[string]any{
		"actor": "alice", "rule": "dual", "attestations": []map[string]any{{"attester": "alice"}},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "confirmed", body["result"].(map[string]any)["transition"].(map[string]any)["state"])

	status, body = call(t, ts, http.MethodGet, "/items/ring", nil)
	require.Equal(t, http.StatusOK, status)
	item := body["item"].(map[string]any)["item"].(map[string]any)
	assert.Equal(t, "bob", item["current_custodian"])

	status, body = call(t, ts, http.MethodGet, "/items/ring/events", nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["events"])

	status, body = call(t, ts, http.MethodGet, "/verify?item=ring", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["valid"])
}

func TestErrorMapping(t *testing.T) {
	ts := newServer(t)

	status, body := call(t, ts, http.MethodGet, "/items/ghost", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "E_UNKNOWN_ITEM", errCode(body))

	status, body = call(t, ts, http.MethodPost, "/items", map[string]any{"item_id": "ring", "custodian": "alice", "colour": "gold"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "BAD_JSON", errCode(body))

	status, _ = call(t, ts, http.MethodPost, "/items", map[string]any{"item_id": "ring", "custodian": "alice"})
	require.Equal(t, http.StatusCreated, status)
	status, _ = call(t, ts, http.MethodPost, "/items/ring/lock", map[string]any{"actor": "alice"})
	require.Equal(t, http.StatusOK, status)
	status, body = call(t, ts, http.MethodPost, "/items/ring/transitions", map[string]any{"initiator": "bob", "proposed_new_custodian": "bob"})
	assert.Equal(t, http.StatusLocked, status)
	assert.Equal(t, "E_CUSTODY_LOCKED", errCode(body))

	status, body = call(t, ts, http.MethodGet, "/items/ring/events?from=x", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "BAD_QUERY", errCode(body))
}

func TestEvidenceAndPackets(t *testing.T) {
	ts := newServer(t)
	status, _ := call(t, ts, http.MethodPost, "/items", map[string]any{"item_id": "vase", "custodian": "alice"})
	require.Equal(t, http.StatusCreated, status)

	status, body := call(t, ts, http.MethodPost, "/items/vase/artifacts", map[string]any{
		"category": "photo", "payload_ref": "s3://bucket/vase.jpg",
		"metadata": map[string]string{"device": "pixel", "source_hash": "abc", "transformation": "original"},
	})
	require.Equal(t, http.StatusCreated, status)
	artID := body["artifact"].(map[string]any)["artifact_id"].(string)

	status, _ = call(t, ts, http.MethodPost, "/artifacts/"+artID+"/rescore", nil)
	require.Equal(t, http.StatusCreated, status)
	status, body = call(t, ts, http.MethodGet, "/artifacts/"+artID+"/scores", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["scores"], 2)

	status, body = call(t, ts, http.MethodPost, "/items/vase/artifacts", map[string]any{"category": "hologram", "payload_ref": "x"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "E_INVALID_ARTIFACT", errCode(body))

	status, body = call(t, ts, http.MethodPost, "/items/vase/packets", map[string]any{"level": 1})
	require.Equal(t, http.StatusCreated, status)
	pktID := body["packet"].(map[string]any)["packet_id"].(string)

	status, body = call(t, ts, http.MethodGet, "/packets/"+pktID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, pktID, body["packet"].(map[string]any)["packet_id"])

	status, body = call(t, ts, http.MethodPost, "/items/vase/packets", map[string]any{"level": 7})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "E_INVALID_LEVEL", errCode(body))

	status, body = call(t, ts, http.MethodGet, "/packets/pkt_missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "E_UNKNOWN_PACKET", errCode(body))
}

func TestSweepDryRun(t *testing.T) {
	ts := newServer(t)
	status, body := call(t, ts, http.MethodPost, "/sweep?dry_run=true", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Nil(t, body["report"])
	assert.NotNil(t, body["plan"])
}

func TestDoctor(t *testing.T) {
	ts := newServer(t)
	status, body := call(t, ts, http.MethodGet, "/doctor?strict=true", nil)
	require.Equal(t, http.StatusOK, status)
	result, ok := body["doctor"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, result["healthy"])
}
