package httpx_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diamondops/custody/pkg/errclass"
	"github.com/diamondops/custody/pkg/httpx"
)

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestReadJSON_RejectsUnknownFields(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a","extra":1}`))
	assert.Error(t, httpx.ReadJSON(req, &dst))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a"}`))
	require.NoError(t, httpx.ReadJSON(req, &dst))
	assert.Equal(t, "a", dst.Name)
}

func TestWriteErr_UsesErrorClass(t *testing.T) {
	rr := httptest.NewRecorder()
	err := fmt.Errorf("propose: %w", errclass.ErrCustodyLocked.WithMessage("item ring is locked"))
	httpx.WriteErr(rr, err)

	assert.Equal(t, http.StatusLocked, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("content-type"))
	body := decode(t, rr)
	assert.True(t, strings.HasPrefix(body["request_id"].(string), "req_"))
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "E_CUSTODY_LOCKED", errObj["code"])
	assert.Equal(t, "item ring is locked", errObj["message"])
}

func TestWriteErr_UnclassifiedIsInternal(t *testing.T) {
	rr := httptest.NewRecorder()
	httpx.WriteErr(rr, fmt.Errorf("boom"))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "INTERNAL", decode(t, rr)["error"].(map[string]any)["code"])
}
