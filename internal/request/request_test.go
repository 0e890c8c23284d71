package request_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/ammofeeds/ingestor/internal/request"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToJsonReq(t *testing.T) {
	payload := map[string]string{"key": "value"}
	buf, err := request.ToJsonReq(payload)
	require.NoError(t, err)
	expected, _ := json.Marshal(payload)
	assert.Equal(t, expected, buf.Bytes())

	buf, err = request.ToJsonReq(map[string]interface{}{"key": make(chan int)})
	assert.Error(t, err)
	assert.Nil(t, buf)
}

func TestCall(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "https://hooks.example.com/json",
		httpmock.NewStringResponder(200, `{"status":"success"}`))
	httpmock.RegisterResponder("POST", "https://hooks.example.com/text",
		httpmock.NewStringResponder(200, `ok`))
	httpmock.RegisterResponder("POST", "https://hooks.example.com/fail",
		httpmock.NewStringResponder(503, `down`))

	var out map[string]string
	req, _ := http.NewRequest(http.MethodPost, "https://hooks.example.com/json", nil)
	_, err := request.Call(req, &out)
	require.NoError(t, err)
	assert.Equal(t, "success", out["status"])
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

	req, _ = http.NewRequest(http.MethodPost, "https://hooks.example.com/text", nil)
	_, err = request.Call(req, &out)
	assert.NoError(t, err)

	req, _ = http.NewRequest(http.MethodPost, "https://hooks.example.com/fail", nil)
	_, err = request.Call(req, nil)
	var statusErr *request.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, 503, statusErr.StatusCode)
}

func TestBasicAuth(t *testing.T) {
	assert.Equal(t, "dXNlcjpwYXNz", request.BasicAuth("user", "pass"))
}
