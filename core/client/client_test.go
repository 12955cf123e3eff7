package client

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/devicecloud/core/access"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoRouter() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/whoami", func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		if auth == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"user":   auth.User,
			"header": r.Header.Get("X-Test"),
			"token":  r.Header.Get("Authorization"),
		})
	}).Methods(http.MethodGet)
	router.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, `{"status":"failed"}`, http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(body)
	}).Methods(http.MethodPost)
	return router
}

func TestRouterClient(t *testing.T) {
	c := NewWithRouter(echoRouter())

	status, err := c.RawGet("/whoami", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	var who map[string]string
	authorized := c.WithAuthorization(&access.Authorization{User: "alice"}).WithHeader("X-Test", "yes").WithToken("abc")
	_, err = authorized.RawGet("/whoami", &who)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"user": "alice", "header": "yes", "token": "Bearer abc"}, who)

	var echo map[string]interface{}
	status, err = c.RawPost("/echo", map[string]interface{}{"device_id": "dev1"}, &echo)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "dev1", echo["device_id"])

	var raw []byte
	status, err = c.RawPost("/echo", []byte("not json"), &raw)
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(raw), "failed")

	status, _ = c.RawGet("/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestURLClient(t *testing.T) {
	server := httptest.NewServer(echoRouter())
	defer server.Close()

	c := NewWithURL(server.URL + "/")
	var echo map[string]interface{}
	status, err := c.RawPost("/echo", map[string]interface{}{"n": 1}, &echo)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.EqualValues(t, 1, echo["n"])
}
