package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/devicecloud/core/access"
	"github.com/relabs-tech/devicecloud/core/client"
	"github.com/relabs-tech/devicecloud/core/logger"
	"github.com/relabs-tech/devicecloud/iot"
	"github.com/relabs-tech/devicecloud/iot/commands"
	"github.com/relabs-tech/devicecloud/iot/credentials"
	"github.com/relabs-tech/devicecloud/iot/devices"
	"github.com/relabs-tech/devicecloud/iot/events"
	"github.com/relabs-tech/devicecloud/iot/ownership"
	"github.com/relabs-tech/devicecloud/iot/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef")

type testEnv struct {
	router    *mux.Router
	store     *devices.MemoryStore
	scheduler *scheduler.Scheduler
	recorder  *events.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	ctx := context.Background()
	store := devices.NewMemoryStore()
	for _, id := range []string{"dev1", "dev2"} {
		require.NoError(t, store.UpsertDevice(ctx, devices.Device{ID: id, CredentialHash: "initial", Enabled: true, Model: "plug"}))
	}
	sched := scheduler.New(&scheduler.Builder{Dispatcher: iot.DispatcherFunc(func(topic, payload string) {})})
	recorder := events.NewRecorder(64)

	router := mux.NewRouter()
	logger.AddRequestID(router)
	router.Use(access.NewJwtMiddelware(&access.JwtMiddlewareBuilder{Secret: testSecret}))
	New(&Builder{
		Router: router,
		Commands: commands.New(&commands.Builder{
			Engine:    ownership.New(&ownership.Builder{Store: store, Hasher: credentials.NewHasher(1000)}),
			Scheduler: sched,
			Sink:      recorder,
		}),
	})
	return &testEnv{router: router, store: store, scheduler: sched, recorder: recorder}
}

func (e *testEnv) clientFor(t *testing.T, email string) client.Client {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, access.Claims{EMail: email}).SignedString(testSecret)
	require.NoError(t, err)
	return client.NewWithRouter(e.router).WithToken(token)
}

func TestHealthAndAuthorization(t *testing.T) {
	env := newTestEnv(t)
	anonymous := client.NewWithRouter(env.router)

	var res response
	status, err := anonymous.RawGet("/health", &res)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "success", res.Status)

	status, _ = anonymous.RawGet("/devices", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = anonymous.RawPost("/jobs", map[string]string{}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = anonymous.WithToken("garbage").RawGet("/devices", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestRegister(t *testing.T) {
	env := newTestEnv(t)
	anonymous := client.NewWithRouter(env.router)

	var res response
	status, err := anonymous.RawPost("/register", map[string]string{"email": "alice@example.com", "password": "pw"}, &res)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	evs := env.recorder.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.VerificationRequired, evs[0].Type)

	status, _ = anonymous.RawPost("/register", map[string]string{"email": "alice@example.com", "password": "pw"}, &res)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "failed", res.Status)

	status, _ = anonymous.RawPost("/register", map[string]string{"email": "no-at-sign", "password": "pw"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	alice := env.clientFor(t, "alice@example.com")
	status, err = alice.RawPost("/account/broker-password", map[string]string{"password": "from-oauth"}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	d, _ := env.store.Device(context.Background(), "alice@example.com")
	ok, _ := credentials.Verify("from-oauth", d.CredentialHash)
	assert.True(t, ok)
}

func TestActivateAndRemove(t *testing.T) {
	env := newTestEnv(t)
	alice := env.clientFor(t, "alice@example.com")
	bob := env.clientFor(t, "bob@example.com")

	status, err := alice.RawPost("/devices/activate", map[string]string{"device_id": "dev1", "device_name": "Kitchen"}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	// idempotent for the owner, a conflict for everybody else
	status, err = alice.RawPost("/devices/activate", map[string]string{"device_id": "dev1", "device_name": "Kitchen"}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	var res response
	status, _ = bob.RawPost("/devices/activate", map[string]string{"device_id": "dev1", "device_name": "Mine"}, &res)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "failed", res.Status)

	status, _ = alice.RawPost("/devices/activate", map[string]string{"device_id": "ghost", "device_name": "Ghost"}, nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = alice.RawPost("/devices/activate", map[string]string{"device_id": "dev1"}, nil)
	assert.Equal(t, http.StatusBadRequest, status, "device_name is required")
	status, _ = alice.RawPost("/devices/activate", map[string]string{"device_id": "dev%", "device_name": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, status, "wildcards are no device ids")

	var list []device
	_, err = alice.RawGet("/devices", &list)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, device{DeviceID: "dev1", DeviceName: "Kitchen", DeviceModel: "plug", IsPrimaryOwner: true, CreatedAt: list[0].CreatedAt}, list[0])

	var pw response
	_, err = alice.RawPost("/devices/password", map[string]string{"device_id": "dev1"}, &pw)
	require.NoError(t, err)
	assert.Len(t, pw.Password, credentials.SecretLength)
	status, _ = bob.RawPost("/devices/password", map[string]string{"device_id": "dev1"}, nil)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = bob.RawPost("/devices/remove", map[string]string{"device_id": "dev1"}, nil)
	assert.Equal(t, http.StatusConflict, status)
	status, err = alice.RawPost("/devices/remove", map[string]string{"device_id": "dev1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	_, err = alice.RawGet("/devices", &list)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestJobs(t *testing.T) {
	env := newTestEnv(t)
	alice := env.clientFor(t, "alice@example.com")
	bob := env.clientFor(t, "bob@example.com")
	_, err := alice.RawPost("/devices/activate", map[string]string{"device_id": "dev1", "device_name": "Kitchen"}, nil)
	require.NoError(t, err)

	oneShot := map[string]interface{}{
		"device_id":                "dev1",
		"topic":                    "dev1/cmd",
		"repeat_job":               false,
		"job_action":               true,
		"start_date_time_selected": true,
		"start_date_time_values":   "2030-01-01 08:00:00+0000",
		"end_date_time_selected":   false,
	}
	var res response
	status, err := alice.RawPost("/jobs", oneShot, &res)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	require.Contains(t, res.JobID, "dev1")
	oneShotID := res.JobID

	status, _ = bob.RawPost("/jobs", oneShot, nil)
	assert.Equal(t, http.StatusConflict, status)

	foreign := map[string]interface{}{}
	for k, v := range oneShot {
		foreign[k] = v
	}
	foreign["topic"] = "dev2/cmd"
	status, _ = alice.RawPost("/jobs", foreign, nil)
	assert.Equal(t, http.StatusConflict, status, "commands stay in the device's namespace")
	foreign["topic"] = "dev1/#"
	status, _ = alice.RawPost("/jobs", foreign, nil)
	assert.Equal(t, http.StatusBadRequest, status, "wildcards are no topics")

	recurring := map[string]interface{}{
		"device_id":                "dev1",
		"topic":                    "dev1/cmd",
		"repeat_job":               true,
		"job_action":               false,
		"Sunday":                   true,
		"Wednesday":                true,
		"start_date_time_selected": true,
		"start_date_time_values":   "2030-01-01 10:00:00+0300",
	}
	_, err = alice.RawPost("/jobs", recurring, &res)
	require.NoError(t, err)
	recurringID := res.JobID

	var jobs []job
	_, err = alice.RawGet("/devices/dev1/jobs", &jobs)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	byID := map[string]job{}
	for _, j := range jobs {
		byID[j.JobID] = j
	}
	assert.Equal(t, "one-shot", byID[oneShotID].Kind)
	assert.Equal(t, "1", byID[oneShotID].Payload)
	assert.Equal(t, "recurring", byID[recurringID].Kind)
	assert.Equal(t, "6,2", byID[recurringID].DayOfWeek)
	assert.Equal(t, "0", byID[recurringID].Payload)
	status, _ = bob.RawGet("/devices/dev1/jobs", nil)
	assert.Equal(t, http.StatusConflict, status)

	malformed := map[string]interface{}{}
	for k, v := range oneShot {
		malformed[k] = v
	}
	malformed["start_date_time_values"] = "01/01/2030 8am"
	status, _ = alice.RawPost("/jobs", malformed, &res)
	assert.Equal(t, http.StatusBadRequest, status)

	noDays := map[string]interface{}{}
	for k, v := range oneShot {
		noDays[k] = v
	}
	noDays["repeat_job"] = true
	status, _ = alice.RawPost("/jobs", noDays, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, err = alice.RawPost("/jobs/remove", map[string]string{"device_id": "dev1", "job_id": oneShotID}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	status, _ = alice.RawPost("/jobs/remove", map[string]string{"device_id": "dev1", "job_id": oneShotID}, nil)
	assert.Equal(t, http.StatusNotFound, status)

	// removing the device cancels its remaining jobs
	_, err = alice.RawPost("/devices/remove", map[string]string{"device_id": "dev1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, env.scheduler.Len())
}

func TestMiddleware(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	wrapped := mux.NewRouter()
	wrapped.PathPrefix("/").Handler(Middleware(router))
	status, _ := client.NewWithRouter(wrapped).RawGet("/panic", nil)
	assert.Equal(t, http.StatusInternalServerError, status)
}
