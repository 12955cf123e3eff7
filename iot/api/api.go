/*Package api is the REST interface of the device cloud

All routes except /register and /health need an authorization, see core/access. Request
bodies are validated against the JSON schemas in schemas/. Mutations answer with

	{"status": "success"|"failed", "message": "..."}

Domain errors map to status codes: malformed requests are 400, unknown jobs 404,
ownership conflicts 409. An unknown device is answered with 204.
*/
package api

import (
	"embed"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/devicecloud/core/access"
	"github.com/relabs-tech/devicecloud/core/logger"
	"github.com/relabs-tech/devicecloud/core/schema"
	"github.com/relabs-tech/devicecloud/iot/commands"
	"github.com/relabs-tech/devicecloud/iot/ownership"
	"github.com/relabs-tech/devicecloud/iot/schedule"
	"github.com/relabs-tech/devicecloud/iot/scheduler"
)

//go:embed schemas
var schemaFiles embed.FS

const schemaBase = "https://devicecloud.relabs.tech/"

// Service is the REST interface of the device cloud
type Service struct {
	commands  *commands.Service
	validator *schema.Validator
}

// Builder is a builder helper for the Service
type Builder struct {
	// Commands is the command orchestrator. This is mandatory.
	Commands *commands.Service
	// Router is the router the routes are added to. This is mandatory.
	Router *mux.Router
}

// New returns a new API service and adds its routes to the router
func New(b *Builder) *Service {
	if b.Commands == nil {
		panic("Commands is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	sub, err := fs.Sub(schemaFiles, "schemas")
	if err != nil {
		panic(err)
	}
	validator, err := schema.NewValidatorFromFS(sub)
	if err != nil {
		panic(err)
	}
	s := &Service{
		commands:  b.Commands,
		validator: validator,
	}
	s.handleRoutes(b.Router)
	return s
}

// Middleware wraps the router with panic recovery and response compression
func Middleware(h http.Handler) http.Handler {
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(handlers.CompressHandler(h))
}

type response struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	JobID    string `json:"job_id,omitempty"`
	Password string `json:"password,omitempty"`
}

type device struct {
	DeviceID       string    `json:"device_id"`
	DeviceName     string    `json:"device_name"`
	DeviceModel    string    `json:"device_model"`
	DeviceType     string    `json:"device_type"`
	IsPrimaryOwner bool      `json:"is_primary_owner"`
	CreatedAt      time.Time `json:"created_at"`
}

type job struct {
	JobID     string     `json:"job_id"`
	DeviceID  string     `json:"device_id"`
	Topic     string     `json:"topic"`
	Payload   string     `json:"payload"`
	Kind      string     `json:"kind"`
	State     string     `json:"state"`
	Start     time.Time  `json:"start"`
	End       *time.Time `json:"end,omitempty"`
	DayOfWeek string     `json:"day_of_week,omitempty"`
	Next      *time.Time `json:"next,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	jsonData, _ := json.MarshalIndent(body, "", "  ")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(jsonData)
}

func success(w http.ResponseWriter, status int, r response) {
	r.Status = "success"
	writeJSON(w, status, r)
}

func failed(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, response{Status: "failed", Message: message})
}

// writeError answers with the status code of the error kind
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *schema.ValidationError
	switch {
	case errors.As(err, &verr):
		failed(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, schedule.ErrMalformedTimestamp),
		errors.Is(err, schedule.ErrNoDaysSelected),
		errors.Is(err, schedule.ErrEndBeforeStart),
		errors.Is(err, scheduler.ErrNoOccurrence):
		failed(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, scheduler.ErrJobNotFound):
		failed(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ownership.ErrNotOwner),
		errors.Is(err, ownership.ErrAlreadyOwned),
		errors.Is(err, ownership.ErrAccountExists):
		failed(w, http.StatusConflict, err.Error())
	case errors.Is(err, ownership.ErrDeviceNotFound):
		w.WriteHeader(http.StatusNoContent)
	default:
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 4101: request failed")
		failed(w, http.StatusInternalServerError, "Error 4101")
	}
}

// decode validates the request body against the schema and unmarshals it into v
func (s *Service) decode(r *http.Request, schemaName string, v interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if err := s.validator.ValidateBytes(body, schemaBase+schemaName); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func user(r *http.Request) string {
	return access.AuthorizationFromContext(r.Context()).User
}

func (s *Service) handleRoutes(router *mux.Router) {
	private := func(h http.HandlerFunc) http.Handler {
		return access.RequireAuthorization(h)
	}

	log.Println("  handle route: /health GET")
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		success(w, http.StatusOK, response{Message: "ok"})
	}).Methods(http.MethodGet)

	log.Println("  handle route: /register POST")
	router.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			EMail    string `json:"email"`
			Password string `json:"password"`
		}
		if err := s.decode(r, "register.json", &req); err != nil {
			writeError(w, r, err)
			return
		}
		if err := s.commands.Register(r.Context(), req.EMail, req.Password); err != nil {
			writeError(w, r, err)
			return
		}
		success(w, http.StatusCreated, response{Message: "verification required"})
	}).Methods(http.MethodPost)

	log.Println("  handle route: /account/broker-password POST")
	router.Handle("/account/broker-password", private(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Password string `json:"password"`
		}
		if err := s.decode(r, "broker-password.json", &req); err != nil {
			writeError(w, r, err)
			return
		}
		if err := s.commands.SetBrokerPassword(r.Context(), user(r), req.Password); err != nil {
			writeError(w, r, err)
			return
		}
		success(w, http.StatusOK, response{Message: "password updated"})
	})).Methods(http.MethodPost)

	log.Println("  handle route: /devices GET")
	router.Handle("/devices", private(func(w http.ResponseWriter, r *http.Request) {
		owned, err := s.commands.Devices(r.Context(), user(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response := []device{}
		for _, d := range owned {
			response = append(response, device{
				DeviceID:       d.DeviceID,
				DeviceName:     d.DisplayName,
				DeviceModel:    d.Model,
				DeviceType:     d.Type,
				IsPrimaryOwner: d.IsPrimaryOwner,
				CreatedAt:      d.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, response)
	})).Methods(http.MethodGet)

	log.Println("  handle route: /devices/activate POST")
	router.Handle("/devices/activate", private(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DeviceID   string `json:"device_id"`
			DeviceName string `json:"device_name"`
		}
		if err := s.decode(r, "activate.json", &req); err != nil {
			writeError(w, r, err)
			return
		}
		if _, err := s.commands.Activate(r.Context(), user(r), req.DeviceID, req.DeviceName); err != nil {
			writeError(w, r, err)
			return
		}
		success(w, http.StatusOK, response{Message: "device activated"})
	})).Methods(http.MethodPost)

	log.Println("  handle route: /devices/remove POST")
	router.Handle("/devices/remove", private(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DeviceID string `json:"device_id"`
		}
		if err := s.decode(r, "device.json", &req); err != nil {
			writeError(w, r, err)
			return
		}
		if _, err := s.commands.RemoveDevice(r.Context(), user(r), req.DeviceID); err != nil {
			writeError(w, r, err)
			return
		}
		success(w, http.StatusOK, response{Message: "device removed"})
	})).Methods(http.MethodPost)

	log.Println("  handle route: /devices/password POST")
	router.Handle("/devices/password", private(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DeviceID string `json:"device_id"`
		}
		if err := s.decode(r, "device.json", &req); err != nil {
			writeError(w, r, err)
			return
		}
		secret, err := s.commands.DevicePassword(r.Context(), user(r), req.DeviceID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		success(w, http.StatusOK, response{Message: "password generated", Password: secret})
	})).Methods(http.MethodPost)

	log.Println("  handle route: /devices/{device_id}/jobs GET")
	router.Handle("/devices/{device_id}/jobs", private(func(w http.ResponseWriter, r *http.Request) {
		jobs, err := s.commands.Jobs(r.Context(), user(r), mux.Vars(r)["device_id"])
		if err != nil {
			writeError(w, r, err)
			return
		}
		response := []job{}
		for _, j := range jobs {
			item := job{
				JobID:     j.ID,
				DeviceID:  j.DeviceID,
				Topic:     j.Topic,
				Payload:   j.Payload,
				Kind:      j.Kind.String(),
				State:     j.State.String(),
				Start:     j.Start,
				End:       j.End,
				DayOfWeek: schedule.Spec{Days: j.Days}.DayOfWeek(),
			}
			if !j.Next.IsZero() {
				next := j.Next
				item.Next = &next
			}
			response = append(response, item)
		}
		writeJSON(w, http.StatusOK, response)
	})).Methods(http.MethodGet)

	log.Println("  handle route: /jobs POST")
	router.Handle("/jobs", private(func(w http.ResponseWriter, r *http.Request) {
		var req schedule.Request
		if err := s.decode(r, "job.json", &req); err != nil {
			writeError(w, r, err)
			return
		}
		jobID, err := s.commands.Schedule(r.Context(), user(r), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		success(w, http.StatusCreated, response{Message: "job scheduled", JobID: jobID})
	})).Methods(http.MethodPost)

	log.Println("  handle route: /jobs/remove POST")
	router.Handle("/jobs/remove", private(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DeviceID string `json:"device_id"`
			JobID    string `json:"job_id"`
		}
		if err := s.decode(r, "job-remove.json", &req); err != nil {
			writeError(w, r, err)
			return
		}
		if err := s.commands.CancelJob(r.Context(), user(r), req.DeviceID, req.JobID); err != nil {
			writeError(w, r, err)
			return
		}
		success(w, http.StatusOK, response{Message: "job removed", JobID: req.JobID})
	})).Methods(http.MethodPost)
}
