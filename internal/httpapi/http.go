package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"sheetkey-license-bot/internal/activation"
	"sheetkey-license-bot/internal/store"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 64 << 10

// API is the JSON surface used by the spreadsheet macro client.
type API struct {
	svc        *activation.Service
	log        *slog.Logger
	validate   *validator.Validate
	rateLimit  int
	trustProxy bool
}

// New builds the API. rateLimit is the number of requests per minute allowed per client IP on /v1;
// zero disables the limiter. Client IPs come from the connection's peer address unless trustProxy is set,
// in which case X-Forwarded-For and X-Real-IP are honoured. Only set it behind a proxy that overwrites them.
func New(svc *activation.Service, log *slog.Logger, rateLimit int, trustProxy bool) *API {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &API{
		svc:        svc,
		log:        log.With("component", "httpapi"),
		validate:   v,
		rateLimit:  rateLimit,
		trustProxy: trustProxy,
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	if a.trustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(a.logRequests)
	r.Use(chimw.Recoverer)
	r.Use(withMetrics)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(chimw.Timeout(15 * time.Second))
		if a.rateLimit > 0 {
			r.Use(httprate.LimitByIP(a.rateLimit, time.Minute))
		}
		r.Post("/sessions", a.handleCreateSession)
		r.Post("/reference/verify", a.handleVerifyReference)
		r.Post("/serial/verify", a.handleVerifySerial)
		r.Post("/registration", a.handleRegistration)
		r.Post("/license/verify", a.handleVerifyLicense)
		r.Post("/license/confirm-device", a.handleConfirmDevice)
		r.Post("/otp/request", a.handleRequestOtp)
		r.Post("/otp/confirm", a.handleConfirmOtp)
		r.Post("/otp/clear", a.handleClearOtp)
	})
	return r
}

type sessionView struct {
	ReferenceCode string              `json:"reference_code"`
	Status        store.SessionStatus `json:"status"`
	ExpiresAt     time.Time           `json:"expires_at"`
	RequestCount  int                 `json:"request_count"`
	MachineID     string              `json:"machine_id,omitempty"`
	Created       bool                `json:"created,omitempty"`
	GrantExpires  *time.Time          `json:"grant_expires_at,omitempty"`
}

func viewOf(s store.Session) sessionView {
	return sessionView{
		ReferenceCode: s.ReferenceCode,
		Status:        s.Status,
		ExpiresAt:     s.ExpiresAt,
		RequestCount:  s.RequestCount,
		MachineID:     s.MachineID,
		GrantExpires:  s.GrantExpiresAt,
	}
}

type createSessionReq struct {
	Identity string `json:"identity" validate:"required,max=128"`
}

func (a *API) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionReq
	if !a.decode(w, r, &req) {
		return
	}
	res, err := a.svc.CreateOrFetchSession(r.Context(), req.Identity)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	view := viewOf(res.Session)
	view.Created = res.Created
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, view)
}

type referenceReq struct {
	ReferenceCode string `json:"reference_code" validate:"required,max=32"`
}

func (a *API) handleVerifyReference(w http.ResponseWriter, r *http.Request) {
	var req referenceReq
	if !a.decode(w, r, &req) {
		return
	}
	// the serial key goes to the owner's chat, never back to the caller
	if _, err := a.svc.VerifyReferenceCode(r.Context(), req.ReferenceCode); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": store.StatusVerified})
}

type serialReq struct {
	ReferenceCode string `json:"reference_code" validate:"required,max=32"`
	SerialKey     string `json:"serial_key" validate:"required,max=64"`
	MachineID     string `json:"machine_id" validate:"required,max=128"`
}

func (a *API) handleVerifySerial(w http.ResponseWriter, r *http.Request) {
	var req serialReq
	if !a.decode(w, r, &req) {
		return
	}
	sess, err := a.svc.VerifySerialKey(r.Context(), req.ReferenceCode, req.SerialKey, req.MachineID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

type registrationReq struct {
	ReferenceCode string `json:"reference_code" validate:"required,max=32"`
	SerialKey     string `json:"serial_key" validate:"required,max=64"`
	FullName      string `json:"full_name" validate:"required,max=200"`
	NationalID    string `json:"national_id" validate:"required,max=32"`
	PhoneNumber   string `json:"phone_number" validate:"required,max=32"`
	Email         string `json:"email" validate:"omitempty,email"`
	Consent       bool   `json:"consent"`
}

type registrationResp struct {
	LicenseNo      string              `json:"license_no"`
	Status         store.SessionStatus `json:"status"`
	GrantExpiresAt *time.Time          `json:"grant_expires_at"`
}

func (a *API) handleRegistration(w http.ResponseWriter, r *http.Request) {
	var req registrationReq
	if !a.decode(w, r, &req) {
		return
	}
	reg, err := a.svc.CompleteRegistration(r.Context(), req.ReferenceCode, req.SerialKey, store.Profile{
		FullName:    req.FullName,
		NationalID:  req.NationalID,
		PhoneNumber: req.PhoneNumber,
		Email:       req.Email,
		Consent:     req.Consent,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, registrationResp{
		LicenseNo:      reg.License.LicenseNo,
		Status:         reg.Session.Status,
		GrantExpiresAt: reg.Session.GrantExpiresAt,
	})
}

type licenseReq struct {
	LicenseNo   string `json:"license_no" validate:"required,max=32"`
	NationalID  string `json:"national_id" validate:"omitempty,max=32"`
	PhoneNumber string `json:"phone_number" validate:"required,max=32"`
	MachineID   string `json:"machine_id" validate:"required,max=128"`
}

func (a *API) handleVerifyLicense(w http.ResponseWriter, r *http.Request) {
	var req licenseReq
	if !a.decode(w, r, &req) {
		return
	}
	out, err := a.svc.VerifyLicenseIdentity(r.Context(), activation.IdentityClaim{
		LicenseNo:   req.LicenseNo,
		NationalID:  req.NationalID,
		PhoneNumber: req.PhoneNumber,
		MachineID:   req.MachineID,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, outcomeStatus(out.Result), out)
}

type confirmDeviceReq struct {
	LicenseNo string `json:"license_no" validate:"required,max=32"`
	MachineID string `json:"machine_id" validate:"required,max=128"`
}

func (a *API) handleConfirmDevice(w http.ResponseWriter, r *http.Request) {
	var req confirmDeviceReq
	if !a.decode(w, r, &req) {
		return
	}
	out, err := a.svc.ConfirmSecondDevice(r.Context(), req.LicenseNo, req.MachineID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleRequestOtp(w http.ResponseWriter, r *http.Request) {
	var req referenceReq
	if !a.decode(w, r, &req) {
		return
	}
	otp, err := a.svc.RequestOtp(r.Context(), req.ReferenceCode)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "expires_at": otp.ExpiresAt})
}

type confirmOtpReq struct {
	ReferenceCode string `json:"reference_code" validate:"required,max=32"`
	Otp           string `json:"otp" validate:"required,numeric,max=12"`
}

func (a *API) handleConfirmOtp(w http.ResponseWriter, r *http.Request) {
	var req confirmOtpReq
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.svc.ConfirmOtp(r.Context(), req.ReferenceCode, req.Otp); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "confirmed"})
}

func (a *API) handleClearOtp(w http.ResponseWriter, r *http.Request) {
	var req referenceReq
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.svc.ClearOtp(r.Context(), req.ReferenceCode); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared"})
}

func outcomeStatus(res activation.LicenseResult) int {
	switch res {
	case activation.LicensePartial:
		return http.StatusPartialContent
	case activation.LicenseSecondDevice:
		return http.StatusAccepted
	default:
		return http.StatusOK
	}
}

// decode reads a JSON body into dst and validates it. It writes the 400 response itself on failure.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_json", Message: "request body is not valid JSON"})
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_input", Message: err.Error()})
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_input", Message: "request validation failed", Fields: fields})
		return false
	}
	return true
}

type errorBody struct {
	Error             string            `json:"error"`
	Message           string            `json:"message"`
	AttemptsRemaining *int              `json:"attempts_remaining,omitempty"`
	Fields            map[string]string `json:"fields,omitempty"`
}

var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{activation.ErrNotFound, http.StatusNotFound, "not_found"},
	{activation.ErrExpired, http.StatusGone, "expired"},
	{activation.ErrConflict, http.StatusConflict, "conflict"},
	{activation.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{activation.ErrForbidden, http.StatusForbidden, "forbidden"},
	{activation.ErrDeviceLimitReached, http.StatusForbidden, "device_limit_reached"},
	{activation.ErrBlocked, http.StatusTooManyRequests, "blocked"},
	{activation.ErrRequestLimit, http.StatusTooManyRequests, "request_limit"},
	{activation.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorStatus {
		if !errors.Is(err, m.err) {
			continue
		}
		body := errorBody{Error: m.code, Message: m.err.Error()}
		if remaining, ok := activation.RemainingAttempts(err); ok {
			body.AttemptsRemaining = &remaining
		}
		writeJSON(w, m.status, body)
		return
	}
	a.log.Error("request failed", "path", r.URL.Path, "request_id", chimw.GetReqID(r.Context()), "error", err)
	writeJSON(w, http.StatusServiceUnavailable, errorBody{
		Error:   "downstream_unavailable",
		Message: "service temporarily unavailable, try again later",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
