package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dreamware/sts/internal/auth"
	"github.com/dreamware/sts/internal/monitor"
	"github.com/dreamware/sts/internal/pin"
	"github.com/dreamware/sts/internal/session"
	"github.com/dreamware/sts/internal/sms"
)

// maxBody bounds request bodies
const maxBody = 64 << 10

// Pins is the credential store behind the PIN routes
type Pins interface {
	IssuePin(ctx context.Context, phone string) (string, error)
	ConsumePin(ctx context.Context, phone, supplied string) (pin.Outcome, error)
	IssueTrustedClientPin(ctx context.Context, clientID, phone string) (string, error)
	ConsumeTrustedClientPin(ctx context.Context, clientID, phone, supplied string) (pin.Outcome, error)
	IsTrustedClientBound(ctx context.Context, clientID, phone string) (bool, error)
	RecordDeliveryReport(ctx context.Context, phone, report string) error
	PeekPin(ctx context.Context, phone string) (string, bool, error)
	DeliveryLog(ctx context.Context, phone string) (string, bool, error)
	Stats(ctx context.Context) (pin.Stats, error)
	TTL() time.Duration
}

// Authenticator runs logons
type Authenticator interface {
	LogonPinUser(ctx context.Context, logon auth.PinLogon) (session.UserToken, error)
	LogonPinUserForTrustedClient(ctx context.Context, logon auth.PinLogon, clientID string) (session.UserToken, error)
	LogonWithTrustedClient(ctx context.Context, logon auth.TrustedLogon) (session.UserToken, error)
	LogonWithSharedSecret(ctx context.Context, logon auth.TrustedLogon, secret string) (session.UserToken, error)
	CreateAndLogonPinUser(ctx context.Context, logon auth.PinLogon, userJSON []byte) (session.UserToken, error)
}

// Deliveries receives delivery reports for the periodic summary
type Deliveries interface {
	Record(ctx context.Context, report sms.DeliveryReport) error
	Stats(ctx context.Context) (monitor.DeliveryStats, error)
}

// Leadership reports whether this node is the cluster leader
type Leadership interface {
	IsLeader(ctx context.Context) bool
}

// Handlers serves the HTTP routes of a node
type Handlers struct {
	NodeID     string
	Pins       Pins
	Auth       Authenticator
	Deliveries Deliveries
	Leader     Leadership
	// Signer adds a signed assertion to logon responses when set
	Signer *session.Signer
	// DiagnosticsKey guards the diagnostics routes. Empty disables them.
	DiagnosticsKey string

	logger *slog.Logger
}

// NewHandlers creates the handlers; fields left nil disable their routes
func NewHandlers(h Handlers, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h.logger = logger.With("component", "api")
	return &h
}

type phoneRequest struct {
	Phone    string `json:"phone"`
	ClientID string `json:"client_id,omitempty"`
	Pin      string `json:"pin,omitempty"`
}

type issueResponse struct {
	Phone      string `json:"phone"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type logonRequest struct {
	ApplicationID   string          `json:"application_id"`
	Phone           string          `json:"phone"`
	Pin             string          `json:"pin,omitempty"`
	ClientID        string          `json:"client_id,omitempty"`
	Secret          string          `json:"secret,omitempty"`
	LifespanSeconds int             `json:"lifespan_seconds,omitempty"`
	User            json.RawMessage `json:"user,omitempty"`
}

func (l logonRequest) lifespan() time.Duration {
	return time.Duration(l.LifespanSeconds) * time.Second
}

type logonResponse struct {
	UserToken session.UserToken `json:"user_token"`
	Assertion string            `json:"assertion,omitempty"`
}

type statsResponse struct {
	NodeID string `json:"node_id"`
	Leader bool   `json:"is_leader"`
	pin.Stats
	monitor.DeliveryStats
}

// Health reports liveness and leadership
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"node_id":   h.NodeID,
		"is_leader": h.Leader != nil && h.Leader.IsLeader(r.Context()),
	})
}

// Stats returns the diagnostic counters of the node
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{NodeID: h.NodeID}
	if h.Leader != nil {
		resp.Leader = h.Leader.IsLeader(r.Context())
	}
	var err error
	if resp.Stats, err = h.Pins.Stats(r.Context()); err != nil {
		h.serverError(w, "pin stats", err)
		return
	}
	if h.Deliveries != nil {
		if resp.DeliveryStats, err = h.Deliveries.Stats(r.Context()); err != nil {
			h.serverError(w, "delivery stats", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// IssuePin sends a new PIN to the phone
func (h *Handlers) IssuePin(w http.ResponseWriter, r *http.Request) {
	var req phoneRequest
	if !h.decode(w, r, &req) || !requirePhone(w, req.Phone) {
		return
	}
	if _, err := h.Pins.IssuePin(r.Context(), req.Phone); err != nil {
		h.issueError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, issueResponse{Phone: req.Phone, TTLSeconds: int(h.Pins.TTL() / time.Second)})
}

// VerifyPin consumes a PIN without opening a session
func (h *Handlers) VerifyPin(w http.ResponseWriter, r *http.Request) {
	var req phoneRequest
	if !h.decode(w, r, &req) || !requirePhone(w, req.Phone) {
		return
	}
	outcome, err := h.Pins.ConsumePin(r.Context(), req.Phone, req.Pin)
	h.writeOutcome(w, outcome, err)
}

// IssueTrustedPin starts a trusted client handshake
func (h *Handlers) IssueTrustedPin(w http.ResponseWriter, r *http.Request) {
	var req phoneRequest
	if !h.decode(w, r, &req) || !requirePhone(w, req.Phone) {
		return
	}
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}
	if _, err := h.Pins.IssueTrustedClientPin(r.Context(), req.ClientID, req.Phone); err != nil {
		h.issueError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, issueResponse{Phone: req.Phone, TTLSeconds: int(h.Pins.TTL() / time.Second)})
}

// VerifyTrustedPin completes a trusted client handshake
func (h *Handlers) VerifyTrustedPin(w http.ResponseWriter, r *http.Request) {
	var req phoneRequest
	if !h.decode(w, r, &req) || !requirePhone(w, req.Phone) {
		return
	}
	outcome, err := h.Pins.ConsumeTrustedClientPin(r.Context(), req.ClientID, req.Phone, req.Pin)
	h.writeOutcome(w, outcome, err)
}

// TrustedBinding reports whether the client is trusted for the phone
func (h *Handlers) TrustedBinding(w http.ResponseWriter, r *http.Request) {
	clientID, phone := chi.URLParam(r, "clientID"), chi.URLParam(r, "phone")
	bound, err := h.Pins.IsTrustedClientBound(r.Context(), clientID, phone)
	if err != nil {
		h.serverError(w, "trusted binding lookup", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"bound": bound})
}

// PinDiagnostics shows the pending PIN of a phone and the last delivery
// report of its SMS. It never consumes anything.
func (h *Handlers) PinDiagnostics(w http.ResponseWriter, r *http.Request) {
	phone := chi.URLParam(r, "phone")
	pending, ok, err := h.Pins.PeekPin(r.Context(), phone)
	if err != nil {
		h.serverError(w, "pin peek", err)
		return
	}
	report, _, err := h.Pins.DeliveryLog(r.Context(), phone)
	if err != nil {
		h.serverError(w, "delivery log lookup", err)
		return
	}
	writeJSON(w, http.StatusOK, pinDiagnostics{Phone: phone, Pending: ok, Pin: pending, DeliveryReport: report})
}

type pinDiagnostics struct {
	Phone          string `json:"phone"`
	Pending        bool   `json:"pending"`
	Pin            string `json:"pin,omitempty"`
	DeliveryReport string `json:"delivery_report,omitempty"`
}

// requireDiagnosticsKey admits requests carrying the diagnostics key in
// X-Diagnostics-Key
func (h *Handlers) requireDiagnosticsKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.DiagnosticsKey == "" {
			writeError(w, http.StatusNotFound, "diagnostics disabled")
			return
		}
		got := r.Header.Get("X-Diagnostics-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.DiagnosticsKey)) != 1 {
			h.logger.Warn("diagnostics request rejected", "remote", r.RemoteAddr)
			denied(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LogonPin logs on with a PIN; a client_id makes the logon a trusted
// client handshake too
func (h *Handlers) LogonPin(w http.ResponseWriter, r *http.Request) {
	var req logonRequest
	if !h.decode(w, r, &req) || !requirePhone(w, req.Phone) {
		return
	}
	logon := auth.PinLogon{ApplicationID: req.ApplicationID, Phone: req.Phone, Pin: req.Pin, Lifespan: req.lifespan()}
	var token session.UserToken
	var err error
	if req.ClientID != "" {
		token, err = h.Auth.LogonPinUserForTrustedClient(r.Context(), logon, req.ClientID)
	} else {
		token, err = h.Auth.LogonPinUser(r.Context(), logon)
	}
	h.writeLogon(w, token, err)
}

// CreateAndLogonPin logs on with a PIN, creating the user when needed
func (h *Handlers) CreateAndLogonPin(w http.ResponseWriter, r *http.Request) {
	var req logonRequest
	if !h.decode(w, r, &req) || !requirePhone(w, req.Phone) {
		return
	}
	if len(req.User) == 0 {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}
	logon := auth.PinLogon{ApplicationID: req.ApplicationID, Phone: req.Phone, Pin: req.Pin, Lifespan: req.lifespan()}
	token, err := h.Auth.CreateAndLogonPinUser(r.Context(), logon, req.User)
	h.writeLogon(w, token, err)
}

// LogonTrusted logs on a client already bound to the phone
func (h *Handlers) LogonTrusted(w http.ResponseWriter, r *http.Request) {
	var req logonRequest
	if !h.decode(w, r, &req) || !requirePhone(w, req.Phone) {
		return
	}
	token, err := h.Auth.LogonWithTrustedClient(r.Context(), auth.TrustedLogon{
		ApplicationID: req.ApplicationID,
		ClientID:      req.ClientID,
		Phone:         req.Phone,
		Lifespan:      req.lifespan(),
	})
	h.writeLogon(w, token, err)
}

// LogonSharedSecret logs on an application holding the shared secret
func (h *Handlers) LogonSharedSecret(w http.ResponseWriter, r *http.Request) {
	var req logonRequest
	if !h.decode(w, r, &req) || !requirePhone(w, req.Phone) {
		return
	}
	token, err := h.Auth.LogonWithSharedSecret(r.Context(), auth.TrustedLogon{
		ApplicationID: req.ApplicationID,
		Phone:         req.Phone,
		Lifespan:      req.lifespan(),
	}, req.Secret)
	h.writeLogon(w, token, err)
}

// DeliveryReport receives gateway delivery reports
func (h *Handlers) DeliveryReport(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	report, err := sms.ParseDeliveryReport(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid delivery report")
		return
	}

	phone := report.RecipientWithoutCountryCode()
	if err := h.Pins.RecordDeliveryReport(r.Context(), phone, report.String()); err != nil {
		h.logger.Warn("delivery report not kept for audit", "phone", phone, "error", err)
	}
	if h.Deliveries != nil {
		if err := h.Deliveries.Record(r.Context(), report); err != nil {
			h.serverError(w, "record delivery report", err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) writeOutcome(w http.ResponseWriter, outcome pin.Outcome, err error) {
	if err != nil {
		h.logger.Error("pin verification failed on store", "error", err)
		denied(w)
		return
	}
	if !outcome.OK() {
		denied(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

func (h *Handlers) writeLogon(w http.ResponseWriter, token session.UserToken, err error) {
	if err != nil {
		if !errors.Is(err, auth.ErrAuthenticationFailed) {
			h.logger.Error("logon failed", "error", err)
		}
		denied(w)
		return
	}
	resp := logonResponse{UserToken: token}
	if h.Signer != nil {
		if resp.Assertion, err = h.Signer.Sign(token); err != nil {
			h.serverError(w, "sign session", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) issueError(w http.ResponseWriter, err error) {
	if errors.Is(err, pin.ErrDeliveryFailed) {
		h.logger.Warn("pin not delivered", "error", err)
		writeError(w, http.StatusBadGateway, "pin could not be delivered")
		return
	}
	h.serverError(w, "issue pin", err)
}

func (h *Handlers) serverError(w http.ResponseWriter, what string, err error) {
	h.logger.Error(what+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func requirePhone(w http.ResponseWriter, phone string) bool {
	if strings.TrimSpace(phone) == "" {
		writeError(w, http.StatusBadRequest, "phone is required")
		return false
	}
	return true
}

// denied is the one answer to every refused credential
func denied(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, auth.ErrAuthenticationFailed.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
