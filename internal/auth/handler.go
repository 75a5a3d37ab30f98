package auth

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"todo-service/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service *Service
	logger  *observability.Logger
}

func NewHandler(service *Service, logger *observability.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login accepts the OAuth2 password form (username, password), urlencoded or
// multipart, and for convenience the same fields as a JSON object. Anything
// that does not yield both fields is answered like a failed login.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	body, ok := decodeLogin(r)
	if !ok {
		h.logger.Warn("login_failed", map[string]any{"reason": "malformed_request", "ip": observability.ClientIP(r)})
		unauthorized(w, "could not validate user")
		return
	}

	token, err := h.service.Login(r.Context(), body.Username, body.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			h.logger.Warn("login_failed", map[string]any{"reason": "invalid_credentials", "ip": observability.ClientIP(r)})
			unauthorized(w, "could not validate user")
			return
		}
		var lockedErr ErrLoginLocked
		if errors.As(err, &lockedErr) {
			h.logger.Warn("login_failed", map[string]any{"reason": "locked", "ip": observability.ClientIP(r)})
			retryAfter := int(time.Until(lockedErr.Until).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "login temporarily locked")
			return
		}

		h.internalError(w, r, "login_error", err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, token)
}

func decodeLogin(r *http.Request) (loginRequest, bool) {
	var body loginRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return loginRequest{}, false
		}
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxJSONBodyBytes); err != nil {
			return loginRequest{}, false
		}
		body.Username = r.PostForm.Get("username")
		body.Password = r.PostForm.Get("password")
	default:
		if err := r.ParseForm(); err != nil {
			return loginRequest{}, false
		}
		body.Username = r.PostForm.Get("username")
		body.Password = r.PostForm.Get("password")
	}

	if strings.TrimSpace(body.Username) == "" || body.Password == "" {
		return loginRequest{}, false
	}
	return body, true
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body NewUser
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	user, err := h.service.Register(r.Context(), body)
	if err != nil {
		var validationErr ValidationError
		if errors.As(err, &validationErr) {
			writeError(w, http.StatusBadRequest, validationErr.Message)
			return
		}
		if errors.Is(err, ErrUserExists) {
			writeError(w, http.StatusConflict, "username or email already registered")
			return
		}

		h.internalError(w, r, "register_failed", err)
		return
	}

	h.logger.Info("user_registered", map[string]any{"user_id": user.ID, "role": user.Role})
	writeJSON(w, http.StatusCreated, user)
}

// Logout revokes the presented access token. Runs behind Guard.Authenticate.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		unauthorized(w, "could not validate credentials")
		return
	}

	if err := h.service.Logout(r.Context(), claims); err != nil {
		h.internalError(w, r, "logout_failed", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		unauthorized(w, "could not validate credentials")
		return
	}

	writeJSON(w, http.StatusOK, identity)
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, event string, err error) {
	h.logger.Error(event, map[string]any{"error": err.Error()})
	observability.CaptureError(r.Context(), err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
