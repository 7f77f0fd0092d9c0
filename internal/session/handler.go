package session

import (
	"encoding/json"
	"errors"
	"net/http"
)

// SignUpRequest is the JSON body for POST /api/v1/auth/signup.
type SignUpRequest struct {
	Email    string        `json:"email"`
	Password string        `json:"password"`
	Profile  ProfileFields `json:"profile"`
}

// SignInRequest is the JSON body for POST /api/v1/auth/signin.
type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// HandleSignUp handles POST /api/v1/auth/signup.
func (m *Manager) HandleSignUp(w http.ResponseWriter, r *http.Request) {
	var req SignUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sess, err := m.SignUp(r.Context(), req.Email, req.Password, req.Profile)
	if err != nil {
		writeError(w, err.Error(), authStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sess)
}

// HandleSignIn handles POST /api/v1/auth/signin.
func (m *Manager) HandleSignIn(w http.ResponseWriter, r *http.Request) {
	var req SignInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sess, err := m.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err.Error(), authStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess)
}

// HandleSignOut handles POST /api/v1/auth/signout.
func (m *Manager) HandleSignOut(w http.ResponseWriter, r *http.Request) {
	m.SignOut(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// HandleSession handles GET /api/v1/auth/session. Returns 204 when
// signed out.
func (m *Manager) HandleSession(w http.ResponseWriter, r *http.Request) {
	sess := m.Current(r.Context())
	if sess == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess)
}

func authStatus(err error) int {
	switch {
	case errors.Is(err, ErrDuplicateEmail):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
