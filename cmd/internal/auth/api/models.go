package authapi

import "time"

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type loginResponse struct {
	Success   bool      `json:"success"`
	ExpiresAt time.Time `json:"expires_at"`
	CSRFToken string    `json:"csrf_token,omitempty"`
}

type refreshResponse struct {
	Success   bool      `json:"success"`
	ExpiresAt time.Time `json:"expires_at"`
}

type sessionResponse struct {
	State          string     `json:"state"`
	Authenticated  bool       `json:"authenticated"`
	UserID         string     `json:"user_id,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	RefreshDueInMS int64      `json:"refresh_due_in_ms"`
}
