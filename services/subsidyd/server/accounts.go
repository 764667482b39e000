package server

import (
	"errors"
	"net/http"

	"subsidychain/services/subsidyd/accounts"
)

// Signup creates a portal account.
func (s *Server) Signup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Role     string `json:"role"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeMessage(w, http.StatusBadRequest, "All fields are required for signup.")
		return
	}
	if _, err := s.accounts.Signup(r.Context(), accounts.SignupRequest{
		Name:     req.Name,
		Email:    req.Email,
		Role:     req.Role,
		Password: req.Password,
	}); err != nil {
		s.writeError(w, err, map[int]string{
			http.StatusConflict:            "An account with this email already exists.",
			http.StatusInternalServerError: "Failed to create user.",
		})
		return
	}
	s.writeMessage(w, http.StatusCreated, "User created successfully!")
}

// Login verifies credentials and, when tokens are configured, issues a session token.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeMessage(w, http.StatusBadRequest, "Email, password, and role are required.")
		return
	}
	result, err := s.accounts.Login(r.Context(), req.Email, req.Password, req.Role)
	if err != nil {
		var mismatch *accounts.RoleMismatchError
		if errors.As(err, &mismatch) {
			s.writeMessage(w, http.StatusForbidden, "Access denied. Please log in through the '"+mismatch.Role+"' portal.")
			return
		}
		s.writeError(w, err, map[int]string{
			http.StatusBadRequest:   "Email, password, and role are required.",
			http.StatusUnauthorized: "Invalid email or password.",
		})
		return
	}
	body := map[string]any{
		"message": "Login successful!",
		"user": map[string]any{
			"id":    result.User.ID,
			"name":  result.User.Name,
			"email": result.User.Email,
			"role":  result.User.Role,
		},
	}
	if result.Token != "" {
		body["token"] = result.Token
		body["expiresAt"] = result.ExpiresAt
	}
	s.writeJSON(w, http.StatusOK, body)
}

// ChangePassword replaces an account password after verifying the current one.
func (s *Server) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email           string `json:"email"`
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeMessage(w, http.StatusBadRequest, "All fields are required.")
		return
	}
	if err := s.accounts.ChangePassword(r.Context(), req.Email, req.CurrentPassword, req.NewPassword); err != nil {
		s.writeError(w, err, map[int]string{
			http.StatusBadRequest:   "All fields are required.",
			http.StatusNotFound:     "User not found.",
			http.StatusUnauthorized: "Incorrect current password.",
		})
		return
	}
	s.writeMessage(w, http.StatusOK, "Password updated successfully!")
}
