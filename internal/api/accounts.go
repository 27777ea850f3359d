package api

import (
	"net/http"

	"reliefsync/internal/model"
	"reliefsync/internal/service"

	"go.uber.org/zap"
)

type signInRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type sessionResponse struct {
	Identity model.Identity     `json:"identity"`
	Profile  *model.UserProfile `json:"profile,omitempty"`
}

func (d Dependencies) signUp(w http.ResponseWriter, r *http.Request) {
	var req service.SignUpInput
	if !d.decodeBody(w, r, &req) {
		return
	}

	identity, profile, err := d.Services.Accounts.SignUp(r.Context(), req)
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Identity: identity, Profile: &profile})
}

func (d Dependencies) signIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !d.decodeBody(w, r, &req) {
		return
	}

	identity, err := d.Services.Accounts.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Identity: identity})
}

func (d Dependencies) signOut(w http.ResponseWriter, r *http.Request) {
	caller := identity(r)
	if err := d.Tokens.Revoke(caller.Token); err != nil {
		d.Log.Warn("Failed to revoke token", zap.String("user_id", caller.UserID), zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d Dependencies) me(w http.ResponseWriter, r *http.Request) {
	profile, err := d.Services.Accounts.Profile(r.Context(), identity(r))
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}
