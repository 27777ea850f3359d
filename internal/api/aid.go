package api

import (
	"net/http"

	"reliefsync/internal/model"
	"reliefsync/internal/service"

	"github.com/go-chi/chi/v5"
)

type aidStatusRequest struct {
	Status model.AidStatus `json:"status" validate:"required,oneof=Requested 'In Progress' Delivered Cancelled"`
}

type ratingRequest struct {
	Rating int `json:"rating" validate:"required,min=1,max=5"`
}

func (d Dependencies) createAidRequest(w http.ResponseWriter, r *http.Request) {
	var req service.AidRequestInput
	if !d.decodeBody(w, r, &req) {
		return
	}

	aid, err := d.Services.Aid.Create(r.Context(), identity(r), req)
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, aid)
}

func (d Dependencies) getAidRequest(w http.ResponseWriter, r *http.Request) {
	aid, err := d.Services.Aid.Get(r.Context(), identity(r), chi.URLParam(r, "id"))
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, aid)
}

func (d Dependencies) editAidRequest(w http.ResponseWriter, r *http.Request) {
	var req service.AidRequestPatch
	if !d.decodeBody(w, r, &req) {
		return
	}

	aid, err := d.Services.Aid.Edit(r.Context(), identity(r), chi.URLParam(r, "id"), req)
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, aid)
}

func (d Dependencies) cancelAidRequest(w http.ResponseWriter, r *http.Request) {
	aid, err := d.Services.Aid.Cancel(r.Context(), identity(r), chi.URLParam(r, "id"))
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, aid)
}

func (d Dependencies) setAidStatus(w http.ResponseWriter, r *http.Request) {
	var req aidStatusRequest
	if !d.decodeBody(w, r, &req) {
		return
	}

	aid, err := d.Services.Aid.SetStatus(r.Context(), identity(r), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, aid)
}

func (d Dependencies) rateAidRequest(w http.ResponseWriter, r *http.Request) {
	var req ratingRequest
	if !d.decodeBody(w, r, &req) {
		return
	}

	aid, err := d.Services.Aid.Rate(r.Context(), identity(r), chi.URLParam(r, "id"), req.Rating)
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, aid)
}

func (d Dependencies) deleteAidRequest(w http.ResponseWriter, r *http.Request) {
	if err := d.Services.Aid.Delete(r.Context(), identity(r), chi.URLParam(r, "id")); err != nil {
		d.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
