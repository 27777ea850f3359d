package api

import (
	"net/http"

	"reliefsync/internal/model"
	"reliefsync/internal/service"

	"github.com/go-chi/chi/v5"
)

type moderateRequest struct {
	Status model.ModerationStatus `json:"status" validate:"required,oneof=pending approved rejected in-progress"`
}

func (d Dependencies) createDamageReport(w http.ResponseWriter, r *http.Request) {
	var req service.DamageReportInput
	if !d.decodeBody(w, r, &req) {
		return
	}

	report, err := d.Services.Damage.Create(r.Context(), identity(r), req)
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, report)
}

// putDamageReport creates a report under a device-chosen id so a retried
// submission lands on the same document
func (d Dependencies) putDamageReport(w http.ResponseWriter, r *http.Request) {
	var req service.DamageReportInput
	if !d.decodeBody(w, r, &req) {
		return
	}

	report, err := d.Services.Damage.CreateWithID(r.Context(), identity(r), chi.URLParam(r, "id"), req)
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (d Dependencies) getDamageReport(w http.ResponseWriter, r *http.Request) {
	report, err := d.Services.Damage.Get(r.Context(), identity(r), chi.URLParam(r, "id"))
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (d Dependencies) editDamageReport(w http.ResponseWriter, r *http.Request) {
	var req service.DamageReportPatch
	if !d.decodeBody(w, r, &req) {
		return
	}

	report, err := d.Services.Damage.Edit(r.Context(), identity(r), chi.URLParam(r, "id"), req)
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (d Dependencies) moderateDamageReport(w http.ResponseWriter, r *http.Request) {
	var req moderateRequest
	if !d.decodeBody(w, r, &req) {
		return
	}

	report, err := d.Services.Damage.Moderate(r.Context(), identity(r), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (d Dependencies) deleteDamageReport(w http.ResponseWriter, r *http.Request) {
	if err := d.Services.Damage.Delete(r.Context(), identity(r), chi.URLParam(r, "id")); err != nil {
		d.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
