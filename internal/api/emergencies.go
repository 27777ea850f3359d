package api

import (
	"math"
	"net/http"
	"strconv"

	"reliefsync/internal/model"
	"reliefsync/internal/service"

	"github.com/go-chi/chi/v5"
)

type advanceRequest struct {
	Status model.EmergencyStatus `json:"status" validate:"required,oneof=pending Approved 'In Progress' Done"`
}

type nearbyResponse struct {
	Emergencies []service.NearbyEmergency `json:"emergencies"`
}

func (d Dependencies) createEmergency(w http.ResponseWriter, r *http.Request) {
	var req service.EmergencyInput
	if !d.decodeBody(w, r, &req) {
		return
	}

	e, err := d.Services.Emergencies.Create(r.Context(), identity(r), req)
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (d Dependencies) getEmergency(w http.ResponseWriter, r *http.Request) {
	e, err := d.Services.Emergencies.Get(r.Context(), identity(r), chi.URLParam(r, "id"))
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (d Dependencies) advanceEmergency(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if !d.decodeBody(w, r, &req) {
		return
	}

	e, err := d.Services.Emergencies.Advance(r.Context(), identity(r), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (d Dependencies) emergencyQR(w http.ResponseWriter, r *http.Request) {
	size := 0
	if s := r.URL.Query().Get("size"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 64 || v > 1024 {
			WriteError(w, http.StatusBadRequest, "invalid_size", "size must be between 64 and 1024", d.Log)
			return
		}
		size = v
	}

	png, err := d.Services.Emergencies.QRCode(r.Context(), identity(r), chi.URLParam(r, "id"), size)
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

func (d Dependencies) nearbyEmergencies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errLat != nil || errLng != nil {
		WriteError(w, http.StatusBadRequest, "invalid_location", "lat and lng are required", d.Log)
		return
	}
	radius := 5000.0
	if s := q.Get("radius"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			WriteError(w, http.StatusBadRequest, "invalid_radius", "radius must be a positive number of meters", d.Log)
			return
		}
		radius = v
	}

	found, err := d.Services.Emergencies.Nearby(r.Context(), identity(r), model.GeoPoint{Lat: lat, Lng: lng}, radius)
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	if found == nil {
		found = []service.NearbyEmergency{}
	}
	writeJSON(w, http.StatusOK, nearbyResponse{Emergencies: found})
}
