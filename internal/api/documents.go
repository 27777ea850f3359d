package api

import (
	"net/http"
	"strconv"

	"reliefsync/internal/live"
	"reliefsync/internal/model"
	"reliefsync/internal/pubsub"
	"reliefsync/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxChanges = 500

type documentList struct {
	Documents []model.Document `json:"documents"`
}

type changeList struct {
	Events  []pubsub.Event `json:"events"`
	LastSeq int64          `json:"lastSeq"`
}

func (d Dependencies) listDocuments(w http.ResponseWriter, r *http.Request) {
	q := live.Query{
		Collection: chi.URLParam(r, "collection"),
		OwnerID:    r.URL.Query().Get("owner"),
		Field:      r.URL.Query().Get("field"),
		Value:      r.URL.Query().Get("value"),
	}
	if err := q.Validate(); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_query", err.Error(), d.Log)
		return
	}

	docs, err := d.Services.Documents.List(r.Context(), identity(r), q)
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	if docs == nil {
		docs = []model.Document{}
	}
	writeJSON(w, http.StatusOK, documentList{Documents: docs})
}

func (d Dependencies) createDocument(w http.ResponseWriter, r *http.Request) {
	var data map[string]interface{}
	if !d.decodeBody(w, r, &data) {
		return
	}

	doc, err := d.Services.Documents.Create(r.Context(), identity(r), chi.URLParam(r, "collection"), data)
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (d Dependencies) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := d.Services.Documents.Get(r.Context(), identity(r), chi.URLParam(r, "collection"), chi.URLParam(r, "id"))
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// putDocument creates the document under a client-chosen id. Repeating the put
// returns the stored document with 200 instead of creating a second one.
func (d Dependencies) putDocument(w http.ResponseWriter, r *http.Request) {
	var data map[string]interface{}
	if !d.decodeBody(w, r, &data) {
		return
	}

	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")
	caller := identity(r)

	if r.URL.Query().Get("replace") == "true" {
		doc, err := d.Services.Documents.Replace(r.Context(), caller, collection, id, data)
		if err != nil {
			d.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
		return
	}

	doc, created, err := d.Services.Documents.Put(r.Context(), caller, collection, id, data)
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, doc)
}

func (d Dependencies) patchDocument(w http.ResponseWriter, r *http.Request) {
	var patch map[string]interface{}
	if !d.decodeBody(w, r, &patch) {
		return
	}

	doc, err := d.Services.Documents.Patch(r.Context(), identity(r), chi.URLParam(r, "collection"), chi.URLParam(r, "id"), patch)
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (d Dependencies) deleteDocument(w http.ResponseWriter, r *http.Request) {
	err := d.Services.Documents.Delete(r.Context(), identity(r), chi.URLParam(r, "collection"), chi.URLParam(r, "id"))
	if err != nil {
		d.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listChanges replays recorded change events after ?since= for catch-up after
// a dropped connection
func (d Dependencies) listChanges(w http.ResponseWriter, r *http.Request) {
	if d.Changes == nil {
		WriteError(w, http.StatusServiceUnavailable, "unsupported", "Change log not available", d.Log)
		return
	}
	collection := chi.URLParam(r, "collection")
	caller := identity(r)
	if _, err := service.ScopeQuery(caller, live.Query{Collection: collection}); err != nil {
		d.writeServiceError(w, err)
		return
	}

	var since int64
	if s := r.URL.Query().Get("since"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			WriteError(w, http.StatusBadRequest, "invalid_since", "since must be a non-negative integer", d.Log)
			return
		}
		since = v
	}
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v <= 0 {
			WriteError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer", d.Log)
			return
		}
		if v > maxChanges {
			v = maxChanges
		}
		limit = v
	}

	events, err := d.Changes.ReplayEvents(r.Context(), pubsub.ChannelFor(collection), since, limit)
	if err != nil {
		d.Log.Error("Failed to replay events", zap.String("collection", collection), zap.Error(err))
		WriteError(w, http.StatusInternalServerError, "replay_failed", "Failed to read change log", d.Log)
		return
	}

	resp := changeList{Events: []pubsub.Event{}, LastSeq: since}
	for _, ev := range events {
		if ev.Seq > resp.LastSeq {
			resp.LastSeq = ev.Seq
		}
		if !caller.IsStaff() && ev.OwnerID != caller.UserID {
			continue
		}
		resp.Events = append(resp.Events, ev)
	}
	writeJSON(w, http.StatusOK, resp)
}
