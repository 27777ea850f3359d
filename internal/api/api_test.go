package api

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"reliefsync/internal/auth"
	"reliefsync/internal/model"
	"reliefsync/internal/schema"
	"reliefsync/internal/service"
	"reliefsync/internal/storage"
	"reliefsync/internal/testsupport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testAPI struct {
	srv   *httptest.Server
	store *testsupport.MemStore
	bus   *testsupport.RecordingBus
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	log := zap.NewNop()
	a := &testAPI{
		store: testsupport.NewMemStore(),
		bus:   &testsupport.RecordingBus{},
	}
	tokens := auth.NewJWTConfig("test-secret", time.Hour)
	svc := service.New(a.store, schema.NewDefaultCompiler(), a.bus, tokens, []string{"boss@ngo.org"}, log)

	a.srv = httptest.NewUnstartedServer(nil)
	stor, err := storage.NewLocalStorage(t.TempDir(), "http://"+a.srv.Listener.Addr().String())
	require.NoError(t, err)
	a.srv.Config.Handler = NewRouter(Dependencies{
		Services: svc,
		Tokens:   tokens,
		Changes:  a.bus,
		Storage:  stor,
		Presets:  storage.DefaultPresets(),
		Log:      log,
	})
	a.srv.Start()
	t.Cleanup(a.srv.Close)
	return a
}

func (a *testAPI) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (a *testAPI) signUp(t *testing.T, email string) model.Identity {
	t.Helper()
	resp := a.do(t, http.MethodPost, "/v1/auth/signup", "", map[string]string{
		"email":    email,
		"password": "secret-pass",
		"name":     "Test User",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var s sessionResponse
	decodeResponse(t, resp, &s)
	require.NotEmpty(t, s.Identity.Token)
	return s.Identity
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var e ErrorResponse
	decodeResponse(t, resp, &e)
	return e.Code
}

func TestHealthz(t *testing.T) {
	a := newTestAPI(t)
	resp := a.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth_SignUpSignInMe(t *testing.T) {
	a := newTestAPI(t)
	id := a.signUp(t, "Ana@Example.org")
	assert.Equal(t, model.RoleCitizen, id.Role)
	assert.Equal(t, "ana@example.org", id.Email)

	resp := a.do(t, http.MethodPost, "/v1/auth/signin", "", signInRequest{Email: "ana@example.org", Password: "secret-pass"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var s sessionResponse
	decodeResponse(t, resp, &s)
	assert.Equal(t, id.UserID, s.Identity.UserID)

	resp = a.do(t, http.MethodGet, "/v1/me", s.Identity.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p model.UserProfile
	decodeResponse(t, resp, &p)
	assert.Equal(t, "Test User", p.Name)
	assert.Equal(t, id.UserID, p.ID)
}

func TestAuth_Errors(t *testing.T) {
	a := newTestAPI(t)
	a.signUp(t, "ana@example.org")

	resp := a.do(t, http.MethodPost, "/v1/auth/signup", "", map[string]string{
		"email": "ana@example.org", "password": "secret-pass", "name": "Again",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = a.do(t, http.MethodPost, "/v1/auth/signup", "", map[string]string{
		"email": "not-an-email", "password": "secret-pass", "name": "X",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_failed", errorCode(t, resp))

	resp = a.do(t, http.MethodPost, "/v1/auth/signin", "", signInRequest{Email: "ana@example.org", Password: "wrong-pass"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, resp))

	resp = a.do(t, http.MethodGet, "/v1/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuth_SignOutRevokesToken(t *testing.T) {
	a := newTestAPI(t)
	id := a.signUp(t, "ana@example.org")

	resp := a.do(t, http.MethodPost, "/v1/auth/signout", id.Token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = a.do(t, http.MethodGet, "/v1/me", id.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDocuments_PutIsIdempotent(t *testing.T) {
	a := newTestAPI(t)
	id := a.signUp(t, "ana@example.org")
	body := map[string]interface{}{"text": "shelter at the school"}

	resp := a.do(t, http.MethodPut, "/v1/collections/notes/documents/01HX", id.Token, body)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = a.do(t, http.MethodPut, "/v1/collections/notes/documents/01HX", id.Token, map[string]interface{}{"text": "changed"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var doc model.Document
	decodeResponse(t, resp, &doc)
	assert.Equal(t, "shelter at the school", doc.Data["text"])
	assert.Equal(t, 1, a.store.Count("notes"))
}

func TestDocuments_ListIsScopedToOwner(t *testing.T) {
	a := newTestAPI(t)
	ana := a.signUp(t, "ana@example.org")
	ben := a.signUp(t, "ben@example.org")
	boss := a.signUp(t, "boss@ngo.org")

	a.do(t, http.MethodPost, "/v1/collections/notes/documents", ana.Token, map[string]interface{}{"text": "a"})
	a.do(t, http.MethodPost, "/v1/collections/notes/documents", ben.Token, map[string]interface{}{"text": "b"})

	var list documentList
	resp := a.do(t, http.MethodGet, "/v1/collections/notes/documents", ana.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeResponse(t, resp, &list)
	require.Len(t, list.Documents, 1)
	assert.Equal(t, ana.UserID, list.Documents[0].OwnerID)

	resp = a.do(t, http.MethodGet, "/v1/collections/notes/documents", boss.Token, nil)
	decodeResponse(t, resp, &list)
	assert.Len(t, list.Documents, 2)

	resp = a.do(t, http.MethodGet, "/v1/collections/notes/documents?value=x", ana.Token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDocuments_ManagedCollectionRejectsPatch(t *testing.T) {
	a := newTestAPI(t)
	ana := a.signUp(t, "ana@example.org")

	resp := a.do(t, http.MethodPost, "/v1/aid-requests", ana.Token, map[string]interface{}{
		"requesterName": "Ana",
		"householdSize": 3,
		"aidTypes":      map[string]bool{"food": true},
		"urgency":       "High",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var aid model.AidRequest
	decodeResponse(t, resp, &aid)

	resp = a.do(t, http.MethodPatch, "/v1/collections/aid_requests/documents/"+aid.ID, ana.Token, map[string]interface{}{"status": "Delivered"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "managed_collection", errorCode(t, resp))
}

func TestAidRequests_Lifecycle(t *testing.T) {
	a := newTestAPI(t)
	ana := a.signUp(t, "ana@example.org")
	boss := a.signUp(t, "boss@ngo.org")
	require.Equal(t, model.RoleStaff, boss.Role)

	resp := a.do(t, http.MethodPost, "/v1/aid-requests", ana.Token, map[string]interface{}{
		"requesterName": "Ana",
		"householdSize": 3,
		"aidTypes":      map[string]bool{"water": true},
		"urgency":       "Medium",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var aid model.AidRequest
	decodeResponse(t, resp, &aid)
	assert.Equal(t, model.AidStatusRequested, aid.Status)
	path := "/v1/aid-requests/" + aid.ID

	resp = a.do(t, http.MethodPatch, path, ana.Token, map[string]interface{}{"householdSize": 4})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = a.do(t, http.MethodPost, path+"/status", ana.Token, aidStatusRequest{Status: model.AidStatusInProgress})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = a.do(t, http.MethodPost, path+"/status", boss.Token, aidStatusRequest{Status: model.AidStatusInProgress})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = a.do(t, http.MethodPatch, path, ana.Token, map[string]interface{}{"householdSize": 5})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "invalid_transition", errorCode(t, resp))

	resp = a.do(t, http.MethodPost, path+"/rating", ana.Token, ratingRequest{Rating: 5})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = a.do(t, http.MethodPost, path+"/status", boss.Token, aidStatusRequest{Status: model.AidStatusDelivered})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = a.do(t, http.MethodPost, path+"/rating", ana.Token, ratingRequest{Rating: 9})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = a.do(t, http.MethodPost, path+"/rating", ana.Token, ratingRequest{Rating: 4})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeResponse(t, resp, &aid)
	require.NotNil(t, aid.Rating)
	assert.Equal(t, 4, *aid.Rating)

	resp = a.do(t, http.MethodDelete, path, ana.Token, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAidRequests_CancelThenDelete(t *testing.T) {
	a := newTestAPI(t)
	ana := a.signUp(t, "ana@example.org")

	resp := a.do(t, http.MethodPost, "/v1/aid-requests", ana.Token, map[string]interface{}{
		"requesterName": "Ana",
		"householdSize": 1,
		"aidTypes":      map[string]bool{"shelter": true},
		"urgency":       "Low",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var aid model.AidRequest
	decodeResponse(t, resp, &aid)

	resp = a.do(t, http.MethodPost, "/v1/aid-requests/"+aid.ID+"/cancel", ana.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = a.do(t, http.MethodDelete, "/v1/aid-requests/"+aid.ID, ana.Token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 0, a.store.Count(model.CollectionAidRequests))
}

func TestEmergencies_AdvanceNearbyAndQR(t *testing.T) {
	a := newTestAPI(t)
	ana := a.signUp(t, "ana@example.org")
	boss := a.signUp(t, "boss@ngo.org")

	resp := a.do(t, http.MethodPost, "/v1/emergencies", ana.Token, service.EmergencyInput{
		DisasterType: "flood",
		Location:     model.GeoPoint{Lat: 14.5995, Lng: 120.9842},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var e model.Emergency
	decodeResponse(t, resp, &e)
	assert.Equal(t, model.EmergencyStatusPending, e.Status)
	path := "/v1/emergencies/" + e.ID

	resp = a.do(t, http.MethodPost, path+"/advance", boss.Token, advanceRequest{Status: model.EmergencyStatusInProgress})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = a.do(t, http.MethodPost, path+"/advance", boss.Token, advanceRequest{Status: model.EmergencyStatusApproved})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = a.do(t, http.MethodGet, "/v1/emergencies/nearby?lat=14.6&lng=120.98&radius=2000", ana.Token, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = a.do(t, http.MethodGet, "/v1/emergencies/nearby?lat=14.6&lng=120.98&radius=2000", boss.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var near nearbyResponse
	decodeResponse(t, resp, &near)
	require.Len(t, near.Emergencies, 1)
	assert.Equal(t, e.ID, near.Emergencies[0].ID)

	for _, query := range []string{"lat=NaN&lng=120.98", "lat=14.6&lng=Inf", "lat=14.6&lng=120.98&radius=Inf", "lat=14.6&lng=120.98&radius=NaN"} {
		resp = a.do(t, http.MethodGet, "/v1/emergencies/nearby?"+query, boss.Token, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
	}

	resp = a.do(t, http.MethodGet, path+"/qr?size=128", ana.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	png, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
}

func TestDamageReports_PutAndModerate(t *testing.T) {
	a := newTestAPI(t)
	ana := a.signUp(t, "ana@example.org")
	boss := a.signUp(t, "boss@ngo.org")
	in := service.DamageReportInput{
		Description: "bridge collapsed",
		Category:    model.DamageInfrastructure,
		Severity:    model.SeverityCritical,
		Location:    model.GeoPoint{Lat: 10, Lng: 20},
	}

	resp := a.do(t, http.MethodPut, "/v1/damage-reports/01HXDAMAGE", ana.Token, in)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = a.do(t, http.MethodPut, "/v1/damage-reports/01HXDAMAGE", ana.Token, in)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, a.store.Count(model.CollectionDamageReports))

	resp = a.do(t, http.MethodPost, "/v1/damage-reports/01HXDAMAGE/moderate", boss.Token, moderateRequest{Status: model.ModerationApproved})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report model.DamageReport
	decodeResponse(t, resp, &report)
	assert.Equal(t, model.ModerationApproved, report.Status)

	resp = a.do(t, http.MethodPost, "/v1/damage-reports/01HXDAMAGE/moderate", boss.Token, map[string]string{"status": "lost"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = a.do(t, http.MethodDelete, "/v1/damage-reports/01HXDAMAGE", ana.Token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestChanges_FilteredByOwner(t *testing.T) {
	a := newTestAPI(t)
	ana := a.signUp(t, "ana@example.org")
	ben := a.signUp(t, "ben@example.org")

	resp := a.do(t, http.MethodPost, "/v1/collections/notes/documents", ana.Token, map[string]interface{}{"text": "a"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var changes changeList
	resp = a.do(t, http.MethodGet, "/v1/collections/notes/changes?since=0", ana.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeResponse(t, resp, &changes)
	require.Len(t, changes.Events, 1)
	assert.Equal(t, "document.created", changes.Events[0].Type)

	resp = a.do(t, http.MethodGet, "/v1/collections/notes/changes?since=0", ben.Token, nil)
	decodeResponse(t, resp, &changes)
	assert.Empty(t, changes.Events)
	assert.Greater(t, changes.LastSeq, int64(0))

	resp = a.do(t, http.MethodGet, "/v1/collections/notes/changes?since=-1", ben.Token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func uploadRequest(t *testing.T, url, token, fileName string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestMedia_UploadAndServe(t *testing.T) {
	a := newTestAPI(t)
	ana := a.signUp(t, "ana@example.org")
	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)

	req := uploadRequest(t, a.srv.URL+"/v1/media?upload_preset="+storage.PresetDamagePhotos, ana.Token, "photo.png", png)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var meta storage.MediaMetadata
	decodeResponse(t, resp, &meta)
	assert.Equal(t, "image/png", meta.MIME)
	assert.Equal(t, int64(len(png)), meta.Size)
	assert.True(t, strings.HasPrefix(meta.Name, "damage/"))
	require.NoError(t, meta.Validate())

	got, err := http.Get(meta.URL)
	require.NoError(t, err)
	defer got.Body.Close()
	assert.Equal(t, http.StatusOK, got.StatusCode)
	body, err := io.ReadAll(got.Body)
	require.NoError(t, err)
	assert.Equal(t, png, body)
}

func TestMedia_RejectsPolicyViolations(t *testing.T) {
	a := newTestAPI(t)
	ana := a.signUp(t, "ana@example.org")

	req := uploadRequest(t, a.srv.URL+"/v1/media?upload_preset=bogus", ana.Token, "photo.png", []byte("x"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req = uploadRequest(t, a.srv.URL+"/v1/media?upload_preset="+storage.PresetDamagePhotos, ana.Token, "notes.txt", []byte("plain text"))
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	assert.Equal(t, "policy_violation", errorCode(t, resp2))
}
