package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/dialback/internal/calendar"
	"github.com/kalambet/dialback/internal/dispatch"
	"github.com/kalambet/dialback/internal/reconcile"
	"github.com/kalambet/dialback/internal/storage"
	"github.com/kalambet/dialback/internal/voice"
	"github.com/kalambet/dialback/internal/webhook"
)

const (
	testToken         = "test-token-12345"
	testWebhookSecret = "wsec_api_test"
)

type fakeProvider struct {
	mu       sync.Mutex
	placed   []voice.OutboundCall
	placeErr error
	convs    map[string]voice.Conversation
	fetchErr error
}

func (f *fakeProvider) PlaceCall(_ context.Context, call voice.OutboundCall) (voice.OutboundCallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return voice.OutboundCallResult{}, f.placeErr
	}
	f.placed = append(f.placed, call)
	return voice.OutboundCallResult{
		Success:        true,
		ConversationID: fmt.Sprintf("conv_%d", len(f.placed)),
		CallSID:        "CA123",
	}, nil
}

func (f *fakeProvider) GetConversation(_ context.Context, id string) (voice.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return voice.Conversation{}, f.fetchErr
	}
	conv, ok := f.convs[id]
	if !ok {
		return voice.Conversation{}, fmt.Errorf("%w: %s", voice.ErrConversationNotFound, id)
	}
	return conv, nil
}

func (f *fakeProvider) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

type testEnv struct {
	handler  http.Handler
	store    *storage.Store
	provider *fakeProvider
	deps     AppDeps
}

func setupAppHandler(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	provider := &fakeProvider{convs: map[string]voice.Conversation{}}
	deps := AppDeps{
		Store:      store,
		Engine:     dispatch.NewEngine(store, provider),
		Reconciler: reconcile.New(store, provider),
		Calendar:   calendar.NewChecker(store, 30),
		Webhooks:   webhook.NewAuthenticator(webhook.Config{Secret: testWebhookSecret}),
		Token:      testToken,
	}
	return &testEnv{handler: NewHandler(deps), store: store, provider: provider, deps: deps}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (e *testEnv) do(t *testing.T, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, authReq(method, url, body, testToken))
	return rr
}

func (e *testEnv) seedSubject(t *testing.T, id string) {
	t.Helper()
	if err := e.store.CreateSubject(storage.Subject{ID: id, Name: "Ada " + id, Phone: "+15550100", Language: "en"}); err != nil {
		t.Fatalf("CreateSubject: %v", err)
	}
}

func (e *testEnv) seedCall(t *testing.T, id string, status storage.CallStatus, at time.Time) {
	t.Helper()
	if err := e.store.CreateCall(storage.Call{ID: id, SubjectID: "sub-1", ScheduledAt: at, Status: status, Purpose: "renewal"}); err != nil {
		t.Fatalf("CreateCall(%s): %v", id, err)
	}
}

type errorEnvelope struct {
	Error struct {
		Message       string `json:"message"`
		Type          string `json:"type"`
		Code          string `json:"code"`
		CurrentStatus string `json:"current_status"`
	} `json:"error"`
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return env
}

func TestHealth_NoAuth(t *testing.T) {
	env := setupAppHandler(t)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestBearerAuth_Rejects(t *testing.T) {
	env := setupAppHandler(t)
	for _, token := range []string{"", "wrong-token"} {
		rr := httptest.NewRecorder()
		env.handler.ServeHTTP(rr, authReq(http.MethodGet, "/calls", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
	}
}

func TestBearerAuth_EmptyConfiguredTokenRejectsAll(t *testing.T) {
	h := BearerAuth("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be reached")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestCreateSubjectAndCall(t *testing.T) {
	env := setupAppHandler(t)

	rr := env.do(t, http.MethodPost, "/subjects", `{"name":"Grace","phone":" +15550199 ","language":"en"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create subject status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var sub storage.Subject
	json.NewDecoder(rr.Body).Decode(&sub)
	if sub.ID == "" || sub.Phone != "+15550199" {
		t.Fatalf("subject = %+v", sub)
	}

	rr = env.do(t, http.MethodGet, "/subjects/"+sub.ID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get subject status = %d", rr.Code)
	}

	body := fmt.Sprintf(`{"subject_id":%q,"scheduled_at":"2026-03-02T10:00:00Z","purpose":"renewal"}`, sub.ID)
	rr = env.do(t, http.MethodPost, "/calls", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create call status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var call storage.Call
	json.NewDecoder(rr.Body).Decode(&call)
	if call.Status != storage.StatusPending {
		t.Errorf("status = %q, want pending", call.Status)
	}
	if !call.ScheduledAt.Equal(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("scheduled_at = %v", call.ScheduledAt)
	}

	rr = env.do(t, http.MethodGet, "/calls/"+call.ID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get call status = %d", rr.Code)
	}
}

func TestCreateCall_Validation(t *testing.T) {
	env := setupAppHandler(t)
	env.seedSubject(t, "sub-1")

	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing subject", `{"scheduled_at":"2026-03-02T10:00:00Z"}`},
		{"unknown subject", `{"subject_id":"nobody"}`},
		{"bad time", `{"subject_id":"sub-1","scheduled_at":"tomorrow"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/calls", tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
			}
			if got := decodeError(t, rr).Error.Code; got != "BAD_INPUT" {
				t.Errorf("code = %q, want BAD_INPUT", got)
			}
		})
	}
}

func TestListCalls_FilterAndPaging(t *testing.T) {
	env := setupAppHandler(t)
	env.seedSubject(t, "sub-1")
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	env.seedCall(t, "call-1", storage.StatusPending, base)
	env.seedCall(t, "call-2", storage.StatusPending, base.Add(time.Hour))
	env.seedCall(t, "call-3", storage.StatusFailed, base.Add(2*time.Hour))

	rr := env.do(t, http.MethodGet, "/calls?status=pending&limit=1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var calls []storage.Call
	json.NewDecoder(rr.Body).Decode(&calls)
	if len(calls) != 1 || calls[0].ID != "call-2" {
		t.Errorf("calls = %+v, want only call-2", calls)
	}

	rr = env.do(t, http.MethodGet, "/calls?status=bogus", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bogus status filter: status = %d, want 400", rr.Code)
	}
}

func TestDispatchCall_Success(t *testing.T) {
	env := setupAppHandler(t)
	env.seedSubject(t, "sub-1")
	env.seedCall(t, "call-1", storage.StatusPending, time.Now().Add(-time.Minute))

	rr := env.do(t, http.MethodPost, "/calls/call-1/dispatch", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var res dispatch.Result
	json.NewDecoder(rr.Body).Decode(&res)
	if res.Call.Status != storage.StatusDispatched || res.Call.ConversationID != "conv_1" {
		t.Errorf("call = %+v", res.Call)
	}
	if res.Provider.ConversationID != "conv_1" {
		t.Errorf("provider result = %+v", res.Provider)
	}
}

func TestDispatchCall_ErrorMapping(t *testing.T) {
	env := setupAppHandler(t)
	env.seedSubject(t, "sub-1")
	env.seedCall(t, "future", storage.StatusPending, time.Now().Add(time.Hour))
	env.seedCall(t, "cancelled", storage.StatusCancelled, time.Now().Add(-time.Hour))
	env.seedCall(t, "done", storage.StatusCompleted, time.Now().Add(-time.Hour))

	cases := []struct {
		path    string
		status  int
		code    string
		current string
	}{
		{"/calls/missing/dispatch", http.StatusNotFound, "CALL_NOT_FOUND", ""},
		{"/calls/future/dispatch", http.StatusBadRequest, "CALL_NOT_YET_DUE", ""},
		{"/calls/cancelled/dispatch", http.StatusBadRequest, "CALL_INVALID_STATE", "cancelled"},
		{"/calls/done/dispatch", http.StatusConflict, "CALL_CLAIM_CONFLICT", "completed"},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, tc.path, `{}`)
			if rr.Code != tc.status {
				t.Fatalf("status = %d, want %d; body = %s", rr.Code, tc.status, rr.Body.String())
			}
			got := decodeError(t, rr)
			if got.Error.Code != tc.code {
				t.Errorf("code = %q, want %q", got.Error.Code, tc.code)
			}
			if got.Error.CurrentStatus != tc.current {
				t.Errorf("current_status = %q, want %q", got.Error.CurrentStatus, tc.current)
			}
		})
	}
	if env.provider.placedCount() != 0 {
		t.Errorf("provider called %d times, want 0", env.provider.placedCount())
	}
}

func TestDispatchCall_ForceFutureCall(t *testing.T) {
	env := setupAppHandler(t)
	env.seedSubject(t, "sub-1")
	env.seedCall(t, "future", storage.StatusPending, time.Now().Add(time.Hour))

	rr := env.do(t, http.MethodPost, "/calls/future/dispatch", `{"force":true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
}

func TestDispatchCall_ProviderNotConfigured(t *testing.T) {
	env := setupAppHandler(t)
	env.seedSubject(t, "sub-1")
	env.seedCall(t, "call-1", storage.StatusPending, time.Now().Add(-time.Minute))
	env.provider.placeErr = fmt.Errorf("%w: missing api key", voice.ErrNotConfigured)

	rr := env.do(t, http.MethodPost, "/calls/call-1/dispatch", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	call, _ := env.store.GetCall("call-1")
	if call.Status != storage.StatusPending {
		t.Errorf("status = %q, want pending restored", call.Status)
	}
}

func TestDispatchCall_ProviderFailureSurfacesMessage(t *testing.T) {
	env := setupAppHandler(t)
	env.seedSubject(t, "sub-1")
	env.seedCall(t, "call-1", storage.StatusPending, time.Now().Add(-time.Minute))
	env.provider.placeErr = errors.New("destination number unreachable")

	rr := env.do(t, http.MethodPost, "/calls/call-1/dispatch", "")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if got := decodeError(t, rr).Error.Message; got != "destination number unreachable" {
		t.Errorf("message = %q", got)
	}
}

func TestCancelCall(t *testing.T) {
	env := setupAppHandler(t)
	env.seedSubject(t, "sub-1")
	env.seedCall(t, "call-1", storage.StatusPending, time.Now())
	env.seedCall(t, "call-2", storage.StatusCompleted, time.Now())

	rr := env.do(t, http.MethodPost, "/calls/call-1/cancel", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var call storage.Call
	json.NewDecoder(rr.Body).Decode(&call)
	if call.Status != storage.StatusCancelled {
		t.Errorf("status = %q, want cancelled", call.Status)
	}

	rr = env.do(t, http.MethodPost, "/calls/call-2/cancel", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("completed cancel: status = %d, want 400", rr.Code)
	}
	if got := decodeError(t, rr).Error.CurrentStatus; got != "completed" {
		t.Errorf("current_status = %q", got)
	}

	rr = env.do(t, http.MethodPost, "/calls/nope/cancel", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing cancel: status = %d, want 404", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/calls/call-1/audit", "")
	var entries []storage.AuditEntry
	json.NewDecoder(rr.Body).Decode(&entries)
	if len(entries) != 1 || entries[0].Event != "call_cancelled" {
		t.Errorf("audit = %+v", entries)
	}
}

func TestSyncCallAndEvaluation(t *testing.T) {
	env := setupAppHandler(t)
	env.seedSubject(t, "sub-1")
	env.seedCall(t, "call-1", storage.StatusPending, time.Now().Add(-time.Minute))

	rr := env.do(t, http.MethodGet, "/calls/call-1/evaluation", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unsynced evaluation: status = %d, want 404", rr.Code)
	}
	rr = env.do(t, http.MethodPost, "/calls/call-1/sync", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("sync without conversation: status = %d, want 400", rr.Code)
	}

	if rr := env.do(t, http.MethodPost, "/calls/call-1/dispatch", ""); rr.Code != http.StatusOK {
		t.Fatalf("dispatch: %d", rr.Code)
	}
	env.provider.convs["conv_1"] = doneConversation("conv_1")

	rr = env.do(t, http.MethodPost, "/calls/call-1/sync", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("sync status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var out reconcile.Outcome
	json.NewDecoder(rr.Body).Decode(&out)
	if out.Status != storage.StatusCompleted || out.ActionItemsCount != 1 {
		t.Errorf("outcome = %+v", out)
	}

	rr = env.do(t, http.MethodGet, "/calls/call-1/evaluation", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("evaluation status = %d", rr.Code)
	}
	var eval EvaluationResponse
	json.NewDecoder(rr.Body).Decode(&eval)
	if eval.Evaluation.Result != storage.ResultSuccess {
		t.Errorf("result = %q, want success", eval.Evaluation.Result)
	}
	if len(eval.ActionItems) != 1 || eval.ActionItems[0].Detail != "Tuesday 10am" {
		t.Errorf("action items = %+v", eval.ActionItems)
	}
}

func TestDispatchBatch(t *testing.T) {
	env := setupAppHandler(t)
	env.seedSubject(t, "sub-1")
	past := time.Now().Add(-time.Minute)
	env.seedCall(t, "call-1", storage.StatusPending, past)
	env.seedCall(t, "call-2", storage.StatusFailed, past)
	env.seedCall(t, "call-3", storage.StatusCancelled, past)

	rr := env.do(t, http.MethodPost, "/calls/dispatch-batch", `{"call_ids":["call-1","call-2","call-3","missing"],"concurrency":2}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var report dispatch.BatchReport
	json.NewDecoder(rr.Body).Decode(&report)
	if report.Scanned != 4 || report.Dispatched != 2 || report.Failed != 2 {
		t.Errorf("report = %+v", report)
	}
	if report.Items[3].CallID != "missing" || report.Items[3].HTTPStatus != http.StatusNotFound {
		t.Errorf("missing item = %+v", report.Items[3])
	}

	rr = env.do(t, http.MethodPost, "/calls/dispatch-batch", `{"call_ids":[]}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("empty batch: status = %d, want 400", rr.Code)
	}
}

func TestCreateCampaign_DispatchesEveryCall(t *testing.T) {
	env := setupAppHandler(t)
	env.seedSubject(t, "sub-1")
	env.seedSubject(t, "sub-2")
	env.seedSubject(t, "sub-3")

	body := `{"subject_ids":["sub-1","sub-2","sub-3"],"purpose":"survey","dispatch":true}`
	rr := env.do(t, http.MethodPost, "/campaigns", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp CampaignResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.CampaignID == "" || len(resp.Calls) != 3 {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Report == nil || resp.Report.Dispatched != 3 {
		t.Errorf("report = %+v", resp.Report)
	}
	for _, c := range resp.Calls {
		if c.CampaignID != resp.CampaignID || c.Status != storage.StatusDispatched {
			t.Errorf("call = %+v", c)
		}
	}
	if env.provider.placedCount() != 3 {
		t.Errorf("provider calls = %d, want 3", env.provider.placedCount())
	}
}

func TestCreateCampaign_UnknownSubjectWritesNothing(t *testing.T) {
	env := setupAppHandler(t)
	env.seedSubject(t, "sub-1")

	rr := env.do(t, http.MethodPost, "/campaigns", `{"subject_ids":["sub-1","ghost"]}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	calls, err := env.store.ListCalls("", 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 0 {
		t.Errorf("calls created = %d, want 0", len(calls))
	}
}

func doneConversation(id string) voice.Conversation {
	return voice.Conversation{
		ConversationID: id,
		Status:         voice.ConversationDone,
		Transcript: []voice.TranscriptTurn{
			{Role: "agent", Message: "Hello, is now a good time?"},
			{Role: "user", Message: "Call me Tuesday at 10."},
		},
		Metadata: voice.ConversationMetadata{CallDurationSecs: 42},
		Analysis: &voice.Analysis{
			EvaluationCriteriaResults: map[string]voice.CriterionResult{
				"goal": {CriteriaID: "goal", Result: "success", Rationale: "Callback agreed."},
			},
			DataCollectionResults: map[string]voice.DataCollectionResult{
				"callback_time": {DataCollectionID: "callback_time", Value: json.RawMessage(`"Tuesday 10am"`)},
				"budget":        {DataCollectionID: "budget", Value: json.RawMessage(`"n/a"`)},
			},
		},
	}
}
