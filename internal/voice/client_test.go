package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/kalambet/dialback/internal/storage"
)

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:       baseURL,
		APIKey:        "xi-test",
		AgentID:       "agent_1",
		PhoneNumberID: "phnum_1",
	}
}

func TestConfigValidate(t *testing.T) {
	if err := testConfig("").Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	err := Config{APIKey: "k"}.Validate()
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
	if got := err.Error(); got != "voice provider not configured: missing agent id, phone number id" {
		t.Errorf("message = %q", got)
	}
}

func TestPlaceCall(t *testing.T) {
	var got OutboundCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/convai/twilio/outbound-call" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("xi-api-key") != "xi-test" {
			t.Errorf("xi-api-key = %q", r.Header.Get("xi-api-key"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		fmt.Fprint(w, `{"success":true,"message":"Success","conversation_id":"conv_1","callSid":"CA123"}`)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	res, err := c.PlaceCall(context.Background(), OutboundCall{
		ToNumber:       "+15550100",
		InitiationData: &InitiationData{DynamicVariables: map[string]string{"reason": "renewal"}},
	})
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	if res.ConversationID != "conv_1" || res.CallSID != "CA123" {
		t.Errorf("result = %+v", res)
	}
	if got.AgentID != "agent_1" || got.AgentPhoneNumberID != "phnum_1" || got.ToNumber != "+15550100" {
		t.Errorf("request = %+v", got)
	}
	if got.InitiationData == nil || got.InitiationData.DynamicVariables["reason"] != "renewal" {
		t.Errorf("dynamic variables = %+v", got.InitiationData)
	}
}

func TestPlaceCall_NotConfigured(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.APIKey = ""
	_, err := NewClient(cfg).PlaceCall(context.Background(), OutboundCall{ToNumber: "+15550100"})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
	if hits.Load() != 0 {
		t.Errorf("provider was contacted %d times", hits.Load())
	}
}

func TestPlaceCall_ProviderErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"detail":"boom"}`},
		{"rejected", http.StatusOK, `{"success":false,"message":"number unreachable"}`},
		{"no conversation", http.StatusOK, `{"success":true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()

			_, err := NewClient(testConfig(srv.URL)).PlaceCall(context.Background(), OutboundCall{ToNumber: "+15550100"})
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, ErrNotConfigured) {
				t.Errorf("provider failure classified as not configured: %v", err)
			}
		})
	}
}

func TestPlaceCall_RetriesRateLimit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"success":true,"conversation_id":"conv_2"}`)
	}))
	defer srv.Close()

	res, err := NewClient(testConfig(srv.URL)).PlaceCall(context.Background(), OutboundCall{ToNumber: "+15550100"})
	if err != nil {
		t.Fatalf("PlaceCall: %v", err)
	}
	if res.ConversationID != "conv_2" || hits.Load() != 2 {
		t.Errorf("result = %+v after %d requests", res, hits.Load())
	}
}

func TestGetConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/convai/conversations/conv_1":
			fmt.Fprint(w, `{
				"conversation_id": "conv_1",
				"status": "done",
				"transcript": [{"role":"agent","message":"Hello"},{"role":"user","message":null}],
				"metadata": {"call_duration_secs": 42},
				"analysis": {
					"evaluation_criteria_results": {"goal": {"criteria_id":"goal","result":"success","rationale":"booked"}},
					"data_collection_results": {"callback_time": {"data_collection_id":"callback_time","value":"tomorrow"}}
				}
			}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL))
	conv, err := c.GetConversation(context.Background(), "conv_1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.Status != ConversationDone || conv.Metadata.CallDurationSecs != 42 || len(conv.Transcript) != 2 {
		t.Errorf("conversation = %+v", conv)
	}
	if conv.Analysis == nil || conv.Analysis.EvaluationCriteriaResults["goal"].Result != "success" {
		t.Errorf("analysis = %+v", conv.Analysis)
	}
	if string(conv.Analysis.DataCollectionResults["callback_time"].Value) != `"tomorrow"` {
		t.Errorf("collected value = %s", conv.Analysis.DataCollectionResults["callback_time"].Value)
	}

	if _, err := c.GetConversation(context.Background(), "missing"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("missing conversation: err = %v", err)
	}
}

func TestBuildCallParams_OmitsEmptyFields(t *testing.T) {
	call := storage.Call{ID: "call-1", Reason: "renewal", Purpose: "  ", Notes: ""}
	subject := storage.Subject{Name: "Ada", Phone: " +15550100 ", Language: "fr"}

	params := BuildCallParams(call, subject)
	if params.ToNumber != "+15550100" {
		t.Errorf("ToNumber = %q", params.ToNumber)
	}
	want := map[string]string{"call_id": "call-1", "subject_name": "Ada", "language": "fr", "reason": "renewal"}
	vars := params.InitiationData.DynamicVariables
	if len(vars) != len(want) {
		t.Fatalf("vars = %v, want %v", vars, want)
	}
	for k, v := range want {
		if vars[k] != v {
			t.Errorf("vars[%q] = %q, want %q", k, vars[k], v)
		}
	}

	call.Language = "de"
	if got := BuildCallParams(call, subject).InitiationData.DynamicVariables["language"]; got != "de" {
		t.Errorf("call language should win, got %q", got)
	}
}
