package escalation

import (
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opencontrolgate/opencontrolgate/internal/store"
)

func newChannelStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := st.Initialize(); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestChannelWants(t *testing.T) {
	cases := []struct {
		events string
		event  string
		want   bool
	}{
		{"*", "auto_kill_switch", true},
		{"", "action_evaluated", true},
		{"auto_kill_switch", "auto_kill_switch", true},
		{"auto_kill_switch, action_verified", "action_verified", true},
		{"auto_kill_switch", "action_evaluated", false},
	}
	for _, tc := range cases {
		ch := &store.Channel{Events: tc.events}
		if got := channelWants(ch, tc.event); got != tc.want {
			t.Errorf("channelWants(%q, %q) = %v, want %v", tc.events, tc.event, got, tc.want)
		}
	}
}

func TestWebhookSenderSignsPayload(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-OCG-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := &store.Channel{ID: "ops", Kind: "webhook", Target: srv.URL, Secret: "hmac-key"}
	n := Notification{Event: "auto_kill_switch", Severity: store.SeverityCritical, Timestamp: time.Now().UTC()}

	if err := NewWebhookSender().Send(ch, n); err != nil {
		t.Fatalf("Send: %v", err)
	}
	want := computeHMAC(gotBody, []byte("hmac-key"))
	if !hmac.Equal([]byte(gotSig), []byte(want)) {
		t.Errorf("signature = %s, want %s", gotSig, want)
	}

	var decoded Notification
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if decoded.Event != "auto_kill_switch" {
		t.Errorf("event = %s", decoded.Event)
	}
}

func TestWebhookSenderFailsOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := &store.Channel{ID: "ops", Kind: "webhook", Target: srv.URL}
	if err := NewWebhookSender().Send(ch, Notification{Event: "x"}); err == nil {
		t.Error("502 response not reported as failure")
	}
}

func TestSlackSenderPostsAttachment(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := &store.Channel{ID: "slack", Kind: "slack", Target: srv.URL}
	n := Notification{
		Event:     "action_evaluated",
		Severity:  store.SeverityHigh,
		AgentID:   "agent-a",
		Details:   map[string]interface{}{"reason": "block decision at risk 95"},
		Timestamp: time.Now().UTC(),
	}
	if err := NewSlackSender().Send(ch, n); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var payload struct {
		Attachments []struct {
			Color  string                   `json:"color"`
			Title  string                   `json:"title"`
			Fields []map[string]interface{} `json:"fields"`
		} `json:"attachments"`
	}
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if len(payload.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(payload.Attachments))
	}
	att := payload.Attachments[0]
	if att.Color != "#fd7e14" {
		t.Errorf("color = %s, want high-severity orange", att.Color)
	}
	// Event, Severity, Agent and Reason fields.
	if len(att.Fields) != 4 {
		t.Errorf("have %d fields, want 4", len(att.Fields))
	}
}

func TestDispatcherRecordsResults(t *testing.T) {
	st := newChannelStore(t)

	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer okSrv.Close()
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer badSrv.Close()

	_ = st.UpsertChannel(&store.Channel{ID: "good", Kind: "webhook", Target: okSrv.URL, Events: "*", IsActive: true})
	_ = st.UpsertChannel(&store.Channel{ID: "bad", Kind: "webhook", Target: badSrv.URL, Events: "*", IsActive: true})
	_ = st.UpsertChannel(&store.Channel{ID: "other-events", Kind: "webhook", Target: badSrv.URL, Events: "action_verified", IsActive: true})

	d := NewDispatcher(st, nil)
	d.Dispatch("auto_kill_switch", map[string]interface{}{"severity": store.SeverityCritical})

	channels, err := st.ListActiveChannels()
	if err != nil {
		t.Fatalf("ListActiveChannels: %v", err)
	}
	byID := make(map[string]*store.Channel, len(channels))
	for _, ch := range channels {
		byID[ch.ID] = ch
	}

	if byID["good"].ErrorCount != 0 || byID["good"].LastSentAt == nil {
		t.Errorf("good channel = %+v", byID["good"])
	}
	if byID["bad"].ErrorCount != 1 {
		t.Errorf("bad channel error count = %d, want 1", byID["bad"].ErrorCount)
	}
	// Filtered out by its event list: untouched.
	if byID["other-events"].ErrorCount != 0 || byID["other-events"].LastSentAt != nil {
		t.Errorf("filtered channel was contacted: %+v", byID["other-events"])
	}
}
