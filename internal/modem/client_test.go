package modem

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const handshakeXML = `<?xml version="1.0" encoding="UTF-8"?>
<response><SesInfo>SessionID=abc123</SesInfo><TokInfo>tok456</TokInfo></response>`

// fakeModem serves the handshake and a scripted response per operation
// path, recording what the client sent.
type fakeModem struct {
	t *testing.T

	handshakeCalls atomic.Int64
	lastCookie     string
	lastToken      string
	lastBody       string

	responses map[string][]string // path -> queue of bodies
}

func newFakeModem(t *testing.T) *fakeModem {
	return &fakeModem{t: t, responses: map[string][]string{}}
}

func (f *fakeModem) respond(path string, bodies ...string) {
	f.responses[path] = append(f.responses[path], bodies...)
}

func (f *fakeModem) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/webserver/SesTokInfo" {
			f.handshakeCalls.Add(1)
			io.WriteString(w, handshakeXML)
			return
		}

		f.lastCookie = r.Header.Get("Cookie")
		f.lastToken = r.Header.Get("__RequestVerificationToken")
		b, _ := io.ReadAll(r.Body)
		f.lastBody = string(b)

		queue := f.responses[r.URL.Path]
		if len(queue) == 0 {
			f.t.Fatalf("unexpected request to %s", r.URL.Path)
		}
		body := queue[0]
		f.responses[r.URL.Path] = queue[1:]
		io.WriteString(w, body)
	})
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return client, srv
}

func TestSendSMSSuccess(t *testing.T) {
	fake := newFakeModem(t)
	fake.respond("/api/sms/send-sms", `<response><message_id>M-42</message_id></response>`)
	client, _ := newTestClient(t, fake.handler())

	id, err := client.SendSMS(context.Background(), "+33612345678", "hello there")
	require.NoError(t, err)
	assert.Equal(t, "M-42", id)

	assert.Equal(t, "SessionID=abc123", fake.lastCookie)
	assert.Equal(t, "tok456", fake.lastToken)
	assert.Contains(t, fake.lastBody, "<Phone>+33612345678</Phone>")
	assert.Contains(t, fake.lastBody, "<Content>hello there</Content>")
	assert.Contains(t, fake.lastBody, "<Length>11</Length>")
	assert.Contains(t, fake.lastBody, "<Index>-1</Index>")
}

func TestSendSMSEscapesContent(t *testing.T) {
	fake := newFakeModem(t)
	fake.respond("/api/sms/send-sms", `<response><message_id>M-1</message_id></response>`)
	client, _ := newTestClient(t, fake.handler())

	_, err := client.SendSMS(context.Background(), "+33612345678", `tariff <20% & rising>`)
	require.NoError(t, err)
	assert.Contains(t, fake.lastBody, "&lt;20% &amp; rising&gt;")
}

func TestSendSMSModemCode(t *testing.T) {
	fake := newFakeModem(t)
	fake.respond("/api/sms/send-sms", `<error><code>117</code><message></message></error>`)
	client, _ := newTestClient(t, fake.handler())

	_, err := client.SendSMS(context.Background(), "invalid", "hi")
	require.Error(t, err)

	var me *Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, ErrKindModem, me.Kind)
	assert.Equal(t, 117, me.Code)
	assert.False(t, me.Retryable())
}

func TestSendSMSRetryableCodes(t *testing.T) {
	cases := []struct {
		code      int
		retryable bool
	}{
		{113, true},
		{114, false},
		{115, true},
		{117, false},
		{118, true},
		{999, true}, // unknown codes retry
	}
	for _, tc := range cases {
		e := &Error{Kind: ErrKindModem, Code: tc.code, Op: "send"}
		assert.Equal(t, tc.retryable, e.Retryable(), "code %d", tc.code)
	}
}

func TestSessionIsCachedAcrossCalls(t *testing.T) {
	fake := newFakeModem(t)
	fake.respond("/api/sms/send-sms",
		`<response><message_id>M-1</message_id></response>`,
		`<response><message_id>M-2</message_id></response>`,
	)
	client, _ := newTestClient(t, fake.handler())

	_, err := client.SendSMS(context.Background(), "+33611111111", "one")
	require.NoError(t, err)
	_, err = client.SendSMS(context.Background(), "+33622222222", "two")
	require.NoError(t, err)

	assert.Equal(t, int64(1), fake.handshakeCalls.Load())
}

func TestStaleSessionIsRefreshedOnce(t *testing.T) {
	fake := newFakeModem(t)
	fake.respond("/api/sms/send-sms",
		`<error><code>125003</code></error>`,
		`<response><message_id>M-7</message_id></response>`,
	)
	client, _ := newTestClient(t, fake.handler())

	id, err := client.SendSMS(context.Background(), "+33611111111", "hi")
	require.NoError(t, err)
	assert.Equal(t, "M-7", id)
	assert.Equal(t, int64(2), fake.handshakeCalls.Load())
}

func TestListInbox(t *testing.T) {
	fake := newFakeModem(t)
	fake.respond("/api/sms/sms-list", `<response><messages>
		<message><index>5</index><phone>+33611111111</phone><content>first</content><date>2026-03-01 10:00:00</date><status>received</status></message>
		<message><index>6</index><phone>+33622222222</phone><content>second</content><date>2026-03-01 10:01:00</date><status>received</status></message>
	</messages></response>`)
	client, _ := newTestClient(t, fake.handler())

	msgs, err := client.ListInbox(context.Background(), BoxTypeInbox)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, InboxMessage{Index: 5, Phone: "+33611111111", Content: "first", Date: "2026-03-01 10:00:00", Status: "received"}, msgs[0])
	assert.Equal(t, 6, msgs[1].Index)

	assert.Contains(t, fake.lastBody, "<BoxType>1</BoxType>")
	assert.Contains(t, fake.lastBody, "<PageIndex>1</PageIndex>")
}

func TestListInboxEmpty(t *testing.T) {
	fake := newFakeModem(t)
	fake.respond("/api/sms/sms-list", `<response><messages></messages></response>`)
	client, _ := newTestClient(t, fake.handler())

	msgs, err := client.ListInbox(context.Background(), BoxTypeInbox)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

// inboxPageXML builds an sms-list response with count messages whose
// indices count down from startIdx (the modem lists newest first).
func inboxPageXML(startIdx, count int) string {
	var b strings.Builder
	b.WriteString("<response><messages>")
	for i := 0; i < count; i++ {
		idx := startIdx - i
		fmt.Fprintf(&b, "<message><index>%d</index><phone>+33611111111</phone><content>m%d</content><date>2026-03-01 10:00:00</date><status>received</status></message>", idx, idx)
	}
	b.WriteString("</messages></response>")
	return b.String()
}

func TestListInboxPaginatesFullPages(t *testing.T) {
	fake := newFakeModem(t)
	// 25 unseen messages: a full first page and a short second page.
	fake.respond("/api/sms/sms-list",
		inboxPageXML(25, 20),
		inboxPageXML(5, 5),
	)
	client, _ := newTestClient(t, fake.handler())

	msgs, err := client.ListInbox(context.Background(), BoxTypeInbox)
	require.NoError(t, err)
	require.Len(t, msgs, 25)

	seen := map[int]bool{}
	for _, m := range msgs {
		seen[m.Index] = true
	}
	for idx := 1; idx <= 25; idx++ {
		assert.True(t, seen[idx], "index %d missing", idx)
	}

	// The second request asked for the next page.
	assert.Contains(t, fake.lastBody, "<PageIndex>2</PageIndex>")
}

func TestGetStatusMapping(t *testing.T) {
	cases := []struct {
		body string
		want DeliveryStatus
	}{
		{`<response><status>Delivered</status></response>`, DeliveryDelivered},
		{`<response><status>sent</status></response>`, DeliverySent},
		{`<response><status>PENDING</status></response>`, DeliveryPending},
		{`<response><status>failed</status></response>`, DeliveryFailed},
		{`<response><status>weird</status></response>`, DeliveryUnknown},
		{`<response></response>`, DeliveryUnknown},
	}
	for _, tc := range cases {
		fake := newFakeModem(t)
		fake.respond("/api/sms/sms-status", tc.body)
		client, _ := newTestClient(t, fake.handler())

		got, err := client.GetStatus(context.Background(), "M-42")
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "body %s", tc.body)
	}
}

func TestHealthCheck(t *testing.T) {
	fake := newFakeModem(t)
	fake.respond("/api/monitoring/status", `<response>
		<signal_strength>72</signal_strength>
		<network_type>LTE</network_type>
		<network_name>TestNet</network_name>
		<battery_level>100</battery_level>
		<connection_status>connected</connection_status>
	</response>`)
	client, _ := newTestClient(t, fake.handler())

	h, err := client.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 72, h.SignalStrength)
	assert.Equal(t, "LTE", h.NetworkType)
	assert.Equal(t, "TestNet", h.NetworkName)
	assert.Equal(t, 100, h.BatteryLevel)
	assert.Equal(t, "connected", h.ConnectionStatus)
}

func TestHTTPErrorStatus(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/webserver/SesTokInfo" {
			io.WriteString(w, handshakeXML)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := client.SendSMS(context.Background(), "+33611111111", "hi")
	var me *Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, ErrKindHTTP, me.Kind)
	assert.Equal(t, 500, me.Code)
	assert.True(t, me.Retryable())
}

func TestHTTPRetryableByStatus(t *testing.T) {
	cases := []struct {
		code      int
		retryable bool
	}{
		{0, true}, // transport failure, no response received
		{403, false},
		{404, false},
		{500, true},
		{502, true},
	}
	for _, tc := range cases {
		e := &Error{Kind: ErrKindHTTP, Code: tc.code, Op: "send"}
		assert.Equal(t, tc.retryable, e.Retryable(), "status %d", tc.code)
	}
}

func TestCircuitOpensAfterTransportFailures(t *testing.T) {
	var calls atomic.Int64
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/webserver/SesTokInfo" {
			io.WriteString(w, handshakeXML)
			return
		}
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	for i := 0; i < 5; i++ {
		_, err := client.SendSMS(context.Background(), "+33611111111", "hi")
		var me *Error
		require.ErrorAs(t, err, &me)
		assert.Equal(t, ErrKindHTTP, me.Kind)
	}
	assert.Equal(t, int64(5), calls.Load())

	// Sixth call fails fast without touching the network.
	_, err := client.SendSMS(context.Background(), "+33611111111", "hi")
	assert.True(t, IsCircuitOpen(err))
	assert.Equal(t, int64(5), calls.Load())
}

func TestModemCodeDoesNotTripBreaker(t *testing.T) {
	fake := newFakeModem(t)
	for i := 0; i < 6; i++ {
		fake.respond("/api/sms/send-sms", `<error><code>113</code></error>`)
	}
	client, _ := newTestClient(t, fake.handler())

	for i := 0; i < 6; i++ {
		_, err := client.SendSMS(context.Background(), "+33611111111", "hi")
		var me *Error
		require.ErrorAs(t, err, &me)
		assert.Equal(t, ErrKindModem, me.Kind)
	}
}
