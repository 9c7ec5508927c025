package webhook

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/eventrelay/errors"
	"github.com/c360/eventrelay/health"
	"github.com/c360/eventrelay/message"
	"github.com/c360/eventrelay/metric"
	"github.com/c360/eventrelay/pkg/tlsutil"
	"github.com/c360/eventrelay/queue"
)

const testSecret = "consumer-secret"

type failingQueue struct{}

func (failingQueue) Add(context.Context, message.Message) (string, error) {
	return "", errors.WrapTransient(errors.ErrQueueUnavailable, "failingQueue", "Add", "append")
}

func newTestServer(t *testing.T, q Adder, opts ...Option) *Server {
	t.Helper()
	s, err := NewServer("127.0.0.1:0", testSecret, q, opts...)
	require.NoError(t, err)
	return s
}

func post(t *testing.T, h http.Handler, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSign_KnownVector(t *testing.T) {
	// HMAC-SHA256 test case 2 from RFC 4231, base64 encoded
	got := Sign([]byte("Jefe"), []byte("what do ya want for nothing?"))
	assert.Equal(t, "sha256=W9zBRr9gdU5qBCQmCJV1x1oAPwidJzmDnexYuWTsOEM=", got)
}

func TestVerify(t *testing.T) {
	body := []byte(`{"for_user_id":"1"}`)
	sig := Sign([]byte(testSecret), body)

	assert.True(t, Verify([]byte(testSecret), body, sig))
	assert.True(t, Verify([]byte(testSecret), body, strings.TrimPrefix(sig, "sha256=")), "prefix is optional")
	assert.False(t, Verify([]byte(testSecret), []byte(`{"for_user_id":"2"}`), sig))
	assert.False(t, Verify([]byte("other"), body, sig))
	assert.False(t, Verify([]byte(testSecret), body, ""))
	assert.False(t, Verify([]byte(testSecret), body, "sha256="))
}

func TestNewServer_RequiresSecretAndQueue(t *testing.T) {
	_, err := NewServer(":0", "", queue.NewMemoryQueue())
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = NewServer(":0", testSecret, nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestCRC(t *testing.T) {
	h := newTestServer(t, queue.NewMemoryQueue()).Handler()

	req := httptest.NewRequest(http.MethodGet, "/webhook?crc_token=challenge", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CRCResponse([]byte(testSecret), "challenge"), body["response_token"])
	assert.True(t, strings.HasPrefix(body["response_token"], "sha256="))
}

func TestCRC_MissingToken(t *testing.T) {
	h := newTestServer(t, queue.NewMemoryQueue()).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvent_QueuedWhenSigned(t *testing.T) {
	q := queue.NewMemoryQueue()
	h := newTestServer(t, q).Handler()

	body := `{"for_user_id":"42","tweet_create_events":[{"id_str":"1"}]}`
	rec := post(t, h, body, Sign([]byte(testSecret), []byte(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	require.Equal(t, 1, q.Len())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e, err := q.ReadGroup(ctx, "g", "c")
	require.NoError(t, err)
	assert.Equal(t, "42", e.Payload.Str("for_user_id"))
}

func TestEvent_SignatureRejected(t *testing.T) {
	q := queue.NewMemoryQueue()
	h := newTestServer(t, q).Handler()
	body := `{"for_user_id":"42"}`

	tests := []struct {
		name string
		sig  string
	}{
		{"missing", ""},
		{"wrong secret", Sign([]byte("nope"), []byte(body))},
		{"other body", Sign([]byte(testSecret), []byte(`{}`))},
		{"garbage", "sha256=###"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, h, body, tt.sig)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Equal(t, 0, q.Len())
}

func TestEvent_NonJSONAcknowledged(t *testing.T) {
	q := queue.NewMemoryQueue()
	h := newTestServer(t, q).Handler()

	for _, body := range []string{"not json", `["array"]`, ""} {
		rec := post(t, h, body, Sign([]byte(testSecret), []byte(body)))
		assert.Equal(t, http.StatusOK, rec.Code, "body %q", body)
	}
	assert.Equal(t, 0, q.Len())
}

func TestEvent_QueueFailure(t *testing.T) {
	h := newTestServer(t, failingQueue{}).Handler()
	body := `{"for_user_id":"42"}`

	rec := post(t, h, body, Sign([]byte(testSecret), []byte(body)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEvent_QueueFailureReportedOnHealth(t *testing.T) {
	monitor := health.NewMonitor()
	h := newTestServer(t, failingQueue{}, WithHealth(monitor)).Handler()
	body := `{"for_user_id":"42"}`

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	post(t, h, body, Sign([]byte(testSecret), []byte(body)))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var status health.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Len(t, status.SubStatuses, 1)
	assert.Equal(t, HealthComponent, status.SubStatuses[0].Component)
}

func TestEvent_BodyTooLarge(t *testing.T) {
	q := queue.NewMemoryQueue()
	h := newTestServer(t, q, WithMaxBodyBytes(16)).Handler()
	body := `{"for_user_id":"a much longer value than sixteen bytes"}`

	rec := post(t, h, body, Sign([]byte(testSecret), []byte(body)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, q.Len())
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(t, queue.NewMemoryQueue(), WithRateLimit(0.001, 2)).Handler()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook?crc_token=x", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRequestID(t *testing.T) {
	h := newTestServer(t, queue.NewMemoryQueue()).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, rec.Header().Get(RequestIDHeader), 36)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get(RequestIDHeader))
}

func TestCustomPathAndMetrics(t *testing.T) {
	m := metric.NewRelayMetrics()
	h := newTestServer(t, queue.NewMemoryQueue(), WithPath("/hooks/activity"), WithMetrics(m)).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hooks/activity?crc_token=x", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook?crc_token=x", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.WebhookRequests.WithLabelValues("GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WebhookRequests.WithLabelValues("GET", "404")))
}

func TestRun_ServesAndShutsDown(t *testing.T) {
	q := queue.NewMemoryQueue()
	s := newTestServer(t, q)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return s.Address() != "127.0.0.1:0"
	}, 2*time.Second, 10*time.Millisecond)

	body := `{"for_user_id":"7"}`
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s/webhook", s.Address()), strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(SignatureHeader, Sign([]byte(testSecret), []byte(body)))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, q.Len())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Equal(t, "127.0.0.1:0", s.Address())
}

func TestRun_TLS(t *testing.T) {
	certPEM, keyPEM, err := tlsutil.SelfSigned("127.0.0.1")
	require.NoError(t, err)
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)

	q := queue.NewMemoryQueue()
	s := newTestServer(t, q, WithTLS(&tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool {
		return s.Address() != "127.0.0.1:0"
	}, 2*time.Second, 10*time.Millisecond)

	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(certPEM))
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}}}

	resp, err := client.Get(fmt.Sprintf("https://%s/webhook?crc_token=abc", s.Address()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	plain, err := http.Get(fmt.Sprintf("http://%s/health", s.Address()))
	require.NoError(t, err)
	plain.Body.Close()
	assert.Equal(t, http.StatusBadRequest, plain.StatusCode, "plain HTTP is rejected")

	cancel()
	assert.NoError(t, <-done)
}
