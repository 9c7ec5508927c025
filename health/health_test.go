package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{"empty", nil, StateHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StateHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StateDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StateUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("relay", tt.subs)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.want == StateHealthy, got.Healthy)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestMonitor(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("stream", "streaming")
	m.UpdateDegraded("queue", "slow")

	s, ok := m.Get("stream")
	require.True(t, ok)
	assert.True(t, s.IsHealthy())
	assert.False(t, s.Timestamp.IsZero())

	m.Update("queue", Status{Component: "wrong", Status: StateHealthy, Healthy: true})
	s, _ = m.Get("queue")
	assert.Equal(t, "queue", s.Component)

	agg := m.AggregateHealth("relay")
	assert.True(t, agg.IsHealthy())
	require.Len(t, agg.SubStatuses, 2)
	assert.Equal(t, "queue", agg.SubStatuses[0].Component)
	assert.Equal(t, "stream", agg.SubStatuses[1].Component)

	m.Remove("queue")
	_, ok = m.Get("queue")
	assert.False(t, ok)
}

func TestMonitor_NilIsNoop(t *testing.T) {
	var m *Monitor
	m.UpdateUnhealthy("stream", "down")
	_, ok := m.Get("stream")
	assert.False(t, ok)
	assert.True(t, m.AggregateHealth("relay").IsHealthy())
}

func TestMonitor_ConcurrentUpdates(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.UpdateHealthy("stream", "ok")
				_ = m.AggregateHealth("relay")
			}
		}()
	}
	wg.Wait()
	_, ok := m.Get("stream")
	assert.True(t, ok)
}

func TestHandler(t *testing.T) {
	m := NewMonitor()
	m.UpdateDegraded("stream", "reconnecting")

	rec := httptest.NewRecorder()
	m.Handler("eventrelay").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "eventrelay", body.Component)
	assert.Equal(t, StateDegraded, body.Status)
	require.Len(t, body.SubStatuses, 1)
	assert.Equal(t, "reconnecting", body.SubStatuses[0].Message)

	m.UpdateUnhealthy("stream", "stopped")
	rec = httptest.NewRecorder()
	m.Handler("eventrelay").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"open /var/lib/eventrelay/queue.db: permission denied", "open [PATH]: permission denied"},
		{"GET https://stream.example.com/1.1/user.json: EOF", "GET [URL] EOF"},
		{"redis://user:pw@cache:6379 unreachable", "[URL] unreachable"},
		{"dial tcp 10.0.0.5: connection refused", "dial tcp [IP]: connection refused"},
		{"listen tcp :8080: bind: address already in use", "listen tcp [PORT]: bind: address already in use"},
		{"auth failed password=hunter2", "auth failed [REDACTED]"},
		{"stream ended", "stream ended"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Sanitize(tt.in), tt.in)
	}
}
