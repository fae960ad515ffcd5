package influx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/sensorbridge/iot/measurement"
	"github.com/relabs-tech/sensorbridge/iot/sink"
)

type writeRecorder struct {
	mutex  sync.Mutex
	status int
	bodies []string
	urls   []string
}

func (w *writeRecorder) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.mutex.Lock()
	w.bodies = append(w.bodies, string(body))
	w.urls = append(w.urls, r.URL.String())
	status := w.status
	w.mutex.Unlock()
	if status != 0 {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(status)
		rw.Write([]byte(`{"code":"invalid","message":"rejected"}`))
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func TestStore_WritesLineProtocol(t *testing.T) {
	recorder := &writeRecorder{}
	server := httptest.NewServer(recorder)
	defer server.Close()

	s := New(&Builder{
		URL:    server.URL,
		Token:  "token",
		Org:    "docs",
		Bucket: "home",
		Tags:   map[string]string{"location": "Bochum"},
	})
	defer s.Close()

	err := s.Store(context.Background(), "bedroom", "fhz", measurement.Fields{"fhz": 21.5})
	require.NoError(t, err)

	require.Len(t, recorder.bodies, 1)
	assert.Contains(t, recorder.bodies[0], "fhz,location=Bochum,sensor_node=bedroom fhz=21.5 ")
	assert.Contains(t, recorder.urls[0], "/api/v2/write")
	assert.Contains(t, recorder.urls[0], "bucket=home")
	assert.Contains(t, recorder.urls[0], "org=docs")
}

func TestStore_UsesReceiptTime(t *testing.T) {
	recorder := &writeRecorder{}
	server := httptest.NewServer(recorder)
	defer server.Close()

	s := New(&Builder{URL: server.URL, Token: "token", Org: "docs", Bucket: "home"})
	defer s.Close()

	receivedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ctx := sink.ContextWithTimestamp(context.Background(), receivedAt)
	require.NoError(t, s.Store(ctx, "bedroom", "fhz", measurement.Fields{"fhz": 21.5}))

	require.Len(t, recorder.bodies, 1)
	assert.Contains(t, recorder.bodies[0], "fhz=21.5 "+strconv.FormatInt(receivedAt.UnixNano(), 10))
}

func TestPoint_Stringify(t *testing.T) {
	s := New(&Builder{URL: "http://localhost:8086", Bucket: "home", StringifyKinds: []measurement.Kind{"fhz"}})
	defer s.Close()

	ts := time.Unix(0, 0)
	point := s.Point("bedroom", "fhz", measurement.Fields{"fhz": 21.5}, ts)
	require.Len(t, point.FieldList(), 1)
	assert.Equal(t, "21.5", point.FieldList()[0].Value)

	point = s.Point("bedroom", "wh", measurement.Fields{"wh": 3}, ts)
	assert.Equal(t, 3.0, point.FieldList()[0].Value)
	assert.Equal(t, "wh", point.Name())
}

func TestStore_ClassifiesFailures(t *testing.T) {
	testCases := []struct {
		status int
		want   sink.Class
	}{
		{http.StatusInternalServerError, sink.Transient},
		{http.StatusServiceUnavailable, sink.Transient},
		{http.StatusTooManyRequests, sink.Transient},
		{http.StatusBadRequest, sink.Permanent},
		{http.StatusUnauthorized, sink.Permanent},
	}
	for _, tc := range testCases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			server := httptest.NewServer(&writeRecorder{status: tc.status})
			defer server.Close()

			s := New(&Builder{URL: server.URL, Bucket: "home"})
			defer s.Close()

			err := s.Store(context.Background(), "bedroom", "fhz", measurement.Fields{"fhz": 21.5})
			require.Error(t, err)
			assert.Equal(t, tc.want, sink.ClassOf(err))
		})
	}
}

func TestStore_UnreachableIsTransient(t *testing.T) {
	server := httptest.NewServer(&writeRecorder{})
	url := server.URL
	server.Close()

	s := New(&Builder{URL: url, Bucket: "home", Timeout: time.Second})
	defer s.Close()

	err := s.Store(context.Background(), "bedroom", "fhz", measurement.Fields{"fhz": 21.5})
	require.Error(t, err)
	assert.True(t, sink.IsTransient(err))
}

func TestV1Compat(t *testing.T) {
	token, bucket := V1Compat("user", "secret", "sensors")
	assert.Equal(t, "user:secret", token)
	assert.Equal(t, "sensors/autogen", bucket)
}

func TestNew_Validation(t *testing.T) {
	assert.Panics(t, func() { New(&Builder{Bucket: "home"}) })
	assert.Panics(t, func() { New(&Builder{URL: "http://localhost:8086"}) })
}
