package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/jobsync/app/syncer"
)

func TestClient_JobDetail(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/jobs/u1/j1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, err := w.Write([]byte(`{
			"id":"j1","userid":"u1","status":"complete",
			"created":"2025-06-01T10:00:00Z","updated":"2025-06-01 10:05:00.123456",
			"request_type":"plain","prompt":"hello","response":"world",
			"runtime":1.25,"metadata":"{\"usage\":{\"total_tokens\":42}}",
			"feedback_comment":"","feedback_result":0}`))
		require.NoError(t, err)
	}))
	defer ts.Close()

	c := New(ts.URL, time.Second)
	job, err := c.JobDetail(context.Background(), "u1", "j1")
	require.NoError(t, err)

	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, syncer.StatusComplete, job.Status)
	assert.Equal(t, "hello", job.Prompt)
	assert.Equal(t, "world", job.Response)
	assert.Equal(t, 1.25, job.Runtime)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), job.Created)
	require.NotNil(t, job.Updated)
	assert.Equal(t, int64(time.Date(2025, 6, 1, 10, 5, 0, 0, time.UTC).Unix()), job.Updated.Unix())

	usage, err := job.Usage()
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"total_tokens": 42}, usage)
}

func TestClient_JobDetailNullUpdated(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, err := w.Write([]byte(`{"id":"j1","status":"created","created":"2025-06-01T10:00:00Z","updated":"None"}`))
		require.NoError(t, err)
	}))
	defer ts.Close()

	job, err := New(ts.URL, time.Second).JobDetail(context.Background(), "u1", "j1")
	require.NoError(t, err)
	assert.Nil(t, job.Updated)
}

func TestClient_JobDetailErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/jobs/u1/missing":
			http.Error(w, "no such job", http.StatusNotFound)
		case "/jobs/u1/badtime":
			_, err := w.Write([]byte(`{"id":"badtime","status":"created","created":"tomorrow"}`))
			require.NoError(t, err)
		}
	}))
	defer ts.Close()

	c := New(ts.URL, time.Second)

	_, err := c.JobDetail(context.Background(), "u1", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	_, err = c.JobDetail(context.Background(), "u1", "badtime")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad created timestamp")
}

func TestClient_SubmitJob(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/job", r.URL.Path)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"userid":"u1","prompt":"hello","request_type":"plain","sessionid":"s1"}`, string(body))
		w.WriteHeader(http.StatusCreated)
	}))
	defer ts.Close()

	c := New(ts.URL, time.Second)
	err := c.SubmitJob(context.Background(), syncer.SubmitRequest{
		UserID: "u1", Prompt: "hello", RequestType: "plain", SessionID: "s1"})
	require.NoError(t, err)
}

func TestClient_RegisterUser(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/user", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]string{"userid": "u1", "name": "alex"}, body)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	require.NoError(t, New(ts.URL, time.Second).RegisterUser(context.Background(), "u1", "alex"))
}

func TestClient_Sessions(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/sessions/u1":
			_, err := w.Write([]byte(`[{"sessionid":"s1","name":"first"},{"sessionid":"s2","name":""}]`))
			require.NoError(t, err)
		case r.Method == http.MethodPost && r.URL.Path == "/session/new/u1":
			_, err := w.Write([]byte(`{"sessionid":"s3","userid":"u1","name":""}`))
			require.NoError(t, err)
		case r.Method == http.MethodPost && r.URL.Path == "/session/u1/s3":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "renamed", body["name"])
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer ts.Close()

	c := New(ts.URL, time.Second)

	sessions, err := c.Sessions(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "s1", sessions[0].SessionID)
	assert.Equal(t, "first", sessions[0].Name)

	created, err := c.NewSession(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "s3", created.SessionID)

	require.NoError(t, c.UpdateSession(context.Background(), "u1", "s3", "renamed"))
}

func TestClient_ContextCanceled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		time.Sleep(time.Second)
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := New(ts.URL, time.Second).JobDetail(ctx, "u1", "j1")
	require.Error(t, err)
}
