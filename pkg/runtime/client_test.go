package runtime

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientRoundTrip(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/work", r.URL.Query().Get("directory"))
		var req CreateSessionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(Session{ID: "ses_1", Title: req.Title})
	})
	mux.HandleFunc("GET /session", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Session{{ID: "ses_1"}, {ID: "ses_2"}})
	})
	mux.HandleFunc("POST /session/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		var req PromptRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Parts, 1)
		_ = json.NewEncoder(w).Encode(Message{
			Info:  MessageInfo{ID: "msg_2", SessionID: r.PathValue("id"), Role: RoleAssistant},
			Parts: []Part{{Type: PartText, Text: "pong"}},
		})
	})
	mux.HandleFunc("GET /session/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode([]Message{{Info: MessageInfo{ID: "msg_1", Role: RoleUser}}})
	})
	mux.HandleFunc("GET /experimental/tool/ids", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]string{"bash", "read"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "/work")
	ctx := context.Background()

	s, err := c.CreateSession(ctx, CreateSessionRequest{Title: "alpha"})
	require.NoError(t, err)
	assert.Equal(t, "ses_1", s.ID)

	sessions, err := c.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	m, err := c.Prompt(ctx, "ses_1", TextPrompt("ping"))
	require.NoError(t, err)
	assert.Equal(t, "ses_1", m.Info.SessionID)
	assert.Equal(t, "pong", m.Parts[0].Text)

	msgs, err := c.Messages(ctx, "ses_1", 5)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	tools, err := c.ToolIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bash", "read"}, tools)
}

func TestHTTPClientStructuredError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"name":"NotFoundError","data":{"message":"Session not found: ses_9"}}`))
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, "").Messages(context.Background(), "ses_9", 0)
	require.Error(t, err)

	e := Normalize(err)
	assert.Equal(t, KindAPI, e.Kind)
	assert.Equal(t, http.StatusNotFound, e.Status)
	assert.Equal(t, "NotFoundError", e.Name)
	assert.Contains(t, e.Error(), "Session not found")
	assert.True(t, IsTerminal(err))
}

func TestHTTPClientPlainError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, "").ListSessions(context.Background())
	require.Error(t, err)
	assert.Equal(t, "overloaded", err.Error())
}

func TestHTTPClientTimeoutCancelsRequest(t *testing.T) {
	cancelled := make(chan struct{})
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The server only notices a dropped connection once the body is read.
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
			close(cancelled)
		case <-done:
		}
	}))
	defer srv.Close()
	defer close(done)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewHTTPClient(srv.URL, "").Prompt(ctx, "ses_1", TextPrompt("slow"))
	require.Error(t, err)
	assert.True(t, IsTimeout(err))

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("server request was not cancelled")
	}
}

func TestHTTPClientNetworkError(t *testing.T) {
	port, err := FreePort("")
	require.NoError(t, err)

	_, err = NewHTTPClient("http://127.0.0.1:"+strconv.Itoa(port), "").ListSessions(context.Background())
	require.Error(t, err)
	assert.Equal(t, KindNetwork, Normalize(err).Kind)
}
