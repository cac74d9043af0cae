package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/colony/pkg/registry"
	"github.com/cuemby/colony/pkg/runtime"
	"github.com/cuemby/colony/pkg/runtime/runtimetest"
	"github.com/cuemby/colony/pkg/types"
)

func setup(t *testing.T, status types.WorkerStatus) (*registry.Registry, *runtimetest.Client, *Dispatcher) {
	t.Helper()
	reg := registry.New(nil)
	reg.Register(&types.WorkerInstance{
		Profile:   types.WorkerProfile{ID: "alpha", Model: "provider/model-a"},
		Status:    status,
		ServerURL: "http://127.0.0.1:4096",
		SessionID: "ses_1",
		Model:     "provider/model-a",
		Directory: t.TempDir(),
		StartedAt: time.Now(),
	})
	client := runtimetest.NewClient()
	d := New(reg, client.Factory(), Config{
		RefetchBackoff: time.Millisecond,
		PollWindow:     50 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
	})
	return reg, client, d
}

func reply(parts ...runtime.Part) func(context.Context, string, runtime.PromptRequest) (*runtime.Message, error) {
	return func(context.Context, string, runtime.PromptRequest) (*runtime.Message, error) {
		return &runtime.Message{Info: runtime.MessageInfo{Role: runtime.RoleAssistant}, Parts: parts}, nil
	}
}

func status(t *testing.T, reg *registry.Registry) *types.WorkerInstance {
	t.Helper()
	w, ok := reg.Get("alpha")
	require.True(t, ok)
	return w
}

func TestSendPingPong(t *testing.T) {
	reg, client, d := setup(t, types.WorkerStatusReady)
	client.OnPrompt = reply(runtime.Part{Type: runtime.PartText, Text: "pong"})

	res, err := d.Send(context.Background(), "alpha", "ping", Options{JobID: "job_1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "pong", res.Response)
	assert.Equal(t, []string{runtime.PartText}, res.PartTypes)

	w := status(t, reg)
	assert.Equal(t, types.WorkerStatusReady, w.Status)
	assert.Empty(t, w.CurrentTask)
	assert.Empty(t, w.Warning)
	require.NotNil(t, w.LastResult)
	assert.Equal(t, "pong", w.LastResult.Response)
	assert.Equal(t, "job_1", w.LastResult.JobID)
	assert.Equal(t, 1, w.MessageCount)

	prompts := client.Prompts()
	require.Len(t, prompts, 1)
	text := prompts[0].Parts[0].Text
	assert.True(t, strings.HasPrefix(text, "<message-source>\nfrom: orchestrator\njob: job_1\n</message-source>"))
	assert.Contains(t, text, "ping")
	assert.Contains(t, text, "<reporting>")
	assert.Equal(t, "provider/model-a", prompts[0].Model)
}

func TestSendMarksBusyDuringRequest(t *testing.T) {
	reg, client, d := setup(t, types.WorkerStatusReady)
	var during *types.WorkerInstance
	client.OnPrompt = func(context.Context, string, runtime.PromptRequest) (*runtime.Message, error) {
		during, _ = reg.Get("alpha")
		return &runtime.Message{Parts: []runtime.Part{{Type: runtime.PartText, Text: "ok"}}}, nil
	}

	_, err := d.Send(context.Background(), "alpha", strings.Repeat("long task ", 40), Options{})
	require.NoError(t, err)
	require.NotNil(t, during)
	assert.Equal(t, types.WorkerStatusBusy, during.Status)
	assert.LessOrEqual(t, len([]rune(during.CurrentTask)), 140)
	assert.True(t, strings.HasSuffix(during.CurrentTask, "..."))
}

func TestSendReasoningOnly(t *testing.T) {
	_, client, d := setup(t, types.WorkerStatusReady)
	client.OnPrompt = reply(
		runtime.Part{Type: runtime.PartStepStart},
		runtime.Part{Type: runtime.PartReasoning, Text: "thought it through"},
	)

	res, err := d.Send(context.Background(), "alpha", "think", Options{})
	require.NoError(t, err)
	assert.Equal(t, "thought it through", res.Response)
}

func TestSendRefetchesMessage(t *testing.T) {
	_, client, d := setup(t, types.WorkerStatusReady)
	client.OnPrompt = func(context.Context, string, runtime.PromptRequest) (*runtime.Message, error) {
		return &runtime.Message{Info: runtime.MessageInfo{ID: "msg_2", Role: runtime.RoleAssistant}}, nil
	}
	calls := 0
	client.OnMessages = func(string, int) ([]runtime.Message, error) {
		calls++
		if calls < 2 {
			return nil, nil
		}
		return []runtime.Message{
			{Info: runtime.MessageInfo{ID: "msg_1", Role: runtime.RoleAssistant}, Parts: []runtime.Part{{Type: runtime.PartText, Text: "old"}}},
			{Info: runtime.MessageInfo{ID: "msg_2", Role: runtime.RoleAssistant}, Parts: []runtime.Part{{Type: runtime.PartText, Text: "late"}}},
		}, nil
	}

	res, err := d.Send(context.Background(), "alpha", "slow", Options{})
	require.NoError(t, err)
	assert.Equal(t, "late", res.Response)
	assert.Equal(t, 2, calls)
}

func TestSendPollsSession(t *testing.T) {
	_, client, d := setup(t, types.WorkerStatusReady)
	client.OnPrompt = func(context.Context, string, runtime.PromptRequest) (*runtime.Message, error) {
		return nil, nil
	}
	client.AddMessage("ses_1", runtime.Message{
		Info:  runtime.MessageInfo{ID: "msg_9", Role: runtime.RoleAssistant},
		Parts: []runtime.Part{{Type: runtime.PartText, Text: "from history"}},
	})

	res, err := d.Send(context.Background(), "alpha", "hi", Options{})
	require.NoError(t, err)
	assert.Equal(t, "from history", res.Response)
}

func TestSendEmptyResponse(t *testing.T) {
	reg, client, d := setup(t, types.WorkerStatusReady)
	client.OnPrompt = reply(runtime.Part{Type: runtime.PartStepStart}, runtime.Part{Type: runtime.PartToolInvocation, Tool: "read"})

	res, err := d.Send(context.Background(), "alpha", "hi", Options{})
	require.ErrorIs(t, err, ErrEmptyResponse)
	assert.False(t, res.Success)
	assert.Contains(t, err.Error(), "step-start, tool-invocation")

	w := status(t, reg)
	assert.Equal(t, types.WorkerStatusReady, w.Status)
	assert.Equal(t, err.Error(), w.Warning)
	assert.Nil(t, w.LastResult)
}

func TestSendRuntimeError(t *testing.T) {
	reg, client, d := setup(t, types.WorkerStatusReady)
	client.OnPrompt = func(context.Context, string, runtime.PromptRequest) (*runtime.Message, error) {
		return nil, &runtime.Error{Kind: runtime.KindAPI, Name: "ProviderAuthError", Message: "invalid api key"}
	}

	res, err := d.Send(context.Background(), "alpha", "hi", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
	assert.Contains(t, res.Error, `worker "alpha"`)

	w := status(t, reg)
	assert.Equal(t, types.WorkerStatusReady, w.Status)
	assert.Contains(t, w.Warning, "invalid api key")
}

func TestSendMessageError(t *testing.T) {
	reg, client, d := setup(t, types.WorkerStatusReady)
	client.OnPrompt = func(context.Context, string, runtime.PromptRequest) (*runtime.Message, error) {
		return &runtime.Message{Info: runtime.MessageInfo{
			Role:  runtime.RoleAssistant,
			Error: &runtime.APIErrorBody{Name: "APIError", Data: runtime.APIErrorData{Message: "model overloaded"}},
		}}, nil
	}

	_, err := d.Send(context.Background(), "alpha", "hi", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
	assert.Equal(t, types.WorkerStatusReady, status(t, reg).Status)
}

func TestSendTimeout(t *testing.T) {
	reg, client, d := setup(t, types.WorkerStatusReady)
	client.OnPrompt = func(ctx context.Context, _ string, _ runtime.PromptRequest) (*runtime.Message, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := d.Send(context.Background(), "alpha", "hang", Options{Timeout: 30 * time.Millisecond})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `worker "alpha" prompt timed out after 30ms`)
	assert.Equal(t, types.WorkerStatusReady, status(t, reg).Status)
}

func TestSendPreconditions(t *testing.T) {
	_, _, d := setup(t, types.WorkerStatusReady)
	_, err := d.Send(context.Background(), "ghost", "hi", Options{})
	assert.ErrorIs(t, err, ErrWorkerNotFound)

	reg, _, d := setup(t, types.WorkerStatusReady)
	reg.UpdateStatus("alpha", types.WorkerStatusError, "boot failed")
	_, err = d.Send(context.Background(), "alpha", "hi", Options{})
	require.ErrorIs(t, err, ErrNotReady)
	assert.Contains(t, err.Error(), "is error: boot failed")
	assert.Equal(t, types.WorkerStatusError, status(t, reg).Status)
}

func TestSendWaitsForStartingWorker(t *testing.T) {
	reg, client, d := setup(t, types.WorkerStatusStarting)
	client.OnPrompt = reply(runtime.Part{Type: runtime.PartText, Text: "up"})

	go func() {
		time.Sleep(20 * time.Millisecond)
		reg.UpdateStatus("alpha", types.WorkerStatusReady, "")
	}()
	res, err := d.Send(context.Background(), "alpha", "hi", Options{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "up", res.Response)
}

func TestSendStartingWorkerNeverReady(t *testing.T) {
	reg, _, d := setup(t, types.WorkerStatusStarting)

	_, err := d.Send(context.Background(), "alpha", "hi", Options{Timeout: 20 * time.Millisecond})
	require.ErrorIs(t, err, ErrNotReady)
	assert.Contains(t, err.Error(), "did not become ready within 20ms")
	assert.Equal(t, types.WorkerStatusStarting, status(t, reg).Status)
}

func TestBeforeSendHook(t *testing.T) {
	reg, client, d := setup(t, types.WorkerStatusReady)
	client.OnPrompt = reply(runtime.Part{Type: runtime.PartText, Text: "ok"})

	d.SetBeforeSend(func(_ context.Context, _ *types.WorkerInstance, msg string) (string, error) {
		return "remember: tabs\n\n" + msg, nil
	})
	_, err := d.Send(context.Background(), "alpha", "format it", Options{})
	require.NoError(t, err)
	assert.Contains(t, client.Prompts()[0].Parts[0].Text, "remember: tabs\n\nformat it")

	d.SetBeforeSend(func(context.Context, *types.WorkerInstance, string) (string, error) {
		return "", errors.New("memory store offline")
	})
	res, err := d.Send(context.Background(), "alpha", "again", Options{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, status(t, reg).Warning, "memory store offline")
	assert.Contains(t, client.Prompts()[1].Parts[0].Text, "again")
}

func TestSendImageAttachment(t *testing.T) {
	reg, client, d := setup(t, types.WorkerStatusReady)
	client.OnPrompt = reply(runtime.Part{Type: runtime.PartText, Text: "a cat"})
	w := status(t, reg)
	path := writeFile(t, w.Directory, "cat.png", 8)

	_, err := d.Send(context.Background(), "alpha", "what is this", Options{
		Attachments: []types.Attachment{{Path: path}},
	})
	require.NoError(t, err)

	parts := client.Prompts()[0].Parts
	require.Len(t, parts, 2)
	assert.Equal(t, runtime.PartFile, parts[1].Type)
	assert.Equal(t, "image/png", parts[1].Mime)
	assert.Equal(t, "file://"+path, parts[1].URL)
}

func TestSendDeniedAttachmentLeavesWorkerReady(t *testing.T) {
	reg, _, d := setup(t, types.WorkerStatusReady)
	outside := writeFile(t, t.TempDir(), "secret.png", 8)

	_, err := d.Send(context.Background(), "alpha", "look", Options{
		Attachments: []types.Attachment{{Path: outside}},
	})
	require.ErrorIs(t, err, ErrAttachmentDenied)
	assert.Equal(t, types.WorkerStatusReady, status(t, reg).Status)
}

type streamingClient struct {
	*runtimetest.Client
}

func (s streamingClient) PromptStream(_ context.Context, _ string, _ runtime.PromptRequest, onChunk func(string)) (*runtime.Message, error) {
	onChunk("stre")
	onChunk("amed")
	return &runtime.Message{Info: runtime.MessageInfo{Role: runtime.RoleAssistant}}, nil
}

func TestSendUsesStreamedChunks(t *testing.T) {
	reg, _, _ := setup(t, types.WorkerStatusReady)
	sc := streamingClient{runtimetest.NewClient()}
	d := New(reg, func(string, string) runtime.Client { return sc }, Config{PollWindow: 10 * time.Millisecond})

	res, err := d.Send(context.Background(), "alpha", "go", Options{})
	require.NoError(t, err)
	assert.Equal(t, "streamed", res.Response)
}

func TestParseReport(t *testing.T) {
	resp := "Done.\n\n```json\n{\"summary\": \"fixed bug\", \"filesChanged\": [\"a.go\"]}\n```"
	r, ok := ParseReport(resp)
	require.True(t, ok)
	assert.Equal(t, "fixed bug", r.Summary)
	assert.Equal(t, []string{"a.go"}, r.FilesChanged)

	_, ok = ParseReport("no report here")
	assert.False(t, ok)
	_, ok = ParseReport("```json\n{}\n```")
	assert.False(t, ok)
}

func TestPreview(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"fits", "fix the\n build", 20, "fix the build"},
		{"ellipsis", "refactor the parser", 10, "refacto..."},
		{"tiny limit", "refactor", 2, "re"},
		{"limit three", "refactor", 3, "ref"},
		{"zero", "refactor", 0, ""},
		{"runes", "héllo wörld", 8, "héllo..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Preview(tt.in, tt.n))
		})
	}
}
