package actions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/navigator/internal/browser"
)

func TestAction_Validate(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		wantErr bool
	}{
		{"navigate ok", Action{Kind: KindNavigate, URL: "https://example.com"}, false},
		{"navigate without url", Action{Kind: KindNavigate}, true},
		{"click without selector", Action{Kind: KindClick}, true},
		{"type without text", Action{Kind: KindType, Selector: "#q"}, true},
		{"type ok", Action{Kind: KindType, Selector: "#q", Text: "go"}, false},
		{"extract whole page", Action{Kind: KindExtract}, false},
		{"unknown kind", Action{Kind: "teleport"}, true},
		{"wait too long", Action{Kind: KindWait, Seconds: 1000}, true},
		{"fetch bad method", Action{Kind: KindFetch, URL: "http://x", Method: "TRACE"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAction)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegistry_Execute(t *testing.T) {
	r := NewRegistry()

	var got Action
	r.Register(KindClick, ExecutorFunc(func(_ context.Context, _ *browser.Session, a Action) (*Result, error) {
		got = a
		return &Result{Output: "clicked"}, nil
	}))

	// Браузерному действию нужна сессия.
	_, err := r.Execute(context.Background(), nil, Action{Kind: KindClick, Selector: "#go"})
	assert.ErrorIs(t, err, ErrNoSession)

	tabCtx, closeTab := context.WithCancel(context.Background())
	defer closeTab()
	sess := browser.NewSession(uuid.New(), tabCtx, closeTab)

	res, err := r.Execute(context.Background(), sess, Action{Kind: KindClick, Selector: "#go"})
	require.NoError(t, err)
	assert.Equal(t, "clicked", res.Output)
	assert.Equal(t, "#go", got.Selector)

	_, err = r.Execute(context.Background(), sess, Action{Kind: KindScroll})
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestWaitExecutor(t *testing.T) {
	e := &WaitExecutor{}

	start := time.Now()
	res, err := e.Execute(context.Background(), nil, Action{Kind: KindWait, Seconds: 0.05})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Contains(t, res.Output, "waited")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Execute(ctx, nil, Action{Kind: KindWait, Seconds: 10})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchExecutor_POST(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "yes", r.Header.Get("X-Test"))
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	e := &FetchExecutor{}
	res, err := e.Execute(context.Background(), nil, Action{
		Kind:    KindFetch,
		URL:     server.URL,
		Method:  http.MethodPost,
		Headers: map[string]string{"X-Test": "yes"},
		Body:    map[string]any{"q": "flights"},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "HTTP 201")
	assert.Contains(t, res.Output, `{"ok":true}`)
	assert.Equal(t, "flights", received["q"])
}

func TestFetchExecutor_ErrorStatusIsOutput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	res, err := (&FetchExecutor{}).Execute(context.Background(), nil, Action{Kind: KindFetch, URL: server.URL})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "HTTP 404")
}

func TestAction_NeedsBrowser(t *testing.T) {
	assert.True(t, Action{Kind: KindNavigate}.NeedsBrowser())
	assert.False(t, Action{Kind: KindWait}.NeedsBrowser())
	assert.False(t, Action{Kind: KindFetch}.NeedsBrowser())
}
