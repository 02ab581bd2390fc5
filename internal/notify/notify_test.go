package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/mo"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookResponderPostsInChannel(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := NewFactory(mo.None[MessagePoster](), time.Second, zerolog.Nop())
	err := f.ForResponseURL(srv.URL).Respond(context.Background(), "🚀 Processing request with 1 job(s).")
	require.NoError(t, err)
	assert.Equal(t, "in_channel", got["response_type"])
	assert.Equal(t, "🚀 Processing request with 1 job(s).", got["text"])
}

func TestWebhookResponderReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFactory(mo.None[MessagePoster](), time.Second, zerolog.Nop())
	assert.Error(t, f.ForResponseURL(srv.URL).Respond(context.Background(), "hi"))
}

func TestThreadResponderUsesChatPostMessage(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat.postMessage", r.URL.Path)
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1700000000.000200"}`))
	}))
	defer srv.Close()

	client := slack.New("xoxb-test", slack.OptionAPIURL(srv.URL+"/"))
	f := NewFactory(mo.Some[MessagePoster](client), time.Second, zerolog.Nop())

	err := f.ForThread("C1", "1700000000.000100").Respond(context.Background(), "✅ Command received and logged.")
	require.NoError(t, err)
	assert.Equal(t, "C1", form.Get("channel"))
	assert.Equal(t, "1700000000.000100", form.Get("thread_ts"))
	assert.Equal(t, "✅ Command received and logged.", form.Get("text"))
}

func TestFallbacksOnlyLog(t *testing.T) {
	f := NewFactory(mo.None[MessagePoster](), time.Second, zerolog.Nop())
	assert.IsType(t, &LogResponder{}, f.ForThread("C1", "1.2"))
	assert.IsType(t, &LogResponder{}, f.ForResponseURL(""))
	assert.NoError(t, f.ForThread("C1", "1.2").Respond(context.Background(), "x"))
}
