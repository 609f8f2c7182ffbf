package push

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"deskline/api/internal/store"
)

type recordingProvider struct {
	err   error
	calls []Push
}

func (r *recordingProvider) Send(_ context.Context, p Push) error {
	r.calls = append(r.calls, p)
	return r.err
}

func TestMultiCallsEveryProviderAndJoinsErrors(t *testing.T) {
	failing := &recordingProvider{err: errors.New("gateway down")}
	ok := &recordingProvider{}
	p := Push{RecipientID: "u-1", Title: "Finance", Body: "hello"}

	err := Multi{failing, ok}.Send(context.Background(), p)
	require.ErrorContains(t, err, "gateway down")
	require.Len(t, failing.calls, 1)
	require.Len(t, ok.calls, 1)
	require.Equal(t, p, ok.calls[0])
}

func TestCombine(t *testing.T) {
	require.IsType(t, Noop{}, Combine())
	require.IsType(t, Noop{}, Combine(nil))

	single := &recordingProvider{}
	require.Same(t, single, Combine(nil, single))
	require.IsType(t, Multi{}, Combine(single, &recordingProvider{}))
}

func TestWebhookPostsJSON(t *testing.T) {
	var (
		got         Push
		auth        string
		contentType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		contentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL, "push-token", time.Second)
	err := hook.Send(context.Background(), Push{RecipientID: "u-1", Title: "Finance", Body: "hello", Data: map[string]string{"messageId": "m-1"}})
	require.NoError(t, err)
	require.Equal(t, "Bearer push-token", auth)
	require.Equal(t, "application/json", contentType)
	require.Equal(t, "u-1", got.RecipientID)
	require.Equal(t, "m-1", got.Data["messageId"])
}

func TestWebhookRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, "", time.Second).Send(context.Background(), Push{RecipientID: "u-1"})
	require.ErrorContains(t, err, "502")
}

func TestWebhookHonoursTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, "", 20*time.Millisecond).Send(context.Background(), Push{RecipientID: "u-1"})
	require.Error(t, err)
}

type fakeDirectory map[string]store.User

func (d fakeDirectory) GetUser(_ context.Context, id string) (store.User, error) {
	user, ok := d[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func TestMailConfigConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   MailConfig
		expected bool
	}{
		{name: "empty config", config: MailConfig{}},
		{name: "missing host", config: MailConfig{Port: "587", From: "desk@example.com"}},
		{name: "missing from", config: MailConfig{Host: "smtp.example.com", Port: "587"}},
		{name: "fully configured", config: MailConfig{Host: "smtp.example.com", Port: "587", From: "desk@example.com"}, expected: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, tt.config.Configured())
		})
	}
}

func TestMailerSendsToDirectoryAddress(t *testing.T) {
	users := fakeDirectory{
		"u-1": {ID: "u-1", DisplayName: "Emma", Email: "emma@example.com"},
		"u-2": {ID: "u-2", DisplayName: "No Mail"},
	}
	mailer := NewMailer(MailConfig{Host: "smtp.example.com", Port: "587", From: "desk@example.com", FromName: "Deskline"}, users)

	var sentTo []string
	var body string
	mailer.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		require.Equal(t, "smtp.example.com:587", addr)
		require.Equal(t, "desk@example.com", from)
		sentTo = to
		body = string(msg)
		return nil
	}
	ctx := context.Background()

	require.NoError(t, mailer.Send(ctx, Push{RecipientID: "u-1", Title: "New message in Finance", Body: "<b>hi</b>"}))
	require.Equal(t, []string{"emma@example.com"}, sentTo)
	require.Contains(t, body, "Subject: New message in Finance\r\n")
	require.Contains(t, body, "From: Deskline <desk@example.com>")
	require.Contains(t, body, "&lt;b&gt;hi&lt;/b&gt;")
	require.True(t, strings.HasSuffix(body, "--boundary-deskline--\r\n"))

	sentTo = nil
	require.NoError(t, mailer.Send(ctx, Push{RecipientID: "u-2", Title: "t"}))
	require.Nil(t, sentTo)

	require.ErrorIs(t, mailer.Send(ctx, Push{RecipientID: "u-3"}), sql.ErrNoRows)
}

func TestMailerNotConfigured(t *testing.T) {
	err := NewMailer(MailConfig{}, fakeDirectory{}).Send(context.Background(), Push{RecipientID: "u-1"})
	require.Error(t, err)
}
