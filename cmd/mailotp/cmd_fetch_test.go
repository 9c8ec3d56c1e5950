package main

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/mailotp/internal/config"
	"github.com/tracyhatemice/mailotp/internal/cursor"
	"github.com/tracyhatemice/mailotp/internal/mailbox"
)

// stubProvider always reports the same newest message.
type stubProvider struct {
	newest string
	texts  map[string]string
	closed bool
}

func (p *stubProvider) FindNewestMessageID(context.Context, string) (string, error) {
	return p.newest, nil
}

func (p *stubProvider) FetchMessageText(_ context.Context, id string) (string, error) {
	text, ok := p.texts[id]
	if !ok {
		return "", mailbox.ErrMessageNotFound
	}
	return text, nil
}

func (p *stubProvider) Close() error {
	p.closed = true
	return nil
}

func useProvider(t *testing.T, p *stubProvider) {
	t.Helper()
	prev := newProvider
	newProvider = func(context.Context, config.Provider, *slog.Logger) (mailbox.Provider, error) {
		return p, nil
	}
	t.Cleanup(func() { newProvider = prev })
}

// stubConfig writes a config whose cursor state lives in a temp dir and
// returns the config path and the state path.
func stubConfig(t *testing.T) (string, string) {
	t.Helper()
	state := filepath.Join(t.TempDir(), "cursor.yaml")
	path := writeConfig(t, `
log_level: error
state_file: `+state+`
provider:
  type: imap
  host: 127.0.0.1
  port: 993
policy:
  subject: "OTP test"
  key_phrase: "Your OTP is: "
  code_length: 6
  max_attempts: 1
  interval_seconds: 1
`)
	return path, state
}

func TestFetchPrintsCode(t *testing.T) {
	p := &stubProvider{newest: "B", texts: map[string]string{"B": "Hi, Your OTP is: 654321 thanks"}}
	useProvider(t, p)
	path, _ := stubConfig(t)

	var stdout, stderr bytes.Buffer
	code := run([]string{"fetch", "--config", path}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.Equal(t, "OTP: 654321\n", stdout.String())
	require.True(t, p.closed)
}

func TestFetchNotReceivedExitsZero(t *testing.T) {
	useProvider(t, &stubProvider{})
	path, _ := stubConfig(t)

	var stdout, stderr bytes.Buffer
	code := run([]string{"fetch", "--config", path}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	require.Equal(t, "OTP email wasn't received\n", stdout.String())
}

func TestFetchSeedSkipsExistingMessage(t *testing.T) {
	useProvider(t, &stubProvider{newest: "A", texts: map[string]string{"A": "Your OTP is: 111111"}})
	path, _ := stubConfig(t)

	var stdout bytes.Buffer
	code := run([]string{"fetch", "--config", path, "--seed"}, &stdout, &bytes.Buffer{})
	require.Equal(t, 0, code)
	require.Equal(t, "OTP email wasn't received\n", stdout.String())
}

func TestFetchUseCursorPersistsAcrossRuns(t *testing.T) {
	useProvider(t, &stubProvider{newest: "B", texts: map[string]string{"B": "Your OTP is: 654321"}})
	path, state := stubConfig(t)

	var stdout bytes.Buffer
	require.Equal(t, 0, run([]string{"fetch", "--config", path, "--use-cursor"}, &stdout, &bytes.Buffer{}))
	require.Equal(t, "OTP: 654321\n", stdout.String())

	store, err := cursor.Open(state)
	require.NoError(t, err)
	require.Equal(t, "B", store.Get(cursor.Key("imap", "OTP test")).LastSeen)

	stdout.Reset()
	require.Equal(t, 0, run([]string{"fetch", "--config", path, "--use-cursor"}, &stdout, &bytes.Buffer{}))
	require.Equal(t, "OTP email wasn't received\n", stdout.String())
}

func TestFetchMalformedSavesCursor(t *testing.T) {
	useProvider(t, &stubProvider{newest: "C", texts: map[string]string{"C": "Hi, no code in here"}})
	path, state := stubConfig(t)

	var stdout, stderr bytes.Buffer
	code := run([]string{"fetch", "--config", path, "--use-cursor"}, &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Empty(t, stdout.String())
	require.Contains(t, stderr.String(), "malformed otp message")

	store, err := cursor.Open(state)
	require.NoError(t, err)
	require.Equal(t, "C", store.Get(cursor.Key("imap", "OTP test")).LastSeen)
}

func TestSeedRecordsCursor(t *testing.T) {
	useProvider(t, &stubProvider{newest: "A"})
	path, state := stubConfig(t)

	var stdout bytes.Buffer
	require.Equal(t, 0, run([]string{"seed", "--config", path}, &stdout, &bytes.Buffer{}))
	require.Equal(t, "cursor imap/OTP test set to A\n", stdout.String())

	store, err := cursor.Open(state)
	require.NoError(t, err)
	require.Equal(t, "A", store.Get(cursor.Key("imap", "OTP test")).LastSeen)
}
