package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smtpmailer/message"
	"smtpmailer/smtptest"
	"smtpmailer/storage"
	"smtpmailer/transport"
)

func useMemFs(t *testing.T) afero.Fs {
	t.Helper()
	prev := fs
	fs = afero.NewMemMapFs()
	t.Cleanup(func() { fs = prev })
	return fs
}

func runSendCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	c := newSendCmd()
	c.Flags().String("config", "", "")
	c.Flags().String("log-level", "error", "")
	var out bytes.Buffer
	c.SetOut(&out)
	c.SetErr(io.Discard)
	c.SetArgs(args)
	err := c.Execute()
	return out.String(), err
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "tls-skip-verify", envKey("SMTPMAILER_TLS_SKIP_VERIFY"))
	assert.Equal(t, "port", envKey("SMTPMAILER_PORT"))
	assert.Equal(t, "from-name", envKey("SMTPMAILER_FROM_NAME"))
}

func TestFindConfigFile(t *testing.T) {
	empty := t.TempDir()
	withFile := t.TempDir()
	path := filepath.Join(withFile, "smtpmailer.yml")
	require.NoError(t, os.WriteFile(path, []byte("port: 2525\n"), 0o600))

	assert.Equal(t, "", findConfigFile([]string{empty}))
	assert.Equal(t, withFile+"/smtpmailer.yml", findConfigFile([]string{empty, withFile}))
}

func TestSendDelivers(t *testing.T) {
	srv := smtptest.Run(t, nil)
	metricsFile := filepath.Join(t.TempDir(), "send.prom")

	out, err := runSendCmd(t,
		"--hostname", srv.Host(),
		"--port", strconv.Itoa(srv.Port()),
		"--from", "sender@example.com",
		"--to", "a@example.com,b@example.com",
		"--to-name", "Alice",
		"--subject", "Hello",
		"--body", "Body text",
		"--content-type", "text",
		"--header", "X-Mailer=smtpmailer",
		"--metrics-file", metricsFile,
	)
	require.NoError(t, err)
	assert.Contains(t, out, "delivered to 2 recipient(s)")

	transcripts := srv.Transcripts()
	require.Len(t, transcripts, 1)
	tr := transcripts[0]
	assert.Equal(t, "sender@example.com", tr.MailFrom)
	assert.Contains(t, tr.Commands, "RCPT TO: Alice<a@example.com>")
	assert.Contains(t, tr.Commands, "RCPT TO: <b@example.com>")
	assert.Contains(t, tr.Payload, "Subject: Hello\r\n")
	assert.Contains(t, tr.Payload, "X-Mailer: smtpmailer\r\n")
	assert.Contains(t, tr.Payload, "Content-Type: text/plain; charset=utf-8\r\n")

	data, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `smtpmailer_client_sends_total{result="delivered"} 1`)
}

func TestSendNotDelivered(t *testing.T) {
	srv := smtptest.Run(t, &smtptest.Config{Script: smtptest.Script{smtptest.StepQuit: {250}}})

	_, err := runSendCmd(t,
		"--hostname", srv.Host(),
		"--port", strconv.Itoa(srv.Port()),
		"--to", "a@example.com",
	)
	require.ErrorIs(t, err, ErrNotDelivered)
}

func TestSendProtocolError(t *testing.T) {
	srv := smtptest.Run(t, &smtptest.Config{Script: smtptest.Script{smtptest.StepRcpt: {550}}})

	_, err := runSendCmd(t,
		"--hostname", srv.Host(),
		"--port", strconv.Itoa(srv.Port()),
		"--to", "a@example.com",
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "550")
}

func TestSendConfigFileAndEnv(t *testing.T) {
	srv := smtptest.Run(t, nil)

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "smtpmailer.yaml")
	yaml := "hostname: " + srv.Host() + "\n" +
		"port: 1\n" +
		"from: config@example.com\n" +
		"charset: iso-8859-1\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o600))

	// env overrides the file, flags override env
	t.Setenv("SMTPMAILER_PORT", strconv.Itoa(srv.Port()))

	_, err := runSendCmd(t,
		"--config", cfgPath,
		"--to", "a@example.com",
		"--body", "hi",
	)
	require.NoError(t, err)

	tr := srv.Transcripts()
	require.Len(t, tr, 1)
	assert.Equal(t, "config@example.com", tr[0].MailFrom)
	assert.Contains(t, tr[0].Payload, "charset=iso-8859-1")
}

func TestSendUsernameIsEnvelopeSender(t *testing.T) {
	srv := smtptest.Run(t, nil)

	_, err := runSendCmd(t,
		"--hostname", srv.Host(),
		"--port", strconv.Itoa(srv.Port()),
		"--username", "user@example.com",
		"--password", "secret",
		"--from", "other@example.com",
		"--to", "a@example.com",
	)
	require.NoError(t, err)

	tr := srv.Transcripts()
	require.Len(t, tr, 1)
	assert.Equal(t, "user@example.com", tr[0].MailFrom)
	require.NotNil(t, tr[0].Credentials)
	assert.Equal(t, "secret", tr[0].Credentials.Password)
}

func TestSendBodyFile(t *testing.T) {
	mem := useMemFs(t)
	require.NoError(t, afero.WriteFile(mem, "/body.txt", []byte("from a file\r\n.dot line"), 0o600))
	srv := smtptest.Run(t, nil)

	_, err := runSendCmd(t,
		"--hostname", srv.Host(),
		"--port", strconv.Itoa(srv.Port()),
		"--to", "a@example.com",
		"--body-file", "/body.txt",
	)
	require.NoError(t, err)

	tr := srv.Transcripts()
	require.Len(t, tr, 1)
	assert.Contains(t, tr[0].Data, "..dot line")
	assert.Contains(t, tr[0].Payload, "\r\n.dot line")
}

func TestSendRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no recipient", []string{"--body", "x"}, "--to"},
		{"bad header", []string{"--to", "a@example.com", "--header", "NoEquals"}, "Key=Value"},
		{"bad recipient", []string{"--to", "not-an-address"}, "invalid message"},
		{"bad port", []string{"--to", "a@example.com", "--port", "70000"}, "invalid transport configuration"},
		{"missing body file", []string{"--to", "a@example.com", "--body-file", "/nope"}, "body file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			useMemFs(t)
			_, err := runSendCmd(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestServe(t *testing.T) {
	useMemFs(t)

	c := newServeCmd()
	c.Flags().String("config", "", "")
	c.Flags().String("log-level", "error", "")
	c.SetOut(io.Discard)
	require.NoError(t, c.ParseFlags([]string{
		"--listen", "127.0.0.1:0",
		"--http-listen", "127.0.0.1:0",
		"--mailbox", "/mail",
		"--script", "ehlo=250",
	}))

	type addrs struct{ smtp, http string }
	ready := make(chan addrs, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runServe(ctx, c, func(s, h string) { ready <- addrs{s, h} })
	}()

	var a addrs
	select {
	case a = <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not start")
	}

	host, portStr, err := net.SplitHostPort(a.smtp)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	tr, err := transport.NewTransport(transport.Config{Hostname: host, Port: port, Timeout: 5})
	require.NoError(t, err)
	msg := message.New()
	msg.SetFrom("sender@example.com", "")
	msg.AddTo("rcpt@example.com", "")
	msg.Subject = "Stored"
	msg.Body = "hello"
	delivered, err := tr.Send(ctx, msg)
	require.NoError(t, err)
	require.True(t, delivered)

	base := "http://" + a.http

	var entries []storage.Entry
	getJSON(t, base+"/messages", &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].Folder)

	resp, err := http.Get(base + "/messages/" + entries[0].Name)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Subject: Stored")

	var transcripts []smtptest.Transcript
	getJSON(t, base+"/transcripts", &transcripts)
	require.Len(t, transcripts, 1)
	assert.Equal(t, entries[0].Name, transcripts[0].Stored)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "smtpmailer_stub_sessions_total 1")
	assert.Contains(t, string(body), `smtpmailer_http_requests_total{method="GET",path="/transcripts",status="200"} 1`)

	req, _ := http.NewRequest(http.MethodDelete, base+"/messages/"+entries[0].Name, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(base + "/messages/" + entries[0].Name)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestServeRejectsBadScript(t *testing.T) {
	c := newServeCmd()
	c.Flags().String("config", "", "")
	c.Flags().String("log-level", "error", "")
	require.NoError(t, c.ParseFlags([]string{"--script", "nope=250"}))

	err := runServe(context.Background(), c, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step")
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}
