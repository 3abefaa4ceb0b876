package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.env")
	assert.NoError(t, loadEnvFile(missing, false), "default file may be absent")
	assert.Error(t, loadEnvFile(missing, true), "explicit file must exist")

	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("REMINDERD_TEST_TOKEN=from-file\n"), 0o600))
	t.Setenv("REMINDERD_TEST_TOKEN", "")
	os.Unsetenv("REMINDERD_TEST_TOKEN")
	require.NoError(t, loadEnvFile(path, true))
	assert.Equal(t, "from-file", os.Getenv("REMINDERD_TEST_TOKEN"))
}

func TestPostReload(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/credentials/reload" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		_, _ = w.Write([]byte(`{"version":2}`))
	}))
	t.Cleanup(srv.Close)

	var out bytes.Buffer
	require.NoError(t, postReload(context.Background(), srv.URL, "s3cret", &out))
	assert.JSONEq(t, `{"version":2}`, out.String())

	err := postReload(context.Background(), srv.URL, "wrong", &out)
	assert.ErrorContains(t, err, "401")
}

func TestSweepCommandRejectsUnknownSweep(t *testing.T) {
	t.Parallel()
	cmd := newRootCommand()
	cmd.SetArgs([]string{"sweep", "weekly", "--env-file", ""})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}
