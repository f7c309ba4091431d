package admincli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestApp wires the app to an httptest server that checks the
// bearer token and dispatches on method plus path.
func newTestApp(t *testing.T, handler http.HandlerFunc) (*App, *bytes.Buffer, *httptest.Server) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cr3t" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	out := &bytes.Buffer{}
	app := &App{out: out, httpClient: srv.Client()}
	return app, out, srv
}

func TestRunUnknownCommand(t *testing.T) {
	out := &bytes.Buffer{}
	app := &App{out: out, httpClient: http.DefaultClient}

	require.Error(t, app.Run(context.Background(), nil))
	assert.Contains(t, out.String(), "usage:")

	err := app.Run(context.Background(), []string{"frobnicate"})
	require.ErrorContains(t, err, "unknown command")
}

func TestOrgCreate(t *testing.T) {
	app, out, srv := newTestApp(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/administration/organizations", r.URL.Path)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "CoolOrg", req["organization_id"])

		_ = json.NewEncoder(w).Encode(map[string]string{
			"organization_id": "CoolOrg",
			"bootstrap_token": "xyz",
		})
	})

	err := app.Run(context.Background(), []string{"org-create", "-a", srv.URL, "-t", "s3cr3t", "CoolOrg"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "bootstrap token: xyz")
}

func TestOrgCreateBadToken(t *testing.T) {
	app, _, srv := newTestApp(t, func(w http.ResponseWriter, r *http.Request) {})

	err := app.Run(context.Background(), []string{"org-create", "-a", srv.URL, "-t", "wrong", "CoolOrg"})
	require.ErrorContains(t, err, "403")
}

func TestOrgUpdateBuildsPatchBody(t *testing.T) {
	var got map[string]any
	app, out, srv := newTestApp(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "/administration/organizations/CoolOrg", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	})

	err := app.Run(context.Background(), []string{
		"org-update", "-a", srv.URL, "-t", "s3cr3t",
		"-expired", "true", "-users-limit", "none", "-min-archiving", "3600",
		"CoolOrg",
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "updated")

	assert.Equal(t, true, got["is_expired"])
	limit, present := got["active_users_limit"]
	assert.True(t, present)
	assert.Nil(t, limit)
	assert.EqualValues(t, 3600, got["minimum_archiving_period"])
	_, present = got["user_profile_outsider_allowed"]
	assert.False(t, present)
}

func TestOrgUpdateNothingToDo(t *testing.T) {
	app := &App{out: &bytes.Buffer{}, httpClient: http.DefaultClient}
	err := app.Run(context.Background(), []string{"org-update", "-t", "s3cr3t", "CoolOrg"})
	require.ErrorContains(t, err, "nothing to update")
}

func TestStatsCsvPassthrough(t *testing.T) {
	const csv = "organization_id,users\nCoolOrg,3\n"
	app, out, srv := newTestApp(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/administration/stats", r.URL.Path)
		require.Equal(t, "csv", r.URL.Query().Get("format"))
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte(csv))
	})

	err := app.Run(context.Background(), []string{"stats", "-a", srv.URL, "-t", "s3cr3t", "-format", "csv"})
	require.NoError(t, err)
	assert.Equal(t, csv, out.String())
}

func TestOrgStatsJson(t *testing.T) {
	app, out, srv := newTestApp(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/administration/organizations/CoolOrg/stats", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{"users": 3, "realms": 1})
	})

	err := app.Run(context.Background(), []string{"org-stats", "-a", srv.URL, "-t", "s3cr3t", "CoolOrg"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"users": 3`)
}

func TestTokenPrompt(t *testing.T) {
	originalReadToken := readToken
	readToken = func(fd int) ([]byte, error) { return []byte(" s3cr3t \n"), nil }
	defer func() { readToken = originalReadToken }()

	app, out, srv := newTestApp(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"organization_id": "X", "bootstrap_token": "y"})
	})

	err := app.Run(context.Background(), []string{"org-create", "-a", srv.URL, "X"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Administration token:")
}

func TestExportFlagValidation(t *testing.T) {
	app := &App{out: &bytes.Buffer{}, httpClient: http.DefaultClient}

	err := app.Run(context.Background(), []string{"export", "-d", "postgres://x", "Org"})
	require.ErrorContains(t, err, "usage: export")

	err = app.Run(context.Background(), []string{"export", "Org", "realm", "out.sqlite"})
	require.ErrorContains(t, err, "dsn is required")

	err = app.Run(context.Background(), []string{
		"export", "-d", "postgres://x", "Org", "not-a-uuid", "out.sqlite"})
	require.ErrorContains(t, err, "invalid realm id")
}
