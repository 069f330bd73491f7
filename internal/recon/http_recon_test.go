package recon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austenmoss/testforge/internal/pkg/logger"
	pkgerrors "github.com/austenmoss/testforge/internal/pkg/errors"
)

const samplePage = `<!doctype html>
<html>
<head><title>Login Portal</title></head>
<body>
  <form id="login-form" data-testid="login-form">
    <input data-testid="username-input" name="username" type="text">
    <input data-testid="password-input" name="password" type="password">
    <input name="csrf" type="hidden">
    <button data-testid="login-button">Sign in</button>
    <button class="btn-secondary">Reset</button>
  </form>
  <a href="/forgot">Forgot password?</a>
  <a href="/signup" id="signup-link">Create account</a>
</body>
</html>`

func TestExtractStructure(t *testing.T) {
	ps := ExtractStructure("https://example.com/login", samplePage)

	assert.Equal(t, "Login Portal", ps.Title)
	assert.Equal(t, "https://example.com/login", ps.URL)

	require.Len(t, ps.Buttons, 2)
	assert.Equal(t, "Sign in", ps.Buttons[0].Text)
	assert.Equal(t, `[data-testid="login-button"]`, ps.Buttons[0].Selector)
	assert.True(t, ps.Buttons[0].Visible)
	assert.Equal(t, ".btn-secondary", ps.Buttons[1].Selector)

	require.Len(t, ps.Inputs, 3)
	assert.Equal(t, "username", ps.Inputs[0].Name)
	assert.Equal(t, "text", ps.Inputs[0].Type)
	assert.Equal(t, `[data-testid="username-input"]`, ps.Inputs[0].Selector)
	assert.False(t, ps.Inputs[2].Visible, "hidden input should not be visible")

	require.Len(t, ps.Links, 2)
	assert.Equal(t, "/forgot", ps.Links[0].Href)
	assert.Equal(t, "Create account", ps.Links[1].Text)

	// The selector map is keyed by data-testid and holds only those elements.
	assert.Equal(t, `[data-testid="login-form"]`, ps.Selectors["login-form"])
}

func TestHTTPReconAnalyzePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(samplePage))
	}))
	defer srv.Close()

	log, err := logger.New("test")
	require.NoError(t, err)

	r := NewHTTPRecon(log)
	ps, err := r.AnalyzePage(context.Background(), srv.URL, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Login Portal", ps.Title)
	assert.NotEmpty(t, ps.Buttons)
}

func TestHTTPReconServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	log, err := logger.New("test")
	require.NoError(t, err)

	r := NewHTTPRecon(log)
	_, err = r.AnalyzePage(context.Background(), srv.URL, 5*time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrTransient)
}
