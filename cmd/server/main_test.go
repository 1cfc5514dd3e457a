package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gwi.com/inspire-gateway/internal/auth"
	"gwi.com/inspire-gateway/internal/catalog"
	"gwi.com/inspire-gateway/internal/media"
	"gwi.com/inspire-gateway/internal/store"
)

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "user-42"})
	require.NoError(t, cmd.Execute())

	signer, err := auth.NewSigner("cli-secret", auth.DefaultTokenTTL)
	require.NoError(t, err)
	userID, err := signer.ValidateJWT(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "user-42", userID)
}

func TestTokenCommandRequiresUser(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")

	cmd := newRootCmd()
	cmd.SetArgs([]string{"token"})
	assert.Error(t, cmd.Execute())
}

func TestCatalogImport(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "gateway.db")
	catalogPath := filepath.Join(dir, "tools.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(`tools:
  - id: writer
    name: Writer
    api_type: OPENAI
    model: gpt-4o
    capabilities: [chat]
`), 0o600))

	t.Setenv("JWT_SECRET", "cli-secret")
	t.Setenv("DATABASE_DRIVER", store.DriverSQLite)
	t.Setenv("DATABASE_URL", dbPath)
	t.Setenv("REDIS_URL", "")

	require.NoError(t, runCatalogImport(context.Background(), catalogPath))

	db, err := store.Open(store.DriverSQLite, dbPath)
	require.NoError(t, err)
	defer db.Close()

	tool, err := catalog.NewStoreResolver(db).ResolveTool(context.Background(), "writer")
	require.NoError(t, err)
	assert.Equal(t, catalog.ProviderOpenAI, tool.ProviderType)
	assert.Equal(t, "gpt-4o", tool.ModelName)
}

func TestProviderOptions(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")
	t.Setenv("VIDEO_CEILING_BYTES", "1048576")

	cfg, _, err := bootstrap()
	require.NoError(t, err)

	opts := providerOptions(cfg, nil)
	assert.Equal(t, cfg.PollInterval, opts.PollInterval)
	assert.Equal(t, media.MiB, opts.Limits[catalog.ProviderGemini].For(media.KindVideo))
	assert.Equal(t, cfg.InlineCeilingBytes, opts.Limits[catalog.ProviderOpenAI].For(media.KindImage))
}
