package main

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/contree/broker/internal/broker"
	"github.com/contree/broker/internal/config"
)

// newTestCLIContext builds a CLIContext backed by a real broker.Context
// against a throwaway httptest server, matching internal/broker's own
// test fixtures. Command tests run RunE directly against a command whose
// context carries this CLIContext, bypassing PersistentPreRunE's config
// resolution (which depends on process-global flag vars).
func newTestCLIContext(t *testing.T, json, quiet bool) *CLIContext {
	t.Helper()

	srv := httptest.NewServer(nil)
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig()
	cfg.Remote.BaseURL = srv.URL
	cfg.Remote.Token = "test-token"
	cfg.Cache.Dir = filepath.Join(t.TempDir(), "cache")

	bc, err := broker.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bc.Close(context.Background()) })

	return &CLIContext{Broker: bc, JSON: json, Quiet: quiet}
}

func contextWithCLI(cc *CLIContext) context.Context {
	return context.WithValue(context.Background(), cliContextKey{}, cc)
}
