package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

func TestNewApp(t *testing.T) {
	app := newApp()
	require.Equal(t, "chainhook-relay", app.Name)
	require.NotNil(t, app.Action, "serve runs when no command is given")

	var names []string
	for _, c := range app.Commands {
		names = append(names, c.Name)
		require.NotEmpty(t, c.Usage)
	}
	require.Equal(t, []string{"serve", "register", "simulate"}, names)

	var hasConfig bool
	for _, f := range app.Flags {
		if sf, ok := f.(*cli.StringFlag); ok && sf.Name == "config" {
			hasConfig = true
		}
	}
	require.True(t, hasConfig)
}

func TestSimulateCommandFlags(t *testing.T) {
	cmd := simulateCommand()
	var flags []string
	for _, f := range cmd.Flags {
		flags = append(flags, f.Names()[0])
	}
	require.ElementsMatch(t, []string{"url", "count", "interval"}, flags)
}

func TestRegisterCommand_FailsFastWithoutCredentials(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CHAINHOOK_RELAY_CONFIG", "")
	err := newApp().Run(context.Background(), []string{"chainhook-relay", "register"})
	require.ErrorIs(t, err, errMissingCredentials)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	cfg := defaultConfig()
	cfg.eventsPath = filepath.Join(t.TempDir(), "events.json")

	store, closeStore, err := openStore(ctx, cfg)
	require.NoError(t, err)
	require.IsType(t, &fileStore{}, store)
	closeStore()

	cfg.backend = "postgres"
	_, _, err = openStore(ctx, cfg)
	require.ErrorContains(t, err, "DATABASE_URL")

	cfg.backend = "redis"
	_, _, err = openStore(ctx, cfg)
	require.ErrorContains(t, err, "REDIS_URL")

	cfg.backend = "sqlite"
	_, _, err = openStore(ctx, cfg)
	require.ErrorContains(t, err, "unknown LEDGER_BACKEND")
}
