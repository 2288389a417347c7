package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reconciler/internal/config"
	"github.com/sells-group/reconciler/internal/model"
	"github.com/sells-group/reconciler/internal/reconcile"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"serve", "migrate", "deliveries", "reconcile", "config"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
	assert.Equal(t, "reconciler", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestDeliveriesCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range deliveriesCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["list"])
	assert.True(t, names["replay"])

	flag := deliveriesListCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "50", flag.DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestReconcileCommand_Flags(t *testing.T) {
	flag := reconcileCmd.Flags().Lookup("dry-run")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
	assert.Error(t, reconcileCmd.Args(reconcileCmd, []string{"crm"}))
}

func TestFormatDeliveries(t *testing.T) {
	var buf bytes.Buffer
	formatDeliveries(&buf, []model.Delivery{{
		ID:           "d-1",
		Source:       model.SourceCRM,
		EventType:    "contact.updated",
		Status:       model.DeliveryDeadLettered,
		AttemptCount: 5,
		ReceivedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Error:        "malformed payload",
	}})
	out := buf.String()
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "dead_lettered")
	assert.Contains(t, out, "2026-03-01T12:00:00Z")
}

func TestTruncateCell(t *testing.T) {
	assert.Equal(t, "short", truncateCell("short", 10))
	assert.Equal(t, "abcdefg...", truncateCell("abcdefghijklmnop", 10))
}

func TestFormatSummary(t *testing.T) {
	var buf bytes.Buffer
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	formatSummary(&buf, &model.ReconciliationSummary{
		Source: model.SourceLedger, EntityType: "invoice",
		Checked: 10, Matched: 7, Healed: 2, Flagged: 1,
		DryRun: true, Complete: true,
		StartedAt: start, FinishedAt: start.Add(1500 * time.Millisecond),
	})
	out := buf.String()
	assert.Contains(t, out, "ledger/invoice")
	assert.Contains(t, out, "dry run")
	assert.Contains(t, out, "1.5s")
}

func TestPollIntervals(t *testing.T) {
	var sc config.SourcesConfig
	sc.CRM.Enabled = true
	sc.CRM.PollInterval = time.Minute
	sc.Ledger.PollInterval = time.Hour // disabled, ignored
	sc.Email.Enabled = true

	got := pollIntervals(sc)
	assert.Equal(t, map[model.Source]time.Duration{model.SourceCRM: time.Minute}, got)
}

func TestBuildApp_NoSources(t *testing.T) {
	c, err := config.Load()
	require.NoError(t, err)
	c.Store.Driver = "sqlite"
	c.Store.SQLitePath = filepath.Join(t.TempDir(), "app.db")

	ctx := context.Background()
	st, err := initStore(ctx, c.Store)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	reg, err := buildRegistry(ctx, c.Sources)
	require.NoError(t, err)
	assert.Empty(t, reg.Sources())

	a, err := buildApp(ctx, c, st, reg)
	require.NoError(t, err)
	assert.Empty(t, a.scheduler.Targets())

	_, err = a.reconciler.Run(ctx, model.SourceCRM, model.EntityContact, reconcile.Options{})
	assert.Error(t, err, "unregistered source")

	// Every loop stops promptly on cancel.
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.run(runCtx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestInitStore_UnknownDriver(t *testing.T) {
	_, err := initStore(context.Background(), config.StoreConfig{Driver: "mysql"})
	assert.Error(t, err)
}

