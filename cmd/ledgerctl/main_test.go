package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/cmd/ledgerctl/cli"
)

func TestRunUsage(t *testing.T) {
	stderr := new(bytes.Buffer)
	require.Equal(t, 2, run(context.Background(), nil, new(bytes.Buffer), stderr))
	require.Contains(t, stderr.String(), "usage: ledgerctl")
}

func TestRunIntegrityAgainstEmptyMemoryStore(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("REDIS_ADDR", "")

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	code := run(context.Background(), []string{"integrity", "--json"}, stdout, stderr)
	require.Zero(t, code, stderr.String())

	var summary cli.IntegritySummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.True(t, summary.OK)
	require.Zero(t, summary.Checked)
}

func TestRunJobsNeedsSubcommand(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	require.Equal(t, 2, run(context.Background(), []string{"jobs"}, new(bytes.Buffer), new(bytes.Buffer)))
	require.Equal(t, 2, run(context.Background(), []string{"ledger"}, new(bytes.Buffer), new(bytes.Buffer)))
}
