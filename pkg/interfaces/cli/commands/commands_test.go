package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const batchesCSV = `batch_id,material_id,batch_code,total_weight,quality_grade,received_date,manufactured_date,heat_number,supplier_ref,unit_cost
B1,STEEL,H-1,500,A,2025-01-01,,7781,ACME,2.40
B2,STEEL,H-2,300,,2025-02-01,,7790,ACME,2.10
`

type fixture struct {
	dir    string
	config string
	csv    string
}

func newFixture(t *testing.T, driver string) fixture {
	t.Helper()
	dir := t.TempDir()

	f := fixture{
		dir:    dir,
		config: filepath.Join(dir, "batchalloc.yaml"),
		csv:    filepath.Join(dir, "batches.csv"),
	}
	cfg := fmt.Sprintf("store:\n  driver: %s\n  sqlite_path: %s\nlog:\n  level: error\n",
		driver, filepath.Join(dir, "batchalloc.db"))
	require.NoError(t, os.WriteFile(f.config, []byte(cfg), 0o600))
	require.NoError(t, os.WriteFile(f.csv, []byte(batchesCSV), 0o600))
	return f
}

// execute runs one CLI invocation against the fixture config
func (f fixture) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", f.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (f fixture) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

type allocationJSON struct {
	Outcome     string `json:"outcome"`
	Deficit     string `json:"deficit"`
	Reservation *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Lines  []struct {
			BatchID  string `json:"batch_id"`
			Quantity string `json:"quantity"`
		} `json:"lines"`
	} `json:"reservation"`
	Reason *struct {
		Code string `json:"code"`
	} `json:"reason"`
}

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := NewRootCommand()

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, want := range []string{"load", "batches", "allocate", "release", "consume", "hold", "unhold", "run", "serve"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}

	for _, flag := range []string{"config", "format", "verbose", "seed"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), "missing flag --%s", flag)
	}
}

func TestAllocateCommand_Flags(t *testing.T) {
	cmd := NewAllocateCommand(&RootOptions{})
	for _, flag := range []string{"mode", "pick", "owner", "min-grade"} {
		assert.NotNil(t, cmd.Flags().Lookup(flag), "missing flag --%s", flag)
	}
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	f := newFixture(t, "memory")

	_, err := f.execute(t, "--format", "xml", "batches")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid format")
}

func TestRootCommand_BadConfig(t *testing.T) {
	f := newFixture(t, "cassandra")

	_, err := f.execute(t, "batches")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestLoadCommand_MissingFile(t *testing.T) {
	f := newFixture(t, "sqlite")

	_, err := f.execute(t, "load", filepath.Join(f.dir, "missing.csv"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestReservationLifecycle_SQLite(t *testing.T) {
	f := newFixture(t, "sqlite")

	out, err := f.execute(t, "load", f.csv)
	require.NoError(t, err)
	assert.Contains(t, out, "Loaded 2 batches")

	out, err = f.execute(t, "--format", "json", "allocate", "STEEL", "650", "--owner", "WO-1")
	require.NoError(t, err)

	var result allocationJSON
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "allocated", result.Outcome)
	require.NotNil(t, result.Reservation)
	require.Len(t, result.Reservation.Lines, 2)
	assert.Equal(t, "B1", result.Reservation.Lines[0].BatchID)
	assert.Equal(t, "500", result.Reservation.Lines[0].Quantity)
	assert.Equal(t, "B2", result.Reservation.Lines[1].BatchID)
	assert.Equal(t, "150", result.Reservation.Lines[1].Quantity)
	id := result.Reservation.ID

	out, err = f.execute(t, "batches", "STEEL")
	require.NoError(t, err)
	assert.Contains(t, out, "B1")
	assert.Contains(t, out, "150")

	out, err = f.execute(t, "consume", id)
	require.NoError(t, err)
	assert.Contains(t, out, "consumed")

	// B1 is fully consumed
	out, err = f.execute(t, "batches", "STEEL")
	require.NoError(t, err)
	assert.Contains(t, out, "exhausted")

	_, err = f.execute(t, "release", id)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "INVALID_STATE")

	_, err = f.execute(t, "release", "no-such-reservation")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "NOT_FOUND")
}

func TestAllocateCommand_Release(t *testing.T) {
	f := newFixture(t, "sqlite")
	_, err := f.execute(t, "load", f.csv)
	require.NoError(t, err)

	out, err := f.execute(t, "--format", "json", "allocate", "STEEL", "100", "--pick", "B2=100")
	require.NoError(t, err)
	var result allocationJSON
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.NotNil(t, result.Reservation)
	require.Len(t, result.Reservation.Lines, 1)
	assert.Equal(t, "B2", result.Reservation.Lines[0].BatchID)

	out, err = f.execute(t, "release", result.Reservation.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "released")
}

func TestAllocateCommand_Rejected(t *testing.T) {
	f := newFixture(t, "sqlite")
	_, err := f.execute(t, "load", f.csv)
	require.NoError(t, err)

	out, err := f.execute(t, "allocate", "STEEL", "900")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Outcome: rejected")
	assert.Contains(t, out, "INCOMPLETE_ALLOCATION")

	out, err = f.execute(t, "allocate", "STEEL", "900", "--mode", "partial")
	require.NoError(t, err)
	assert.Contains(t, out, "Outcome: partially_allocated")
	assert.Contains(t, out, "Deficit: 100")
}

func TestAllocateCommand_InvalidInput(t *testing.T) {
	f := newFixture(t, "memory")

	_, err := f.execute(t, "allocate", "STEEL", "10", "--pick", "B1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	out, err := f.execute(t, "allocate", "STEEL", "lots")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "INVALID_REQUEST")
}

func TestHoldCommand(t *testing.T) {
	f := newFixture(t, "sqlite")
	_, err := f.execute(t, "load", f.csv)
	require.NoError(t, err)

	out, err := f.execute(t, "hold", "B1")
	require.NoError(t, err)
	assert.Contains(t, out, "blocked")

	// only B2 is eligible while B1 is held
	_, err = f.execute(t, "allocate", "STEEL", "400")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	out, err = f.execute(t, "unhold", "B1")
	require.NoError(t, err)
	assert.Contains(t, out, "active")

	_, err = f.execute(t, "hold", "B404")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestRunCommand(t *testing.T) {
	f := newFixture(t, "memory")
	requests := f.writeFile(t, "requests.yaml", `
requests:
  - material_id: STEEL
    quantity: "200"
  - material_id: STEEL
    quantity: "200"
  - material_id: STEEL
    quantity: "200"
`)

	out, err := f.execute(t, "--seed", f.csv, "run", requests, "--workers", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "3 requests: 3 allocated, 0 partial, 0 rejected, 0 failed")
}

func TestRunCommand_OverDemand(t *testing.T) {
	f := newFixture(t, "memory")
	requests := f.writeFile(t, "requests.yaml", `
requests:
  - {material_id: STEEL, quantity: "200"}
  - {material_id: STEEL, quantity: "200"}
  - {material_id: STEEL, quantity: "200"}
  - {material_id: STEEL, quantity: "200"}
  - {material_id: STEEL, quantity: "200"}
`)

	out, err := f.execute(t, "--seed", f.csv, "run", requests, "--workers", "1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "5 requests: 4 allocated, 0 partial, 1 rejected, 0 failed")
	assert.Contains(t, out, "INCOMPLETE_ALLOCATION")
}

func TestRunCommand_BadFile(t *testing.T) {
	f := newFixture(t, "memory")
	requests := f.writeFile(t, "requests.yaml", "requests:\n  - material: STEEL\n")

	_, err := f.execute(t, "run", requests)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad")))

	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitFailure, "inner", assert.AnError))
	assert.Equal(t, ExitFailure, GetExitCode(wrapped))
}
