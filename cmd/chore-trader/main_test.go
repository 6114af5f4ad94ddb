package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDay(t *testing.T) {
	now := time.Date(2026, 3, 2, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))
	day, err := parseDay("", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), day)

	day, err = parseDay("2026-01-15", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), day)

	_, err = parseDay("15/01/2026", now)
	assert.Error(t, err)
}

func TestCommandTree(t *testing.T) {
	root := newRootCommand()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"run", "reconcile", "archive"}, names)
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestArchiveEmptyDay(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "chorelink.yaml")
	yaml := fmt.Sprintf("storage:\n  data_dir: %q\n  sqlite_path: %q\nlogging:\n  level: error\n",
		filepath.Join(dir, "data"), filepath.Join(dir, "ledger.db"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0o644))
	t.Setenv("CHORELINK_DATA_DIR", "")
	t.Setenv("CHORELINK_SQLITE_PATH", "")

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"archive", "--config", cfgPath, "--date", "2026-03-02"})
	require.NoError(t, root.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "2026-03-02: 0 chore entries, 0 fill entries"), out.String())
}

func TestMissingConfigFails(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"archive", "--config", filepath.Join(t.TempDir(), "none.yaml")})
	assert.Error(t, root.Execute())
}
