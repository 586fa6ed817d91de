package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tachyon-beep/elspeth/internal/config"
	"github.com/tachyon-beep/elspeth/internal/dag"
)

const validSettings = `
datasource:
  plugin: csv_source
  options:
    path: data.csv
sinks:
  main:
    plugin: file_sink
    options:
      path: out.jsonl
  quarantine:
    plugin: file_sink
    options:
      path: bad.jsonl
row_plugins:
  - plugin: add_field
    type: transform
  - plugin: threshold_gate
    type: gate
    routes:
      negative: quarantine
      ok: continue
output_sink: main
landscape:
  url: landscape.db
  backend: sqlite3
`

func writeTempSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "elspeth.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_ValidSettings(t *testing.T) {
	path := writeTempSettings(t, validSettings)
	s, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "csv_source", s.Datasource.Plugin)
	require.Len(t, s.Sinks, 2)
	require.Equal(t, "main", s.OutputSink)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.Error(t, err)
}

func TestLoad_MissingDatasourceErrors(t *testing.T) {
	path := writeTempSettings(t, `
sinks:
  main:
    plugin: file_sink
output_sink: main
`)
	_, err := config.Load(path)
	require.ErrorIs(t, err, config.ErrNoDatasource)
}

func TestLoad_UnresolvedOutputSinkErrors(t *testing.T) {
	path := writeTempSettings(t, `
datasource:
  plugin: csv_source
sinks:
  main:
    plugin: file_sink
output_sink: does_not_exist
`)
	_, err := config.Load(path)
	require.ErrorIs(t, err, config.ErrNoOutputSink)
}

func TestLoad_TemplateAndTemplateFileMutuallyExclusive(t *testing.T) {
	path := writeTempSettings(t, `
datasource:
  plugin: csv_source
sinks:
  main:
    plugin: file_sink
row_plugins:
  - plugin: prompt_transform
    type: transform
    template: "hello"
    template_file: "prompt.tmpl"
output_sink: main
`)
	_, err := config.Load(path)
	require.ErrorIs(t, err, config.ErrTemplateAndFile)
}

func TestLoad_EnvOverridesLandscapeURL(t *testing.T) {
	t.Setenv("ELSPETH_LANDSCAPE_URL", "/override/path.db")
	path := writeTempSettings(t, validSettings)
	s, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "/override/path.db", s.Landscape.URL)
}

func TestLoad_EnvOverridesCheckpointIntervalRows_AllocatesWhenNil(t *testing.T) {
	t.Setenv("ELSPETH_CHECKPOINT_INTERVAL_ROWS", "500")
	path := writeTempSettings(t, validSettings)
	s, err := config.Load(path)
	require.NoError(t, err)
	require.NotNil(t, s.Checkpoint)
	require.Equal(t, 500, s.Checkpoint.IntervalRows)
}

func TestSettings_BuildGraph_LinearAndGated(t *testing.T) {
	path := writeTempSettings(t, validSettings)
	s, err := config.Load(path)
	require.NoError(t, err)

	g, err := s.BuildGraph()
	require.NoError(t, err)
	require.NoError(t, g.Validate())

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	require.Contains(t, order, "source")
	require.Contains(t, order, "main")
	require.Contains(t, order, "quarantine")

	edges := g.GetEdges("threshold_gate_1")
	found := false
	for _, e := range edges {
		if e.Label == "negative" && e.To == "quarantine" && e.Mode == dag.MOVE {
			found = true
		}
	}
	require.True(t, found, "gate's negative route must target quarantine")
}
