package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/tachyon-beep/elspeth/internal/config"
	"github.com/tachyon-beep/elspeth/internal/executor"
	"github.com/tachyon-beep/elspeth/internal/orchestrator"
	"github.com/tachyon-beep/elspeth/internal/pluginapi"
)

type stubSource struct{ pluginapi.BasePlugin }

func (s *stubSource) Load(ctx context.Context) (<-chan any, <-chan error) {
	rows := make(chan any)
	errs := make(chan error)
	close(rows)
	close(errs)
	return rows, errs
}
func (s *stubSource) Seek(context.Context, string) error { return pluginapi.ErrSeekUnsupported }
func (s *stubSource) Close() error                       { return nil }

type stubTransform struct{ pluginapi.BasePlugin }

func (t *stubTransform) Process(_ *pluginapi.Context, row pluginapi.Row) pluginapi.TransformResult {
	return pluginapi.TransformSuccess(row)
}

type stubGate struct{ pluginapi.BasePlugin }

func (g *stubGate) Evaluate(_ *pluginapi.Context, row pluginapi.Row) pluginapi.GateResult {
	return pluginapi.GateResult{Row: row, Action: pluginapi.Continue(pluginapi.RoutingReason{Rule: "default"})}
}

type stubAggregation struct{ pluginapi.BasePlugin }

func (a *stubAggregation) Accept(_ *pluginapi.Context, _ pluginapi.Row) (bool, error) { return false, nil }
func (a *stubAggregation) Flush(_ *pluginapi.Context) ([]pluginapi.ArtifactInfo, error) {
	return nil, nil
}
func (a *stubAggregation) SerializeState() (map[string]any, error) { return nil, nil }
func (a *stubAggregation) RestoreState(map[string]any) error       { return nil }

type stubBulkSink struct{ pluginapi.BasePlugin }

func (s *stubBulkSink) Write(_ *pluginapi.Context, rows []pluginapi.Row) (pluginapi.ArtifactInfo, error) {
	return pluginapi.ArtifactInfo{Kind: "memory", SizeBytes: int64(len(rows))}, nil
}
func (s *stubBulkSink) Close() error { return nil }

type stubRowSink struct{ pluginapi.BasePlugin }

func (s *stubRowSink) WriteRow(_ *pluginapi.Context, _ pluginapi.Row) error { return nil }
func (s *stubRowSink) Flush(*pluginapi.Context) error                      { return nil }
func (s *stubRowSink) Descriptor() executor.ArtifactDescriptor {
	return executor.ArtifactDescriptor{Kind: executor.DescriptorUnknown}
}
func (s *stubRowSink) Close() error { return nil }

func TestWirePlugins_ResolvesEachRoleFromRegistry(t *testing.T) {
	registry := pluginapi.NewRegistry()
	registry.Register("source", "stub_source", func(map[string]any) (pluginapi.Plugin, error) {
		return &stubSource{}, nil
	})
	registry.Register("transform", "stub_transform", func(map[string]any) (pluginapi.Plugin, error) {
		return &stubTransform{}, nil
	})
	registry.Register("gate", "stub_gate", func(map[string]any) (pluginapi.Plugin, error) {
		return &stubGate{}, nil
	})
	registry.Register("aggregation", "stub_aggregation", func(map[string]any) (pluginapi.Plugin, error) {
		return &stubAggregation{}, nil
	})
	registry.Register("sink", "stub_bulk_sink", func(map[string]any) (pluginapi.Plugin, error) {
		return &stubBulkSink{}, nil
	})
	registry.Register("sink", "stub_row_sink", func(map[string]any) (pluginapi.Plugin, error) {
		return &stubRowSink{}, nil
	})

	settings := &config.Settings{
		Datasource: config.SourceConfig{Plugin: "stub_source"},
		RowPlugins: []config.RowPluginConfig{
			{Name: "t1", Plugin: "stub_transform", Type: "transform"},
			{Name: "g1", Plugin: "stub_gate", Type: "gate"},
			{Name: "a1", Plugin: "stub_aggregation", Type: "aggregation", Routes: map[string]string{}},
		},
		Sinks: map[string]config.SinkConfig{
			"main":    {Plugin: "stub_bulk_sink"},
			"archive": {Plugin: "stub_row_sink"},
		},
		OutputSink: "main",
	}

	graph, err := settings.BuildGraph()
	require.NoError(t, err)
	require.NoError(t, graph.Validate())

	deps := executor.Deps{Graph: graph, Retry: executor.DefaultRetryPolicy()}
	orch := orchestrator.New(deps, graph, rate.NewLimiter(rate.Inf, 1))

	require.NoError(t, wirePlugins(orch, settings, registry))
}

func TestWirePlugins_UnknownPluginNameErrors(t *testing.T) {
	registry := pluginapi.NewRegistry()
	settings := &config.Settings{
		Datasource: config.SourceConfig{Plugin: "does_not_exist"},
		Sinks:      map[string]config.SinkConfig{"main": {Plugin: "also_missing"}},
		OutputSink: "main",
	}
	graph, err := settings.BuildGraph()
	require.NoError(t, err)

	deps := executor.Deps{Graph: graph, Retry: executor.DefaultRetryPolicy()}
	orch := orchestrator.New(deps, graph, rate.NewLimiter(rate.Inf, 1))

	err = wirePlugins(orch, settings, registry)
	require.Error(t, err)
}

func TestWirePlugins_SinkMissingBothContractsErrors(t *testing.T) {
	registry := pluginapi.NewRegistry()
	registry.Register("source", "stub_source", func(map[string]any) (pluginapi.Plugin, error) {
		return &stubSource{}, nil
	})
	registry.Register("sink", "bare_plugin", func(map[string]any) (pluginapi.Plugin, error) {
		return &pluginapi.BasePlugin{}, nil
	})

	settings := &config.Settings{
		Datasource: config.SourceConfig{Plugin: "stub_source"},
		Sinks:      map[string]config.SinkConfig{"main": {Plugin: "bare_plugin"}},
		OutputSink: "main",
	}
	graph, err := settings.BuildGraph()
	require.NoError(t, err)

	deps := executor.Deps{Graph: graph, Retry: executor.DefaultRetryPolicy()}
	orch := orchestrator.New(deps, graph, rate.NewLimiter(rate.Inf, 1))

	err = wirePlugins(orch, settings, registry)
	require.Error(t, err)
}

func TestSettingsAsMap_RoundTripsDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "elspeth.yaml")
	require.NoError(t, os.WriteFile(path, []byte("datasource:\n  plugin: stub_source\noutput_sink: main\n"), 0o600))

	m, err := settingsAsMap(path)
	require.NoError(t, err)
	require.Equal(t, "main", m["output_sink"])
}
