// Package main is the elspeth CLI: validate/run/resume/explain/plugins
// subcommands over one ELSPETH pipeline, rebuilt on cobra per spec §6 and
// grounded on cmd/migrator/main.go's config-load-then-dispatch shape.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/tachyon-beep/elspeth/internal/config"
	"github.com/tachyon-beep/elspeth/internal/dag"
	"github.com/tachyon-beep/elspeth/internal/executor"
	"github.com/tachyon-beep/elspeth/internal/landscape"
	"github.com/tachyon-beep/elspeth/internal/orchestrator"
	"github.com/tachyon-beep/elspeth/internal/payloadstore"
	"github.com/tachyon-beep/elspeth/internal/pluginapi"
)

// pipeline bundles everything a running or resumed pipeline needs, so
// run.go and resume.go can share the same construction path.
type pipeline struct {
	settings *config.Settings
	conn     *landscape.Connection
	recorder *landscape.Recorder
	graph    *dag.Graph
	orch     *orchestrator.Orchestrator
}

// buildPipeline loads settingsPath, opens the Landscape, validates the
// graph, builds plugin instances from pluginapi.DefaultRegistry, and wires
// an Orchestrator. It does not start the run.
func buildPipeline(ctx context.Context, settingsPath string, logger *slog.Logger) (*pipeline, error) {
	settings, err := config.Load(settingsPath)
	if err != nil {
		return nil, err
	}

	graph, err := settings.BuildGraph()
	if err != nil {
		return nil, err
	}
	if err := graph.Validate(); err != nil {
		return nil, fmt.Errorf("elspeth: invalid pipeline: %w", err)
	}

	backend := landscape.Backend(settings.Landscape.Backend)
	if backend == "" {
		backend = landscape.BackendSQLite
	}
	conn, err := landscape.NewConnection(ctx, backend, settings.Landscape.URL)
	if err != nil {
		return nil, fmt.Errorf("elspeth: open landscape: %w", err)
	}

	recorder := landscape.NewRecorder(conn, logger)

	compress := config.GetEnvBool("ELSPETH_PAYLOADSTORE_COMPRESS", false)
	store, err := payloadstore.NewFilesystemStore("payloadstore", payloadstore.WithLogger(logger), payloadstore.WithCompression(compress))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("elspeth: open payload store: %w", err)
	}

	retry := executor.DefaultRetryPolicy()
	retry.MaxElapsed = config.GetEnvDuration("ELSPETH_RETRY_MAX_ELAPSED", retry.MaxElapsed)
	retry.InitialDelay = config.GetEnvDuration("ELSPETH_RETRY_INITIAL_DELAY", retry.InitialDelay)
	retry.MaxDelay = config.GetEnvDuration("ELSPETH_RETRY_MAX_DELAY", retry.MaxDelay)

	deps := executor.Deps{
		Recorder: recorder,
		Graph:    graph,
		Store:    store,
		Logger:   logger,
		Retry:    retry,
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	orch := orchestrator.New(deps, graph, limiter)

	if err := wirePlugins(orch, settings, pluginapi.DefaultRegistry); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &pipeline{settings: settings, conn: conn, recorder: recorder, graph: graph, orch: orch}, nil
}

// wirePlugins resolves every node's plugin from registry (buildPipeline
// passes pluginapi.DefaultRegistry) and registers it against the
// Orchestrator under the right role. Concrete
// plugin implementations are out of scope for this module (only the
// contracts are specified); this loop works against whatever a deployment
// registers into DefaultRegistry from its own plugin packages.
func wirePlugins(orch *orchestrator.Orchestrator, settings *config.Settings, registry *pluginapi.Registry) error {
	srcPlugin, err := registry.Build(settings.Datasource.Plugin, settings.Datasource.Options)
	if err != nil {
		return fmt.Errorf("elspeth: build datasource plugin: %w", err)
	}
	src, ok := srcPlugin.(pluginapi.Source)
	if !ok {
		return fmt.Errorf("elspeth: plugin %q does not implement Source", settings.Datasource.Plugin)
	}
	src.SetNodeID("source")
	orch.RegisterSource("source", src)

	for i, rp := range settings.RowPlugins {
		name := rp.Name
		if name == "" {
			name = fmt.Sprintf("%s_%d", rp.Plugin, i)
		}
		built, err := registry.Build(rp.Plugin, rp.Options)
		if err != nil {
			return fmt.Errorf("elspeth: build row_plugin %s: %w", name, err)
		}
		built.SetNodeID(name)

		switch rp.Type {
		case "transform":
			t, ok := built.(pluginapi.Transform)
			if !ok {
				return fmt.Errorf("elspeth: plugin %q does not implement Transform", rp.Plugin)
			}
			orch.RegisterTransform(name, t)
		case "gate":
			g, ok := built.(pluginapi.Gate)
			if !ok {
				return fmt.Errorf("elspeth: plugin %q does not implement Gate", rp.Plugin)
			}
			orch.RegisterGate(name, g)
		case "aggregation":
			a, ok := built.(pluginapi.Aggregation)
			if !ok {
				return fmt.Errorf("elspeth: plugin %q does not implement Aggregation", rp.Plugin)
			}
			checkpointEvery := rp.CheckpointEvery
			if checkpointEvery <= 0 {
				checkpointEvery = 1
			}
			orch.RegisterAggregation(name, a, checkpointEvery)
		default:
			return fmt.Errorf("elspeth: row_plugin %s: unknown type %q", name, rp.Type)
		}
	}

	for name, sc := range settings.Sinks {
		built, err := registry.Build(sc.Plugin, sc.Options)
		if err != nil {
			return fmt.Errorf("elspeth: build sink %s: %w", name, err)
		}
		built.SetNodeID(name)

		if sink, ok := built.(pluginapi.Sink); ok {
			orch.RegisterSink(name, name, sink)
			continue
		}
		if rowSink, ok := built.(executor.RowSink); ok {
			orch.RegisterSink(name, name, executor.NewSinkAdapter(rowSink))
			continue
		}
		return fmt.Errorf("elspeth: plugin %q implements neither Sink nor RowSink", sc.Plugin)
	}

	return nil
}

// settingsAsMap re-parses a settings file into a plain map for recording as
// the run's config_json: the audit trail wants the operator's own document,
// not a Go-struct round trip that could silently drop or rename fields.
func settingsAsMap(path string) (map[string]any, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("elspeth: read %s: %w", path, err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("elspeth: parse %s: %w", path, err)
	}
	return m, nil
}

func (p *pipeline) close() {
	_ = p.conn.Close()
}

func newLogger(verbose bool) *slog.Logger {
	level := config.GetEnvLogLevel("ELSPETH_LOG_LEVEL", slog.LevelInfo)
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "elspeth:", err)
	os.Exit(1)
}
