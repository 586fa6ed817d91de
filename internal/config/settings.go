package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tachyon-beep/elspeth/internal/dag"
)

// ConfigPathEnvVar names the environment variable Load falls back to reading
// a settings path from, when one isn't given explicitly by the CLI flag.
const ConfigPathEnvVar = "ELSPETH_SETTINGS_PATH"

// DefaultConfigPath is used when neither a CLI flag nor ConfigPathEnvVar
// names a settings file.
const DefaultConfigPath = "elspeth.yaml"

var (
	// ErrNoDatasource is returned when a Settings document has no datasource.
	ErrNoDatasource = errors.New("config: datasource is required")
	// ErrNoSinks is returned when a Settings document declares zero sinks.
	ErrNoSinks = errors.New("config: at least one sink is required")
	// ErrNoOutputSink is returned when output_sink is empty or unresolved.
	ErrNoOutputSink = errors.New("config: output_sink is required and must name a declared sink")
	// ErrTemplateAndFile is returned when a row_plugin sets both template and template_file.
	ErrTemplateAndFile = errors.New("config: template and template_file are mutually exclusive")
)

// SourceConfig describes the pipeline's single datasource.
type SourceConfig struct {
	Plugin  string         `yaml:"plugin"`
	Options map[string]any `yaml:"options"`
}

// SinkConfig describes one named sink. OnError names the sink non-idempotent
// writes should never retry into (dropped-by-sink-failure is terminal
// regardless). Idempotent is read from YAML, but the sink executor does not
// consult it and never retries a failed sink write.
type SinkConfig struct {
	Plugin     string         `yaml:"plugin"`
	Options    map[string]any `yaml:"options"`
	OnError    string         `yaml:"on_error"`
	Idempotent bool           `yaml:"idempotent"`
}

// RowPluginConfig describes one transform or gate in the ordered row_plugins
// list. Name, if empty, defaults to "<plugin>_<index>" when the graph is
// built. OnError names the sink a transform routes an exhausted-retry token
// to (spec §4.7); Routes maps a gate's route labels to a sink name or the
// literal "continue". Template/TemplateFile are mutually exclusive prompt
// sources for plugins that render templates (spec §6).
type RowPluginConfig struct {
	Name            string            `yaml:"name"`
	Plugin          string            `yaml:"plugin"`
	Type            string            `yaml:"type"`
	Options         map[string]any    `yaml:"options"`
	Routes          map[string]string `yaml:"routes"`
	OnError         string            `yaml:"on_error"`
	Template        string            `yaml:"template"`
	TemplateFile    string            `yaml:"template_file"`
	LookupFile      string            `yaml:"lookup_file"`
	CheckpointEvery int               `yaml:"checkpoint_every"`
}

// RetentionConfig holds the landscape.retention block. Nothing in the module
// reads it; landscape.RetentionWorker takes its TTL as a constructor
// argument.
type RetentionConfig struct {
	Days int `yaml:"days"`
}

// LandscapeConfig points at the audit database.
type LandscapeConfig struct {
	URL       string           `yaml:"url"`
	Backend   string           `yaml:"backend"`
	Retention *RetentionConfig `yaml:"retention"`
}

// CheckpointConfig controls automatic checkpoint cadence.
type CheckpointConfig struct {
	IntervalRows int `yaml:"interval_rows"`
}

// Settings is the root of a loaded elspeth.yaml (spec §6).
type Settings struct {
	Datasource SourceConfig          `yaml:"datasource"`
	Sinks      map[string]SinkConfig `yaml:"sinks"`
	RowPlugins []RowPluginConfig     `yaml:"row_plugins"`
	OutputSink string                `yaml:"output_sink"`
	Landscape  LandscapeConfig       `yaml:"landscape"`
	Checkpoint *CheckpointConfig     `yaml:"checkpoint"`
}

// Load reads and validates a Settings document from path. Unlike
// aliasing.LoadConfig's graceful degradation (dataset patterns are
// optional), a missing or invalid settings file is a config error: the
// pipeline has no sensible default topology.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied, not attacker-controlled
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	s.applyEnvOverrides()

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadFromEnv resolves the settings path from ConfigPathEnvVar (falling
// back to DefaultConfigPath) and loads it.
func LoadFromEnv() (*Settings, error) {
	return Load(GetEnvStr(ConfigPathEnvVar, DefaultConfigPath))
}

// applyEnvOverrides lets environment variables win over the file for the
// handful of settings operators commonly need to override per-deployment
// without editing YAML (Dynaconf-style: env > file > default).
func (s *Settings) applyEnvOverrides() {
	s.Landscape.URL = GetEnvStr("ELSPETH_LANDSCAPE_URL", s.Landscape.URL)
	s.Landscape.Backend = GetEnvStr("ELSPETH_LANDSCAPE_BACKEND", s.Landscape.Backend)

	if rows := GetEnvInt("ELSPETH_CHECKPOINT_INTERVAL_ROWS", 0); rows > 0 {
		if s.Checkpoint == nil {
			s.Checkpoint = &CheckpointConfig{}
		}
		s.Checkpoint.IntervalRows = rows
	}
}

// Validate checks every structural requirement §6 names, collecting every
// defect via errors.Join rather than stopping at the first one (the same
// "collect every defect" discipline internal/dag.Validate and
// migrations.ValidateEmbeddedMigrations use).
func (s *Settings) Validate() error {
	var errs []error

	if s.Datasource.Plugin == "" {
		errs = append(errs, ErrNoDatasource)
	}
	if len(s.Sinks) == 0 {
		errs = append(errs, ErrNoSinks)
	}
	if s.OutputSink == "" {
		errs = append(errs, ErrNoOutputSink)
	} else if _, ok := s.Sinks[s.OutputSink]; !ok {
		errs = append(errs, fmt.Errorf("%w: %q", ErrNoOutputSink, s.OutputSink))
	}
	for i, rp := range s.RowPlugins {
		if rp.Template != "" && rp.TemplateFile != "" {
			errs = append(errs, fmt.Errorf("%w: row_plugins[%d]", ErrTemplateAndFile, i))
		}
		if rp.Type != "transform" && rp.Type != "gate" && rp.Type != "aggregation" {
			errs = append(errs, fmt.Errorf("config: row_plugins[%d]: type must be transform, gate, or aggregation, got %q", i, rp.Type))
		}
	}
	return errors.Join(errs...)
}

// BuildGraph translates Settings into the dag.Graph the orchestrator drives:
// one source node, one node per row_plugin (chained in declaration order by
// a "continue" edge), one node per sink, and an edge per gate route. A gate's
// route target of "continue" reuses the chain's own default edge rather than
// adding a duplicate.
func (s *Settings) BuildGraph() (*dag.Graph, error) {
	g := dag.NewGraph(s.OutputSink)

	if err := g.AddNode("source", dag.NodeSource, s.Datasource.Plugin, s.Datasource.Options); err != nil {
		return nil, fmt.Errorf("config: add source node: %w", err)
	}

	names := make([]string, len(s.RowPlugins))
	for i, rp := range s.RowPlugins {
		name := rp.Name
		if name == "" {
			name = fmt.Sprintf("%s_%d", rp.Plugin, i)
		}
		names[i] = name

		nodeType := dag.NodeTransform
		switch rp.Type {
		case "gate":
			nodeType = dag.NodeGate
		case "aggregation":
			nodeType = dag.NodeAggregation
		}
		nodeConfig := map[string]any{}
		for k, v := range rp.Options {
			nodeConfig[k] = v
		}
		if rp.OnError != "" {
			nodeConfig["on_error"] = rp.OnError
		}
		if err := g.AddNode(name, nodeType, rp.Plugin, nodeConfig); err != nil {
			return nil, fmt.Errorf("config: add row_plugin node %s: %w", name, err)
		}
	}

	for name, sc := range s.Sinks {
		if err := g.AddNode(name, dag.NodeSink, sc.Plugin, sc.Options); err != nil {
			return nil, fmt.Errorf("config: add sink node %s: %w", name, err)
		}
	}

	prev := "source"
	for i, name := range names {
		if err := g.AddEdge(prev, name, dag.ContinueLabel, dag.MOVE); err != nil {
			return nil, fmt.Errorf("config: chain %s -> %s: %w", prev, name, err)
		}
		if s.RowPlugins[i].Type == "gate" {
			for label, target := range s.RowPlugins[i].Routes {
				if target == dag.ContinueLabel || label == dag.ContinueLabel {
					continue
				}
				if err := g.AddEdge(name, target, label, dag.MOVE); err != nil {
					return nil, fmt.Errorf("config: gate route %s/%s -> %s: %w", name, label, target, err)
				}
			}
		}
		prev = name
	}
	if err := g.AddEdge(prev, s.OutputSink, dag.ContinueLabel, dag.MOVE); err != nil {
		return nil, fmt.Errorf("config: chain %s -> output sink %s: %w", prev, s.OutputSink, err)
	}

	return g, nil
}
