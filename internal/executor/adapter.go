package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/tachyon-beep/elspeth/internal/pluginapi"
)

// DescriptorKind classifies what a sink plugin ultimately writes to, and
// therefore which identity fields SinkAdapter fills in on the resulting
// ArtifactInfo (spec §4.6).
type DescriptorKind string

const (
	DescriptorFile     DescriptorKind = "file"
	DescriptorDatabase DescriptorKind = "database"
	DescriptorWebhook  DescriptorKind = "webhook"
	DescriptorUnknown  DescriptorKind = "unknown"
)

// ArtifactDescriptor is a sink plugin's static declaration of what kind of
// thing it produces and where, used by SinkAdapter to compute artifact
// metadata without the plugin having to hash its own output.
type ArtifactDescriptor struct {
	Kind  DescriptorKind
	Path  string // file: final output path to hash after flush
	URL   string // database/webhook: connection or endpoint identity
	Table string // database: target table name
}

// RowSink is the plugin-facing sink contract: write one row at a time,
// flush once at the end. This is the shape plugin authors implement;
// SinkAdapter bridges it to pluginapi.Sink's bulk, artifact-producing
// contract that the executor drives.
type RowSink interface {
	pluginapi.Plugin
	WriteRow(ctx *pluginapi.Context, row pluginapi.Row) error
	Flush(ctx *pluginapi.Context) error
	Descriptor() ArtifactDescriptor
	Close() error
}

// SinkAdapter adapts a RowSink into pluginapi.Sink: it loops WriteRow calls
// in order, calls Flush once after the last row, and computes the
// resulting ArtifactInfo from the sink's declared descriptor. It never
// closes the sink itself — Close belongs to whoever owns the sink's
// lifetime across the whole run, not to one bulk Write call.
type SinkAdapter struct {
	rows RowSink
}

var _ pluginapi.Sink = (*SinkAdapter)(nil)

// NewSinkAdapter wraps a row-wise sink plugin.
func NewSinkAdapter(rows RowSink) *SinkAdapter {
	return &SinkAdapter{rows: rows}
}

func (a *SinkAdapter) Name() string                  { return a.rows.Name() }
func (a *SinkAdapter) PluginVersion() string         { return a.rows.PluginVersion() }
func (a *SinkAdapter) Determinism() pluginapi.Determinism { return a.rows.Determinism() }
func (a *SinkAdapter) NodeID() string                { return a.rows.NodeID() }
func (a *SinkAdapter) SetNodeID(id string)           { a.rows.SetNodeID(id) }
func (a *SinkAdapter) Close() error                  { return a.rows.Close() }

// Write drives the wrapped RowSink through every row, flushes, and
// computes the produced ArtifactInfo.
func (a *SinkAdapter) Write(ctx *pluginapi.Context, rows []pluginapi.Row) (pluginapi.ArtifactInfo, error) {
	for i, row := range rows {
		if err := a.rows.WriteRow(ctx, row); err != nil {
			return pluginapi.ArtifactInfo{}, fmt.Errorf("executor: sink adapter write row %d: %w", i, err)
		}
	}
	if err := a.rows.Flush(ctx); err != nil {
		return pluginapi.ArtifactInfo{}, fmt.Errorf("executor: sink adapter flush: %w", err)
	}
	return a.computeArtifact()
}

func (a *SinkAdapter) computeArtifact() (pluginapi.ArtifactInfo, error) {
	desc := a.rows.Descriptor()
	switch desc.Kind {
	case DescriptorFile:
		hash, size, err := hashFile(desc.Path)
		if err != nil {
			return pluginapi.ArtifactInfo{}, fmt.Errorf("executor: hash sink output %s: %w", desc.Path, err)
		}
		return pluginapi.ArtifactInfo{Kind: string(DescriptorFile), PathOrURI: desc.Path, ContentHash: hash, SizeBytes: size}, nil
	case DescriptorDatabase:
		return pluginapi.ArtifactInfo{Kind: string(DescriptorDatabase), PathOrURI: desc.URL, Table: desc.Table}, nil
	case DescriptorWebhook:
		return pluginapi.ArtifactInfo{Kind: string(DescriptorWebhook), PathOrURI: desc.URL}, nil
	default:
		return pluginapi.ArtifactInfo{Kind: string(DescriptorUnknown), PathOrURI: desc.Path}, nil
	}
}

// hashFile computes the streaming SHA-256 digest and size of the file at
// path, without loading it fully into memory — sink outputs can be large.
func hashFile(path string) (digest string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
