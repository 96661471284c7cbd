package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/autometrics-dev/am/internal/explorer"
	"github.com/autometrics-dev/am/internal/metrics"
	"github.com/autometrics-dev/am/internal/registry"
	"github.com/autometrics-dev/am/internal/scan"
	"github.com/autometrics-dev/am/internal/version"
)

// Output formats of List.
const (
	FormatTable = "table"
	FormatJSON  = "json"
)

// List implements the CLI list command: it scans the project once and
// prints the registry. Diagnostics go to the log.
func List(ctx context.Context, opts Options, out io.Writer, format string) error {
	reg, diags, err := scan.New(opts.Workers, opts.Ignore).Root(ctx, opts.Root)
	if err != nil {
		return err
	}
	for _, d := range diags {
		slog.WarnContext(ctx, d.Message, "kind", d.Kind, "file", d.File, "line", d.Line)
	}

	switch format {
	case FormatJSON:
		return reg.WriteJSON(out)
	case FormatTable, "":
		return writeTable(out, reg)
	default:
		return fmt.Errorf("unsupported format %q, expected %s or %s", format, FormatTable, FormatJSON)
	}
}

func writeTable(out io.Writer, reg *registry.Registry) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FUNCTION\tLANGUAGE\tLOCATION\tMETRICS")
	for fn := range reg.All() {
		name := fn.QualifiedName
		if reg.Ambiguous(name) {
			name += " (ambiguous)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s:%d\t%s\n", name, fn.Language, fn.File, fn.LineStart, strings.Join(fn.MetricNames, ", "))
	}
	return tw.Flush()
}

// Proxy implements the CLI proxy command: the explorer against an
// existing Prometheus, with the project scanned once.
func Proxy(ctx context.Context, opts Options, upstream *Upstream, m *metrics.Metrics, ln net.Listener) error {
	if info, err := upstream.BuildInfo(ctx); err != nil {
		slog.WarnContext(ctx, "upstream does not answer as prometheus", "endpoint", upstream.Endpoint(), "err", err)
	} else {
		slog.InfoContext(ctx, "proxying to prometheus", "endpoint", upstream.Endpoint(), "version", info.Version)
	}

	store := registry.NewStore()
	reg, diags, err := scan.New(opts.Workers, opts.Ignore).Root(ctx, opts.Root)
	if err != nil {
		_ = ln.Close()
		return err
	}
	store.Publish(reg, diags, time.Now().UTC())

	srv := explorer.New(explorer.Config{
		Upstream: upstream,
		Store:    store,
		Metrics:  m,
		Version:  version.Current(),
	})
	return srv.Serve(ctx, ln)
}
