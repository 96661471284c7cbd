package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/autometrics-dev/am/internal/log"
	"github.com/autometrics-dev/am/internal/metrics"
	"github.com/autometrics-dev/am/internal/model"
	"github.com/autometrics-dev/am/internal/selfupdate"
	"github.com/autometrics-dev/am/internal/service"
	"github.com/autometrics-dev/am/internal/version"

	"github.com/spf13/cobra"
)

var (
	flagRoot          string
	flagNoWatch       bool
	flagFormat        string
	flagPrometheusURL string
)

func init() {
	startCmd.Flags().String("prometheus-version", "", "prometheus version constraint, e.g. 2.45.0 or ^2.45 (env AM_PROMETHEUS_VERSION)")
	startCmd.Flags().StringVar(&flagRoot, "root", "", "project root to scan, default is the current directory")
	startCmd.Flags().BoolVar(&flagNoWatch, "no-watch", false, "do not rescan when sources change")
	bindFlag(startCmd, "prometheus_version", "prometheus-version")

	listCmd.Flags().StringVar(&flagFormat, "format", service.FormatTable, "output format: table or json")

	proxyCmd.Flags().StringVar(&flagPrometheusURL, "prometheus-url", "", "URL of the Prometheus to proxy to")
	proxyCmd.Flags().StringVar(&flagRoot, "root", "", "project root to scan, default is the current directory")
	_ = proxyCmd.MarkFlagRequired("prometheus-url")
}

var startCmd = &cobra.Command{
	Use:   "start [endpoint...]",
	Short: "start scans the project, runs Prometheus and serves the explorer",
	Long: `start scans the project for instrumented functions, downloads and runs
Prometheus scraping the given application endpoints and serves the explorer.
An endpoint is a metrics URL or host:port, the path defaults to /metrics.`,
	RunE: doStart,
}

var listCmd = &cobra.Command{
	Use:   "list [root]",
	Short: "list prints the instrumented functions of a project",
	Args:  cobra.MaximumNArgs(1),
	RunE:  doList,
}

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "proxy serves the explorer in front of an existing Prometheus",
	RunE:  doProxy,
}

func options(root string) (service.Options, error) {
	if root != "" {
		if config.Project == nil {
			config.Project = &model.Project{}
		}
		config.Project.Root = &root
	}
	return service.OptionsFrom(&config)
}

func doStart(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("am",
		slog.String("cmd", "start"),
		slog.Int("pid", os.Getpid()),
	))
	config.Endpoints = append(config.Endpoints, args...)
	opts, err := options(flagRoot)
	if err != nil {
		return err
	}
	if flagNoWatch {
		opts.Watch = false
	}

	inst, err := openInstallation(ctx, opts)
	if err != nil {
		return err
	}
	defer inst.Close()

	m := metrics.New(version.Current())
	updates := selfupdate.New(inst.resolver, inst.fetcher,
		selfupdate.WithConstraint(opts.UpdateVersion),
		selfupdate.WithPlatform(opts.Platform),
	)
	session, err := service.NewSession(opts, service.Deps{
		Resolver:  inst.resolver,
		Installer: inst.fetcher,
		Updates:   updates,
		Metrics:   m,
	})
	if err != nil {
		return err
	}
	return session.Run(ctx)
}

func doList(cmd *cobra.Command, args []string) error {
	var root string
	if len(args) == 1 {
		root = args[0]
	}
	opts, err := options(root)
	if err != nil {
		return err
	}
	return service.List(cmd.Context(), opts, cmd.OutOrStdout(), flagFormat)
}

func doProxy(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("am",
		slog.String("cmd", "proxy"),
		slog.Int("pid", os.Getpid()),
	))
	opts, err := options(flagRoot)
	if err != nil {
		return err
	}
	upstream, err := service.NewUpstream(flagPrometheusURL)
	if err != nil {
		return err
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", opts.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", opts.Listen, err)
	}
	return service.Proxy(ctx, opts, upstream, metrics.New(version.Current()), ln)
}
