package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/autometrics-dev/am/internal/explorer"
	"github.com/autometrics-dev/am/internal/log"
	"github.com/autometrics-dev/am/internal/model"
	"github.com/autometrics-dev/am/internal/version"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	userConfigPath string // /default/config/path/am on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	overrides      = model.NewViper()

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagShort          bool   // value of version --short
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "am")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is am.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.PersistentFlags().String("install-dir", "", "directory for downloaded artifacts (env AM_INSTALL_DIR)")
	rootCmd.PersistentFlags().String("platform", "", "platform of downloaded artifacts, os-arch or a target triple (env AM_PLATFORM)")
	rootCmd.PersistentFlags().String("listen-address", "", "explorer listen address of start and proxy (env AM_LISTEN_ADDRESS)")
	bindFlag(rootCmd, "install_dir", "install-dir")
	bindFlag(rootCmd, "listen_address", "listen-address")
	bindFlag(rootCmd, "platform", "platform")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initAm

	versionCmd.Flags().BoolVar(&flagShort, "short", false, "print the version number only")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(proxyCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(systemCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("am failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "am",
	Short:        "Local observability for functions instrumented with autometrics",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides the version of am",
	// the self-check of `am update` runs --short, it must not depend on a config
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if flagShort {
			return nil
		}
		return initAm(cmd, args)
	},
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		if flagShort {
			fmt.Fprintln(out, version.Current())
			return
		}
		info := version.Read()
		if configPath != "" {
			fmt.Fprintf(out, "config: %s\n", configPath)
		}
		fmt.Fprintf(out, "am:     %s\n", info.Version)
		fmt.Fprintf(out, "go:     %s\n", info.Go)
		if info.Commit != "" {
			fmt.Fprintf(out, "commit: %s\n", info.Commit)
		}
		if info.Date != "" {
			fmt.Fprintf(out, "date:   %s\n", info.Date)
		}
		if info.Dirty {
			fmt.Fprintf(out, "dirty:  %t\n", info.Dirty)
		}
	},
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	f := cmd.Flags().Lookup(flag)
	if f == nil {
		f = cmd.PersistentFlags().Lookup(flag)
	}
	if err := overrides.BindPFlag(key, f); err != nil {
		panic(err)
	}
}

func initAm(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("AMCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "am.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "am.yaml")
		if err := storeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		cfg, err := model.LoadConfig(f)
		if err != nil {
			for i, d := range model.CueErrDetails(err) {
				slog.Error("invalid config", d.Attr(fmt.Sprintf("detail%d", i)))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
		config = *cfg
	}

	// flags and AM_* variables have a precedence over config file
	o, err := model.ParseOverrides(overrides)
	if err != nil {
		return err
	}
	if flagVerbose {
		o.Verbose = true
	}
	config.Apply(o)

	// initialize logging
	slog.SetDefault(log.New(model.Get(config.Verbose, false), os.Stderr))
	explorer.SetMode(model.Get(config.Verbose, false))

	slog.Debug("am run", "configPath", configPath)
	slog.Debug("am run", "config", config)
	return nil
}

func storeConfig(path string, cfg model.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	err = enc.Encode(cfg)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
