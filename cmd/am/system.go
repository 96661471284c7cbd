package main

import (
	"errors"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/autometrics-dev/am/internal/model"
	"github.com/autometrics-dev/am/internal/selfupdate"

	"github.com/spf13/cobra"
)

var (
	flagCheck  bool
	flagPin    string
	flagAll    bool
	flagRetain int
)

func init() {
	updateCmd.Flags().BoolVar(&flagCheck, "check", false, "only report whether an update is available")
	updateCmd.Flags().StringVar(&flagPin, "version", "", "version constraint to update to, default is update.version or the latest release")

	systemPruneCmd.Flags().BoolVar(&flagAll, "all", false, "remove every install of the kind, the active one included")
	systemPruneCmd.Flags().IntVar(&flagRetain, "retain", 0, "number of most recent installs to keep, default is install.retain")

	systemCmd.AddCommand(systemListCmd)
	systemCmd.AddCommand(systemPruneCmd)
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "update replaces am with the newest release",
	Args:  cobra.NoArgs,
	RunE:  doUpdate,
}

var systemCmd = &cobra.Command{
	Use:   "system",
	Short: "system manages downloaded artifacts",
}

var systemListCmd = &cobra.Command{
	Use:   "list [kind]",
	Short: "list shows installed artifacts",
	Args:  cobra.MaximumNArgs(1),
	RunE:  doSystemList,
}

var systemPruneCmd = &cobra.Command{
	Use:   "prune <kind>",
	Short: "prune removes old installs of an artifact kind",
	Args:  cobra.ExactArgs(1),
	RunE:  doSystemPrune,
}

func doUpdate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	opts, err := options("")
	if err != nil {
		return err
	}
	inst, err := openInstallation(ctx, opts)
	if err != nil {
		return err
	}
	defer inst.Close()

	constraint := opts.UpdateVersion
	if flagPin != "" {
		constraint = flagPin
	}
	u := selfupdate.New(inst.resolver, inst.fetcher,
		selfupdate.WithConstraint(constraint),
		selfupdate.WithPlatform(opts.Platform),
	)
	out := cmd.OutOrStdout()
	a, err := u.Check(ctx)
	if err != nil {
		return err
	}
	if a == nil {
		fmt.Fprintf(out, "am %s is up to date\n", u.Current())
		return nil
	}
	if flagCheck {
		fmt.Fprintf(out, "am %s is available (current %s)\n", a.Version, u.Current())
		return nil
	}

	outcome, err := u.Apply(ctx, *a)
	if errors.Is(err, selfupdate.ErrSelfCheck) {
		return fmt.Errorf("update to %s failed, am %s is still installed: %w", a.Version, u.Current(), err)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "am updated from %s to %s (%s), the new version is used from the next invocation\n",
		outcome.Previous, outcome.Installed, outcome.Executable)
	if outcome.Backup != "" {
		slog.Debug("previous executable left behind", "path", outcome.Backup)
	}
	return nil
}

func doSystemList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var kind string
	if len(args) == 1 {
		kind = args[0]
	}
	opts, err := options("")
	if err != nil {
		return err
	}
	inst, err := openInstallation(ctx, opts)
	if err != nil {
		return err
	}
	defer inst.Close()

	list, err := inst.fetcher.List(ctx, kind)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tVERSION\tACTIVE\tINSTALLED\tPATH")
	for _, a := range list {
		active := ""
		if a.Active {
			active = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.Kind, a.Version, active, a.InstalledAt.Local().Format(time.DateTime), a.Path)
	}
	return tw.Flush()
}

func doSystemPrune(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	kind := args[0]
	switch kind {
	case model.KindPrometheus, model.KindSelf:
	default:
		return fmt.Errorf("unknown artifact kind %q", kind)
	}
	opts, err := options("")
	if err != nil {
		return err
	}
	inst, err := openInstallation(ctx, opts)
	if err != nil {
		return err
	}
	defer inst.Close()

	var removed []model.InstalledArtifact
	if flagAll {
		removed, err = inst.fetcher.Uninstall(ctx, kind)
	} else {
		retain := opts.Retain
		if flagRetain > 0 {
			retain = flagRetain
		}
		removed, err = inst.fetcher.Prune(ctx, kind, retain)
	}
	for _, a := range removed {
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", a)
	}
	return err
}
