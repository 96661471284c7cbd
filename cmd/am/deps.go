package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/autometrics-dev/am/internal/release"
	"github.com/autometrics-dev/am/internal/service"
	"github.com/autometrics-dev/am/internal/store"
)

// installation bundles what commands installing artifacts need.
type installation struct {
	db       *sql.DB
	resolver *release.Resolver
	fetcher  *release.Fetcher
}

func (i *installation) Close() {
	if err := i.db.Close(); err != nil {
		slog.Warn("closing install ledger failed", "err", err)
	}
}

func openInstallation(ctx context.Context, opts service.Options) (*installation, error) {
	if err := os.MkdirAll(opts.InstallDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating install dir: %w", err)
	}
	db, err := store.InitDB(ctx, filepath.Join(opts.InstallDir, "am.db"))
	if err != nil {
		return nil, fmt.Errorf("opening install ledger: %w", err)
	}

	retry := release.DefaultRetry()
	retry.Retries = opts.Retries

	ghOpts := []release.GitHubOption{release.WithRetry(retry)}
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		ghOpts = append(ghOpts, release.WithToken(token))
	}
	if base := os.Getenv("AM_GITHUB_API"); base != "" {
		ghOpts = append(ghOpts, release.WithBaseURL(base))
	}

	var resolver *release.Resolver
	if opts.Keyring != "" {
		keys, err := release.ReadKeyring(strings.NewReader(opts.Keyring))
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		resolver = release.NewResolver(release.NewGitHub(ghOpts...), keys)
	} else {
		resolver = release.NewResolver(release.NewGitHub(ghOpts...), nil)
	}

	fetcher := release.NewFetcher(opts.InstallDir, db,
		release.WithFetchRetry(retry),
		release.WithRetain(opts.Retain),
		release.WithStallTimeout(opts.StallTimeout),
	)
	return &installation{db: db, resolver: resolver, fetcher: fetcher}, nil
}
