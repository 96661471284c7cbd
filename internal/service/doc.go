// Package service wires the components of am into the CLI commands.
//
// Overview
// A Session is one `am start`. It scans the project into a registry.Store,
// installs the configured Prometheus, writes its scrape configuration and
// hands it to a supervisor.Supervisor. The explorer serves the registry and
// proxies queries to whatever endpoint the supervisor reports.
//
// Data flow:
//
//   watch.Watcher        Session                 Supervisor       Explorer
//       |                   |                        |                |
//       |                   | scan -> Store.Publish --------------->  | /api/*
//       |                   | install, write config  |                |
//       |                   | Start() -------------->| Running        |
//       |                   |                        |<-- Endpoint() -| /prometheus/*
//       | changed paths --->| rescan, write config   |                |
//       |                   | Reload() ------------->|                |
//
// Invariants:
//   - The scrape configuration on disk always matches the latest published
//     snapshot before the engine is reloaded.
//   - A failed install or start never stops the explorer, the proxy answers
//     with an unavailable upstream instead.
//   - Everything started by Do is stopped before it returns.
//
// List and Proxy implement the one-shot `am list` and the engine-less
// `am proxy`.
package service
