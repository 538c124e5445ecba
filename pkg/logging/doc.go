// Package logging provides the structured logging facade used by every
// component in the proxy (tag query engine, upstream supervisor, session
// manager, reload controller, ...).
//
// Initialize once at startup:
//
//	logging.Init(logging.LevelInfo, os.Stdout)
//	logging.Info("Bootstrap", "starting on :%d", port)
//	logging.Error("Upstream", err, "failed to connect to %s", name)
//
// Log lines are tagged with a subsystem string so operators can filter by
// component. Level filtering happens at the slog.Handler; calls below the
// configured level allocate nothing.
package logging
