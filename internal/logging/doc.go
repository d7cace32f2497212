// Package logging configures log/slog for hwdecode with one level per
// module.
//
// Call Initialize once at startup, then fetch module loggers:
//
//	logging.Initialize(logging.Config{
//		Level:   "info",
//		Format:  "text",
//		Modules: map[string]string{"decoder": "debug", "api": "warn"},
//	})
//	logger := logging.GetLogger("decoder").With("decoder", "dec0")
//
// Records go to stdout (text or JSON) when stdout is usable and to the
// systemd journal when journald is running, or to both through a
// MultiHandler. Journal entries carry SYSLOG_IDENTIFIER=hwdecode and every
// attribute as an upper-case field, so they can be filtered with
//
//	journalctl -t hwdecode MODULE=engine
//	journalctl -t hwdecode DECODER=dec0 -p warning
//
// Module levels live in slog.LevelVars, so SetModuleLevel and Apply take
// effect on loggers that were handed out earlier. The config watcher calls
// Apply with the [logging] table of the config file:
//
//	[logging]
//	level = "info"
//	format = "text"
//	decoder = "debug"
//	engine = "warn"
package logging
