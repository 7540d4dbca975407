package config

import "reflect"

// ConfigDiff describes what changed between two configs.
//
// Log level, gate, turn, media timing and provider changes are applied
// without a restart: running calls keep the snapshot they started with and
// new calls pick up the new one. RestartRequired lists the changed keys that
// only take effect after the process restarts.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	GateChanged      bool
	TurnChanged      bool
	MediaChanged     bool
	ProvidersChanged bool
	MaxCallsChanged  bool

	RestartRequired []string
}

// Changed reports whether anything in the diff needs attention.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.GateChanged || d.TurnChanged || d.MediaChanged ||
		d.ProvidersChanged || d.MaxCallsChanged || len(d.RestartRequired) > 0
}

// Sections names the hot-reloadable parts of the config that changed, in
// file order.
func (d ConfigDiff) Sections() []string {
	var out []string
	for _, s := range []struct {
		name    string
		changed bool
	}{
		{"server.log_level", d.LogLevelChanged},
		{"server.max_calls", d.MaxCallsChanged},
		{"media", d.MediaChanged},
		{"gate", d.GateChanged},
		{"turn", d.TurnChanged},
		{"providers", d.ProvidersChanged},
	} {
		if s.changed {
			out = append(out, s.name)
		}
	}
	return out
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.GateChanged = old.Gate != new.Gate
	d.TurnChanged = old.Turn != new.Turn
	d.MaxCallsChanged = old.Server.MaxCalls != new.Server.MaxCalls

	om, nm := old.Media, new.Media
	d.MediaChanged = om.Codec() != nm.Codec() ||
		om.IdleTimeout != nm.IdleTimeout ||
		om.MaxGap != nm.MaxGap ||
		om.PlayoutCapacity != nm.PlayoutCapacity
	d.ProvidersChanged = !reflect.DeepEqual(old.Providers, new.Providers)

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !reflect.DeepEqual(old.Server.TLS, new.Server.TLS))
	restart("media.media_path", om.MediaPath != nm.MediaPath)
	restart("media.allowed_origins", !reflect.DeepEqual(om.AllowedOrigins, nm.AllowedOrigins))
	restart("media.rtp_listen_addr", om.RTPListenAddr != nm.RTPListenAddr)
	restart("telemetry", old.Telemetry != new.Telemetry)

	return d
}
