// Package plugins collects the plugin kinds built into the daemon.
package plugins

import (
	"Enclosure-Core/internal/plugins/command"
	"Enclosure-Core/internal/plugins/switchable"
	"Enclosure-Core/internal/plugins/sysinfo"
	"Enclosure-Core/internal/plugins/system"
	"Enclosure-Core/internal/plugins/volume"
	"Enclosure-Core/pkg/plugin"
)

// Builtin returns a registry holding every built-in kind.
func Builtin() *plugin.Registry {
	r := plugin.NewRegistry()
	r.MustRegister(switchable.Kind, switchable.New)
	r.MustRegister(volume.Kind, volume.New)
	r.MustRegister(command.Kind, command.New)
	r.MustRegister(sysinfo.Kind, sysinfo.New)
	r.MustRegister(system.Kind, system.New)
	return r
}
