package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Template supplies defaults for a class of game server. Templates live
// in a YAML catalog so hosts can add games without a rebuild.
type Template struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"display_name,omitempty"`

	// Command is the start command line.
	Command string `yaml:"command"`

	// InstallScript runs once in the instance directory, before first
	// start, while the server is in the installing state.
	InstallScript string `yaml:"install_script,omitempty"`

	// StopCommand is written to stdin for graceful shutdown.
	StopCommand string `yaml:"stop_command,omitempty"`

	Env   map[string]string `yaml:"env,omitempty"`
	Ports map[string]int    `yaml:"ports,omitempty"`
}

// catalogFile is the YAML document shape.
type catalogFile struct {
	Templates []Template `yaml:"templates"`
}

// LoadTemplates reads a catalog file and merges it over the built-ins.
// A catalog entry with a built-in's name replaces it.
func LoadTemplates(path string) (map[string]Template, error) {
	catalog := BuiltinTemplates()
	if path == "" {
		return catalog, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template catalog: %w", err)
	}
	var doc catalogFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse template catalog: %w", err)
	}

	for _, t := range doc.Templates {
		if t.Name == "" {
			return nil, fmt.Errorf("template catalog entry without a name")
		}
		catalog[t.Name] = t
	}
	return catalog, nil
}

// BuiltinTemplates returns the templates shipped with the agent.
func BuiltinTemplates() map[string]Template {
	return map[string]Template{
		"minecraft-vanilla": {
			Name:        "minecraft-vanilla",
			DisplayName: "Minecraft (Vanilla)",
			Command:     "java -Xms1G -Xmx2G -jar server.jar nogui",
			StopCommand: "stop",
			Ports:       map[string]int{"game": 25565},
		},
		"valheim": {
			Name:        "valheim",
			DisplayName: "Valheim Dedicated",
			Command:     "./valheim_server.x86_64 -nographics -batchmode -port 2456",
			Ports:       map[string]int{"game": 2456, "query": 2457},
		},
		"custom": {
			Name:        "custom",
			DisplayName: "Custom Command",
		},
	}
}

// Resolve merges a template's defaults under a server's explicit config.
// Explicit fields always win.
func Resolve(srv ServerConfig, catalog map[string]Template) (ServerConfig, error) {
	if srv.Template == "" {
		return srv, nil
	}
	tmpl, ok := catalog[srv.Template]
	if !ok {
		return srv, fmt.Errorf("unknown template %q for server %s", srv.Template, srv.ID)
	}

	if srv.Command == "" {
		srv.Command = tmpl.Command
	}
	if srv.StopCommand == "" {
		srv.StopCommand = tmpl.StopCommand
	}
	if len(tmpl.Env) > 0 {
		merged := make(map[string]string, len(tmpl.Env)+len(srv.Env))
		for k, v := range tmpl.Env {
			merged[k] = v
		}
		for k, v := range srv.Env {
			merged[k] = v
		}
		srv.Env = merged
	}
	if len(srv.Ports) == 0 && len(tmpl.Ports) > 0 {
		ports := make(map[string]int, len(tmpl.Ports))
		for k, v := range tmpl.Ports {
			ports[k] = v
		}
		srv.Ports = ports
	}
	return srv, nil
}
