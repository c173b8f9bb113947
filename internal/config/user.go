package config

import (
	"os"

	homedir "github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/banksean/tplbuild/internal/errs"
	"github.com/banksean/tplbuild/internal/execclient"
)

// CommandTemplateConfig is the YAML shape of one client command: an argv
// template plus environment overrides, per the user-config
// `client.commands.*` block.
type CommandTemplateConfig struct {
	Argv []string          `yaml:"argv"`
	Env  map[string]string `yaml:"env"`
}

func (c CommandTemplateConfig) toExecclient() (execclient.CommandTemplate, bool) {
	if len(c.Argv) == 0 {
		return execclient.CommandTemplate{}, false
	}
	return execclient.CommandTemplate{Argv: c.Argv, Env: c.Env}, true
}

// CommandsConfig is the YAML shape of `client.commands`.
type CommandsConfig struct {
	Build    CommandTemplateConfig `yaml:"build"`
	Tag      CommandTemplateConfig `yaml:"tag"`
	Push     CommandTemplateConfig `yaml:"push"`
	Pull     CommandTemplateConfig `yaml:"pull"`
	Untag    CommandTemplateConfig `yaml:"untag"`
	Platform CommandTemplateConfig `yaml:"platform"`
}

// ClientConfig selects a builder-client type and optionally overrides its
// command templates.
type ClientConfig struct {
	Type     string         `yaml:"type"` // docker|buildx|podman|custom
	Commands CommandsConfig `yaml:"commands"`
}

// SSLContext customises registry TLS trust.
type SSLContext struct {
	Insecure bool   `yaml:"insecure"`
	CAFile   string `yaml:"cafile"`
	CAPath   string `yaml:"capath"`
}

// RegistryConfig is the `registry` user-config block.
type RegistryConfig struct {
	SSLContext SSLContext `yaml:"ssl_context"`
}

// User is the parsed ~/.tplbuildconfig.yml.
type User struct {
	Client      ClientConfig      `yaml:"client"`
	Registry    RegistryConfig    `yaml:"registry"`
	Parallelism int               `yaml:"parallelism"`
	Auth        map[string]string `yaml:"auth"`
}

// DefaultUserConfigPath expands ~/.tplbuildconfig.yml.
func DefaultUserConfigPath() (string, error) {
	return homedir.Expand("~/.tplbuildconfig.yml")
}

// LoadUser reads and parses path as a User document. A missing file
// yields an empty User with Type defaulted to docker, not an error: the
// user config is optional.
func LoadUser(path string) (*User, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &User{Client: ClientConfig{Type: "docker"}}, nil
	}
	if err != nil {
		return nil, &errs.ConfigError{Path: path, Msg: "reading user config", Err: err}
	}
	var u User
	if err := yaml.Unmarshal(raw, &u); err != nil {
		return nil, &errs.ConfigError{Path: path, Msg: "parsing user config", Err: err}
	}
	if u.Client.Type == "" {
		u.Client.Type = "docker"
	}
	return &u, nil
}

// Commands resolves the client's command table: the named preset
// (docker/buildx/podman), with any explicitly configured command
// templates overriding individual entries. Type "custom" requires every
// command to be configured explicitly.
func (u *User) Commands() (execclient.Commands, error) {
	var base execclient.Commands
	switch u.Client.Type {
	case "docker", "":
		base = execclient.DockerCommands()
	case "buildx":
		base = execclient.BuildxCommands()
	case "podman":
		base = execclient.PodmanCommands()
	case "custom":
		base = execclient.Commands{}
	default:
		return execclient.Commands{}, &errs.ConfigError{Path: "client.type", Msg: "unknown client type " + u.Client.Type}
	}

	overrideIfSet(&base.Build, u.Client.Commands.Build)
	overrideIfSet(&base.Tag, u.Client.Commands.Tag)
	overrideIfSet(&base.Push, u.Client.Commands.Push)
	overrideIfSet(&base.Pull, u.Client.Commands.Pull)
	overrideIfSet(&base.Untag, u.Client.Commands.Untag)
	overrideIfSet(&base.Platform, u.Client.Commands.Platform)

	if u.Client.Type == "custom" {
		for name, tmpl := range map[string]execclient.CommandTemplate{
			"build": base.Build, "tag": base.Tag, "push": base.Push,
			"pull": base.Pull, "untag": base.Untag, "platform": base.Platform,
		} {
			if len(tmpl.Argv) == 0 {
				return execclient.Commands{}, &errs.ConfigError{Path: "client.commands." + name, Msg: "custom client type requires every command template"}
			}
		}
	}
	return base, nil
}

func overrideIfSet(dst *execclient.CommandTemplate, cfg CommandTemplateConfig) {
	if tmpl, ok := cfg.toExecclient(); ok {
		*dst = tmpl
	}
}
