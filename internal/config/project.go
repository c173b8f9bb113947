// Package config parses the two YAML documents tplbuild reads: the
// project file (tplbuild.yml) and the per-user file
// (~/.tplbuildconfig.yml).
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/banksean/tplbuild/internal/errs"
)

// ContextConfig describes one named build context.
type ContextConfig struct {
	BaseDir    string   `yaml:"base_dir"`
	Umask      *uint32  `yaml:"umask"`
	IgnoreFile string   `yaml:"ignore_file"`
	Ignore     []string `yaml:"ignore"`
}

// StageConfig overrides a stage's classification and publish names.
type StageConfig struct {
	Base       *bool    `yaml:"base"`
	ImageNames []string `yaml:"image_names"`
	PushNames  []string `yaml:"push_names"`
}

// Project is the parsed tplbuild.yml.
type Project struct {
	Version            string                   `yaml:"version"`
	BaseImageRepo      string                   `yaml:"base_image_repo"`
	StageImageName     string                   `yaml:"stage_image_name"`
	StagePushName      string                   `yaml:"stage_push_name"`
	Platforms          []string                 `yaml:"platforms"`
	DefaultProfile     string                   `yaml:"default_profile"`
	Profiles           map[string]map[string]any `yaml:"profiles"`
	Contexts           map[string]ContextConfig  `yaml:"contexts"`
	Stages             map[string]StageConfig    `yaml:"stages"`
	TemplatePaths      []string                 `yaml:"template_paths"`
	TemplateEntrypoint string                   `yaml:"template_entrypoint"`
	DockerfileSyntax   string                   `yaml:"dockerfile_syntax"`
}

// LoadProject reads and parses path as a Project document.
func LoadProject(path string) (*Project, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.ConfigError{Path: path, Msg: "reading project config", Err: err}
	}
	var p Project
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, &errs.ConfigError{Path: path, Msg: "parsing project config", Err: err}
	}
	if p.BaseImageRepo == "" && hasBaseStage(p.Stages) {
		return nil, &errs.ConfigError{Path: path, Msg: "base_image_repo is required when any stage is classified base"}
	}
	return &p, nil
}

func hasBaseStage(stages map[string]StageConfig) bool {
	for _, s := range stages {
		if s.Base != nil && *s.Base {
			return true
		}
	}
	return false
}

// Profile looks up a named profile, falling back to DefaultProfile when
// name is empty. Returns (nil, false) if neither exists.
func (p *Project) Profile(name string) (map[string]any, bool) {
	if name == "" {
		name = p.DefaultProfile
	}
	vars, ok := p.Profiles[name]
	return vars, ok
}
