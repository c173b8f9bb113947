package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadProjectParsesFullSchema(t *testing.T) {
	path := writeFile(t, t.TempDir(), "tplbuild.yml", `
base_image_repo: msg555/base
stage_image_name: "{{.stage_name}}"
stage_push_name: "msg555/app:{{.tag}}"
platforms: [linux/amd64, linux/arm64]
default_profile: dev
profiles:
  dev:
    debug: true
contexts:
  default:
    base_dir: .
    ignore: ["*.log"]
stages:
  base-my-app:
    base: true
template_paths: ["templates"]
template_entrypoint: Dockerfile.tpl
`)
	p, err := LoadProject(path)
	if err != nil {
		t.Fatalf("LoadProject() error = %v", err)
	}
	if p.BaseImageRepo != "msg555/base" {
		t.Errorf("BaseImageRepo = %q", p.BaseImageRepo)
	}
	if len(p.Platforms) != 2 {
		t.Errorf("Platforms = %v", p.Platforms)
	}
	vars, ok := p.Profile("")
	if !ok || vars["debug"] != true {
		t.Errorf("Profile(\"\") = %v, %v, want the dev profile via default_profile", vars, ok)
	}
	stage, ok := p.Stages["base-my-app"]
	if !ok || stage.Base == nil || !*stage.Base {
		t.Errorf("stage base-my-app not classified base")
	}
}

func TestLoadProjectRequiresBaseImageRepoForBaseStages(t *testing.T) {
	path := writeFile(t, t.TempDir(), "tplbuild.yml", `
stages:
  base-my-app:
    base: true
`)
	if _, err := LoadProject(path); err == nil {
		t.Fatal("expected an error when a base stage exists without base_image_repo")
	}
}

func TestLoadProjectMissingFile(t *testing.T) {
	if _, err := LoadProject(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("expected an error for a missing project file")
	}
}
