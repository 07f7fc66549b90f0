// Package template manages a small on-disk library of reusable task
// prompts, stored one YAML file per template.
package template

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Template is one reusable task description with {param} placeholders.
type Template struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Prompt      string   `yaml:"prompt_template"`
	Files       []string `yaml:"files,omitempty"`
	Complexity  string   `yaml:"complexity,omitempty"`
}

// Library reads and writes templates under one directory.
type Library struct {
	dir string
}

// Open ensures the directory exists and seeds the default templates
// that are missing. Existing files are never overwritten.
func Open(dir string) (*Library, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create template dir: %w", err)
	}
	l := &Library{dir: dir}
	for _, t := range defaults {
		path := l.path(t.Name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		data, err := yaml.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("encode template %s: %w", t.Name, err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("seed template %s: %w", t.Name, err)
		}
		log.Debug().Str("template", t.Name).Msg("seeded default template")
	}
	return l, nil
}

var defaults = []Template{
	{
		Name:        "web_api",
		Description: "RESTful API with Flask",
		Prompt:      "Create a Flask REST API for {resource} with CRUD operations, SQLAlchemy ORM, error handling, and API documentation.",
		Files:       []string{"app.py", "models.py", "routes.py", "config.py", "requirements.txt"},
		Complexity:  "medium",
	},
	{
		Name:        "cli_tool",
		Description: "Command-line tool with argparse",
		Prompt:      "Create a CLI tool for {purpose} using argparse with subcommands, help text, and proper error handling.",
		Files:       []string{"cli.py", "utils.py", "config.py"},
		Complexity:  "simple",
	},
	{
		Name:        "data_pipeline",
		Description: "ETL data pipeline",
		Prompt:      "Create a data pipeline for {source} to {destination} with pandas, data validation, error logging, and scheduling.",
		Files:       []string{"pipeline.py", "extractors.py", "transformers.py", "loaders.py", "config.py"},
		Complexity:  "complex",
	},
	{
		Name:        "scraper",
		Description: "Web scraper with Beautiful Soup",
		Prompt:      "Create a web scraper for {target_site} using requests and BeautifulSoup with rate limiting, error handling, and data export.",
		Files:       []string{"scraper.py", "parser.py", "storage.py"},
		Complexity:  "medium",
	},
}

func (l *Library) path(name string) string {
	return filepath.Join(l.dir, name+".yaml")
}

// List returns every readable template, sorted by name. Unreadable
// files are skipped with a warning.
func (l *Library) List() ([]Template, error) {
	matches, err := filepath.Glob(filepath.Join(l.dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	var out []Template
	for _, path := range matches {
		t, err := load(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("skipping unreadable template")
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns one template by name.
func (l *Library) Get(name string) (Template, error) {
	return load(l.path(name))
}

func load(path string) (Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Template{}, fmt.Errorf("read template: %w", err)
	}
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Template{}, fmt.Errorf("decode template %s: %w", path, err)
	}
	return t, nil
}

var paramRe = regexp.MustCompile(`\{(\w+)\}`)

// Apply substitutes {param} placeholders with the given values and
// returns the finished task prompt. Every placeholder must be supplied.
func (l *Library) Apply(name string, params map[string]string) (string, error) {
	t, err := l.Get(name)
	if err != nil {
		return "", err
	}
	var missing []string
	prompt := paramRe.ReplaceAllStringFunc(t.Prompt, func(m string) string {
		key := strings.Trim(m, "{}")
		if v, ok := params[key]; ok {
			return v
		}
		missing = append(missing, key)
		return m
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("template %s: missing parameters: %s", name, strings.Join(missing, ", "))
	}
	return prompt, nil
}
