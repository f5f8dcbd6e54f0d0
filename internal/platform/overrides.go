package platform

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"text/template"

	"github.com/pinchtab/autoapply/internal/session"
	"gopkg.in/yaml.v3"
)

// File is the YAML catalog format:
//
//	platforms:
//	  linkedin:
//	    domains: [linkedin.com, lnkd.in]
//	  acme:
//	    domains: [careers.acme.com]
//	    link_pattern: 'careers\.acme\.com/jobs/\d+'
//	    search_url: 'https://careers.acme.com/search?q={{q .Role}}&l={{q .Location}}'
type File struct {
	Platforms map[string]Override `yaml:"platforms"`
}

type Override struct {
	Domains     []string `yaml:"domains"`
	LinkPattern string   `yaml:"link_pattern"`
	SearchURL   string   `yaml:"search_url"`
}

// LoadFile applies the overrides in path. A missing path is not an error.
func LoadFile(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read platforms file: %w", err)
	}
	return Apply(data)
}

// Apply merges YAML overrides into the registry and returns the names it
// touched. Nothing is registered if any entry is invalid.
func Apply(data []byte) ([]string, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse platforms file: %w", err)
	}

	pending := make([]*Platform, 0, len(f.Platforms))
	for name, ov := range f.Platforms {
		p, err := build(strings.ToLower(name), ov)
		if err != nil {
			return nil, err
		}
		pending = append(pending, p)
	}

	names := make([]string, 0, len(pending))
	for _, p := range pending {
		Register(p)
		names = append(names, p.Name)
	}
	return names, nil
}

func build(name string, ov Override) (*Platform, error) {
	var base Platform
	if existing, err := Get(name); err == nil {
		base = *existing
	}
	base.Name = name

	if len(ov.Domains) > 0 {
		base.Domains = append([]string(nil), ov.Domains...)
	}
	if ov.LinkPattern != "" {
		re, err := regexp.Compile(ov.LinkPattern)
		if err != nil {
			return nil, fmt.Errorf("platform %s: link_pattern: %w", name, err)
		}
		base.LinkPattern = re
	}
	if ov.SearchURL != "" {
		fn, err := templateSearchURL(ov.SearchURL)
		if err != nil {
			return nil, fmt.Errorf("platform %s: search_url: %w", name, err)
		}
		base.SearchURL = fn
	}

	if base.SearchURL == nil {
		return nil, fmt.Errorf("platform %s: search_url is required", name)
	}
	if len(base.Domains) == 0 {
		return nil, fmt.Errorf("platform %s: at least one domain is required", name)
	}
	return &base, nil
}

var templateFuncs = template.FuncMap{
	"q": url.QueryEscape,
}

func templateSearchURL(text string) (SearchURLFunc, error) {
	tmpl, err := template.New("search").Funcs(templateFuncs).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, err
	}
	return func(p session.SearchParams) (string, error) {
		if err := requireRole(p); err != nil {
			return "", err
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, p); err != nil {
			return "", fmt.Errorf("render search url: %w", err)
		}
		return buf.String(), nil
	}, nil
}
