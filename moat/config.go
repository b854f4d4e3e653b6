// Copyright 2024 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package moat

import (
	"fmt"
	"time"

	"github.com/Jigsaw-Code/outline-moat/fronting"
	"github.com/goccy/go-yaml"
)

// FrontGroup is a CDN endpoint reachable through several front domains.
type FrontGroup struct {
	Name  string   `yaml:"name"`
	URL   string   `yaml:"url"`
	Hosts []string `yaml:"hosts"`
}

// Configs returns one [fronting.Config] per host, in order.
func (g FrontGroup) Configs() []fronting.Config {
	configs := make([]fronting.Config, 0, len(g.Hosts))
	for _, host := range g.Hosts {
		configs = append(configs, fronting.Config{URL: g.URL, Front: host})
	}
	return configs
}

// DefaultFronts returns the known Moat fronts.
func DefaultFronts() []FrontGroup {
	return []FrontGroup{
		{
			Name:  "fastly",
			URL:   "https://moat.torproject.org.global.prod.fastly.net/",
			Hosts: []string{"cdn.yelp.com", "www.shazam.com", "www.cosmopolitan.com", "www.esquire.com"},
		},
		{
			Name:  "azure",
			URL:   "https://onion.azureedge.net/",
			Hosts: []string{"ajax.aspnetcdn.com"},
		},
		{
			Name:  "cdn77",
			URL:   "https://1723079976.rsc.cdn77.org/",
			Hosts: []string{"www.phpmyadmin.net"},
		},
	}
}

// FileConfig is the YAML configuration of the moat-settings tool. Example:
//
//	executable: /usr/bin/lyrebird
//	state_dir: /var/lib/moat
//	country: cn
//	ready_timeout: 30s
//	timeouts:
//	  io: 20s
//	fronts:
//	  - name: cdn77
//	    url: https://1723079976.rsc.cdn77.org/
//	    hosts: [www.phpmyadmin.net]
type FileConfig struct {
	Executable    string            `yaml:"executable"`
	StateDir      string            `yaml:"state_dir"`
	BaseURL       string            `yaml:"base_url"`
	Country       string            `yaml:"country"`
	TrustFallback bool              `yaml:"trust_fallback"`
	ReadyTimeout  time.Duration     `yaml:"ready_timeout"`
	Timeouts      fronting.Timeouts `yaml:"timeouts"`
	// Fronts defaults to [DefaultFronts].
	Fronts []FrontGroup `yaml:"fronts"`
}

// ParseFileConfig parses and checks a YAML configuration. Unknown fields are errors.
func ParseFileConfig(data []byte) (*FileConfig, error) {
	var cfg FileConfig
	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(cfg.Fronts) == 0 {
		cfg.Fronts = DefaultFronts()
	}
	for i, group := range cfg.Fronts {
		if len(group.Hosts) == 0 {
			return nil, fmt.Errorf("front %d (%v) has no hosts", i, group.Name)
		}
		for _, front := range group.Configs() {
			if err := front.Validate(); err != nil {
				return nil, fmt.Errorf("front %d (%v): %w", i, group.Name, err)
			}
		}
	}
	if _, err := normalizeCountry(cfg.Country); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Group returns the front group with the given name.
func (c *FileConfig) Group(name string) (FrontGroup, bool) {
	for _, group := range c.Fronts {
		if group.Name == name {
			return group, true
		}
	}
	return FrontGroup{}, false
}

// Options returns the client options for one front.
func (c *FileConfig) Options(front fronting.Config) Options {
	return Options{
		Executable:    c.Executable,
		StateDir:      c.StateDir,
		Front:         front,
		BaseURL:       c.BaseURL,
		TrustFallback: c.TrustFallback,
		Timeouts:      c.Timeouts,
		ReadyTimeout:  c.ReadyTimeout,
	}
}
