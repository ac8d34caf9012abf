package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pair maps one logical instrument to its symbol on each venue.
type Pair struct {
	Name    string `yaml:"name"`
	Alor    string `yaml:"alor"`
	Ctrader string `yaml:"ctrader"`
}

// Pairs is the configured instrument list.
type Pairs []Pair

type pairsFile struct {
	Pairs Pairs `yaml:"pairs"`
}

// LoadPairs reads a YAML pairs file. An empty path yields no pairs.
func LoadPairs(path string) (Pairs, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pairs file: %w", err)
	}
	return ParsePairs(raw)
}

// ParsePairs decodes the YAML document and checks every entry names both legs.
func ParsePairs(raw []byte) (Pairs, error) {
	var f pairsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse pairs file: %w", err)
	}
	for i, p := range f.Pairs {
		if p.Alor == "" || p.Ctrader == "" {
			return nil, fmt.Errorf("pair %d (%q): alor and ctrader symbols are required", i, p.Name)
		}
		if p.Name == "" {
			f.Pairs[i].Name = p.Alor
		}
	}
	return f.Pairs, nil
}

// Lookup finds a pair by name or by either venue symbol, case-insensitively.
func (ps Pairs) Lookup(symbol string) (Pair, bool) {
	for _, p := range ps {
		if strings.EqualFold(p.Name, symbol) || strings.EqualFold(p.Alor, symbol) || strings.EqualFold(p.Ctrader, symbol) {
			return p, true
		}
	}
	return Pair{}, false
}
