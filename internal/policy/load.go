package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileEntry is the on-disk shape of one policy entry.
type fileEntry struct {
	Tool        string `yaml:"tool"`
	Requirement string `yaml:"requirement"`
	Blocking    *bool  `yaml:"blocking"`
	Condition   string `yaml:"condition"`
	CoveredBy   string `yaml:"covered_by"`
	Summary     string `yaml:"summary"`
}

type fileDoc struct {
	Tools []fileEntry `yaml:"tools"`
}

// Parse decodes a YAML policy document.
//
//	tools:
//	  - tool: send_email
//	    requirement: always
//	    blocking: true
//
// Blocking defaults to true for always and conditional tools.
func Parse(data []byte) ([]Entry, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}

	entries := make([]Entry, 0, len(doc.Tools))
	for i, fe := range doc.Tools {
		req, err := ParseRequirement(fe.Requirement)
		if err != nil {
			return nil, fmt.Errorf("policy entry %d (%s): %w", i, fe.Tool, err)
		}
		blocking := req != Never
		if fe.Blocking != nil {
			blocking = *fe.Blocking
		}
		entries = append(entries, Entry{
			ToolName:    fe.Tool,
			Requirement: req,
			Blocking:    blocking,
			Condition:   fe.Condition,
			CoveredBy:   fe.CoveredBy,
			Summary:     fe.Summary,
		})
	}
	return entries, nil
}

// Load builds a registry from a policy file, or from Defaults when path is empty.
func Load(path string) (*Registry, error) {
	if path == "" {
		return NewRegistry(Defaults())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	entries, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return NewRegistry(entries)
}
