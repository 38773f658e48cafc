package esi

import (
	"strings"

	"go.yaml.in/yaml/v3"
)

// Body holds the ids the relay needs from a notification's YAML text.
// Missing keys stay zero.
type Body struct {
	StructureID int64 `yaml:"structureID"`
	CharID      int64 `yaml:"charID"`
	PlanetID    int64 `yaml:"planetID"`
	AggressorID int64 `yaml:"aggressorID"`
}

// ParseBody decodes the YAML body of a notification.
func ParseBody(text string) (Body, error) {
	var b Body
	if strings.TrimSpace(text) == "" {
		return b, nil
	}
	if err := yaml.Unmarshal([]byte(text), &b); err != nil {
		return Body{}, err
	}
	return b, nil
}
