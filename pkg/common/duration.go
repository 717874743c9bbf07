package common

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a `time.Duration` that unmarshals from the YAML string form
// ("500ms", "3s"). Plain `time.Duration` fields only accept raw nanosecond
// integers, which no one wants to write in a config file.
type Duration struct {
	time.Duration
}

func NewDuration(d time.Duration) Duration {
	return Duration{d}
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("failed to parse duration: %w", err)
	}

	d.Duration = parsed
	return nil
}
