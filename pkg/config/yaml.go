package config

import (
	"bytes"

	"gopkg.in/yaml.v3"
)

// Load a yaml configuration, keys that are not given keep the values of
// Default(). Protocols given without timings get the default timings.
func LoadYAML(data []byte) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, err
	}
	for i, p := range cfg.Protocols {
		cfg.Protocols[i] = withDefaults(p)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withDefaults(p Protocol) Protocol {
	if p.Group == "" {
		p.Group = "default"
	}
	d := defaultProtocol(p.Name, p.ID, p.Group)
	if p.P2Ms == 0 {
		p.P2Ms, p.P2AdjustMs = d.P2Ms, d.P2AdjustMs
	}
	if p.P2StarMs == 0 {
		p.P2StarMs, p.P2StarAdjustMs = d.P2StarMs, d.P2StarAdjustMs
	}
	if p.MaxResponsePending == 0 {
		p.MaxResponsePending = d.MaxResponsePending
	}
	if p.QueueSize == 0 {
		p.QueueSize = d.QueueSize
	}
	if p.FcTimeoutMs == 0 {
		p.FcTimeoutMs = d.FcTimeoutMs
	}
	return p
}
