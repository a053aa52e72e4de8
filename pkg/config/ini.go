package config

import (
	"fmt"
	"strconv"
	"strings"

	dcm "github.com/samsamfire/godcm"
	"gopkg.in/ini.v1"
)

const (
	sectionGeneral = "general"
	prefixGroup    = "group."
	prefixProtocol = "protocol."
	prefixService  = "service."
)

var defaultSection = ini.DefaultSection

// Load an ini configuration
// source can be either a path or an *os.File or []byte
// Keys that are not given keep the values of Default()
func LoadINI(source any) (*Config, error) {
	file, err := ini.Load(source)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	cfg.Groups = nil
	cfg.Protocols = nil
	for _, section := range file.Sections() {
		name := section.Name()
		switch {
		case name == defaultSection:
			continue
		case name == sectionGeneral:
			err = parseGeneral(section, &cfg.General)
		case strings.HasPrefix(name, prefixGroup):
			cfg.Groups = append(cfg.Groups, Group{Name: strings.TrimPrefix(name, prefixGroup)})
		case strings.HasPrefix(name, prefixProtocol):
			var p Protocol
			p, err = parseProtocol(section, strings.TrimPrefix(name, prefixProtocol))
			cfg.Protocols = append(cfg.Protocols, p)
		case strings.HasPrefix(name, prefixService):
			var s Service
			s, err = parseService(section, strings.TrimPrefix(name, prefixService))
			cfg.Services = append(cfg.Services, s)
		default:
			err = fmt.Errorf("%w : unknown section [%v]", dcm.ErrIllegalArgument, name)
		}
		if err != nil {
			return nil, err
		}
	}
	if len(cfg.Groups) == 0 {
		cfg.Groups = []Group{{Name: "default"}}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse an unsigned value of the given bit size, decimal or 0x prefixed hex
func parseUint(section *ini.Section, key string, bitSize int) (uint64, bool, error) {
	if !section.HasKey(key) {
		return 0, false, nil
	}
	value, err := strconv.ParseUint(strings.TrimSpace(section.Key(key).Value()), 0, bitSize)
	if err != nil {
		return 0, false, fmt.Errorf("[%v] %v : %w", section.Name(), key, err)
	}
	return value, true, nil
}

type field struct {
	key     string
	bitSize int
	set     func(v uint64)
}

func parseFields(section *ini.Section, fields []field) error {
	for _, f := range fields {
		value, ok, err := parseUint(section, f.key, f.bitSize)
		if err != nil {
			return err
		}
		if ok {
			f.set(value)
		}
	}
	return nil
}

func parseBool(section *ini.Section, key string, dst *bool) error {
	if !section.HasKey(key) {
		return nil
	}
	value, err := section.Key(key).Bool()
	if err != nil {
		return fmt.Errorf("[%v] %v : %w", section.Name(), key, err)
	}
	*dst = value
	return nil
}

func parseGeneral(section *ini.Section, g *General) error {
	g.Interface = section.Key("interface").MustString(g.Interface)
	g.Channel = section.Key("channel").MustString(g.Channel)
	g.LogLevel = section.Key("log_level").MustString(g.LogLevel)
	err := parseFields(section, []field{
		{"tick_ms", 32, func(v uint64) { g.TickMs = uint32(v) }},
		{"buffer_count", 16, func(v uint64) { g.BufferCount = int(v) }},
		{"buffer_size", 16, func(v uint64) { g.BufferSize = int(v) }},
		{"connect_retries", 16, func(v uint64) { g.ConnectRetries = uint(v) }},
	})
	if err != nil {
		return err
	}
	return parseBool(section, "busy_response", &g.BusyResponse)
}

func parseProtocol(section *ini.Section, name string) (Protocol, error) {
	p := defaultProtocol(name, 0, section.Key("group").MustString("default"))
	err := parseFields(section, []field{
		{"id", 8, func(v uint64) { p.ID = uint8(v) }},
		{"priority", 8, func(v uint64) { p.Priority = uint8(v) }},
		{"p2_ms", 32, func(v uint64) { p.P2Ms = uint32(v) }},
		{"p2_adjust_ms", 32, func(v uint64) { p.P2AdjustMs = uint32(v) }},
		{"p2_star_ms", 32, func(v uint64) { p.P2StarMs = uint32(v) }},
		{"p2_star_adjust_ms", 32, func(v uint64) { p.P2StarAdjustMs = uint32(v) }},
		{"max_response_pending", 16, func(v uint64) { p.MaxResponsePending = uint16(v) }},
		{"queue_size", 16, func(v uint64) { p.QueueSize = int(v) }},
		{"physical_id", 29, func(v uint64) { p.PhysicalID = uint32(v) }},
		{"functional_id", 29, func(v uint64) { p.FunctionalID = uint32(v) }},
		{"response_id", 29, func(v uint64) { p.ResponseID = uint32(v) }},
		{"block_size", 8, func(v uint64) { p.BlockSize = uint8(v) }},
		{"st_min", 8, func(v uint64) { p.STmin = uint8(v) }},
		{"fc_timeout_ms", 32, func(v uint64) { p.FcTimeoutMs = uint32(v) }},
	})
	if err != nil {
		return p, err
	}
	if err := parseBool(section, "iso2013", &p.Iso2013); err != nil {
		return p, err
	}
	return p, parseBool(section, "padding", &p.Padding)
}

func parseService(section *ini.Section, name string) (Service, error) {
	sid, err := strconv.ParseUint(name, 0, 8)
	if err != nil {
		return Service{}, fmt.Errorf("%w : service section [%v]", dcm.ErrIllegalArgument, section.Name())
	}
	s := Service{
		SID:  uint8(sid),
		Mode: section.Key("mode").MustString("sync"),
	}
	if section.HasKey("protocols") {
		s.Protocols = section.Key("protocols").Strings(",")
	}
	return s, parseBool(section, "resp_pend_on_start", &s.RespPendOnStart)
}
