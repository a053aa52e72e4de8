package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	dcm "github.com/samsamfire/godcm"
	"github.com/samsamfire/godcm/pkg/protocol"
	"github.com/samsamfire/godcm/pkg/service"
	"github.com/samsamfire/godcm/pkg/transport"
)

const (
	DefaultTickMs      = 10
	DefaultBufferCount = 9
	DefaultBufferSize  = 512
)

type General struct {
	TickMs         uint32 `yaml:"tick_ms"`
	Interface      string `yaml:"interface"`
	Channel        string `yaml:"channel"`
	LogLevel       string `yaml:"log_level"`
	BufferCount    int    `yaml:"buffer_count"`
	BufferSize     int    `yaml:"buffer_size"`
	BusyResponse   bool   `yaml:"busy_response"`
	ConnectRetries uint   `yaml:"connect_retries"`
}

// Processor group, protocols of a group share one execution slot
type Group struct {
	Name string `yaml:"name"`
}

type Protocol struct {
	Name     string `yaml:"name"`
	ID       uint8  `yaml:"id"`
	Group    string `yaml:"group"`
	Priority uint8  `yaml:"priority"`
	// Timings in milliseconds
	P2Ms           uint32 `yaml:"p2_ms"`
	P2AdjustMs     uint32 `yaml:"p2_adjust_ms"`
	P2StarMs       uint32 `yaml:"p2_star_ms"`
	P2StarAdjustMs uint32 `yaml:"p2_star_adjust_ms"`
	// 0xFFFF for no limit
	MaxResponsePending uint16 `yaml:"max_response_pending"`
	QueueSize          int    `yaml:"queue_size"`
	Iso2013            bool   `yaml:"iso2013"`
	// Transport
	PhysicalID   uint32 `yaml:"physical_id"`
	FunctionalID uint32 `yaml:"functional_id"`
	ResponseID   uint32 `yaml:"response_id"`
	BlockSize    uint8  `yaml:"block_size"`
	STmin        uint8  `yaml:"st_min"`
	Padding      bool   `yaml:"padding"`
	FcTimeoutMs  uint32 `yaml:"fc_timeout_ms"`
}

// Overrides of a registered service
type Service struct {
	SID             uint8    `yaml:"sid"`
	Mode            string   `yaml:"mode"`
	RespPendOnStart bool     `yaml:"resp_pend_on_start"`
	Protocols       []string `yaml:"protocols"`
}

type Config struct {
	General   General    `yaml:"general"`
	Groups    []Group    `yaml:"groups"`
	Protocols []Protocol `yaml:"protocols"`
	Services  []Service  `yaml:"services"`
}

// Single UDS protocol on the usual OBD CAN ids, loopback virtual bus
func Default() *Config {
	return &Config{
		General: General{
			TickMs:         DefaultTickMs,
			Interface:      "virtualcan",
			LogLevel:       "info",
			BufferCount:    DefaultBufferCount,
			BufferSize:     DefaultBufferSize,
			BusyResponse:   true,
			ConnectRetries: 5,
		},
		Groups:    []Group{{Name: "default"}},
		Protocols: []Protocol{defaultProtocol("uds", 0, "default")},
	}
}

func defaultProtocol(name string, id uint8, group string) Protocol {
	return Protocol{
		Name:               name,
		ID:                 id,
		Group:              group,
		Priority:           1,
		P2Ms:               50,
		P2AdjustMs:         10,
		P2StarMs:           5000,
		P2StarAdjustMs:     100,
		MaxResponsePending: 10,
		QueueSize:          8,
		PhysicalID:         0x7E0,
		FunctionalID:       0x7DF,
		ResponseID:         0x7E8,
		Padding:            true,
		FcTimeoutMs:        1000,
	}
}

// Load a configuration file, yaml for .yaml and .yml files, ini otherwise
func Load(path string) (*Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return LoadYAML(data)
	default:
		return LoadINI(path)
	}
}

// Group index of a group name, index in the processor
func (c *Config) GroupID(name string) (dcm.GroupID, error) {
	for i, g := range c.Groups {
		if g.Name == name {
			return dcm.GroupID(i), nil
		}
	}
	return 0, fmt.Errorf("%w : %q", dcm.ErrUnknownGroup, name)
}

func (c *Config) protocolID(name string) (dcm.ProtocolID, error) {
	for _, p := range c.Protocols {
		if p.Name == name {
			return dcm.ProtocolID(p.ID), nil
		}
	}
	return 0, fmt.Errorf("%w : %q", dcm.ErrUnknownProtocol, name)
}

func (c *Config) Validate() error {
	if c.General.TickMs == 0 {
		return fmt.Errorf("%w : tick period must not be 0", dcm.ErrIllegalArgument)
	}
	if c.General.BufferCount < 3 || c.General.BufferSize <= 0 {
		return fmt.Errorf("%w : at least 3 buffers are needed", dcm.ErrIllegalArgument)
	}
	if len(c.Groups) == 0 || len(c.Protocols) == 0 {
		return fmt.Errorf("%w : no group or protocol configured", dcm.ErrIllegalArgument)
	}
	ids := make(map[uint8]string)
	for _, p := range c.Protocols {
		if dcm.ProtocolID(p.ID) == dcm.NoProtocol {
			return fmt.Errorf("%w : protocol %q uses reserved id", dcm.ErrIllegalArgument, p.Name)
		}
		if other, ok := ids[p.ID]; ok {
			return fmt.Errorf("%w : protocols %q and %q share id %v", dcm.ErrIllegalArgument, other, p.Name, p.ID)
		}
		ids[p.ID] = p.Name
		if _, err := c.GroupID(p.Group); err != nil {
			return fmt.Errorf("protocol %q : %w", p.Name, err)
		}
		if p.P2Ms <= p.P2AdjustMs || p.P2StarMs <= p.P2StarAdjustMs {
			return fmt.Errorf("%w : protocol %q timings shorter than their adjust", dcm.ErrIllegalArgument, p.Name)
		}
	}
	for _, s := range c.Services {
		if _, err := parseMode(s.Mode); err != nil {
			return err
		}
		for _, name := range s.Protocols {
			if _, err := c.protocolID(name); err != nil {
				return fmt.Errorf("service %x : %w", s.SID, err)
			}
		}
	}
	return nil
}

// Convert milliseconds to ticks, rounding up
func (c *Config) Ticks(ms uint32) uint32 {
	tick := c.General.TickMs
	if tick == 0 {
		tick = DefaultTickMs
	}
	return (ms + tick - 1) / tick
}

// Protocol instance configuration of p
func (c *Config) ProtocolConfig(p Protocol) (protocol.Config, error) {
	group, err := c.GroupID(p.Group)
	if err != nil {
		return protocol.Config{}, err
	}
	return protocol.Config{
		ID:                 dcm.ProtocolID(p.ID),
		Name:               p.Name,
		Group:              group,
		Priority:           p.Priority,
		P2:                 c.Ticks(p.P2Ms),
		P2Adjust:           c.Ticks(p.P2AdjustMs),
		P2Star:             c.Ticks(p.P2StarMs),
		P2StarAdjust:       c.Ticks(p.P2StarAdjustMs),
		P2ServerMax:        uint16(p.P2Ms),
		P2StarServerMax:    uint16(p.P2StarMs),
		MaxResponsePending: p.MaxResponsePending,
		QueueSize:          p.QueueSize,
		Iso2013:            p.Iso2013,
	}, nil
}

// Transport connection of p
func (c *Config) Connection(p Protocol) transport.Connection {
	return transport.Connection{
		Protocol:         dcm.ProtocolID(p.ID),
		PhysicalID:       p.PhysicalID,
		FunctionalID:     p.FunctionalID,
		ResponseID:       p.ResponseID,
		BlockSize:        p.BlockSize,
		STmin:            p.STmin,
		Padding:          p.Padding,
		FcTimeout:        c.Ticks(p.FcTimeoutMs),
		MaxRequestLength: c.General.BufferSize,
	}
}

func parseMode(mode string) (dcm.Mode, error) {
	switch strings.ToLower(mode) {
	case "", "sync":
		return dcm.ModeSync, nil
	case "async":
		return dcm.ModeAsync, nil
	default:
		return dcm.ModeSync, fmt.Errorf("%w : unknown service mode %q", dcm.ErrIllegalArgument, mode)
	}
}

// Apply service overrides to registered services
func (c *Config) ApplyServices(registry *service.Registry) error {
	for _, s := range c.Services {
		mode, err := parseMode(s.Mode)
		if err != nil {
			return err
		}
		protocols := make([]dcm.ProtocolID, 0, len(s.Protocols))
		for _, name := range s.Protocols {
			id, err := c.protocolID(name)
			if err != nil {
				return err
			}
			protocols = append(protocols, id)
		}
		err = registry.Update(s.SID, func(e *service.Entry) {
			e.Mode = mode
			e.RespPendOnStart = s.RespPendOnStart
			if len(protocols) > 0 {
				e.Protocols = protocols
			}
		})
		if err != nil {
			return fmt.Errorf("service %x : %w", s.SID, err)
		}
	}
	return nil
}
