package config

import (
	"os"
	"path/filepath"
	"testing"

	dcm "github.com/samsamfire/godcm"
	"github.com/samsamfire/godcm/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const iniConfig = `
[general]
tick_ms = 5
interface = socketcan
channel = can0
buffer_count = 12
busy_response = false

[group.diag]
[group.obd]

[protocol.uds]
id = 0
group = diag
priority = 1
p2_ms = 50
p2_adjust_ms = 5
max_response_pending = 0xFFFF
physical_id = 0x7E0
functional_id = 0x7DF
response_id = 0x7E8
block_size = 8

[protocol.obd]
id = 1
group = obd
priority = 5
physical_id = 0x7E1
response_id = 0x7E9

[service.0x31]
mode = async
resp_pend_on_start = true
protocols = uds, obd
`

const yamlConfig = `
general:
  tick_ms: 20
  channel: localhost:18888
groups:
  - name: diag
protocols:
  - name: uds
    id: 2
    group: diag
    physical_id: 0x7E0
    response_id: 0x7E8
    p2_ms: 100
    p2_adjust_ms: 20
services:
  - sid: 0x22
    mode: async
`

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Nil(t, cfg.Validate())
	assert.Len(t, cfg.Protocols, 1)
	pcfg, err := cfg.ProtocolConfig(cfg.Protocols[0])
	require.Nil(t, err)
	assert.EqualValues(t, 5, pcfg.P2)
	assert.EqualValues(t, 1, pcfg.P2Adjust)
	assert.EqualValues(t, 500, pcfg.P2Star)
	assert.EqualValues(t, 50, pcfg.P2ServerMax)
	assert.EqualValues(t, 5000, pcfg.P2StarServerMax)
}

func TestLoadINI(t *testing.T) {
	cfg, err := LoadINI([]byte(iniConfig))
	require.Nil(t, err)
	assert.EqualValues(t, 5, cfg.General.TickMs)
	assert.Equal(t, "socketcan", cfg.General.Interface)
	assert.Equal(t, "can0", cfg.General.Channel)
	assert.Equal(t, 12, cfg.General.BufferCount)
	assert.Equal(t, DefaultBufferSize, cfg.General.BufferSize)
	assert.False(t, cfg.General.BusyResponse)
	assert.Equal(t, []Group{{Name: "diag"}, {Name: "obd"}}, cfg.Groups)
	require.Len(t, cfg.Protocols, 2)

	uds := cfg.Protocols[0]
	assert.EqualValues(t, 0x7E0, uds.PhysicalID)
	assert.EqualValues(t, 0x7DF, uds.FunctionalID)
	assert.EqualValues(t, 8, uds.BlockSize)
	assert.EqualValues(t, 0xFFFF, uds.MaxResponsePending)

	obd := cfg.Protocols[1]
	assert.EqualValues(t, 1, obd.ID)
	assert.EqualValues(t, 5, obd.Priority)
	// defaults for keys that are not given
	assert.EqualValues(t, 5000, obd.P2StarMs)

	pcfg, err := cfg.ProtocolConfig(obd)
	require.Nil(t, err)
	assert.EqualValues(t, 1, pcfg.Group)
	assert.EqualValues(t, 10, pcfg.P2)

	conn := cfg.Connection(uds)
	assert.EqualValues(t, 0, conn.Protocol)
	assert.EqualValues(t, 200, conn.FcTimeout)
	assert.Equal(t, DefaultBufferSize, conn.MaxRequestLength)

	require.Len(t, cfg.Services, 1)
	assert.Equal(t, Service{SID: 0x31, Mode: "async", RespPendOnStart: true, Protocols: []string{"uds", "obd"}}, cfg.Services[0])
}

func TestLoadINIErrors(t *testing.T) {
	cases := map[string]string{
		"unknown section":  "[foo]\n",
		"unknown group":    "[protocol.uds]\ngroup = nope\n",
		"bad number":       "[protocol.uds]\nid = abc\n",
		"reserved id":      "[protocol.uds]\nid = 0xFF\n",
		"duplicate id":     "[protocol.a]\nid = 1\n[protocol.b]\nid = 1\n",
		"no protocol":      "[general]\ntick_ms = 10\n",
		"bad service":      "[protocol.uds]\n[service.xyz]\n",
		"bad mode":         "[protocol.uds]\n[service.0x10]\nmode = later\n",
		"unknown protocol": "[protocol.uds]\n[service.0x10]\nprotocols = obd\n",
		"short timing":     "[protocol.uds]\np2_ms = 5\np2_adjust_ms = 5\n",
		"zero tick":        "[general]\ntick_ms = 0\n[protocol.uds]\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadINI([]byte(content))
			assert.NotNil(t, err)
		})
	}
}

func TestLoadYAML(t *testing.T) {
	cfg, err := LoadYAML([]byte(yamlConfig))
	require.Nil(t, err)
	assert.EqualValues(t, 20, cfg.General.TickMs)
	assert.Equal(t, "virtualcan", cfg.General.Interface)
	assert.True(t, cfg.General.BusyResponse)
	require.Len(t, cfg.Protocols, 1)
	p := cfg.Protocols[0]
	assert.EqualValues(t, 2, p.ID)
	assert.EqualValues(t, 5000, p.P2StarMs)
	pcfg, err := cfg.ProtocolConfig(p)
	require.Nil(t, err)
	assert.EqualValues(t, 5, pcfg.P2)
	assert.EqualValues(t, 1, pcfg.P2Adjust)

	_, err = LoadYAML([]byte("general:\n  unknown: 1\n"))
	assert.NotNil(t, err)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	iniPath := filepath.Join(dir, "dcm.ini")
	yamlPath := filepath.Join(dir, "dcm.yaml")
	require.Nil(t, os.WriteFile(iniPath, []byte(iniConfig), 0o644))
	require.Nil(t, os.WriteFile(yamlPath, []byte(yamlConfig), 0o644))

	cfg, err := Load(iniPath)
	require.Nil(t, err)
	assert.Len(t, cfg.Protocols, 2)
	cfg, err = Load(yamlPath)
	require.Nil(t, err)
	assert.Len(t, cfg.Protocols, 1)
	_, err = Load(filepath.Join(dir, "missing.yml"))
	assert.NotNil(t, err)
}

func TestApplyServices(t *testing.T) {
	cfg, err := LoadINI([]byte(iniConfig))
	require.Nil(t, err)
	registry := service.NewRegistry(nil)
	handler := func(op dcm.OpStatus, msg *dcm.MsgContext) dcm.Result { return dcm.ResultDone }
	require.Nil(t, registry.Register(service.Entry{SID: 0x31, Handler: handler}))

	require.Nil(t, cfg.ApplyServices(registry))
	entry, ok := registry.Lookup(1, 0x31)
	require.True(t, ok)
	assert.Equal(t, dcm.ModeAsync, entry.Mode)
	assert.True(t, entry.RespPendOnStart)
	assert.Equal(t, []dcm.ProtocolID{0, 1}, entry.Protocols)

	cfg.Services = append(cfg.Services, Service{SID: 0x99})
	assert.ErrorIs(t, cfg.ApplyServices(registry), dcm.ErrUnknownService)
}
