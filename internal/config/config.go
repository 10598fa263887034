// Package config loads and validates the TOML configuration of one link
// side.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/dsplink/internal/mqa"
	"github.com/danmuck/dsplink/internal/protocol/control"
	"github.com/danmuck/dsplink/internal/protocol/msg"
	"github.com/danmuck/dsplink/internal/scb"
	"github.com/danmuck/dsplink/internal/status"
)

var ErrInvalidConfig = fmt.Errorf("%w: invalid link config", status.ErrInvalidArgument)

// Transport binds the remote message transport to a channel.
type Transport struct {
	Channel     int
	RecvBuffers int
	ExitWait    time.Duration
}

// Link is the resolved configuration of one processor side.
type Link struct {
	Role       scb.Role
	ProcID     uint16
	PeerProcID uint16

	RegionPath string
	// RegionSize 0 sizes the region from the layout.
	RegionSize    int
	Channels      int
	MaxBufferSize int
	Messaging     bool

	// HandshakeTimeout 0 is the legacy unbounded wait.
	HandshakeTimeout time.Duration
	HandshakePoll    time.Duration
	BootArg          uint32

	LocateTimeout time.Duration
	AdminAddr     string

	// MqaID is the allocator opened at boot for Pools.
	MqaID     uint16
	Pools     []mqa.PoolConfig
	Transport Transport
}

// Default returns the configuration for role with the conventional
// processor ids (GPP 0, DSP 1).
func Default(role scb.Role) Link {
	cfg := Link{
		Role:             role,
		ProcID:           0,
		PeerProcID:       1,
		RegionPath:       "/dev/shm/dsplink.region",
		Channels:         4,
		MaxBufferSize:    1024,
		Messaging:        true,
		HandshakeTimeout: 10 * time.Second,
		HandshakePoll:    5 * time.Millisecond,
		LocateTimeout:    time.Second,
		MqaID:            0,
		Pools: []mqa.PoolConfig{
			{Size: 64, Count: 32},
			{Size: 256, Count: 16},
			{Size: 1024, Count: 8},
		},
		Transport: Transport{Channel: 3, RecvBuffers: 4, ExitWait: 250 * time.Millisecond},
	}
	if role == scb.RoleDSP {
		cfg.ProcID, cfg.PeerProcID = 1, 0
	}
	return cfg
}

// Layout computes the region layout this configuration implies.
func (c Link) Layout() (scb.Layout, error) {
	return scb.ComputeLayout(scb.LayoutOptions{Messaging: c.Messaging, MaxBufferSize: c.MaxBufferSize})
}

// HandshakeOptions converts the handshake keys for scb.Block.Handshake.
func (c Link) HandshakeOptions() scb.HandshakeOptions {
	opts := scb.HandshakeOptions{Timeout: c.HandshakeTimeout, Poll: scb.DefaultPollConfig(), BootArg: c.BootArg}
	if c.HandshakePoll > 0 {
		opts.Poll.MaxDelay = c.HandshakePoll
		if opts.Poll.InitialDelay > c.HandshakePoll {
			opts.Poll.InitialDelay = c.HandshakePoll
		}
	}
	return opts
}

// Validate checks the configuration is internally consistent.
func Validate(c Link) error {
	if c.Role != scb.RoleGPP && c.Role != scb.RoleDSP {
		return fmt.Errorf("%w: role %v", ErrInvalidConfig, c.Role)
	}
	if c.ProcID == c.PeerProcID {
		return fmt.Errorf("%w: proc_id and peer_proc_id are both %d", ErrInvalidConfig, c.ProcID)
	}
	if c.ProcID == msg.InvalidProc || c.PeerProcID == msg.InvalidProc {
		return fmt.Errorf("%w: processor id %#x is reserved", ErrInvalidConfig, msg.InvalidProc)
	}
	if c.Channels <= 0 || c.Channels > scb.MaxChannels {
		return fmt.Errorf("%w: channels must be 1..%d, got %d", ErrInvalidConfig, scb.MaxChannels, c.Channels)
	}
	if c.MaxBufferSize < control.MaxFrameLen {
		return fmt.Errorf("%w: max_buffer_size %d below control frame size %d", ErrInvalidConfig, c.MaxBufferSize, control.MaxFrameLen)
	}
	if c.HandshakeTimeout < 0 || c.HandshakePoll < 0 || c.LocateTimeout < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	layout, err := c.Layout()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.RegionSize != 0 && c.RegionSize < layout.TotalSize {
		return fmt.Errorf("%w: region_size %d smaller than layout %d", ErrInvalidConfig, c.RegionSize, layout.TotalSize)
	}
	if !c.Messaging {
		return nil
	}
	if c.MqaID == msg.ControlMqaID {
		return fmt.Errorf("%w: mqa_id %#x is reserved", ErrInvalidConfig, c.MqaID)
	}
	if len(c.Pools) == 0 {
		return fmt.Errorf("%w: messaging needs at least one pool", ErrInvalidConfig)
	}
	for i, p := range c.Pools {
		if p.Size < msg.HeaderLen || p.Count <= 0 {
			return fmt.Errorf("%w: pools[%d] size=%d count=%d", ErrInvalidConfig, i, p.Size, p.Count)
		}
		if p.Size > c.MaxBufferSize {
			return fmt.Errorf("%w: pools[%d] size %d exceeds max_buffer_size %d", ErrInvalidConfig, i, p.Size, c.MaxBufferSize)
		}
	}
	if c.Transport.Channel < 0 || c.Transport.Channel >= c.Channels {
		return fmt.Errorf("%w: transport channel %d outside 0..%d", ErrInvalidConfig, c.Transport.Channel, c.Channels-1)
	}
	if c.Transport.RecvBuffers <= 0 {
		return fmt.Errorf("%w: transport recv_buffers must be positive", ErrInvalidConfig)
	}
	return nil
}

type fileTransport struct {
	Channel     int    `toml:"channel"`
	RecvBuffers int    `toml:"recv_buffers"`
	ExitWait    string `toml:"exit_wait"`
}

type fileConfig struct {
	Role             string           `toml:"role"`
	ProcID           int              `toml:"proc_id"`
	PeerProcID       int              `toml:"peer_proc_id"`
	RegionPath       string           `toml:"region_path"`
	RegionSize       int              `toml:"region_size"`
	Channels         int              `toml:"channels"`
	MaxBufferSize    int              `toml:"max_buffer_size"`
	Messaging        bool             `toml:"messaging"`
	HandshakeTimeout string           `toml:"handshake_timeout"`
	HandshakePoll    string           `toml:"handshake_poll"`
	BootArg          int64            `toml:"boot_arg"`
	LocateTimeout    string           `toml:"locate_timeout"`
	AdminAddr        string           `toml:"admin_addr"`
	MqaID            int              `toml:"mqa_id"`
	Pools            []mqa.PoolConfig `toml:"pools"`
	Transport        fileTransport    `toml:"transport"`
}

// Load reads path. Keys absent from the file keep the defaults for the
// file's role.
func Load(path string) (Link, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Link{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := resolve(raw, meta)
	if err != nil {
		return Link{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load for in-memory TOML.
func Parse(data string) (Link, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Link{}, fmt.Errorf("config parse failed: %w", err)
	}
	return resolve(raw, meta)
}

func resolve(raw fileConfig, meta toml.MetaData) (Link, error) {
	if !meta.IsDefined("role") {
		return Link{}, fmt.Errorf("%w: role is required", ErrInvalidConfig)
	}
	role, err := scb.ParseRole(raw.Role)
	if err != nil {
		return Link{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	cfg := Default(role)

	if meta.IsDefined("proc_id") {
		if cfg.ProcID, err = u16("proc_id", raw.ProcID); err != nil {
			return Link{}, err
		}
	}
	if meta.IsDefined("peer_proc_id") {
		if cfg.PeerProcID, err = u16("peer_proc_id", raw.PeerProcID); err != nil {
			return Link{}, err
		}
	}
	if meta.IsDefined("region_path") {
		cfg.RegionPath = strings.TrimSpace(raw.RegionPath)
	}
	if meta.IsDefined("region_size") {
		cfg.RegionSize = raw.RegionSize
	}
	if meta.IsDefined("channels") {
		cfg.Channels = raw.Channels
	}
	if meta.IsDefined("max_buffer_size") {
		cfg.MaxBufferSize = raw.MaxBufferSize
	}
	if meta.IsDefined("messaging") {
		cfg.Messaging = raw.Messaging
	}
	if meta.IsDefined("handshake_timeout") {
		if cfg.HandshakeTimeout, err = duration("handshake_timeout", raw.HandshakeTimeout); err != nil {
			return Link{}, err
		}
	}
	if meta.IsDefined("handshake_poll") {
		if cfg.HandshakePoll, err = duration("handshake_poll", raw.HandshakePoll); err != nil {
			return Link{}, err
		}
	}
	if meta.IsDefined("boot_arg") {
		if raw.BootArg < 0 || raw.BootArg > int64(^uint32(0)) {
			return Link{}, fmt.Errorf("%w: boot_arg %d out of range", ErrInvalidConfig, raw.BootArg)
		}
		cfg.BootArg = uint32(raw.BootArg)
	}
	if meta.IsDefined("locate_timeout") {
		if cfg.LocateTimeout, err = duration("locate_timeout", raw.LocateTimeout); err != nil {
			return Link{}, err
		}
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("mqa_id") {
		if cfg.MqaID, err = u16("mqa_id", raw.MqaID); err != nil {
			return Link{}, err
		}
	}
	if meta.IsDefined("pools") {
		cfg.Pools = raw.Pools
	}
	if meta.IsDefined("transport", "channel") {
		cfg.Transport.Channel = raw.Transport.Channel
	}
	if meta.IsDefined("transport", "recv_buffers") {
		cfg.Transport.RecvBuffers = raw.Transport.RecvBuffers
	}
	if meta.IsDefined("transport", "exit_wait") {
		if cfg.Transport.ExitWait, err = duration("transport.exit_wait", raw.Transport.ExitWait); err != nil {
			return Link{}, err
		}
	}

	if err := Validate(cfg); err != nil {
		return Link{}, err
	}
	return cfg, nil
}

func duration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %w", ErrInvalidConfig, key, err)
	}
	return d, nil
}

func u16(key string, v int) (uint16, error) {
	if v < 0 || v > 0xFFFF {
		return 0, fmt.Errorf("%w: %s %d out of range", ErrInvalidConfig, key, v)
	}
	return uint16(v), nil
}
