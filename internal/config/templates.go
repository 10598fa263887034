package config

import (
	"fmt"
	"os"

	"github.com/danmuck/dsplink/internal/mqa"
	"github.com/danmuck/dsplink/internal/scb"
	"github.com/pelletier/go-toml/v2"
)

type templateTransport struct {
	Channel     int    `toml:"channel"`
	RecvBuffers int    `toml:"recv_buffers"`
	ExitWait    string `toml:"exit_wait"`
}

type templateFile struct {
	Role             string            `toml:"role"`
	ProcID           uint16            `toml:"proc_id"`
	PeerProcID       uint16            `toml:"peer_proc_id"`
	RegionPath       string            `toml:"region_path"`
	RegionSize       int               `toml:"region_size"`
	Channels         int               `toml:"channels"`
	MaxBufferSize    int               `toml:"max_buffer_size"`
	Messaging        bool              `toml:"messaging"`
	HandshakeTimeout string            `toml:"handshake_timeout"`
	HandshakePoll    string            `toml:"handshake_poll"`
	BootArg          uint32            `toml:"boot_arg"`
	LocateTimeout    string            `toml:"locate_timeout"`
	AdminAddr        string            `toml:"admin_addr"`
	MqaID            uint16            `toml:"mqa_id"`
	Pools            []mqa.PoolConfig  `toml:"pools"`
	Transport        templateTransport `toml:"transport"`
}

// Encode renders c as TOML that Load accepts.
func Encode(c Link) ([]byte, error) {
	out, err := toml.Marshal(templateFile{
		Role:             c.Role.String(),
		ProcID:           c.ProcID,
		PeerProcID:       c.PeerProcID,
		RegionPath:       c.RegionPath,
		RegionSize:       c.RegionSize,
		Channels:         c.Channels,
		MaxBufferSize:    c.MaxBufferSize,
		Messaging:        c.Messaging,
		HandshakeTimeout: c.HandshakeTimeout.String(),
		HandshakePoll:    c.HandshakePoll.String(),
		BootArg:          c.BootArg,
		LocateTimeout:    c.LocateTimeout.String(),
		AdminAddr:        c.AdminAddr,
		MqaID:            c.MqaID,
		Pools:            c.Pools,
		Transport: templateTransport{
			Channel:     c.Transport.Channel,
			RecvBuffers: c.Transport.RecvBuffers,
			ExitWait:    c.Transport.ExitWait.String(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("config encode failed: %w", err)
	}
	return out, nil
}

// Template renders the default configuration for a role name.
func Template(role string) (string, error) {
	r, err := scb.ParseRole(role)
	if err != nil {
		return "", fmt.Errorf("unknown config kind: %s", role)
	}
	cfg := Default(r)
	if r == scb.RoleGPP {
		cfg.AdminAddr = "127.0.0.1:9400"
	}
	out, err := Encode(cfg)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func WriteTemplate(path, role string, overwrite bool) error {
	template, err := Template(role)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
