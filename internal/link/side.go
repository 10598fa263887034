// Package link assembles one processor side: the shared region, control
// block, interrupt bridge, channel engine and MSGQ directory, and runs the
// boot/shutdown lifecycle around them.
package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/danmuck/dsplink/internal/channel"
	"github.com/danmuck/dsplink/internal/config"
	"github.com/danmuck/dsplink/internal/irq"
	"github.com/danmuck/dsplink/internal/logging"
	"github.com/danmuck/dsplink/internal/mqa"
	"github.com/danmuck/dsplink/internal/mqt"
	"github.com/danmuck/dsplink/internal/msgq"
	"github.com/danmuck/dsplink/internal/scb"
	"github.com/danmuck/dsplink/internal/shmem"
	"github.com/danmuck/dsplink/internal/status"
)

var (
	ErrAlreadyBooted = fmt.Errorf("%w: side already booted", status.ErrGeneralFailure)
	ErrNotBooted     = fmt.Errorf("%w: side not booted", status.ErrGeneralFailure)
	ErrShutDown      = fmt.Errorf("%w: side was shut down", status.ErrGeneralFailure)
)

// Side is one processor's end of the link. rx is the line the peer raises
// towards this side; tx is raised towards the peer.
type Side struct {
	cfg    config.Link
	region shmem.Region
	block  *scb.Block
	rx     irq.Line
	tx     irq.Line

	bridge *irq.Bridge
	engine *channel.Engine
	dir    *msgq.Directory
	remote *mqt.RemoteTransport

	mu     sync.Mutex
	booted bool
	down   bool
	ready  atomic.Bool
}

func New(cfg config.Link, region shmem.Region, rx, tx irq.Line) (*Side, error) {
	if rx == nil || tx == nil {
		return nil, fmt.Errorf("%w: side needs both interrupt lines", status.ErrInvalidArgument)
	}
	block, err := openBlock(cfg, region)
	if err != nil {
		return nil, err
	}
	return build(cfg, region, block, rx, tx)
}

// NewShared builds a side whose interrupt lines are the doorbell words in
// the control block, for two processes mapping the same region file.
func NewShared(cfg config.Link, region shmem.Region) (*Side, error) {
	block, err := openBlock(cfg, region)
	if err != nil {
		return nil, err
	}
	rx := irq.NewDoorbell(block.Doorbell(cfg.Role))
	tx := irq.NewDoorbell(block.Doorbell(cfg.Role.Peer()))
	return build(cfg, region, block, rx, tx)
}

func openBlock(cfg config.Link, region shmem.Region) (*scb.Block, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if region == nil {
		return nil, fmt.Errorf("%w: side needs a region", status.ErrInvalidArgument)
	}
	layout, err := cfg.Layout()
	if err != nil {
		return nil, err
	}
	return scb.NewBlock(region.Bytes(), layout)
}

func build(cfg config.Link, region shmem.Region, block *scb.Block, rx, tx irq.Line) (*Side, error) {
	engine, err := channel.NewEngine(channel.Config{Role: cfg.Role, Channels: cfg.Channels}, block, tx)
	if err != nil {
		return nil, err
	}
	return &Side{
		cfg:    cfg,
		region: region,
		block:  block,
		rx:     rx,
		tx:     tx,
		bridge: irq.NewBridge(cfg.Role.String()),
		engine: engine,
		dir:    msgq.New(msgq.Config{ProcID: cfg.ProcID, LocateTimeout: cfg.LocateTimeout}),
	}, nil
}

func (s *Side) Config() config.Link          { return s.cfg }
func (s *Side) Block() *scb.Block            { return s.block }
func (s *Side) Engine() *channel.Engine      { return s.engine }
func (s *Side) MSGQ() *msgq.Directory        { return s.dir }
func (s *Side) Bridge() *irq.Bridge          { return s.bridge }
func (s *Side) Ready() bool                  { return s.ready.Load() }
func (s *Side) Role() scb.Role               { return s.cfg.Role }
func (s *Side) Remote() *mqt.RemoteTransport { return s.remote }

// Boot runs the handshake, starts deferred processing and, with messaging
// enabled, opens the configured allocator plus the local and remote
// transports. A failed handshake is fatal for this side.
func (s *Side) Boot(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.booted {
		return ErrAlreadyBooted
	}
	if s.down {
		return ErrShutDown
	}

	if err := s.block.Handshake(ctx, s.cfg.Role, s.cfg.HandshakeOptions()); err != nil {
		return fmt.Errorf("link: %s handshake: %w", s.cfg.Role, err)
	}

	if r, ok := s.rx.(interface{ Resync() }); ok {
		r.Resync()
	}
	s.bridge.RegisterIsr("peer", s.rx)
	if err := s.bridge.RegisterDpc("channel", s.engine.OnPeerSignal); err != nil {
		return err
	}
	if err := s.bridge.Start(context.Background()); err != nil {
		return err
	}

	if s.cfg.Messaging {
		if err := s.openMessaging(); err != nil {
			// The engine cannot restart, so this side is finished.
			s.engine.Stop()
			s.bridge.Stop()
			s.block.ClearHandshakeToken(s.cfg.Role)
			s.down = true
			return err
		}
	}
	s.booted = true
	s.ready.Store(true)
	// The peer may have raised before the listener existed.
	s.bridge.Schedule()
	logging.Infof("link.Side.Boot role=%s proc=%d peer=%d channels=%d messaging=%t", s.cfg.Role, s.cfg.ProcID, s.cfg.PeerProcID, s.cfg.Channels, s.cfg.Messaging)
	return nil
}

func (s *Side) openMessaging() (err error) {
	alloc, err := mqa.NewBufferAllocator(s.cfg.Pools)
	if err != nil {
		return err
	}
	var undo []func()
	defer func() {
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
		}
	}()

	if err := s.dir.AllocatorOpen(s.cfg.MqaID, alloc); err != nil {
		return err
	}
	undo = append(undo, func() { _ = s.dir.AllocatorClose(s.cfg.MqaID) })

	local := mqt.NewLocalTransport()
	if err := s.dir.TransportOpen(local); err != nil {
		return err
	}
	undo = append(undo, func() { _ = s.dir.TransportClose(local.ProcID()) })

	remote, err := mqt.NewRemoteTransport(mqt.RemoteConfig{
		PeerProc:    s.cfg.PeerProcID,
		Channel:     s.cfg.Transport.Channel,
		RecvBuffers: s.cfg.Transport.RecvBuffers,
		ExitWait:    s.cfg.Transport.ExitWait,
		OnHold:      func(pending bool) { s.block.SetFreeMsg(s.cfg.Role, pending) },
	}, s.engine)
	if err != nil {
		return err
	}
	if err := s.dir.TransportOpen(remote); err != nil {
		return err
	}
	s.remote = remote
	return nil
}

// Shutdown closes the transports (the peer sees Exit), withdraws this
// side's handshake token, cancels every channel and stops deferred
// processing.
func (s *Side) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.booted {
		return ErrNotBooted
	}
	s.ready.Store(false)
	s.booted = false
	s.down = true

	s.dir.Shutdown()
	s.block.SetFreeMsg(s.cfg.Role, false)
	s.block.ClearHandshakeToken(s.cfg.Role)
	s.engine.Stop()
	s.bridge.Stop()

	var errs []error
	if s.cfg.Messaging {
		if err := s.dir.AllocatorClose(s.cfg.MqaID); err != nil {
			errs = append(errs, err)
		}
	}
	logging.Infof("link.Side.Shutdown role=%s proc=%d runs=%d coalesced=%d", s.cfg.Role, s.cfg.ProcID, s.bridge.Runs(), s.bridge.Coalesced())
	return errors.Join(errs...)
}

// Run boots, waits for ctx to end, then shuts down.
func (s *Side) Run(ctx context.Context) error {
	if err := s.Boot(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	if err := s.Shutdown(); err != nil {
		logging.Warnf("link.Side.Run shutdown role=%s err=%v", s.cfg.Role, err)
	}
	return nil
}

// Status summarises the side for the admin surface.
type Status struct {
	Role         string `json:"role"`
	ProcID       uint16 `json:"proc_id"`
	PeerProcID   uint16 `json:"peer_proc_id"`
	Ready        bool   `json:"ready"`
	Synchronized bool   `json:"synchronized"`
	Messaging    bool   `json:"messaging"`
	// FreeMsgPending is set while this side holds received frames waiting
	// for a free message; PeerFreeMsgPending is the peer's word.
	FreeMsgPending     bool   `json:"free_msg_pending"`
	PeerFreeMsgPending bool   `json:"peer_free_msg_pending"`
	BootArg            uint32 `json:"boot_arg"`
	DPCRuns            uint64 `json:"dpc_runs"`
	DPCCoalesced       uint64 `json:"dpc_coalesced"`
	RegionBytes        int    `json:"region_bytes"`
}

func (s *Side) Status() Status {
	return Status{
		Role:               s.cfg.Role.String(),
		ProcID:             s.cfg.ProcID,
		PeerProcID:         s.cfg.PeerProcID,
		Ready:              s.Ready(),
		Synchronized:       s.block.Synchronized(),
		Messaging:          s.cfg.Messaging,
		FreeMsgPending:     s.block.FreeMsg(s.cfg.Role),
		PeerFreeMsgPending: s.block.FreeMsg(s.cfg.Role.Peer()),
		BootArg:            s.block.Argv(),
		DPCRuns:            s.bridge.Runs(),
		DPCCoalesced:       s.bridge.Coalesced(),
		RegionBytes:        s.region.Size(),
	}
}
