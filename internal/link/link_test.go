package link

import (
	"context"
	"encoding/binary"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/dsplink/internal/config"
	"github.com/danmuck/dsplink/internal/irq"
	"github.com/danmuck/dsplink/internal/mqa"
	"github.com/danmuck/dsplink/internal/mqt"
	"github.com/danmuck/dsplink/internal/msgq"
	"github.com/danmuck/dsplink/internal/protocol/control"
	"github.com/danmuck/dsplink/internal/protocol/msg"
	"github.com/danmuck/dsplink/internal/scb"
	"github.com/danmuck/dsplink/internal/shmem"
	"github.com/danmuck/dsplink/internal/status"
	"github.com/danmuck/dsplink/internal/testutil/testlog"
)

func testConfig() config.Link {
	cfg := config.Default(scb.RoleGPP)
	cfg.MaxBufferSize = 256
	cfg.Pools = []mqa.PoolConfig{{Size: 64, Count: 16}, {Size: 256, Count: 8}}
	cfg.HandshakeTimeout = 3 * time.Second
	cfg.HandshakePoll = time.Millisecond
	cfg.LocateTimeout = 2 * time.Second
	cfg.BootArg = 0x1234
	cfg.Transport.ExitWait = 200 * time.Millisecond
	return cfg
}

func bootPair(t *testing.T) *Pair {
	t.Helper()
	p, err := NewPair(testConfig())
	if err != nil {
		t.Fatalf("new pair: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Boot(ctx); err != nil {
		t.Fatalf("boot: %v", err)
	}
	return p
}

func TestPairBootSynchronizes(t *testing.T) {
	testlog.Start(t)
	p := bootPair(t)

	if !p.GPP.Ready() || !p.DSP.Ready() {
		t.Fatalf("sides not ready")
	}
	st := p.DSP.Status()
	if !st.Synchronized || st.BootArg != 0x1234 || st.ProcID != 1 || st.PeerProcID != 0 {
		t.Fatalf("unexpected dsp status %+v", st)
	}
	if st.FreeMsgPending || st.PeerFreeMsgPending || p.GPP.Status().FreeMsgPending {
		t.Fatalf("free-message words set on an idle link")
	}
	if err := p.GPP.Boot(context.Background()); !errors.Is(err, ErrAlreadyBooted) {
		t.Fatalf("expected second boot to fail, got %v", err)
	}

	before, _ := p.GPP.Config().Layout()
	after, _ := p.DSP.Config().Layout()
	if before != after || before != p.GPP.Block().Layout() {
		t.Fatalf("layout differs between sides after handshake")
	}

	if err := p.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if p.GPP.Ready() {
		t.Fatalf("gpp still ready after shutdown")
	}
	if err := p.GPP.Boot(context.Background()); !errors.Is(err, ErrShutDown) {
		t.Fatalf("expected reboot refusal, got %v", err)
	}
}

func TestRequestReplyAcrossLink(t *testing.T) {
	testlog.Start(t)
	p := bootPair(t)
	gpp, dsp := p.GPP.MSGQ(), p.DSP.MSGQ()
	ctx := context.Background()

	if err := dsp.Create(20, msgq.QueueAttrs{Owner: "dsp-app"}); err != nil {
		t.Fatalf("dsp create: %v", err)
	}
	if err := gpp.Create(10, msgq.QueueAttrs{Owner: "gpp-app"}); err != nil {
		t.Fatalf("gpp create: %v", err)
	}

	server := msgq.QueueRef{ProcID: 1, QueueID: 20}
	if err := gpp.Locate(ctx, server, msgq.LocateAttrs{}); err != nil {
		t.Fatalf("locate: %v", err)
	}

	for i := 0; i < 4; i++ {
		m, err := gpp.Alloc(0, msg.HeaderLen+16)
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
		copy(m.Payload(), "ping")
		m.Payload()[4] = byte(i)
		if err := gpp.Put(server, m, 7, 10); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	for i := 0; i < 4; i++ {
		req, err := dsp.Get(ctx, 20, 2*time.Second)
		if err != nil {
			t.Fatalf("dsp get: %v", err)
		}
		if string(req.Payload()[:4]) != "ping" || req.Payload()[4] != byte(i) || req.MsgID() != 7 {
			t.Fatalf("request %d arrived out of order or corrupted", i)
		}
		reply, err := dsp.GetReplyID(req)
		if err != nil || reply != (msgq.QueueRef{ProcID: 0, QueueID: 10}) {
			t.Fatalf("reply id %v err=%v", reply, err)
		}
		copy(req.Payload(), "pong")
		if err := dsp.Put(reply, req, 8, msg.InvalidQueue); err != nil {
			t.Fatalf("dsp put reply: %v", err)
		}
	}

	for i := 0; i < 4; i++ {
		resp, err := gpp.Get(ctx, 10, 2*time.Second)
		if err != nil {
			t.Fatalf("gpp get: %v", err)
		}
		if string(resp.Payload()[:4]) != "pong" || resp.Payload()[4] != byte(i) || resp.MsgID() != 8 {
			t.Fatalf("reply %d out of order or corrupted", i)
		}
		if err := gpp.Free(resp); err != nil {
			t.Fatalf("free: %v", err)
		}
	}

	if err := gpp.Release(server); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := gpp.Release(server); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("expected second release to fail, got %v", err)
	}

	waitIdle(t, p)
	if err := p.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestLocateMissingRemoteQueue(t *testing.T) {
	testlog.Start(t)
	p := bootPair(t)
	defer p.Shutdown()

	err := p.GPP.MSGQ().Locate(context.Background(), msgq.QueueRef{ProcID: 1, QueueID: 99}, msgq.LocateAttrs{Timeout: time.Second})
	if !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	ref, err := p.GPP.MSGQ().LocateAny(context.Background(), 99, msgq.LocateAttrs{Timeout: time.Second})
	if !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("locate any: ref=%v err=%v", ref, err)
	}
}

func TestLocateTimeoutWhenPeerDoesNotAnswer(t *testing.T) {
	testlog.Start(t)
	p, err := NewPair(testConfig())
	if err != nil {
		t.Fatalf("new pair: %v", err)
	}
	// The DSP never opens its transport, so the request is never consumed.
	p.DSP.cfg.Messaging = false
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Boot(ctx); err != nil {
		t.Fatalf("boot: %v", err)
	}
	defer p.Shutdown()

	const timeout = 100 * time.Millisecond
	start := time.Now()
	err = p.GPP.MSGQ().Locate(ctx, msgq.QueueRef{ProcID: 1, QueueID: 5}, msgq.LocateAttrs{Timeout: timeout})
	elapsed := time.Since(start)
	if !errors.Is(err, status.ErrNotFound) || !errors.Is(err, status.ErrTimeout) {
		t.Fatalf("expected not found after timeout, got %v", err)
	}
	if elapsed < timeout || elapsed > timeout+time.Second {
		t.Fatalf("locate returned after %s", elapsed)
	}
	if p.GPP.Remote().Stats().PendingLocates != 0 {
		t.Fatalf("timed out locate left pending")
	}
}

func TestAsyncLocateAcrossLink(t *testing.T) {
	testlog.Start(t)
	p := bootPair(t)
	gpp, dsp := p.GPP.MSGQ(), p.DSP.MSGQ()

	if err := dsp.Create(21, msgq.QueueAttrs{Owner: "dsp"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := gpp.Create(11, msgq.QueueAttrs{Owner: "gpp", DeliverControl: true}); err != nil {
		t.Fatalf("create reply: %v", err)
	}
	if err := gpp.LocateAsync(msgq.QueueRef{ProcID: 1, QueueID: 21}, 11, 0xAB, 0); err != nil {
		t.Fatalf("locate async: %v", err)
	}
	m, err := gpp.Get(context.Background(), 11, 2*time.Second)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	loc, err := control.ParseAsyncLocate(m)
	if err != nil || !loc.Found || loc.QueueID != 21 || loc.ProcID != 1 || loc.Arg != 0xAB {
		t.Fatalf("async locate %+v err=%v", loc, err)
	}
	_ = gpp.Free(m)
	if err := gpp.Release(msgq.QueueRef{ProcID: 1, QueueID: 21}); err != nil {
		t.Fatalf("release: %v", err)
	}
	waitIdle(t, p)
	if err := p.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestPeerShutdownReachesErrorHandler(t *testing.T) {
	testlog.Start(t)
	p := bootPair(t)
	gpp := p.GPP.MSGQ()

	var seen []control.AsyncError
	if err := gpp.Create(12, msgq.QueueAttrs{Owner: "gpp", OnAsyncError: func(e control.AsyncError) { seen = append(seen, e) }}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := gpp.Create(13, msgq.QueueAttrs{Owner: "gpp"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := gpp.SetErrorHandler(12, 0); err != nil {
		t.Fatalf("set error handler: %v", err)
	}
	if err := p.DSP.Shutdown(); err != nil {
		t.Fatalf("dsp shutdown: %v", err)
	}

	// The async error is consumed by the callback, so Get keeps waiting and
	// ends on its own timeout.
	if _, err := gpp.Get(context.Background(), 12, 300*time.Millisecond); !errors.Is(err, status.ErrTimeout) {
		t.Fatalf("expected get to time out after dispatch, got %v", err)
	}
	if len(seen) != 1 || seen[0].Type != control.ErrorTransportExit || seen[0].ProcID != 1 {
		t.Fatalf("async errors %+v", seen)
	}
	if err := gpp.Put(msgq.QueueRef{ProcID: 1, QueueID: 20}, nil, 1, msg.InvalidQueue); !errors.Is(err, status.ErrInvalidArgument) {
		t.Fatalf("nil put: %v", err)
	}
	gpp.ClearErrorHandler()
	if err := p.GPP.Shutdown(); err != nil {
		t.Fatalf("gpp shutdown: %v", err)
	}
}

func TestHandshakeTimesOutWithoutPeer(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	layout, _ := cfg.Layout()
	region, err := shmem.NewHeapRegion(layout.TotalSize)
	if err != nil {
		t.Fatalf("region: %v", err)
	}
	toDSP, toGPP := irq.NewPipe()
	side, err := New(cfg, region, toGPP, toDSP)
	if err != nil {
		t.Fatalf("new side: %v", err)
	}
	err = side.Boot(context.Background())
	if !errors.Is(err, status.ErrTimeout) || !errors.Is(err, scb.ErrHandshakeTimeout) {
		t.Fatalf("expected handshake timeout, got %v", err)
	}
	if side.Ready() {
		t.Fatalf("side ready after failed handshake")
	}
}

func waitIdle(t *testing.T, p *Pair) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		busy := 0
		for _, s := range []*Side{p.GPP, p.DSP} {
			for _, st := range s.MSGQ().Snapshot().Allocators {
				busy += st.Outstanding
			}
		}
		if busy == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d messages still outstanding", busy)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSharedRegionDoorbells(t *testing.T) {
	testlog.Start(t)
	gcfg := testConfig()
	dcfg := gcfg
	dcfg.Role = scb.RoleDSP
	dcfg.ProcID, dcfg.PeerProcID = gcfg.PeerProcID, gcfg.ProcID

	layout, _ := gcfg.Layout()
	region, err := shmem.NewHeapRegion(layout.TotalSize)
	if err != nil {
		t.Fatalf("region: %v", err)
	}
	g, err := NewShared(gcfg, region)
	if err != nil {
		t.Fatalf("gpp side: %v", err)
	}
	d, err := NewShared(dcfg, region)
	if err != nil {
		t.Fatalf("dsp side: %v", err)
	}
	p := &Pair{GPP: g, DSP: d, Region: region}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Boot(ctx); err != nil {
		t.Fatalf("boot: %v", err)
	}

	if err := d.MSGQ().Create(40, msgq.QueueAttrs{Owner: "dsp"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	ref := msgq.QueueRef{ProcID: 1, QueueID: 40}
	if err := g.MSGQ().Locate(ctx, ref, msgq.LocateAttrs{}); err != nil {
		t.Fatalf("locate over doorbells: %v", err)
	}
	m, err := g.MSGQ().Alloc(0, msg.HeaderLen+8)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := g.MSGQ().Put(ref, m, 3, msg.InvalidQueue); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := d.MSGQ().Get(ctx, 40, 2*time.Second)
	if err != nil || got.MsgID() != 3 {
		t.Fatalf("get over doorbells: %v", err)
	}
	_ = d.MSGQ().Free(got)
	_ = g.MSGQ().Release(ref)
	waitIdle(t, p)
	if err := p.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func sharedConfigs() (gpp, dsp config.Link) {
	gpp = testConfig()
	dsp = gpp
	dsp.Role = scb.RoleDSP
	dsp.ProcID, dsp.PeerProcID = gpp.PeerProcID, gpp.ProcID
	return gpp, dsp
}

func TestRestartOverReusedRegionFile(t *testing.T) {
	testlog.Start(t)
	gcfg, dcfg := sharedConfigs()
	layout, _ := gcfg.Layout()
	path := filepath.Join(t.TempDir(), "link.shm")

	open := func(role scb.Role, cfg config.Link) (*Side, *shmem.FileRegion) {
		t.Helper()
		region, err := shmem.OpenFileRegion(path, layout.TotalSize, role == scb.RoleGPP)
		if err != nil {
			t.Fatalf("%s region: %v", role, err)
		}
		t.Cleanup(func() { _ = region.Close() })
		side, err := NewShared(cfg, region)
		if err != nil {
			t.Fatalf("%s side: %v", role, err)
		}
		return side, region
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g1, _ := open(scb.RoleGPP, gcfg)
	d1, _ := open(scb.RoleDSP, dcfg)
	first := &Pair{GPP: g1, DSP: d1}
	if err := first.Boot(ctx); err != nil {
		t.Fatalf("first boot: %v", err)
	}
	if err := d1.MSGQ().Create(40, msgq.QueueAttrs{Owner: "dsp"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := g1.MSGQ().Locate(ctx, msgq.QueueRef{ProcID: 1, QueueID: 40}, msgq.LocateAttrs{}); err != nil {
		t.Fatalf("first locate: %v", err)
	}
	if err := first.Shutdown(); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}

	// The DSP comes back first and finds the previous run's file, with
	// both tokens left behind as if neither side shut down cleanly.
	d2, r2 := open(scb.RoleDSP, dcfg)
	binary.NativeEndian.PutUint32(r2.Bytes()[scb.OffHandshakeGpp:], scb.TokenGPP)
	binary.NativeEndian.PutUint32(r2.Bytes()[scb.OffHandshakeDsp:], scb.TokenDSP)
	dspDone := make(chan error, 1)
	go func() { dspDone <- d2.Boot(ctx) }()
	time.Sleep(50 * time.Millisecond)
	if d2.Ready() {
		t.Fatalf("dsp booted against the previous run's tokens")
	}

	g2, _ := open(scb.RoleGPP, gcfg)
	if err := g2.Boot(ctx); err != nil {
		t.Fatalf("gpp reboot: %v", err)
	}
	if err := <-dspDone; err != nil {
		t.Fatalf("dsp reboot: %v", err)
	}
	second := &Pair{GPP: g2, DSP: d2}
	defer second.Shutdown()

	if err := d2.MSGQ().Create(41, msgq.QueueAttrs{Owner: "dsp"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	ref := msgq.QueueRef{ProcID: 1, QueueID: 41}
	if err := g2.MSGQ().Locate(ctx, ref, msgq.LocateAttrs{}); err != nil {
		t.Fatalf("locate after restart: %v", err)
	}
	m, err := g2.MSGQ().Alloc(0, msg.HeaderLen+8)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := g2.MSGQ().Put(ref, m, 5, msg.InvalidQueue); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := d2.MSGQ().Get(ctx, 41, 2*time.Second)
	if err != nil || got.MsgID() != 5 {
		t.Fatalf("get after restart: %v", err)
	}
	_ = d2.MSGQ().Free(got)
	_ = g2.MSGQ().Release(ref)
	waitIdle(t, second)
}

func TestSlowReceiverBacksUpSender(t *testing.T) {
	testlog.Start(t)
	p := bootPair(t)
	defer p.Shutdown()
	gpp, dsp := p.GPP.MSGQ(), p.DSP.MSGQ()
	ctx := context.Background()

	if err := dsp.Create(20, msgq.QueueAttrs{Owner: "dsp-app"}); err != nil {
		t.Fatalf("dsp create: %v", err)
	}
	if err := gpp.Create(11, msgq.QueueAttrs{Owner: "gpp-app"}); err != nil {
		t.Fatalf("gpp create: %v", err)
	}
	if err := gpp.SetErrorHandler(11, 0); err != nil {
		t.Fatalf("error handler: %v", err)
	}
	server := msgq.QueueRef{ProcID: 1, QueueID: 20}
	if err := gpp.Locate(ctx, server, msgq.LocateAttrs{}); err != nil {
		t.Fatalf("locate: %v", err)
	}

	const n = 40
	putErr := make(chan error, 1)
	go func() {
		for i := 0; i < n; i++ {
			m, err := gpp.Alloc(0, msg.HeaderLen+4)
			for errors.Is(err, status.ErrOutOfMemory) {
				time.Sleep(time.Millisecond)
				m, err = gpp.Alloc(0, msg.HeaderLen+4)
			}
			if err != nil {
				putErr <- err
				return
			}
			m.Payload()[0] = byte(i)
			if err := gpp.Put(server, m, 9, msg.InvalidQueue); err != nil {
				putErr <- err
				return
			}
		}
		putErr <- nil
	}()

	deadline := time.Now().Add(3 * time.Second)
	for !p.DSP.Status().FreeMsgPending || !p.GPP.Status().PeerFreeMsgPending {
		if time.Now().After(deadline) {
			t.Fatalf("receiver never reported waiting for a free message")
		}
		time.Sleep(2 * time.Millisecond)
	}

	for i := 0; i < n; i++ {
		m, err := dsp.Get(ctx, 20, 2*time.Second)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if m.Payload()[0] != byte(i) {
			t.Fatalf("message %d arrived as %d", i, m.Payload()[0])
		}
		if err := dsp.Free(m); err != nil {
			t.Fatalf("free: %v", err)
		}
	}
	if err := <-putErr; err != nil {
		t.Fatalf("sender: %v", err)
	}
	if p.DSP.Status().FreeMsgPending {
		t.Fatalf("free-message word still set after draining")
	}
	if st := p.DSP.Remote().Stats(); st.Dropped != 0 || st.Held != 0 {
		t.Fatalf("unexpected receiver stats %+v", st)
	}
	if c, _ := gpp.Count(11); c != 0 {
		t.Fatalf("sender saw %d async errors", c)
	}
	if err := gpp.Release(server); err != nil {
		t.Fatalf("release: %v", err)
	}
	waitIdle(t, p)
}

// occupiedTransport claims a processor id without reaching anything.
type occupiedTransport struct {
	mqt.Transport
	proc   uint16
	closed atomic.Bool
}

func (o *occupiedTransport) Kind() string        { return "occupied" }
func (o *occupiedTransport) ProcID() uint16      { return o.proc }
func (o *occupiedTransport) Open(mqt.Host) error { return nil }
func (o *occupiedTransport) Close() error        { o.closed.Store(true); return nil }
func (o *occupiedTransport) Stats() mqt.Stats {
	return mqt.Stats{Kind: o.Kind(), ProcID: o.proc, Open: !o.closed.Load()}
}

func TestFailedMessagingBootUndoesRegistration(t *testing.T) {
	testlog.Start(t)
	p, err := NewPair(testConfig())
	if err != nil {
		t.Fatalf("new pair: %v", err)
	}
	if err := p.GPP.MSGQ().TransportOpen(&occupiedTransport{proc: 1}); err != nil {
		t.Fatalf("occupy: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = p.Boot(ctx)
	if !errors.Is(err, status.ErrAlreadyExists) {
		t.Fatalf("expected the remote transport to collide, got %v", err)
	}
	defer p.DSP.Shutdown()

	if p.GPP.Ready() {
		t.Fatalf("gpp ready after failed boot")
	}
	snap := p.GPP.MSGQ().Snapshot()
	if len(snap.Allocators) != 0 {
		t.Fatalf("allocators left registered: %v", snap.Allocators)
	}
	if len(snap.Transports) != 1 || snap.Transports[0].Kind != "occupied" {
		t.Fatalf("transports left registered: %+v", snap.Transports)
	}
	if err := p.GPP.Boot(ctx); !errors.Is(err, ErrShutDown) {
		t.Fatalf("expected failed side to stay down, got %v", err)
	}
	if p.GPP.Block().HandshakeToken(scb.RoleGPP) != 0 {
		t.Fatalf("failed side left its handshake token published")
	}
}
