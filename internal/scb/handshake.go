package scb

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/dsplink/internal/logging"
	"github.com/danmuck/dsplink/internal/observability"
	"github.com/danmuck/dsplink/internal/status"
)

const (
	// TokenGPP is written by the GPP once it has mapped and zeroed the block.
	TokenGPP uint32 = 0xC0C0BABA
	// TokenDSP is written by the DSP after it has seen TokenGPP.
	TokenDSP uint32 = 0xBABAC0C0
)

var ErrHandshakeTimeout = fmt.Errorf("%w: handshake token not observed", status.ErrTimeout)

// HandshakeOptions bound the wait for the peer token. A zero Timeout is the
// legacy unbounded wait; it still ends when ctx is cancelled.
type HandshakeOptions struct {
	Timeout time.Duration
	Poll    PollConfig
	// BootArg is published in argv by the GPP before its token.
	BootArg uint32
}

func DefaultHandshakeOptions() HandshakeOptions {
	return HandshakeOptions{
		Timeout: 10 * time.Second,
		Poll:    DefaultPollConfig(),
	}
}

// Handshake runs the one-time token exchange for role. The GPP zeroes the
// block, publishes argv and its token, then waits for the DSP token,
// rewriting its own token on every poll. The DSP clears both tokens, waits
// for the GPP token and answers with its own. On return both sides
// agree on the block and may use every other field.
func (b *Block) Handshake(ctx context.Context, role Role, opts HandshakeOptions) error {
	if opts.Poll == (PollConfig{}) {
		opts.Poll = DefaultPollConfig()
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	var err error
	switch role {
	case RoleGPP:
		b.Initialize()
		b.SetArgv(opts.BootArg)
		publish := func() {
			if b.HandshakeToken(RoleGPP) != TokenGPP {
				b.setHandshakeToken(RoleGPP, TokenGPP)
			}
		}
		publish()
		err = b.waitToken(ctx, RoleDSP, TokenDSP, opts.Poll, publish)
	case RoleDSP:
		// Tokens left by an earlier run are not evidence of a live GPP.
		// A live GPP republishes its token while it waits.
		b.ClearHandshakeToken(RoleDSP)
		b.ClearHandshakeToken(RoleGPP)
		if err = b.waitToken(ctx, RoleGPP, TokenGPP, opts.Poll, nil); err == nil {
			b.setHandshakeToken(RoleDSP, TokenDSP)
		}
	default:
		err = fmt.Errorf("%w: role %v", status.ErrInvalidArgument, role)
	}

	elapsed := time.Since(start)
	observability.ObserveHandshake(role.String(), elapsed, err == nil)
	if err != nil {
		logging.Errf("scb.Block.Handshake failed role=%s elapsed=%s err=%v", role, elapsed, err)
		return err
	}
	logging.Infof("scb.Block.Handshake complete role=%s elapsed=%s argv=%#x", role, elapsed, b.Argv())
	return nil
}

// Synchronized reports whether both tokens are present.
func (b *Block) Synchronized() bool {
	return b.HandshakeToken(RoleGPP) == TokenGPP && b.HandshakeToken(RoleDSP) == TokenDSP
}

// waitToken polls for the peer token. each, when set, runs before every
// sleep.
func (b *Block) waitToken(ctx context.Context, from Role, want uint32, poll PollConfig, each func()) error {
	seen := func() bool { return b.HandshakeToken(from) == want }
	if spin(poll, seen) {
		return nil
	}
	for attempt := 1; ; attempt++ {
		if each != nil {
			each()
		}
		timer := time.NewTimer(nextPollDelay(poll, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			if seen() {
				return nil
			}
			if ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("%w: waiting for %s token", ErrHandshakeTimeout, from)
			}
			return fmt.Errorf("%w: handshake cancelled: %v", status.ErrGeneralFailure, ctx.Err())
		case <-timer.C:
		}
		if seen() {
			return nil
		}
	}
}
