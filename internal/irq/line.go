// Package irq models the interrupt lines between the processors and the
// bridge that turns an interrupt into deferred processing.
//
// Ownership boundary:
// - interrupt line primitives (raise / acknowledge-wait)
// - acknowledge-and-schedule listeners
// - the single non-reentrant deferred processing context
package irq

import (
	"context"
)

// Line is one physical interrupt line. Raise asserts it towards the
// listener; Wait blocks until it is asserted and acknowledges it. Raises
// that arrive before the listener acknowledges collapse into one.
type Line interface {
	Raise()
	Wait(ctx context.Context) error
}

// chanLine is an in-process line.
type chanLine struct {
	pending chan struct{}
}

func newChanLine() *chanLine {
	return &chanLine{pending: make(chan struct{}, 1)}
}

func (l *chanLine) Raise() {
	select {
	case l.pending <- struct{}{}:
	default:
	}
}

func (l *chanLine) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.pending:
		return nil
	}
}

// NewPipe returns the two lines of an in-process link: toDSP is raised by
// the GPP and waited on by the DSP, toGPP the reverse.
func NewPipe() (toDSP, toGPP Line) {
	return newChanLine(), newChanLine()
}
