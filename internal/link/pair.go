package link

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/dsplink/internal/config"
	"github.com/danmuck/dsplink/internal/irq"
	"github.com/danmuck/dsplink/internal/scb"
	"github.com/danmuck/dsplink/internal/shmem"
)

// Pair is both sides of a link inside one process, sharing a heap region
// and an in-process interrupt pipe.
type Pair struct {
	GPP    *Side
	DSP    *Side
	Region *shmem.HeapRegion
}

// NewPair derives the DSP configuration from gpp by swapping roles and
// processor ids.
func NewPair(gpp config.Link) (*Pair, error) {
	gpp.Role = scb.RoleGPP
	dsp := gpp
	dsp.Role = scb.RoleDSP
	dsp.ProcID, dsp.PeerProcID = gpp.PeerProcID, gpp.ProcID
	dsp.AdminAddr = ""

	layout, err := gpp.Layout()
	if err != nil {
		return nil, err
	}
	size := gpp.RegionSize
	if size == 0 {
		size = layout.TotalSize
	}
	region, err := shmem.NewHeapRegion(size)
	if err != nil {
		return nil, err
	}
	toDSP, toGPP := irq.NewPipe()
	g, err := New(gpp, region, toGPP, toDSP)
	if err != nil {
		return nil, err
	}
	d, err := New(dsp, region, toDSP, toGPP)
	if err != nil {
		return nil, err
	}
	return &Pair{GPP: g, DSP: d, Region: region}, nil
}

// Boot boots both sides concurrently; each waits for the other's token.
func (p *Pair) Boot(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, s := range []*Side{p.GPP, p.DSP} {
		i, s := i, s
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Boot(ctx)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Shutdown stops the DSP first, then the GPP.
func (p *Pair) Shutdown() error {
	return errors.Join(p.DSP.Shutdown(), p.GPP.Shutdown())
}
