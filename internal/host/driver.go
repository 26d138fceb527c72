package host

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/anoma/kassandra-service/internal/wire"
)

// driverRequest is one pending round trip queued for the enclave's single
// owning goroutine.
type driverRequest struct {
	env   wire.Envelope
	reply chan driverReply
}

type driverReply struct {
	env wire.Envelope
	err error
}

// Driver is the host's single owner of the enclave byte-stream pair
// (spec.md §5: "owned by exactly one task... other tasks hand it work via
// a bounded in-process channel"). Every other host component — the
// scanner and the gateway's session bridge — calls RoundTrip instead of
// touching the stream directly, preserving the enclave's strict
// turn-taking invariant (spec.md §4.3) even under concurrent callers.
type Driver struct {
	requests chan driverRequest

	mu   sync.RWMutex
	boot wire.Envelope
	err  error
	done chan struct{}
}

// NewDriver starts the single pump goroutine over r/w and reads the
// enclave's one-time boot announcement before accepting any requests.
// queueDepth bounds how many RoundTrip calls may be queued at once.
func NewDriver(r io.Reader, w io.Writer, queueDepth int) *Driver {
	if queueDepth <= 0 {
		queueDepth = 16
	}
	d := &Driver{
		requests: make(chan driverRequest, queueDepth),
		done:     make(chan struct{}),
	}
	go d.run(r, w)
	return d
}

func (d *Driver) run(r io.Reader, w io.Writer) {
	fr := wire.NewFrameReader(r)
	fw := wire.NewFrameWriter(w)

	boot, err := fr.ReadEnvelope()
	d.mu.Lock()
	d.boot = boot
	d.err = err
	d.mu.Unlock()
	close(d.done)
	if err != nil {
		return
	}

	for req := range d.requests {
		if err := fw.WriteEnvelope(req.env); err != nil {
			req.reply <- driverReply{err: fmt.Errorf("host: write to enclave: %w", err)}
			continue
		}
		reply, err := fr.ReadEnvelope()
		if err != nil {
			req.reply <- driverReply{err: fmt.Errorf("host: read from enclave: %w", err)}
			continue
		}
		req.reply <- driverReply{env: reply}
	}
}

// BootAnnouncement blocks until the enclave's startup announcement has
// been read, then returns it.
func (d *Driver) BootAnnouncement() (wire.Envelope, error) {
	<-d.done
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.boot, d.err
}

// RoundTrip sends env to the enclave and returns its reply, queuing behind
// any other in-flight request. Returns ctx.Err() if ctx is cancelled before
// the request is accepted or answered.
func (d *Driver) RoundTrip(ctx context.Context, env wire.Envelope) (wire.Envelope, error) {
	reply := make(chan driverReply, 1)
	select {
	case d.requests <- driverRequest{env: env, reply: reply}:
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.env, r.err
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
}
