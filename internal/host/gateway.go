package host

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/anoma/kassandra-service/internal/wire"
)

// queryBody and queryResultsBody are the client↔host wire shapes for the
// query-by-tag shortcut (spec.md §6): answered directly from ResultStore,
// never touching the enclave.
type queryBody struct {
	Tag [32]byte `cbor:"tag"`
}

type queryResult struct {
	H  uint64 `cbor:"h"`
	CT []byte `cbor:"ct"`
}

type queryResultsBody struct {
	Results []queryResult `cbor:"results"`
}

// sessionWireBody mirrors the enclave's own open/data/close bodies
// (internal/enclave/engine.go) as seen from the client's side of the
// bridge: the gateway relays these verbatim, substituting its own
// session id for the one the client supplied.
type sessionWireBody struct {
	SessionID [16]byte `cbor:"session_id"`
	Payload   []byte   `cbor:"payload,omitempty"`
}

// Gateway is the host's client-facing TCP listener (spec.md §4.3). It
// treats a connected client as opaque bytes relayed through one enclave
// session, except for "q" which it answers itself from ResultStore. Only
// one client connection is bridged to the enclave at a time; additional
// connections wait in a bounded FIFO admission queue.
type Gateway struct {
	driver  *Driver
	results ResultStore

	admission chan struct{} // capacity 1: the single bridged-session slot
	waiting   chan struct{} // capacity QueueDepth: bounds connections admitted to wait for the slot, active session included

	idleTimeout time.Duration
}

// NewGateway builds a Gateway. queueDepth bounds the FIFO of connections
// waiting for the single session slot (spec.md §4.3 default: 16).
func NewGateway(driver *Driver, results ResultStore, queueDepth int, idleTimeout time.Duration) *Gateway {
	if queueDepth <= 0 {
		queueDepth = 16
	}
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Second
	}
	return &Gateway{
		driver:      driver,
		results:     results,
		admission:   make(chan struct{}, 1),
		waiting:     make(chan struct{}, queueDepth),
		idleTimeout: idleTimeout,
	}
}

// Serve accepts connections on l until ctx is cancelled or Accept fails.
func (g *Gateway) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("host: gateway accept: %w", err)
			}
		}
		go g.handleConn(ctx, conn)
	}
}

func (g *Gateway) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	fr := wire.NewFrameReader(conn)
	fw := wire.NewFrameWriter(conn)

	conn.SetReadDeadline(time.Now().Add(g.idleTimeout))
	first, err := fr.ReadEnvelope()
	if err != nil {
		return
	}

	switch first.Op {
	case "q":
		g.handleQuery(fw, first)
	case "open":
		g.handleSession(ctx, conn, fr, fw)
	default:
		err := fmt.Errorf("host: unrecognized client op %q", first.Op)
		fw.WriteEnvelope(wire.NewErrEnvelope(first.Op, "MalformedBatch", err.Error()))
	}
}

func (g *Gateway) handleQuery(fw *wire.FrameWriter, env wire.Envelope) {
	var req queryBody
	if err := env.Decode(&req); err != nil {
		fw.WriteEnvelope(wire.NewErrEnvelope("q", "MalformedBatch", err.Error()))
		return
	}

	rows, ok := g.results.Get(req.Tag)
	if !ok {
		reply, _ := wire.NewEnvelope("results", queryResultsBody{})
		fw.WriteEnvelope(reply)
		return
	}

	results := make([]queryResult, len(rows))
	for i, row := range rows {
		results[i] = queryResult{H: decodeHeight(row.SealedHeight), CT: row.SealedPayload}
	}
	reply, err := wire.NewEnvelope("results", queryResultsBody{Results: results})
	if err != nil {
		fw.WriteEnvelope(wire.NewErrEnvelope("q", "internal", err.Error()))
		return
	}
	fw.WriteEnvelope(reply)
}

// handleSession bridges a connection into a full enclave session, queuing
// for the single admission slot (FIFO-bounded by g.waiting) and enforcing
// the idle timeout for the session's whole lifetime.
func (g *Gateway) handleSession(ctx context.Context, conn net.Conn, fr *wire.FrameReader, fw *wire.FrameWriter) {
	select {
	case g.waiting <- struct{}{}:
		defer func() { <-g.waiting }()
	default:
		err := fmt.Errorf("host: session admission queue full")
		fw.WriteEnvelope(wire.NewErrEnvelope("open", "TooManySessions", err.Error()))
		return
	}

	select {
	case g.admission <- struct{}{}:
		defer func() { <-g.admission }()
	case <-ctx.Done():
		return
	}

	sessionID := uuid.New()
	var idBytes [16]byte
	copy(idBytes[:], sessionID[:])

	openReq, err := g.relayFirstOpen(ctx, idBytes)
	if err != nil {
		fw.WriteEnvelope(wire.NewErrEnvelope("open", "internal", err.Error()))
		return
	}
	if err := fw.WriteEnvelope(openReq); err != nil {
		g.closeEnclaveSession(ctx, idBytes)
		return
	}

	defer g.closeEnclaveSession(ctx, idBytes)

	for {
		conn.SetReadDeadline(time.Now().Add(g.idleTimeout))
		env, err := fr.ReadEnvelope()
		if err != nil {
			return
		}

		switch env.Op {
		case "data":
			var body sessionWireBody
			if err := env.Decode(&body); err != nil {
				fw.WriteEnvelope(wire.NewErrEnvelope("data", "MalformedBatch", err.Error()))
				continue
			}
			reply, err := g.forward(ctx, "data", sessionWireBody{SessionID: idBytes, Payload: body.Payload})
			if err != nil {
				return
			}
			if err := fw.WriteEnvelope(reply); err != nil {
				return
			}
		case "close":
			return
		default:
			err := fmt.Errorf("host: unrecognized session op %q", env.Op)
			fw.WriteEnvelope(wire.NewErrEnvelope(env.Op, "MalformedBatch", err.Error()))
		}
	}
}

func (g *Gateway) relayFirstOpen(ctx context.Context, sessionID [16]byte) (wire.Envelope, error) {
	return g.forward(ctx, "open", openForward{SessionID: sessionID})
}

// openForward is the gateway's outgoing "open" body; it matches the
// enclave's openBody field-for-field.
type openForward struct {
	SessionID [16]byte `cbor:"session_id"`
}

func (g *Gateway) forward(ctx context.Context, op string, body any) (wire.Envelope, error) {
	env, err := wire.NewEnvelope(op, body)
	if err != nil {
		return wire.Envelope{}, err
	}
	return g.driver.RoundTrip(ctx, env)
}

func (g *Gateway) closeEnclaveSession(ctx context.Context, sessionID [16]byte) {
	env, err := wire.NewEnvelope("close", closeForward{SessionID: sessionID})
	if err != nil {
		return
	}
	if _, err := g.driver.RoundTrip(ctx, env); err != nil {
		log.Printf("host: close enclave session: %v", err)
	}
}

type closeForward struct {
	SessionID [16]byte `cbor:"session_id"`
}

func decodeHeight(sealed []byte) uint64 {
	var h uint64
	for _, b := range sealed {
		h = h<<8 | uint64(b)
	}
	return h
}
