// Package enclave implements the Kassandra enclave: the attested party that
// holds registered detection keys and performs the FMD inner loop against
// host-supplied flag batches. spec.md §4.1 describes it as driven by a
// single reactor goroutine reading framed requests from the host and
// writing framed replies; nothing here ever talks to a network socket or a
// disk directly, consistent with the enclave's black-box isolation.
package enclave

import (
	"fmt"
	"io"
	"sync"

	"github.com/anoma/kassandra-service/internal/attestation"
	kassandracrypto "github.com/anoma/kassandra-service/internal/crypto"
	"github.com/anoma/kassandra-service/internal/fmd"
	"github.com/anoma/kassandra-service/internal/wire"
)

// State is the enclave's coarse operating mode (spec.md §4.1).
type State int

const (
	StateBooting State = iota
	StateIdle
	StateInClientSession
)

func (s State) String() string {
	switch s {
	case StateBooting:
		return "booting"
	case StateIdle:
		return "idle"
	case StateInClientSession:
		return "in_client_session"
	default:
		return "unknown"
	}
}

// Engine is the enclave's top-level reactor. Exactly one goroutine ever
// calls Run; the mutex guards state shared with nothing else, since Run
// processes one envelope at a time, but tests read state through State().
type Engine struct {
	mu    sync.Mutex
	state State

	signer   *attestation.Signer
	scheme   fmd.Scheme
	registry *Registry

	maxFprLog2  uint32
	maxSessions int
	sessions    map[[16]byte]*clientSession
}

// Config collects Engine's construction-time parameters.
type Config struct {
	Signer      *attestation.Signer
	Scheme      fmd.Scheme
	Registry    *Registry
	MaxFprLog2  uint32 // spec.md §6's fpr_log2_max: the largest fpr_log2 (smallest γ) this deployment accepts
	MaxSessions int    // capacity of the session table; spec.md's protocol never has more than one open at once
}

// NewEngine builds an Engine in StateBooting.
func NewEngine(cfg Config) *Engine {
	maxSessions := cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = 1
	}
	return &Engine{
		state:       StateBooting,
		signer:      cfg.Signer,
		scheme:      cfg.Scheme,
		registry:    cfg.Registry,
		maxFprLog2:  cfg.MaxFprLog2,
		maxSessions: maxSessions,
		sessions:    make(map[[16]byte]*clientSession, maxSessions),
	}
}

// State reports the engine's current coarse mode.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// bootReportData is the fixed report_data bound into the boot announcement
// quote. It carries no session material — only the handshake's per-session
// quote binds an ephemeral key — so it is just a fixed domain-separated
// constant.
var bootReportData = [32]byte{}

func init() {
	copy(bootReportData[:], "kassandra-boot-announcement-v1\x00")
}

// Run drives the reactor loop: announce boot, then read and dispatch
// framed requests from r, writing framed replies to w, until r returns
// io.EOF. The boot announcement is the first thing ever written, per
// spec.md §4.1's Booting → Idle transition.
func (e *Engine) Run(r io.Reader, w io.Writer) error {
	fr := wire.NewFrameReader(r)
	fw := wire.NewFrameWriter(w)

	boot, err := e.bootAnnouncement()
	if err != nil {
		return fmt.Errorf("enclave: boot announcement: %w", err)
	}
	if err := fw.WriteEnvelope(boot); err != nil {
		return fmt.Errorf("enclave: write boot announcement: %w", err)
	}

	e.mu.Lock()
	e.state = StateIdle
	e.mu.Unlock()

	for {
		env, err := fr.ReadEnvelope()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("enclave: read envelope: %w", err)
		}

		reply := e.dispatch(env)
		if err := fw.WriteEnvelope(reply); err != nil {
			return fmt.Errorf("enclave: write reply: %w", err)
		}
	}
}

func (e *Engine) bootAnnouncement() (wire.Envelope, error) {
	q, err := e.signer.Quote(bootReportData)
	if err != nil {
		return wire.Envelope{}, err
	}
	return wire.NewEnvelope("boot", bootBody{Quote: q})
}

type bootBody struct {
	Quote attestation.Quote `cbor:"quote"`
}

// dispatch routes one host→enclave envelope to its handler and always
// returns a reply envelope — errors are turned into "<op>_err" envelopes
// rather than propagated, since one malformed request must never kill the
// reactor loop (spec.md §7).
func (e *Engine) dispatch(env wire.Envelope) wire.Envelope {
	var (
		reply wire.Envelope
		err   error
	)

	switch env.Op {
	case "open":
		reply, err = e.handleOpen(env)
	case "data":
		reply, err = e.handleData(env)
	case "close":
		reply, err = e.handleClose(env)
	case "wants":
		reply, err = e.handleWants(env)
	case "feed":
		reply, err = e.handleFeed(env)
	default:
		err = fmt.Errorf("%w: unrecognized op %q", ErrMalformedBatch, env.Op)
	}

	if err != nil {
		return wire.NewErrEnvelope(env.Op, wireKind(err), err.Error())
	}
	return reply
}

// openBody is the "open" request: a fresh session id minted by the host.
type openBody struct {
	SessionID [16]byte `cbor:"session_id"`
}

// openOkBody is the ServerHello the host relays verbatim to the client.
type openOkBody struct {
	EPk         [32]byte          `cbor:"e_pk"`
	ServerNonce [32]byte          `cbor:"server_nonce"`
	Quote       attestation.Quote `cbor:"quote"`
}

func (e *Engine) handleOpen(env wire.Envelope) (wire.Envelope, error) {
	var req openBody
	if err := env.Decode(&req); err != nil {
		return wire.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.sessions[req.SessionID]; exists {
		return wire.Envelope{}, fmt.Errorf("%w: session id already open", ErrTooManySessions)
	}
	if len(e.sessions) >= e.maxSessions {
		return wire.Envelope{}, ErrTooManySessions
	}

	ephemeral, err := kassandracrypto.GenerateKeypair()
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("enclave: generate ephemeral keypair: %w", err)
	}
	serverNonce, err := kassandracrypto.RandomNonce32()
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("enclave: generate server nonce: %w", err)
	}

	reportData := kassandracrypto.ReportData(ephemeral.Pub, serverNonce)
	q, err := e.signer.Quote(reportData)
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("enclave: quote: %w", err)
	}

	e.sessions[req.SessionID] = &clientSession{
		id:          req.SessionID,
		phase:       phaseAwaitingClientHello,
		ephemeral:   ephemeral,
		serverNonce: serverNonce,
	}
	e.state = StateInClientSession

	return wire.NewEnvelope("open_ok", openOkBody{
		EPk:         ephemeral.Pub,
		ServerNonce: serverNonce,
		Quote:       q,
	})
}

// dataBody is one SessionData frame: the session id and its payload, which
// is cleartext ClientHello bytes for a session's first "data" request and
// a ChaCha20-Poly1305 ciphertext for every request after that.
type dataBody struct {
	SessionID [16]byte `cbor:"session_id"`
	Payload   []byte   `cbor:"payload"`
}

func (e *Engine) handleData(env wire.Envelope) (wire.Envelope, error) {
	var req dataBody
	if err := env.Decode(&req); err != nil {
		return wire.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}

	e.mu.Lock()
	cs, ok := e.sessions[req.SessionID]
	e.mu.Unlock()
	if !ok {
		return wire.Envelope{}, ErrUnknownSession
	}

	if cs.phase == phaseAwaitingClientHello {
		if err := cs.handleFirstData(req.Payload); err != nil {
			return wire.Envelope{}, err
		}
		ct, err := cs.encryptData(nil)
		if err != nil {
			return wire.Envelope{}, fmt.Errorf("enclave: encrypt handshake ack: %w", err)
		}
		return wire.NewEnvelope("data_ok", dataBody{SessionID: req.SessionID, Payload: ct})
	}

	plaintext, err := cs.decryptData(req.Payload)
	if err != nil {
		return wire.Envelope{}, err
	}

	replyPlaintext, err := e.handleClientPayload(plaintext)
	if err != nil {
		return wire.Envelope{}, err
	}

	ct, err := cs.encryptData(replyPlaintext)
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("enclave: encrypt session reply: %w", err)
	}
	return wire.NewEnvelope("data_ok", dataBody{SessionID: req.SessionID, Payload: ct})
}

type closeBody struct {
	SessionID [16]byte `cbor:"session_id"`
}

func (e *Engine) handleClose(env wire.Envelope) (wire.Envelope, error) {
	var req closeBody
	if err := env.Decode(&req); err != nil {
		return wire.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.sessions[req.SessionID]; !ok {
		return wire.Envelope{}, ErrUnknownSession
	}
	delete(e.sessions, req.SessionID)
	if len(e.sessions) == 0 {
		e.state = StateIdle
	}

	return wire.NewEnvelope("close_ok", struct{}{})
}

type wireWant struct {
	UUID          [16]byte `cbor:"uuid"`
	DesiredHeight uint64   `cbor:"desired_height"`
}

type wantsOkBody struct {
	Wants []wireWant `cbor:"wants"`
}

func (e *Engine) handleWants(env wire.Envelope) (wire.Envelope, error) {
	e.mu.Lock()
	busy := e.state == StateInClientSession
	e.mu.Unlock()
	if busy {
		return wire.Envelope{}, ErrBusy
	}

	wants := e.registry.NextWants()
	wireWants := make([]wireWant, 0, len(wants))
	for _, w := range wants {
		wireWants = append(wireWants, wireWant{UUID: w.UUID, DesiredHeight: w.DesiredHeight})
	}
	return wire.NewEnvelope("wants_ok", wantsOkBody{Wants: wireWants})
}

type wireFlagEntry struct {
	GlobalIndex uint64 `cbor:"global_index"`
	Flag        []byte `cbor:"flag"`
}

type feedBody struct {
	Height uint64          `cbor:"height"`
	Flags  []wireFlagEntry `cbor:"flags"`
}

type wireFeedResult struct {
	UUID       [16]byte `cbor:"uuid"`
	Ciphertext []byte   `cbor:"ciphertext"`
	Tag        [32]byte `cbor:"tag"`
}

type feedOkBody struct {
	Results []wireFeedResult `cbor:"results"`
}

func (e *Engine) handleFeed(env wire.Envelope) (wire.Envelope, error) {
	e.mu.Lock()
	busy := e.state == StateInClientSession
	e.mu.Unlock()
	if busy {
		return wire.Envelope{}, ErrBusy
	}

	var req feedBody
	if err := env.Decode(&req); err != nil {
		return wire.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}

	flags := make([]FlagEntry, 0, len(req.Flags))
	for _, f := range req.Flags {
		flags = append(flags, FlagEntry{GlobalIndex: f.GlobalIndex, Flag: f.Flag})
	}

	results, err := e.registry.ApplyFeedBatch(e.scheme, req.Height, flags)
	if err != nil {
		return wire.Envelope{}, err
	}

	wireResults := make([]wireFeedResult, 0, len(results))
	for _, r := range results {
		wireResults = append(wireResults, wireFeedResult{UUID: r.UUID, Ciphertext: r.Ciphertext, Tag: r.Tag})
	}
	return wire.NewEnvelope("feed_ok", feedOkBody{Results: wireResults})
}
