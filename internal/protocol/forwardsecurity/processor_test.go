package forwardsecurity_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"e2e_mediator/internal/cryptographic/dh"
	"e2e_mediator/internal/model"
	"e2e_mediator/internal/protocol/chat"
	fs "e2e_mediator/internal/protocol/forwardsecurity"
	"e2e_mediator/internal/repository/dhsession"

	"github.com/fxamacker/cbor/v2"
)

type outgoing struct {
	peer    string
	content *chat.Content
}

type recorder struct {
	mu   sync.Mutex
	sent []outgoing
}

func (r *recorder) SendContent(ctx context.Context, peer string, c *chat.Content) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, outgoing{peer, c})
	return nil
}

func (r *recorder) drain() []outgoing {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sent
	r.sent = nil
	return out
}

type contacts map[string]*model.Contact

func (c contacts) FetchContact(ctx context.Context, identity string) (*model.Contact, error) {
	return c[identity], nil
}

type party struct {
	id       *model.Identity
	store    *dhsession.MemoryRepo
	contacts contacts
	out      *recorder
	proc     *fs.Processor
}

func newParty(t *testing.T, identity string) *party {
	t.Helper()
	priv, pub, err := dh.NewX25519KeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	p := &party{
		id:       &model.Identity{Identity: identity, PrivateKey: priv[:], PublicKey: pub[:]},
		store:    dhsession.NewMemoryRepo(),
		contacts: contacts{},
		out:      &recorder{},
	}
	p.proc = fs.NewProcessor(p.id, p.store, p.contacts, p.out)
	return p
}

func (p *party) know(other *party, forwardSecurity bool) {
	p.contacts[other.id.Identity] = &model.Contact{
		Identity:        other.id.Identity,
		PublicKey:       other.id.PublicKey,
		ForwardSecurity: forwardSecurity,
		State:           model.ContactActive,
	}
}

// deliver hands every control message p sent to other over to other.
func (p *party) deliver(t *testing.T, other *party) {
	t.Helper()
	for _, o := range p.out.drain() {
		if o.peer != other.id.Identity {
			t.Fatalf("message for %s, want %s", o.peer, other.id.Identity)
		}
		if err := other.proc.Process(context.Background(), p.id.Identity, o.content); err != nil {
			t.Fatalf("process %s: %v", o.content.Type, err)
		}
	}
}

func handshake(t *testing.T, a, b *party) {
	t.Helper()
	if _, err := a.proc.Refresh(context.Background(), []string{b.id.Identity}); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	a.deliver(t, b)
	b.deliver(t, a)
}

func TestSelectBestPrefersCommittedThenLowestID(t *testing.T) {
	mk := func(first byte, committed, invalid bool) *fs.Session {
		return &fs.Session{
			ID:          fs.SessionID{first},
			MyRatchet:   &fs.Ratchet{ChainKey: make([]byte, 32)},
			PeerRatchet: &fs.Ratchet{ChainKey: make([]byte, 32)},
			Committed:   committed,
			Invalid:     invalid,
		}
	}

	if got := fs.SelectBest(nil); got != nil {
		t.Fatalf("empty: got %v", got.ID)
	}

	got := fs.SelectBest([]*fs.Session{mk(1, false, false), mk(9, true, false), mk(5, true, false), mk(0, true, true)})
	if got.ID[0] != 5 {
		t.Fatalf("best = %v, want committed session with lowest id", got.ID)
	}

	got = fs.SelectBest([]*fs.Session{mk(7, false, false), mk(3, false, false)})
	if got.ID[0] != 3 {
		t.Fatalf("best = %v, want lowest id", got.ID)
	}

	if got := fs.SelectBest([]*fs.Session{mk(2, true, true)}); got != nil {
		t.Fatalf("invalid session selected")
	}
}

func TestRefreshFourContacts(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "ALICE001")
	noSession := newParty(t, "NOSESS01")
	pending := newParty(t, "PENDING1")
	committed := newParty(t, "COMMIT01")
	legacy := newParty(t, "LEGACY01")

	for _, p := range []*party{noSession, pending, committed} {
		alice.know(p, true)
		p.know(alice, true)
	}
	alice.know(legacy, false)

	handshake(t, alice, committed)

	if _, err := alice.proc.Refresh(ctx, []string{pending.id.Identity}); err != nil {
		t.Fatalf("refresh pending: %v", err)
	}
	first := alice.out.drain()
	if len(first) != 1 || first[0].content.Type != chat.ContentFSInit {
		t.Fatalf("first init: %+v", first)
	}
	var firstInit fs.Init
	if err := cbor.Unmarshal(first[0].content.Data, &firstInit); err != nil {
		t.Fatalf("decode init: %v", err)
	}

	report, err := alice.proc.Refresh(ctx, []string{noSession.id.Identity, pending.id.Identity, committed.id.Identity, legacy.id.Identity})
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	check := func(name string, got []string, want ...string) {
		t.Helper()
		if len(got) != len(want) {
			t.Fatalf("%s = %v, want %v", name, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s = %v, want %v", name, got, want)
			}
		}
	}
	check("initiated", report.Initiated, noSession.id.Identity)
	check("resent", report.Resent, pending.id.Identity)
	check("unchanged", report.Unchanged, committed.id.Identity)
	check("excluded", report.Excluded, legacy.id.Identity)

	sent := alice.out.drain()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sent))
	}
	for _, o := range sent {
		if o.content.Type != chat.ContentFSInit {
			t.Fatalf("sent %s to %s", o.content.Type, o.peer)
		}
		if o.peer == committed.id.Identity || o.peer == legacy.id.Identity {
			t.Fatalf("unexpected message to %s", o.peer)
		}
		if o.peer == pending.id.Identity {
			var resent fs.Init
			if err := cbor.Unmarshal(o.content.Data, &resent); err != nil {
				t.Fatalf("decode init: %v", err)
			}
			if resent.SessionID != firstInit.SessionID {
				t.Fatalf("resent init for a new session %s, want %s", resent.SessionID, firstInit.SessionID)
			}
		}
	}

	sessions, _ := alice.store.Sessions(ctx, alice.id.Identity, pending.id.Identity)
	if len(sessions) != 1 {
		t.Fatalf("pending peer has %d sessions, want 1", len(sessions))
	}
}

func TestEncapsulateDecapsulate(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "ALICE001")
	bob := newParty(t, "BOB00001")
	alice.know(bob, true)
	bob.know(alice, true)

	plain := &chat.Content{Type: chat.ContentText, Text: "hello"}
	if _, ok, err := alice.proc.Encapsulate(ctx, bob.id.Identity, plain); err != nil || ok {
		t.Fatalf("encapsulate without session: ok=%v err=%v", ok, err)
	}

	handshake(t, alice, bob)

	for i, text := range []string{"one", "two", "three"} {
		wrapped, ok, err := alice.proc.Encapsulate(ctx, bob.id.Identity, &chat.Content{Type: chat.ContentText, Text: text})
		if err != nil || !ok {
			t.Fatalf("encapsulate %d: ok=%v err=%v", i, ok, err)
		}
		got, err := bob.proc.Decapsulate(ctx, alice.id.Identity, wrapped)
		if err != nil {
			t.Fatalf("decapsulate %d: %v", i, err)
		}
		if got.Text != text {
			t.Fatalf("decapsulate %d = %q, want %q", i, got.Text, text)
		}
	}

	// and the other direction
	wrapped, ok, err := bob.proc.Encapsulate(ctx, alice.id.Identity, plain)
	if err != nil || !ok {
		t.Fatalf("encapsulate reply: ok=%v err=%v", ok, err)
	}
	if got, err := alice.proc.Decapsulate(ctx, bob.id.Identity, wrapped); err != nil || got.Text != "hello" {
		t.Fatalf("decapsulate reply: %v %v", got, err)
	}
}

func TestDecryptionFailureInvalidatesSession(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "ALICE001")
	bob := newParty(t, "BOB00001")
	alice.know(bob, true)
	bob.know(alice, true)
	handshake(t, alice, bob)

	wrapped, _, err := alice.proc.Encapsulate(ctx, bob.id.Identity, &chat.Content{Type: chat.ContentText, Text: "x"})
	if err != nil {
		t.Fatalf("encapsulate: %v", err)
	}
	var d fs.Data
	if err := cbor.Unmarshal(wrapped.Data, &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	d.Ciphertext[len(d.Ciphertext)-1] ^= 1
	tampered, _ := cbor.Marshal(&d)

	_, err = bob.proc.Decapsulate(ctx, alice.id.Identity, &chat.Content{Type: chat.ContentFSEnvelope, Data: tampered})
	if !errors.Is(err, fs.ErrInvalidSession) {
		t.Fatalf("tampered: want ErrInvalidSession, got %v", err)
	}

	invalid, err := bob.proc.HasInvalidSessions(ctx, alice.id.Identity)
	if err != nil || !invalid {
		t.Fatalf("HasInvalidSessions = %v, %v", invalid, err)
	}

	// a second, valid session must survive the cleanup
	valid := &fs.Session{
		ID:           fs.SessionID{0xff},
		MyIdentity:   bob.id.Identity,
		PeerIdentity: alice.id.Identity,
		MyRatchet:    &fs.Ratchet{ChainKey: make([]byte, 32)},
		PeerRatchet:  &fs.Ratchet{ChainKey: make([]byte, 32)},
		Committed:    true,
	}
	if err := bob.store.StoreSession(ctx, valid); err != nil {
		t.Fatalf("store: %v", err)
	}

	if err := bob.proc.TerminateInvalid(ctx, alice.id.Identity); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	sent := bob.out.drain()
	if len(sent) != 1 || sent[0].content.Type != chat.ContentFSTerminate {
		t.Fatalf("sent %+v, want one terminate", sent)
	}
	sessions, _ := bob.store.Sessions(ctx, bob.id.Identity, alice.id.Identity)
	if len(sessions) != 1 || sessions[0].ID != valid.ID {
		t.Fatalf("remaining sessions %d, want only the valid one", len(sessions))
	}
}

func TestUnknownSessionIsRejected(t *testing.T) {
	ctx := context.Background()
	alice := newParty(t, "ALICE001")
	bob := newParty(t, "BOB00001")
	alice.know(bob, true)
	bob.know(alice, true)

	data, _ := cbor.Marshal(&fs.Data{SessionID: fs.SessionID{1, 2, 3}, Counter: 0, Ciphertext: make([]byte, 40)})
	_, err := bob.proc.Decapsulate(ctx, alice.id.Identity, &chat.Content{Type: chat.ContentFSEnvelope, Data: data})
	if !errors.Is(err, fs.ErrUnknownSession) {
		t.Fatalf("want ErrUnknownSession, got %v", err)
	}
	sent := bob.out.drain()
	if len(sent) != 1 || sent[0].content.Type != chat.ContentFSReject {
		t.Fatalf("sent %+v, want one reject", sent)
	}

	// alice drops her side on reject
	if _, err := alice.proc.Refresh(ctx, []string{bob.id.Identity}); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	initMsg := alice.out.drain()[0]
	var m fs.Init
	_ = cbor.Unmarshal(initMsg.content.Data, &m)
	reject, _ := cbor.Marshal(&fs.Reject{SessionID: m.SessionID, Cause: fs.RejectUnknownSession})
	if err := alice.proc.Process(ctx, bob.id.Identity, &chat.Content{Type: chat.ContentFSReject, Data: reject}); err != nil {
		t.Fatalf("process reject: %v", err)
	}
	if s, _ := alice.store.BestSession(ctx, alice.id.Identity, bob.id.Identity); s != nil {
		t.Fatalf("session still present after reject")
	}
}

func TestInitFromPeerWithoutForwardSecurity(t *testing.T) {
	alice := newParty(t, "ALICE001")
	bob := newParty(t, "BOB00001")
	alice.know(bob, true)
	bob.know(alice, false)

	if _, err := alice.proc.Refresh(context.Background(), []string{bob.id.Identity}); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	alice.deliver(t, bob)

	sent := bob.out.drain()
	if len(sent) != 1 || sent[0].content.Type != chat.ContentFSReject {
		t.Fatalf("sent %+v, want one reject", sent)
	}
}

func TestRatchetSkipLimit(t *testing.T) {
	r := &fs.Ratchet{ChainKey: make([]byte, 32)}
	if _, err := r.TurnUntil(fs.MaxSkip + 1); !errors.Is(err, fs.ErrSkipLimit) {
		t.Fatalf("want ErrSkipLimit, got %v", err)
	}
	if _, err := r.TurnUntil(3); err != nil {
		t.Fatalf("turn: %v", err)
	}
	if _, err := r.TurnUntil(2); !errors.Is(err, fs.ErrCounterReplayed) {
		t.Fatalf("want ErrCounterReplayed, got %v", err)
	}
}
