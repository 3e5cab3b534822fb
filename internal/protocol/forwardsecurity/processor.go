package forwardsecurity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"e2e_mediator/internal/model"
	"e2e_mediator/internal/protocol/chat"
	"e2e_mediator/internal/utils/log"

	"go.uber.org/zap"
)

var (
	ErrMalformedMessage = errors.New("malformed forward security message")
	ErrUnknownSession   = errors.New("unknown forward security session")
	ErrInvalidSession   = errors.New("forward security session invalid")
	ErrUnknownContact   = errors.New("unknown contact")
)

type (
	// Sender delivers a control or data content to peer.
	Sender interface {
		SendContent(ctx context.Context, peer string, c *chat.Content) error
	}

	// Contacts resolves peers. FetchContact returns nil without error when the peer is unknown.
	Contacts interface {
		FetchContact(ctx context.Context, identity string) (*model.Contact, error)
	}

	RefreshReport struct {
		Initiated []string
		Resent    []string
		Unchanged []string
		Excluded  []string
	}

	Processor struct {
		my       *model.Identity
		store    SessionStore
		contacts Contacts
		sender   Sender

		mu sync.Mutex
	}
)

func NewProcessor(my *model.Identity, store SessionStore, contacts Contacts, sender Sender) *Processor {
	return &Processor{
		my:       my,
		store:    store,
		contacts: contacts,
		sender:   sender,
	}
}

func (p *Processor) contact(ctx context.Context, peer string) (*model.Contact, error) {
	c, err := p.contacts.FetchContact(ctx, peer)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContact, peer)
	}
	return c, nil
}

// Process handles a session control message received from peer.
func (p *Processor) Process(ctx context.Context, peer string, c *chat.Content) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch c.Type {
	case chat.ContentFSInit:
		var m Init
		if err := fromContent(c, &m); err != nil {
			return err
		}
		return p.handleInit(ctx, peer, &m)
	case chat.ContentFSAccept:
		var m Accept
		if err := fromContent(c, &m); err != nil {
			return err
		}
		return p.handleAccept(ctx, peer, &m)
	case chat.ContentFSReject:
		var m Reject
		if err := fromContent(c, &m); err != nil {
			return err
		}
		log.Info("fs session rejected", zap.String("peer", peer), zap.Stringer("session", m.SessionID), zap.Uint8("cause", uint8(m.Cause)))
		return p.store.DeleteSession(ctx, p.my.Identity, peer, m.SessionID)
	case chat.ContentFSTerminate:
		var m Terminate
		if err := fromContent(c, &m); err != nil {
			return err
		}
		log.Info("fs session terminated", zap.String("peer", peer), zap.Stringer("session", m.SessionID), zap.Uint8("cause", uint8(m.Cause)))
		return p.store.DeleteSession(ctx, p.my.Identity, peer, m.SessionID)
	default:
		return fmt.Errorf("%w: unexpected content %q", ErrMalformedMessage, c.Type)
	}
}

func (p *Processor) handleInit(ctx context.Context, peer string, m *Init) error {
	contact, err := p.contact(ctx, peer)
	if err != nil {
		return err
	}
	if !contact.ForwardSecurity {
		return p.send(ctx, peer, chat.ContentFSReject, &Reject{SessionID: m.SessionID, Cause: RejectDisabled})
	}

	existing, err := p.store.ExactSession(ctx, p.my.Identity, peer, m.SessionID)
	if err != nil {
		return err
	}
	if existing == nil {
		s, err := newResponderSession(p.my, peer, contact.PublicKey, m)
		if err != nil {
			return err
		}
		if err := p.store.StoreSession(ctx, s); err != nil {
			return err
		}
		if err := p.store.DeleteAllSessionsExcept(ctx, p.my.Identity, peer, s.ID); err != nil {
			return err
		}
		log.Info("fs session accepted", zap.String("peer", peer), zap.Stringer("session", s.ID))
	}

	return p.send(ctx, peer, chat.ContentFSAccept, &Accept{SessionID: m.SessionID})
}

func (p *Processor) handleAccept(ctx context.Context, peer string, m *Accept) error {
	s, err := p.store.ExactSession(ctx, p.my.Identity, peer, m.SessionID)
	if err != nil {
		return err
	}
	if s == nil {
		log.Warn("accept for unknown fs session", zap.String("peer", peer), zap.Stringer("session", m.SessionID))
		return p.send(ctx, peer, chat.ContentFSTerminate, &Terminate{SessionID: m.SessionID, Cause: TerminateUnknownSession})
	}
	if s.Committed {
		return nil
	}
	s.commit()
	return p.store.StoreSession(ctx, s)
}

// Encapsulate wraps c into a session envelope when a committed session with peer
// exists. ok is false when c has to be sent as is.
func (p *Processor) Encapsulate(ctx context.Context, peer string, c *chat.Content) (wrapped *chat.Content, ok bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.store.BestSession(ctx, p.my.Identity, peer)
	if err != nil {
		return nil, false, err
	}
	if s == nil || !s.Committed {
		return nil, false, nil
	}

	plain, err := chat.MarshalContent(c)
	if err != nil {
		return nil, false, err
	}
	data, err := s.seal(plain)
	if err != nil {
		return nil, false, err
	}
	s.LastMessageSent = time.Now()
	if err := p.store.StoreSession(ctx, s); err != nil {
		return nil, false, err
	}

	wrapped, err = toContent(chat.ContentFSEnvelope, data)
	if err != nil {
		return nil, false, err
	}
	return wrapped, true, nil
}

// Decapsulate opens a session envelope received from peer. An unknown session is
// answered with a Reject. A decryption failure marks the session invalid.
func (p *Processor) Decapsulate(ctx context.Context, peer string, c *chat.Content) (*chat.Content, error) {
	if c.Type != chat.ContentFSEnvelope {
		return nil, fmt.Errorf("%w: not an envelope", ErrMalformedMessage)
	}
	var d Data
	if err := fromContent(c, &d); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.store.ExactSession(ctx, p.my.Identity, peer, d.SessionID)
	if err != nil {
		return nil, err
	}
	if s == nil || s.Invalid {
		if err := p.send(ctx, peer, chat.ContentFSReject, &Reject{SessionID: d.SessionID, Cause: RejectUnknownSession}); err != nil {
			log.Warn("failed to reject fs envelope", zap.String("peer", peer), zap.Error(err))
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, d.SessionID)
	}

	plain, err := s.open(&d)
	if err != nil {
		s.Invalid = true
		if storeErr := p.store.StoreSession(ctx, s); storeErr != nil {
			log.Error("failed to store invalid fs session", zap.Error(storeErr))
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSession, d.SessionID, err)
	}
	if !s.Committed {
		// the peer can only encrypt after accepting
		s.commit()
	}
	if err := p.store.StoreSession(ctx, s); err != nil {
		return nil, err
	}
	return chat.UnmarshalContent(plain)
}

func (p *Processor) HasInvalidSessions(ctx context.Context, peer string) (bool, error) {
	sessions, err := p.store.Sessions(ctx, p.my.Identity, peer)
	if err != nil {
		return false, err
	}
	for _, s := range sessions {
		if s.Invalid {
			return true, nil
		}
	}
	return false, nil
}

// TerminateInvalid deletes every invalid session with peer and tells the peer.
// Valid sessions are left alone.
func (p *Processor) TerminateInvalid(ctx context.Context, peer string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.terminateInvalid(ctx, peer)
	return err
}

func (p *Processor) terminateInvalid(ctx context.Context, peer string) (int, error) {
	sessions, err := p.store.Sessions(ctx, p.my.Identity, peer)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range sessions {
		if !s.Invalid {
			continue
		}
		if err := p.store.DeleteSession(ctx, p.my.Identity, peer, s.ID); err != nil {
			return n, err
		}
		n++
		if err := p.send(ctx, peer, chat.ContentFSTerminate, &Terminate{SessionID: s.ID, Cause: TerminateInvalidated}); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Refresh makes sure every forward security capable peer in identities has a
// session: peers without one get a new Init, peers with a pending one get the
// same Init again. Committed sessions cause no traffic.
func (p *Processor) Refresh(ctx context.Context, identities []string) (*RefreshReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	report := &RefreshReport{}
	for _, peer := range identities {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		contact, err := p.contacts.FetchContact(ctx, peer)
		if err != nil {
			return report, err
		}
		if contact == nil || !contact.ForwardSecurity || !contact.Usable() {
			report.Excluded = append(report.Excluded, peer)
			continue
		}

		if _, err := p.terminateInvalid(ctx, peer); err != nil {
			return report, err
		}

		s, err := p.store.BestSession(ctx, p.my.Identity, peer)
		if err != nil {
			return report, err
		}
		switch {
		case s == nil:
			s, err = newInitiatorSession(p.my, peer, contact.PublicKey)
			if err != nil {
				return report, err
			}
			if err := p.store.StoreSession(ctx, s); err != nil {
				return report, err
			}
			if err := p.sendInit(ctx, s); err != nil {
				return report, err
			}
			report.Initiated = append(report.Initiated, peer)
		case !s.Committed:
			if err := p.sendInit(ctx, s); err != nil {
				return report, err
			}
			report.Resent = append(report.Resent, peer)
		default:
			report.Unchanged = append(report.Unchanged, peer)
		}
	}

	log.Info("fs refresh done",
		zap.Int("initiated", len(report.Initiated)),
		zap.Int("resent", len(report.Resent)),
		zap.Int("unchanged", len(report.Unchanged)),
		zap.Int("excluded", len(report.Excluded)),
	)
	return report, nil
}

func (p *Processor) sendInit(ctx context.Context, s *Session) error {
	return p.send(ctx, s.PeerIdentity, chat.ContentFSInit, &Init{SessionID: s.ID, EphemeralPublicKey: s.MyEphemeralPublicKey})
}

func (p *Processor) send(ctx context.Context, peer string, t chat.ContentType, m any) error {
	c, err := toContent(t, m)
	if err != nil {
		return err
	}
	return p.sender.SendContent(ctx, peer, c)
}
