package chat

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/ashureev/alsin/internal/domain"
	"github.com/ashureev/alsin/internal/session"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrNoPartner    = errors.New("no conversation partner selected")
	ErrNoProfile    = errors.New("session identity has no user id")
	ErrStalePartner = errors.New("partner is no longer selected")
	ErrViewClosed   = errors.New("chat view is closed")
)

// HistoryClient fetches the message log between the caller and a partner.
type HistoryClient interface {
	History(ctx context.Context, partnerID int64) ([]domain.Message, error)
}

// View is one conversation screen. It owns its channel exclusively and
// shows either the selected partner's history or nothing.
type View struct {
	history HistoryClient
	dialer  Dialer
	session session.Session
	opts    []Option
	o       options

	mu       sync.Mutex
	channel  *Channel
	partner  *domain.Partner
	gen      uint64
	loading  bool
	pending  []domain.Message
	messages []domain.Message
	seen     map[int64]struct{}
	onUpdate func([]domain.Message)
	version  uint64
	closed   bool

	notifyMu  sync.Mutex
	delivered uint64
}

// New creates a view for the session snapshot s.
func New(history HistoryClient, dialer Dialer, s session.Session, opts ...Option) *View {
	return &View{
		history: history,
		dialer:  dialer,
		session: s,
		opts:    opts,
		o:       buildOptions(opts),
		seen:    make(map[int64]struct{}),
	}
}

// Start opens the channel without a partner selected. It is optional;
// SelectPartner opens a fresh channel either way.
func (v *View) Start(ctx context.Context) error {
	if err := v.ready(); err != nil {
		return err
	}
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	if v.channel != nil {
		v.mu.Unlock()
		return nil
	}
	ch := v.newChannel()
	v.channel = ch
	v.mu.Unlock()

	return ch.Open(ctx)
}

// SelectPartner switches the conversation. The previous channel is closed,
// a new one opened and the partner's history loaded. Results of earlier
// selections that arrive late are discarded.
func (v *View) SelectPartner(ctx context.Context, partner domain.Partner) error {
	if err := v.ready(); err != nil {
		return err
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	old := v.channel
	v.channel = nil
	v.gen++
	gen := v.gen
	p := partner
	v.partner = &p
	v.messages = nil
	v.seen = make(map[int64]struct{})
	v.pending = nil
	v.loading = true
	v.version++
	v.mu.Unlock()
	v.notify()

	if old != nil {
		_ = old.Close()
	}

	ch := v.newChannel()
	v.mu.Lock()
	if v.gen != gen || v.closed {
		v.mu.Unlock()
		return nil
	}
	v.channel = ch
	v.mu.Unlock()

	if err := ch.Open(ctx); err != nil {
		v.o.logger.Warn("chat channel not open", "partner_id", partner.ID, "error", err)
	}
	return v.loadHistory(ctx, partner, gen)
}

// LoadHistory reloads the log of the currently selected partner, replacing
// what is shown.
func (v *View) LoadHistory(ctx context.Context, partner domain.Partner) error {
	v.mu.Lock()
	if v.partner == nil {
		v.mu.Unlock()
		return ErrNoPartner
	}
	if v.partner.ID != partner.ID {
		v.mu.Unlock()
		return ErrStalePartner
	}
	gen := v.gen
	v.loading = true
	v.pending = nil
	v.mu.Unlock()

	return v.loadHistory(ctx, partner, gen)
}

func (v *View) loadHistory(ctx context.Context, partner domain.Partner, gen uint64) error {
	msgs, err := v.history.History(ctx, partner.ID)

	v.mu.Lock()
	if v.gen != gen || v.closed {
		v.mu.Unlock()
		v.o.logger.Debug("discarding stale history", "partner_id", partner.ID)
		return nil
	}
	pending := v.pending
	v.pending = nil
	v.loading = false
	if err != nil {
		v.mu.Unlock()
		return err
	}

	me := v.session.Identity.ID
	merged := make([]domain.Message, 0, len(msgs)+len(pending))
	seen := make(map[int64]struct{}, len(msgs)+len(pending))
	for _, m := range msgs {
		if !m.Between(me, partner.ID) {
			continue
		}
		merged = append(merged, m)
		seen[m.ID] = struct{}{}
	}
	for _, m := range pending {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		merged = append(merged, m)
		seen[m.ID] = struct{}{}
	}
	v.messages = merged
	v.seen = seen
	v.version++
	v.mu.Unlock()

	v.notify()
	return nil
}

// HandleInbound appends msg if it belongs to the open conversation and was
// not shown already. It reports whether the log changed.
func (v *View) HandleInbound(msg domain.Message) bool {
	v.mu.Lock()
	if v.closed || v.partner == nil || v.session.Identity == nil ||
		!msg.Between(v.session.Identity.ID, v.partner.ID) {
		v.mu.Unlock()
		return false
	}
	if _, dup := v.seen[msg.ID]; dup {
		v.mu.Unlock()
		return false
	}
	v.seen[msg.ID] = struct{}{}
	v.messages = append(v.messages, msg)
	if v.loading {
		v.pending = append(v.pending, msg)
	}
	v.version++
	v.mu.Unlock()

	v.notify()
	return true
}

// Send submits text to the selected partner. Nothing is appended locally;
// the server echoes the message back over the channel.
func (v *View) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	v.mu.Lock()
	partner, ch := v.partner, v.channel
	v.mu.Unlock()
	if partner == nil {
		return ErrNoPartner
	}
	if ch == nil {
		v.o.logger.Warn("dropping message, chat channel not open", "partner_id", partner.ID)
		return ErrNotReady
	}

	err := ch.Send(ctx, domain.OutboundMessage{ReceiverID: partner.ID, Content: text})
	if errors.Is(err, ErrNotReady) {
		v.o.logger.Warn("dropping message, chat channel not open", "partner_id", partner.ID, "state", ch.State())
	}
	return err
}

// Messages returns a copy of the visible log.
func (v *View) Messages() []domain.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

// Partner returns the selected partner, if any.
func (v *View) Partner() (domain.Partner, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.partner == nil {
		return domain.Partner{}, false
	}
	return *v.partner, true
}

// State returns the state of the current channel.
func (v *View) State() State {
	v.mu.Lock()
	ch := v.channel
	v.mu.Unlock()
	if ch == nil {
		return Closed
	}
	return ch.State()
}

// OnUpdate registers fn to receive the log after every change. Calls are
// serialized and fn must not call back into methods that change the log.
func (v *View) OnUpdate(fn func([]domain.Message)) {
	v.mu.Lock()
	v.onUpdate = fn
	v.mu.Unlock()
}

// Close releases the channel. It is safe to call more than once.
func (v *View) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	ch := v.channel
	v.channel = nil
	v.mu.Unlock()

	if ch != nil {
		return ch.Close()
	}
	return nil
}

func (v *View) ready() error {
	if err := session.RequireAuthenticated(v.session); err != nil || v.session.Credential == "" {
		return ErrNotAuthenticated
	}
	if v.session.Identity.ID == 0 {
		return ErrNoProfile
	}
	return nil
}

func (v *View) newChannel() *Channel {
	return NewChannel(v.dialer, v.session.Credential, func(m domain.Message) { v.HandleInbound(m) }, v.opts...)
}

func (v *View) snapshotLocked() []domain.Message {
	out := make([]domain.Message, len(v.messages))
	copy(out, v.messages)
	return out
}

// notify delivers the current log. Deliveries are serialized and read the
// latest version, so an older log never reaches fn after a newer one.
func (v *View) notify() {
	v.notifyMu.Lock()
	defer v.notifyMu.Unlock()

	v.mu.Lock()
	fn := v.onUpdate
	version := v.version
	snap := v.snapshotLocked()
	v.mu.Unlock()

	if fn == nil || version == v.delivered {
		return
	}
	v.delivered = version
	fn(snap)
}
