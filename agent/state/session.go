package state

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

// Session is the persistent source-of-truth for one conversation.
// - Mode drives the engine's per-turn branching (closed-set state machine).
// - Messages is the ordered turn trail; insertion order is significant.
// - Escalation is created lazily when the session enters ModeEscalating.
type Session struct {
	bun.BaseModel `bun:"table:sessions,alias:s"`

	ID   string `bun:"id,pk" json:"session_id"`
	Mode Mode   `bun:"mode,notnull" json:"mode"`

	// PendingOffer is set after an undetected turn so the next turn can
	// interpret a bare "yes" as accepting the escalation offer.
	PendingOffer bool `bun:"pending_offer,notnull,default:false" json:"pending_offer,omitempty"`

	// Contact fields are filled only once the escalation flow captured them.
	ContactName  string `bun:"contact_name,nullzero" json:"contact_name,omitempty"`
	ContactEmail string `bun:"contact_email,nullzero" json:"contact_email,omitempty"`

	CreatedAt      time.Time `bun:"created_at,notnull" json:"created_at"`
	LastActivityAt time.Time `bun:"last_activity_at,notnull" json:"last_activity_at"`

	Messages   []*Message        `bun:"rel:has-many,join:id=session_id" json:"messages,omitempty"`
	Escalation *EscalationRecord `bun:"rel:has-one,join:id=session_id" json:"escalation,omitempty"`

	// persistedMessages is the length of the Messages prefix already durably
	// stored. Messages are immutable, so a save only needs the suffix.
	persistedMessages int
}

type Mode string

const (
	ModeIdle         Mode = "idle"
	ModeInquiry      Mode = "inquiry"
	ModeEscalating   Mode = "escalating"
	ModeHumanHandoff Mode = "human_handoff"
	ModeClosed       Mode = "closed"
)

// IsTerminal reports whether no further mode transition is allowed.
func (m Mode) IsTerminal() bool {
	return m == ModeClosed || m == ModeHumanHandoff
}

func (m Mode) Valid() bool {
	switch m {
	case ModeIdle, ModeInquiry, ModeEscalating, ModeHumanHandoff, ModeClosed:
		return true
	}
	return false
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// IntentLabel is the closed label set produced by classification. It is not
// persisted as its own entity; it rides on the message that triggered it.
type IntentLabel string

const (
	IntentProductInquiry  IntentLabel = "product_inquiry"
	IntentGeneralQuestion IntentLabel = "general_question"
	IntentHumanRequest    IntentLabel = "human_request"
	IntentOther           IntentLabel = "other"
	IntentUndetected      IntentLabel = "undetected"
)

// Message is one turn entry. Immutable once written.
type Message struct {
	bun.BaseModel `bun:"table:messages,alias:m"`

	ID        string      `bun:"id,pk" json:"id"`
	SessionID string      `bun:"session_id,notnull" json:"session_id"`
	Seq       int         `bun:"seq,notnull" json:"seq"`
	Role      Role        `bun:"role,notnull" json:"role"`
	Text      string      `bun:"text,notnull" json:"text"`
	Intent    IntentLabel `bun:"intent,nullzero" json:"intent,omitempty"`
	CreatedAt time.Time   `bun:"created_at,notnull" json:"created_at"`
}

// EscalationRecord tracks the two-slot contact collection for hand-off.
// Owned exclusively by its session; at most one per session.
type EscalationRecord struct {
	bun.BaseModel `bun:"table:escalations,alias:e"`

	SessionID   string    `bun:"session_id,pk" json:"session_id"`
	Name        string    `bun:"name,nullzero" json:"name,omitempty"`
	Email       string    `bun:"email,nullzero" json:"email,omitempty"`
	InquiryID   string    `bun:"inquiry_id,nullzero" json:"inquiry_id,omitempty"`
	HandedOff   bool      `bun:"handed_off,notnull,default:false" json:"handed_off"`
	HandedOffAt time.Time `bun:"handed_off_at,nullzero" json:"handed_off_at,omitempty"`
	CreatedAt   time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt   time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

// Complete reports whether both contact slots are filled.
func (e *EscalationRecord) Complete() bool {
	return e != nil && strings.TrimSpace(e.Name) != "" && strings.TrimSpace(e.Email) != ""
}

/* -------------------------- Session helpers -------------------------- */

var (
	ErrInvalidSession    = errors.New("session id is empty")
	ErrNilSession        = errors.New("session is nil")
	ErrInvalidMode       = errors.New("invalid session mode")
	ErrInvalidTransition = errors.New("invalid mode transition")
)

// modeTransitions is the transition table the engine branches on. Terminal
// modes have no outgoing edges; everything else may close explicitly.
var modeTransitions = map[Mode]map[Mode]bool{
	ModeIdle: {
		ModeInquiry:    true,
		ModeEscalating: true,
		ModeClosed:     true,
	},
	ModeInquiry: {
		ModeIdle:   true,
		ModeClosed: true,
	},
	ModeEscalating: {
		ModeHumanHandoff: true,
		ModeClosed:       true,
	},
	ModeHumanHandoff: {},
	ModeClosed:       {},
}

func NewSession(sessionID string, now time.Time) *Session {
	return &Session{
		ID:             sessionID,
		Mode:           ModeIdle,
		CreatedAt:      now.UTC(),
		LastActivityAt: now.UTC(),
	}
}

func (s *Session) Touch(now time.Time) {
	s.LastActivityAt = now.UTC()
}

// TransitionTo moves the session to the target mode if the transition table
// allows it. Same-mode transitions are no-ops.
func (s *Session) TransitionTo(mode Mode, now time.Time) error {
	if s == nil {
		return ErrNilSession
	}
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if s.Mode == mode {
		return nil
	}
	if !modeTransitions[s.Mode][mode] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Mode, mode)
	}
	s.Mode = mode
	s.Touch(now)
	return nil
}

// AppendMessage appends a turn entry preserving insertion order.
func (s *Session) AppendMessage(id string, role Role, text string, intent IntentLabel, now time.Time) *Message {
	msg := &Message{
		ID:        id,
		SessionID: s.ID,
		Seq:       len(s.Messages) + 1,
		Role:      role,
		Text:      text,
		Intent:    intent,
		CreatedAt: now.UTC(),
	}
	s.Messages = append(s.Messages, msg)
	return msg
}

// EnsureEscalation lazily creates the escalation record.
func (s *Session) EnsureEscalation(now time.Time) *EscalationRecord {
	if s.Escalation == nil {
		s.Escalation = &EscalationRecord{
			SessionID: s.ID,
			CreatedAt: now.UTC(),
			UpdatedAt: now.UTC(),
		}
	}
	return s.Escalation
}

// UnsavedMessages returns the suffix of the trail not yet durably stored.
func (s *Session) UnsavedMessages() []*Message {
	if s == nil || s.persistedMessages >= len(s.Messages) {
		return nil
	}
	return s.Messages[s.persistedMessages:]
}

// MarkMessagesPersisted records that the whole current trail is durably
// stored. Stores call this after a successful load or save.
func (s *Session) MarkMessagesPersisted() {
	s.persistedMessages = len(s.Messages)
}

// RecentTexts returns up to limit message texts, oldest first, newest last.
// The classifier adapter consumes this as bounded context.
func (s *Session) RecentTexts(limit int) []string {
	if s == nil || len(s.Messages) == 0 || limit <= 0 {
		return nil
	}
	start := len(s.Messages) - limit
	if start < 0 {
		start = 0
	}
	out := make([]string, 0, len(s.Messages)-start)
	for _, m := range s.Messages[start:] {
		out = append(out, m.Text)
	}
	return out
}

func (s *Session) Validate() error {
	if s == nil {
		return ErrNilSession
	}
	if strings.TrimSpace(s.ID) == "" {
		return ErrInvalidSession
	}
	if !s.Mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, s.Mode)
	}
	for i, m := range s.Messages {
		if m == nil {
			return fmt.Errorf("message %d is nil", i)
		}
		if m.SessionID != s.ID {
			return fmt.Errorf("message %s belongs to session %s, not %s", m.ID, m.SessionID, s.ID)
		}
	}
	if s.Escalation != nil && s.Escalation.SessionID != s.ID {
		return fmt.Errorf("escalation belongs to session %s, not %s", s.Escalation.SessionID, s.ID)
	}
	if s.Mode == ModeHumanHandoff {
		if !s.Escalation.Complete() || !s.Escalation.HandedOff {
			return fmt.Errorf("mode %s requires a completed escalation record", ModeHumanHandoff)
		}
	}
	return nil
}

// Clone deep-copies the session so callers can mutate working copies without
// leaking partial state into shared storage.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if len(s.Messages) > 0 {
		c.Messages = make([]*Message, len(s.Messages))
		for i, m := range s.Messages {
			mc := *m
			c.Messages[i] = &mc
		}
	}
	if s.Escalation != nil {
		ec := *s.Escalation
		c.Escalation = &ec
	}
	return &c
}
