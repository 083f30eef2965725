package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	statex "github.com/dmartinelli/storebot/agent/state"
)

// EscalationCoordinator runs the two-slot contact collection while the
// session is in ModeEscalating: name first, then email. It is purely
// reactive; there are no retries or timeouts, a session may sit in
// ModeEscalating across any number of turns.
type EscalationCoordinator struct{}

// Prompt produces the first message of the sub-flow.
func (EscalationCoordinator) Prompt(sess *statex.Session) string {
	rec := sess.Escalation
	if rec != nil && strings.TrimSpace(rec.Name) != "" {
		return replyAskEmail(rec.Name)
	}
	return replyAskName()
}

// Advance consumes one user turn. The engine guarantees text is non-empty.
func (c EscalationCoordinator) Advance(sess *statex.Session, text string, now time.Time) string {
	rec := sess.EnsureEscalation(now)

	if strings.TrimSpace(rec.Name) == "" {
		rec.Name = strings.TrimSpace(text)
		rec.UpdatedAt = now.UTC()
		return replyAskEmail(rec.Name)
	}

	email := strings.TrimSpace(text)
	if !validEmail(email) {
		return replyInvalidEmail()
	}

	rec.Email = email
	rec.InquiryID = newInquiryID(now)
	rec.HandedOff = true
	rec.HandedOffAt = now.UTC()
	rec.UpdatedAt = now.UTC()

	sess.ContactName = rec.Name
	sess.ContactEmail = rec.Email

	if err := sess.TransitionTo(statex.ModeHumanHandoff, now); err != nil {
		log.Error().Err(err).Str("session_id", sess.ID).Msg("handoff transition rejected")
		return replyUnavailable()
	}

	log.Info().
		Str("session_id", sess.ID).
		Str("inquiry_id", rec.InquiryID).
		Msg("session handed off to operator")

	return replyHandoffConfirmed(rec.Name, rec.Email, sess.ID, rec.InquiryID)
}

// validEmail checks the minimal email shape: one "@" with non-empty local
// and domain parts.
func validEmail(s string) bool {
	local, domain, ok := strings.Cut(s, "@")
	if !ok {
		return false
	}
	return strings.TrimSpace(local) != "" && strings.TrimSpace(domain) != ""
}

func newInquiryID(now time.Time) string {
	return fmt.Sprintf("INQ-%d", now.Unix())
}
