package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	contractx "github.com/dmartinelli/storebot/agent/contract"
	statex "github.com/dmartinelli/storebot/agent/state"
	"github.com/dmartinelli/storebot/pkg/observability"
)

const defaultHistoryLimit = 10

type Config struct {
	// HistoryLimit bounds how many prior messages are handed to the
	// classifier as context.
	HistoryLimit int `envconfig:"HISTORY_LIMIT" split_words:"true" default:"10"`
}

// Engine owns the per-session conversation state machine. Every turn is a
// read-modify-persist cycle on one session; turns for the same session id are
// serialized, turns for different sessions run in parallel.
type Engine struct {
	store      statex.Store
	classifier contractx.Classifier
	catalog    contractx.Catalog
	knowledge  contractx.Knowledge
	escalation EscalationCoordinator
	metrics    *observability.Metrics

	historyLimit int

	mu    sync.Mutex
	locks map[string]*sessionLock

	now   func() time.Time
	newID func() string
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// TurnResult is the outcome of one processed turn. Session is a snapshot of
// the state that was durably persisted for this turn.
type TurnResult struct {
	SessionID string          `json:"session_id"`
	Reply     string          `json:"reply"`
	Continue  bool            `json:"continue"`
	Session   *statex.Session `json:"-"`
}

func New(
	store statex.Store,
	classifier contractx.Classifier,
	catalog contractx.Catalog,
	knowledge contractx.Knowledge,
	metrics *observability.Metrics,
	cfg Config,
) (*Engine, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	if classifier == nil {
		return nil, errors.New("classifier adapter is required")
	}
	if catalog == nil {
		return nil, errors.New("catalog adapter is required")
	}
	if knowledge == nil {
		return nil, errors.New("knowledge adapter is required")
	}

	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}

	return &Engine{
		store:        store,
		classifier:   classifier,
		catalog:      catalog,
		knowledge:    knowledge,
		metrics:      metrics,
		historyLimit: historyLimit,
		locks:        make(map[string]*sessionLock),
		now:          time.Now,
		newID:        uuid.NewString,
	}, nil
}

// HandleTurn processes one inbound message. An empty sessionID creates a new
// session; the generated id is echoed back in the result. The turn is only
// reported successful after the full session update was durably saved.
func (e *Engine) HandleTurn(ctx context.Context, sessionID, userText string) (TurnResult, error) {
	text := strings.TrimSpace(userText)
	if text == "" {
		return TurnResult{}, fmt.Errorf("%w: message text is empty", contractx.ErrValidation)
	}

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = e.newID()
	}

	start := e.now()
	if e.metrics != nil {
		defer func() { e.metrics.ObserveTurnDuration(e.now().Sub(start)) }()
	}

	unlock := e.lockSession(sessionID)
	defer unlock()

	sess, err := e.loadOrCreate(ctx, sessionID)
	if err != nil {
		return TurnResult{}, err
	}

	now := e.now()
	history := sess.RecentTexts(e.historyLimit)
	userMsg := sess.AppendMessage(e.newID(), statex.RoleUser, text, "", now)

	reply, cont := e.step(ctx, sess, userMsg, history, now)

	sess.AppendMessage(e.newID(), statex.RoleAssistant, reply, "", now)
	sess.Touch(now)

	if err := sess.Validate(); err != nil {
		return TurnResult{}, fmt.Errorf("%w: %v", contractx.ErrPersistence, err)
	}
	if err := ctx.Err(); err != nil {
		return TurnResult{}, fmt.Errorf("%w: turn aborted before commit: %v", contractx.ErrPersistence, err)
	}
	if err := e.store.Save(ctx, sess); err != nil {
		return TurnResult{}, fmt.Errorf("%w: %v", contractx.ErrPersistence, err)
	}

	return TurnResult{
		SessionID: sess.ID,
		Reply:     reply,
		Continue:  cont,
		Session:   sess,
	}, nil
}

// step runs exactly one state-machine step and returns the assistant reply
// plus the continuation flag. All mutation happens on the working copy; the
// caller persists it afterwards as one unit.
func (e *Engine) step(
	ctx context.Context,
	sess *statex.Session,
	userMsg *statex.Message,
	history []string,
	now time.Time,
) (string, bool) {
	switch {
	case sess.Mode == statex.ModeClosed:
		return replySessionEnded(sess.ID), false

	case sess.Mode == statex.ModeHumanHandoff:
		return replyAlreadyHandedOff(sess.ID), true

	case isEndPhrase(userMsg.Text):
		sess.PendingOffer = false
		if err := sess.TransitionTo(statex.ModeClosed, now); err != nil {
			// Unreachable with the current table; keep the session usable.
			log.Error().Err(err).Str("session_id", sess.ID).Msg("close transition rejected")
			return replySessionEnded(sess.ID), false
		}
		return replyGoodbye(sess.ID), false

	case sess.Mode == statex.ModeEscalating:
		reply := e.escalation.Advance(sess, userMsg.Text, now)
		if sess.Mode == statex.ModeHumanHandoff && e.metrics != nil {
			e.metrics.Handoffs.Inc()
		}
		return reply, true
	}

	if sess.PendingOffer && isAffirmative(userMsg.Text) {
		sess.PendingOffer = false
		return e.beginEscalation(sess, now), true
	}

	res, err := e.classifier.Classify(ctx, history, userMsg.Text)
	if err != nil {
		// The pending offer, if any, survives the outage and stays
		// answerable on the next turn.
		e.countAdapterError("classifier")
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("classifier unavailable")
		return replyUnavailable(), true
	}

	sess.PendingOffer = false
	userMsg.Intent = res.Label
	e.countIntent(res.Label)

	if !res.Detected || res.Label == statex.IntentUndetected {
		sess.PendingOffer = true
		return replyNotUnderstood(), true
	}

	switch res.Label {
	case statex.IntentHumanRequest:
		return e.beginEscalation(sess, now), true
	case statex.IntentProductInquiry:
		return e.handleInquiry(ctx, sess, userMsg.Text, now), true
	case statex.IntentGeneralQuestion:
		return e.handleQuestion(ctx, sess, userMsg.Text), true
	default:
		return replyOfferHelp(), true
	}
}

// beginEscalation moves the session into the contact-collection sub-flow and
// emits its first prompt. The escalation record is created lazily here.
func (e *Engine) beginEscalation(sess *statex.Session, now time.Time) string {
	sess.EnsureEscalation(now)
	if err := sess.TransitionTo(statex.ModeEscalating, now); err != nil {
		log.Error().Err(err).Str("session_id", sess.ID).Msg("escalation transition rejected")
		return replyUnavailable()
	}
	return e.escalation.Prompt(sess)
}

// handleInquiry is single-shot: the session passes through ModeInquiry within
// the turn and always lands back in ModeIdle before persisting. A catalog
// follow-up request only shapes the reply, never the stored mode.
func (e *Engine) handleInquiry(ctx context.Context, sess *statex.Session, query string, now time.Time) string {
	result, err := e.catalog.Search(ctx, query)
	if err != nil {
		e.countAdapterError("catalog")
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("catalog unavailable")
		return replyUnavailable()
	}

	if err := sess.TransitionTo(statex.ModeInquiry, now); err != nil {
		log.Error().Err(err).Str("session_id", sess.ID).Msg("inquiry transition rejected")
		return replyUnavailable()
	}
	reply := composeCatalogReply(result)
	if err := sess.TransitionTo(statex.ModeIdle, now); err != nil {
		log.Error().Err(err).Str("session_id", sess.ID).Msg("inquiry revert rejected")
	}
	return reply
}

func (e *Engine) handleQuestion(ctx context.Context, sess *statex.Session, query string) string {
	result, err := e.knowledge.Lookup(ctx, query)
	if err != nil {
		e.countAdapterError("knowledge")
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("knowledge unavailable")
		return replyUnavailable()
	}
	if !result.Found {
		return replyKnowledgeFallback()
	}
	return result.Answer
}

func (e *Engine) loadOrCreate(ctx context.Context, sessionID string) (*statex.Session, error) {
	sess, err := e.store.Load(ctx, sessionID)
	if err == nil {
		return sess, nil
	}
	if errors.Is(err, statex.ErrStateNotFound) {
		return statex.NewSession(sessionID, e.now()), nil
	}
	return nil, fmt.Errorf("%w: %v", contractx.ErrPersistence, err)
}

// lockSession serializes turns per session id. The lock entry is dropped once
// the last waiter releases it, so the map only holds in-flight sessions.
func (e *Engine) lockSession(sessionID string) func() {
	e.mu.Lock()
	l := e.locks[sessionID]
	if l == nil {
		l = &sessionLock{}
		e.locks[sessionID] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, sessionID)
		}
		e.mu.Unlock()
	}
}

func (e *Engine) countIntent(label statex.IntentLabel) {
	if e.metrics != nil {
		e.metrics.TurnsTotal.WithLabelValues(string(label)).Inc()
	}
}

func (e *Engine) countAdapterError(adapter string) {
	if e.metrics != nil {
		e.metrics.AdapterErrors.WithLabelValues(adapter).Inc()
	}
}

/* ------------------------- turn text interpretation ------------------------- */

var endPhrases = map[string]bool{
	"exit":    true,
	"quit":    true,
	"goodbye": true,
}

func isEndPhrase(text string) bool {
	return endPhrases[strings.ToLower(strings.TrimSpace(text))]
}

var affirmations = map[string]bool{
	"yes":        true,
	"y":          true,
	"yeah":       true,
	"yes please": true,
	"sure":       true,
	"ok":         true,
	"okay":       true,
	"si":         true,
	"sí":         true,
}

// isAffirmative is the lightweight yes/no read used after an escalation
// offer. It is deliberately not a classifier call.
func isAffirmative(text string) bool {
	return affirmations[strings.ToLower(strings.TrimSpace(text))]
}
