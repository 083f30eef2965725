package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

type PostgresConfig struct {
	DSN          string        `envconfig:"DSN" split_words:"true" required:"true"`
	Timeout      time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
	MaxOpenConns int           `envconfig:"MAX_OPEN_CONNS" split_words:"true" default:"8"`
}

// PostgresStore persists sessions in PostgreSQL through bun. One session plus
// its messages and escalation record is written in a single transaction, which
// gives the per-session atomicity the engine relies on.
type PostgresStore struct {
	db *bun.DB
}

func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(
		pgdriver.WithDSN(dsn),
		pgdriver.WithTimeout(timeout),
	))
	if cfg.MaxOpenConns > 0 {
		sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	db := bun.NewDB(sqldb, pgdialect.New())

	store := &PostgresStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	models := []any{
		(*Session)(nil),
		(*Message)(nil),
		(*EscalationRecord)(nil),
	}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}
	if _, err := s.db.NewCreateIndex().
		Model((*Message)(nil)).
		Index("idx_messages_session_seq").
		Column("session_id", "seq").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create message index: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, sessionID string) (*Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrInvalidSession
	}

	sess := new(Session)
	err := s.db.NewSelect().
		Model(sess).
		Relation("Messages", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("seq ASC")
		}).
		Relation("Escalation").
		Where("s.id = ?", sessionID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	if err := sess.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session loaded from store: %w", err)
	}
	sess.MarkMessagesPersisted()
	return sess, nil
}

func (s *PostgresStore) Save(ctx context.Context, sess *Session) error {
	if sess == nil {
		return ErrNilSession
	}
	if strings.TrimSpace(sess.ID) == "" {
		return ErrInvalidSession
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().
			Model(sess).
			On("CONFLICT (id) DO UPDATE").
			Set("mode = EXCLUDED.mode").
			Set("pending_offer = EXCLUDED.pending_offer").
			Set("contact_name = EXCLUDED.contact_name").
			Set("contact_email = EXCLUDED.contact_email").
			Set("last_activity_at = EXCLUDED.last_activity_at").
			Exec(ctx); err != nil {
			return fmt.Errorf("upsert session: %w", err)
		}

		// Only the suffix appended since load is written, so the save cost
		// stays flat as the trail grows. Messages are immutable and the id
		// conflict is ignored, which keeps retried turns free of duplicates.
		if unsaved := sess.UnsavedMessages(); len(unsaved) > 0 {
			if _, err := tx.NewInsert().
				Model(&unsaved).
				On("CONFLICT (id) DO NOTHING").
				Exec(ctx); err != nil {
				return fmt.Errorf("insert messages: %w", err)
			}
		}

		if sess.Escalation != nil {
			if _, err := tx.NewInsert().
				Model(sess.Escalation).
				On("CONFLICT (session_id) DO UPDATE").
				Set("name = EXCLUDED.name").
				Set("email = EXCLUDED.email").
				Set("inquiry_id = EXCLUDED.inquiry_id").
				Set("handed_off = EXCLUDED.handed_off").
				Set("handed_off_at = EXCLUDED.handed_off_at").
				Set("updated_at = EXCLUDED.updated_at").
				Exec(ctx); err != nil {
				return fmt.Errorf("upsert escalation: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	sess.MarkMessagesPersisted()
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrInvalidSession
	}
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*Message)(nil)).
			Where("session_id = ?", sessionID).
			Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewDelete().
			Model((*EscalationRecord)(nil)).
			Where("session_id = ?", sessionID).
			Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewDelete().
			Model((*Session)(nil)).
			Where("id = ?", sessionID).
			Exec(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
