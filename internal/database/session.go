package database

import (
	"context"

	"github.com/flurbudurbur/Quill/internal/domain"
	"github.com/flurbudurbur/Quill/internal/logger"
	"github.com/flurbudurbur/Quill/pkg/errors"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SessionRepo struct {
	log zerolog.Logger
	db  *DB
}

func NewSessionRepo(log logger.Logger, db *DB) *SessionRepo {
	return &SessionRepo{
		log: log.With().Str("repo", "session").Logger(),
		db:  db,
	}
}

func (r *SessionRepo) Load(ctx context.Context, slot string) (*domain.StoredSession, error) {
	var s domain.StoredSession
	err := r.db.Get().WithContext(ctx).Where("slot = ?", slot).Take(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		r.log.Error().Err(err).Str("slot", slot).Msg("failed to load session")
		return nil, errors.Wrap(err, "failed to load session %s", slot)
	}

	return &s, nil
}

// Store upserts the session for its slot.
func (r *SessionRepo) Store(ctx context.Context, session domain.StoredSession) error {
	if session.Slot == "" {
		return errors.New("session slot is required")
	}

	err := r.db.Get().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "slot"}},
			UpdateAll: true,
		}).
		Create(&session).Error
	if err != nil {
		r.log.Error().Err(err).Str("slot", session.Slot).Msg("failed to store session")
		return errors.Wrap(err, "failed to store session %s", session.Slot)
	}

	return nil
}

func (r *SessionRepo) Clear(ctx context.Context, slot string) error {
	err := r.db.Get().WithContext(ctx).Where("slot = ?", slot).Delete(&domain.StoredSession{}).Error
	if err != nil {
		r.log.Error().Err(err).Str("slot", slot).Msg("failed to clear session")
		return errors.Wrap(err, "failed to clear session %s", slot)
	}

	return nil
}

// Ping lets the readiness probe check the store.
func (r *SessionRepo) Ping(ctx context.Context) error {
	return r.db.Ping()
}
