package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/voltpass/rewards-service/internal/model"
	"github.com/voltpass/rewards-service/internal/repo"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SessionService starts and ends exclusive charging sessions. Station
// exclusivity and request dedup both ride on unique indexes; the service
// only interprets which constraint lost.
type SessionService struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewSessionService returns SessionService.
func NewSessionService(r repo.RepositoryInterface, logger *zap.SugaredLogger) *SessionService {
	return &SessionService{repo: r, log: logger}
}

// StartSession creates a session for driver at station, deduplicated by
// key. A replayed key returns the original session with
// OutcomeAlreadyExists regardless of the rest of the payload. A station
// with an active session fails ErrStationBusy.
func (s *SessionService) StartSession(ctx context.Context, key, stationID string, driverAccountID uint64) (*model.ChargingSession, Outcome, error) {
	var session *model.ChargingSession
	outcome := OutcomeCreated
	err := withStorageRetry(ctx, func() error {
		return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
			prior, err := s.repo.SessionByKey(ctx, tx, key)
			if err != nil {
				return err
			}
			if prior != nil {
				// first writer wins; payload equality is not checked
				session = prior
				outcome = OutcomeAlreadyExists
				return nil
			}
			fresh := &model.ChargingSession{
				IdempotencyKey:  causalRef(key),
				StationID:       stationID,
				ActiveStationID: &stationID,
				DriverAccountID: driverAccountID,
				Status:          model.SessionActive,
			}
			if err := s.repo.CreateSession(ctx, tx, fresh); err != nil {
				return err
			}
			payload, _ := json.Marshal(map[string]interface{}{
				"session_id":        fresh.ID,
				"station_id":        stationID,
				"driver_account_id": driverAccountID,
			})
			if err := s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
				EventType: "session.started",
				Payload:   string(payload),
			}); err != nil {
				return err
			}
			session = fresh
			return nil
		})
	})
	if err == nil {
		return session, outcome, nil
	}
	if repo.IsDuplicateKey(err) {
		// Two constraints can lose here. A row under our idempotency
		// key means a concurrent replay won the insert: hand back the
		// winner. Otherwise the station slot is taken.
		if prior, ferr := s.repo.SessionByKey(ctx, s.repo.DB(ctx), key); ferr == nil && prior != nil {
			return prior, OutcomeAlreadyExists, nil
		}
		return nil, OutcomeCreated, ErrStationBusy
	}
	return nil, OutcomeCreated, err
}

// EndSession ends an active session and frees the station. Ending an
// already-ended session is an idempotent no-op reported as
// OutcomeAlreadyExists; a missing session fails repo.ErrNotFound.
func (s *SessionService) EndSession(ctx context.Context, sessionID uint64) (*model.ChargingSession, Outcome, error) {
	var session *model.ChargingSession
	outcome := OutcomeCreated
	err := withStorageRetry(ctx, func() error {
		return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
			ended, err := s.repo.EndSession(ctx, tx, sessionID, time.Now())
			if err != nil {
				return err
			}
			session, err = s.repo.GetSession(ctx, tx, sessionID)
			if err != nil {
				return err
			}
			if !ended {
				outcome = OutcomeAlreadyExists
				return nil
			}
			payload, _ := json.Marshal(map[string]interface{}{
				"session_id": sessionID,
				"station_id": session.StationID,
			})
			return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
				EventType: "session.ended",
				Payload:   string(payload),
			})
		})
	})
	if err != nil {
		return nil, outcome, err
	}
	return session, outcome, nil
}
