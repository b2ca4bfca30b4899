// Package mailsync mirrors a student's provider mailbox into the local store.
package mailsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stoik/mailbridge/internal/models"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/apperr"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/config"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/connection"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/provider"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/store"
)

// Result counts what one sync did. Unchanged messages count as neither created nor updated.
type Result struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Errors  int `json:"errors"`
}

const runTimeout = 15 * time.Minute

type Service struct {
	store  *store.Store
	conns  *connection.Manager
	cfg    config.SyncConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	flights map[uuid.UUID]*flight
}

// flight is one sync run shared by every caller that asked for it while it was running
type flight struct {
	done    chan struct{}
	res     Result
	err     error
	waiters int
	cancel  context.CancelFunc
}

func NewService(st *store.Store, conns *connection.Manager, cfg config.SyncConfig, logger *slog.Logger) *Service {
	return &Service{
		store:   st,
		conns:   conns,
		cfg:     cfg,
		logger:  logger.With("component", "mailsync"),
		now:     time.Now,
		flights: make(map[uuid.UUID]*flight),
	}
}

// Sync pulls new and changed messages for studentID. Concurrent calls for the same student
// share a single run and its result. The run is detached from any one caller: it is cancelled
// only once every waiting caller has gone.
//
// Per-message failures are counted in Result.Errors and do not stop the run. Listing failures,
// rejected credentials and cancellation abort it, and last_sync_at is then left untouched.
func (s *Service) Sync(ctx context.Context, actor string, studentID uuid.UUID) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, apperr.Provider("mailsync.Sync", "sync cancelled", err)
	}

	s.mu.Lock()
	f, ok := s.flights[studentID]
	if !ok {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), runTimeout)
		f = &flight{done: make(chan struct{}), cancel: cancel}
		s.flights[studentID] = f
		go s.fly(runCtx, f, actor, studentID)
	} else {
		s.logger.Debug("joined running sync", "student_id", studentID)
	}
	f.waiters++
	s.mu.Unlock()

	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		s.mu.Lock()
		f.waiters--
		if f.waiters == 0 {
			f.cancel()
		}
		s.mu.Unlock()
		return Result{}, apperr.Provider("mailsync.Sync", "sync cancelled", ctx.Err())
	}
}

func (s *Service) fly(ctx context.Context, f *flight, actor string, studentID uuid.UUID) {
	res, err := s.run(ctx, actor, studentID)

	s.mu.Lock()
	delete(s.flights, studentID)
	s.mu.Unlock()

	f.res, f.err = res, err
	f.cancel()
	close(f.done)
}

func (s *Service) run(ctx context.Context, actor string, studentID uuid.UUID) (Result, error) {
	var res Result
	started := s.now()

	sess, err := s.conns.Acquire(ctx, studentID)
	if err != nil {
		return res, err
	}
	defer sess.Release()

	var refs []string
	err = sess.Do(ctx, actor, func(mb provider.Mailbox) error {
		var err error
		refs, err = s.list(ctx, mb, sess.Connection.LastSyncAt)
		return err
	})
	if err != nil {
		return res, err
	}

	for _, id := range refs {
		if err := ctx.Err(); err != nil {
			return res, apperr.Provider("mailsync.Sync", "sync cancelled", err)
		}

		var msg *models.ProviderMessage
		err := sess.Do(ctx, actor, func(mb provider.Mailbox) error {
			var err error
			msg, err = mb.GetMessage(ctx, id)
			return err
		})
		if err != nil {
			var lost *connection.SessionLostError
			if apperr.IsAuth(err) || errors.As(err, &lost) || ctx.Err() != nil {
				return res, err
			}
			s.logger.Warn("fetching message", "student_id", studentID, "message_id", id, "error", err)
			res.Errors++
			continue
		}

		m, err := toMirror(studentID, msg)
		if err != nil {
			s.logger.Warn("converting message", "student_id", studentID, "message_id", id, "error", err)
			res.Errors++
			continue
		}

		outcome, err := s.store.UpsertMessage(ctx, m)
		if err != nil {
			if ctx.Err() != nil {
				return res, apperr.Provider("mailsync.Sync", "sync cancelled", ctx.Err())
			}
			s.logger.Warn("storing message", "student_id", studentID, "message_id", id, "error", err)
			res.Errors++
			continue
		}
		switch outcome {
		case store.Created:
			res.Created++
		case store.Updated:
			res.Updated++
		}
	}

	if err := s.store.MarkSynced(ctx, studentID, started); err != nil && !errors.Is(err, store.ErrNotFound) {
		return res, err
	}

	s.logger.Info("sync complete",
		"student_id", studentID,
		"listed", len(refs),
		"created", res.Created,
		"updated", res.Updated,
		"errors", res.Errors,
		"duration", s.now().Sub(started).Round(time.Millisecond),
	)
	return res, nil
}

// list returns the ids to fetch. An incremental sync pages through everything received since
// the last sync minus the overlap window, so the watermark never passes an unlisted message.
// A first sync takes the newest InitialLimit messages, in at most MaxPages pages.
func (s *Service) list(ctx context.Context, mb provider.Mailbox, lastSync *time.Time) ([]string, error) {
	q := provider.ListQuery{MaxResults: s.cfg.PageSize}
	incremental := lastSync != nil
	if incremental {
		q.After = lastSync.Add(-s.cfg.Overlap)
	}

	seen := make(map[string]bool)
	tokens := make(map[string]bool)
	var ids []string
	for page := 0; ; page++ {
		if !incremental {
			if len(ids) >= s.cfg.InitialLimit || page >= s.cfg.MaxPages {
				break
			}
			q.MaxResults = min(s.cfg.PageSize, s.cfg.InitialLimit-len(ids))
		}

		list, err := mb.ListMessages(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, ref := range list.Messages {
			if seen[ref.ID] || (!incremental && len(ids) >= s.cfg.InitialLimit) {
				continue
			}
			seen[ref.ID] = true
			ids = append(ids, ref.ID)
		}

		if list.NextPageToken == "" {
			break
		}
		if tokens[list.NextPageToken] {
			return nil, apperr.Provider("mailsync.list", "provider repeated a page token", nil)
		}
		tokens[list.NextPageToken] = true
		q.PageToken = list.NextPageToken
	}
	return ids, nil
}
