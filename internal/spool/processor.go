package spool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"printgate/internal/logging"
	"printgate/internal/model"
	"printgate/internal/store"
)

// Processor turns accepted submissions into stored jobs.
type Processor struct {
	Store *store.Store
	Spool Spool
}

func NewProcessor(st *store.Store, sp Spool) *Processor {
	return &Processor{Store: st, Spool: sp}
}

// AuthorizeUser reports whether user may print at all: the account must
// exist and be enabled.
func (p *Processor) AuthorizeUser(ctx context.Context, user string) (bool, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return false, nil
	}
	allowed := false
	err := p.Store.WithTx(ctx, true, func(tx *sql.Tx) error {
		u, err := p.Store.GetUserByUsername(ctx, tx, user)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		allowed = !u.Disabled
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("authorize %q: %w", user, err)
	}
	return allowed, nil
}

// Process stores the submission body for queue q and returns the new job.
func (p *Processor) Process(ctx context.Context, q model.Queue, sub *model.Submission) (model.Job, error) {
	staged, size, err := p.Spool.Stage(sub.Body())
	if err != nil {
		return model.Job{}, fmt.Errorf("spool: %w", err)
	}

	job := model.Job{
		QueueID:    q.ID,
		Title:      sub.Title,
		UserName:   sub.User,
		OriginHost: sub.Addr,
		Protocol:   sub.Protocol,
		SizeBytes:  size,
	}
	var final string
	err = p.Store.WithTx(ctx, false, func(tx *sql.Tx) error {
		created, err := p.Store.CreateJob(ctx, tx, job)
		if err != nil {
			return err
		}
		final, err = p.Spool.Commit(staged, created.ID, sub.Title)
		if err != nil {
			return err
		}
		if err := p.Store.AttachDocument(ctx, tx, created.ID, final, size); err != nil {
			return err
		}
		created.SpoolPath = final
		job = created
		return nil
	})
	if err != nil {
		_ = os.Remove(staged)
		if final != "" {
			_ = os.Remove(final)
		}
		return model.Job{}, fmt.Errorf("record job: %w", err)
	}

	logging.Page(logging.PageLogLine(q.URLPath, job.UserName, job.ID, string(job.Protocol), job.SizeBytes, job.Title, job.OriginHost, "ok"))
	log.Info().
		Int64("job", job.ID).
		Str("queue", q.URLPath).
		Str("user", job.UserName).
		Str("protocol", string(job.Protocol)).
		Int64("bytes", job.SizeBytes).
		Msg("job accepted")
	return job, nil
}
