package queue

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"printgate/internal/model"
	"printgate/internal/store"
)

// Service answers queue questions for the ingress layer. Queue rows are
// owned by the store and only read here.
type Service struct {
	Store        *store.Store
	DefaultQueue string
}

func NewService(st *store.Store, defaultQueue string) *Service {
	return &Service{Store: st, DefaultQueue: strings.Trim(defaultQueue, "/")}
}

// ResolvePath maps a blank queue segment onto the configured default queue.
func (s *Service) ResolvePath(path string) string {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return s.DefaultQueue
	}
	return path
}

// Lookup returns the queue for path. found is false when no row exists;
// deleted rows are returned with found set so callers can tell them apart.
func (s *Service) Lookup(ctx context.Context, path string) (q model.Queue, found bool, err error) {
	path = s.ResolvePath(path)
	err = s.Store.WithTx(ctx, true, func(tx *sql.Tx) error {
		got, err := s.Store.GetQueueByPath(ctx, tx, path)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		q, found = got, true
		return nil
	})
	return q, found, err
}

// AddressAllowed checks addr against the queue's allow-list. Queues without
// a list rely on the default policy and allow everything here.
func (s *Service) AddressAllowed(q model.Queue, addr string) bool {
	if q.DefaultPolicy() {
		return true
	}
	return ipMatches(HostIP(addr), q.IPAllowed)
}

// Printable lists live queues that accept documents over p.
func (s *Service) Printable(ctx context.Context, p model.Protocol) ([]model.Queue, error) {
	var out []model.Queue
	err := s.Store.WithTx(ctx, true, func(tx *sql.Tx) error {
		all, err := s.Store.ListQueues(ctx, tx)
		if err != nil {
			return err
		}
		for _, q := range all {
			if q.Disabled || !q.Reserved.Supports(p) {
				continue
			}
			out = append(out, q)
		}
		return nil
	})
	return out, err
}
