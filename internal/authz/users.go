package authz

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"printgate/internal/store"
)

// StoreUsers resolves internet print identities from the account table.
type StoreUsers struct {
	Store *store.Store
}

func (s StoreUsers) UserByNumber(ctx context.Context, number string, id uuid.UUID) (string, bool, error) {
	var name string
	err := s.Store.WithTx(ctx, true, func(tx *sql.Tx) error {
		u, err := s.Store.GetUserByNumber(ctx, tx, number, id)
		if err != nil {
			return err
		}
		name = u.Username
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return name, true, nil
}
