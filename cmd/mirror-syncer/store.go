package main

import (
	"context"

	"github.com/goodnatureofminers/blockmirror/internal/mirror/repository/postgres"
	"github.com/goodnatureofminers/blockmirror/internal/mirror/syncer"
)

// pgStore adapts the postgres repository to syncer.Store.
type pgStore struct {
	*postgres.Repository
}

func (s pgStore) Begin(ctx context.Context) (syncer.StoreTx, error) {
	tx, err := s.Repository.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}
