package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Moonlitwhisper254/datakibanda/models"
)

type PackageStore struct {
	db *sql.DB
}

func NewPackageStore(db *sql.DB) *PackageStore {
	return &PackageStore{db: db}
}

func (s *PackageStore) Get(ctx context.Context, id string) (*models.DataPackage, error) {
	var p models.DataPackage
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, provider, data_mb, validity, price, active FROM data_packages WHERE id = $1 AND active = TRUE",
		id,
	).Scan(&p.ID, &p.Name, &p.Provider, &p.DataMB, &p.Validity, &p.Price, &p.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load package %s: %w", id, err)
	}
	return &p, nil
}
