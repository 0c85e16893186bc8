package data

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore persists the registry in the schema from db/migrations.
type PostgresStore struct {
	DB *sql.DB
}

func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{DB: db}, nil
}

func (s *PostgresStore) LoadProfiles(ctx context.Context) ([]ESimProfile, error) {
	query := `
		SELECT eid, euicc_path, path, iccid, name, nickname,
		       service_provider, activation_code, state, class
		FROM esim_profiles
		ORDER BY position`
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []ESimProfile
	for rows.Next() {
		var p ESimProfile
		if err := rows.Scan(
			&p.EID, &p.EuiccPath, &p.Path, &p.ICCID, &p.Name, &p.Nickname,
			&p.ServiceProvider, &p.ActivationCode, &p.State, &p.Class,
		); err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// SaveProfiles replaces the stored snapshot atomically.
func (s *PostgresStore) SaveProfiles(ctx context.Context, profiles []ESimProfile) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM esim_profiles`); err != nil {
		return err
	}
	query := `
		INSERT INTO esim_profiles (
			position, eid, euicc_path, path, iccid, name, nickname,
			service_provider, activation_code, state, class, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())`
	for i, p := range profiles {
		if _, err := tx.ExecContext(ctx, query,
			i, p.EID, p.EuiccPath, p.Path, p.ICCID, p.Name, p.Nickname,
			p.ServiceProvider, p.ActivationCode, p.State, p.Class,
		); err != nil {
			return fmt.Errorf("insert profile %s: %w", p.ICCID, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) RefreshedEuiccs(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM refreshed_euiccs ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) AddRefreshedEuicc(ctx context.Context, id string) error {
	query := `
		INSERT INTO refreshed_euiccs (id, created_at)
		VALUES ($1, NOW())
		ON CONFLICT (id) DO NOTHING`
	_, err := s.DB.ExecContext(ctx, query, id)
	return err
}

func (s *PostgresStore) Close() error {
	return s.DB.Close()
}

var _ Store = (*PostgresStore)(nil)
