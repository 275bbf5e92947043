package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Secret holds one vault-encrypted value, keyed by name. Value and
// Nonce are ciphertext; decryption happens in the vault.
type Secret struct {
	ID        string    `json:"id"`
	Value     []byte    `json:"-"`
	Nonce     []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Store) SaveSecret(sec *Secret) error {
	_, err := s.db.Exec(`
		INSERT INTO secrets (id, value, nonce)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			value = excluded.value,
			nonce = excluded.nonce,
			updated_at = CURRENT_TIMESTAMP`,
		sec.ID, sec.Value, sec.Nonce)
	if err != nil {
		return fmt.Errorf("save secret: %w", err)
	}
	return nil
}

func (s *Store) GetSecret(id string) (*Secret, error) {
	row := s.db.QueryRow(`
		SELECT id, value, nonce, created_at, updated_at
		FROM secrets WHERE id = ?`, id)
	sec := &Secret{}
	err := row.Scan(&sec.ID, &sec.Value, &sec.Nonce, &sec.CreatedAt, &sec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get secret: %w", err)
	}
	return sec, nil
}

// ListSecretIDs returns secret names only; values never leave the
// store except through GetSecret.
func (s *Store) ListSecretIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM secrets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
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

func (s *Store) DeleteSecret(id string) error {
	_, err := s.db.Exec(`DELETE FROM secrets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}
