// Package sqlite persists resolved player identities and the user's own
// characters. Everything in it can be rebuilt from the upstream identity API.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Player is one resolved character identity.
type Player struct {
	CharacterID string
	Name        string
	FactionID   int
	BattleRank  int
	OutfitTag   string
	UpdatedAt   time.Time
}

// MyCharacter is a character the overlay tracks as "me".
type MyCharacter struct {
	CharacterID string
	Name        string
	AddedAt     time.Time
}

// Store is the SQLite-backed cache.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) and migrates the database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	clean := filepath.Clean(path)
	if dir := filepath.Dir(clean); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	dsn := clean + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertPlayers writes players in one transaction, replacing existing rows.
func (s *Store) UpsertPlayers(ctx context.Context, players []Player) error {
	if len(players) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO player_cache (
    character_id, name, faction_id, battle_rank, outfit_tag, updated_at
) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(character_id) DO UPDATE SET
    name = excluded.name,
    faction_id = excluded.faction_id,
    battle_rank = excluded.battle_rank,
    outfit_tag = excluded.outfit_tag,
    updated_at = excluded.updated_at`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, p := range players {
		if p.CharacterID == "" {
			continue
		}
		updated := p.UpdatedAt
		if updated.IsZero() {
			updated = now
		}
		if _, err := stmt.ExecContext(ctx, p.CharacterID, p.Name, p.FactionID, p.BattleRank, p.OutfitTag, updated.UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert player %s: %w", p.CharacterID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

// LoadPlayers returns every cached player.
func (s *Store) LoadPlayers(ctx context.Context) ([]Player, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT character_id, name, faction_id, battle_rank, outfit_tag, updated_at FROM player_cache`)
	if err != nil {
		return nil, fmt.Errorf("load players: %w", err)
	}
	defer rows.Close()

	var out []Player
	for rows.Next() {
		var p Player
		var updated int64
		if err := rows.Scan(&p.CharacterID, &p.Name, &p.FactionID, &p.BattleRank, &p.OutfitTag, &updated); err != nil {
			return nil, fmt.Errorf("scan player: %w", err)
		}
		p.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// AddMyCharacter tracks a character; adding it again renames it.
func (s *Store) AddMyCharacter(ctx context.Context, id, name string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("character id is required")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO my_chars (character_id, name, added_at) VALUES (?, ?, ?)
ON CONFLICT(character_id) DO UPDATE SET name = excluded.name`,
		id, strings.TrimSpace(name), time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("add my character: %w", err)
	}
	return nil
}

// RemoveMyCharacter stops tracking a character. It reports whether a row
// was deleted.
func (s *Store) RemoveMyCharacter(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM my_chars WHERE character_id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("remove my character: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove my character: %w", err)
	}
	return n > 0, nil
}

// MyCharacters lists tracked characters in the order they were added.
func (s *Store) MyCharacters(ctx context.Context) ([]MyCharacter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT character_id, name, added_at FROM my_chars ORDER BY added_at, character_id`)
	if err != nil {
		return nil, fmt.Errorf("list my characters: %w", err)
	}
	defer rows.Close()

	var out []MyCharacter
	for rows.Next() {
		var c MyCharacter
		var added int64
		if err := rows.Scan(&c.CharacterID, &c.Name, &added); err != nil {
			return nil, fmt.Errorf("scan my character: %w", err)
		}
		c.AddedAt = time.UnixMilli(added).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}
