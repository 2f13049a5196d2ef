package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/docent/internal/feed"
)

// timeLayout has a fixed width so created_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SaveTour stores a tour and its items and returns the new tour id. Items
// are serialised at call time, so nothing done to the live feed afterwards
// reaches the saved copy. The hero image defaults to the first photo of the
// first item and the session id is generated when empty.
func (s *Store) SaveTour(ctx context.Context, p TourParams) (string, error) {
	if strings.TrimSpace(p.Title) == "" {
		return "", errors.New("tour title is required")
	}
	if len(p.FeedItems) == 0 {
		return "", ErrEmptyTour
	}

	id := uuid.New().String()
	if p.SessionID == "" {
		p.SessionID = uuid.New().String()
	}
	if p.HeroImageURI == "" && len(p.FeedItems[0].Photos) > 0 {
		p.HeroImageURI = p.FeedItems[0].Photos[0]
	}

	var lat, lon sql.NullFloat64
	if p.Coordinates != nil {
		lat = sql.NullFloat64{Float64: p.Coordinates.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: p.Coordinates.Longitude, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning save transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tours (id, title, description, hero_image_uri, museum_id, museum_name, latitude, longitude, user_id, session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.Title, p.Description, p.HeroImageURI, nullString(p.MuseumID), p.MuseumName,
		lat, lon, nullString(p.UserID), p.SessionID, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return "", fmt.Errorf("inserting tour: %w", err)
	}

	for i, it := range p.FeedItems {
		data, err := json.Marshal(it)
		if err != nil {
			return "", fmt.Errorf("encoding item %s: %w", it.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tour_items (tour_id, position, item_id, object_id, status, item_json)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, i, it.ID, it.ObjectID, string(it.Status), string(data),
		); err != nil {
			return "", fmt.Errorf("inserting item %s: %w", it.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing tour: %w", err)
	}
	return id, nil
}

func (s *Store) GetTour(ctx context.Context, id string) (Tour, error) {
	var t Tour
	var museumID, userID sql.NullString
	var lat, lon sql.NullFloat64
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, hero_image_uri, museum_id, museum_name, latitude, longitude, user_id, session_id, created_at
		FROM tours WHERE id = ?`, id,
	).Scan(&t.ID, &t.Title, &t.Description, &t.HeroImageURI, &museumID, &t.MuseumName, &lat, &lon, &userID, &t.SessionID, &createdAt)
	if err == sql.ErrNoRows {
		return Tour{}, ErrNotFound
	}
	if err != nil {
		return Tour{}, err
	}
	t.MuseumID = museumID.String
	t.UserID = userID.String
	if lat.Valid && lon.Valid {
		t.Coordinates = &Coordinates{Latitude: lat.Float64, Longitude: lon.Float64}
	}
	if t.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return Tour{}, fmt.Errorf("parsing created_at: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT item_json FROM tour_items WHERE tour_id = ? ORDER BY position ASC`, id)
	if err != nil {
		return Tour{}, err
	}
	defer rows.Close()

	t.Items = []feed.Item{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return Tour{}, err
		}
		var it feed.Item
		if err := json.Unmarshal([]byte(data), &it); err != nil {
			return Tour{}, fmt.Errorf("decoding item of tour %s: %w", id, err)
		}
		t.Items = append(t.Items, it)
	}
	return t, rows.Err()
}

// ListTours returns the most recent tours first.
func (s *Store) ListTours(ctx context.Context, limit int) ([]TourSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.title, t.museum_name, t.created_at, COUNT(i.position)
		FROM tours t LEFT JOIN tour_items i ON i.tour_id = t.id
		GROUP BY t.id
		ORDER BY t.created_at DESC, t.rowid DESC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []TourSummary{}
	for rows.Next() {
		var ts TourSummary
		var createdAt string
		if err := rows.Scan(&ts.ID, &ts.Title, &ts.MuseumName, &createdAt, &ts.ItemCount); err != nil {
			return nil, err
		}
		if ts.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, ts)
	}
	return results, rows.Err()
}

func (s *Store) DeleteTour(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tour_items WHERE tour_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tours WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// PhotoPaths returns every photo path referenced by a saved tour, hero
// images included.
func (s *Store) PhotoPaths(ctx context.Context) (map[string]bool, error) {
	paths := make(map[string]bool)

	heroes, err := s.db.QueryContext(ctx, `SELECT hero_image_uri FROM tours WHERE hero_image_uri != ''`)
	if err != nil {
		return nil, fmt.Errorf("querying hero images: %w", err)
	}
	for heroes.Next() {
		var p string
		if err := heroes.Scan(&p); err != nil {
			heroes.Close()
			return nil, err
		}
		paths[p] = true
	}
	heroes.Close()
	if err := heroes.Err(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT item_json FROM tour_items`)
	if err != nil {
		return nil, fmt.Errorf("querying tour items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var it struct {
			Photos []string `json:"photos"`
		}
		if err := json.Unmarshal([]byte(raw), &it); err != nil {
			return nil, fmt.Errorf("decoding tour item: %w", err)
		}
		for _, p := range it.Photos {
			paths[p] = true
		}
	}
	return paths, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
