package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/shoplist/internal/model"
)

// ErrItemExists is returned when creating an item whose id is already taken
// in the same list.
var ErrItemExists = errors.New("item already exists")

// timeLayout is fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

type ListStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewListStore(db *sql.DB) *ListStore {
	return &ListStore{db: db, now: time.Now}
}

// --- List methods ---

func (s *ListStore) CreateList() (*model.List, error) {
	l := model.List{ID: uuid.NewString(), CreatedAt: s.now().UTC()}
	_, err := s.db.Exec(`INSERT INTO lists (id, created_at) VALUES (?, ?)`, l.ID, formatTime(l.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert list: %w", err)
	}
	return &l, nil
}

func (s *ListStore) GetList(id string) (*model.List, error) {
	var l model.List
	var createdAt string
	err := s.db.QueryRow(`SELECT id, created_at FROM lists WHERE id = ?`, id).Scan(&l.ID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get list: %w", err)
	}
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &l, nil
}

// --- Item methods ---

func scanItem(scanner interface{ Scan(...any) error }) (*model.Item, error) {
	var item model.Item
	var done int
	var updatedAt string

	err := scanner.Scan(&item.ID, &item.Label, &done, &item.Qty, &updatedAt)
	if err != nil {
		return nil, err
	}

	item.Done = done != 0
	if item.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &item, nil
}

const itemCols = `id, label, done, qty, updated_at`

func (s *ListStore) GetItem(listID, id string) (*model.Item, error) {
	row := s.db.QueryRow(`SELECT `+itemCols+` FROM items WHERE id = ? AND list_id = ?`, id, listID)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// ListItems returns the items of a list, most recently updated first.
func (s *ListStore) ListItems(listID string) ([]model.Item, error) {
	rows, err := s.db.Query(
		`SELECT `+itemCols+` FROM items WHERE list_id = ? ORDER BY updated_at DESC, id ASC`,
		listID,
	)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// CreateItem inserts an item into listID. Missing id, qty and timestamp are
// filled in; an id already in use yields ErrItemExists.
func (s *ListStore) CreateItem(listID string, in model.NewItem) (*model.Item, error) {
	item := model.Item{
		ID:        in.ID,
		Label:     in.Label,
		Done:      in.Done,
		Qty:       1,
		UpdatedAt: s.now().UTC(),
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if in.Qty != nil {
		item.Qty = *in.Qty
	}
	if in.UpdatedAt != nil {
		item.UpdatedAt = in.UpdatedAt.UTC()
	}

	_, err := s.db.Exec(
		`INSERT INTO items (id, list_id, label, done, qty, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		item.ID, listID, item.Label, boolInt(item.Done), item.Qty, formatTime(item.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrItemExists
		}
		return nil, fmt.Errorf("insert item: %w", err)
	}
	return s.GetItem(listID, item.ID)
}

// UpdateItem applies patch to the item. It returns nil when the item does not
// exist in listID. A patch stamped older than the stored item is ignored and
// the stored item is returned unchanged (last write wins).
func (s *ListStore) UpdateItem(listID, id string, patch model.ItemPatch) (*model.Item, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	item, err := scanItem(tx.QueryRow(`SELECT `+itemCols+` FROM items WHERE id = ? AND list_id = ?`, id, listID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}

	if patch.UpdatedAt != nil && patch.UpdatedAt.Before(item.UpdatedAt) {
		return item, nil
	}

	if patch.Label != nil {
		item.Label = *patch.Label
	}
	if patch.Done != nil {
		item.Done = *patch.Done
	}
	if patch.Qty != nil {
		item.Qty = *patch.Qty
	}
	item.UpdatedAt = s.now().UTC()
	if patch.UpdatedAt != nil {
		item.UpdatedAt = patch.UpdatedAt.UTC()
	}

	_, err = tx.Exec(
		`UPDATE items SET label = ?, done = ?, qty = ?, updated_at = ? WHERE id = ? AND list_id = ?`,
		item.Label, boolInt(item.Done), item.Qty, formatTime(item.UpdatedAt), id, listID,
	)
	if err != nil {
		return nil, fmt.Errorf("update item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return item, nil
}

// DeleteItem removes the item and reports whether it existed.
func (s *ListStore) DeleteItem(listID, id string) (bool, error) {
	result, err := s.db.Exec(`DELETE FROM items WHERE id = ? AND list_id = ?`, id, listID)
	if err != nil {
		return false, fmt.Errorf("delete item: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
