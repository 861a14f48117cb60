package model

import "time"

// Item is a single shopping-list entry. Its ID is unique within a list.
type Item struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Done      bool      `json:"done"`
	Qty       int       `json:"qty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewItem is the payload for creating an item. ID is optional; the server
// assigns one when it is empty.
type NewItem struct {
	ID        string     `json:"id,omitempty"`
	Label     string     `json:"label"`
	Qty       *int       `json:"qty,omitempty"`
	Done      bool       `json:"done,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// ItemPatch is a partial item update. Nil fields are left untouched.
type ItemPatch struct {
	Label     *string    `json:"label,omitempty"`
	Done      *bool      `json:"done,omitempty"`
	Qty       *int       `json:"qty,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Empty reports whether the patch changes no item field.
func (p ItemPatch) Empty() bool {
	return p.Label == nil && p.Done == nil && p.Qty == nil
}

// PatchFrom returns a patch carrying every field of it.
func PatchFrom(it Item) ItemPatch {
	label, done, qty, at := it.Label, it.Done, it.Qty, it.UpdatedAt
	return ItemPatch{Label: &label, Done: &done, Qty: &qty, UpdatedAt: &at}
}

// NewItemFrom returns a create payload that keeps its identity and timestamp.
func NewItemFrom(it Item) NewItem {
	qty, at := it.Qty, it.UpdatedAt
	return NewItem{ID: it.ID, Label: it.Label, Qty: &qty, Done: it.Done, UpdatedAt: &at}
}

// List is a shareable collection of items.
type List struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}
