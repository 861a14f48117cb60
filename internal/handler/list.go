package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/shoplist/internal/model"
	"github.com/dukerupert/shoplist/internal/store"
)

type ListHandler struct {
	listStore *store.ListStore
	logger    *slog.Logger
}

func NewListHandler(ls *store.ListStore, logger *slog.Logger) *ListHandler {
	return &ListHandler{listStore: ls, logger: logger}
}

func (h *ListHandler) CreateList(w http.ResponseWriter, r *http.Request) {
	list, err := h.listStore.CreateList()
	if err != nil {
		h.logger.Error("create list", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create list")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"listId": list.ID})
}

func (h *ListHandler) GetList(w http.ResponseWriter, r *http.Request) {
	listID := r.PathValue("list_id")
	if !h.requireList(w, listID) {
		return
	}

	items, err := h.listStore.ListItems(listID)
	if err != nil {
		h.logger.Error("list items", "list_id", listID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	if items == nil {
		items = []model.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *ListHandler) CreateItem(w http.ResponseWriter, r *http.Request) {
	listID := r.PathValue("list_id")

	var req model.NewItem
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	req.Label = strings.TrimSpace(req.Label)
	if req.Label == "" {
		writeError(w, http.StatusBadRequest, "label required")
		return
	}
	if req.Qty != nil && *req.Qty < 1 {
		writeError(w, http.StatusBadRequest, "qty must be at least 1")
		return
	}

	if !h.requireList(w, listID) {
		return
	}

	item, err := h.listStore.CreateItem(listID, req)
	if errors.Is(err, store.ErrItemExists) {
		writeError(w, http.StatusConflict, "item already exists")
		return
	}
	if err != nil {
		h.logger.Error("create item", "list_id", listID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create item")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"item": item})
}

func (h *ListHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	listID, itemID := r.PathValue("list_id"), r.PathValue("id")

	var patch model.ItemPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if patch.Empty() {
		writeError(w, http.StatusBadRequest, "no fields to update")
		return
	}

	if patch.Label != nil {
		label := strings.TrimSpace(*patch.Label)
		if label == "" {
			writeError(w, http.StatusBadRequest, "label must not be empty")
			return
		}
		patch.Label = &label
	}
	if patch.Qty != nil && *patch.Qty < 1 {
		writeError(w, http.StatusBadRequest, "qty must be at least 1")
		return
	}

	item, err := h.listStore.UpdateItem(listID, itemID, patch)
	if err != nil {
		h.logger.Error("update item", "list_id", listID, "item_id", itemID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update item")
		return
	}
	if item == nil {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

func (h *ListHandler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	listID, itemID := r.PathValue("list_id"), r.PathValue("id")

	found, err := h.listStore.DeleteItem(listID, itemID)
	if err != nil {
		h.logger.Error("delete item", "list_id", listID, "item_id", itemID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete item")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "item not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// requireList writes a 404 and returns false when listID does not exist.
func (h *ListHandler) requireList(w http.ResponseWriter, listID string) bool {
	list, err := h.listStore.GetList(listID)
	if err != nil {
		h.logger.Error("get list", "list_id", listID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get list")
		return false
	}
	if list == nil {
		writeError(w, http.StatusNotFound, "list not found")
		return false
	}
	return true
}

// decodeBody decodes a JSON body. An empty body decodes to the zero value.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
