// Package commandapi serves the order lifecycle over HTTP.
package commandapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/safar/go-commerce/internal/httpserver"
	"github.com/safar/go-commerce/internal/models"
	"github.com/safar/go-commerce/internal/stockclient"
	"github.com/safar/go-commerce/internal/store"
)

// Service is implemented by *command.Service.
type Service interface {
	CreateCommand(ctx context.Context, items []models.StockAdjustment, idempotencyKey string) (*models.Command, bool, error)
	GetCommand(ctx context.Context, id int64) (*models.Command, error)
	ListCommands(ctx context.Context, status *models.CommandStatus) ([]models.Command, error)
	ListCommandsPage(ctx context.Context, status *models.CommandStatus, cursor string, limit int) (*store.CursorPage, error)
	UpdateCommand(ctx context.Context, id int64, items []models.StockAdjustment) (*models.Command, error)
	UpdateCommandStatus(ctx context.Context, id int64, status models.CommandStatus) (*models.Command, error)
	CancelCommand(ctx context.Context, id int64) (*models.Command, error)
	DeleteCommand(ctx context.Context, id int64) error
}

type itemsRequest struct {
	Items []models.StockAdjustment `json:"items"`
}

type statusRequest struct {
	Status models.CommandStatus `json:"status"`
}

func Register(mux *http.ServeMux, svc Service) {
	mux.HandleFunc("POST /api/commands", handleCreate(svc))
	mux.HandleFunc("GET /api/commands", handleList(svc))
	mux.HandleFunc("GET /api/commands/{id}", handleGet(svc))
	mux.HandleFunc("PUT /api/commands/{id}", handleUpdate(svc))
	mux.HandleFunc("PATCH /api/commands/{id}/status", handleUpdateStatus(svc))
	mux.HandleFunc("POST /api/commands/{id}/cancel", handleCancel(svc))
	mux.HandleFunc("DELETE /api/commands/{id}", handleDelete(svc))
}

// handleCreate answers 201 for a new command and 200 when the
// Idempotency-Key matched an earlier one.
func handleCreate(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req itemsRequest
		if err := httpserver.DecodeJSON(r, &req); err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, httpserver.CodeValidation, err.Error())
			return
		}

		command, created, err := svc.CreateCommand(r.Context(), req.Items, r.Header.Get(stockclient.IdempotencyKeyHeader))
		if err != nil {
			httpserver.WriteError(w, r, err)
			return
		}

		status := http.StatusCreated
		if !created {
			status = http.StatusOK
		}
		w.Header().Set("Location", "/api/commands/"+strconv.FormatInt(command.ID, 10))
		httpserver.RespondJSON(w, status, command)
	}
}

// handleList returns a plain array unless limit or cursor is given, in
// which case it returns a cursor page.
func handleList(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var status *models.CommandStatus
		if raw := q.Get("status"); raw != "" {
			parsed, err := models.ParseCommandStatus(raw)
			if err != nil {
				httpserver.WriteError(w, r, err)
				return
			}
			status = &parsed
		}

		if q.Has("limit") || q.Has("cursor") {
			limit, _ := strconv.Atoi(q.Get("limit"))
			page, err := svc.ListCommandsPage(r.Context(), status, q.Get("cursor"), limit)
			if err != nil {
				httpserver.WriteError(w, r, err)
				return
			}
			httpserver.RespondJSON(w, http.StatusOK, page)
			return
		}

		commands, err := svc.ListCommands(r.Context(), status)
		if err != nil {
			httpserver.WriteError(w, r, err)
			return
		}
		httpserver.RespondJSON(w, http.StatusOK, commands)
	}
}

func handleGet(svc Service) http.HandlerFunc {
	return withID(func(w http.ResponseWriter, r *http.Request, id int64) {
		command, err := svc.GetCommand(r.Context(), id)
		if err != nil {
			httpserver.WriteError(w, r, err)
			return
		}
		httpserver.RespondJSON(w, http.StatusOK, command)
	})
}

func handleUpdate(svc Service) http.HandlerFunc {
	return withID(func(w http.ResponseWriter, r *http.Request, id int64) {
		var req itemsRequest
		if err := httpserver.DecodeJSON(r, &req); err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, httpserver.CodeValidation, err.Error())
			return
		}

		command, err := svc.UpdateCommand(r.Context(), id, req.Items)
		if err != nil {
			httpserver.WriteError(w, r, err)
			return
		}
		httpserver.RespondJSON(w, http.StatusOK, command)
	})
}

func handleUpdateStatus(svc Service) http.HandlerFunc {
	return withID(func(w http.ResponseWriter, r *http.Request, id int64) {
		var req statusRequest
		if err := httpserver.DecodeJSON(r, &req); err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, httpserver.CodeValidation, err.Error())
			return
		}
		if req.Status == "" {
			httpserver.RespondError(w, http.StatusBadRequest, httpserver.CodeValidation, "status: is required")
			return
		}

		command, err := svc.UpdateCommandStatus(r.Context(), id, req.Status)
		if err != nil {
			httpserver.WriteError(w, r, err)
			return
		}
		httpserver.RespondJSON(w, http.StatusOK, command)
	})
}

func handleCancel(svc Service) http.HandlerFunc {
	return withID(func(w http.ResponseWriter, r *http.Request, id int64) {
		command, err := svc.CancelCommand(r.Context(), id)
		if err != nil {
			httpserver.WriteError(w, r, err)
			return
		}
		httpserver.RespondJSON(w, http.StatusOK, command)
	})
}

func handleDelete(svc Service) http.HandlerFunc {
	return withID(func(w http.ResponseWriter, r *http.Request, id int64) {
		if err := svc.DeleteCommand(r.Context(), id); err != nil {
			httpserver.WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func withID(fn func(http.ResponseWriter, *http.Request, int64)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := httpserver.PathID(r, "id")
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, httpserver.CodeValidation, err.Error())
			return
		}
		fn(w, r, id)
	}
}
