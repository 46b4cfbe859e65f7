package commandapi_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/safar/go-commerce/internal/commandapi"
	"github.com/safar/go-commerce/internal/database"
	"github.com/safar/go-commerce/internal/httpserver"
	"github.com/safar/go-commerce/internal/models"
	"github.com/safar/go-commerce/internal/stockclient"
	"github.com/safar/go-commerce/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubService struct {
	err     error
	created bool

	gotItems  []models.StockAdjustment
	gotKey    string
	gotStatus *models.CommandStatus
	gotCursor string
	gotLimit  int
	paged     bool
}

func (s *stubService) command(id int64, status models.CommandStatus) *models.Command {
	return &models.Command{ID: id, Status: status}
}

func (s *stubService) CreateCommand(_ context.Context, items []models.StockAdjustment, key string) (*models.Command, bool, error) {
	s.gotItems, s.gotKey = items, key
	if s.err != nil {
		return nil, false, s.err
	}
	return s.command(7, models.StatusPending), s.created, nil
}

func (s *stubService) GetCommand(_ context.Context, id int64) (*models.Command, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.command(id, models.StatusPending), nil
}

func (s *stubService) ListCommands(_ context.Context, status *models.CommandStatus) ([]models.Command, error) {
	s.gotStatus = status
	return []models.Command{*s.command(1, models.StatusPending)}, s.err
}

func (s *stubService) ListCommandsPage(_ context.Context, status *models.CommandStatus, cursor string, limit int) (*store.CursorPage, error) {
	s.gotStatus, s.gotCursor, s.gotLimit, s.paged = status, cursor, limit, true
	return &store.CursorPage{Items: []models.Command{}, NextCursor: "next"}, s.err
}

func (s *stubService) UpdateCommand(_ context.Context, id int64, items []models.StockAdjustment) (*models.Command, error) {
	s.gotItems = items
	if s.err != nil {
		return nil, s.err
	}
	return s.command(id, models.StatusPending), nil
}

func (s *stubService) UpdateCommandStatus(_ context.Context, id int64, status models.CommandStatus) (*models.Command, error) {
	s.gotStatus = &status
	if s.err != nil {
		return nil, s.err
	}
	return s.command(id, status), nil
}

func (s *stubService) CancelCommand(_ context.Context, id int64) (*models.Command, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.command(id, models.StatusCancelled), nil
}

func (s *stubService) DeleteCommand(context.Context, int64) error { return s.err }

func do(svc commandapi.Service, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	commandapi.Register(mux, svc)

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestCreateCommand(t *testing.T) {
	svc := &stubService{created: true}

	rec := do(svc, http.MethodPost, "/api/commands", `{"items":[{"product_id":3,"quantity":2}]}`,
		stockclient.IdempotencyKeyHeader, "abc")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "/api/commands/7", rec.Header().Get("Location"))
	assert.Equal(t, "abc", svc.gotKey)
	assert.Equal(t, []models.StockAdjustment{{ProductID: 3, Quantity: 2}}, svc.gotItems)

	var got models.Command
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.StatusPending, got.Status)

	svc.created = false
	rec = do(svc, http.MethodPost, "/api/commands", `{"items":[{"product_id":3,"quantity":2}]}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(svc, http.MethodPost, "/api/commands", ``)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", &models.ValidationError{Field: "items", Reason: "at least one item is required"}, http.StatusBadRequest, httpserver.CodeValidation},
		{"product not found", fmt.Errorf("product 4: %w", database.ErrProductNotFound), http.StatusNotFound, httpserver.CodeNotFound},
		{"insufficient stock", fmt.Errorf("product 4: %w", database.ErrInsufficientStock), http.StatusConflict, httpserver.CodeInsufficientStock},
		{"unavailable", fmt.Errorf("%w: timeout", stockclient.ErrInventoryUnavailable), http.StatusServiceUnavailable, httpserver.CodeUnavailable},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError, httpserver.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(&stubService{err: tt.err}, http.MethodPost, "/api/commands", `{"items":[{"product_id":4,"quantity":1}]}`)
			assert.Equal(t, tt.status, rec.Code)

			var body httpserver.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Code)
			assert.NotEmpty(t, body.Error)

			if tt.status == http.StatusServiceUnavailable {
				assert.Equal(t, httpserver.RetryAfterSeconds, rec.Header().Get("Retry-After"))
			}
			if tt.status == http.StatusInternalServerError {
				assert.NotContains(t, body.Error, "boom")
			}
		})
	}
}

func TestListCommands(t *testing.T) {
	svc := &stubService{}

	rec := do(svc, http.MethodGet, "/api/commands?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.gotStatus)
	assert.Equal(t, models.StatusPending, *svc.gotStatus)
	assert.False(t, svc.paged)

	var list []models.Command
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = do(svc, http.MethodGet, "/api/commands?limit=10&cursor=xyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, svc.paged)
	assert.Equal(t, "xyz", svc.gotCursor)
	assert.Equal(t, 10, svc.gotLimit)
	assert.Nil(t, svc.gotStatus)
	assert.Contains(t, rec.Body.String(), `"next_cursor":"next"`)

	rec = do(svc, http.MethodGet, "/api/commands?status=LOST", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommandByID(t *testing.T) {
	svc := &stubService{}

	rec := do(svc, http.MethodGet, "/api/commands/5", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(svc, http.MethodPut, "/api/commands/5", `{"items":[{"product_id":1,"quantity":9}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 9, svc.gotItems[0].Quantity)

	rec = do(svc, http.MethodPatch, "/api/commands/5/status", `{"status":"confirmed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusConfirmed, *svc.gotStatus)

	rec = do(svc, http.MethodPatch, "/api/commands/5/status", `{"status":"LOST"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(svc, http.MethodPatch, "/api/commands/5/status", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(svc, http.MethodPost, "/api/commands/5/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"CANCELLED"`)

	rec = do(svc, http.MethodDelete, "/api/commands/5", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(svc, http.MethodGet, "/api/commands/0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.err = &models.TransitionError{From: models.StatusShipped, To: models.StatusCancelled}
	rec = do(svc, http.MethodPost, "/api/commands/5/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), httpserver.CodeInvalidTransition)

	svc.err = database.ErrCommandNotFound
	rec = do(svc, http.MethodDelete, "/api/commands/5", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
