package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/jmehdipour/social-publisher/internal/http/middleware"
	"github.com/jmehdipour/social-publisher/internal/model"
	"github.com/jmehdipour/social-publisher/internal/repository"
	"github.com/jmoiron/sqlx"
	echo "github.com/labstack/echo/v4"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, tx *sqlx.Tx, job model.Job, delay time.Duration) (string, error)
}

type accountHandlers struct {
	tx       repository.Transactor
	accounts repository.AccountsRepository
	audit    repository.AuditRepository
	queue    Enqueuer
}

// owned loads the account inside tx and hides accounts of other users.
func (h accountHandlers) owned(ctx context.Context, tx *sqlx.Tx, userID, id int64) (model.Account, error) {
	var (
		a   model.Account
		err error
	)
	if tx != nil {
		a, err = h.accounts.GetForUpdate(ctx, tx, id)
	} else {
		a, err = h.accounts.Get(ctx, nil, id)
	}
	if err != nil {
		return model.Account{}, err
	}
	if a.UserID != userID {
		return model.Account{}, repository.ErrNotFound
	}
	return a, nil
}

// refresh queues a token refresh; the worker runs it under the account lease.
func (h accountHandlers) refresh(c echo.Context) error {
	userID, ok := middleware.UserIDFromCtx(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid account id"})
	}
	ctx := c.Request().Context()

	a, err := h.owned(ctx, nil, userID, id)
	if errors.Is(err, repository.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "account not found"})
	}
	if err != nil {
		c.Logger().Errorf("load account failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
	}
	if !a.IsActive {
		return c.JSON(http.StatusConflict, map[string]string{
			"error":  "account needs reconnection",
			"reason": a.ReconnectReason(),
		})
	}

	jobID, err := h.queue.Enqueue(ctx, nil, model.Job{Kind: model.JobRefresh, AccountID: a.ID}, 0)
	if err != nil {
		c.Logger().Errorf("enqueue refresh failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
	}
	return c.JSON(http.StatusAccepted, map[string]any{"enqueued": true, "job_id": jobID, "account_id": a.ID})
}

// disconnect deactivates the account; publishing to it fails fast until the
// user connects it again.
func (h accountHandlers) disconnect(c echo.Context) error {
	userID, ok := middleware.UserIDFromCtx(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}
	id, ok := pathID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid account id"})
	}
	ctx := c.Request().Context()

	err := h.tx.WithinTx(ctx, func(tx *sqlx.Tx) error {
		a, err := h.owned(ctx, tx, userID, id)
		if err != nil {
			return err
		}
		if !a.IsActive && a.ReconnectReason() == model.ReasonDisconnected {
			return nil
		}
		a.Deactivate(model.ReasonDisconnected, time.Now())
		if err := h.accounts.UpdateState(ctx, tx, a); err != nil {
			return err
		}
		return h.audit.Insert(ctx, tx, model.AuditEntry{
			Entity:   model.AuditEntityAccount,
			EntityID: strconv.FormatInt(a.ID, 10),
			Action:   "disconnect",
			Cause:    "user: api request",
		})
	})
	if errors.Is(err, repository.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "account not found"})
	}
	if err != nil {
		c.Logger().Errorf("disconnect failed: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
	}
	return c.JSON(http.StatusOK, map[string]any{"account_id": id, "is_active": false})
}
