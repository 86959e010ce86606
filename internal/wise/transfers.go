package wise

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"gorm.io/datatypes"

	"github.com/vipul43/finsync-worker/internal/apperr"
	"github.com/vipul43/finsync-worker/internal/models"
	"github.com/vipul43/finsync-worker/internal/repository"
)

var validate = validator.New()

type TransferRequest struct {
	PayeeID        string  `json:"payee_id" validate:"required"`
	Amount         float64 `json:"amount" validate:"gt=0"`
	Currency       string  `json:"currency" validate:"required,len=3"`
	Reference      string  `json:"reference" validate:"max=140"`
	IdempotencyKey string  `json:"idempotency_key" validate:"required,max=128"`
}

type BatchRequest struct {
	Reference      string `json:"reference" validate:"max=140"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=128"`
}

type BatchPaymentRequest struct {
	BatchID        string                 `json:"batch_id" validate:"required"`
	Transfer       map[string]interface{} `json:"transfer" validate:"required"`
	IdempotencyKey string                 `json:"idempotency_key" validate:"required,max=128"`
}

type FundBatchRequest struct {
	BatchID        string `json:"batch_id" validate:"required"`
	IdempotencyKey string `json:"idempotency_key" validate:"required,max=128"`
}

func (c *Connector) checkWrite(req interface{}) error {
	if !c.cfg.WriteEnabled {
		return apperr.Disabled("Wise write mode disabled")
	}
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field())
			}
			return apperr.Validation("invalid fields: " + strings.Join(fields, ", "))
		}
		return apperr.Validation(err.Error())
	}
	return nil
}

func (c *Connector) audit(ctx context.Context, action, entityType, entityID string, metadata map[string]interface{}) error {
	if c.stores.Audit == nil {
		return nil
	}
	companyID := c.companyID
	return c.stores.Audit.Log(ctx, repository.AuditEntry{
		CompanyID:   &companyID,
		ActorUserID: c.actorUserID,
		Action:      action,
		EntityType:  entityType,
		EntityID:    entityID,
		Metadata:    metadata,
	})
}

// CreateTransfer records the transfer locally, then creates it remotely. A
// key that already produced a remote transfer returns the stored row.
func (c *Connector) CreateTransfer(ctx context.Context, req TransferRequest) (*models.WiseTransfer, error) {
	if err := c.checkWrite(req); err != nil {
		return nil, err
	}

	transfer, err := c.stores.Transfers.GetTransferByKey(ctx, c.companyID, req.IdempotencyKey)
	switch {
	case err == nil:
		if transfer.WiseTransferID != nil {
			return transfer, nil
		}
	case errors.Is(err, repository.ErrTransferNotFound):
		transfer = &models.WiseTransfer{
			CompanyID:       c.companyID,
			IdempotencyKey:  req.IdempotencyKey,
			Environment:     c.environment,
			Status:          models.TransferCreated,
			Reference:       req.Reference,
			CreatedByUserID: c.actorUserID,
		}
		if err := c.stores.Transfers.CreateTransfer(ctx, transfer); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	payload := map[string]interface{}{
		"payeeId":               req.PayeeID,
		"amount":                req.Amount,
		"currency":              req.Currency,
		"reference":             req.Reference,
		"customerTransactionId": req.IdempotencyKey,
	}
	raw, err := c.client.Do(ctx, http.MethodPost, pathTransfers, nil, payload)
	if err != nil {
		return nil, err
	}
	resp := decodeObject(raw)
	remoteID := str(resp, "id")
	if remoteID == "" {
		return nil, apperr.Hard("create_transfer", http.StatusOK, string(raw))
	}
	status := firstNonEmpty(str(resp, "status"), transfer.Status)
	if err := c.stores.Transfers.AttachTransferRemote(ctx, transfer.ID, remoteID, status, datatypes.JSON(raw)); err != nil {
		return nil, err
	}
	transfer.WiseTransferID = &remoteID
	transfer.Status = status
	transfer.Raw = datatypes.JSON(raw)

	if err := c.audit(ctx, "wise.transfer.created", "wise_transfer", transfer.ID, payload); err != nil {
		return nil, err
	}
	return transfer, nil
}

// CreateBatch records a batch group locally, then opens it remotely
func (c *Connector) CreateBatch(ctx context.Context, req BatchRequest) (*models.WiseBatch, error) {
	if err := c.checkWrite(req); err != nil {
		return nil, err
	}

	batch, err := c.stores.Transfers.GetBatchByKey(ctx, c.companyID, req.IdempotencyKey)
	switch {
	case err == nil:
		if batch.WiseBatchID != nil {
			return batch, nil
		}
	case errors.Is(err, repository.ErrBatchNotFound):
		batch = &models.WiseBatch{
			CompanyID:       c.companyID,
			IdempotencyKey:  req.IdempotencyKey,
			Environment:     c.environment,
			Status:          models.TransferCreated,
			Reference:       req.Reference,
			CreatedByUserID: c.actorUserID,
		}
		if err := c.stores.Transfers.CreateBatch(ctx, batch); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	payload := map[string]interface{}{"reference": req.Reference}
	raw, err := c.client.Do(ctx, http.MethodPost, pathBatchGroups, nil, payload)
	if err != nil {
		return nil, err
	}
	resp := decodeObject(raw)
	remoteID := str(resp, "id")
	if remoteID == "" {
		return nil, apperr.Hard("create_batch", http.StatusOK, string(raw))
	}
	status := firstNonEmpty(str(resp, "status"), batch.Status)
	if err := c.stores.Transfers.AttachBatchRemote(ctx, batch.ID, remoteID, status, datatypes.JSON(raw)); err != nil {
		return nil, err
	}
	batch.WiseBatchID = &remoteID
	batch.Status = status
	batch.Raw = datatypes.JSON(raw)

	if err := c.audit(ctx, "wise.batch.created", "wise_batch", batch.ID, payload); err != nil {
		return nil, err
	}
	return batch, nil
}

// AddToBatch adds a payment to a remote batch group
func (c *Connector) AddToBatch(ctx context.Context, req BatchPaymentRequest) (map[string]interface{}, error) {
	if err := c.checkWrite(req); err != nil {
		return nil, err
	}
	payload := make(map[string]interface{}, len(req.Transfer)+1)
	for k, v := range req.Transfer {
		payload[k] = v
	}
	payload["idempotencyKey"] = req.IdempotencyKey

	raw, err := c.client.Do(ctx, http.MethodPost, batchPaymentsPath(req.BatchID), nil, payload)
	if err != nil {
		return nil, err
	}
	if err := c.audit(ctx, "wise.batch.add_transfer", "wise_batch", req.BatchID, payload); err != nil {
		return nil, err
	}
	return decodeObject(raw), nil
}

// FundBatch funds a remote batch group
func (c *Connector) FundBatch(ctx context.Context, req FundBatchRequest) (map[string]interface{}, error) {
	if err := c.checkWrite(req); err != nil {
		return nil, err
	}
	payload := map[string]interface{}{"idempotencyKey": req.IdempotencyKey}

	raw, err := c.client.Do(ctx, http.MethodPost, batchFundPath(req.BatchID), nil, payload)
	if err != nil {
		return nil, err
	}
	if err := c.audit(ctx, "wise.batch.funded", "wise_batch", req.BatchID, payload); err != nil {
		return nil, err
	}
	return decodeObject(raw), nil
}

// RefreshTransfers re-reads the remote state of every non-terminal transfer
// and returns how many changed status
func (c *Connector) RefreshTransfers(ctx context.Context) (int, error) {
	transfers, err := c.stores.Transfers.ListRefreshable(ctx, c.companyID, c.environment)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, t := range transfers {
		raw, err := c.client.Do(ctx, http.MethodGet, transferPath(*t.WiseTransferID), nil, nil)
		if err != nil {
			return changed, err
		}
		status := str(decodeObject(raw), "status")
		if status == "" || status == t.Status {
			continue
		}
		if err := c.stores.Transfers.UpdateTransferStatus(ctx, t.ID, status, datatypes.JSON(raw)); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}
