package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-procure/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetStockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error)
	GetBalance(ctx context.Context, warehouseID, productID, variantID int64) (Balance, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates inventory operations.
type Service struct {
	repo             RepositoryPort
	audit            AuditPort
	defaultWarehouse int64
	logger           *slog.Logger
	now              func() time.Time
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	DefaultWarehouseID int64
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, cfg ServiceConfig, logger *slog.Logger) *Service {
	if cfg.DefaultWarehouseID == 0 {
		cfg.DefaultWarehouseID = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, defaultWarehouse: cfg.DefaultWarehouseID, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// CommitReceipt posts received units as one inbound transaction. Serials are
// registered per unit and average cost is updated per product variant.
func (s *Service) CommitReceipt(ctx context.Context, in ReceiptInput) (ReceiptResult, error) {
	if strings.TrimSpace(in.AttemptID) == "" {
		return ReceiptResult{}, errors.New("inventory: attempt id required")
	}
	if len(in.Units) == 0 {
		return ReceiptResult{}, ErrInvalidQuantity
	}
	for _, u := range in.Units {
		if u.ProductID == 0 {
			return ReceiptResult{}, errors.New("inventory: product required")
		}
		if u.Quantity <= 0 {
			return ReceiptResult{}, ErrInvalidQuantity
		}
		if u.UnitCost.IsNegative() {
			return ReceiptResult{}, ErrInvalidUnitCost
		}
		if len(u.Serials) > 0 && len(u.Serials) != u.Quantity {
			return ReceiptResult{}, fmt.Errorf("inventory: product %d has %d serial(s) for %d unit(s)", u.ProductID, len(u.Serials), u.Quantity)
		}
	}
	warehouse := in.WarehouseID
	if warehouse == 0 {
		warehouse = s.defaultWarehouse
	}

	var result ReceiptResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		prev, err := tx.GetReceipt(ctx, in.AttemptID)
		if err == nil {
			prev.Replayed = true
			result = prev
			return nil
		}
		if !errors.Is(err, ErrReceiptNotFound) {
			return err
		}

		now := s.now()
		header := Transaction{
			Code:        receiptCode(in.AttemptID),
			Type:        TransactionTypeIn,
			WarehouseID: warehouse,
			RefModule:   in.RefModule,
			RefID:       in.RefID,
			Note:        receiptNote(in),
			PostedAt:    now,
			CreatedBy:   in.ActorID,
		}
		txID, err := tx.InsertTransaction(ctx, header)
		if err != nil {
			return err
		}
		added := 0
		for _, u := range in.Units {
			if err := s.postUnit(ctx, tx, header, txID, u); err != nil {
				return err
			}
			added += u.Quantity
		}
		result = ReceiptResult{AttemptID: in.AttemptID, TransactionID: txID, ItemsAdded: added}
		return tx.SaveReceipt(ctx, result)
	})
	if err != nil {
		return ReceiptResult{}, err
	}
	if result.Replayed {
		s.logger.Info("inventory receipt replayed", slog.String("attempt_id", in.AttemptID), slog.Int64("tx_id", result.TransactionID))
		return result, nil
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  in.ActorID,
			Action:   "inventory:IN",
			Entity:   "inventory_tx",
			EntityID: fmt.Sprintf("%d", result.TransactionID),
			Meta: map[string]any{
				"attempt_id":   in.AttemptID,
				"warehouse_id": warehouse,
				"ref_module":   in.RefModule,
				"ref_id":       in.RefID,
				"items_added":  result.ItemsAdded,
			},
		})
	}
	return result, nil
}

func (s *Service) postUnit(ctx context.Context, tx TxRepository, header Transaction, txID int64, u ReceiptUnit) error {
	balance, err := tx.GetBalanceForUpdate(ctx, header.WarehouseID, u.ProductID, u.VariantID)
	if err != nil && !errors.Is(err, ErrBalanceNotFound) {
		return err
	}
	if errors.Is(err, ErrBalanceNotFound) {
		balance = Balance{WarehouseID: header.WarehouseID, ProductID: u.ProductID, VariantID: u.VariantID}
	}
	qty := int64(u.Quantity)
	newQty := balance.Qty + qty
	newAvg := WeightedAverage(balance.Qty, balance.AvgCost, qty, u.UnitCost)

	if err := tx.InsertTransactionLines(ctx, txID, []TransactionLine{{
		TransactionID: txID,
		ProductID:     u.ProductID,
		VariantID:     u.VariantID,
		Qty:           u.Quantity,
		UnitCost:      u.UnitCost,
		SellingPrice:  u.SellingPrice,
	}}); err != nil {
		return err
	}
	if len(u.Serials) > 0 {
		if err := tx.InsertSerials(ctx, u.ProductID, u.VariantID, header.WarehouseID, txID, u.Serials); err != nil {
			return err
		}
	}
	balance.Qty = newQty
	balance.AvgCost = newAvg
	if err := tx.UpsertBalance(ctx, balance); err != nil {
		return err
	}
	card := StockCardEntry{
		TxCode:      header.Code,
		TxType:      header.Type,
		PostedAt:    header.PostedAt,
		QtyIn:       qty,
		BalanceQty:  newQty,
		UnitCost:    u.UnitCost,
		BalanceCost: newAvg,
		Note:        header.Note,
	}
	return tx.InsertCardEntry(ctx, card, header.WarehouseID, u.ProductID, txID)
}

// WeightedAverage returns the moving average cost after adding qty units at cost.
func WeightedAverage(onHand int64, avg decimal.Decimal, qty int64, cost decimal.Decimal) decimal.Decimal {
	total := onHand + qty
	if total <= 0 {
		return decimal.Zero
	}
	if onHand <= 0 {
		return cost.Round(4)
	}
	value := avg.Mul(decimal.NewFromInt(onHand)).Add(cost.Mul(decimal.NewFromInt(qty)))
	return value.Div(decimal.NewFromInt(total)).Round(4)
}

// GetStockCard lists stock card entries.
func (s *Service) GetStockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error) {
	if filter.WarehouseID == 0 || filter.ProductID == 0 {
		return nil, errors.New("inventory: warehouse and product required")
	}
	return s.repo.GetStockCard(ctx, filter)
}

// GetBalance returns the on-hand balance of a product variant.
func (s *Service) GetBalance(ctx context.Context, warehouseID, productID, variantID int64) (Balance, error) {
	if warehouseID == 0 {
		warehouseID = s.defaultWarehouse
	}
	return s.repo.GetBalance(ctx, warehouseID, productID, variantID)
}

func receiptCode(attemptID string) string {
	short := strings.ReplaceAll(attemptID, "-", "")
	if len(short) > 12 {
		short = short[:12]
	}
	return "GRN-" + strings.ToUpper(short)
}

func receiptNote(in ReceiptInput) string {
	note := fmt.Sprintf("Receipt %s/%s", in.RefModule, in.RefID)
	if in.QualityCheckID != "" {
		note += " QC " + in.QualityCheckID
	}
	return note
}
