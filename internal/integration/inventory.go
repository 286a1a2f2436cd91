package integration

import (
	"context"
	"errors"
	"strconv"

	"github.com/odyssey-erp/odyssey-procure/internal/inventory"
	"github.com/odyssey-erp/odyssey-procure/internal/procurement"
)

// InventoryReceiver is the inventory operation used by purchasing.
type InventoryReceiver interface {
	CommitReceipt(ctx context.Context, in inventory.ReceiptInput) (inventory.ReceiptResult, error)
}

// InventoryAdapter posts received purchase order lines into inventory.
type InventoryAdapter struct {
	receiver    InventoryReceiver
	warehouseID int64
}

// NewInventoryAdapter constructs the adapter. A zero warehouse uses the
// inventory default.
func NewInventoryAdapter(receiver InventoryReceiver, warehouseID int64) *InventoryAdapter {
	return &InventoryAdapter{receiver: receiver, warehouseID: warehouseID}
}

// CommitInventory implements procurement.InventoryCommitter. Stock rule
// violations come back as an unsuccessful result, infrastructure failures as
// errors.
func (a *InventoryAdapter) CommitInventory(ctx context.Context, req procurement.InventoryCommitRequest) (procurement.InventoryCommitResult, error) {
	in := inventory.ReceiptInput{
		AttemptID:      req.AttemptID,
		WarehouseID:    a.warehouseID,
		RefModule:      "PO",
		RefID:          strconv.FormatInt(req.PurchaseOrderID, 10),
		QualityCheckID: req.QualityCheckID,
		Units:          make([]inventory.ReceiptUnit, 0, len(req.Units)),
	}
	for _, u := range req.Units {
		in.Units = append(in.Units, inventory.ReceiptUnit{
			ProductID:    u.ProductID,
			VariantID:    u.VariantID,
			Quantity:     u.Quantity,
			Serials:      u.Serials,
			UnitCost:     u.CostPrice,
			SellingPrice: u.SellingPrice,
		})
	}
	res, err := a.receiver.CommitReceipt(ctx, in)
	if err != nil {
		if rejected(err) {
			return procurement.InventoryCommitResult{Success: false, Message: err.Error()}, nil
		}
		return procurement.InventoryCommitResult{}, err
	}
	msg := ""
	if res.Replayed {
		msg = "receipt already recorded"
	}
	return procurement.InventoryCommitResult{Success: true, ItemsAdded: res.ItemsAdded, Message: msg}, nil
}

func rejected(err error) bool {
	return errors.Is(err, inventory.ErrDuplicateSerial) ||
		errors.Is(err, inventory.ErrInvalidQuantity) ||
		errors.Is(err, inventory.ErrInvalidUnitCost)
}
