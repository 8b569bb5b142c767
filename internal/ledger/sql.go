package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/lunaluxe/payment-orchestrator/internal/payment"
)

type orderRecord struct {
	ID                string          `gorm:"primaryKey;size:64"`
	Currency          string          `gorm:"size:3"`
	CouponCode        string          `gorm:"size:64"`
	Discount          decimal.Decimal `gorm:"type:text;not null"`
	ShippingThreshold decimal.Decimal `gorm:"type:text;not null"`
	FlatShippingFee   decimal.Decimal `gorm:"type:text;not null"`
	TaxRate           decimal.Decimal `gorm:"type:text;not null"`
	Method            string          `gorm:"size:32"`
	Status            string          `gorm:"size:16;index;not null"`
	Shipping          ShippingInfo    `gorm:"embedded;embeddedPrefix:ship_"`
	OutcomeStatus     string          `gorm:"size:16"`
	OutcomeReference  string          `gorm:"size:128"`
	OutcomeReason     string          `gorm:"size:500"`
	OutcomeAt         *time.Time
	Items             []itemRecord    `gorm:"foreignKey:OrderID"`
	Outcomes          []outcomeRecord `gorm:"foreignKey:OrderID"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (orderRecord) TableName() string { return "orders" }

type itemRecord struct {
	ID        uint            `gorm:"primaryKey"`
	OrderID   string          `gorm:"size:64;index;not null"`
	Position  int             `gorm:"not null"`
	SKU       string          `gorm:"size:64"`
	Name      string          `gorm:"size:200"`
	UnitPrice decimal.Decimal `gorm:"type:text;not null"`
	Quantity  int             `gorm:"not null"`
}

func (itemRecord) TableName() string { return "order_items" }

// outcomeRecord is one row of the append-only outcome history.
type outcomeRecord struct {
	ID                uint   `gorm:"primaryKey"`
	OrderID           string `gorm:"size:64;index;not null"`
	Status            string `gorm:"size:16;not null"`
	ProviderReference string `gorm:"size:128"`
	FailureReason     string `gorm:"size:500"`
	CompletedAt       time.Time
}

func (outcomeRecord) TableName() string { return "order_outcomes" }

// OpenSQLite opens a sqlite database through gorm. Connections are capped at
// one so that sqlite sees a single writer and ":memory:" stays one database.
func OpenSQLite(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// SQLLedger is a Ledger stored through gorm. Outcomes are applied with a
// conditional update on status = 'PENDING', so concurrent writers cannot
// both move the same order.
type SQLLedger struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSQLLedger migrates the ledger tables and returns a SQLLedger. A nil now
// uses time.Now.
func NewSQLLedger(db *gorm.DB, now func() time.Time) (*SQLLedger, error) {
	if err := db.AutoMigrate(&orderRecord{}, &itemRecord{}, &outcomeRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate ledger: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &SQLLedger{db: db, now: now}, nil
}

func (l *SQLLedger) RecordAttempt(ctx context.Context, order Order) (Order, error) {
	now := l.now()
	rec := toRecord(order)
	rec.Status = string(StatusPending)
	rec.UpdatedAt = now

	var out Order
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev orderRecord
		err := tx.Select("id", "status", "created_at").First(&prev, "id = ?", order.ID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec.CreatedAt = now
			if err := tx.Omit(clause.Associations).Create(&rec).Error; err != nil {
				return fmt.Errorf("failed to create order: %w", err)
			}
		case err != nil:
			return fmt.Errorf("failed to find order: %w", err)
		default:
			if Status(prev.Status) == StatusPaid {
				return payment.ErrOrderAlreadyPaid
			}
			res := tx.Model(&orderRecord{}).
				Where("id = ? AND status <> ?", order.ID, string(StatusPaid)).
				Select("*").Omit("id", "created_at", clause.Associations).
				Updates(&rec)
			if res.Error != nil {
				return fmt.Errorf("failed to update order: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return payment.ErrOrderAlreadyPaid
			}
			if err := tx.Where("order_id = ?", order.ID).Delete(&itemRecord{}).Error; err != nil {
				return fmt.Errorf("failed to replace order items: %w", err)
			}
		}

		if len(rec.Items) > 0 {
			if err := tx.Create(&rec.Items).Error; err != nil {
				return fmt.Errorf("failed to create order items: %w", err)
			}
		}
		out, err = loadOrder(tx, order.ID)
		return err
	})
	if err != nil {
		return Order{}, err
	}
	return out, nil
}

func (l *SQLLedger) ApplyOutcome(ctx context.Context, orderRef string, outcome payment.Outcome) (Order, error) {
	next, err := statusFor(outcome)
	if err != nil {
		return Order{}, err
	}

	var out Order
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		at := outcome.CompletedAt
		res := tx.Model(&orderRecord{}).
			Where("id = ? AND status = ?", orderRef, string(StatusPending)).
			Updates(map[string]interface{}{
				"status":            string(next),
				"outcome_status":    string(outcome.Status),
				"outcome_reference": outcome.ProviderReference,
				"outcome_reason":    outcome.FailureReason,
				"outcome_at":        &at,
				"updated_at":        l.now(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to apply outcome: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var cur orderRecord
			if err := tx.Select("id", "status").First(&cur, "id = ?", orderRef).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return payment.ErrOrderNotFound
				}
				return fmt.Errorf("failed to find order: %w", err)
			}
			return rejectApply(Status(cur.Status))
		}

		hist := outcomeRecord{
			OrderID:           orderRef,
			Status:            string(outcome.Status),
			ProviderReference: outcome.ProviderReference,
			FailureReason:     outcome.FailureReason,
			CompletedAt:       outcome.CompletedAt,
		}
		if err := tx.Create(&hist).Error; err != nil {
			return fmt.Errorf("failed to append outcome history: %w", err)
		}
		out, err = loadOrder(tx, orderRef)
		return err
	})
	if err != nil {
		return Order{}, err
	}
	return out, nil
}

func (l *SQLLedger) Get(ctx context.Context, orderRef string) (Order, error) {
	return loadOrder(l.db.WithContext(ctx), orderRef)
}

func (l *SQLLedger) List(ctx context.Context) ([]Order, error) {
	var recs []orderRecord
	err := withChildren(l.db.WithContext(ctx)).Order("created_at ASC, id ASC").Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	out := make([]Order, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toOrder())
	}
	return out, nil
}

func withChildren(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Preload("Outcomes", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") })
}

func loadOrder(db *gorm.DB, orderRef string) (Order, error) {
	var rec orderRecord
	if err := withChildren(db).First(&rec, "id = ?", orderRef).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Order{}, payment.ErrOrderNotFound
		}
		return Order{}, fmt.Errorf("failed to find order: %w", err)
	}
	return rec.toOrder(), nil
}

func toRecord(o Order) orderRecord {
	rec := orderRecord{
		ID:                o.ID,
		Currency:          o.Currency,
		CouponCode:        o.CouponCode,
		Discount:          o.Discount,
		ShippingThreshold: o.Rules.ShippingThreshold,
		FlatShippingFee:   o.Rules.FlatShippingFee,
		TaxRate:           o.Rules.TaxRate,
		Method:            string(o.Method),
		Shipping:          o.Shipping,
	}
	for i, it := range o.Items {
		rec.Items = append(rec.Items, itemRecord{
			OrderID:   o.ID,
			Position:  i,
			SKU:       it.SKU,
			Name:      it.Name,
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
		})
	}
	return rec
}

func (r orderRecord) toOrder() Order {
	o := Order{
		ID:         r.ID,
		Shipping:   r.Shipping,
		Currency:   r.Currency,
		CouponCode: r.CouponCode,
		Discount:   r.Discount,
		Rules: PricingRules{
			ShippingThreshold: r.ShippingThreshold,
			FlatShippingFee:   r.FlatShippingFee,
			TaxRate:           r.TaxRate,
		},
		Method:    payment.Method(r.Method),
		Status:    Status(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	for _, it := range r.Items {
		o.Items = append(o.Items, LineItem{SKU: it.SKU, Name: it.Name, UnitPrice: it.UnitPrice, Quantity: it.Quantity})
	}
	for _, h := range r.Outcomes {
		o.History = append(o.History, payment.Outcome{
			Status:            payment.Status(h.Status),
			ProviderReference: h.ProviderReference,
			FailureReason:     h.FailureReason,
			CompletedAt:       h.CompletedAt,
		})
	}
	if r.OutcomeStatus != "" && r.Status != string(StatusPending) {
		out := payment.Outcome{
			Status:            payment.Status(r.OutcomeStatus),
			ProviderReference: r.OutcomeReference,
			FailureReason:     r.OutcomeReason,
		}
		if r.OutcomeAt != nil {
			out.CompletedAt = *r.OutcomeAt
		}
		o.Outcome = &out
	}
	return o
}
