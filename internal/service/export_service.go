package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sims-infirmary-api/internal/models"
	appErrors "github.com/noah-isme/sims-infirmary-api/pkg/errors"
	"github.com/noah-isme/sims-infirmary-api/pkg/export"
)

// InventoryReport names an exportable inventory listing.
type InventoryReport string

const (
	InventoryReportLowStock InventoryReport = "low-stock"
	InventoryReportExpiring InventoryReport = "expiring"
)

type inventoryLister interface {
	LowStock(ctx context.Context, actor *models.JWTClaims) ([]models.StockItem, error)
	Expiring(ctx context.Context, days *int, actor *models.JWTClaims) ([]models.StockItem, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ExportResult is a rendered report ready to be streamed.
type ExportResult struct {
	Filename    string
	ContentType string
	Body        []byte
	Rows        int
}

var inventoryHeaders = []string{"Name", "Generic Name", "Dosage Form", "Strength", "Supplier", "Current Stock", "Minimum Stock", "Expiry Date"}

// ExportService renders inventory listings as CSV or PDF.
type ExportService struct {
	inventory inventoryLister
	csv       csvRenderer
	pdf       pdfRenderer
	logger    *zap.Logger
	now       func() time.Time
}

// NewExportService constructs an ExportService.
func NewExportService(inventory inventoryLister, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		inventory: inventory,
		csv:       csv,
		pdf:       pdf,
		logger:    logger,
		now:       time.Now,
	}
}

// Inventory renders the requested listing. days only applies to the expiring report.
func (s *ExportService) Inventory(ctx context.Context, report, format string, days *int, actor *models.JWTClaims) (*ExportResult, error) {
	kind := InventoryReport(strings.ToLower(strings.TrimSpace(report)))
	if kind == "" {
		kind = InventoryReportLowStock
	}
	encoding, err := export.ParseFormat(format)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}

	var (
		items []models.StockItem
		title string
	)
	switch kind {
	case InventoryReportLowStock:
		items, err = s.inventory.LowStock(ctx, actor)
		title = "Low Stock Medications"
	case InventoryReportExpiring:
		items, err = s.inventory.Expiring(ctx, days, actor)
		title = "Expiring Medications"
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported report %q", report))
	}
	if err != nil {
		return nil, err
	}

	dataset := inventoryDataset(items)
	var body []byte
	switch encoding {
	case export.FormatPDF:
		body, err = s.pdf.Render(dataset, title)
	default:
		body, err = s.csv.Render(dataset)
	}
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}

	s.logger.Info("inventory exported",
		zap.String("report", string(kind)),
		zap.String("format", string(encoding)),
		zap.Int("rows", len(items)),
		zap.String("actor_id", actor.UserID),
	)
	return &ExportResult{
		Filename:    encoding.Filename(string(kind), s.now().UTC().Format("20060102")),
		ContentType: encoding.ContentType(),
		Body:        body,
		Rows:        len(items),
	}, nil
}

func inventoryDataset(items []models.StockItem) export.Dataset {
	rows := make([]map[string]string, 0, len(items))
	for _, item := range items {
		rows = append(rows, map[string]string{
			"Name":          item.Name,
			"Generic Name":  deref(item.GenericName),
			"Dosage Form":   deref(item.DosageForm),
			"Strength":      deref(item.Strength),
			"Supplier":      deref(item.Supplier),
			"Current Stock": strconv.Itoa(item.CurrentStock),
			"Minimum Stock": strconv.Itoa(item.MinimumStock),
			"Expiry Date":   formatExpiry(item.ExpiryDate),
		})
	}
	return export.Dataset{Headers: inventoryHeaders, Rows: rows}
}

func deref(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}
