package receipt

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
)

const (
	receiptsSheet = "Receipts"
	itemsSheet    = "Items"
	moneyFormat   = "#,##0.00"
)

// WriteXLSX writes receipts as a workbook with one sheet of receipts and one
// of their line items. Amounts are converted from cents for display.
func WriteXLSX(w io.Writer, receipts []ImageWithAnalysis) error {
	f := excelize.NewFile()
	defer f.Close()

	// Rename the default sheet rather than leaving an empty one behind
	if err := f.SetSheetName("Sheet1", receiptsSheet); err != nil {
		return fmt.Errorf("creating receipts sheet: %w", err)
	}
	if _, err := f.NewSheet(itemsSheet); err != nil {
		return fmt.Errorf("creating items sheet: %w", err)
	}

	money, err := f.NewStyle(&excelize.Style{CustomNumFmt: ptr(moneyFormat)})
	if err != nil {
		return fmt.Errorf("creating money style: %w", err)
	}

	receiptHeaders := []any{"Date", "Category", "Items", "Total", "Added", "Image"}
	if err := f.SetSheetRow(receiptsSheet, "A1", &receiptHeaders); err != nil {
		return fmt.Errorf("writing receipt headers: %w", err)
	}
	itemHeaders := []any{"Image", "Item", "Price"}
	if err := f.SetSheetRow(itemsSheet, "A1", &itemHeaders); err != nil {
		return fmt.Errorf("writing item headers: %w", err)
	}

	receiptRow, itemRow := 2, 2
	for _, r := range receipts {
		if r.Analysis == nil {
			continue
		}
		date := ""
		if r.Analysis.Date != nil {
			date = *r.Analysis.Date
		}
		added := time.UnixMilli(r.Image.DateCreated).UTC().Format(time.DateTime)
		row := []any{
			date,
			r.Analysis.Category.Name(),
			len(r.Analysis.Items),
			cents(r.Analysis.FinalPrice),
			added,
			r.Image.URI,
		}
		cell, _ := excelize.CoordinatesToCellName(1, receiptRow)
		if err := f.SetSheetRow(receiptsSheet, cell, &row); err != nil {
			return fmt.Errorf("writing receipt row: %w", err)
		}
		totalCell, _ := excelize.CoordinatesToCellName(4, receiptRow)
		if err := f.SetCellStyle(receiptsSheet, totalCell, totalCell, money); err != nil {
			return fmt.Errorf("styling receipt row: %w", err)
		}
		receiptRow++

		for _, item := range r.Analysis.Items {
			row := []any{r.Image.URI, item.Name, cents(item.Price)}
			cell, _ := excelize.CoordinatesToCellName(1, itemRow)
			if err := f.SetSheetRow(itemsSheet, cell, &row); err != nil {
				return fmt.Errorf("writing item row: %w", err)
			}
			priceCell, _ := excelize.CoordinatesToCellName(3, itemRow)
			if err := f.SetCellStyle(itemsSheet, priceCell, priceCell, money); err != nil {
				return fmt.Errorf("styling item row: %w", err)
			}
			itemRow++
		}
	}

	_ = f.SetColWidth(receiptsSheet, "A", "A", 14) // date
	_ = f.SetColWidth(receiptsSheet, "B", "B", 18) // category
	_ = f.SetColWidth(receiptsSheet, "D", "E", 20) // total, added
	_ = f.SetColWidth(receiptsSheet, "F", "F", 60) // image
	_ = f.SetColWidth(itemsSheet, "A", "A", 60)
	_ = f.SetColWidth(itemsSheet, "B", "B", 32)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing xlsx: %w", err)
	}
	return nil
}

func cents(minor int) float64 {
	return float64(minor) / 100
}

func ptr[T any](v T) *T {
	return &v
}
