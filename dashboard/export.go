package dashboard

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"tenderbackend/domain"
)

var reviewHeaders = []string{
	"ID", "Label", "Payload", "Confidence", "Status", "Decided At", "Notes", "Created At",
}

// WriteReviewSheet streams a two-tab workbook (Facts, Annexures) to w.
// Rejected rows get the light-red fill so they stand out on a printed sheet.
func WriteReviewSheet(w io.Writer, facts, annexures []*domain.ValidationItem) error {
	f := excelize.NewFile()
	defSheet := f.GetSheetName(0)
	if defSheet == "" {
		defSheet = "Sheet1"
	}
	_ = f.SetSheetName(defSheet, "Facts")
	f.NewSheet("Annexures")
	f.SetActiveSheet(0)

	rejectedStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"FFC7CE"}},
		Font: &excelize.Font{Color: "9C0006"},
	})

	if err := writeItemSheet(f, "Facts", facts, rejectedStyle); err != nil {
		return err
	}
	if err := writeItemSheet(f, "Annexures", annexures, rejectedStyle); err != nil {
		return err
	}

	_, err := f.WriteTo(w)
	return err
}

func writeItemSheet(f *excelize.File, sheet string, items []*domain.ValidationItem, rejectedStyle int) error {
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		if err := sw.SetRow("A1", []interface{}{"no items"}); err != nil {
			return err
		}
		return sw.Flush()
	}

	header := make([]interface{}, len(reviewHeaders))
	for i, h := range reviewHeaders {
		header[i] = h
	}
	if err := sw.SetRow("A1", header); err != nil {
		return err
	}

	for i, it := range items {
		axis, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := []interface{}{
			it.ID,
			it.Label,
			string(it.Payload),
			it.Confidence,
			string(it.Status),
			formatTimePtr(it.DecisionAt),
			it.DecisionNotes,
			it.CreatedAt.UTC().Format(time.RFC3339),
		}
		row := make([]interface{}, len(values))
		for j, v := range values {
			if it.Status == domain.DecisionRejected {
				row[j] = excelize.Cell{StyleID: rejectedStyle, Value: v}
			} else {
				row[j] = v
			}
		}
		if err := sw.SetRow(axis, row); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	return sw.Flush()
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
