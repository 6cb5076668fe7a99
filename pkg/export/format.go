package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/tinypipe/tinypipe/pkg/sample"
)

var columns = []string{"date", "slot", "mean", "median", "mode", "min", "max", "sample_count"}

func aggregateRow(a sample.WindowAggregate) []string {
	return []string{
		a.Date,
		a.Slot,
		strconv.FormatFloat(a.Mean, 'f', -1, 64),
		strconv.FormatFloat(a.Median, 'f', -1, 64),
		strconv.FormatFloat(a.Mode, 'f', -1, 64),
		strconv.FormatFloat(a.Min, 'f', -1, 64),
		strconv.FormatFloat(a.Max, 'f', -1, 64),
		strconv.Itoa(a.SampleCount),
	}
}

// WriteCSV writes aggregates to a CSV file at path, creating parent
// directories as needed.
func WriteCSV(rows []sample.WindowAggregate, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv %s: %w", path, err)
	}
	defer f.Close()

	writer := csv.NewWriter(f)
	if err := writer.Write(columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, a := range rows {
		if err := writer.Write(aggregateRow(a)); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush csv %s: %w", path, err)
	}
	return f.Close()
}

// WriteSpreadsheet writes aggregates to an xlsx workbook at path with
// one "Aggregates" sheet.
func WriteSpreadsheet(rows []sample.WindowAggregate, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}

	wb := excelize.NewFile()
	defer wb.Close()

	const sheet = "Aggregates"
	idx, err := wb.NewSheet(sheet)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	wb.SetActiveSheet(idx)
	wb.DeleteSheet("Sheet1")

	header := make([]any, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	if err := wb.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("write sheet header: %w", err)
	}

	for i, a := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("cell name: %w", err)
		}
		row := []any{a.Date, a.Slot, a.Mean, a.Median, a.Mode, a.Min, a.Max, a.SampleCount}
		if err := wb.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write sheet row %d: %w", i+2, err)
		}
	}

	if err := wb.SaveAs(path); err != nil {
		return fmt.Errorf("save spreadsheet %s: %w", path, err)
	}
	return nil
}
