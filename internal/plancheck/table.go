package plancheck

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// ResultTable is an append-only, ordered collection of rows. Its column
// schema is fixed and does not depend on which criteria produced it.
type ResultTable struct {
	rows []ResultRow
}

// NewResultTable creates an empty table.
func NewResultTable() *ResultTable {
	return &ResultTable{rows: []ResultRow{}}
}

// Append adds a row at the end.
func (t *ResultTable) Append(row ResultRow) {
	t.rows = append(t.rows, row)
}

// Len returns the number of rows.
func (t *ResultTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.rows)
}

// Rows returns a copy of the rows in insertion order.
func (t *ResultTable) Rows() []ResultRow {
	if t == nil {
		return nil
	}
	return append([]ResultRow(nil), t.rows...)
}

// Window returns at most limit rows starting at offset.
func (t *ResultTable) Window(limit, offset int) []ResultRow {
	n := t.Len()
	if offset >= n || limit <= 0 {
		return []ResultRow{}
	}
	if offset < 0 {
		offset = 0
	}
	end := offset + limit
	if end > n {
		end = n
	}
	return append([]ResultRow(nil), t.rows[offset:end]...)
}

// Columns lists the flat export columns in order.
func Columns() []string {
	return []string{
		"Patient ID",
		"Patient Name",
		"Request CID",
		"Machine",
		"Plan Name",
		"Timestamp",
		"Limit Set",
		"TPS Name",
		"TPS Version",
		"Patient Position",
		"Dose Calc Time (s)",
		"Gamma Dose (%)",
		"Gamma DTA (mm)",
		"Gamma Histogram",
		"Gamma Pass Rate (%)",
		"Stray Voxel Passed",
		"Fractions",
		"Beams",
		"Structure",
		"Structure Volume (cc)",
		"DVH Points",
	}
}

// Record flattens a row into strings matching Columns. DVH samples are
// summarised by count.
func (r ResultRow) Record() []string {
	hist := make([]string, 0, len(r.GammaHistogram))
	for _, h := range r.GammaHistogram {
		hist = append(hist, formatFloat(h))
	}
	return []string{
		r.PatientID,
		r.PatientName,
		r.RequestCID,
		r.MachineName,
		r.PlanName,
		r.Timestamp.Format(time.RFC3339),
		r.LimitSet,
		r.TPSName,
		r.TPSVersion,
		r.PatientPosition,
		formatFloat(r.DoseCalcTime),
		formatFloat(r.GammaDose),
		formatFloat(r.GammaDTA),
		strings.Join(hist, ";"),
		formatFloat(r.GammaPassRate),
		strconv.FormatBool(r.StrayVoxelPassed),
		strconv.Itoa(r.NumFractions),
		strconv.Itoa(r.NumBeams),
		r.StructureName,
		formatFloat(r.StructureVolume),
		strconv.Itoa(len(r.DVH.Points)),
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// WriteCSV writes a header line followed by one line per row.
func (t *ResultTable) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns()); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range t.Rows() {
		if err := cw.Write(r.Record()); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// SheetName is the worksheet the XLSX export writes to.
const SheetName = "Plan Checks"

// WriteXLSX renders the table as a single-sheet workbook.
func (t *ResultTable) WriteXLSX(w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(SheetName)
	if err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("failed to remove default sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	cols := Columns()
	for i, h := range cols {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(SheetName, cell, h); err != nil {
			return fmt.Errorf("failed to set header: %w", err)
		}
	}
	last, _ := excelize.CoordinatesToCellName(len(cols), 1)
	if err := f.SetCellStyle(SheetName, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("failed to style header: %w", err)
	}

	for r, row := range t.Rows() {
		for c, v := range row.cells() {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			if err := f.SetCellValue(SheetName, cell, v); err != nil {
				return fmt.Errorf("failed to set cell %s: %w", cell, err)
			}
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// cells is Record with native types, so spreadsheets keep numbers numeric.
func (r ResultRow) cells() []interface{} {
	rec := r.Record()
	return []interface{}{
		r.PatientID,
		r.PatientName,
		r.RequestCID,
		r.MachineName,
		r.PlanName,
		r.Timestamp,
		r.LimitSet,
		r.TPSName,
		r.TPSVersion,
		r.PatientPosition,
		r.DoseCalcTime,
		r.GammaDose,
		r.GammaDTA,
		rec[13],
		r.GammaPassRate,
		r.StrayVoxelPassed,
		r.NumFractions,
		r.NumBeams,
		r.StructureName,
		r.StructureVolume,
		len(r.DVH.Points),
	}
}
