// Package report turns an execution result into the deliverable surfaces: a
// JSON preview and a multi-sheet Excel workbook. Assembly re-checks the
// redistribution gate so a source reclassified between fetch and download
// never reaches an exported file.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"github.com/coinscribe/coinscribe/pkg/engine"
	"github.com/coinscribe/coinscribe/pkg/policy"
)

// Format selects the deliverable surface.
type Format string

const (
	// FormatJSON is the preview surface: the execution result as JSON.
	FormatJSON Format = "json"

	// FormatExcel is the download surface: a multi-sheet workbook.
	FormatExcel Format = "excel"
)

// Valid reports whether the format is known.
func (f Format) Valid() bool {
	return f == FormatJSON || f == FormatExcel
}

// Report is one assembled deliverable.
type Report struct {
	// Format is the surface this report was assembled for.
	Format Format

	// ContentType is the MIME type of Data.
	ContentType string

	// Filename is a suggested download filename.
	Filename string

	// Data is the serialized deliverable.
	Data []byte

	// Warnings lists non-fatal assembly findings, e.g. sheets excluded by a
	// reclassified source.
	Warnings []string
}

// Assembler builds reports from execution results.
type Assembler struct {
	gate   *policy.Engine
	clock  engine.Clock
	logger zerolog.Logger
}

// NewAssembler creates an assembler. A nil clock falls back to system time.
func NewAssembler(gate *policy.Engine, clock engine.Clock, logger zerolog.Logger) *Assembler {
	if clock == nil {
		clock = engine.SystemClock{}
	}
	return &Assembler{
		gate:   gate,
		clock:  clock,
		logger: logger.With().Str("component", "report-assembler").Logger(),
	}
}

// Assemble builds the requested surface. The JSON preview always carries the
// full execution result; the workbook carries one sheet per successful
// dataset that also passes the download-purpose policy re-check.
func (a *Assembler) Assemble(ctx context.Context, result *engine.ExecutionResult, format Format) (*Report, error) {
	if result == nil {
		return nil, fmt.Errorf("execution result is required")
	}
	switch format {
	case FormatJSON:
		return a.assembleJSON(result)
	case FormatExcel:
		return a.assembleExcel(ctx, result)
	default:
		return nil, fmt.Errorf("unknown report format %q", format)
	}
}

func (a *Assembler) assembleJSON(result *engine.ExecutionResult) (*Report, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return nil, fmt.Errorf("encoding preview: %w", err)
	}
	return &Report{
		Format:      FormatJSON,
		ContentType: "application/json",
		Filename:    fmt.Sprintf("%s-preview.json", filenameStem(result)),
		Data:        buf.Bytes(),
		Warnings:    result.Warnings,
	}, nil
}

func (a *Assembler) assembleExcel(ctx context.Context, result *engine.ExecutionResult) (*Report, error) {
	f := excelize.NewFile()
	defer f.Close()

	// Created first so it leads the tab order; filled once the eligible
	// dataset count is known.
	if _, err := f.NewSheet("Summary"); err != nil {
		return nil, fmt.Errorf("creating summary sheet: %w", err)
	}

	warnings := append([]string(nil), result.Warnings...)

	// Sheets appear in recipe order. A source that lost its redistributable
	// classification after execution is excluded here with a warning instead
	// of failing the whole report.
	included := 0
	for i := range result.Datasets {
		ds := &result.Datasets[i]
		if ds.Status != engine.StatusSuccess {
			continue
		}
		if err := a.gate.AssertAllowed(ctx, []string{ds.SourceProvider}, policy.PurposeDownload); err != nil {
			var verr *policy.ViolationError
			if errors.As(err, &verr) {
				msg := fmt.Sprintf("dataset %s excluded from workbook: %s", ds.DatasetID, verr.Error())
				a.logger.Warn().Str("dataset_id", ds.DatasetID).Str("provider", ds.SourceProvider).
					Msg("Dataset excluded from workbook by redistribution policy")
				warnings = append(warnings, msg)
				continue
			}
			return nil, fmt.Errorf("policy re-check for dataset %s: %w", ds.DatasetID, err)
		}
		if err := a.writeSheet(f, ds); err != nil {
			return nil, err
		}
		included++
	}

	if included == 0 {
		return nil, fmt.Errorf("no dataset is eligible for download")
	}

	if err := a.writeSummary(f, result, included); err != nil {
		return nil, err
	}
	// The default sheet is replaced by the summary, which leads the workbook.
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("removing default sheet: %w", err)
	}
	idx, err := f.GetSheetIndex("Summary")
	if err != nil {
		return nil, fmt.Errorf("locating summary sheet: %w", err)
	}
	f.SetActiveSheet(idx)

	// Fixed document properties keep workbook bytes reproducible for the
	// same execution result; the generation timestamp lives in a cell.
	if err := f.SetDocProps(&excelize.DocProperties{
		Creator:        "coinscribe",
		Created:        time.Unix(0, 0).UTC().Format(time.RFC3339),
		Modified:       time.Unix(0, 0).UTC().Format(time.RFC3339),
		LastModifiedBy: "coinscribe",
	}); err != nil {
		return nil, fmt.Errorf("setting workbook properties: %w", err)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("serializing workbook: %w", err)
	}
	return &Report{
		Format:      FormatExcel,
		ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		Filename:    fmt.Sprintf("%s.xlsx", filenameStem(result)),
		Data:        buf.Bytes(),
		Warnings:    warnings,
	}, nil
}

// writeSheet writes one dataset as its own sheet: a header row from the
// column definitions, then the rows in provider order.
func (a *Assembler) writeSheet(f *excelize.File, ds *engine.DatasetResult) error {
	sheet := sheetName(ds.DatasetID)
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("creating sheet %s: %w", sheet, err)
	}

	header := make([]interface{}, len(ds.Columns))
	for i, col := range ds.Columns {
		header[i] = col.Name
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("writing header for %s: %w", sheet, err)
	}

	for rowIdx, row := range ds.Rows {
		cells := make([]interface{}, len(row))
		for i, v := range row {
			cells[i] = cellValue(ds.Columns, i, v)
		}
		addr, err := excelize.CoordinatesToCellName(1, rowIdx+2)
		if err != nil {
			return fmt.Errorf("addressing row %d in %s: %w", rowIdx+2, sheet, err)
		}
		if err := f.SetSheetRow(sheet, addr, &cells); err != nil {
			return fmt.Errorf("writing row %d in %s: %w", rowIdx+2, sheet, err)
		}
	}
	return nil
}

// writeSummary writes the leading summary sheet: run metadata, the source
// attribution lines, and the per-dataset outcome table.
func (a *Assembler) writeSummary(f *excelize.File, result *engine.ExecutionResult, included int) error {
	const sheet = "Summary"

	rows := [][]interface{}{
		{"Recipe", result.RecipeID},
		{"Run", result.RunID},
		{"Generated", result.GeneratedAt.UTC().Format(time.RFC3339)},
		{"Datasets included", included},
		{"Total rows", result.Metadata.TotalRows},
		{},
		{"Dataset", "Status", "Source", "Rows", "Fetched at"},
	}
	for i := range result.Datasets {
		ds := &result.Datasets[i]
		fetched := ""
		if !ds.FetchedAt.IsZero() {
			fetched = ds.FetchedAt.UTC().Format(time.RFC3339)
		}
		rows = append(rows, []interface{}{
			ds.DatasetID, string(ds.Status), ds.SourceProvider, len(ds.Rows), fetched,
		})
	}

	rows = append(rows, []interface{}{})
	seen := map[string]bool{}
	for i := range result.Datasets {
		ds := &result.Datasets[i]
		if ds.Status != engine.StatusSuccess || seen[ds.SourceProvider] {
			continue
		}
		seen[ds.SourceProvider] = true
		if attr := a.gate.Registry().Attribution(ds.SourceProvider); attr != "" {
			rows = append(rows, []interface{}{attr})
		}
	}

	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		addr, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("addressing summary row %d: %w", i+1, err)
		}
		r := row
		if err := f.SetSheetRow(sheet, addr, &r); err != nil {
			return fmt.Errorf("writing summary row %d: %w", i+1, err)
		}
	}
	return nil
}

// cellValue prepares a normalized value for a worksheet cell. Timestamps are
// written as RFC 3339 text so sheets render identically everywhere.
func cellValue(columns []engine.Column, idx int, v interface{}) interface{} {
	if v == nil {
		return nil
	}
	if idx < len(columns) && columns[idx].Type == engine.TypeTimestamp {
		if t, ok := v.(time.Time); ok {
			return t.UTC().Format(time.RFC3339)
		}
	}
	return v
}

// filenameStem derives the artifact filename from the recipe's display name,
// reduced to a filesystem-safe slug. Falls back to the recipe ID when the
// name slugs to nothing.
func filenameStem(result *engine.ExecutionResult) string {
	if stem := slugify(result.RecipeName); stem != "" {
		return stem
	}
	return result.RecipeID
}

// slugify lowercases and keeps letters and digits, collapsing everything else
// into single hyphens.
func slugify(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pending && b.Len() > 0 {
				b.WriteByte('-')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	return b.String()
}

// sheetName truncates a dataset ID to Excel's 31-character sheet name limit.
func sheetName(datasetID string) string {
	if len(datasetID) <= 31 {
		return datasetID
	}
	return datasetID[:31]
}
