// Package ingest reads inventory batches from XLSX and CSV files and
// normalizes them into records. Column positions are detected from the
// header row; UPC values are kept verbatim as opaque tokens.
package ingest

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/shelfsight/upcguard/internal/model"
	"github.com/shelfsight/upcguard/internal/resilience"
)

// Options configures a file read.
type Options struct {
	AnalysisID string
	MaxRows    int    // 0 = unlimited
	SheetName  string // XLSX only; empty = first sheet
}

// Header synonyms recognized for each column, lowercased with separators
// stripped. Product and UPC are required; the rest are optional.
var (
	productHeaders   = []string{"productid", "product", "sku", "itemid", "item"}
	upcHeaders       = []string{"upc", "upccode", "barcode", "gtin", "ean"}
	warehouseHeaders = []string{"warehouseid", "warehouse", "site", "facility"}
	locationHeaders  = []string{"location", "bin", "aisle", "shelf"}
)

type columnMap struct {
	product   int
	upc       int
	warehouse int
	location  int
	extra     map[int]string // unmapped columns kept as payload
}

// FromFile reads records from path, dispatching on the file extension.
func FromFile(path string, opts Options) ([]model.Record, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return FromXLSX(path, opts)
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "ingest: open csv")
		}
		defer f.Close()
		return FromCSV(f, opts)
	default:
		return nil, resilience.NewValidation("file", "unsupported format, expected .xlsx or .csv")
	}
}

// FromXLSX reads records from an XLSX workbook.
func FromXLSX(path string, opts Options) ([]model.Record, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: open xlsx")
	}

	var sheet *xlsx.Sheet
	if opts.SheetName != "" {
		s, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("ingest: sheet %q not found", opts.SheetName)
		}
		sheet = s
	} else {
		if len(f.Sheets) == 0 {
			return nil, eris.New("ingest: workbook has no sheets")
		}
		sheet = f.Sheets[0]
	}

	var records []model.Record
	var cm columnMap
	for i, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		if i == 0 {
			cm, err = detectColumns(cells)
			if err != nil {
				return nil, err
			}
			continue
		}
		rec, ok := buildRecord(cm, cells, opts.AnalysisID)
		if !ok {
			continue
		}
		if opts.MaxRows > 0 && len(records) == opts.MaxRows {
			return nil, resilience.NewValidation("rows", "file exceeds the configured row cap")
		}
		records = append(records, rec)
	}
	return records, nil
}

// FromCSV reads records from CSV data. The first row must be a header.
func FromCSV(r io.Reader, opts Options) ([]model.Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, eris.Wrap(err, "ingest: read csv header")
	}
	cm, err := detectColumns(header)
	if err != nil {
		return nil, err
	}

	var records []model.Record
	for {
		cells, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "ingest: read csv row")
		}
		rec, ok := buildRecord(cm, cells, opts.AnalysisID)
		if !ok {
			continue
		}
		if opts.MaxRows > 0 && len(records) == opts.MaxRows {
			return nil, resilience.NewValidation("rows", "file exceeds the configured row cap")
		}
		records = append(records, rec)
	}
	return records, nil
}

func detectColumns(header []string) (columnMap, error) {
	cm := columnMap{product: -1, upc: -1, warehouse: -1, location: -1, extra: make(map[int]string)}
	for i, raw := range header {
		name := normalizeHeader(raw)
		switch {
		case cm.product < 0 && matches(name, productHeaders):
			cm.product = i
		case cm.upc < 0 && matches(name, upcHeaders):
			cm.upc = i
		case cm.warehouse < 0 && matches(name, warehouseHeaders):
			cm.warehouse = i
		case cm.location < 0 && matches(name, locationHeaders):
			cm.location = i
		default:
			if trimmed := strings.TrimSpace(raw); trimmed != "" {
				cm.extra[i] = trimmed
			}
		}
	}
	if cm.product < 0 {
		return cm, resilience.NewValidation("header", "no product column found")
	}
	if cm.upc < 0 {
		return cm, resilience.NewValidation("header", "no upc column found")
	}
	return cm, nil
}

func normalizeHeader(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "", "_", "", "-", "").Replace(s)
}

func matches(name string, synonyms []string) bool {
	for _, s := range synonyms {
		if name == s {
			return true
		}
	}
	return false
}

// buildRecord maps one data row to a record. Rows missing both product and
// UPC carry no identity and are dropped.
func buildRecord(cm columnMap, cells []string, analysisID string) (model.Record, bool) {
	cell := func(i int) string {
		if i < 0 || i >= len(cells) {
			return ""
		}
		return strings.TrimSpace(cells[i])
	}

	product := cell(cm.product)
	upc := cell(cm.upc)
	if product == "" && upc == "" {
		return model.Record{}, false
	}

	rec := model.Record{
		ID:          uuid.NewString(),
		AnalysisID:  analysisID,
		ProductID:   product,
		UPC:         upc,
		WarehouseID: cell(cm.warehouse),
		Location:    cell(cm.location),
		CreatedAt:   time.Now().UTC(),
	}
	for i, name := range cm.extra {
		if v := cell(i); v != "" {
			if rec.Payload == nil {
				rec.Payload = make(map[string]any)
			}
			rec.Payload[name] = v
		}
	}
	return rec, true
}
