// Package export writes an application's Field Store to spreadsheets and
// reads questionnaire answer sheets back.
package export

import (
	"encoding/csv"
	"io"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/visadoc/internal/catalog"
	"github.com/sells-group/visadoc/internal/model"
)

// Format is a spreadsheet file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ErrUnsupportedFormat is returned for file extensions other than .csv and .xlsx.
var ErrUnsupportedFormat = eris.New("export: unsupported format")

// Header is the column layout of a field export.
var Header = []string{"key", "display_name", "value", "confidence", "source", "updated_at"}

// FormatOf picks the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".xlsx":
		return FormatXLSX, nil
	}
	return "", eris.Wrapf(ErrUnsupportedFormat, "%q", filepath.Ext(path))
}

// Row is one exported field.
type Row struct {
	Key         string
	DisplayName string
	Value       string
	Confidence  float64
	Source      string
	UpdatedAt   time.Time
}

func (r Row) strings() []string {
	return []string{
		r.Key,
		r.DisplayName,
		r.Value,
		strconv.FormatFloat(r.Confidence, 'f', -1, 64),
		r.Source,
		r.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// Rows flattens fields in catalog order. Keys outside the catalog keep
// their key as display name and sort last by key.
func Rows(cat *catalog.Catalog, fields model.FieldSet) []Row {
	rows := make([]Row, 0, len(fields))
	for key, f := range fields {
		name := key
		if fr, ok := cat.Field(key); ok {
			name = fr.DisplayName
		}
		rows = append(rows, Row{
			Key:         key,
			DisplayName: name,
			Value:       f.Value,
			Confidence:  f.Confidence,
			Source:      f.Source,
			UpdatedAt:   f.UpdatedAt,
		})
	}
	slices.SortFunc(rows, func(a, b Row) int {
		if d := cat.Position(a.Key) - cat.Position(b.Key); d != 0 {
			return d
		}
		return strings.Compare(a.Key, b.Key)
	})
	return rows
}

// WriteCSV writes rows with a header line.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return eris.Wrap(err, "export: write csv header")
	}
	for _, r := range rows {
		if err := cw.Write(r.strings()); err != nil {
			return eris.Wrapf(err, "export: write csv row %s", r.Key)
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "export: flush csv")
}

// NewWorkbook builds a single-sheet workbook of rows.
func NewWorkbook(rows []Row) (*xlsx.File, error) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Fields")
	if err != nil {
		return nil, eris.Wrap(err, "export: add sheet")
	}

	header := sheet.AddRow()
	for _, h := range Header {
		header.AddCell().SetString(h)
	}
	for _, r := range rows {
		row := sheet.AddRow()
		row.AddCell().SetString(r.Key)
		row.AddCell().SetString(r.DisplayName)
		row.AddCell().SetString(r.Value)
		row.AddCell().SetFloat(r.Confidence)
		row.AddCell().SetString(r.Source)
		row.AddCell().SetString(r.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return f, nil
}

// WriteXLSX writes rows as a workbook.
func WriteXLSX(w io.Writer, rows []Row) error {
	f, err := NewWorkbook(rows)
	if err != nil {
		return err
	}
	return eris.Wrap(f.Write(w), "export: write xlsx")
}

// Write writes rows in format.
func Write(w io.Writer, format Format, rows []Row) error {
	switch format {
	case FormatCSV:
		return WriteCSV(w, rows)
	case FormatXLSX:
		return WriteXLSX(w, rows)
	}
	return eris.Wrapf(ErrUnsupportedFormat, "%q", format)
}
