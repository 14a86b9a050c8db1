package export

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/visadoc/internal/tracker"
)

// AnswerSaver stores a batch of answers.
type AnswerSaver interface {
	SaveAll(ctx context.Context, applicationID string, answers []tracker.Answer) (*tracker.SaveResult, error)
}

// ReadAnswers reads a two-column (key, answer) sheet. A first row whose
// first cell is "key" is treated as a header. Rows without a key are
// skipped; extra columns are ignored.
func ReadAnswers(path string) ([]tracker.Answer, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}

	var rows [][]string
	switch format {
	case FormatXLSX:
		rows, err = readXLSX(path)
	default:
		rows, err = readCSVFile(path)
	}
	if err != nil {
		return nil, err
	}
	return answersFromRows(rows), nil
}

// Import reads an answer sheet and saves it for the application. Invalid
// rows are reported in the result and do not stop the others.
func Import(ctx context.Context, saver AnswerSaver, applicationID, path string) (*tracker.SaveResult, error) {
	answers, err := ReadAnswers(path)
	if err != nil {
		return nil, err
	}
	res, err := saver.SaveAll(ctx, applicationID, answers)
	if err != nil {
		return nil, eris.Wrap(err, "export: save answers")
	}
	zap.L().Info("answer sheet imported",
		zap.String("application_id", applicationID),
		zap.String("path", path),
		zap.Int("rows", len(answers)),
		zap.Int("rejected", len(res.Errors)),
	)
	return res, nil
}

func answersFromRows(rows [][]string) []tracker.Answer {
	answers := make([]tracker.Answer, 0, len(rows))
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		key := strings.TrimSpace(row[0])
		if i == 0 && strings.EqualFold(key, "key") {
			continue
		}
		if key == "" {
			continue
		}
		a := tracker.Answer{Key: key}
		if len(row) > 1 {
			a.Answer = row[1]
		}
		answers = append(answers, a)
	}
	return answers
}

func readXLSX(path string) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "export: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("export: workbook has no sheets")
	}

	var rows [][]string
	for _, row := range f.Sheets[0].Rows {
		if row == nil {
			continue
		}
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

func readCSVFile(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "export: open csv")
	}
	defer f.Close() //nolint:errcheck
	return readCSV(f)
}

func readCSV(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "export: read csv")
	}
	return rows, nil
}
