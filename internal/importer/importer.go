// Package importer maps company workbooks onto graph entities. Workbooks
// carry one company per row under a named header row; rows that fail
// validation are reported with their spreadsheet row number so the sheet
// can be fixed instead of spelunking logs.
package importer

import (
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/supplychain-graph/internal/model"
)

// requiredColumns must all appear in the header row. Optional columns
// (sector, country, market_cap, revenue, is_final_assembler) default to
// zero values when absent.
var requiredColumns = []string{"permid", "name", "match_score"}

// headerAliases folds alternate spellings onto the canonical column names.
var headerAliases = map[string]string{
	"industry_sector": "sector",
	"final_assembler": "is_final_assembler",
}

// Options configures a workbook import.
type Options struct {
	// Sheet selects a sheet by name. Empty means the first sheet.
	Sheet string

	// Strict aborts on the first bad row instead of collecting row errors.
	Strict bool
}

// RowError is a data problem on one workbook row. Row is 1-based and counts
// the header, matching what a spreadsheet application displays.
type RowError struct {
	Row int
	Err error
}

func (e RowError) Error() string {
	return "row " + strconv.Itoa(e.Row) + ": " + e.Err.Error()
}

func (e RowError) Unwrap() error { return e.Err }

// Result is a parsed workbook. In lenient mode RowErrors holds every row
// that was skipped; Entities holds the rest in sheet order.
type Result struct {
	Entities  []model.CompanyEntity
	RowErrors []RowError
}

// ReadWorkbook parses an XLSX company workbook into entities ready for the
// batch upsert path. The first row must be a header naming at least the
// permid, name and match_score columns, in any order and casing. Blank rows
// are skipped.
func ReadWorkbook(path string, opts Options) (*Result, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "importer: open workbook")
	}

	sheet, err := pickSheet(f, opts.Sheet)
	if err != nil {
		return nil, err
	}
	if len(sheet.Rows) == 0 {
		return nil, eris.New("importer: workbook has no header row")
	}

	cols, err := mapHeader(rowToStrings(sheet.Rows[0]))
	if err != nil {
		return nil, err
	}

	res := &Result{}
	for i := 1; i < len(sheet.Rows); i++ {
		cells := rowToStrings(sheet.Rows[i])
		if blankRow(cells) {
			continue
		}

		rowNum := i + 1
		entity, err := mapRow(cells, cols)
		if err == nil {
			err = entity.Validate()
		}
		if err != nil {
			if opts.Strict {
				return nil, eris.Wrapf(err, "importer: row %d", rowNum)
			}
			res.RowErrors = append(res.RowErrors, RowError{Row: rowNum, Err: err})
			continue
		}
		res.Entities = append(res.Entities, entity)
	}

	return res, nil
}

func pickSheet(f *xlsx.File, name string) (*xlsx.Sheet, error) {
	if name != "" {
		sheet, ok := f.Sheet[name]
		if !ok {
			return nil, eris.Errorf("importer: sheet %q not found", name)
		}
		return sheet, nil
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("importer: workbook has no sheets")
	}
	return f.Sheets[0], nil
}

// mapHeader resolves canonical column names to cell indices. Unknown
// columns are ignored so workbooks can carry analyst notes.
func mapHeader(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, raw := range header {
		name := normalizeHeader(raw)
		if alias, ok := headerAliases[name]; ok {
			name = alias
		}
		switch name {
		case "permid", "name", "sector", "country", "market_cap", "revenue", "match_score", "is_final_assembler":
			if _, dup := cols[name]; dup {
				return nil, eris.Errorf("importer: duplicate column %q", name)
			}
			cols[name] = i
		}
	}
	for _, req := range requiredColumns {
		if _, ok := cols[req]; !ok {
			return nil, eris.Errorf("importer: missing required column %q", req)
		}
	}
	return cols, nil
}

func normalizeHeader(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
}

func mapRow(cells []string, cols map[string]int) (model.CompanyEntity, error) {
	var e model.CompanyEntity

	permid, err := parsePermID(cell(cells, cols, "permid"))
	if err != nil {
		return e, err
	}
	e.PermID = permid
	e.Name = strings.TrimSpace(cell(cells, cols, "name"))

	score, err := parseFloatCell(cell(cells, cols, "match_score"), "match_score", true)
	if err != nil {
		return e, err
	}
	e.MatchScore = score

	e.IndustrySector = strings.TrimSpace(cell(cells, cols, "sector"))
	e.Country = strings.TrimSpace(cell(cells, cols, "country"))

	if e.MarketCap, err = parseFloatCell(cell(cells, cols, "market_cap"), "market_cap", false); err != nil {
		return e, err
	}
	if e.Revenue, err = parseFloatCell(cell(cells, cols, "revenue"), "revenue", false); err != nil {
		return e, err
	}
	if e.IsFinalAssembler, err = parseBoolCell(cell(cells, cols, "is_final_assembler")); err != nil {
		return e, err
	}
	return e, nil
}

// cell returns the value under a mapped column, or "" when the column is
// absent or the row is short.
func cell(cells []string, cols map[string]int, name string) string {
	idx, ok := cols[name]
	if !ok || idx >= len(cells) {
		return ""
	}
	return cells[idx]
}

// parsePermID accepts plain integers and the scientific notation numeric
// cells render as when Excel formats large identifiers.
func parsePermID(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, eris.New("permid is empty")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) >= 1<<53 {
		return 0, eris.Errorf("permid %q is not an integer", s)
	}
	return int64(f), nil
}

// parseFloatCell parses a numeric cell, tolerating thousands separators.
// Empty required cells error; empty optional cells read as zero.
func parseFloatCell(s, field string, required bool) (float64, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		if required {
			return 0, eris.Errorf("%s is empty", field)
		}
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, eris.Errorf("%s %q is not a number", field, s)
	}
	return f, nil
}

// parseBoolCell accepts strconv bool spellings plus yes/no. Empty reads as
// false.
func parseBoolCell(s string) (bool, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return false, nil
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, eris.Errorf("is_final_assembler %q is not a boolean", s)
	}
	return b, nil
}

func blankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, c := range row.Cells {
		cells[j] = c.String()
	}
	return cells
}
