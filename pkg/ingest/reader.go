package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"

	"github.com/Sriram-PR/redirect-finder/pkg/models"
	"github.com/Sriram-PR/redirect-finder/pkg/utils"
)

// Header names recognized per column, compared lower-cased and trimmed
var (
	urlHeaders   = []string{"url", "urls", "link", "links", "ссылка", "ссылки", "href"}
	idHeaders    = []string{"id", "№", "артикул", "sku"}
	modelHeaders = []string{"model", "модель"}
)

// ErrNoRows is returned when an input file holds no usable URL rows
var ErrNoRows = errors.New("no URL rows found")

// ReadRows loads rows from a .csv or .xlsx file
func ReadRows(path string) ([]models.InputRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open input %s: %w", utils.ErrFilesystem, path, err)
	}
	defer f.Close()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv", ".txt":
		return ReadCSV(f)
	case ".xlsx", ".xlsm":
		return ReadXLSX(f)
	default:
		return nil, fmt.Errorf("%w: input extension %q (want .csv or .xlsx)", utils.ErrUnsupportedFormat, ext)
	}
}

// ReadCSV parses CSV input. The delimiter (comma, semicolon or tab) is sniffed
// from the first line, a UTF-8 BOM is dropped, and non-UTF-8 input is decoded
// as Windows-1251, the encoding Excel uses for Cyrillic CSV exports.
func ReadCSV(r io.Reader) ([]models.InputRow, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read csv: %w", utils.ErrParsing, err)
	}
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(raw) {
		decoded, err := charmap.Windows1251.NewDecoder().Bytes(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: decode csv: %w", utils.ErrParsing, err)
		}
		raw = decoded
	}

	cr := csv.NewReader(bytes.NewReader(raw))
	cr.Comma = sniffDelimiter(raw)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: parse csv: %w", utils.ErrParsing, err)
	}
	return rowsFromRecords(records)
}

// ReadXLSX parses the first worksheet of an XLSX workbook
func ReadXLSX(r io.Reader) ([]models.InputRow, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: open xlsx: %w", utils.ErrParsing, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: workbook has no sheets", utils.ErrParsing)
	}
	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: read sheet %q: %w", utils.ErrParsing, sheets[0], err)
	}
	return rowsFromRecords(records)
}

func sniffDelimiter(raw []byte) rune {
	line := raw
	if i := bytes.IndexByte(raw, '\n'); i >= 0 {
		line = raw[:i]
	}
	best, bestCount := ',', bytes.Count(line, []byte{','})
	for _, d := range []rune{';', '\t'} {
		if n := bytes.Count(line, []byte(string(d))); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

// columns holds the discovered column indexes; -1 means absent
type columns struct {
	url, id, model int
}

// rowsFromRecords turns raw records into rows. The first non-blank record is
// treated as a header when it names a URL column; otherwise every record is
// data and the first URL-looking cell of each is used.
func rowsFromRecords(records [][]string) ([]models.InputRow, error) {
	start := 0
	for start < len(records) && blankRecord(records[start]) {
		start++
	}
	if start == len(records) {
		return nil, ErrNoRows
	}

	cols, hasHeader := discoverHeader(records[start])
	if hasHeader {
		start++
	}

	var rows []models.InputRow
	for i := start; i < len(records); i++ {
		rec := records[i]
		if blankRecord(rec) {
			continue
		}
		row := models.InputRow{Line: i + 1}
		if hasHeader {
			row.URL = withScheme(cell(rec, cols.url))
			row.ID = cell(rec, cols.id)
			row.Model = cell(rec, cols.model)
		} else {
			row.URL = withScheme(firstURLCell(rec))
		}
		if row.URL == "" {
			continue
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, ErrNoRows
	}
	return rows, nil
}

func discoverHeader(rec []string) (columns, bool) {
	cols := columns{url: -1, id: -1, model: -1}
	for i, name := range rec {
		name = strings.ToLower(strings.TrimSpace(name))
		switch {
		case cols.url < 0 && matchesAny(name, urlHeaders):
			cols.url = i
		case cols.id < 0 && matchesAny(name, idHeaders):
			cols.id = i
		case cols.model < 0 && matchesAny(name, modelHeaders):
			cols.model = i
		}
	}
	return cols, cols.url >= 0
}

func matchesAny(name string, candidates []string) bool {
	for _, c := range candidates {
		if name == c {
			return true
		}
	}
	return false
}

func cell(rec []string, idx int) string {
	if idx < 0 || idx >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[idx])
}

func blankRecord(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// firstURLCell returns the first cell that looks like an http(s) URL or a bare www. host
func firstURLCell(rec []string) string {
	for _, c := range rec {
		v := strings.TrimSpace(c)
		lower := strings.ToLower(v)
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "www.") {
			return v
		}
	}
	return ""
}

// withScheme prefixes bare "www." hosts with https://; anything else is left for the validator to judge
func withScheme(v string) string {
	if strings.HasPrefix(strings.ToLower(v), "www.") {
		return "https://" + v
	}
	return v
}
