package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"github.com/Sriram-PR/redirect-finder/pkg/models"
	"github.com/Sriram-PR/redirect-finder/pkg/utils"
)

const sheetName = "Results"

// Column headers in output order. ID and Model are appended only when some row carries them.
var baseHeader = []string{
	"Original URL", "Final URL", "Redirect Count", "Status", "Strategy",
	"Elapsed ms", "HTTP Code", "Error Message",
}

// CSVOptions tunes CSV output for the spreadsheet that will open it
type CSVOptions struct {
	Delimiter   rune // Defaults to ';', which Excel expects in most European locales
	Windows1251 bool // Encode as Windows-1251 instead of UTF-8 with BOM
}

// Write renders items as CSV (default options) or XLSX
func Write(w io.Writer, format string, items []models.BatchItem) error {
	switch strings.ToLower(format) {
	case "", models.OutputFormatCSV:
		return WriteCSV(w, items, CSVOptions{})
	case models.OutputFormatXLSX:
		return WriteXLSX(w, items)
	default:
		return fmt.Errorf("%w: output format %q", utils.ErrUnsupportedFormat, format)
	}
}

// WriteCSV writes a header row followed by one record per item
func WriteCSV(w io.Writer, items []models.BatchItem, opts CSVOptions) error {
	if opts.Delimiter == 0 {
		opts.Delimiter = ';'
	}
	var closer io.Closer
	if opts.Windows1251 {
		w = encoding.ReplaceUnsupported(charmap.Windows1251.NewEncoder()).Writer(w)
		closer, _ = w.(io.Closer)
	} else if _, err := io.WriteString(w, "\xef\xbb\xbf"); err != nil {
		return fmt.Errorf("write csv bom: %w", err)
	}

	cw := csv.NewWriter(w)
	cw.Comma = opts.Delimiter
	withID, withModel := passthroughColumns(items)

	if err := cw.Write(header(withID, withModel)); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, item := range items {
		if err := cw.Write(record(item, withID, withModel)); err != nil {
			return fmt.Errorf("write csv record for %s: %w", item.Result.OriginalURL, err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv output: %w", err)
	}
	// The transcoder holds its tail until closed
	if closer != nil {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("flush csv encoder: %w", err)
		}
	}
	return nil
}

// WriteXLSX writes a single-sheet workbook with a bold, frozen header row
func WriteXLSX(w io.Writer, items []models.BatchItem) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), sheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	sw, err := f.NewStreamWriter(sheetName)
	if err != nil {
		return fmt.Errorf("open stream writer: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	withID, withModel := passthroughColumns(items)
	head := header(withID, withModel)

	if err := sw.SetColWidth(1, 2, 60); err != nil {
		return fmt.Errorf("set url column width: %w", err)
	}
	if err := sw.SetColWidth(3, len(head), 16); err != nil {
		return fmt.Errorf("set column width: %w", err)
	}
	if err := sw.SetPanes(&excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}

	headCells := make([]interface{}, len(head))
	for i, h := range head {
		headCells[i] = excelize.Cell{StyleID: bold, Value: h}
	}
	if err := sw.SetRow("A1", headCells); err != nil {
		return fmt.Errorf("write header row: %w", err)
	}

	for i, item := range items {
		cellName, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(cellName, xlsxRow(item, withID, withModel)); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("flush xlsx sheet: %w", err)
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

// Filename builds a safe output file name: <base>_<timestamp>.<format>
func Filename(base, format string, now time.Time) string {
	format = strings.ToLower(format)
	if format != models.OutputFormatXLSX {
		format = models.OutputFormatCSV
	}
	base = strings.TrimSuffix(filepath.Base(base), filepath.Ext(base))
	if base == "" || base == "." {
		base = "redirect-finder-result"
	}
	return utils.SanitizeFilename(base+"_"+now.Format("2006-01-02_15-04-05")) + "." + format
}

func passthroughColumns(items []models.BatchItem) (withID, withModel bool) {
	for _, item := range items {
		withID = withID || strings.TrimSpace(item.Row.ID) != ""
		withModel = withModel || strings.TrimSpace(item.Row.Model) != ""
	}
	return withID, withModel
}

func header(withID, withModel bool) []string {
	h := append([]string(nil), baseHeader...)
	if withID {
		h = append(h, "ID")
	}
	if withModel {
		h = append(h, "Model")
	}
	return h
}

func record(item models.BatchItem, withID, withModel bool) []string {
	r := item.Result
	rec := []string{
		r.OriginalURL,
		r.FinalURL,
		strconv.Itoa(r.RedirectCount),
		string(r.Status),
		r.StrategyName,
		strconv.FormatInt(r.ElapsedMillis(), 10),
		httpCodeStr(r.HTTPCode),
		r.ErrorMessage,
	}
	if withID {
		rec = append(rec, item.Row.ID)
	}
	if withModel {
		rec = append(rec, item.Row.Model)
	}
	return rec
}

func xlsxRow(item models.BatchItem, withID, withModel bool) []interface{} {
	r := item.Result
	row := []interface{}{
		r.OriginalURL,
		r.FinalURL,
		r.RedirectCount,
		string(r.Status),
		r.StrategyName,
		r.ElapsedMillis(),
		nil,
		r.ErrorMessage,
	}
	if r.HasHTTPCode() {
		row[6] = r.HTTPCode
	}
	if withID {
		row = append(row, item.Row.ID)
	}
	if withModel {
		row = append(row, item.Row.Model)
	}
	return row
}

// httpCodeStr returns "" for a missing code
func httpCodeStr(code int) string {
	if code == 0 {
		return ""
	}
	return strconv.Itoa(code)
}
