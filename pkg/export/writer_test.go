package export

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"

	"github.com/Sriram-PR/redirect-finder/pkg/models"
	"github.com/Sriram-PR/redirect-finder/pkg/utils"
)

var start = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func sampleItems() []models.BatchItem {
	return []models.BatchItem{
		{
			Row: models.InputRow{ID: "A-1", Model: "Телефон", URL: "http://shop.example/old"},
			Result: models.Result{
				OriginalURL:   "http://shop.example/old",
				FinalURL:      "https://shop.example/new",
				RedirectCount: 2,
				Status:        models.PageStatusRedirect,
				StrategyName:  "curl",
				HTTPCode:      301,
				StartTime:     start,
				EndTime:       start.Add(1234 * time.Millisecond),
			},
		},
		{
			Row: models.InputRow{URL: "http://localhost/admin"},
			Result: models.Result{
				OriginalURL:  "http://localhost/admin",
				FinalURL:     "http://localhost/admin",
				Status:       models.PageStatusError,
				StrategyName: "validator",
				ErrorMessage: `URL blocked by security policy: host "localhost" is not allowed`,
			},
		},
	}
}

func readCSV(t *testing.T, data []byte, comma rune) [][]string {
	t.Helper()
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	r.Comma = comma
	records, err := r.ReadAll()
	require.NoError(t, err)
	return records
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, models.OutputFormatCSV, sampleItems()))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("\xef\xbb\xbf")))

	records := readCSV(t, buf.Bytes(), ';')
	require.Len(t, records, 3)
	assert.Equal(t, []string{
		"Original URL", "Final URL", "Redirect Count", "Status", "Strategy",
		"Elapsed ms", "HTTP Code", "Error Message", "ID", "Model",
	}, records[0])
	assert.Equal(t, []string{
		"http://shop.example/old", "https://shop.example/new", "2", "REDIRECT", "curl",
		"1234", "301", "", "A-1", "Телефон",
	}, records[1])
	assert.Equal(t, "", records[2][6])
	assert.Equal(t, "0", records[2][5])
	assert.Contains(t, records[2][7], "blocked by security policy")
}

func TestWriteCSV_OmitsEmptyPassthroughColumns(t *testing.T) {
	items := sampleItems()[1:]
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, items, CSVOptions{Delimiter: ','}))
	records := readCSV(t, buf.Bytes(), ',')
	assert.Len(t, records[0], 8)
}

func TestWriteCSV_Windows1251(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleItems(), CSVOptions{Windows1251: true}))
	assert.False(t, bytes.HasPrefix(buf.Bytes(), []byte("\xef\xbb\xbf")))

	decoded, err := charmap.Windows1251.NewDecoder().Bytes(buf.Bytes())
	require.NoError(t, err)
	assert.Contains(t, string(decoded), "Телефон")
	assert.True(t, strings.HasSuffix(string(decoded), "\n"))
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, "XLSX", sampleItems()))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{sheetName}, f.GetSheetList())
	rows, err := f.GetRows(sheetName)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Original URL", rows[0][0])
	assert.Equal(t, "Model", rows[0][9])
	assert.Equal(t, "https://shop.example/new", rows[1][1])
	assert.Equal(t, "301", rows[1][6])
	assert.Equal(t, "Телефон", rows[1][9])
	assert.Equal(t, "ERROR", rows[2][3])
}

func TestWrite_UnsupportedFormat(t *testing.T) {
	err := Write(&bytes.Buffer{}, "json", nil)
	assert.ErrorIs(t, err, utils.ErrUnsupportedFormat)
}

func TestFilename(t *testing.T) {
	now := time.Date(2025, 3, 10, 14, 5, 9, 0, time.UTC)
	assert.Equal(t, "links_2025-03-10_14-05-09.csv", Filename("/data/in/links.xlsx", "csv", now))
	assert.Equal(t, "links_2025-03-10_14-05-09.xlsx", Filename("links.csv", "XLSX", now))
	assert.Equal(t, "redirect-finder-result_2025-03-10_14-05-09.csv", Filename("", "", now))
	assert.Equal(t, "a_b_2025-03-10_14-05-09.csv", Filename("a:b.csv", "csv", now))
}
