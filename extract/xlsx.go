package extract

import (
	"bytes"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/lexreason/legalcore"
)

// xlsxText flattens a workbook into text: contracts arrive with
// spreadsheet annexes (pricing schedules, rate cards, fee tables), and
// their cell values matter for review even though the grid layout does
// not. Each sheet becomes a block headed by the sheet name, one
// tab-separated line per row.
func xlsxText(data []byte) (string, []string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", nil, legalcore.Wrap(legalcore.KindInvalidInput, "opening workbook", err)
	}
	defer f.Close()

	var b strings.Builder
	var warnings []string
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			warnings = append(warnings, "skipped unreadable sheet "+sheet)
			continue
		}

		wroteHeader := false
		for _, row := range rows {
			line := strings.TrimSpace(strings.Join(row, "\t"))
			if line == "" {
				continue
			}
			if !wroteHeader {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString(sheet)
				b.WriteString("\n")
				wroteHeader = true
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String(), warnings, nil
}
