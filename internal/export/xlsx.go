// Package export renders finished-job history as spreadsheets.
package export

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/paulgrammer/taskmaster/internal/jobs"
	"github.com/xuri/excelize/v2"
)

const Sheet = "Jobs"

var headers = []string{
	"Job ID",
	"Status",
	"Scripts",
	"Last Script",
	"Progress",
	"Created",
	"Started",
	"Ended",
	"Duration (s)",
	"Last Log Line",
}

// JobsXLSX returns an XLSX workbook with one row per job, in the given order.
func JobsXLSX(list []jobs.Job) ([]byte, error) {
	start := time.Now()

	f := excelize.NewFile()
	defer func() {
		_ = f.Close()
	}()
	if index, _ := f.GetSheetIndex(Sheet); index == -1 {
		if _, err := f.NewSheet(Sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(Sheet)
	f.SetActiveSheet(activeIndex)
	_ = f.DeleteSheet("Sheet1")

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(Sheet, cell, h)
	}

	for i, j := range list {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(Sheet, cell, v)
		}

		write(1, j.ID)
		write(2, string(j.Status))
		write(3, strings.Join(j.Scripts, ", "))
		write(4, j.CurrentScript)
		write(5, j.Progress)
		write(6, j.CreatedAt.UTC().Format(time.RFC3339))
		write(7, formatTime(j.StartedAt))
		write(8, formatTime(j.CompletedAt))
		if j.StartedAt != nil && j.CompletedAt != nil {
			write(9, j.CompletedAt.Sub(*j.StartedAt).Round(time.Millisecond).Seconds())
		}
		if n := len(j.Logs); n > 0 {
			write(10, truncate(j.Logs[n-1], 200))
		}
	}

	_ = f.SetColWidth(Sheet, "A", "A", 38) // id
	_ = f.SetColWidth(Sheet, "B", "B", 12)
	_ = f.SetColWidth(Sheet, "C", "D", 32)
	_ = f.SetColWidth(Sheet, "F", "H", 22) // timestamps
	_ = f.SetColWidth(Sheet, "J", "J", 80)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	slog.Info("export.xlsx.ok",
		"rows", len(list),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
