package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/bcfeed/bcfeed/internal/ops"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range columns {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := range columns {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render()
}

// relativeTime renders an RFC3339 timestamp as "3 hours ago".
func relativeTime(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}

func releaseTable(items []ops.ReleaseView) string {
	headers := []string{"ID", "Received", "Artist", "Title", "Status", "Flags"}
	rows := make([][]string, 0, len(items))
	for _, r := range items {
		flags := ""
		if r.Starred {
			flags += "★"
		}
		if !r.Seen {
			flags += "•"
		}
		title := r.Title
		if r.IsTrack {
			title += " (track)"
		}
		rows = append(rows, []string{r.ID, relativeTime(r.ReceivedAt), r.Artist, title, string(r.CacheStatus), flags})
	}
	return renderTable(headers, rows, nil)
}

func runsTable(runs []ops.RunView) string {
	headers := []string{"Run", "Range", "Inserted", "Skipped", "Rejected", "Started", "Took", "Note"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft, alignRight, alignLeft}
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		note := ""
		switch {
		case run.Error != nil:
			note = *run.Error
		case run.Partial:
			note = "partial"
		}
		rows = append(rows, []string{
			run.ID,
			fmt.Sprintf("%s .. %s", run.After, run.Before),
			humanize.Comma(int64(run.Inserted)),
			humanize.Comma(int64(run.Skipped)),
			strconv.Itoa(run.Rejected),
			relativeTime(run.StartedAt),
			(time.Duration(run.DurationMs) * time.Millisecond).String(),
			note,
		})
	}
	return renderTable(headers, rows, aligns)
}
