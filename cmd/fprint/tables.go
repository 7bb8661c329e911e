package main

import (
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"fprintd/internal/fplib"
	"fprintd/internal/ipc"
)

type tableColumn struct {
	title    string
	align    text.Align
	maxWidth int
}

var deviceColumns = []tableColumn{
	{title: "ID"},
	{title: "Name", maxWidth: 32},
	{title: "Driver"},
	{title: "Scan"},
	{title: "Stages", align: text.AlignRight},
	{title: "Operations"},
}

var readerColumns = []tableColumn{
	{title: "ID"},
	{title: "Name", maxWidth: 32},
	{title: "State"},
	{title: "Owner"},
}

func renderDeviceTable(devices []ipc.Device) string {
	rows := make([][]string, 0, len(devices))
	for _, dev := range devices {
		rows = append(rows, []string{
			dev.ID,
			dev.Name,
			dev.Driver,
			string(dev.Capabilities.ScanType),
			strconv.Itoa(dev.Capabilities.EnrollStages),
			strings.Join(deviceOperations(dev.Capabilities), ", "),
		})
	}
	return renderTable(deviceColumns, rows)
}

func renderReaderTable(devices []ipc.DeviceStatus) string {
	rows := make([][]string, 0, len(devices))
	for _, dev := range devices {
		rows = append(rows, []string{dev.Device.ID, dev.Device.Name, readerState(dev), dev.Owner})
	}
	return renderTable(readerColumns, rows)
}

func deviceOperations(caps fplib.Capabilities) []string {
	ops := []string{}
	if caps.Enroll {
		ops = append(ops, "enroll")
	}
	if caps.Verify {
		ops = append(ops, "verify")
	}
	if caps.Identify {
		ops = append(ops, "identify")
	}
	return ops
}

func readerState(dev ipc.DeviceStatus) string {
	switch {
	case dev.Removed:
		return "removed"
	case dev.Operation != "":
		return dev.Operation + " " + dev.Phase
	case dev.Session != "":
		return "claimed"
	default:
		return "idle"
	}
}

// renderTable draws rows under columns. Short rows are padded with "-".
func renderTable(columns []tableColumn, rows [][]string) string {
	if len(columns) == 0 {
		return ""
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(columns))
	configs := make([]table.ColumnConfig, len(columns))
	for i, col := range columns {
		header[i] = col.title
		align := col.align
		if align == text.AlignDefault {
			align = text.AlignLeft
		}
		configs[i] = table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
			WidthMax:    col.maxWidth,
		}
	}
	tw.AppendHeader(header)
	tw.SetColumnConfigs(configs)

	for _, row := range rows {
		r := make(table.Row, len(columns))
		for i := range columns {
			r[i] = "-"
			if i < len(row) && row[i] != "" {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}
	return tw.Render()
}
