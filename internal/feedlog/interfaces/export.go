package interfaces

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	feedlog "feeder-cloud/internal/feedlog/domain"
)

// BuildFeedLogCSV renders the feeding log as CSV.
func BuildFeedLogCSV(entries []feedlog.Entry) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write([]string{"fed_at", "device_id", "portion_dispensed", "source", "command_id"}); err != nil {
		return nil, err
	}
	for _, e := range entries {
		record := []string{
			e.FedAt.Format(time.RFC3339),
			e.DeviceID,
			fmt.Sprintf("%.2f", e.PortionDispensed),
			e.Source,
			e.CommandID,
		}
		if err := writer.Write(record); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildFeedLogXLSX renders the feeding log as a workbook with a summary
// sheet and an entries sheet.
func BuildFeedLogXLSX(deviceID string, stats *feedlog.Stats, entries []feedlog.Entry) ([]byte, error) {
	f := excelize.NewFile()
	summarySheet := "summary"
	entriesSheet := "entries"
	f.SetSheetName("Sheet1", summarySheet)
	f.NewSheet(entriesSheet)

	_ = f.SetCellValue(summarySheet, "A1", "Feeding Log")
	_ = f.SetCellValue(summarySheet, "A3", "Device")
	_ = f.SetCellValue(summarySheet, "B3", deviceID)
	if stats != nil {
		_ = f.SetCellValue(summarySheet, "A4", "Feedings")
		_ = f.SetCellValue(summarySheet, "B4", stats.Count)
		_ = f.SetCellValue(summarySheet, "A5", "Total Portion")
		_ = f.SetCellValue(summarySheet, "B5", stats.TotalPortion)
		if !stats.LastFedAt.IsZero() {
			_ = f.SetCellValue(summarySheet, "A6", "Last Fed")
			_ = f.SetCellValue(summarySheet, "B6", stats.LastFedAt.Format(time.RFC3339))
		}
	}

	_ = f.SetCellValue(entriesSheet, "A1", "Fed At")
	_ = f.SetCellValue(entriesSheet, "B1", "Portion")
	_ = f.SetCellValue(entriesSheet, "C1", "Source")
	_ = f.SetCellValue(entriesSheet, "D1", "Command")
	for i, e := range entries {
		row := i + 2
		_ = f.SetCellValue(entriesSheet, fmt.Sprintf("A%d", row), e.FedAt.Format(time.RFC3339))
		_ = f.SetCellValue(entriesSheet, fmt.Sprintf("B%d", row), e.PortionDispensed)
		_ = f.SetCellValue(entriesSheet, fmt.Sprintf("C%d", row), e.Source)
		_ = f.SetCellValue(entriesSheet, fmt.Sprintf("D%d", row), e.CommandID)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildFeedLogPDF renders a minimal PDF report of the feeding log.
func BuildFeedLogPDF(deviceID string, stats *feedlog.Stats, entries []feedlog.Entry) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Feeding Log Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Device: %s", deviceID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", time.Now().UTC().Format(time.RFC3339)))
	pdf.Ln(5)
	if stats != nil {
		pdf.Cell(0, 6, fmt.Sprintf("Feedings: %d", stats.Count))
		pdf.Ln(5)
		pdf.Cell(0, 6, fmt.Sprintf("Total Portion: %.2f", stats.TotalPortion))
		pdf.Ln(5)
		if !stats.LastFedAt.IsZero() {
			pdf.Cell(0, 6, fmt.Sprintf("Last Fed: %s", stats.LastFedAt.Format(time.RFC3339)))
			pdf.Ln(5)
		}
	}
	pdf.Ln(4)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(55, 6, "Fed At", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Portion", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Source", "1", 0, "C", false, 0, "")
	pdf.CellFormat(65, 6, "Command", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, e := range entries {
		pdf.CellFormat(55, 6, e.FedAt.Format("2006-01-02 15:04:05"), "1", 0, "C", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%.2f", e.PortionDispensed), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, e.Source, "1", 0, "C", false, 0, "")
		pdf.CellFormat(65, 6, e.CommandID, "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
