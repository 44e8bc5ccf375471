package interfaces

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	devices "redmite-cloud/internal/devices/domain"
)

const exportTimeLayout = "2006-01-02 15:04"

// BuildOperationsPDF renders the reconstructed cycle history as a PDF report.
func BuildOperationsPDF(state devices.State, cycles []devices.OperationCycle) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Trap Operation History")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Trap: %s (%s)", state.DeviceID, state.Server))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Customer: %s", state.Customer))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Location: %s / %s / %s", state.Location, state.House, state.InHouseLoc))
	pdf.Ln(5)
	if state.Status != nil {
		pdf.Cell(0, 6, fmt.Sprintf("Current Mode: %s", state.Status.Mode))
		pdf.Ln(5)
	}
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", time.Now().UTC().Format(time.RFC3339)))
	pdf.Ln(8)

	for _, cycle := range cycles {
		pdf.SetFont("Arial", "B", 10)
		pdf.Cell(0, 6, fmt.Sprintf("%s (%d cycles)", cycle.Category, cycle.TotalCycles))
		pdf.Ln(7)
		pdf.CellFormat(30, 6, "Slot", "1", 0, "C", false, 0, "")
		pdf.CellFormat(55, 6, "Start", "1", 0, "C", false, 0, "")
		pdf.CellFormat(55, 6, "End", "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
		pdf.SetFont("Arial", "", 10)
		for i, interval := range cycle.Cycles {
			pdf.CellFormat(30, 6, slotLabel(cycle.Category, i), "1", 0, "C", false, 0, "")
			pdf.CellFormat(55, 6, formatMillis(intervalStart(interval)), "1", 0, "C", false, 0, "")
			pdf.CellFormat(55, 6, formatMillis(intervalEnd(interval)), "1", 0, "C", false, 0, "")
			pdf.Ln(-1)
		}
		pdf.Ln(4)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildOperationsXLSX renders the reconstructed cycle history as a workbook,
// one sheet per category.
func BuildOperationsXLSX(state devices.State, cycles []devices.OperationCycle) ([]byte, error) {
	f := excelize.NewFile()
	summarySheet := "summary"
	f.SetSheetName("Sheet1", summarySheet)

	_ = f.SetCellValue(summarySheet, "A1", "Trap Operation History")
	_ = f.SetCellValue(summarySheet, "A3", "Trap")
	_ = f.SetCellValue(summarySheet, "B3", state.DeviceID)
	_ = f.SetCellValue(summarySheet, "A4", "Server")
	_ = f.SetCellValue(summarySheet, "B4", state.Server)
	_ = f.SetCellValue(summarySheet, "A5", "Customer")
	_ = f.SetCellValue(summarySheet, "B5", state.Customer)
	_ = f.SetCellValue(summarySheet, "A6", "Location")
	_ = f.SetCellValue(summarySheet, "B6", state.Location)
	_ = f.SetCellValue(summarySheet, "A7", "House")
	_ = f.SetCellValue(summarySheet, "B7", state.House)
	if state.Status != nil {
		_ = f.SetCellValue(summarySheet, "A8", "Current Mode")
		_ = f.SetCellValue(summarySheet, "B8", string(state.Status.Mode))
	}

	for n, cycle := range cycles {
		sheet := fmt.Sprintf("%s %d", cycle.Category, n+1)
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
		_ = f.SetCellValue(sheet, "A1", "Slot")
		_ = f.SetCellValue(sheet, "B1", "Start")
		_ = f.SetCellValue(sheet, "C1", "End")
		for i, interval := range cycle.Cycles {
			row := i + 2
			_ = f.SetCellValue(sheet, fmt.Sprintf("A%d", row), slotLabel(cycle.Category, i))
			_ = f.SetCellValue(sheet, fmt.Sprintf("B%d", row), formatMillis(intervalStart(interval)))
			_ = f.SetCellValue(sheet, fmt.Sprintf("C%d", row), formatMillis(intervalEnd(interval)))
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// slotLabel names a slot position within its category: the training run leads
// with the pre-open period, daily cycles with the two idle stages.
func slotLabel(category devices.Category, index int) string {
	if category == devices.CategoryTraining {
		if index == 0 {
			return "Pre-Open"
		}
		return fmt.Sprintf("Cycle %d", index)
	}
	switch index {
	case 0:
		return "Lid Open"
	case 1:
		return "Lid Closed"
	default:
		return fmt.Sprintf("Inspection %d", index-1)
	}
}

func intervalStart(interval *devices.Interval) int64 {
	if interval == nil {
		return 0
	}
	return interval.Start
}

func intervalEnd(interval *devices.Interval) int64 {
	if interval == nil {
		return 0
	}
	return interval.End
}

func formatMillis(value int64) string {
	if value == 0 {
		return ""
	}
	return time.UnixMilli(value).UTC().Format(exportTimeLayout)
}
