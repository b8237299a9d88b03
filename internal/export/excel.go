// internal/export/excel.go
package export

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/valpere/ProxyHarvester/internal/utils"
	"github.com/valpere/ProxyHarvester/pkg/types"
)

const excelSheet = "Proxies"

// WriteExcel writes the snapshot as an XLSX workbook with a styled,
// frozen header row.
func (e *Exporter) WriteExcel(path string, proxies []types.Proxy) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(excelSheet)
	if err != nil {
		return utils.WrapError(utils.ErrCodeInternal, "failed to create worksheet", err)
	}
	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
	})
	if err != nil {
		return utils.WrapError(utils.ErrCodeInternal, "failed to build header style", err)
	}

	header := make([]interface{}, len(columns))
	for i, col := range columns {
		header[i] = col
	}
	if err := f.SetSheetRow(excelSheet, "A1", &header); err != nil {
		return utils.WrapError(utils.ErrCodeInternal, "failed to write header row", err)
	}
	lastCol, _ := excelize.ColumnNumberToName(len(columns))
	if err := f.SetCellStyle(excelSheet, "A1", lastCol+"1", headerStyle); err != nil {
		return utils.WrapError(utils.ErrCodeInternal, "failed to style header row", err)
	}
	if err := f.SetColWidth(excelSheet, "A", lastCol, 16); err != nil {
		return utils.WrapError(utils.ErrCodeInternal, "failed to size columns", err)
	}
	f.SetPanes(excelSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	for i := range proxies {
		p := &proxies[i]
		cells := []interface{}{
			p.IP, p.Port, string(p.Protocol), string(p.Anonymity),
			p.Country, p.Region, p.City, p.Source,
			p.ResponseTimeMs, p.SuccessRate, p.QualityScore, p.IsActive,
			formatTime(p.LastChecked), formatTime(p.LastSuccess),
		}
		anchor := fmt.Sprintf("A%d", i+2)
		if err := f.SetSheetRow(excelSheet, anchor, &cells); err != nil {
			return utils.WrapError(utils.ErrCodeInternal, "failed to write proxy row", err)
		}
	}

	if err := f.SaveAs(path); err != nil {
		return utils.WrapError(utils.ErrCodeInternal, "failed to save workbook", err)
	}
	return nil
}
