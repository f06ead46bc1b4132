// Package xlsxreport renders comparison sessions to xlsx workbooks for
// download. Rows stream through excelize so large sessions stay off the heap.
package xlsxreport

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"resalearb/domain"
)

var exportHeaders = []string{
	"Item ID", "Status", "Primary Title", "Primary Price", "Primary URL",
	"Matched Title", "Matched Price", "Shop", "Matched URL",
	"Similarity", "Estimated Fee", "Estimated Profit", "Profit Rate",
	"Favorite", "Memo",
}

// GenerateComparisonXLSX writes the session's items to outPath with a summary
// sheet. Profitable rows get a green fill so they stand out in a long list.
func GenerateComparisonXLSX(sess *domain.ComparisonSession, outPath string) error {
	if sess == nil {
		return errors.New("session is nil")
	}
	if strings.TrimSpace(outPath) == "" {
		return errors.New("output path is empty")
	}

	f := excelize.NewFile()
	// Reuse the default sheet as the item sheet to keep sheet order stable.
	itemSheet := f.GetSheetName(0)
	if itemSheet == "" {
		itemSheet = "Sheet1"
	}
	_ = f.SetSheetName(itemSheet, "Items")
	itemSheet = "Items"
	summarySheet := "Summary"
	f.NewSheet(summarySheet)
	f.SetActiveSheet(0)

	// Styles: green fill for profitable matches, grey font for errors.
	profitStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"C6EFCE"}},
		Font: &excelize.Font{Color: "006100"},
	})
	errorStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Color: "808080"},
	})

	if err := writeItemsStream(f, itemSheet, sess, profitStyle, errorStyle); err != nil {
		return err
	}
	if err := writeSummary(f, summarySheet, sess); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create output directory failed: %w", err)
	}
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create result file failed: %w", err)
	}
	defer out.Close()
	if _, err := f.WriteTo(out); err != nil {
		return fmt.Errorf("write result file failed: %w", err)
	}
	return nil
}

func writeItemsStream(f *excelize.File, sheet string, sess *domain.ComparisonSession, profitStyle, errorStyle int) error {
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return err
	}
	rowNum := 1
	if len(sess.Items) == 0 {
		if err := sw.SetRow("A1", []interface{}{"no items"}); err != nil {
			return err
		}
		return sw.Flush()
	}

	headerRow := make([]interface{}, len(exportHeaders))
	for i, h := range exportHeaders {
		headerRow[i] = h
	}
	if err := sw.SetRow(cellAxis(rowNum, 1), headerRow); err != nil {
		return err
	}
	rowNum++

	for i := range sess.Items {
		it := &sess.Items[i]
		cells := itemCells(it)

		styleID := 0
		if it.Status == domain.MatchStatusError {
			styleID = errorStyle
		} else if it.EstimatedProfit != nil && *it.EstimatedProfit > 0 {
			styleID = profitStyle
		}

		row := make([]interface{}, len(cells))
		for j, v := range cells {
			c := excelize.Cell{Value: v}
			if styleID > 0 {
				c.StyleID = styleID
			}
			row[j] = c
		}
		if err := sw.SetRow(cellAxis(rowNum, 1), row); err != nil {
			return err
		}
		rowNum++
	}
	return sw.Flush()
}

func itemCells(it *domain.ComparisonItem) []interface{} {
	var matchedPrice, profit, rate interface{}
	if it.SecondaryPrice != nil {
		matchedPrice = *it.SecondaryPrice
	}
	if it.EstimatedProfit != nil {
		profit = *it.EstimatedProfit
	}
	if it.ProfitRate != nil {
		rate = fmt.Sprintf("%.1f%%", *it.ProfitRate*100)
	}
	var similarity interface{}
	if it.SimilarityScore > 0 {
		similarity = fmt.Sprintf("%.3f", it.SimilarityScore)
	}
	var fee interface{}
	if it.Status == domain.MatchStatusMatched {
		fee = it.EstimatedFee
	}
	favorite := ""
	if it.Favorite {
		favorite = "yes"
	}
	return []interface{}{
		it.ID, string(it.Status), it.PrimaryTitle, it.PrimaryPrice, it.PrimaryURL,
		it.SecondaryTitle, matchedPrice, it.SecondaryShop, it.SecondaryURL,
		similarity, fee, profit, rate,
		favorite, it.Memo,
	}
}

func writeSummary(f *excelize.File, sheet string, sess *domain.ComparisonSession) error {
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return err
	}
	rows := [][]interface{}{
		{"Comparison ID", sess.ID},
		{"Source Run", sess.RunID},
		{"Created At", sess.CreatedAt.Format("2006-01-02 15:04:05")},
		{"Total Items", sess.Stats.Total},
		{"Processed", sess.Stats.Processed},
		{"Matched", sess.Stats.Matched},
		{"Profitable", sess.Stats.Profitable},
	}
	for i, r := range rows {
		if err := sw.SetRow(cellAxis(i+1, 1), r); err != nil {
			return err
		}
	}
	return sw.Flush()
}

func cellAxis(row, col int) string {
	axis, _ := excelize.CoordinatesToCellName(col, row)
	return axis
}
