// Package export renders an account's trade tape to CSV or JSON files,
// with optional symbol, side and time-window filters and per-file summary
// statistics.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/marketdesk/dasmon/internal/state"
)

// Format is the export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// Options configures one export run.
type Options struct {
	Format     Format
	StartTime  time.Time
	EndTime    time.Time
	Symbol     string // filter by symbol
	SideFilter string // "long" or "short", empty for both
	OutputDir  string
}

// TradeExporter writes trade tapes to disk.
type TradeExporter struct {
	logger *zap.Logger
}

// NewTradeExporter creates an exporter.
func NewTradeExporter(logger *zap.Logger) *TradeExporter {
	return &TradeExporter{logger: logger.Named("export")}
}

// ExportTrades writes the filtered tape for one account and returns the
// output path.
func (te *TradeExporter) ExportTrades(accountID string, trades []state.Trade, options Options) (string, error) {
	filtered := te.filterTrades(trades, options)
	if len(filtered) == 0 {
		return "", fmt.Errorf("export: no trades match the criteria")
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.Before(filtered[j].Timestamp)
	})

	filename := te.generateFilename(accountID, options)
	outputPath := filepath.Join(options.OutputDir, filename)
	if err := os.MkdirAll(options.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("export: create output directory: %w", err)
	}

	var err error
	switch options.Format {
	case FormatCSV:
		err = te.exportToCSV(filtered, outputPath)
	case FormatJSON:
		err = te.exportToJSON(accountID, filtered, outputPath)
	default:
		err = fmt.Errorf("export: unsupported format %q", options.Format)
	}
	if err != nil {
		return "", err
	}

	te.logger.Info("trades exported",
		zap.String("account", accountID),
		zap.String("file", outputPath),
		zap.Int("count", len(filtered)),
		zap.String("format", string(options.Format)))
	return outputPath, nil
}

func (te *TradeExporter) filterTrades(trades []state.Trade, options Options) []state.Trade {
	var filtered []state.Trade
	for _, trade := range trades {
		if !options.StartTime.IsZero() && trade.Timestamp.Before(options.StartTime) {
			continue
		}
		if !options.EndTime.IsZero() && trade.Timestamp.After(options.EndTime) {
			continue
		}
		if options.Symbol != "" && trade.Symbol != options.Symbol {
			continue
		}
		if options.SideFilter != "" && trade.Side.String() != options.SideFilter {
			continue
		}
		filtered = append(filtered, trade)
	}
	return filtered
}

func (te *TradeExporter) generateFilename(accountID string, options Options) string {
	timestamp := time.Now().Format("20060102_150405")

	prefix := "trades_" + accountID
	if options.SideFilter != "" {
		prefix += "_" + options.SideFilter
	}
	if options.Symbol != "" {
		prefix += "_" + options.Symbol
	}
	return fmt.Sprintf("%s_%s.%s", prefix, timestamp, options.Format)
}

func csvHeaders() []string {
	return []string{"timestamp", "exec_id", "order_id", "symbol", "side", "quantity", "price", "route", "realized_pnl"}
}

func csvRow(t state.Trade) []string {
	return []string{
		t.Timestamp.Format(time.RFC3339),
		t.ExecID,
		t.OrderID,
		t.Symbol,
		t.Side.String(),
		strconv.FormatInt(t.Quantity, 10),
		strconv.FormatFloat(t.Price, 'f', 4, 64),
		t.Route,
		strconv.FormatFloat(t.RealizedPnL, 'f', 2, 64),
	}
}

func (te *TradeExporter) exportToCSV(trades []state.Trade, outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("export: create csv file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write(csvHeaders()); err != nil {
		return fmt.Errorf("export: write csv header: %w", err)
	}
	for _, trade := range trades {
		if err := writer.Write(csvRow(trade)); err != nil {
			return fmt.Errorf("export: write trade: %w", err)
		}
	}
	return nil
}

func (te *TradeExporter) exportToJSON(accountID string, trades []state.Trade, outputPath string) error {
	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("export: create json file: %w", err)
	}
	defer file.Close()

	exportData := struct {
		AccountID  string        `json:"account_id"`
		ExportTime time.Time     `json:"export_time"`
		TradeCount int           `json:"trade_count"`
		Trades     []state.Trade `json:"trades"`
		Summary    Summary       `json:"summary"`
	}{
		AccountID:  accountID,
		ExportTime: time.Now(),
		TradeCount: len(trades),
		Trades:     trades,
		Summary:    te.calculateSummary(trades),
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(exportData); err != nil {
		return fmt.Errorf("export: encode json: %w", err)
	}
	return nil
}

// Summary holds aggregate statistics for one exported tape.
type Summary struct {
	TotalTrades   int       `json:"total_trades"`
	BuyCount      int       `json:"buy_count"`
	SellCount     int       `json:"sell_count"`
	UniqueSymbols int       `json:"unique_symbols"`
	TotalShares   int64     `json:"total_shares"`
	GrossValue    float64   `json:"gross_value"`
	RealizedPnL   float64   `json:"realized_pnl"`
	WinCount      int       `json:"win_count"`
	LossCount     int       `json:"loss_count"`
	WinRate       float64   `json:"win_rate"`
	FirstTrade    time.Time `json:"first_trade"`
	LastTrade     time.Time `json:"last_trade"`
}

// calculateSummary expects trades already sorted by timestamp.
func (te *TradeExporter) calculateSummary(trades []state.Trade) Summary {
	summary := Summary{TotalTrades: len(trades)}
	if len(trades) == 0 {
		return summary
	}

	summary.FirstTrade = trades[0].Timestamp
	summary.LastTrade = trades[len(trades)-1].Timestamp

	symbols := make(map[string]struct{})
	closing := 0
	for _, trade := range trades {
		symbols[trade.Symbol] = struct{}{}
		summary.TotalShares += trade.Quantity
		summary.GrossValue += float64(trade.Quantity) * trade.Price

		if trade.Side == state.Long {
			summary.BuyCount++
		} else {
			summary.SellCount++
		}

		// The terminal reports realized P&L only on position-reducing fills.
		if trade.RealizedPnL != 0 {
			closing++
			summary.RealizedPnL += trade.RealizedPnL
			if trade.RealizedPnL > 0 {
				summary.WinCount++
			} else {
				summary.LossCount++
			}
		}
	}
	summary.UniqueSymbols = len(symbols)
	if closing > 0 {
		summary.WinRate = float64(summary.WinCount) / float64(closing) * 100
	}
	return summary
}

// DailyReport is the JSON shape of a one-day trading report.
type DailyReport struct {
	AccountID       string        `json:"account_id"`
	Date            time.Time     `json:"date"`
	TradeCount      int           `json:"trade_count"`
	Summary         Summary       `json:"summary"`
	HourlyBreakdown []HourlyStats `json:"hourly_breakdown"`
	Trades          []state.Trade `json:"trades"`
}

// HourlyStats aggregates one hour of the session.
type HourlyStats struct {
	Hour       int     `json:"hour"`
	TradeCount int     `json:"trade_count"`
	BuyCount   int     `json:"buy_count"`
	SellCount  int     `json:"sell_count"`
	Shares     int64   `json:"shares"`
	PnL        float64 `json:"pnl"`
}

// ExportDailyReport writes a one-day JSON report with an hourly breakdown.
// Returns an empty path when the day had no trades.
func (te *TradeExporter) ExportDailyReport(accountID string, trades []state.Trade, date time.Time, outputDir string) (string, error) {
	startOfDay := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	endOfDay := startOfDay.Add(24 * time.Hour)

	filtered := te.filterTrades(trades, Options{StartTime: startOfDay, EndTime: endOfDay})
	if len(filtered) == 0 {
		te.logger.Info("no trades for daily report",
			zap.String("account", accountID), zap.Time("date", startOfDay))
		return "", nil
	}
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.Before(filtered[j].Timestamp)
	})

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", fmt.Errorf("export: create output directory: %w", err)
	}
	filename := fmt.Sprintf("daily_report_%s_%s.json", accountID, startOfDay.Format("20060102"))
	outputPath := filepath.Join(outputDir, filename)

	report := DailyReport{
		AccountID:       accountID,
		Date:            startOfDay,
		TradeCount:      len(filtered),
		Summary:         te.calculateSummary(filtered),
		HourlyBreakdown: te.calculateHourlyBreakdown(filtered),
		Trades:          filtered,
	}

	file, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("export: create report file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		return "", fmt.Errorf("export: encode report: %w", err)
	}

	te.logger.Info("daily report exported",
		zap.String("account", accountID),
		zap.String("file", outputPath),
		zap.Time("date", startOfDay),
		zap.Int("trades", len(filtered)))
	return outputPath, nil
}

func (te *TradeExporter) calculateHourlyBreakdown(trades []state.Trade) []HourlyStats {
	hourlyMap := make(map[int]*HourlyStats)
	for _, trade := range trades {
		hour := trade.Timestamp.Hour()
		stats, ok := hourlyMap[hour]
		if !ok {
			stats = &HourlyStats{Hour: hour}
			hourlyMap[hour] = stats
		}
		stats.TradeCount++
		stats.Shares += trade.Quantity
		stats.PnL += trade.RealizedPnL
		if trade.Side == state.Long {
			stats.BuyCount++
		} else {
			stats.SellCount++
		}
	}

	var breakdown []HourlyStats
	for hour := 0; hour < 24; hour++ {
		if stats, ok := hourlyMap[hour]; ok {
			breakdown = append(breakdown, *stats)
		}
	}
	return breakdown
}
