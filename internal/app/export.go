package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"fxwatch/internal/storage"
)

const defaultExportDays = 365

// Export renders stored snapshot history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	c, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	to := c.snapshots.Today()
	if opts.To != nil {
		to = storage.DateOf(*opts.To, time.UTC)
	}
	from := to.AddDate(0, 0, -defaultExportDays)
	if opts.From != nil {
		from = storage.DateOf(*opts.From, time.UTC)
	}
	if from.After(to) {
		return errors.New("from must not be after to")
	}

	rows, err := c.snapshots.History(ctx, from, to)
	if err != nil {
		return err
	}

	series := groupByPair(filterPairs(rows, opts.Pairs), opts.MaxPoints)
	if len(series) == 0 {
		a.Logger.Info().Time("from", from).Time("to", to).Msg("no snapshots found for export window")
		return nil
	}
	a.Logger.Info().Int("total", len(rows)).Int("pairs", len(series)).Msg("exporting snapshot history")

	if opts.CSVPath != "" {
		if err := writeFile(opts.CSVPath, func(w io.Writer) error { return writeRatesCSV(w, series) }); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeFile(opts.PNGPath, func(w io.Writer) error { return writeRatesPNG(w, series) }); err != nil {
			return err
		}
	}

	return nil
}

type pairSeries struct {
	pair string
	rows []storage.DailyRate
}

func filterPairs(rows []storage.DailyRate, pairs []string) []storage.DailyRate {
	if len(pairs) == 0 {
		return rows
	}
	keep := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		keep[strings.ToUpper(strings.TrimSpace(p))] = true
	}
	out := rows[:0:0]
	for _, r := range rows {
		if keep[r.Pair()] {
			out = append(out, r)
		}
	}
	return out
}

func groupByPair(rows []storage.DailyRate, maxPoints int) []pairSeries {
	byPair := make(map[string][]storage.DailyRate)
	for _, r := range rows {
		byPair[r.Pair()] = append(byPair[r.Pair()], r)
	}

	out := make([]pairSeries, 0, len(byPair))
	for pair, list := range byPair {
		sort.Slice(list, func(i, j int) bool { return list[i].Date.Before(list[j].Date) })
		out = append(out, pairSeries{pair: pair, rows: downsampleRates(list, maxPoints)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].pair < out[j].pair })
	return out
}

func downsampleRates(rows []storage.DailyRate, max int) []storage.DailyRate {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[len(rows)-1:]
	}

	result := make([]storage.DailyRate, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeRatesCSV(w io.Writer, series []pairSeries) error {
	writer := csv.NewWriter(w)

	header := []string{"date", "currency_pair", "rate", "previous_rate", "change_amount", "change_pct"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, s := range series {
		for _, r := range s.rows {
			record := []string{
				r.Date.Format(time.DateOnly),
				s.pair,
				r.Rate.String(),
				optionalDecimal(r.PreviousRate, -1),
				optionalDecimal(r.ChangeAmount, -1),
				optionalDecimal(r.ChangePct, 4),
			}
			if err := writer.Write(record); err != nil {
				return err
			}
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeRatesPNG(w io.Writer, series []pairSeries) error {
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Rate",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
	}

	for _, s := range series {
		x := make([]time.Time, len(s.rows))
		y := make([]float64, len(s.rows))
		for i, r := range s.rows {
			x[i] = r.Date
			y[i] = r.Rate.InexactFloat64()
		}
		if len(x) == 1 {
			// go-chart needs two points to draw a line
			x = append(x, x[0].Add(time.Hour))
			y = append(y, y[0])
		}
		graph.Series = append(graph.Series, chart.TimeSeries{Name: s.pair, XValues: x, YValues: y})
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	return graph.Render(chart.PNG, w)
}

func writeFile(path string, write func(io.Writer) error) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(file); err != nil {
		file.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return file.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// optionalDecimal renders d, rounded when places >= 0, or "" when nil.
func optionalDecimal(d *decimal.Decimal, places int32) string {
	if d == nil {
		return ""
	}
	if places >= 0 {
		return d.Round(places).String()
	}
	return d.String()
}
