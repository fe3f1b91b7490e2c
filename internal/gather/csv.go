package gather

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"quantlab/internal/domain"
)

// dateLayouts are tried in order when parsing the date column.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"01/02/2006",
	"20060102",
}

// CSVProvider reads daily bars for one symbol from a CSV file with a header
// row naming Date, Open, High, Low, Close and Volume columns in any case and
// order. Only Date and Close are required; other missing columns read as
// NaN. An optional Symbol column restricts rows to the requested symbol.
type CSVProvider struct {
	path string
}

// NewCSVProvider creates a CSVProvider over the file at path.
func NewCSVProvider(path string) *CSVProvider {
	return &CSVProvider{path: path}
}

// Name returns the provider identifier.
func (p *CSVProvider) Name() string { return "csv" }

// FetchBars reads the file and returns the bars within [start, end], sorted
// by date. Later rows win when a date repeats.
func (p *CSVProvider) FetchBars(_ context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	f, err := os.Open(p.path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", p.path, err)
	}
	defer f.Close()

	bars, err := ReadCSV(f, symbol)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.path, err)
	}

	out := bars[:0]
	for _, b := range bars {
		if b.Timestamp.Before(start) || (!end.IsZero() && b.Timestamp.After(end)) {
			continue
		}
		out = append(out, b)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s %s: %w", p.path, symbol, ErrNoBars)
	}
	return out, nil
}

// HasSymbolColumn reports whether the CSV file at path has a Symbol column,
// i.e. whether it can hold more than one symbol.
func HasSymbolColumn(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s: reading header: %w", path, err)
	}
	_, ok := parseHeader(header)["symbol"]
	return ok, nil
}

// ReadCSV parses bars from r, labelling them with symbol.
func ReadCSV(r io.Reader, symbol string) ([]domain.Bar, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoBars
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	cols := parseHeader(header)
	if _, ok := cols["date"]; !ok {
		return nil, fmt.Errorf("missing Date column")
	}
	if _, ok := cols["close"]; !ok {
		return nil, fmt.Errorf("missing Close column")
	}

	symbol = strings.ToUpper(symbol)
	byDay := make(map[time.Time]domain.Bar)
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if i, ok := cols["symbol"]; ok && i < len(row) && symbol != "" &&
			!strings.EqualFold(strings.TrimSpace(row[i]), symbol) {
			continue
		}
		ts, err := parseDate(field(row, cols, "date"))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		bar := domain.Bar{Symbol: symbol, Timestamp: ts}
		for _, c := range []struct {
			name string
			dst  *float64
		}{
			{"open", &bar.Open},
			{"high", &bar.High},
			{"low", &bar.Low},
			{"close", &bar.Close},
			{"volume", &bar.Volume},
		} {
			v, err := parseFloat(field(row, cols, c.name))
			if err != nil {
				return nil, fmt.Errorf("line %d %s: %w", line, c.name, err)
			}
			*c.dst = v
		}
		byDay[ts] = bar
	}

	bars := make([]domain.Bar, 0, len(byDay))
	for _, b := range byDay {
		bars = append(bars, b)
	}
	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})
	return bars, nil
}

// parseHeader maps lower-cased column names to their index. "Adj Close" and
// similar columns are kept under their own names and ignored.
func parseHeader(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if name == "datetime" || name == "timestamp" {
			name = "date"
		}
		if _, dup := cols[name]; !dup {
			cols[name] = i
		}
	}
	return cols
}

func field(row []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// parseFloat reads an empty or "null"/"nan" cell as a missing value.
func parseFloat(s string) (float64, error) {
	switch strings.ToLower(s) {
	case "", "null", "nan", "na":
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}
