package corpus

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rcourtman/substation-twin/internal/assets"
	internalerrors "github.com/rcourtman/substation-twin/internal/errors"
)

// RequiredColumns must be present in historical files.
var RequiredColumns = []string{"asset_type", "voltage", "current", "power", "temperature", "health_score"}

// LoadFile reads historical records from a .csv or .json file.
func LoadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open historical data: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ReadCSV(f)
	case ".json":
		return ReadJSON(f)
	default:
		return nil, internalerrors.Invalid("load historical data", "unsupported file format %q, use CSV or JSON", filepath.Ext(path))
	}
}

// ReadCSV parses records from a CSV stream with a header row.
func ReadCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(strings.ToLower(name))] = i
	}
	var missing []string
	for _, name := range RequiredColumns {
		if _, ok := cols[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, internalerrors.Invalid("read csv", "missing required columns: %s", strings.Join(missing, ", "))
	}

	var out []Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		rec, err := parseRow(row, cols)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func parseRow(row []string, cols map[string]int) (Record, error) {
	get := func(name string) string {
		if i, ok := cols[name]; ok && i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}
	num := func(name string) (float64, error) {
		s := get(name)
		if s == "" {
			return 0, nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, internalerrors.Invalid("parse record", "column %s: %v", name, err)
		}
		return v, nil
	}

	rec := Record{AssetID: get("asset_id"), AssetType: assets.Type(get("asset_type"))}
	if rec.AssetType == "" {
		return Record{}, internalerrors.Invalid("parse record", "empty asset_type")
	}
	fields := []struct {
		name string
		dst  *float64
	}{
		{"voltage", &rec.Voltage},
		{"current", &rec.Current},
		{"power", &rec.Power},
		{"temperature", &rec.Temperature},
		{"age_days", &rec.AgeDays},
		{"health_score", &rec.HealthScore},
	}
	for _, field := range fields {
		v, err := num(field.name)
		if err != nil {
			return Record{}, err
		}
		*field.dst = v
	}
	if ts := get("timestamp"); ts != "" {
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return Record{}, internalerrors.Invalid("parse record", "timestamp: %v", err)
		}
		rec.Timestamp = parsed
	}
	return rec, nil
}

// ReadJSON parses a JSON array of records.
func ReadJSON(r io.Reader) ([]Record, error) {
	var out []Record
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode json records: %w", err)
	}
	for i, rec := range out {
		if rec.AssetType == "" {
			return nil, internalerrors.Invalid("read json", "record %d: empty asset_type", i)
		}
	}
	return out, nil
}

// WriteCSV writes records with a header row.
func WriteCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	header := []string{"asset_id", "asset_type", "voltage", "current", "power", "temperature", "age_days", "health_score", "timestamp"}
	if err := cw.Write(header); err != nil {
		return err
	}
	format := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	for _, r := range records {
		ts := ""
		if !r.Timestamp.IsZero() {
			ts = r.Timestamp.UTC().Format(time.RFC3339)
		}
		row := []string{
			r.AssetID, string(r.AssetType),
			format(r.Voltage), format(r.Current), format(r.Power), format(r.Temperature),
			format(r.AgeDays), format(r.HealthScore), ts,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
