// Package tabular loads delimited data files and profiles their columns.
// The profile (column names, inferred types, null counts, sample values)
// is what the analyzer feeds to the model instead of raw data, keeping
// prompts small and uploads out of the request log.
package tabular

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// ColumnType is the inferred type of a column.
type ColumnType string

const (
	TypeInteger ColumnType = "integer"
	TypeFloat   ColumnType = "float"
	TypeBoolean ColumnType = "boolean"
	TypeDate    ColumnType = "date"
	TypeString  ColumnType = "string"
)

// maxSampleValues caps how many distinct values a column profile carries.
const maxSampleValues = 5

// Table is a parsed delimited file: a header row plus data records.
type Table struct {
	Name    string
	Header  []string
	Records [][]string
}

// Column describes one profiled column.
type Column struct {
	Name    string     `json:"name"`
	Type    ColumnType `json:"type"`
	NonNull int        `json:"non_null"`
	Samples []string   `json:"samples,omitempty"`
}

// Profile summarizes a table for prompting and API responses.
type Profile struct {
	Name    string   `json:"name"`
	Rows    int      `json:"rows"`
	Columns []Column `json:"columns"`
}

// Load parses CSV data from r. The first record is the header; ragged rows
// are rejected by the csv reader. An empty input yields an error; a table
// needs at least a header.
func Load(r io.Reader, name string) (*Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", name, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("parsing %s: no header row", name)
	}

	return &Table{
		Name:    name,
		Header:  records[0],
		Records: records[1:],
	}, nil
}

// Profile infers a type for every column and collects sample values.
func (t *Table) Profile() Profile {
	cols := make([]Column, len(t.Header))
	for i, name := range t.Header {
		values := make([]string, 0, len(t.Records))
		for _, rec := range t.Records {
			if i < len(rec) {
				values = append(values, rec[i])
			}
		}
		cols[i] = profileColumn(name, values)
	}
	return Profile{
		Name:    t.Name,
		Rows:    len(t.Records),
		Columns: cols,
	}
}

func profileColumn(name string, values []string) Column {
	col := Column{Name: name}

	var nonNull []string
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			nonNull = append(nonNull, v)
		}
	}
	col.NonNull = len(nonNull)
	col.Type = Infer(nonNull)

	seen := make(map[string]bool)
	for _, v := range nonNull {
		if seen[v] {
			continue
		}
		seen[v] = true
		col.Samples = append(col.Samples, v)
		if len(col.Samples) == maxSampleValues {
			break
		}
	}
	return col
}

// Infer returns the narrowest type that accepts every non-empty value.
// An empty slice is a string column; there is nothing to narrow on.
func Infer(values []string) ColumnType {
	if len(values) == 0 {
		return TypeString
	}

	isInt, isFloat, isBool, isDate := true, true, true, true
	for _, raw := range values {
		v := strings.TrimSpace(raw)
		if isInt {
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				isInt = false
			}
		}
		if isFloat {
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				isFloat = false
			}
		}
		if isBool && !isBoolean(v) {
			isBool = false
		}
		if isDate && !isDateValue(v) {
			isDate = false
		}
		if !isInt && !isFloat && !isBool && !isDate {
			return TypeString
		}
	}

	switch {
	case isBool:
		return TypeBoolean
	case isInt:
		return TypeInteger
	case isFloat:
		return TypeFloat
	case isDate:
		return TypeDate
	default:
		return TypeString
	}
}

func isBoolean(v string) bool {
	switch strings.ToLower(v) {
	case "true", "false", "yes", "no":
		return true
	}
	return false
}

// dateLayouts are the formats accepted for date inference.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

func isDateValue(v string) bool {
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, v); err == nil {
			return true
		}
	}
	return false
}
