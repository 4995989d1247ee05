// Package timeseries provides containers for grouped time-series data and a
// simple tabular output format for forecast results.
package timeseries

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Frame is an ordered set of named columns with appended rows. It is the
// tabular output of the forecast engine; cells may hold string, float64, int,
// time.Time or nil (rendered as NULL).
type Frame struct {
	columns []string
	rows    [][]any
}

func NewFrame(columns ...string) *Frame {
	return &Frame{columns: columns}
}

func (f *Frame) Columns() []string {
	return f.columns
}

func (f *Frame) Len() int {
	return len(f.rows)
}

func (f *Frame) Row(i int) []any {
	return f.rows[i]
}

// Append adds one row. The number of values must match the number of columns.
func (f *Frame) Append(values ...any) error {
	if len(values) != len(f.columns) {
		return fmt.Errorf("row has %d values, frame has %d columns", len(values), len(f.columns))
	}
	f.rows = append(f.rows, values)
	return nil
}

// Column returns all values of the named column, or an error when the column
// does not exist.
func (f *Frame) Column(name string) ([]any, error) {
	for c, colName := range f.columns {
		if colName != name {
			continue
		}
		values := make([]any, len(f.rows))
		for r, row := range f.rows {
			values[r] = row[c]
		}
		return values, nil
	}
	return nil, fmt.Errorf("no such column %q", name)
}

type renderOpts struct {
	style           string
	separateColumns bool
	drawBorder      bool
	rownum          bool
	heading         bool
	precision       int
	timeFormat      string
	timeLocation    *time.Location
	substituteNull  string
}

type RenderOption func(*renderOpts)

// Style selects go-pretty table style: "default", "bold", "double", "light", "round".
func Style(style string) RenderOption {
	return func(o *renderOpts) { o.style = style }
}

func Rownum(show bool) RenderOption {
	return func(o *renderOpts) { o.rownum = show }
}

func Heading(show bool) RenderOption {
	return func(o *renderOpts) { o.heading = show }
}

// Precision sets the number of digits after the decimal point for float
// cells; negative means the shortest representation that round-trips.
func Precision(p int) RenderOption {
	return func(o *renderOpts) { o.precision = p }
}

func Timeformat(format string) RenderOption {
	return func(o *renderOpts) { o.timeFormat = format }
}

func TimeLocation(tz *time.Location) RenderOption {
	return func(o *renderOpts) { o.timeLocation = tz }
}

func SubstituteNull(nullString string) RenderOption {
	return func(o *renderOpts) { o.substituteNull = nullString }
}

// Render writes the frame as a box-drawn table.
func (f *Frame) Render(w io.Writer, opts ...RenderOption) {
	o := &renderOpts{
		style:           "default",
		separateColumns: true,
		drawBorder:      true,
		heading:         true,
		precision:       -1,
		timeFormat:      "2006-01-02 15:04:05",
		timeLocation:    time.UTC,
		substituteNull:  "NULL",
	}
	for _, opt := range opts {
		opt(o)
	}

	writer := table.NewWriter()
	writer.SetOutputMirror(w)

	style := table.StyleDefault
	switch o.style {
	case "bold":
		style = table.StyleBold
	case "double":
		style = table.StyleDouble
	case "light":
		style = table.StyleLight
	case "round":
		style = table.StyleRounded
	default:
		style = table.StyleDefault
	}
	style.Options.SeparateColumns = o.separateColumns
	style.Options.DrawBorder = o.drawBorder
	writer.SetStyle(style)

	if o.heading {
		vs := make([]any, len(f.columns))
		for i, h := range f.columns {
			vs[i] = h
		}
		if o.rownum {
			writer.AppendHeader(table.Row(append([]any{"ROWNUM"}, vs...)))
		} else {
			writer.AppendHeader(table.Row(vs))
		}
	}

	for n, row := range f.rows {
		cols := make([]any, len(row))
		for i, r := range row {
			cols[i] = o.format(r)
		}
		if o.rownum {
			writer.AppendRow(table.Row(append([]any{n + 1}, cols...)))
		} else {
			writer.AppendRow(table.Row(cols))
		}
	}
	writer.Render()
}

// WriteCSV writes the frame in CSV format.
func (f *Frame) WriteCSV(w io.Writer, opts ...RenderOption) error {
	o := &renderOpts{
		heading:        true,
		precision:      -1,
		timeFormat:     time.RFC3339,
		timeLocation:   time.UTC,
		substituteNull: "NULL",
	}
	for _, opt := range opts {
		opt(o)
	}

	writer := csv.NewWriter(w)
	if o.heading {
		if o.rownum {
			if err := writer.Write(append([]string{"ROWNUM"}, f.columns...)); err != nil {
				return err
			}
		} else {
			if err := writer.Write(f.columns); err != nil {
				return err
			}
		}
	}
	for n, row := range f.rows {
		cols := make([]string, len(row))
		for i, r := range row {
			cols[i] = o.format(r)
		}
		if o.rownum {
			if err := writer.Write(append([]string{strconv.Itoa(n + 1)}, cols...)); err != nil {
				return err
			}
		} else {
			if err := writer.Write(cols); err != nil {
				return err
			}
		}
	}
	writer.Flush()
	return writer.Error()
}

func (o *renderOpts) format(r any) string {
	if r == nil {
		return o.substituteNull
	}
	switch v := r.(type) {
	case string:
		return v
	case *string:
		return *v
	case time.Time:
		return v.In(o.timeLocation).Format(o.timeFormat)
	case *time.Time:
		return v.In(o.timeLocation).Format(o.timeFormat)
	case float64:
		if math.IsNaN(v) {
			return o.substituteNull
		}
		return strconv.FormatFloat(v, 'f', o.precision, 64)
	case *float64:
		return o.format(*v)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', o.precision, 32)
	case int:
		return strconv.FormatInt(int64(v), 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", r)
	}
}
