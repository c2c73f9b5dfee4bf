package tidy

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"bayesfitness/pkg/fiterr"
)

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case nil:
		return 0, errors.New("missing value")
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	default:
		return 0, fmt.Errorf("unsupported value %T", v)
	}
}

func toCount(v any) (float64, error) {
	f, err := toFloat(v)
	if err != nil {
		return 0, err
	}
	if !isCount(f) {
		return 0, fmt.Errorf("count %v is not a non-negative integer", f)
	}
	return f, nil
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(x))
	case nil:
		return false, errors.New("missing value")
	default:
		f, err := toFloat(v)
		if err != nil {
			return false, err
		}
		switch f {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
		return false, fmt.Errorf("value %v is not boolean", v)
	}
}

// ReadCSV loads a tidy table from CSV with a header row. Cells are kept as
// strings; Assemble coerces them when it reads each column.
func ReadCSV(r io.Reader) (Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: read header: %v", fiterr.ErrInvalidInput, err)
	}
	var table Table
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read record: %v", fiterr.ErrInvalidInput, err)
		}
		row := make(Row, len(header))
		for i, name := range header {
			row[name] = rec[i]
		}
		table = append(table, row)
	}
	return table, nil
}
