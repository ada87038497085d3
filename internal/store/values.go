package store

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// NormalizeValue converts a value decoded by pgx into a JSON-safe Go value.
// Diff rows, seed dumps, and API responses all pass through here so the same
// database value always serializes the same way.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case bool, string, int64, float64:
		return val
	case int:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case float32:
		return float64(val)
	case []byte:
		return hex.EncodeToString(val)
	case [16]byte: // uuid
		return formatUUID(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case pgtype.Numeric:
		return numericToValue(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = NormalizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = NormalizeValue(item)
		}
		return out
	case driver.Valuer:
		inner, err := val.Value()
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return NormalizeValue(inner)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func formatUUID(b [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

func numericToValue(n pgtype.Numeric) any {
	if !n.Valid {
		return nil
	}
	if n.NaN {
		return "NaN"
	}
	// exact when the value fits a float64; numeric columns in templates are
	// money-like and well within range
	f := new(big.Float).SetInt(n.Int)
	if n.Exp != 0 {
		scale := new(big.Float).SetFloat64(1)
		ten := big.NewFloat(10)
		exp := n.Exp
		if exp < 0 {
			exp = -exp
		}
		for i := int32(0); i < exp; i++ {
			scale.Mul(scale, ten)
		}
		if n.Exp < 0 {
			f.Quo(f, scale)
		} else {
			f.Mul(f, scale)
		}
	}
	out, _ := f.Float64()
	return out
}
