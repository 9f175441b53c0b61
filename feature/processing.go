package feature

import (
	"fmt"
	"math"

	"github.com/rushteam/streamrank/pkg/conv"
)

// normalize Min-Max 归一化
// 公式: x' = (x - min) / (max - min)，截断到 [0, 1]；max == min 时返回 0
func normalize(v, lo, hi float64) float64 {
	if hi <= lo || math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, (v-lo)/(hi-lo)))
}

func toFloat(v any) (float64, bool) {
	f, ok := conv.ToFloat64(v)
	if !ok || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := conv.ToString(v); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func toStrings(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case nil:
		return nil
	default:
		return conv.SliceAnyToString(val)
	}
}
