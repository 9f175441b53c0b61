package model

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
)

// DimStrategy 是 embedding 宽度的计算方式
type DimStrategy string

const (
	// DimSqrt ceil(Param * sqrt(n))，Param 默认 1
	DimSqrt DimStrategy = "sqrt"
	// DimLog2 ceil(Param * log2(n + 1))，Param 默认 1
	DimLog2 DimStrategy = "log2"
	// DimFixed 固定为 Param
	DimFixed DimStrategy = "fixed"
)

// EmbeddingDim 以枚举 + 参数描述 embedding 宽度，可直接序列化进产物
type EmbeddingDim struct {
	Strategy DimStrategy `json:"strategy" yaml:"strategy" koanf:"strategy"`
	Param    float64     `json:"param,omitempty" yaml:"param,omitempty" koanf:"param"`
}

// DefaultEmbeddingDim 返回 ceil(sqrt(n))
func DefaultEmbeddingDim() EmbeddingDim {
	return EmbeddingDim{Strategy: DimSqrt, Param: 1}
}

// Size 返回 n 个类别对应的 embedding 宽度，至少为 1
func (e EmbeddingDim) Size(n int) int {
	param := e.Param
	var size float64
	switch e.Strategy {
	case DimFixed:
		size = param
	case DimLog2:
		if param <= 0 {
			param = 1
		}
		size = math.Ceil(param * math.Log2(float64(n)+1))
	default:
		if param <= 0 {
			param = 1
		}
		size = math.Ceil(param * math.Sqrt(float64(n)))
	}
	return max(1, int(size))
}

func (e EmbeddingDim) validate() error {
	switch e.Strategy {
	case DimSqrt, DimLog2, "":
		return nil
	case DimFixed:
		if e.Param < 1 {
			return fmt.Errorf("fixed embedding dim needs param >= 1, got %v", e.Param)
		}
		return nil
	}
	return fmt.Errorf("unknown embedding dim strategy %q", e.Strategy)
}

func (e EmbeddingDim) String() string {
	var b strings.Builder
	b.WriteString(string(e.Strategy))
	if e.Param != 0 {
		fmt.Fprintf(&b, "(%g)", e.Param)
	}
	return b.String()
}

// embedding 是一个类别字段的 embedding 表，Values 按 [row][dim] 行优先存放。
// 越界下标（包括 feature.UnknownIndex）解析为所有行的均值。
type embedding struct {
	Field  string    `json:"field"`
	Offset int       `json:"offset"` // 该字段在单路直播特征中的位置
	Rows   int       `json:"rows"`
	Dim    int       `json:"dim"`
	Values []float64 `json:"values"`
}

// newEmbedding 使用 [-0.05, 0.05] 均匀分布初始化
func newEmbedding(field string, offset, rows, dim int, rng *rand.Rand) *embedding {
	e := &embedding{Field: field, Offset: offset, Rows: rows, Dim: dim, Values: make([]float64, rows*dim)}
	for i := range e.Values {
		e.Values[i] = (rng.Float64()*2 - 1) * 0.05
	}
	return e
}

func (e *embedding) validate() error {
	if e.Rows <= 0 || e.Dim <= 0 || len(e.Values) != e.Rows*e.Dim {
		return fmt.Errorf("embedding %s shape mismatch: rows=%d dim=%d values=%d", e.Field, e.Rows, e.Dim, len(e.Values))
	}
	return nil
}

// row 返回下标对应的行与是否命中；未命中时返回均值
func (e *embedding) row(index float64) ([]float64, bool) {
	i := int(index)
	if index != math.Trunc(index) || i < 0 || i >= e.Rows {
		return e.mean(), false
	}
	return e.Values[i*e.Dim : (i+1)*e.Dim], true
}

func (e *embedding) mean() []float64 {
	m := make([]float64, e.Dim)
	for r := 0; r < e.Rows; r++ {
		for d := 0; d < e.Dim; d++ {
			m[d] += e.Values[r*e.Dim+d]
		}
	}
	for d := range m {
		m[d] /= float64(e.Rows)
	}
	return m
}
