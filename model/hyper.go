package model

import (
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/rushteam/streamrank/core"
)

// HyperOptions 是排序模型的超参数，会随产物一起保存。
type HyperOptions struct {
	Hidden       []int        `json:"hidden" yaml:"hidden" koanf:"hidden"`
	Activation   Activation   `json:"activation" yaml:"activation" koanf:"activation"`
	LearningRate float64      `json:"learningRate" yaml:"learningRate" koanf:"learning_rate"`
	BatchSize    int          `json:"batchSize" yaml:"batchSize" koanf:"batch_size"`
	Epochs       int          `json:"epochs" yaml:"epochs" koanf:"epochs"`
	Patience     int          `json:"patience" yaml:"patience" koanf:"patience"`
	MinDelta     float64      `json:"minDelta" yaml:"minDelta" koanf:"min_delta"`
	EmbeddingDim EmbeddingDim `json:"embeddingDim" yaml:"embeddingDim" koanf:"embedding_dim"`
	Seed         int64        `json:"seed" yaml:"seed" koanf:"seed"`
}

// DefaultHyperOptions 返回默认超参数
func DefaultHyperOptions() HyperOptions {
	return HyperOptions{
		Hidden:       []int{16},
		Activation:   ActivationReLU,
		LearningRate: 0.001,
		BatchSize:    16,
		Epochs:       20,
		Patience:     3,
		MinDelta:     1e-4,
		EmbeddingDim: DefaultEmbeddingDim(),
		Seed:         core.DefaultSeed,
	}
}

// Validate 校验超参数
func (h HyperOptions) Validate() error {
	invalid := func(format string, args ...any) error {
		return core.NewDomainError(core.ModuleModel, core.ErrorCodeInvalidInput, fmt.Sprintf(format, args...))
	}
	for _, n := range h.Hidden {
		if n <= 0 {
			return invalid("hidden layer size must be positive, got %v", h.Hidden)
		}
	}
	if !h.Activation.Valid() {
		return invalid("unknown activation %q", h.Activation)
	}
	if h.LearningRate <= 0 {
		return invalid("learning rate must be positive, got %v", h.LearningRate)
	}
	if h.BatchSize <= 0 || h.Epochs <= 0 {
		return invalid("batch size and epochs must be positive, got %d/%d", h.BatchSize, h.Epochs)
	}
	if h.Patience < 0 || h.MinDelta < 0 {
		return invalid("patience and min delta must not be negative")
	}
	if err := h.EmbeddingDim.validate(); err != nil {
		return invalid("%v", err)
	}
	return nil
}

// Key 返回不含 Seed 的规范化表示，超参搜索用它跳过重复配置
func (h HyperOptions) Key() string {
	hidden := make([]string, len(h.Hidden))
	for i, n := range h.Hidden {
		hidden[i] = strconv.Itoa(n)
	}
	return fmt.Sprintf("h=[%s] a=%s lr=%g bs=%d ep=%d p=%d md=%g emb=%s",
		strings.Join(hidden, ","), h.Activation, h.LearningRate, h.BatchSize,
		h.Epochs, h.Patience, h.MinDelta, h.EmbeddingDim)
}

// Clone 深拷贝
func (h HyperOptions) Clone() HyperOptions {
	c := h
	c.Hidden = append([]int(nil), h.Hidden...)
	return c
}

// MarshalHyper 序列化超参数，写入产物的 hyperOptions
func MarshalHyper(h HyperOptions) ([]byte, error) {
	return json.Marshal(h)
}

// UnmarshalHyper 解析产物中的 hyperOptions，缺失字段使用默认值
func UnmarshalHyper(raw []byte) (HyperOptions, error) {
	h := DefaultHyperOptions()
	if len(raw) == 0 {
		return h, nil
	}
	h.Hidden = nil
	if err := json.Unmarshal(raw, &h); err != nil {
		return h, fmt.Errorf("model: decode hyper options: %w", err)
	}
	return h, nil
}
