// Package curator 负责训练语料的去重与代表性采样。
package curator

import (
	"fmt"
	"math/rand"

	"github.com/goccy/go-json"
)

// Deduplicate 按结构相等去重，保留首次出现的顺序。
// 结构键为元素的 JSON 编码，带 json:"-" 的字段不参与比较。
func Deduplicate[T any](items []T) []T {
	seen := make(map[string]struct{}, len(items))
	out := make([]T, 0, len(items))
	for _, item := range items {
		key := structuralKey(item)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}

func structuralKey(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}

// Shuffle 返回按 seed 确定性打乱的副本，不修改入参
func Shuffle[T any](items []T, seed int64) []T {
	out := make([]T, len(items))
	copy(out, items)
	r := rand.New(rand.NewSource(seed))
	r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
