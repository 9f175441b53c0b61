package feature

import (
	"regexp"
	"slices"
	"sort"
	"strings"
)

// DefaultVocabularySize 是词袋编码的默认词表大小
const DefaultVocabularySize = 50

var (
	nonWord = regexp.MustCompile(`\W+`)

	stopwords = map[string]bool{
		"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
		"be": true, "but": true, "by": true, "for": true, "if": true, "in": true,
		"into": true, "is": true, "it": true, "no": true, "not": true, "of": true,
		"on": true, "or": true, "such": true, "that": true, "the": true, "their": true,
		"then": true, "there": true, "these": true, "they": true, "this": true, "to": true,
		"was": true, "will": true, "with": true,
	}
)

// Tokenize 小写后按非单词字符切分，去掉停用词与空串
func Tokenize(text string) []string {
	parts := nonWord.Split(strings.ToLower(text), -1)
	tokens := parts[:0]
	for _, p := range parts {
		if p != "" && !stopwords[p] {
			tokens = append(tokens, p)
		}
	}
	return tokens
}

// BuildVocabulary 返回出现次数最多的 size 个词（次数相同按字典序）
func BuildVocabulary(texts []string, size int) []string {
	counts := make(map[string]int)
	for _, t := range texts {
		for _, tok := range Tokenize(t) {
			counts[tok]++
		}
	}
	vocab := make([]string, 0, len(counts))
	for w := range counts {
		vocab = append(vocab, w)
	}
	sort.Slice(vocab, func(i, j int) bool {
		if counts[vocab[i]] != counts[vocab[j]] {
			return counts[vocab[i]] > counts[vocab[j]]
		}
		return vocab[i] < vocab[j]
	})
	if len(vocab) > size {
		vocab = vocab[:size]
	}
	return vocab
}

// EncodeText 返回词表中每个词是否出现在 text 中
func EncodeText(text string, vocabulary []string) []float64 {
	tokens := Tokenize(text)
	out := make([]float64, len(vocabulary))
	for i, w := range vocabulary {
		if slices.Contains(tokens, w) {
			out[i] = 1
		}
	}
	return out
}
