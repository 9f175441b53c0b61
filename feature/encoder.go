package feature

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rushteam/streamrank/core"
)

// Kind 是字段的编码方式
type Kind int

const (
	// OneHot 类别值 → 每个类别一维的 0/1 向量；未见过的类别编码为全 0
	OneHot Kind = iota
	// Categories 多值类别（如标签列表）→ 每个类别一维，出现即为 1
	Categories
	// Normalize 数值 → (v-min)/(max-min)，截断到 [0,1]
	Normalize
	// Boolean 布尔 → 0/1
	Boolean
	// BagOfWords 文本 → 词表中每个词是否出现
	BagOfWords
	// CategoryIndex 类别值 → 类别下标（单维）；未见过的类别编码为 UnknownIndex
	CategoryIndex
)

// UnknownIndex 是 CategoryIndex 编码中未见过类别的取值，模型会将其解析为均值 embedding
const UnknownIndex = -1

var kindNames = map[Kind]string{
	OneHot:        "ONE_HOT",
	Categories:    "CATEGORIES",
	Normalize:     "NORMALIZE",
	Boolean:       "BOOLEAN",
	BagOfWords:    "BAG_OF_WORDS",
	CategoryIndex: "CATEGORY_INDEX",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalText 以名称序列化，保证产物中的编码表可读且与枚举顺序无关
func (k Kind) MarshalText() ([]byte, error) {
	name, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("feature: unknown kind %d", int(k))
	}
	return []byte(name), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if strings.EqualFold(name, string(text)) {
			*k = kind
			return nil
		}
	}
	return core.NewDomainError(core.ModuleFeature, core.ErrorCodeInvalidInput,
		fmt.Sprintf("feature: unknown kind %q", text))
}

// Entry 是待编码的一条记录，嵌套字段的值本身也是 Entry
type Entry = map[string]any

// Instruction 描述一个字段如何编码；Nested 非空时表示该字段是嵌套记录
type Instruction struct {
	Kind   Kind
	Nested Instructions
}

// Instructions 是字段名到编码指令的映射
type Instructions map[string]Instruction

// Field 返回叶子字段的编码指令
func Field(kind Kind) Instruction { return Instruction{Kind: kind} }

// Nest 返回嵌套字段的编码指令
func Nest(in Instructions) Instruction { return Instruction{Nested: in} }

// EncodingKey 是从训练语料上构建出的单个字段编码参数，构建后即冻结。
type EncodingKey struct {
	Kind       Kind         `json:"kind"`
	Categories []string     `json:"categories,omitempty"`
	Vocabulary []string     `json:"vocabulary,omitempty"`
	Min        float64      `json:"min,omitempty"`
	Max        float64      `json:"max,omitempty"`
	Nested     EncodingKeys `json:"nested,omitempty"`
}

// Width 返回该字段编码后的维度
func (k *EncodingKey) Width() int {
	if k.Nested != nil {
		return k.Nested.Width()
	}
	switch k.Kind {
	case OneHot, Categories:
		return len(k.Categories)
	case BagOfWords:
		return len(k.Vocabulary)
	default:
		return 1
	}
}

// EncodingKeys 是字段名到编码参数的映射。
// 编码向量按字段名排序布局，与 map 遍历顺序无关。
type EncodingKeys map[string]*EncodingKey

// Fields 返回排序后的字段名
func (keys EncodingKeys) Fields() []string {
	fields := make([]string, 0, len(keys))
	for f := range keys {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Width 返回整条记录编码后的维度
func (keys EncodingKeys) Width() int {
	w := 0
	for _, k := range keys {
		w += k.Width()
	}
	return w
}

// Column 描述编码向量中一个字段占据的区间
type Column struct {
	Field       string // 嵌套字段以 "." 连接
	Kind        Kind
	Offset      int
	Width       int
	Cardinality int // CategoryIndex 的类别数，其余为 0
}

// Columns 返回编码向量的列布局
func (keys EncodingKeys) Columns() []Column {
	var cols []Column
	keys.columns("", 0, &cols)
	return cols
}

func (keys EncodingKeys) columns(prefix string, offset int, cols *[]Column) int {
	for _, f := range keys.Fields() {
		k := keys[f]
		name := prefix + f
		if k.Nested != nil {
			offset = k.Nested.columns(name+".", offset, cols)
			continue
		}
		col := Column{Field: name, Kind: k.Kind, Offset: offset, Width: k.Width()}
		if k.Kind == CategoryIndex {
			col.Cardinality = len(k.Categories)
		}
		*cols = append(*cols, col)
		offset += col.Width
	}
	return offset
}

// CategorySets 返回 CategoryIndex 字段的类别列表（嵌套字段以 "." 连接），用于判断编码是否发生漂移
func (keys EncodingKeys) CategorySets() map[string][]string {
	sets := make(map[string][]string)
	keys.categorySets("", sets)
	return sets
}

func (keys EncodingKeys) categorySets(prefix string, sets map[string][]string) {
	for f, k := range keys {
		if k.Nested != nil {
			k.Nested.categorySets(prefix+f+".", sets)
			continue
		}
		if k.Kind == CategoryIndex {
			sets[prefix+f] = k.Categories
		}
	}
}

// MeanInputs 是按字段给出的回填值：
// CategoryIndex 字段为均值 embedding，Normalize 字段取第 0 个元素作为缺失值的填充。
type MeanInputs map[string][]float64

// BuildEncoding 在数据集上构建编码参数。类别按首次出现的顺序排列。
func BuildEncoding(dataset []Entry, instructions Instructions) (EncodingKeys, error) {
	keys := make(EncodingKeys, len(instructions))
	for field, in := range instructions {
		if in.Nested != nil {
			sub := make([]Entry, 0, len(dataset))
			for _, e := range dataset {
				if nested, ok := e[field].(Entry); ok {
					sub = append(sub, nested)
				} else {
					sub = append(sub, Entry{})
				}
			}
			nested, err := BuildEncoding(sub, in.Nested)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", field, err)
			}
			keys[field] = &EncodingKey{Nested: nested}
			continue
		}

		key := &EncodingKey{Kind: in.Kind}
		switch in.Kind {
		case OneHot, CategoryIndex:
			key.Categories = uniqueValues(dataset, field, false)
		case Categories:
			key.Categories = uniqueValues(dataset, field, true)
		case Normalize:
			key.Min, key.Max = numericRange(dataset, field)
		case BagOfWords:
			texts := make([]string, 0, len(dataset))
			for _, e := range dataset {
				texts = append(texts, toString(e[field]))
			}
			key.Vocabulary = BuildVocabulary(texts, DefaultVocabularySize)
		case Boolean:
		default:
			return nil, core.NewDomainError(core.ModuleFeature, core.ErrorCodeInvalidInput,
				fmt.Sprintf("feature: field %s has unknown kind %d", field, int(in.Kind)))
		}
		keys[field] = key
	}
	return keys, nil
}

// EncodeEntry 按编码参数把记录编码为定长向量。未见过的值不会报错。
func EncodeEntry(entry Entry, keys EncodingKeys, fallback MeanInputs) []float64 {
	out := make([]float64, 0, keys.Width())
	return encodeInto(out, "", entry, keys, fallback)
}

func encodeInto(out []float64, prefix string, entry Entry, keys EncodingKeys, fallback MeanInputs) []float64 {
	for _, field := range keys.Fields() {
		k := keys[field]
		value := entry[field]
		if k.Nested != nil {
			nested, _ := value.(Entry)
			out = encodeInto(out, prefix+field+".", nested, k.Nested, fallback)
			continue
		}
		switch k.Kind {
		case OneHot:
			s := toString(value)
			for _, c := range k.Categories {
				out = append(out, boolFloat(c == s))
			}
		case Categories:
			present := make(map[string]bool)
			for _, v := range toStrings(value) {
				present[v] = true
			}
			for _, c := range k.Categories {
				out = append(out, boolFloat(present[c]))
			}
		case Normalize:
			v, ok := toFloat(value)
			if !ok {
				if m := fallback[prefix+field]; len(m) > 0 {
					out = append(out, m[0])
				} else {
					out = append(out, 0)
				}
				continue
			}
			out = append(out, normalize(v, k.Min, k.Max))
		case Boolean:
			b, _ := value.(bool)
			out = append(out, boolFloat(b))
		case BagOfWords:
			out = append(out, EncodeText(toString(value), k.Vocabulary)...)
		case CategoryIndex:
			out = append(out, float64(indexOf(k.Categories, toString(value))))
		}
	}
	return out
}

func indexOf(categories []string, v string) int {
	for i, c := range categories {
		if c == v {
			return i
		}
	}
	return UnknownIndex
}

func uniqueValues(dataset []Entry, field string, multi bool) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, e := range dataset {
		if multi {
			for _, s := range toStrings(e[field]) {
				add(s)
			}
			continue
		}
		if v, ok := e[field]; ok && v != nil {
			add(toString(v))
		}
	}
	return out
}

func numericRange(dataset []Entry, field string) (lo, hi float64) {
	first := true
	for _, e := range dataset {
		v, ok := toFloat(e[field])
		if !ok {
			continue
		}
		if first {
			lo, hi, first = v, v, false
			continue
		}
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return lo, hi
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
