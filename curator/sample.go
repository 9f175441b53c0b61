package curator

import (
	"container/heap"
	"context"
	"math"
	"sort"

	"github.com/rushteam/streamrank/pkg/task"
)

// Facet 是代表性采样考察的维度
type Facet int

const (
	// Streamer 主播维度
	Streamer Facet = iota
	// Category 分类维度
	Category
)

func (f Facet) String() string {
	if f == Streamer {
		return "streamer"
	}
	return "category"
}

// Membership 表示一个样本在某个维度上属于哪个 id，以及处于正/负位置。
// pair 样本的 A 侧为正、B 侧为负；point 样本按 label 区分正负。
type Membership struct {
	Facet    Facet
	ID       int
	Positive bool
}

// FacetFunc 提取样本的维度归属
type FacetFunc[T any] func(T) []Membership

type facetKey struct {
	facet Facet
	id    int
}

type queueKey struct {
	facetKey
	positive bool
}

type facetCount struct {
	all      int
	positive int
}

// idCount 是某个 id 当前已选取的次数，index 是它在所属堆中的位置
type idCount struct {
	id    int
	all   int
	index int
}

// idHeap 按 (已选次数, id) 升序
type idHeap []*idCount

func (h idHeap) Len() int { return len(h) }
func (h idHeap) Less(i, j int) bool {
	if h[i].all != h[j].all {
		return h[i].all < h[j].all
	}
	return h[i].id < h[j].id
}
func (h idHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *idHeap) Push(x any) {
	c := x.(*idCount)
	c.index = len(*h)
	*h = append(*h, c)
}
func (h *idHeap) Pop() any {
	old := *h
	c := old[len(old)-1]
	*h = old[:len(old)-1]
	return c
}

// targetGroup 收集全量出现次数相同的 id。
// 同一组内欠采样最严重的总是已选次数最少（相同则 id 最小）的那个，即堆顶。
type targetGroup struct {
	target int
	ids    idHeap
}

// sampler 保存一次采样的全部状态。计数在每次选取后 O(log) 更新；
// 找欠采样最严重的 id 只需比较各组堆顶，组数不超过不同出现次数的个数。
type sampler struct {
	members [][]Membership
	taken   []bool
	next    int // 尚未被选取的最早位置（兜底用）

	target  map[facetKey]facetCount
	current map[facetKey]*facetCount
	slots   map[facetKey]*idCount
	groupOf map[facetKey]*targetGroup
	groups  [2][]*targetGroup
	queues  map[queueKey][]int

	total int
}

// RepresentativeSample 从 pool 中无放回地选出 size 个样本，使主播/分类两个维度上
// 各 id 的占比（全部出现、正位置出现）尽量贴近全量 pool 的占比。
//
// 每一步：
//  1. 在两个维度中找出 目标占比 - 当前占比 最大的 id（id 升序扫描，严格更大才替换；
//     两个维度相等时取 Category）
//  2. 当前正位置占比低于目标则选正位置样本，否则选负位置样本
//  3. 取种子打乱后顺序中最早的匹配样本；无匹配时退而取另一极性，再退而取最早的剩余样本
//
// 相同的 pool 与 seed 总是得到相同的样本与顺序。remainder 按打乱后的顺序返回。
// 每次选取后经过一个检查点，ctx 取消时返回 ctx.Err()。
func RepresentativeSample[T any](ctx context.Context, pool []T, size int, seed int64, facets FacetFunc[T]) (sample, remainder []T, err error) {
	shuffled := Shuffle(pool, seed)
	size = max(0, min(size, len(shuffled)))

	s := newSampler(shuffled, facets)
	cp := task.NewCheckpointer(0)

	sample = make([]T, 0, size)
	for len(sample) < size {
		pick := s.choose(len(sample))
		s.take(pick)
		sample = append(sample, shuffled[pick])
		if err := cp.Checkpoint(ctx); err != nil {
			return nil, nil, err
		}
	}

	remainder = make([]T, 0, len(shuffled)-size)
	for i, item := range shuffled {
		if !s.taken[i] {
			remainder = append(remainder, item)
		}
	}
	return sample, remainder, nil
}

func newSampler[T any](shuffled []T, facets FacetFunc[T]) *sampler {
	s := &sampler{
		members: make([][]Membership, len(shuffled)),
		taken:   make([]bool, len(shuffled)),
		target:  make(map[facetKey]facetCount),
		current: make(map[facetKey]*facetCount),
		slots:   make(map[facetKey]*idCount),
		groupOf: make(map[facetKey]*targetGroup),
		queues:  make(map[queueKey][]int),
		total:   len(shuffled),
	}
	for i, item := range shuffled {
		ms := facets(item)
		s.members[i] = ms
		for _, m := range ms {
			fk := facetKey{m.Facet, m.ID}
			c := s.target[fk]
			c.all++
			if m.Positive {
				c.positive++
			}
			s.target[fk] = c
			qk := queueKey{fk, m.Positive}
			s.queues[qk] = append(s.queues[qk], i)
		}
	}
	byTarget := [2]map[int]*targetGroup{{}, {}}
	for fk, c := range s.target {
		s.current[fk] = &facetCount{}
		g := byTarget[fk.facet][c.all]
		if g == nil {
			g = &targetGroup{target: c.all}
			byTarget[fk.facet][c.all] = g
			s.groups[fk.facet] = append(s.groups[fk.facet], g)
		}
		slot := &idCount{id: fk.id}
		heap.Push(&g.ids, slot)
		s.slots[fk] = slot
		s.groupOf[fk] = g
	}
	for f := range s.groups {
		sort.Slice(s.groups[f], func(i, j int) bool { return s.groups[f][i].target < s.groups[f][j].target })
	}
	return s
}

func share(count, n int) float64 {
	if n == 0 {
		return 0
	}
	return float64(count) / float64(n)
}

// deficit 返回该维度上欠采样最严重的 id 及其差值，差值相同时取 id 最小的
func (s *sampler) deficit(f Facet, n int) (int, float64, bool) {
	bestID, best, found := 0, math.Inf(-1), false
	for _, g := range s.groups[f] {
		top := g.ids[0]
		d := share(g.target, s.total) - share(top.all, n)
		if !found || d > best || (d == best && top.id < bestID) {
			bestID, best, found = top.id, d, true
		}
	}
	return bestID, best, found
}

func (s *sampler) choose(n int) int {
	sid, sd, sok := s.deficit(Streamer, n)
	cid, cd, cok := s.deficit(Category, n)

	var fk facetKey
	switch {
	case sok && (!cok || sd > cd):
		fk = facetKey{Streamer, sid}
	case cok:
		fk = facetKey{Category, cid}
	default:
		return s.earliest()
	}

	positive := share(s.current[fk].positive, n) < share(s.target[fk].positive, s.total)
	if i, ok := s.pop(queueKey{fk, positive}); ok {
		return i
	}
	if i, ok := s.pop(queueKey{fk, !positive}); ok {
		return i
	}
	return s.earliest()
}

// pop 返回队列中第一个尚未被选取的位置，已选取的位置顺带出队
func (s *sampler) pop(qk queueKey) (int, bool) {
	q := s.queues[qk]
	for len(q) > 0 && s.taken[q[0]] {
		q = q[1:]
	}
	s.queues[qk] = q
	if len(q) == 0 {
		return 0, false
	}
	return q[0], true
}

func (s *sampler) earliest() int {
	for s.taken[s.next] {
		s.next++
	}
	return s.next
}

func (s *sampler) take(i int) {
	s.taken[i] = true
	for _, m := range s.members[i] {
		fk := facetKey{m.Facet, m.ID}
		c := s.current[fk]
		c.all++
		if m.Positive {
			c.positive++
		}
		slot := s.slots[fk]
		slot.all++
		heap.Fix(&s.groupOf[fk].ids, slot.index)
	}
}

// ShareGap 返回样本与全量在各维度 id 上占比差值的最大绝对值（all 与 positive 两种口径）
func ShareGap[T any](pool, sample []T, facets FacetFunc[T]) float64 {
	count := func(items []T) map[facetKey]facetCount {
		out := make(map[facetKey]facetCount)
		for _, item := range items {
			for _, m := range facets(item) {
				fk := facetKey{m.Facet, m.ID}
				c := out[fk]
				c.all++
				if m.Positive {
					c.positive++
				}
				out[fk] = c
			}
		}
		return out
	}
	pc, sc := count(pool), count(sample)
	gap := 0.0
	for fk, p := range pc {
		c := sc[fk]
		gap = math.Max(gap, math.Abs(share(p.all, len(pool))-share(c.all, len(sample))))
		gap = math.Max(gap, math.Abs(share(p.positive, len(pool))-share(c.positive, len(sample))))
	}
	return gap
}
