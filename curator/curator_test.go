package curator

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sort"
	"testing"
)

// pairItem 模拟一条 pair 样本：A 侧为正，B 侧为负
type pairItem struct {
	StreamerA, CategoryA int
	StreamerB, CategoryB int
	Label                int
}

func pairFacets(p pairItem) []Membership {
	return []Membership{
		{Facet: Streamer, ID: p.StreamerA, Positive: true},
		{Facet: Streamer, ID: p.StreamerB, Positive: false},
		{Facet: Category, ID: p.CategoryA, Positive: true},
		{Facet: Category, ID: p.CategoryB, Positive: false},
	}
}

// skewedPool 构造主播/分类分布明显不均匀的 pool
func skewedPool(n int) []pairItem {
	pool := make([]pairItem, 0, n)
	for i := 0; i < n; i++ {
		a := i % 7
		if a > 3 {
			a = 0 // 主播 0 占多数
		}
		b := (a + 1 + i%3) % 5
		pool = append(pool, pairItem{
			StreamerA: a, CategoryA: (i / 2) % 3,
			StreamerB: b, CategoryB: (i / 5) % 4,
			Label: i % 2,
		})
	}
	return pool
}

func TestRepresentativeSampleDeterministic(t *testing.T) {
	pool := skewedPool(120)
	ctx := context.Background()

	s1, r1, err := RepresentativeSample(ctx, pool, 40, 7, pairFacets)
	if err != nil {
		t.Fatalf("采样失败: %v", err)
	}
	s2, r2, err := RepresentativeSample(ctx, pool, 40, 7, pairFacets)
	if err != nil {
		t.Fatalf("采样失败: %v", err)
	}
	if !reflect.DeepEqual(s1, s2) || !reflect.DeepEqual(r1, r2) {
		t.Fatal("相同 pool 与 seed 应得到相同的样本与顺序")
	}
	if len(s1) != 40 || len(r1) != 80 {
		t.Errorf("len(sample)=%d len(remainder)=%d, want 40/80", len(s1), len(r1))
	}
}

func TestRepresentativeSampleWithoutReplacement(t *testing.T) {
	// 每个元素唯一，便于检查无放回
	pool := make([]pairItem, 50)
	for i := range pool {
		pool[i] = pairItem{StreamerA: i % 4, StreamerB: 4 + i%3, CategoryA: i, CategoryB: i + 100, Label: 1}
	}
	sample, remainder, err := RepresentativeSample(context.Background(), pool, 30, 1, pairFacets)
	if err != nil {
		t.Fatalf("采样失败: %v", err)
	}
	seen := make(map[pairItem]int)
	for _, p := range append(append([]pairItem{}, sample...), remainder...) {
		seen[p]++
	}
	if len(seen) != len(pool) {
		t.Fatalf("样本+剩余 应恰好覆盖 pool，得到 %d 个不同元素", len(seen))
	}
	for p, c := range seen {
		if c != 1 {
			t.Errorf("%+v 出现了 %d 次", p, c)
		}
	}
}

func TestRepresentativeSampleCoverage(t *testing.T) {
	pool := skewedPool(200)
	ctx := context.Background()

	tests := []struct {
		name    string
		size    int
		maxGap  float64
		exactly bool
	}{
		{"一半", 100, 0.15, false},
		{"全量", 200, 0, true},
		{"超过全量时截断", 500, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sample, _, err := RepresentativeSample(ctx, pool, tt.size, 3, pairFacets)
			if err != nil {
				t.Fatalf("采样失败: %v", err)
			}
			gap := ShareGap(pool, sample, pairFacets)
			if tt.exactly && gap != 0 {
				t.Errorf("全量采样时占比差应为 0，得到 %v", gap)
			}
			if gap > tt.maxGap {
				t.Errorf("占比差 %v 超过 %v", gap, tt.maxGap)
			}
		})
	}
}

// 逐个 id 扫描的欠采样计算，与分组堆的结果逐步对照
func scanDeficit(s *sampler, f Facet, n int) (int, float64) {
	var ids []int
	for fk := range s.target {
		if fk.facet == f {
			ids = append(ids, fk.id)
		}
	}
	sort.Ints(ids)
	bestID, best := 0, math.Inf(-1)
	for _, id := range ids {
		fk := facetKey{f, id}
		if d := share(s.target[fk].all, s.total) - share(s.current[fk].all, n); d > best {
			bestID, best = id, d
		}
	}
	return bestID, best
}

func TestDeficitMatchesScan(t *testing.T) {
	for _, seed := range []int64{1, 2, 3} {
		shuffled := Shuffle(skewedPool(150), seed)
		s := newSampler(shuffled, pairFacets)
		for n := 0; n < len(shuffled); n++ {
			for _, f := range []Facet{Streamer, Category} {
				id, d, ok := s.deficit(f, n)
				wantID, wantD := scanDeficit(s, f, n)
				if !ok || id != wantID || d != wantD {
					t.Fatalf("seed=%d n=%d %s: deficit = (%d, %v), 扫描 = (%d, %v)", seed, n, f, id, d, wantID, wantD)
				}
			}
			s.take(s.choose(n))
		}
	}
}

// 样本越大，与全量的占比差（多个种子平均）不应变大，全量时为 0
func TestShareGapShrinksWithSize(t *testing.T) {
	pool := skewedPool(200)
	ctx := context.Background()
	sizes := []int{20, 50, 100, 150, 200}
	seeds := []int64{1, 2, 3, 4, 5, 6, 7, 8}

	avg := make([]float64, len(sizes))
	for i, size := range sizes {
		for _, seed := range seeds {
			sample, _, err := RepresentativeSample(ctx, pool, size, seed, pairFacets)
			if err != nil {
				t.Fatalf("采样失败: %v", err)
			}
			avg[i] += ShareGap(pool, sample, pairFacets)
		}
		avg[i] /= float64(len(seeds))
	}
	for i := 1; i < len(avg); i++ {
		if avg[i] > avg[i-1]+0.02 {
			t.Errorf("size %d 的平均占比差 %v 大于 size %d 的 %v", sizes[i], avg[i], sizes[i-1], avg[i-1])
		}
	}
	if avg[0] <= avg[len(avg)-1] || avg[len(avg)-1] != 0 {
		t.Errorf("平均占比差应随样本增大收敛到 0: %v", avg)
	}
}

func TestRepresentativeSampleCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := RepresentativeSample(ctx, skewedPool(10), 5, 1, pairFacets)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("取消后应返回 context.Canceled，得到 %v", err)
	}
}

func TestDeduplicate(t *testing.T) {
	type example struct {
		Features []float64
		Label    float64
		Weight   float64 `json:"-"`
	}
	in := []example{
		{Features: []float64{1, 2}, Label: 1, Weight: 0.9},
		{Features: []float64{1, 2}, Label: 0, Weight: 0.9},
		{Features: []float64{1, 2}, Label: 1, Weight: 0.5}, // Weight 不参与比较
		{Features: []float64{2, 1}, Label: 1, Weight: 0.9},
	}
	once := Deduplicate(in)
	if len(once) != 3 {
		t.Fatalf("去重后应剩 3 条，得到 %d", len(once))
	}
	if once[0].Weight != 0.9 || once[2].Features[0] != 2 {
		t.Errorf("去重应保留首次出现的顺序: %+v", once)
	}
	if twice := Deduplicate(once); !reflect.DeepEqual(twice, once) {
		t.Errorf("去重应幂等: %+v != %+v", twice, once)
	}
}

func TestShuffle(t *testing.T) {
	in := []int{1, 2, 3, 4, 5, 6, 7, 8}
	a, b := Shuffle(in, 5), Shuffle(in, 5)
	if !reflect.DeepEqual(a, b) {
		t.Error("相同 seed 应得到相同顺序")
	}
	if !reflect.DeepEqual(in, []int{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Error("Shuffle 不应修改入参")
	}
}
