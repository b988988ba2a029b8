package relay

// familySets partitions a snapshot's relays into effective families.
//
// Declared family relationships form an arbitrary graph (A may list B
// without B listing A, and chains A-B-C are possible). The snapshot resolves
// this into disjoint sets once, at construction time; path selection only
// ever queries the precomputed partition.
type familySets struct {
	parent []int
	rank   []int
}

func newFamilySets(n int) *familySets {
	fs := &familySets{
		parent: make([]int, n),
		rank:   make([]int, n),
	}
	for i := range fs.parent {
		fs.parent[i] = i
	}
	return fs
}

func (fs *familySets) find(i int) int {
	for fs.parent[i] != i {
		fs.parent[i] = fs.parent[fs.parent[i]] // path halving
		i = fs.parent[i]
	}
	return i
}

func (fs *familySets) union(a, b int) {
	ra, rb := fs.find(a), fs.find(b)
	if ra == rb {
		return
	}
	if fs.rank[ra] < fs.rank[rb] {
		ra, rb = rb, ra
	}
	fs.parent[rb] = ra
	if fs.rank[ra] == fs.rank[rb] {
		fs.rank[ra]++
	}
}

func (fs *familySets) sameSet(a, b int) bool {
	return fs.find(a) == fs.find(b)
}
