package patch

// forest is an array-backed union-find over int32 label ids. Index 0 is the
// background label and is never unioned.
type forest struct {
	parent []int32
}

func newForest(capacity int) *forest {
	f := &forest{parent: make([]int32, 1, capacity+1)}
	return f
}

// add creates a new singleton set and returns its id.
func (f *forest) add() int32 {
	id := int32(len(f.parent))
	f.parent = append(f.parent, id)
	return id
}

func (f *forest) find(x int32) int32 {
	for f.parent[x] != x {
		f.parent[x] = f.parent[f.parent[x]]
		x = f.parent[x]
	}
	return x
}

// union merges the sets of a and b. The smaller root id becomes the
// representative, which keeps the result independent of union order.
func (f *forest) union(a, b int32) int32 {
	ra, rb := f.find(a), f.find(b)
	if ra == rb {
		return ra
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	f.parent[rb] = ra
	return ra
}

func (f *forest) size() int { return len(f.parent) - 1 }
