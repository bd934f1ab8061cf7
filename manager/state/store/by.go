package store

// By is an interface type passed to FindAllocations. Implementations must be
// defined in this package.
type By interface {
	// isBy allows this interface to only be satisfied by certain internal
	// types.
	isBy()
}

type byAll struct{}

func (a byAll) isBy() {
}

// All is an argument that can be passed to FindAllocations to list the
// allocations of every cluster.
var All byAll

type byCluster string

func (b byCluster) isBy() {
}

// ByCluster creates an object to pass to FindAllocations to select the
// allocations of one cluster.
func ByCluster(cluster string) By {
	return byCluster(cluster)
}
