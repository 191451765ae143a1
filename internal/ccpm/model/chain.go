package model

// ChainKind distinguishes the single critical chain from feeding
// chains in a schedule.
type ChainKind string

const (
	ChainCritical ChainKind = "critical"
	ChainFeeding  ChainKind = "feeding"
)

// Chain is an ordered, non-empty sequence of task ids where every
// consecutive pair is a direct dependency. Exactly one chain of kind
// Critical exists per schedule; feeding chains are vertex-disjoint
// from the critical chain and from each other, and terminate at a
// task that is a predecessor of some critical-chain task.
type Chain struct {
	ID          string
	Kind        ChainKind
	Tasks       []string
	BufferID    string
	BufferRatio float64
}

// NewChain constructs a chain with the default buffer ratio.
func NewChain(id string, kind ChainKind, tasks []string) *Chain {
	return &Chain{ID: id, Kind: kind, Tasks: tasks, BufferRatio: 0.5}
}

// LastTask returns the final task id in the chain's ordered sequence.
func (c *Chain) LastTask() string {
	if len(c.Tasks) == 0 {
		return ""
	}
	return c.Tasks[len(c.Tasks)-1]
}

// FirstTask returns the first task id in the chain's ordered sequence.
func (c *Chain) FirstTask() string {
	if len(c.Tasks) == 0 {
		return ""
	}
	return c.Tasks[0]
}
