package models

import "fmt"

// GraphError a plan version whose job graph cannot be scheduled. Fatal at
// publish time.
type GraphError struct {
	Message string
}

func (g *GraphError) Error() string {
	return g.Message
}

func graphErrorf(format string, args ...interface{}) *GraphError {
	return &GraphError{Message: fmt.Sprintf(format, args...)}
}

// DAG the dependency graph of one plan version. Immutable after
// construction; adjacency in both directions is precomputed so queries are
// O(degree) and safe for concurrent readers.
type DAG struct {
	nodes    map[string]JobSpec
	children map[string][]string
	parents  map[string][]string
	origins  []string
	leaves   []string
}

// NewDAG indexes the specs and validates the graph: every child reference
// must resolve, the graph must be acyclic, and every node must be reachable
// from an origin.
func NewDAG(specs []JobSpec) (*DAG, *GraphError) {
	if len(specs) < 1 {
		return nil, graphErrorf("plan has no jobs")
	}

	dag := &DAG{
		nodes:    make(map[string]JobSpec, len(specs)),
		children: make(map[string][]string, len(specs)),
		parents:  make(map[string][]string, len(specs)),
	}

	for _, spec := range specs {
		if spec.ID == "" {
			return nil, graphErrorf("job with empty id")
		}
		if _, ok := dag.nodes[spec.ID]; ok {
			return nil, graphErrorf("duplicate job id %q", spec.ID)
		}
		dag.nodes[spec.ID] = spec
	}

	for _, spec := range specs {
		for _, childId := range spec.ChildIds {
			if _, ok := dag.nodes[childId]; !ok {
				return nil, graphErrorf("job %q references unknown child %q", spec.ID, childId)
			}
			dag.children[spec.ID] = append(dag.children[spec.ID], childId)
			dag.parents[childId] = append(dag.parents[childId], spec.ID)
		}
	}

	for _, spec := range specs {
		if len(dag.parents[spec.ID]) == 0 {
			dag.origins = append(dag.origins, spec.ID)
		}
		if len(dag.children[spec.ID]) == 0 {
			dag.leaves = append(dag.leaves, spec.ID)
		}
	}

	if len(dag.origins) == 0 {
		return nil, graphErrorf("no origin jobs: the graph is fully cyclic")
	}

	if err := dag.detectCycle(); err != nil {
		return nil, err
	}

	if err := dag.checkReachability(); err != nil {
		return nil, err
	}

	return dag, nil
}

// detectCycle DFS with a recursion-stack check.
func (dag *DAG) detectCycle() *GraphError {
	visited := make(map[string]bool, len(dag.nodes))
	onStack := make(map[string]bool, len(dag.nodes))

	var visit func(id string) *GraphError
	visit = func(id string) *GraphError {
		visited[id] = true
		onStack[id] = true
		for _, childId := range dag.children[id] {
			if onStack[childId] {
				return graphErrorf("cycle detected through job %q", childId)
			}
			if !visited[childId] {
				if err := visit(childId); err != nil {
					return err
				}
			}
		}
		onStack[id] = false
		return nil
	}

	for id := range dag.nodes {
		if !visited[id] {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (dag *DAG) checkReachability() *GraphError {
	reached := make(map[string]bool, len(dag.nodes))
	stack := append([]string{}, dag.origins...)

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[id] {
			continue
		}
		reached[id] = true
		stack = append(stack, dag.children[id]...)
	}

	for id := range dag.nodes {
		if !reached[id] {
			return graphErrorf("job %q is unreachable from any origin", id)
		}
	}
	return nil
}

// Node returns the spec for id; ok is false for unknown ids.
func (dag *DAG) Node(id string) (JobSpec, bool) {
	spec, ok := dag.nodes[id]
	return spec, ok
}

// Origins jobs with no parents; the initial set when a plan instance fires.
func (dag *DAG) Origins() []JobSpec {
	return dag.specsFor(dag.origins)
}

// Leaves jobs with no children; when all of them are settled the plan
// instance is complete.
func (dag *DAG) Leaves() []JobSpec {
	return dag.specsFor(dag.leaves)
}

func (dag *DAG) Children(id string) []JobSpec {
	return dag.specsFor(dag.children[id])
}

func (dag *DAG) Parents(id string) []JobSpec {
	return dag.specsFor(dag.parents[id])
}

func (dag *DAG) Size() int {
	return len(dag.nodes)
}

func (dag *DAG) specsFor(ids []string) []JobSpec {
	specs := make([]JobSpec, 0, len(ids))
	for _, id := range ids {
		specs = append(specs, dag.nodes[id])
	}
	return specs
}
