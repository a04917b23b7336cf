package lazy

// PaceID identifies a node's consumption cadence group. Two consumers
// reaching the same node with the same PaceID advance through it in
// lockstep and share one execution instance; different PaceIDs mean
// independent re-execution of a structurally identical subtree.
type PaceID int64

// childPaces applies the cadence rules for one node's children, drawing
// fresh ids from fresh(). Both the analysis walk (PaceAssignment) and plan
// instantiation (shareContext) go through this, so the two always agree:
//
//   - a pace-changing node's inputs get a fresh id — one shared id when the
//     node pulls them row-for-row together, one per child when they are
//     independent streams (union);
//   - a non-pace-changing node's inputs advance in lockstep with the node
//     itself and inherit its pace-id;
//   - anything else gets a fresh id per child.
func childPaces(kind OpKind, pace PaceID, n int, fresh func() PaceID) []PaceID {
	if n == 0 {
		return nil
	}
	out := make([]PaceID, n)
	switch {
	case kind.PaceChanging() && kind.ChildrenSamePace():
		shared := fresh()
		for i := range out {
			out[i] = shared
		}
	case kind.PaceChanging():
		for i := range out {
			out[i] = fresh()
		}
	case kind.ChildrenSamePace():
		for i := range out {
			out[i] = pace
		}
	default:
		for i := range out {
			out[i] = fresh()
		}
	}
	return out
}

// PaceAssignment maps (node, pace-id) pairs discovered by walking a tree
// from one or more roots. The same node may appear under multiple pace-ids
// if reached via different consumers. Plan instantiation records into one
// of these as it goes (see shareContext), so the assignment reflects what
// actually executed, not just a dry analysis.
type PaceAssignment struct {
	// paceOf[nodeID][pace] counts how many consumers reached the node
	// under that pace-id.
	paceOf map[int64]map[PaceID]int
	next   PaceID
}

// NewPaceAssignment starts a fresh assignment; call Walk once per root
// consumer (each top-level consumer gets an independent fresh pace-id).
func NewPaceAssignment() *PaceAssignment {
	return &PaceAssignment{paceOf: make(map[int64]map[PaceID]int)}
}

// Walk assigns pace-ids to root and its descendants for one consumer,
// returning root's own pace-id for this walk.
func (a *PaceAssignment) Walk(root *Node) PaceID {
	id := a.fresh()
	a.walk(root, id)
	return id
}

func (a *PaceAssignment) fresh() PaceID {
	id := a.next
	a.next++
	return id
}

func (a *PaceAssignment) walk(n *Node, pace PaceID) {
	a.record(n, pace)
	paces := childPaces(n.Kind, pace, len(n.Children), a.fresh)
	for i, child := range n.Children {
		a.walk(child, paces[i])
	}
}

func (a *PaceAssignment) record(n *Node, pace PaceID) {
	set, ok := a.paceOf[n.ID]
	if !ok {
		set = make(map[PaceID]int)
		a.paceOf[n.ID] = set
	}
	set[pace]++
}

// SharesInstance reports whether two (node, pace-id) observations recorded
// during one or more Walk calls would share a single execution instance:
// true exactly when both refer to the same node under the same pace-id.
func (a *PaceAssignment) SharesInstance(nodeID int64, pace PaceID) bool {
	set, ok := a.paceOf[nodeID]
	return ok && set[pace] > 0
}

// ReachCount reports how many consumers reached the node under the given
// pace-id; counts above one mean those consumers share one instance.
func (a *PaceAssignment) ReachCount(nodeID int64, pace PaceID) int {
	set, ok := a.paceOf[nodeID]
	if !ok {
		return 0
	}
	return set[pace]
}
