package recap

// NodeID is a handle into the run's node arena. Nodes reference each other
// only by handle, never by pointer.
type NodeID int

// NoNode marks the root's missing parent.
const NoNode NodeID = -1

// Info is one parsed model response recorded on a node.
type Info struct {
	Think    string
	Subtasks []Subtask
	Result   string
}

type node struct {
	task         string
	role         string
	parent       NodeID
	depth        int
	infos        []Info
	observations []string
}

// nodeArena owns every node created during one run. Nodes are never removed;
// the arena dies with the run and the event log is the durable record.
type nodeArena struct {
	nodes []node
}

func (a *nodeArena) add(task, role string, parent NodeID) NodeID {
	depth := 0
	if parent != NoNode {
		depth = a.nodes[parent].depth + 1
	}
	a.nodes = append(a.nodes, node{task: task, role: role, parent: parent, depth: depth})
	return NodeID(len(a.nodes) - 1)
}

func (a *nodeArena) get(id NodeID) *node {
	return &a.nodes[id]
}

// lastInfo returns the most recent recorded response, or nil.
func (n *node) lastInfo() *Info {
	if len(n.infos) == 0 {
		return nil
	}
	return &n.infos[len(n.infos)-1]
}
