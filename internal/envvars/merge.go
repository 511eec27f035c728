package envvars

// WorkspaceKey is the variable carrying the node-specific workspace path.
const WorkspaceKey = "WORKSPACE"

// Merge copies the first layer and applies each later layer on top of it.
// Later layers overwrite identically named keys. Nil layers are skipped.
func Merge(layers ...*VariableMap) *VariableMap {
	out := New()
	for _, layer := range layers {
		out.Merge(layer)
	}
	return out
}

// MergeNode merges layers like Merge and then inserts WORKSPACE only when no
// layer supplied it. An empty workspace is never inserted.
func MergeNode(workspace string, layers ...*VariableMap) *VariableMap {
	out := Merge(layers...)
	if workspace != "" {
		out.SetIfAbsent(WorkspaceKey, workspace)
	}
	return out
}

// Layers are the resolved variable sources of one prebuild phase, in merge
// order. SystemController includes controller-only system variables,
// SystemNode excludes them.
type Layers struct {
	Previous         *VariableMap
	SystemController *VariableMap
	SystemNode       *VariableMap
	Build            *VariableMap
	Workspace        string
}

// Resolve produces the controller-context and node-context mappings. The two
// results never share storage.
func (l Layers) Resolve() (controllerVars, nodeVars *VariableMap) {
	controllerVars = Merge(l.Previous, l.SystemController, l.Build)
	nodeVars = MergeNode(l.Workspace, l.Previous, l.SystemNode, l.Build)
	return controllerVars, nodeVars
}
