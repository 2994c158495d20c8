package filetree

import "fmt"

type EventKind int

const (
	EventCreate EventKind = iota + 1
	EventModify
	EventDelete
	EventRename
)

func (k EventKind) String() string {
	switch k {
	case EventCreate:
		return "create"
	case EventModify:
		return "modify"
	case EventDelete:
		return "delete"
	case EventRename:
		return "rename"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a change to one file. OldPath is set only for renames.
type Event struct {
	Kind    EventKind
	Path    string
	OldPath string
}

func (e Event) String() string {
	if e.Kind == EventRename {
		return fmt.Sprintf("%s %s -> %s", e.Kind, e.OldPath, e.Path)
	}
	return fmt.Sprintf("%s %s", e.Kind, e.Path)
}
