package fetcher

import "fmt"

// Task is one endpoint to resolve and persist.
type Task struct {
	// Name is the snapshot name; the output file is named after it.
	Name     string
	Endpoint string
	Dual     bool
}

func (t Task) String() string {
	if t.Dual {
		return fmt.Sprintf("%s (dual) %s", t.Name, t.Endpoint)
	}
	return fmt.Sprintf("%s %s", t.Name, t.Endpoint)
}

type TaskResult struct {
	Task    Task
	Success bool
	Height  uint64
	Rows    int
	Path    string
	Error   error
}
