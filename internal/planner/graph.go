package planner

import (
	"fmt"
	"time"
)

// TaskState tracks a task through its lifecycle. States only move forward:
// Pending -> Ready -> Running -> Succeeded | Failed, Failed -> Ready on retry,
// and any non-terminal state -> Cancelled.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskReady     TaskState = "ready"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether a state can no longer change (Cancelled and
// Succeeded are final; Failed is final only once retries are exhausted,
// which the graph does not know about, so it is not terminal here).
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskCancelled
}

// EdgeKind distinguishes how a dependency failure propagates.
type EdgeKind string

const (
	// EdgeHard cancels the dependent when the dependency fails permanently.
	EdgeHard EdgeKind = "hard"
	// EdgeSoft lets the dependent run against a replanned substitute.
	EdgeSoft EdgeKind = "soft"
)

// Task is a node in the research task graph.
type Task struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Description string                 `json:"description"`
	Priority    int                    `json:"priority"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	DependsOn   []string               `json:"depends_on,omitempty"`
	Timeout     time.Duration          `json:"timeout"`
	State       TaskState              `json:"state"`
	Attempts    int                    `json:"attempts"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Failure     string                 `json:"failure,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Edge connects a dependency to its dependent.
type Edge struct {
	From string   `json:"from"`
	To   string   `json:"to"`
	Kind EdgeKind `json:"kind"`
}

var allowedTransitions = map[TaskState][]TaskState{
	TaskPending: {TaskReady, TaskCancelled},
	TaskReady:   {TaskRunning, TaskCancelled},
	TaskRunning: {TaskSucceeded, TaskFailed, TaskCancelled},
	TaskFailed:  {TaskReady, TaskCancelled},
}

// TaskGraph is an arena of tasks connected by dependency edges. It is
// acyclic by construction: AddTask rejects duplicate ids, unknown
// dependencies and cycle-creating edges. The graph is not goroutine-safe;
// a single orchestrator loop owns it for the lifetime of a run.
type TaskGraph struct {
	tasks map[string]*Task
	edges []Edge
	order []string
}

// NewTaskGraph returns an empty graph.
func NewTaskGraph() *TaskGraph {
	return &TaskGraph{tasks: make(map[string]*Task)}
}

// AddTask inserts a task whose dependencies must already exist. Because an
// inserted task can only depend on prior tasks, the graph stays acyclic no
// matter when insertion happens, including mid-run follow-ups.
func (g *TaskGraph) AddTask(t Task, edgeKinds map[string]EdgeKind) error {
	if t.ID == "" {
		return fmt.Errorf("task id is empty")
	}
	if _, ok := g.tasks[t.ID]; ok {
		return fmt.Errorf("duplicate task id: %s", t.ID)
	}
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return fmt.Errorf("task %s depends on itself", t.ID)
		}
		if _, ok := g.tasks[dep]; !ok {
			return fmt.Errorf("task %s depends on unknown task %s", t.ID, dep)
		}
	}
	if t.State == "" {
		t.State = TaskPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	cp := t
	g.tasks[t.ID] = &cp
	g.order = append(g.order, t.ID)
	for _, dep := range t.DependsOn {
		kind := EdgeHard
		if edgeKinds != nil {
			if k, ok := edgeKinds[dep]; ok && k == EdgeSoft {
				kind = EdgeSoft
			}
		}
		g.edges = append(g.edges, Edge{From: dep, To: t.ID, Kind: kind})
	}
	return nil
}

// Task returns a copy of the task with the given id.
func (g *TaskGraph) Task(id string) (Task, bool) {
	t, ok := g.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Len returns the number of tasks in the graph.
func (g *TaskGraph) Len() int { return len(g.order) }

// Tasks returns copies of all tasks in insertion order.
func (g *TaskGraph) Tasks() []Task {
	out := make([]Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, *g.tasks[id])
	}
	return out
}

// Edges returns a copy of all dependency edges.
func (g *TaskGraph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// Transition moves a task to a new state, enforcing the forward-only state
// machine. Transitions out of a terminal state are rejected.
func (g *TaskGraph) Transition(id string, to TaskState) error {
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("unknown task: %s", id)
	}
	if t.State == to {
		return nil
	}
	for _, next := range allowedTransitions[t.State] {
		if next == to {
			t.State = to
			return nil
		}
	}
	return fmt.Errorf("illegal transition for task %s: %s -> %s", id, t.State, to)
}

// MarkReady promotes every Pending task whose dependencies have all
// Succeeded, and returns copies of the promoted tasks.
func (g *TaskGraph) MarkReady() []Task {
	var promoted []Task
	for _, id := range g.order {
		t := g.tasks[id]
		if t.State != TaskPending {
			continue
		}
		ready := true
		for _, dep := range t.DependsOn {
			if g.tasks[dep].State != TaskSucceeded {
				ready = false
				break
			}
		}
		if ready {
			t.State = TaskReady
			promoted = append(promoted, *t)
		}
	}
	return promoted
}

// SetOutcome stores a task's success payload or failure message. Callers
// transition the state separately.
func (g *TaskGraph) SetOutcome(id string, payload map[string]interface{}, failure string) {
	if t, ok := g.tasks[id]; ok {
		t.Payload = payload
		t.Failure = failure
	}
}

// IncAttempts bumps and returns the attempt counter for a task.
func (g *TaskGraph) IncAttempts(id string) int {
	if t, ok := g.tasks[id]; ok {
		t.Attempts++
		return t.Attempts
	}
	return 0
}

// Dependents returns the ids of tasks that depend on id, restricted to the
// given edge kind. An empty kind matches every edge.
func (g *TaskGraph) Dependents(id string, kind EdgeKind) []string {
	var out []string
	for _, e := range g.edges {
		if e.From != id {
			continue
		}
		if kind != "" && e.Kind != kind {
			continue
		}
		out = append(out, e.To)
	}
	return out
}

// Replan substitutes a failed task with a fresh one occupying the same
// position in the graph: the substitute inherits the failed task's
// dependencies, and every remaining dependent is rewired onto it. The
// failed task is cancelled. Because the substitute takes the exact place
// of the old node, the graph stays acyclic.
func (g *TaskGraph) Replan(failedID string, sub Task) error {
	failed, ok := g.tasks[failedID]
	if !ok {
		return fmt.Errorf("unknown task: %s", failedID)
	}
	if failed.State != TaskFailed {
		return fmt.Errorf("task %s is %s, only failed tasks can be replanned", failedID, failed.State)
	}
	if sub.ID == "" {
		return fmt.Errorf("substitute task id is empty")
	}
	if _, ok := g.tasks[sub.ID]; ok {
		return fmt.Errorf("duplicate task id: %s", sub.ID)
	}

	sub.DependsOn = append([]string(nil), failed.DependsOn...)
	if sub.State == "" {
		sub.State = TaskPending
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	cp := sub
	g.tasks[sub.ID] = &cp
	g.order = append(g.order, sub.ID)

	for i := range g.edges {
		switch {
		case g.edges[i].To == failedID:
			g.edges = append(g.edges, Edge{From: g.edges[i].From, To: sub.ID, Kind: g.edges[i].Kind})
		case g.edges[i].From == failedID:
			g.edges[i].From = sub.ID
		}
	}
	for _, id := range g.order {
		t := g.tasks[id]
		if t == &cp {
			continue
		}
		for i, dep := range t.DependsOn {
			if dep == failedID {
				t.DependsOn[i] = sub.ID
			}
		}
	}

	failed.State = TaskCancelled
	if failed.Failure == "" {
		failed.Failure = "replanned"
	}
	return nil
}

// CancelPending marks every task that is not Running and not terminal as
// Cancelled, recording reason as the failure message. Running task ids are
// returned so the caller can await their in-flight workers.
func (g *TaskGraph) CancelPending(reason string) (running []string) {
	for _, id := range g.order {
		t := g.tasks[id]
		switch t.State {
		case TaskRunning:
			running = append(running, id)
		case TaskPending, TaskReady, TaskFailed:
			t.State = TaskCancelled
			if t.Failure == "" {
				t.Failure = reason
			}
		}
	}
	return running
}

// Settled reports whether no task can make further progress: nothing is
// Pending, Ready or Running. Failed counts as settled because the
// orchestrator either retries it (back to Ready) or cancels it before
// asking.
func (g *TaskGraph) Settled() bool {
	for _, t := range g.tasks {
		switch t.State {
		case TaskPending, TaskReady, TaskRunning:
			return false
		}
	}
	return true
}

// Counts returns the number of tasks per state.
func (g *TaskGraph) Counts() map[TaskState]int {
	out := make(map[TaskState]int)
	for _, t := range g.tasks {
		out[t.State]++
	}
	return out
}
