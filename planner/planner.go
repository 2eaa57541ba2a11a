// Package planner defines the planning collaborator boundary. Each cycle
// the scheduler snapshots the vault and asks a Planner for a planning
// overview document. The shipped HeuristicPlanner is deterministic and
// local; deployments can swap in something smarter behind the same
// interface.
package planner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// TaskInfo is one pending task as a planner sees it.
type TaskInfo struct {
	Name       string
	Title      string
	Priority   string
	Status     string
	StepsDone  int
	StepsTotal int
}

// Snapshot is the read-only vault digest handed to a Planner.
type Snapshot struct {
	At               time.Time
	Pending          []TaskInfo
	InboxCount       int
	AwaitingApproval int
	Quarantined      int
	DoneCount        int
}

// Planner produces the markdown body of the planning overview document.
// Implementations must not mutate the vault; the scheduler owns the write.
type Planner interface {
	Plan(ctx context.Context, snap Snapshot) (string, error)
}

// priorityRank orders high before medium before low; unknown sorts last.
func priorityRank(p string) int {
	switch strings.ToLower(p) {
	case "high", "urgent":
		return 0
	case "medium", "":
		return 1
	case "low":
		return 2
	default:
		return 3
	}
}

// HeuristicPlanner ranks pending tasks by priority then name and renders a
// plain overview. It never blocks and never fails.
type HeuristicPlanner struct{}

// Plan renders the overview.
func (HeuristicPlanner) Plan(_ context.Context, snap Snapshot) (string, error) {
	tasks := make([]TaskInfo, len(snap.Pending))
	copy(tasks, snap.Pending)
	sort.SliceStable(tasks, func(i, j int) bool {
		ri, rj := priorityRank(tasks[i].Priority), priorityRank(tasks[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return tasks[i].Name < tasks[j].Name
	})

	var b strings.Builder
	fmt.Fprintf(&b, "---\ntype: planning_overview\ngenerated_at: %s\n---\n\n", snap.At.UTC().Format("2006-01-02 15:04:05 UTC"))
	b.WriteString("# Planning Overview\n\n")
	fmt.Fprintf(&b, "Inbox: %d | Active: %d | Awaiting approval: %d | Quarantined: %d | Done: %d\n\n",
		snap.InboxCount, len(tasks), snap.AwaitingApproval, snap.Quarantined, snap.DoneCount)
	if len(tasks) == 0 {
		b.WriteString("No active tasks. Queue is clear.\n")
		return b.String(), nil
	}
	b.WriteString("## Queue\n\n")
	for i, t := range tasks {
		fmt.Fprintf(&b, "%d. **%s** (%s, %s): %d/%d steps done\n",
			i+1, t.Title, t.Priority, t.Status, t.StepsDone, t.StepsTotal)
	}
	return b.String(), nil
}
