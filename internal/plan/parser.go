// Package plan parses the markdown plan document into ordered tasks grouped
// by change request and records completion back into the document.
//
// A plan looks like:
//
//	### PR 1: Schema changes
//	- [ ] `[coding]` Add the migration
//	- [x] `[quick]` Bump the version
//	### PR 2 - Service fixes
//	- [ ] Fix the service config
//
// Tasks before any header belong to the "default" group. The checkbox state
// is the durable record of completion.
package plan

import (
	"regexp"
	"strconv"
	"strings"
)

// DefaultGroupID is the group of tasks that appear before any header.
const DefaultGroupID = "default"

var (
	headerPattern     = regexp.MustCompile(`(?i)^#{2,3}\s+(?:PR|Group)\s*(\d+)(?::\s*|\s*[-–—]\s*)(.+)$`)
	taskPattern       = regexp.MustCompile(`^-\s*\[([ xX])\]\s*(.+)$`)
	complexityPattern = regexp.MustCompile("(?i)`\\[(coding|quick|general)\\]`")
)

// Complexity selects the model tier for a task.
type Complexity string

// Complexity levels.
const (
	ComplexityCoding  Complexity = "coding"
	ComplexityQuick   Complexity = "quick"
	ComplexityGeneral Complexity = "general"
)

// ModelTier returns the model tier used for the complexity.
func (c Complexity) ModelTier() string {
	switch c {
	case ComplexityQuick:
		return "haiku"
	case ComplexityGeneral:
		return "sonnet"
	default:
		return "opus"
	}
}

// ParseComplexity extracts a backticked complexity tag from text and returns
// the text without it. Untagged text defaults to ComplexityCoding.
func ParseComplexity(text string) (Complexity, string) {
	m := complexityPattern.FindStringSubmatch(text)
	if m == nil {
		return ComplexityCoding, text
	}
	cleaned := strings.TrimSpace(complexityPattern.ReplaceAllString(text, ""))
	return Complexity(strings.ToLower(m[1])), cleaned
}

// Task is one checkbox line of the plan.
type Task struct {
	Index int `json:"index" yaml:"index"`
	// Raw is the text after the checkbox, including any complexity tag.
	Raw         string     `json:"raw" yaml:"raw"`
	Description string     `json:"description" yaml:"description"`
	Complexity  Complexity `json:"complexity" yaml:"complexity"`
	GroupID     string     `json:"group_id" yaml:"group_id"`
	GroupName   string     `json:"group_name" yaml:"group_name"`
	Complete    bool       `json:"complete" yaml:"complete"`
	// Line is the zero-based line of the task in the document.
	Line int `json:"line" yaml:"line"`
}

// Group is a set of tasks delivered in one change request.
type Group struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	TaskIndices []int  `json:"task_indices" yaml:"task_indices"`
}

// Number returns the ordinal from a pr_<n> id, or 0 for the default group.
func (g Group) Number() int {
	n, err := strconv.Atoi(strings.TrimPrefix(g.ID, "pr_"))
	if err != nil || !strings.HasPrefix(g.ID, "pr_") {
		return 0
	}
	return n
}

// Plan is a parsed plan document.
type Plan struct {
	tasks  []Task
	groups []Group
	byID   map[string]int
}

// Parse reads tasks and groups from a plan document. Indices are dense and
// follow document order. Group identity comes from the header number, so
// renaming a header keeps its id.
func Parse(doc string) *Plan {
	p := &Plan{byID: make(map[string]int)}

	groupID, groupName := DefaultGroupID, "Default"
	for lineNo, line := range strings.Split(doc, "\n") {
		line = strings.TrimSpace(line)

		if m := headerPattern.FindStringSubmatch(line); m != nil {
			groupID = "pr_" + m[1]
			groupName = strings.TrimSpace(m[2])
			p.ensureGroup(groupID, groupName)
			continue
		}

		m := taskPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		raw := strings.TrimSpace(m[2])
		complexity, description := ParseComplexity(raw)
		t := Task{
			Index:       len(p.tasks),
			Raw:         raw,
			Description: description,
			Complexity:  complexity,
			GroupID:     groupID,
			GroupName:   groupName,
			Complete:    strings.EqualFold(m[1], "x"),
			Line:        lineNo,
		}
		p.tasks = append(p.tasks, t)
		g := p.ensureGroup(groupID, groupName)
		g.TaskIndices = append(g.TaskIndices, t.Index)
	}
	return p
}

func (p *Plan) ensureGroup(id, name string) *Group {
	if i, ok := p.byID[id]; ok {
		return &p.groups[i]
	}
	p.groups = append(p.groups, Group{ID: id, Name: name})
	p.byID[id] = len(p.groups) - 1
	return &p.groups[len(p.groups)-1]
}

// Tasks returns all tasks in document order.
func (p *Plan) Tasks() []Task {
	return append([]Task(nil), p.tasks...)
}

// Groups returns all groups in order of first appearance.
func (p *Plan) Groups() []Group {
	out := make([]Group, len(p.groups))
	for i, g := range p.groups {
		g.TaskIndices = append([]int(nil), g.TaskIndices...)
		out[i] = g
	}
	return out
}

// Len returns the number of tasks.
func (p *Plan) Len() int { return len(p.tasks) }

// Task returns the task at index.
func (p *Plan) Task(index int) (Task, bool) {
	if index < 0 || index >= len(p.tasks) {
		return Task{}, false
	}
	return p.tasks[index], true
}

// CompletedCount returns the number of checked tasks.
func (p *Plan) CompletedCount() int {
	n := 0
	for _, t := range p.tasks {
		if t.Complete {
			n++
		}
	}
	return n
}

// AllComplete reports whether every task is checked. An empty plan is not
// complete.
func (p *Plan) AllComplete() bool {
	return len(p.tasks) > 0 && p.CompletedCount() == len(p.tasks)
}

// NextIncompleteTask returns the first unchecked task at or after from.
func (p *Plan) NextIncompleteTask(from int) (Task, bool) {
	if from < 0 {
		from = 0
	}
	for i := from; i < len(p.tasks); i++ {
		if !p.tasks[i].Complete {
			return p.tasks[i], true
		}
	}
	return Task{}, false
}

// GroupFor returns the group containing the task at index.
func (p *Plan) GroupFor(index int) (Group, bool) {
	t, ok := p.Task(index)
	if !ok {
		return Group{}, false
	}
	g := p.groups[p.byID[t.GroupID]]
	g.TaskIndices = append([]int(nil), g.TaskIndices...)
	return g, true
}

// IsLastInGroup reports whether index is the final task of its group.
func (p *Plan) IsLastInGroup(index int) bool {
	g, ok := p.GroupFor(index)
	if !ok || len(g.TaskIndices) == 0 {
		return false
	}
	return g.TaskIndices[len(g.TaskIndices)-1] == index
}

// RemainingInGroup returns the unchecked tasks of index's group that come
// after index.
func (p *Plan) RemainingInGroup(index int) []Task {
	g, ok := p.GroupFor(index)
	if !ok {
		return nil
	}
	var out []Task
	for _, i := range g.TaskIndices {
		if i > index && !p.tasks[i].Complete {
			out = append(out, p.tasks[i])
		}
	}
	return out
}

// FirstIndexAfterGroup returns the index of the first task after the group
// containing index, or Len() when it is the last group.
func (p *Plan) FirstIndexAfterGroup(index int) int {
	g, ok := p.GroupFor(index)
	if !ok || len(g.TaskIndices) == 0 {
		return len(p.tasks)
	}
	return g.TaskIndices[len(g.TaskIndices)-1] + 1
}

// markLine returns doc with the checkbox on line toggled to checked.
func markLine(doc string, line int) (string, bool) {
	lines := strings.Split(doc, "\n")
	if line < 0 || line >= len(lines) {
		return doc, false
	}
	l := lines[line]
	idx := strings.Index(l, "[ ]")
	if idx < 0 {
		return doc, strings.Contains(l, "[x]") || strings.Contains(l, "[X]")
	}
	lines[line] = l[:idx] + "[x]" + l[idx+3:]
	return strings.Join(lines, "\n"), true
}
