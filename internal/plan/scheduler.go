package plan

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"

	tmerrors "github.com/sebyx07/claude-task-master-py-sub000/internal/errors"
)

// Source loads and stores the plan document. The state store implements it.
type Source interface {
	LoadPlan() (string, error)
	SavePlan(doc string) error
}

// Scheduler answers task queries against the current plan document. Parse
// results are cached by the SHA-256 of the document, so edits made by the
// engine or an operator are picked up on the next query.
type Scheduler struct {
	src Source

	mu     sync.Mutex
	hash   [sha256.Size]byte
	cached *Plan
}

// NewScheduler creates a Scheduler reading from src.
func NewScheduler(src Source) *Scheduler {
	return &Scheduler{src: src}
}

// Plan returns the parsed current plan. It fails with ErrPlanNotFound when
// the document is missing or blank.
func (s *Scheduler) Plan() (*Plan, error) {
	doc, err := s.src.LoadPlan()
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	if strings.TrimSpace(doc) == "" {
		return nil, tmerrors.ErrPlanNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parseLocked(doc), nil
}

func (s *Scheduler) parseLocked(doc string) *Plan {
	h := sha256.Sum256([]byte(doc))
	if s.cached != nil && h == s.hash {
		return s.cached
	}
	s.hash = h
	s.cached = Parse(doc)
	return s.cached
}

// Tasks returns all tasks of the current plan.
func (s *Scheduler) Tasks() ([]Task, error) {
	p, err := s.Plan()
	if err != nil {
		return nil, err
	}
	return p.Tasks(), nil
}

// Groups returns all groups of the current plan.
func (s *Scheduler) Groups() ([]Group, error) {
	p, err := s.Plan()
	if err != nil {
		return nil, err
	}
	return p.Groups(), nil
}

// NextIncompleteTask returns the first unchecked task at or after from.
func (s *Scheduler) NextIncompleteTask(from int) (Task, bool, error) {
	p, err := s.Plan()
	if err != nil {
		return Task{}, false, err
	}
	t, ok := p.NextIncompleteTask(from)
	return t, ok, nil
}

// GroupFor returns the group containing the task at index.
func (s *Scheduler) GroupFor(index int) (Group, error) {
	p, err := s.Plan()
	if err != nil {
		return Group{}, err
	}
	g, ok := p.GroupFor(index)
	if !ok {
		return Group{}, fmt.Errorf("task %d: %w", index, tmerrors.ErrTaskNotFound)
	}
	return g, nil
}

// MarkComplete checks the box of the task at index and persists the plan.
// Marking an already complete task is a no-op.
func (s *Scheduler) MarkComplete(index int) error {
	return s.MarkManyComplete([]int{index})
}

// MarkManyComplete checks every listed task and persists the plan once.
func (s *Scheduler) MarkManyComplete(indices []int) error {
	doc, err := s.src.LoadPlan()
	if err != nil {
		return fmt.Errorf("failed to load plan: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.parseLocked(doc)
	changed := false
	for _, index := range indices {
		t, ok := p.Task(index)
		if !ok {
			return fmt.Errorf("task %d: %w", index, tmerrors.ErrTaskNotFound)
		}
		if t.Complete {
			continue
		}
		updated, ok := markLine(doc, t.Line)
		if !ok {
			return fmt.Errorf("task %d: checkbox not found on line %d", index, t.Line+1)
		}
		doc = updated
		changed = true
	}
	if !changed {
		return nil
	}

	if err := s.src.SavePlan(doc); err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}
	s.parseLocked(doc)
	return nil
}

// MarkGroupComplete checks every task in the group containing index.
func (s *Scheduler) MarkGroupComplete(index int) error {
	g, err := s.GroupFor(index)
	if err != nil {
		return err
	}
	return s.MarkManyComplete(g.TaskIndices)
}
