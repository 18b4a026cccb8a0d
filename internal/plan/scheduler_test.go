package plan

import (
	"errors"
	"strings"
	"testing"

	tmerrors "github.com/sebyx07/claude-task-master-py-sub000/internal/errors"
)

type memSource struct {
	doc   string
	saves int
	err   error
}

func (m *memSource) LoadPlan() (string, error) { return m.doc, m.err }

func (m *memSource) SavePlan(doc string) error {
	m.saves++
	m.doc = doc
	return nil
}

func TestScheduler_MissingPlan(t *testing.T) {
	s := NewScheduler(&memSource{doc: "  \n"})
	if _, err := s.Plan(); !errors.Is(err, tmerrors.ErrPlanNotFound) {
		t.Errorf("err = %v, want ErrPlanNotFound", err)
	}

	s = NewScheduler(&memSource{err: errors.New("disk gone")})
	if _, err := s.Tasks(); err == nil || !strings.Contains(err.Error(), "disk gone") {
		t.Errorf("err = %v, want wrapped load error", err)
	}
}

func TestScheduler_CacheFollowsContent(t *testing.T) {
	src := &memSource{doc: "- [ ] one\n"}
	s := NewScheduler(src)

	p1, err := s.Plan()
	if err != nil {
		t.Fatal(err)
	}
	p2, _ := s.Plan()
	if p1 != p2 {
		t.Error("unchanged document should hit the cache")
	}

	src.doc = "- [ ] one\n- [ ] two\n"
	p3, _ := s.Plan()
	if p3 == p1 || p3.Len() != 2 {
		t.Error("edited document should be reparsed")
	}
}

func TestScheduler_MarkComplete(t *testing.T) {
	src := &memSource{doc: "### PR 1: A\n- [ ] first\n- [ ] second [ ] literal\n"}
	s := NewScheduler(src)

	if err := s.MarkComplete(1); err != nil {
		t.Fatal(err)
	}
	want := "### PR 1: A\n- [ ] first\n- [x] second [ ] literal\n"
	if src.doc != want {
		t.Errorf("doc = %q, want %q", src.doc, want)
	}

	task, ok, err := s.NextIncompleteTask(0)
	if err != nil || !ok || task.Index != 0 {
		t.Errorf("NextIncompleteTask = %+v, %v, %v", task, ok, err)
	}

	if err := s.MarkComplete(1); err != nil {
		t.Fatal(err)
	}
	if src.saves != 1 {
		t.Errorf("saves = %d, marking a complete task should not write", src.saves)
	}

	if err := s.MarkComplete(7); !errors.Is(err, tmerrors.ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestScheduler_MarkGroupComplete(t *testing.T) {
	src := &memSource{doc: "### PR 1: A\n- [ ] a\n- [x] b\n- [ ] c\n### PR 2: B\n- [ ] d\n"}
	s := NewScheduler(src)

	if err := s.MarkGroupComplete(0); err != nil {
		t.Fatal(err)
	}
	if src.saves != 1 {
		t.Errorf("saves = %d, want a single write", src.saves)
	}
	p, _ := s.Plan()
	for i := 0; i < 3; i++ {
		if task, _ := p.Task(i); !task.Complete {
			t.Errorf("task %d should be complete", i)
		}
	}
	if task, _ := p.Task(3); task.Complete {
		t.Error("the next group must be untouched")
	}

	groups, _ := s.Groups()
	if len(groups) != 2 {
		t.Errorf("groups = %+v", groups)
	}
}
