package router

import (
	"fmt"
	"testing"
	"time"

	"github.com/relaylabs/relay/pkg/models"
)

func task(id string, p models.Priority, arrived time.Time) *models.Task {
	return &models.Task{ID: id, Priority: p, ArrivedAt: arrived}
}

func popOrder(q *taskQueue) []string {
	var out []string
	for {
		t := q.Pop()
		if t == nil {
			return out
		}
		out = append(out, t.ID)
	}
}

func TestQueuePriorityOrdering(t *testing.T) {
	q := &taskQueue{}
	base := time.Now()

	q.Insert(task("bg1", models.PriorityBackground, base))
	q.Insert(task("n1", models.PriorityNormal, base.Add(time.Millisecond)))
	q.Insert(task("u1", models.PriorityUrgent, base.Add(2*time.Millisecond)))
	q.Insert(task("n2", models.PriorityNormal, base.Add(3*time.Millisecond)))
	q.Insert(task("u2", models.PriorityUrgent, base.Add(4*time.Millisecond)))
	q.Insert(task("bg2", models.PriorityBackground, base.Add(5*time.Millisecond)))

	want := []string{"u1", "u2", "n1", "n2", "bg1", "bg2"}
	got := popOrder(q)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("pop order = %v, want %v", got, want)
	}
}

func TestQueueInsertFront(t *testing.T) {
	q := &taskQueue{}
	base := time.Now()

	q.Insert(task("u1", models.PriorityUrgent, base))
	q.Insert(task("n1", models.PriorityNormal, base.Add(time.Millisecond)))
	q.Insert(task("n2", models.PriorityNormal, base.Add(2*time.Millisecond)))

	// A preempted normal task returns ahead of its tier but behind urgent.
	q.InsertFront(task("preempted", models.PriorityNormal, base.Add(3*time.Millisecond)))

	want := []string{"u1", "preempted", "n1", "n2"}
	got := popOrder(q)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("pop order = %v, want %v", got, want)
	}
}

func TestQueueEvictOldestBackground(t *testing.T) {
	q := &taskQueue{}
	base := time.Now()

	q.Insert(task("n1", models.PriorityNormal, base))
	q.Insert(task("bg-new", models.PriorityBackground, base.Add(2*time.Millisecond)))
	q.Insert(task("bg-old", models.PriorityBackground, base.Add(time.Millisecond)))

	// bg-old arrived earlier even though it was inserted later.
	victim := q.EvictOldestBackground()
	if victim == nil || victim.ID != "bg-old" {
		t.Fatalf("victim = %+v, want bg-old", victim)
	}
	if q.Len() != 2 {
		t.Errorf("len = %d", q.Len())
	}

	q.EvictOldestBackground()
	if v := q.EvictOldestBackground(); v != nil {
		t.Errorf("evicted non-background task %s", v.ID)
	}
}

func TestQueueRemoveAndClear(t *testing.T) {
	q := &taskQueue{}
	base := time.Now()
	q.Insert(task("a", models.PriorityNormal, base))
	q.Insert(task("b", models.PriorityNormal, base.Add(time.Millisecond)))

	if got := q.Remove("a"); got == nil || got.ID != "a" {
		t.Fatalf("Remove(a) = %+v", got)
	}
	if got := q.Remove("missing"); got != nil {
		t.Errorf("Remove(missing) = %+v", got)
	}

	dropped := q.Clear()
	if len(dropped) != 1 || dropped[0].ID != "b" {
		t.Errorf("Clear = %+v", dropped)
	}
	if q.Len() != 0 {
		t.Errorf("len after clear = %d", q.Len())
	}
}

func TestQueueCounts(t *testing.T) {
	q := &taskQueue{}
	base := time.Now()
	q.Insert(task("u", models.PriorityUrgent, base))
	q.Insert(task("n", models.PriorityNormal, base))
	q.Insert(task("b1", models.PriorityBackground, base))
	q.Insert(task("b2", models.PriorityBackground, base))

	u, n, b := q.Counts()
	if u != 1 || n != 1 || b != 2 {
		t.Errorf("counts = %d/%d/%d", u, n, b)
	}
}
