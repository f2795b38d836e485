package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestPendingTasksRunInOrderAndSettle(t *testing.T) {
	p := NewPendingTasks(context.Background(), "run")
	var mu sync.Mutex
	var order []int
	for i := 0; i < 5; i++ {
		p.Go("task", func(context.Context) error {
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if i == 2 {
				return errors.New("fail")
			}
			if i == 3 {
				panic("boom")
			}
			return nil
		})
	}
	p.Wait()
	if len(order) != 5 {
		t.Fatalf("order = %v", order)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v", order)
		}
	}
	if p.Failed() != 2 {
		t.Errorf("Failed = %d, want 2", p.Failed())
	}
}
