package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	mqcontracts "whendoist/contracts/mq"
	"whendoist/internal/model"
	"whendoist/internal/recurrence"
	"whendoist/internal/repository"
)

func newTestTaskService() (*TaskService, *memTaskStore, *memInstanceStore, *memPublisher) {
	tasks := newMemTaskStore()
	instances := newMemInstanceStore()
	publisher := &memPublisher{}
	svc := NewTaskService(tasks, instances, publisher, zap.NewNop())
	return svc, tasks, instances, publisher
}

func TestTaskService_CreateTaskPublishesChange(t *testing.T) {
	svc, _, _, publisher := newTestTaskService()
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	task := &model.Task{
		UserID: 10,
		Title:  "write report",
		Recurrence: &recurrence.Rule{
			Frequency: recurrence.FreqWeekly,
			Weekdays:  []time.Weekday{time.Friday},
		},
	}
	if err := svc.CreateTask(context.Background(), task, now); err != nil {
		t.Fatal(err)
	}

	if task.Recurrence.StartDate.IsZero() {
		t.Error("start date should default to today")
	}
	events := publisher.byKey(mqcontracts.TaskChangedKey)
	if len(events) != 1 {
		t.Fatalf("task.changed events = %d, want 1", len(events))
	}
	payload := events[0].payload.(mqcontracts.TaskChangedPayload)
	if payload.TaskID != task.ID || payload.UserID != 10 {
		t.Errorf("payload = %+v, want task %d user 10", payload, task.ID)
	}
}

func TestTaskService_CreateTaskRejectsBadRule(t *testing.T) {
	svc, _, _, publisher := newTestTaskService()
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	task := &model.Task{
		UserID:     10,
		Title:      "broken",
		Recurrence: &recurrence.Rule{Frequency: "hourly"},
	}
	if err := svc.CreateTask(context.Background(), task, now); err == nil {
		t.Fatal("expected a validation error")
	}
	if len(publisher.events) != 0 {
		t.Error("no event should be published for a rejected task")
	}
}

func TestTaskService_CompleteInstance(t *testing.T) {
	svc, _, instances, _ := newTestTaskService()
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	instances.InsertPending(context.Background(), 10, 1, recurrence.Date(now), nil)

	if err := svc.CompleteInstance(context.Background(), 1, 10, now); err != nil {
		t.Fatal(err)
	}

	inst, _ := instances.GetByID(context.Background(), 1)
	if inst.Status != model.InstanceStatusCompleted {
		t.Errorf("status = %q, want completed", inst.Status)
	}
	if inst.CompletedAt == nil || !inst.CompletedAt.Equal(now) {
		t.Errorf("completed at = %v, want %v", inst.CompletedAt, now)
	}
}

func TestTaskService_ConcurrentOutcomeStands(t *testing.T) {
	svc, _, instances, _ := newTestTaskService()
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	instances.InsertPending(context.Background(), 10, 1, recurrence.Date(now), nil)

	// One actor skips the instance first.
	if err := svc.SkipInstance(context.Background(), 1, 10, now); err != nil {
		t.Fatal(err)
	}

	// A second actor's complete arrives late and must not override the skip.
	err := svc.CompleteInstance(context.Background(), 1, 10, now)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	inst, _ := instances.GetByID(context.Background(), 1)
	if inst.Status != model.InstanceStatusSkipped {
		t.Errorf("status = %q, the skip must stand", inst.Status)
	}
}

func TestTaskService_ReopenAndUnskip(t *testing.T) {
	svc, _, instances, _ := newTestTaskService()
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	instances.InsertPending(context.Background(), 10, 1, recurrence.Date(now), nil)
	instances.InsertPending(context.Background(), 10, 1, recurrence.Date(now).AddDate(0, 0, 1), nil)

	if err := svc.CompleteInstance(context.Background(), 1, 10, now); err != nil {
		t.Fatal(err)
	}
	if err := svc.ReopenInstance(context.Background(), 1, 10, now); err != nil {
		t.Fatal(err)
	}
	inst, _ := instances.GetByID(context.Background(), 1)
	if inst.Status != model.InstanceStatusPending {
		t.Errorf("status after reopen = %q, want pending", inst.Status)
	}
	if inst.CompletedAt != nil {
		t.Error("completed timestamp should clear on reopen")
	}

	if err := svc.SkipInstance(context.Background(), 2, 10, now); err != nil {
		t.Fatal(err)
	}
	if err := svc.UnskipInstance(context.Background(), 2, 10, now); err != nil {
		t.Fatal(err)
	}
	inst, _ = instances.GetByID(context.Background(), 2)
	if inst.Status != model.InstanceStatusPending {
		t.Errorf("status after unskip = %q, want pending", inst.Status)
	}
}

func TestTaskService_OwnershipIsEnforced(t *testing.T) {
	svc, _, instances, _ := newTestTaskService()
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	instances.InsertPending(context.Background(), 10, 1, recurrence.Date(now), nil)

	err := svc.CompleteInstance(context.Background(), 1, 99, now)
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound for a foreign instance", err)
	}
}

func TestTaskService_CompleteTaskRejectsRecurring(t *testing.T) {
	svc, tasks, _, _ := newTestTaskService()
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	recurring := &model.Task{
		ID:     1,
		UserID: 10,
		Title:  "standup",
		Status: model.TaskStatusPending,
		Recurrence: &recurrence.Rule{
			Frequency: recurrence.FreqDaily,
			StartDate: recurrence.Date(now),
		},
	}
	tasks.tasks[recurring.ID] = recurring

	err := svc.CompleteTask(context.Background(), 1, 10, now)
	if !errors.Is(err, ErrRecurringTask) {
		t.Fatalf("err = %v, want ErrRecurringTask", err)
	}
}

func TestTaskService_CompleteOneOffTask(t *testing.T) {
	svc, tasks, _, publisher := newTestTaskService()
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	oneOff := &model.Task{ID: 1, UserID: 10, Title: "buy gift", Status: model.TaskStatusPending}
	tasks.tasks[oneOff.ID] = oneOff

	if err := svc.CompleteTask(context.Background(), 1, 10, now); err != nil {
		t.Fatal(err)
	}

	stored, _ := tasks.GetByID(context.Background(), 1)
	if stored.Status != model.TaskStatusCompleted {
		t.Errorf("status = %q, want completed", stored.Status)
	}
	if len(publisher.byKey(mqcontracts.TaskChangedKey)) != 1 {
		t.Error("completion should publish task.changed")
	}
}

func TestTaskService_BatchCompleteIsPerItem(t *testing.T) {
	svc, _, instances, _ := newTestTaskService()
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	instances.InsertPending(context.Background(), 10, 1, recurrence.Date(now), nil)
	instances.InsertPending(context.Background(), 10, 1, recurrence.Date(now).AddDate(0, 0, 1), nil)
	instances.InsertPending(context.Background(), 10, 1, recurrence.Date(now).AddDate(0, 0, 2), nil)

	// Instance 2 was skipped concurrently before the batch lands.
	instances.setStatus(2, model.InstanceStatusSkipped)

	result := svc.BatchComplete(context.Background(), 10, []int64{1, 2, 3, 404}, now)

	if len(result.Completed) != 2 {
		t.Errorf("completed = %v, want instances 1 and 3", result.Completed)
	}
	if len(result.Conflicted) != 1 || result.Conflicted[0] != 2 {
		t.Errorf("conflicted = %v, want [2]", result.Conflicted)
	}
	if len(result.Failed) != 1 {
		t.Errorf("failed = %v, want the missing instance only", result.Failed)
	}

	// The concurrent skip still stands.
	inst, _ := instances.GetByID(context.Background(), 2)
	if inst.Status != model.InstanceStatusSkipped {
		t.Errorf("instance 2 status = %q, want skipped", inst.Status)
	}
}

func TestTaskService_DeleteTaskPublishesDeletion(t *testing.T) {
	svc, tasks, _, publisher := newTestTaskService()

	task := &model.Task{ID: 1, UserID: 10, Title: "old task"}
	tasks.tasks[task.ID] = task

	if err := svc.DeleteTask(context.Background(), 1, 10); err != nil {
		t.Fatal(err)
	}

	events := publisher.byKey(mqcontracts.TaskDeletedKey)
	if len(events) != 1 {
		t.Fatalf("task.deleted events = %d, want 1", len(events))
	}
	if _, err := tasks.GetByID(context.Background(), 1); err == nil {
		t.Error("task should be gone")
	}
}
