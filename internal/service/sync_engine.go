package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"whendoist/internal/google"
	"whendoist/internal/model"
	"whendoist/internal/recurrence"
	"whendoist/pkg/metrics"
)

// defaultEventMinutes is the event length used when a task has no duration.
const defaultEventMinutes = 30

// SyncTaskStore is the task persistence the sync engine reads.
type SyncTaskStore interface {
	GetByID(ctx context.Context, taskID int64) (*model.Task, error)
	ListScheduledOneOff(ctx context.Context, userID int64) ([]*model.Task, error)
}

// SyncInstanceStore is the instance persistence the sync engine reads.
type SyncInstanceStore interface {
	GetByID(ctx context.Context, instanceID int64) (*model.TaskInstance, error)
	ListSyncable(ctx context.Context, userID int64, from time.Time) ([]*model.TaskInstance, error)
}

// SyncRecordStore is the item-to-event mapping persistence.
type SyncRecordStore interface {
	GetByInstance(ctx context.Context, instanceID int64) (*model.CalendarEventSync, error)
	GetByTask(ctx context.Context, taskID int64) (*model.CalendarEventSync, error)
	Insert(ctx context.Context, s *model.CalendarEventSync) error
	UpdateHash(ctx context.Context, recordID int64, contentHash string) error
	MarkFailed(ctx context.Context, recordID int64) error
	Delete(ctx context.Context, recordID int64) error
	ListByUser(ctx context.Context, userID int64) ([]*model.CalendarEventSync, error)
	ListByTaskTree(ctx context.Context, taskID int64) ([]*model.CalendarEventSync, error)
	DeleteByUser(ctx context.Context, userID int64) (int64, error)
}

// CredentialGuard hands out credentials with valid access tokens.
type CredentialGuard interface {
	EnsureValidCredential(ctx context.Context, userID int64) (*model.GoogleCredential, error)
}

// Calendar is the external calendar surface the engine drives.
type Calendar interface {
	InsertEvent(ctx context.Context, accessToken string, ev *google.Event) (string, error)
	UpdateEvent(ctx context.Context, accessToken, eventID string, ev *google.Event) error
	DeleteEvent(ctx context.Context, accessToken, eventID string) error
}

// SyncLease serializes bulk runs per user across processes.
type SyncLease interface {
	AcquireWithCancel(ctx context.Context, userID int64) (string, error)
	Cancelled(ctx context.Context, userID int64, owner string) bool
	Extend(ctx context.Context, userID int64, owner string)
	Release(ctx context.Context, userID int64, owner string) error
}

// SyncReport summarizes one bulk run. A cancelled or budget-exhausted run
// keeps everything synced so far; the next run picks up the rest.
type SyncReport struct {
	Total           int  `json:"total"`
	Synced          int  `json:"synced"`
	Unchanged       int  `json:"unchanged"`
	Removed         int  `json:"removed"`
	Failed          int  `json:"failed"`
	Cancelled       bool `json:"cancelled"`
	BudgetExhausted bool `json:"budget_exhausted"`
}

// syncOutcome classifies what one item sync actually did.
type syncOutcome int

const (
	outcomeNone syncOutcome = iota
	outcomeSynced
	outcomeUnchanged
	outcomeRemoved
)

// SyncEngine mirrors schedulable items into the user's external calendar:
// time-scheduled instances of recurring tasks plus one-off tasks with a
// date and time. One item maps to one event; the stored content hash makes
// unchanged items free, costing zero API calls.
type SyncEngine struct {
	tasks      SyncTaskStore
	instances  SyncInstanceStore
	records    SyncRecordStore
	creds      CredentialStore
	guard      CredentialGuard
	calendar   Calendar
	lease      SyncLease
	flushEvery int
	runBudget  time.Duration
	clock      func() time.Time
	logger     *zap.Logger
}

func NewSyncEngine(
	tasks SyncTaskStore,
	instances SyncInstanceStore,
	records SyncRecordStore,
	creds CredentialStore,
	guard CredentialGuard,
	calendar Calendar,
	lease SyncLease,
	flushEvery int,
	runBudget time.Duration,
	logger *zap.Logger,
) *SyncEngine {
	return &SyncEngine{
		tasks:      tasks,
		instances:  instances,
		records:    records,
		creds:      creds,
		guard:      guard,
		calendar:   calendar,
		lease:      lease,
		flushEvery: flushEvery,
		runBudget:  runBudget,
		clock:      time.Now,
		logger:     logger,
	}
}

// hashEvent produces the canonical content hash of an event payload. Two
// payloads hash equal exactly when the synced content is identical.
func hashEvent(ev *google.Event) string {
	canonical, _ := json.Marshal(struct {
		Summary     string `json:"summary"`
		Description string `json:"description"`
		Start       string `json:"start"`
		End         string `json:"end"`
	}{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       ev.Start.UTC().Format(time.RFC3339),
		End:         ev.End.UTC().Format(time.RFC3339),
	})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func instanceEvent(task *model.Task, inst *model.TaskInstance) (*google.Event, bool) {
	start, ok := inst.StartAt(time.UTC)
	if !ok {
		return nil, false
	}
	return &google.Event{
		Summary:     task.Title,
		Description: task.Description,
		Start:       start,
		End:         start.Add(eventDuration(task)),
	}, true
}

func taskEvent(task *model.Task) (*google.Event, bool) {
	if task.ScheduledDate == nil || task.ScheduledTime == nil {
		return nil, false
	}
	t, err := time.Parse("15:04", *task.ScheduledTime)
	if err != nil {
		return nil, false
	}
	d := *task.ScheduledDate
	start := time.Date(d.Year(), d.Month(), d.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	return &google.Event{
		Summary:     task.Title,
		Description: task.Description,
		Start:       start,
		End:         start.Add(eventDuration(task)),
	}, true
}

func eventDuration(task *model.Task) time.Duration {
	minutes := task.DurationMin
	if minutes <= 0 {
		minutes = defaultEventMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// SyncInstance brings one instance's calendar state in line with the
// database: create, update, remove, or nothing, depending on eligibility
// and the stored hash.
func (e *SyncEngine) SyncInstance(ctx context.Context, instanceID int64, now time.Time) error {
	_, err := e.syncInstance(ctx, instanceID, now)
	return err
}

func (e *SyncEngine) syncInstance(ctx context.Context, instanceID int64, now time.Time) (syncOutcome, error) {
	inst, err := e.instances.GetByID(ctx, instanceID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Instance deleted; remove the event it may have had.
		rec, err := e.records.GetByInstance(ctx, instanceID)
		if err != nil || rec == nil {
			return outcomeNone, err
		}
		return e.removeRecord(ctx, rec)
	}
	if err != nil {
		return outcomeNone, err
	}

	task, err := e.tasks.GetByID(ctx, inst.TaskID)
	if errors.Is(err, pgx.ErrNoRows) {
		rec, err := e.records.GetByInstance(ctx, instanceID)
		if err != nil || rec == nil {
			return outcomeNone, err
		}
		return e.removeRecord(ctx, rec)
	}
	if err != nil {
		return outcomeNone, err
	}

	rec, err := e.records.GetByInstance(ctx, instanceID)
	if err != nil {
		return outcomeNone, err
	}

	// Skipped instances and instances without a time of day never hold a
	// calendar event. Completed ones keep theirs.
	ev, hasTime := instanceEvent(task, inst)
	if !hasTime || inst.Status == model.InstanceStatusSkipped {
		if rec == nil {
			return outcomeNone, nil
		}
		return e.removeRecord(ctx, rec)
	}

	sync := &model.CalendarEventSync{
		UserID:     task.UserID,
		TaskID:     &task.ID,
		InstanceID: &inst.ID,
	}
	return e.syncItem(ctx, task.UserID, rec, sync, ev)
}

// SyncTaskItem mirrors one one-off task. Recurring tasks never hold a
// task-level event; their instances own the calendar.
func (e *SyncEngine) SyncTaskItem(ctx context.Context, taskID int64, now time.Time) error {
	_, err := e.syncTaskItem(ctx, taskID, now)
	return err
}

func (e *SyncEngine) syncTaskItem(ctx context.Context, taskID int64, now time.Time) (syncOutcome, error) {
	task, err := e.tasks.GetByID(ctx, taskID)
	if errors.Is(err, pgx.ErrNoRows) {
		rec, err := e.records.GetByTask(ctx, taskID)
		if err != nil || rec == nil {
			return outcomeNone, err
		}
		return e.removeRecord(ctx, rec)
	}
	if err != nil {
		return outcomeNone, err
	}

	rec, err := e.records.GetByTask(ctx, taskID)
	if err != nil {
		return outcomeNone, err
	}

	ev, eligible := taskEvent(task)
	if task.IsRecurring() || !eligible {
		if rec == nil {
			return outcomeNone, nil
		}
		return e.removeRecord(ctx, rec)
	}

	sync := &model.CalendarEventSync{
		UserID: task.UserID,
		TaskID: &task.ID,
	}
	return e.syncItem(ctx, task.UserID, rec, sync, ev)
}

// syncItem is the shared create-or-update path. The hash check comes before
// any credential work so unchanged items cost zero API calls, token refresh
// included.
func (e *SyncEngine) syncItem(ctx context.Context, userID int64, rec *model.CalendarEventSync, fresh *model.CalendarEventSync, ev *google.Event) (syncOutcome, error) {
	hash := hashEvent(ev)

	if rec != nil && rec.ContentHash == hash {
		if rec.Status == model.SyncRecordFailed {
			// Parked after a permanent error; only a content change retries it.
			return outcomeNone, nil
		}
		metrics.SyncSkippedUnchanged.Inc()
		return outcomeUnchanged, nil
	}

	cred, err := e.guard.EnsureValidCredential(ctx, userID)
	if err != nil {
		return outcomeNone, err
	}

	if rec == nil {
		eventID, err := e.calendar.InsertEvent(ctx, cred.AccessToken, ev)
		if err != nil {
			return outcomeNone, e.classifyCalendarError(ctx, userID, nil, err)
		}
		fresh.EventID = eventID
		fresh.ContentHash = hash
		fresh.Status = model.SyncRecordActive
		if err := e.records.Insert(ctx, fresh); err != nil {
			return outcomeNone, err
		}
		return outcomeSynced, nil
	}

	err = e.calendar.UpdateEvent(ctx, cred.AccessToken, rec.EventID, ev)
	if errors.Is(err, google.ErrEventNotFound) {
		// The user deleted the event by hand; recreate it.
		eventID, err := e.calendar.InsertEvent(ctx, cred.AccessToken, ev)
		if err != nil {
			return outcomeNone, e.classifyCalendarError(ctx, userID, rec, err)
		}
		if err := e.records.Delete(ctx, rec.ID); err != nil {
			return outcomeNone, err
		}
		fresh.EventID = eventID
		fresh.ContentHash = hash
		fresh.Status = model.SyncRecordActive
		if err := e.records.Insert(ctx, fresh); err != nil {
			return outcomeNone, err
		}
		return outcomeSynced, nil
	}
	if err != nil {
		return outcomeNone, e.classifyCalendarError(ctx, userID, rec, err)
	}

	if err := e.records.UpdateHash(ctx, rec.ID, hash); err != nil {
		return outcomeNone, err
	}
	return outcomeSynced, nil
}

// removeRecord drops one item-to-event mapping, deleting the external event
// first unless the user chose to keep events behind. A provider 404 means
// someone beat us to it; that is success.
func (e *SyncEngine) removeRecord(ctx context.Context, rec *model.CalendarEventSync) (syncOutcome, error) {
	cred, err := e.guard.EnsureValidCredential(ctx, rec.UserID)
	switch {
	case errors.Is(err, ErrCredentialRevoked), errors.Is(err, ErrSyncDisabled), errors.Is(err, ErrNoCredential):
		// Cannot reach the calendar; drop the mapping and leave the event.
		if err := e.records.Delete(ctx, rec.ID); err != nil {
			return outcomeNone, err
		}
		return outcomeRemoved, nil
	case err != nil:
		return outcomeNone, err
	}

	if cred.KeepEventsOnDisable {
		if err := e.records.Delete(ctx, rec.ID); err != nil {
			return outcomeNone, err
		}
		return outcomeRemoved, nil
	}

	err = e.calendar.DeleteEvent(ctx, cred.AccessToken, rec.EventID)
	if err != nil && !errors.Is(err, google.ErrEventNotFound) {
		return outcomeNone, e.classifyCalendarError(ctx, rec.UserID, rec, err)
	}
	if err := e.records.Delete(ctx, rec.ID); err != nil {
		return outcomeNone, err
	}
	return outcomeRemoved, nil
}

// classifyCalendarError handles the terminal cases: a revoked credential
// disables sync for the user, any other permanent provider error parks the
// record. Transient errors pass through for the caller to retry.
func (e *SyncEngine) classifyCalendarError(ctx context.Context, userID int64, rec *model.CalendarEventSync, err error) error {
	if errors.Is(err, google.ErrAuthRevoked) {
		if stateErr := e.creds.SetSyncState(ctx, userID, model.SyncStateRevoked); stateErr != nil {
			e.logger.Error("Failed to mark credential revoked", zap.Int64("user_id", userID), zap.Error(stateErr))
		}
		return ErrCredentialRevoked
	}

	if retryable, _ := isRetryableSyncError(err); !retryable && rec != nil {
		if markErr := e.records.MarkFailed(ctx, rec.ID); markErr != nil {
			e.logger.Error("Failed to park sync record", zap.Int64("record_id", rec.ID), zap.Error(markErr))
		}
		e.logger.Warn("Sync item parked after permanent provider error",
			zap.Int64("record_id", rec.ID),
			zap.Error(err),
		)
	}
	return err
}

// SyncUser runs a full bulk sync for one user: every syncable instance and
// one-off task, then an orphan sweep for records whose source is gone. The
// run holds the per-user lease, checks for cancellation between items, and
// stops at the wall-clock budget; progress is persisted per item, so a cut
// run resumes cheaply.
func (e *SyncEngine) SyncUser(ctx context.Context, userID int64, now time.Time) (*SyncReport, error) {
	owner, err := e.lease.AcquireWithCancel(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer e.lease.Release(ctx, userID, owner)

	report := &SyncReport{}

	// One upfront credential check; per-item syncs reuse the cached token.
	if _, err := e.guard.EnsureValidCredential(ctx, userID); err != nil {
		return report, err
	}

	from := recurrence.Date(now)
	instances, err := e.instances.ListSyncable(ctx, userID, from)
	if err != nil {
		return report, err
	}
	oneOffs, err := e.tasks.ListScheduledOneOff(ctx, userID)
	if err != nil {
		return report, err
	}
	report.Total = len(instances) + len(oneOffs)

	deadline := e.clock().Add(e.runBudget)
	processed := 0

	liveInstances := make(map[int64]bool, len(instances))
	liveTasks := make(map[int64]bool, len(oneOffs))

	step := func(sync func() (syncOutcome, error)) error {
		if e.lease.Cancelled(ctx, userID, owner) {
			report.Cancelled = true
			return ErrSyncCancelled
		}
		if e.clock().After(deadline) {
			report.BudgetExhausted = true
			return context.DeadlineExceeded
		}

		outcome, err := sync()
		switch {
		case errors.Is(err, ErrCredentialRevoked):
			return err
		case err != nil:
			report.Failed++
			e.logger.Warn("Bulk sync item failed", zap.Int64("user_id", userID), zap.Error(err))
		case outcome == outcomeSynced:
			report.Synced++
		case outcome == outcomeUnchanged:
			report.Unchanged++
		case outcome == outcomeRemoved:
			report.Removed++
		}

		processed++
		if e.flushEvery > 0 && processed%e.flushEvery == 0 {
			e.lease.Extend(ctx, userID, owner)
			e.logger.Info("Bulk sync progress",
				zap.Int64("user_id", userID),
				zap.Int("processed", processed),
				zap.Int("total", report.Total),
			)
		}
		return nil
	}

	for _, inst := range instances {
		liveInstances[inst.ID] = true
		id := inst.ID
		if err := step(func() (syncOutcome, error) { return e.syncInstance(ctx, id, now) }); err != nil {
			return report, e.finishEarly(report, err)
		}
	}
	for _, task := range oneOffs {
		liveTasks[task.ID] = true
		id := task.ID
		if err := step(func() (syncOutcome, error) { return e.syncTaskItem(ctx, id, now) }); err != nil {
			return report, e.finishEarly(report, err)
		}
	}

	// Orphan sweep: records whose source vanished or fell out of scope.
	recs, err := e.records.ListByUser(ctx, userID)
	if err != nil {
		return report, err
	}
	for _, rec := range recs {
		if rec.InstanceID != nil {
			if liveInstances[*rec.InstanceID] {
				continue
			}
		} else if rec.TaskID != nil && liveTasks[*rec.TaskID] {
			continue
		}
		if e.lease.Cancelled(ctx, userID, owner) {
			report.Cancelled = true
			return report, nil
		}
		if _, err := e.removeRecord(ctx, rec); err != nil {
			if errors.Is(err, ErrCredentialRevoked) {
				return report, err
			}
			report.Failed++
			continue
		}
		report.Removed++
	}

	e.logger.Info("Bulk sync finished",
		zap.Int64("user_id", userID),
		zap.Int("total", report.Total),
		zap.Int("synced", report.Synced),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("removed", report.Removed),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// finishEarly maps run-control stops to a clean return; real errors pass
// through.
func (e *SyncEngine) finishEarly(report *SyncReport, err error) error {
	if report.Cancelled || report.BudgetExhausted {
		e.logger.Info("Bulk sync stopped early",
			zap.Bool("cancelled", report.Cancelled),
			zap.Bool("budget_exhausted", report.BudgetExhausted),
			zap.Int("synced", report.Synced),
		)
		return nil
	}
	return err
}

// DisableSync disconnects the calendar. With deleteEvents the synced events
// are removed from the calendar first; without it they stay behind,
// orphaned. Either way every sync record goes, and an in-flight bulk run is
// cancelled before the teardown starts.
func (e *SyncEngine) DisableSync(ctx context.Context, userID int64, deleteEvents bool) error {
	owner, err := e.lease.AcquireWithCancel(ctx, userID)
	if err != nil {
		return err
	}
	defer e.lease.Release(ctx, userID, owner)

	if deleteEvents {
		cred, err := e.guard.EnsureValidCredential(ctx, userID)
		if err != nil {
			// No usable token; the events stay behind.
			e.logger.Warn("Disabling sync without event deletion",
				zap.Int64("user_id", userID),
				zap.Error(err),
			)
		} else {
			recs, err := e.records.ListByUser(ctx, userID)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				err := e.calendar.DeleteEvent(ctx, cred.AccessToken, rec.EventID)
				if err != nil && !errors.Is(err, google.ErrEventNotFound) {
					e.logger.Warn("Failed to delete event during disable",
						zap.String("event_id", rec.EventID),
						zap.Error(err),
					)
				}
			}
		}
	}

	if _, err := e.records.DeleteByUser(ctx, userID); err != nil {
		return err
	}
	if err := e.creds.SetSyncState(ctx, userID, model.SyncStateDisabled); err != nil {
		return err
	}

	e.logger.Info("Calendar sync disabled",
		zap.Int64("user_id", userID),
		zap.Bool("events_deleted", deleteEvents),
	)
	return nil
}

// HandleTaskDeleted cleans up the calendar events of a deleted task and all
// its instances. The database rows are already gone by cascade; only the
// external side and the mapping records remain.
func (e *SyncEngine) HandleTaskDeleted(ctx context.Context, taskID, userID int64) error {
	recs, err := e.records.ListByTaskTree(ctx, taskID)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}

	for _, rec := range recs {
		if _, err := e.removeRecord(ctx, rec); err != nil {
			return fmt.Errorf("failed to clean up events of task %d: %w", taskID, err)
		}
	}

	e.logger.Info("Calendar events of deleted task removed",
		zap.Int64("task_id", taskID),
		zap.Int("events", len(recs)),
	)
	return nil
}

// isRetryableSyncError separates transient provider trouble (retry later)
// from permanent rejections (park the item).
func isRetryableSyncError(err error) (bool, string) {
	switch {
	case errors.Is(err, google.ErrRateLimited):
		return true, "rate_limited"
	case errors.Is(err, google.ErrAuthRevoked):
		return false, "auth_revoked"
	case errors.Is(err, google.ErrEventNotFound):
		return false, "not_found"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return true, "context"
	default:
		s := err.Error()
		if strings.Contains(s, "5xx") ||
			strings.Contains(s, "connection") ||
			strings.Contains(s, "timeout") ||
			strings.Contains(s, "EOF") ||
			strings.Contains(s, "exhausted retries") {
			return true, "transient"
		}
		return false, "permanent"
	}
}
