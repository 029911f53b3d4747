package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and dry runs. It
// mirrors the Postgres semantics, including claim exclusivity, behind
// a single mutex.
type MemoryStore struct {
	mu sync.Mutex

	profiles map[string]*Profile
	tasks    map[int64]*Task
	attempts []*TaskAttempt
	messages map[int64]*Message
	proxies  map[string]*Proxy
	stats    map[string]*ProxyStats
	daily    map[string]*DailyStat
	sendLog  []*SendLogEntry

	nextTaskID    int64
	nextMessageID int64
	nextProxyID   int64
	nextAttemptID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: map[string]*Profile{},
		tasks:    map[int64]*Task{},
		messages: map[int64]*Message{},
		proxies:  map[string]*Proxy{},
		stats:    map[string]*ProxyStats{},
		daily:    map[string]*DailyStat{},
	}
}

func (s *MemoryStore) Close() {}

// --- Profiles ---

func (s *MemoryStore) UpsertProfile(ctx context.Context, p *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.profiles[p.ID]
	if ok {
		existing.GroupID = p.GroupID
		existing.Name = p.Name
		existing.Active = p.Active
		return nil
	}
	cp := *p
	if cp.HourStartedAt.IsZero() {
		cp.HourStartedAt = time.Now()
	}
	s.profiles[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetProfile(ctx context.Context, id string) (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListActiveProfiles(ctx context.Context, groupID string) ([]*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Profile
	for _, p := range s.profiles {
		if p.GroupID == groupID && p.Active && !p.Blocked && !p.LoggedOut {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) BlockProfile(ctx context.Context, id, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.profiles[id]; ok {
		p.Blocked = true
		p.Active = false
		p.BlockedReason = reason
		p.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) MarkProfileLoggedOut(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.profiles[id]; ok {
		p.LoggedOut = true
		p.Active = false
		p.UpdatedAt = now
	}
	return nil
}

// --- Tasks ---

func (s *MemoryStore) ImportChats(ctx context.Context, groupID string, chatRefs []string, totalCycles int, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	for _, t := range s.tasks {
		if t.GroupID == groupID {
			seen[t.ChatRef] = true
		}
	}
	var added int64
	for _, ref := range chatRefs {
		if seen[ref] {
			continue
		}
		seen[ref] = true
		s.nextTaskID++
		s.tasks[s.nextTaskID] = &Task{
			ID:          s.nextTaskID,
			GroupID:     groupID,
			ChatRef:     ref,
			Status:      TaskPending,
			TotalCycles: totalCycles,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		added++
	}
	return added, nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id int64) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) runAttempts(taskID int64, runID string) int {
	n := 0
	for _, a := range s.attempts {
		if a.TaskID == taskID && a.RunID == runID {
			n++
		}
	}
	return n
}

func (s *MemoryStore) ClaimNextTask(ctx context.Context, p ClaimParams) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	profile, ok := s.profiles[p.ProfileID]
	if !ok {
		return nil, fmt.Errorf("claim: load profile %s: no such profile", p.ProfileID)
	}
	if p.Now.Sub(profile.HourStartedAt) >= time.Hour {
		profile.HourlySent = 0
		profile.HourStartedAt = p.Now
	}
	if p.MaxPerHour > 0 && profile.HourlySent >= p.MaxPerHour {
		return nil, ErrHourlyLimit
	}

	var candidates []*Task
	for _, t := range s.tasks {
		if t.GroupID != p.GroupID {
			continue
		}
		// A profile may reclaim its own orphaned in_progress task.
		ownedByMe := t.Status == TaskInProgress && t.AssignedProfileID == p.ProfileID
		if t.Status != TaskPending && !ownedByMe {
			continue
		}
		if t.CompletedCycles >= t.TotalCycles {
			continue
		}
		if !t.NextAvailableAt.IsZero() && t.NextAvailableAt.After(p.Now) {
			continue
		}
		if s.runAttempts(t.ID, p.RunID) >= t.TotalCycles {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.CompletedCycles != b.CompletedCycles {
			return a.CompletedCycles < b.CompletedCycles
		}
		if !a.LastAttemptAt.Equal(b.LastAttemptAt) {
			// Zero (never attempted) sorts first.
			return a.LastAttemptAt.Before(b.LastAttemptAt)
		}
		return a.ID < b.ID
	})

	task := candidates[0]
	task.Status = TaskInProgress
	task.AssignedProfileID = p.ProfileID
	task.UpdatedAt = p.Now
	cp := *task
	return &cp, nil
}

func (s *MemoryStore) RecordTaskSuccess(ctx context.Context, p SuccessParams) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[p.TaskID]
	if !ok {
		return nil, fmt.Errorf("record success: load task %d: no such task", p.TaskID)
	}

	cycle := task.CompletedCycles + 1
	s.appendAttempt(&TaskAttempt{
		TaskID: p.TaskID, ProfileID: p.ProfileID, RunID: p.RunID,
		Status: AttemptSuccess, ProxyURL: p.ProxyURL, CycleNumber: cycle, CreatedAt: p.Now,
	})

	task.CompletedCycles = cycle
	task.SuccessCount++
	task.FailedCount = 0
	task.BlockReason = ""
	task.LastAttemptAt = p.Now
	task.AssignedProfileID = ""
	task.UpdatedAt = p.Now
	task.NextAvailableAt = time.Time{}
	if cycle >= task.TotalCycles {
		task.Status = TaskCompleted
	} else {
		task.Status = TaskPending
		if p.CycleDelay > 0 {
			task.NextAvailableAt = p.Now.Add(p.CycleDelay)
		}
	}

	if profile, ok := s.profiles[p.ProfileID]; ok {
		if p.Now.Sub(profile.HourStartedAt) >= time.Hour {
			profile.HourlySent = 1
			profile.HourStartedAt = p.Now
		} else {
			profile.HourlySent++
		}
		profile.LastMessageAt = p.Now
		profile.UpdatedAt = p.Now
	}
	if m, ok := s.messages[p.MessageID]; ok {
		m.UsageCount++
	}
	s.bumpDaily(p.ProfileID, p.Now, 1, 0)
	s.appendLog(p.GroupID, p.ProfileID, p.TaskID, p.ChatRef, p.MessageText, AttemptSuccess, "", p.Now)

	cp := *task
	return &cp, nil
}

func (s *MemoryStore) RecordTaskFailure(ctx context.Context, p FailureParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[p.TaskID]
	if !ok {
		return false, fmt.Errorf("record failure: load task %d: no such task", p.TaskID)
	}

	s.appendAttempt(&TaskAttempt{
		TaskID: p.TaskID, ProfileID: p.ProfileID, RunID: p.RunID,
		Status: AttemptFailed, ErrorKind: p.ErrorKind, Detail: p.Detail,
		ProxyURL: p.ProxyURL, CycleNumber: task.CompletedCycles + 1, CreatedAt: p.Now,
	})

	if !p.NoEscalate {
		task.FailedCount++
	}
	task.LastAttemptAt = p.Now
	task.AssignedProfileID = ""
	task.UpdatedAt = p.Now

	blocked := p.Block
	reason := p.BlockReason
	if !blocked && p.FailureBudget > 0 && task.FailedCount >= p.FailureBudget {
		blocked = true
		reason = BlockReasonTooManyFailures
	}
	if blocked {
		task.Status = TaskBlocked
		task.BlockReason = reason
		task.NextAvailableAt = time.Time{}
	} else {
		task.Status = TaskPending
		task.NextAvailableAt = p.Now.Add(p.Backoff)
	}

	s.bumpDaily(p.ProfileID, p.Now, 0, 1)
	s.appendLog(p.GroupID, p.ProfileID, p.TaskID, p.ChatRef, "", AttemptFailed, p.ErrorKind, p.Now)
	return blocked, nil
}

func (s *MemoryStore) ReleaseTask(ctx context.Context, taskID int64, retryAfter time.Duration, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok || task.Status != TaskInProgress {
		return nil
	}
	task.Status = TaskPending
	task.AssignedProfileID = ""
	task.NextAvailableAt = time.Time{}
	if retryAfter > 0 {
		task.NextAvailableAt = now.Add(retryAfter)
	}
	task.UpdatedAt = now
	return nil
}

func (s *MemoryStore) ResetStaleTasks(ctx context.Context, groupID string, olderThan time.Duration, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-olderThan)
	var n int64
	for _, t := range s.tasks {
		if t.GroupID == groupID && t.Status == TaskInProgress && t.UpdatedAt.Before(cutoff) {
			t.Status = TaskPending
			t.AssignedProfileID = ""
			t.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) RemainingTasks(ctx context.Context, groupID, runID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.tasks {
		if t.GroupID != groupID || t.Status != TaskPending {
			continue
		}
		if t.CompletedCycles >= t.TotalCycles {
			continue
		}
		if s.runAttempts(t.ID, runID) >= t.TotalCycles {
			continue
		}
		n++
	}
	return n, nil
}

func (s *MemoryStore) UnblockTasks(ctx context.Context, groupID, reason string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.tasks {
		if t.GroupID == groupID && t.Status == TaskBlocked && t.BlockReason == reason {
			t.Status = TaskPending
			t.BlockReason = ""
			t.FailedCount = 0
			t.NextAvailableAt = time.Time{}
			t.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) TaskStats(ctx context.Context, groupID string) (*TaskStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &TaskStats{BlockedByReason: map[string]int64{}}
	for _, t := range s.tasks {
		if t.GroupID != groupID {
			continue
		}
		stats.Total++
		switch t.Status {
		case TaskPending:
			stats.Pending++
		case TaskInProgress:
			stats.InProgress++
		case TaskCompleted:
			stats.Completed++
		case TaskBlocked:
			stats.Blocked++
			stats.BlockedByReason[t.BlockReason]++
		}
	}
	return stats, nil
}

// --- Messages ---

func (s *MemoryStore) ImportMessages(ctx context.Context, groupID string, texts []string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	for _, m := range s.messages {
		if m.GroupID == groupID {
			seen[m.Text] = true
		}
	}
	var added int64
	for _, text := range texts {
		if seen[text] {
			continue
		}
		seen[text] = true
		s.nextMessageID++
		s.messages[s.nextMessageID] = &Message{
			ID: s.nextMessageID, GroupID: groupID, Text: text, Active: true, CreatedAt: now,
		}
		added++
	}
	return added, nil
}

func (s *MemoryStore) ListActiveMessages(ctx context.Context, groupID string) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Message
	for _, m := range s.messages {
		if m.GroupID == groupID && m.Active {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Proxies ---

func (s *MemoryStore) SyncProxies(ctx context.Context, urls []string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var added int64
	for _, url := range urls {
		if _, ok := s.proxies[url]; ok {
			continue
		}
		s.nextProxyID++
		s.proxies[url] = &Proxy{ID: s.nextProxyID, URL: url, Healthy: true, CreatedAt: now, UpdatedAt: now}
		added++
	}
	return added, nil
}

func (s *MemoryStore) ListProxies(ctx context.Context) ([]*Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Proxy
	for _, p := range s.proxies {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) AssignedProxy(ctx context.Context, profileID string) (*Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.proxies {
		if p.AssignedProfileID == profileID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) AcquireProxy(ctx context.Context, profileID string, now time.Time) (*Proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var free []*Proxy
	for _, p := range s.proxies {
		if p.Healthy && p.AssignedProfileID == "" {
			free = append(free, p)
		}
	}
	if len(free) == 0 {
		return nil, ErrNoProxy
	}
	sort.Slice(free, func(i, j int) bool { return free[i].ID < free[j].ID })
	p := free[0]
	p.AssignedProfileID = profileID
	p.AssignedAt = now
	p.UpdatedAt = now
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ReleaseProxy(ctx context.Context, profileID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.proxies {
		if p.AssignedProfileID == profileID {
			p.AssignedProfileID = ""
			p.AssignedAt = time.Time{}
			p.UpdatedAt = now
		}
	}
	return nil
}

func (s *MemoryStore) MarkProxyUnhealthy(ctx context.Context, url string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.proxies[url]; ok {
		p.Healthy = false
		p.UnhealthyAt = now
		p.AssignedProfileID = ""
		p.AssignedAt = time.Time{}
		p.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) RecordProxyOutcome(ctx context.Context, proxyURL, profileID string, obs ProxyObservation, now time.Time) (*ProxyStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := proxyURL + "|" + profileID
	st, ok := s.stats[key]
	if !ok {
		st = &ProxyStats{ProxyURL: proxyURL, ProfileID: profileID}
		s.stats[key] = st
	}
	st.Attempts++
	switch obs {
	case ProxyObservedSuccess:
		st.Successes++
	case ProxyObservedChatNotFound:
		st.ChatNotFound++
	default:
		st.Errors++
	}
	st.UpdatedAt = now
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) ResetProxyStats(ctx context.Context, proxyURL, profileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stats, proxyURL+"|"+profileID)
	return nil
}

func (s *MemoryStore) ReviveProxies(ctx context.Context, olderThan time.Duration, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-olderThan)
	var n int64
	for _, p := range s.proxies {
		if !p.Healthy && !p.UnhealthyAt.IsZero() && p.UnhealthyAt.Before(cutoff) {
			p.Healthy = true
			p.UnhealthyAt = time.Time{}
			p.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// --- Stats ---

func (s *MemoryStore) DailyStats(ctx context.Context, groupID, date string) ([]*DailyStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*DailyStat
	for _, d := range s.daily {
		p, ok := s.profiles[d.ProfileID]
		if !ok || p.GroupID != groupID || d.Date != date {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProfileID < out[j].ProfileID })
	return out, nil
}

// Attempts returns a copy of all attempt rows for assertions.
func (s *MemoryStore) Attempts() []*TaskAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*TaskAttempt, 0, len(s.attempts))
	for _, a := range s.attempts {
		cp := *a
		out = append(out, &cp)
	}
	return out
}

// SendLog returns a copy of the audit log for assertions.
func (s *MemoryStore) SendLog() []*SendLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*SendLogEntry, 0, len(s.sendLog))
	for _, e := range s.sendLog {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

func (s *MemoryStore) appendAttempt(a *TaskAttempt) {
	s.nextAttemptID++
	a.ID = s.nextAttemptID
	s.attempts = append(s.attempts, a)
}

func (s *MemoryStore) appendLog(groupID, profileID string, taskID int64, chatRef, messageText string, status AttemptStatus, errorKind string, now time.Time) {
	s.sendLog = append(s.sendLog, &SendLogEntry{
		ID: int64(len(s.sendLog) + 1), GroupID: groupID, ProfileID: profileID,
		TaskID: taskID, ChatRef: chatRef, MessageText: messageText,
		Status: status, ErrorKind: errorKind, CreatedAt: now,
	})
}

func (s *MemoryStore) bumpDaily(profileID string, now time.Time, sent, failed int) {
	date := now.UTC().Format("2006-01-02")
	key := profileID + "|" + date
	d, ok := s.daily[key]
	if !ok {
		d = &DailyStat{ProfileID: profileID, Date: date}
		s.daily[key] = d
	}
	d.Sent += sent
	d.Failed += failed
}
