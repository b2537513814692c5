// Package upkeep keeps registered upstream accounts usable: it refreshes
// balances and runs the daily reward tasks, on a schedule and on demand.
package upkeep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lkarlslund/xiaobairouter/pkg/accounts"
	"github.com/lkarlslund/xiaobairouter/pkg/upstream"
	"github.com/robfig/cron/v3"
)

const (
	KindBrowse  = "browse"
	KindCheckin = "checkin"
)

type Directory interface {
	ActiveTokens(ctx context.Context) ([]accounts.Token, error)
	TokensForUpkeep(ctx context.Context) ([]accounts.Token, error)
	UpdateBalance(ctx context.Context, tokenID int64, balance float64) error
	DailyTaskCounts(ctx context.Context, tokenID int64) (map[string]int, error)
	LogTask(ctx context.Context, tokenID int64, kind, taskID string, rewards float64) error
}

type AccountAPI interface {
	Balance(ctx context.Context, cred upstream.Credentials) (upstream.Balance, error)
	ListTasks(ctx context.Context, cred upstream.Credentials) ([]upstream.Task, error)
	ExecuteTask(ctx context.Context, cred upstream.Credentials, taskID string) (upstream.TaskResult, error)
}

type Config struct {
	BalanceSchedule   string
	TasksSchedule     string
	BalanceEveryCalls int
	LowBalance        float64
	DailyBrowseLimit  int
	DailyCheckinLimit int
}

// BalanceReport is the last known state of one token.
type BalanceReport struct {
	Balance   float64
	Status    string
	CheckedAt time.Time
}

type Runner struct {
	dir Directory
	api AccountAPI
	cfg Config
	now func() time.Time

	mu       sync.RWMutex
	byToken  map[int64]BalanceReport
	balanceC chan struct{}
	tasksC   chan struct{}
}

func New(dir Directory, api AccountAPI, cfg Config) *Runner {
	return &Runner{
		dir:      dir,
		api:      api,
		cfg:      cfg,
		now:      time.Now,
		byToken:  map[int64]BalanceReport{},
		balanceC: make(chan struct{}, 1),
		tasksC:   make(chan struct{}, 1),
	}
}

// Run serves triggers and cron schedules until ctx is done. An invalid
// schedule is reported before anything starts.
func (r *Runner) Run(ctx context.Context) error {
	if r == nil || r.dir == nil || r.api == nil {
		return nil
	}
	c := cron.New()
	for _, job := range []struct {
		spec    string
		trigger func()
	}{
		{r.cfg.BalanceSchedule, r.TriggerBalance},
		{r.cfg.TasksSchedule, r.TriggerTasks},
	} {
		if job.spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(job.spec); err != nil {
			return fmt.Errorf("invalid cron schedule %q: %w", job.spec, err)
		}
		if _, err := c.AddFunc(job.spec, job.trigger); err != nil {
			return fmt.Errorf("schedule %q: %w", job.spec, err)
		}
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()
	slog.Info("upkeep started", "balance_schedule", r.cfg.BalanceSchedule, "tasks_schedule", r.cfg.TasksSchedule)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.balanceC:
			if _, err := r.CheckBalances(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("balance check failed", "error", err)
			}
		case <-r.tasksC:
			if _, err := r.RunTasks(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("task run failed", "error", err)
			}
		}
	}
}

func (r *Runner) TriggerBalance() {
	if r == nil {
		return
	}
	select {
	case r.balanceC <- struct{}{}:
	default:
	}
}

func (r *Runner) TriggerTasks() {
	if r == nil {
		return
	}
	select {
	case r.tasksC <- struct{}{}:
	default:
	}
}

// OnCall is told how many calls a token served today; every
// BalanceEveryCalls calls it schedules a balance check.
func (r *Runner) OnCall(callsToday int) {
	if r == nil || r.cfg.BalanceEveryCalls <= 0 || callsToday <= 0 {
		return
	}
	if callsToday%r.cfg.BalanceEveryCalls == 0 {
		r.TriggerBalance()
	}
}

func (r *Runner) Snapshot(tokenID int64) (BalanceReport, bool) {
	if r == nil {
		return BalanceReport{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.byToken[tokenID]
	return v, ok
}

// CheckBalances refreshes every active token's balance. Low balances on
// tokens with automatic tasks schedule a task run.
func (r *Runner) CheckBalances(ctx context.Context) (int, error) {
	tokens, err := r.dir.ActiveTokens(ctx)
	if err != nil {
		return 0, err
	}
	checked := 0
	lowWithTasks := false
	for _, t := range tokens {
		if err := ctx.Err(); err != nil {
			return checked, err
		}
		report := BalanceReport{CheckedAt: r.now().UTC()}
		bal, err := r.api.Balance(ctx, credentials(t))
		if err != nil {
			report.Status = "error"
			slog.Warn("balance check failed", "token_id", t.ID, "token", t.Name, "error", err)
			r.record(t.ID, report)
			continue
		}
		report.Balance = bal.Suanli()
		report.Status = "ok"
		if report.Balance < r.cfg.LowBalance {
			report.Status = "low"
			lowWithTasks = lowWithTasks || t.AutoTask
		}
		if err := r.dir.UpdateBalance(ctx, t.ID, report.Balance); err != nil {
			return checked, err
		}
		r.record(t.ID, report)
		checked++
		slog.Debug("balance checked", "token_id", t.ID, "balance", report.Balance, "status", report.Status)
	}
	if lowWithTasks {
		r.TriggerTasks()
	}
	return checked, nil
}

// RunTasks completes today's remaining browse and check-in tasks for every
// token with automatic tasks enabled, within the daily limits.
func (r *Runner) RunTasks(ctx context.Context) (int, error) {
	tokens, err := r.dir.TokensForUpkeep(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, t := range tokens {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := r.runTokenTasks(ctx, t)
		total += n
		if err != nil {
			slog.Warn("tasks failed", "token_id", t.ID, "token", t.Name, "completed", n, "error", err)
		}
	}
	return total, nil
}

func (r *Runner) runTokenTasks(ctx context.Context, t accounts.Token) (int, error) {
	counts, err := r.dir.DailyTaskCounts(ctx, t.ID)
	if err != nil {
		return 0, err
	}
	remaining := map[string]int{
		KindBrowse:  max(0, r.cfg.DailyBrowseLimit-counts[KindBrowse]),
		KindCheckin: max(0, r.cfg.DailyCheckinLimit-counts[KindCheckin]),
	}
	if remaining[KindBrowse] == 0 && remaining[KindCheckin] == 0 {
		return 0, nil
	}
	cred := credentials(t)
	tasks, err := r.api.ListTasks(ctx, cred)
	if err != nil {
		return 0, fmt.Errorf("list tasks: %w", err)
	}
	done := 0
	rewards := 0.0
	for _, task := range tasks {
		kind := task.Kind()
		if kind == "" || task.ID == "" || remaining[kind] == 0 {
			continue
		}
		res, err := r.api.ExecuteTask(ctx, cred, task.ID)
		if err != nil {
			slog.Debug("task not completed", "token_id", t.ID, "task_id", task.ID, "error", err)
			continue
		}
		if err := r.dir.LogTask(ctx, t.ID, kind, task.ID, res.Rewards); err != nil {
			return done, err
		}
		remaining[kind]--
		done++
		rewards += res.Rewards
	}
	if done > 0 {
		slog.Info("tasks completed", "token_id", t.ID, "count", done, "rewards", rewards)
	}
	return done, nil
}

func (r *Runner) record(tokenID int64, report BalanceReport) {
	r.mu.Lock()
	r.byToken[tokenID] = report
	r.mu.Unlock()
}

func credentials(t accounts.Token) upstream.Credentials {
	return upstream.Credentials{AccessToken: t.AccessToken, DeviceID: t.DeviceID}
}
