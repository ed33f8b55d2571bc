package directory

import (
	"context"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "castbot/pkg/logx"
)

const maxStartupSpread = 30 * time.Second

// Refresher runs Directory.Refresh on a cron schedule.
type Refresher struct {
	dir     *Directory
	log     logx.Logger
	parser  cron.Parser
	timeout time.Duration

	mu      sync.Mutex
	spec    string
	c       *cron.Cron
	running bool
	ctx     context.Context

	// OnRefresh, when set, receives the stats of every pass.
	OnRefresh func(RefreshStats, error)
}

func NewRefresher(dir *Directory, log logx.Logger) *Refresher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Refresher{
		dir: dir,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		timeout: 2 * time.Minute,
		ctx:     context.Background(),
	}
}

// Apply sets the schedule. An empty spec stops refreshing. When the
// refresher is started, the cron is rebuilt with the new schedule.
func (r *Refresher) Apply(spec string) error {
	spec = strings.TrimSpace(spec)
	var sched cron.Schedule
	if spec != "" {
		var err error
		if sched, err = r.schedule(spec, time.Now()); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if spec == r.spec {
		return nil
	}
	r.spec = spec
	if !r.running {
		return nil
	}
	r.stopCronLocked()
	if sched != nil {
		r.startCronLocked(sched)
	}
	r.log.Info("channel refresh rescheduled", logx.String("schedule", spec))
	return nil
}

// Start begins triggering; ctx bounds every refresh pass.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	r.running = true
	r.ctx = ctx
	if r.spec == "" {
		r.log.Debug("channel refresh disabled")
		return nil
	}
	sched, err := r.schedule(r.spec, time.Now())
	if err != nil {
		return err
	}
	r.startCronLocked(sched)
	r.log.Info("channel refresh started", logx.String("schedule", r.spec))
	return nil
}

func (r *Refresher) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.running = false
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce performs one refresh pass now.
func (r *Refresher) RunOnce() {
	r.mu.Lock()
	base := r.ctx
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(base, r.timeout)
	defer cancel()
	start := time.Now()
	st, err := r.dir.Refresh(ctx)
	fields := []logx.Field{
		logx.Int("checked", st.Checked),
		logx.Int("changed", st.Changed),
		logx.Int("lost", st.Lost),
		logx.Int("errors", st.Errors),
		logx.Duration("took", time.Since(start)),
	}
	switch {
	case err != nil:
		r.log.Warn("channel refresh failed", append(fields, logx.Err(err))...)
	case st.Lost > 0:
		r.log.Warn("channel refresh: lost post rights", fields...)
	default:
		r.log.Debug("channel refresh done", fields...)
	}
	if r.OnRefresh != nil {
		r.OnRefresh(st, err)
	}
}

func (r *Refresher) startCronLocked(sched cron.Schedule) {
	r.c = cron.New(cron.WithParser(r.parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	r.c.Schedule(sched, cron.FuncJob(r.RunOnce))
	r.c.Start()
}

func (r *Refresher) stopCronLocked() {
	if r.c == nil {
		return
	}
	<-r.c.Stop().Done()
	r.c = nil
}

// schedule parses spec. Interval specs ("@every 30m") get a random first-run
// spread so restarts of several bots do not hit the API together.
func (r *Refresher) schedule(spec string, now time.Time) (cron.Schedule, error) {
	if strings.HasPrefix(spec, "@every") {
		every, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(spec, "@every")))
		if err == nil && every > 0 {
			return withStartupSpread(every, now, spec), nil
		}
	}
	return r.parser.Parse(spec)
}

// startupSpreadSchedule overrides the first run time of a base schedule.
type startupSpreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *startupSpreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func withStartupSpread(every time.Duration, now time.Time, tag string) cron.Schedule {
	base := cron.Every(every)
	spreadMax := min(every, maxStartupSpread)
	if spreadMax <= 0 {
		return base
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	rng := rand.New(rand.NewSource(now.UnixNano() ^ int64(h.Sum64())))
	jitter := time.Duration(rng.Int63n(int64(spreadMax)))
	return &startupSpreadSchedule{base: base, first: now.Add(every + jitter)}
}
