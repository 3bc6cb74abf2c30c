package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/talkavatar/internal/events"
	"github.com/ent0n29/talkavatar/internal/logging"
	"github.com/ent0n29/talkavatar/internal/media"
	"github.com/ent0n29/talkavatar/internal/observability"
	"github.com/ent0n29/talkavatar/internal/protocol"
)

const defaultTaskTimeout = 10 * time.Minute

// Presenter is where completed media goes.
type Presenter interface {
	Present(source string, ref media.Ref) bool
}

// Pipeline owns the single active task slot of one orchestrator.
//
// Completed media is presented while the pipeline lock is held, after the
// slot has been checked, so a task abandoned concurrently can never reach
// the presenter. Request.OnDone and events run after the lock is released.
type Pipeline struct {
	owner    string
	monitor  Monitor
	player   Presenter
	pub      events.Publisher
	metrics  *observability.Metrics
	tracer   trace.Tracer
	resolve  func(string) string
	timeout  time.Duration
	now      func() time.Time
	log      zerolog.Logger
	textClip int

	mu   sync.Mutex
	gen  uint64
	slot *slot
	last *Task

	// lastRound belongs to last; it closes once last's OnDone has run.
	lastRound *round
}

type slot struct {
	gen     uint64
	task    Task
	ack     protocol.Ack
	onDone  func(Task, error)
	current func() bool
	cancel  context.CancelFunc
	round   *round
}

// round is one monitoring attempt. done closes when the attempt ends in a
// terminal result, an interruption or abandonment.
type round struct {
	done   chan struct{}
	closed bool
	task   Task
	err    error
}

func newRound() *round { return &round{done: make(chan struct{})} }

func (r *round) finish(task Task, err error) {
	if r.closed {
		return
	}
	r.closed = true
	r.task = task
	r.err = err
	close(r.done)
}

type Option func(*Pipeline)

func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTaskTimeout bounds monitoring of one task; a task that does not turn
// terminal in time fails with ErrTimedOut.
func WithTaskTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithURLResolver rewrites media URLs before presentation, e.g. to make
// relative backend paths absolute.
func WithURLResolver(fn func(string) string) Option {
	return func(p *Pipeline) { p.resolve = fn }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func NewPipeline(owner string, monitor Monitor, player Presenter, pub events.Publisher, logger zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		owner:    owner,
		monitor:  monitor,
		player:   player,
		pub:      events.OrDiscard(pub),
		tracer:   observability.Tracer(),
		resolve:  func(s string) string { return s },
		timeout:  defaultTaskTimeout,
		now:      time.Now,
		log:      logger.With().Str("component", "pipeline").Str("owner", owner).Logger(),
		textClip: 80,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) Owner() string { return p.owner }

// Active returns the task occupying the slot, if any.
func (p *Pipeline) Active() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slot == nil {
		return Task{}, false
	}
	return p.slot.task, true
}

// Last returns the most recent task that reached a terminal status.
func (p *Pipeline) Last() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return Task{}, false
	}
	return *p.last, true
}

// Submit reserves the slot, performs the remote submission and starts
// monitoring. It returns once the remote acknowledged the task; a backend
// that answers with a terminal body is resolved before Submit returns.
func (p *Pipeline) Submit(ctx context.Context, req Request) (Task, error) {
	if req.Submit == nil {
		return Task{}, fmt.Errorf("%w: no submit function", ErrSubmission)
	}
	if req.Kind == "" {
		req.Kind = KindFull
	}
	if !req.Kind.Valid() {
		return Task{}, fmt.Errorf("%w: unknown kind %q", ErrSubmission, req.Kind)
	}

	p.mu.Lock()
	if p.slot != nil {
		active := p.slot.task
		p.mu.Unlock()
		p.metrics.CountIndicator(observability.IndicatorSubmissionRefused)
		p.publish(events.TaskRejected, active.ID, "a task is already active", active)
		return active, ErrTaskActive
	}
	p.gen++
	s := &slot{
		gen: p.gen,
		task: Task{
			Owner:       p.owner,
			Kind:        req.Kind,
			SourceText:  req.SourceText,
			Status:      protocol.StatusPending,
			SubmittedAt: p.now().UTC(),
		},
		onDone:  req.OnDone,
		current: req.Current,
		round:   newRound(),
	}
	p.slot = s
	p.mu.Unlock()
	p.metrics.ObserveTaskStarted(p.owner)

	ctx, span := p.tracer.Start(ctx, "generation.submit", trace.WithAttributes(
		attribute.String("generation.owner", p.owner),
		attribute.String("generation.kind", string(req.Kind)),
	))
	started := p.now()
	ack, err := req.Submit(ctx)
	p.metrics.ObserveStage(observability.StageSubmitAck, p.now().Sub(started))
	if err == nil && ack.Key() == "" && ack.Result == nil {
		err = fmt.Errorf("%w: acknowledgement carries no task id", protocol.ErrMalformedResponse)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submission failed")
		span.End()
		return p.submissionFailed(s, err)
	}
	span.SetAttributes(attribute.String("generation.task_id", ack.Key()))
	span.End()

	p.mu.Lock()
	if p.slot != s {
		task := s.task
		p.mu.Unlock()
		return task, ErrAbandoned
	}
	s.ack = ack
	s.task.ID = ack.Key()
	s.task.ConversationID = ack.ConversationID
	if ack.Status.Valid() && !ack.Status.Terminal() {
		s.task.Status = ack.Status
	}
	task := s.task
	immediate := ack.Result != nil && ack.Result.Status.Terminal()
	var monitorCtx context.Context
	if !immediate {
		var cancel context.CancelFunc
		monitorCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		s.cancel = cancel
	}
	p.mu.Unlock()

	p.log.Info().Str("task_id", task.ID).Str("kind", string(task.Kind)).
		Str("text", logging.SafeText(task.SourceText, p.textClip)).Msg("task submitted")
	p.publish(events.TaskSubmitted, task.ID, "", task)

	if immediate {
		p.settle(s.gen, *ack.Result, nil)
		<-s.round.done
		return s.round.task, s.round.err
	}
	go p.watch(monitorCtx, s.gen, ack)
	return task, nil
}

// Run submits and waits for the terminal result.
func (p *Pipeline) Run(ctx context.Context, req Request) (Task, error) {
	task, err := p.Submit(ctx, req)
	if err != nil || task.Terminal() {
		return task, err
	}
	return p.Wait(ctx, task.ID)
}

// Wait blocks until the task identified by taskID (or the active task when
// taskID is empty) ends its current monitoring round. It returns the
// terminal task, or an error wrapping ErrMonitorInterrupted or ErrAbandoned.
func (p *Pipeline) Wait(ctx context.Context, taskID string) (Task, error) {
	p.mu.Lock()
	if s := p.slot; s != nil && (taskID == "" || s.task.ID == taskID) {
		r := s.round
		p.mu.Unlock()
		select {
		case <-r.done:
			return r.task, r.err
		case <-ctx.Done():
			return Task{}, ctx.Err()
		}
	}
	if p.last == nil || (taskID != "" && p.last.ID != taskID) {
		p.mu.Unlock()
		return Task{}, ErrNoActiveTask
	}
	last, r := *p.last, p.lastRound
	p.mu.Unlock()
	if r == nil {
		return last, nil
	}
	select {
	case <-r.done:
		return r.task, r.err
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

// Abandon stops monitoring the active task and frees the slot. Any result
// that arrives for it later is ignored.
func (p *Pipeline) Abandon(taskID string) (Task, error) {
	p.mu.Lock()
	s := p.slot
	if s == nil || (taskID != "" && s.task.ID != taskID) {
		p.mu.Unlock()
		return Task{}, ErrNoActiveTask
	}
	p.slot = nil
	if s.cancel != nil {
		s.cancel()
	}
	task := s.task
	p.mu.Unlock()
	defer p.finishRound(s, task, ErrAbandoned)

	p.metrics.ObserveTaskFinished(p.owner, string(task.Kind), "abandoned", p.now().Sub(task.SubmittedAt))
	p.log.Info().Str("task_id", task.ID).Msg("task abandoned")
	p.publish(events.TaskAbandoned, task.ID, "", task)
	if s.onDone != nil {
		s.onDone(task, ErrAbandoned)
	}
	return task, nil
}

// Resume restarts monitoring of an interrupted task.
func (p *Pipeline) Resume(ctx context.Context, taskID string) (Task, error) {
	p.mu.Lock()
	s := p.slot
	if s == nil || (taskID != "" && s.task.ID != taskID) {
		p.mu.Unlock()
		return Task{}, ErrNoActiveTask
	}
	if !s.task.Interrupted {
		task := s.task
		p.mu.Unlock()
		return task, ErrNotInterrupted
	}
	s.task.Interrupted = false
	s.round = newRound()
	monitorCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	s.cancel = cancel
	task, gen, ack := s.task, s.gen, s.ack
	p.mu.Unlock()

	p.log.Info().Str("task_id", task.ID).Msg("monitoring resumed")
	p.publish(events.TaskProgress, task.ID, "monitoring resumed", task)
	go p.watch(monitorCtx, gen, ack)
	return task, nil
}

func (p *Pipeline) submissionFailed(s *slot, cause error) (Task, error) {
	err := fmt.Errorf("%w: %w", ErrSubmission, cause)

	p.mu.Lock()
	owned := p.slot == s
	if owned {
		p.slot = nil
	}
	s.task.Status = protocol.StatusFailed
	s.task.Error = cause.Error()
	s.task.FinishedAt = p.now().UTC()
	task := s.task
	s.round.finish(task, err)
	p.mu.Unlock()

	if !owned {
		return task, ErrAbandoned
	}
	p.metrics.ObserveTaskFinished(p.owner, string(task.Kind), "submission_error", p.now().Sub(task.SubmittedAt))
	p.log.Warn().Err(cause).Msg("task submission failed")
	p.publish(events.TaskFailed, "", "submission: "+cause.Error(), task)
	return task, err
}

func (p *Pipeline) watch(ctx context.Context, gen uint64, ack protocol.Ack) {
	ctx, span := p.tracer.Start(ctx, "generation.monitor", trace.WithAttributes(
		attribute.String("generation.owner", p.owner),
		attribute.String("generation.task_id", ack.Key()),
		attribute.String("generation.monitor", p.monitor.Name()),
	))
	defer span.End()

	res, err := p.monitor.Await(ctx, ack, func(r protocol.TaskResult) { p.progress(gen, r) })
	if err != nil && !errors.Is(err, context.Canceled) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "monitoring ended without result")
	}
	p.settle(gen, res, err)
}

func (p *Pipeline) progress(gen uint64, res protocol.TaskResult) {
	if res.Status.Terminal() {
		return
	}
	p.mu.Lock()
	s := p.slot
	if s == nil || s.gen != gen {
		p.mu.Unlock()
		return
	}
	s.task.apply(res)
	task := s.task
	p.mu.Unlock()
	p.publish(events.TaskProgress, task.ID, "", task)
}

// settle applies the outcome of a monitoring round for generation gen.
func (p *Pipeline) settle(gen uint64, res protocol.TaskResult, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		res = protocol.TaskResult{Status: protocol.StatusFailed, Error: ErrTimedOut.Error()}
		err = nil
	}

	p.mu.Lock()
	s := p.slot
	if s == nil || s.gen != gen {
		p.mu.Unlock()
		if err == nil {
			p.metrics.CountIndicator(observability.IndicatorLateResult)
			p.log.Debug().Str("task_id", res.TaskID).Msg("ignoring result for superseded task")
			p.publish(events.TaskIgnored, res.TaskID, "", nil)
		}
		return
	}

	if err != nil {
		if !errors.Is(err, ErrMonitorInterrupted) {
			err = fmt.Errorf("%w: %w", ErrMonitorInterrupted, err)
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.task.Interrupted = true
		task := s.task
		s.round.finish(task, err)
		p.mu.Unlock()

		p.log.Warn().Err(err).Str("task_id", task.ID).Msg("task monitoring interrupted")
		p.publish(events.TaskInterrupted, task.ID, err.Error(), task)
		return
	}

	s.task.apply(res)
	s.task.FinishedAt = p.now().UTC()
	switch s.task.Status {
	case protocol.StatusCompleted:
		s.task.Error = ""
		s.task.Progress = 100
		s.task.AudioURL = p.resolve(s.task.AudioURL)
		s.task.VideoURL = p.resolve(s.task.VideoURL)
		if ref, ok := mediaFor(s.task.Kind, s.task.VideoURL, s.task.AudioURL); ok {
			s.task.Media = ref
			if s.current == nil || s.current() {
				p.player.Present(p.owner, ref)
			} else {
				p.metrics.CountIndicator(observability.IndicatorLateResult)
				p.log.Debug().Str("task_id", s.task.ID).Msg("submitter moved on, media not presented")
			}
		}
	default:
		s.task.Status = protocol.StatusFailed
		if s.task.Error == "" {
			s.task.Error = GenericFailure
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	p.slot = nil
	task := s.task
	p.last = &task
	p.lastRound = s.round
	p.mu.Unlock()
	// Waiters are released only after OnDone has run.
	defer p.finishRound(s, task, nil)

	outcome := string(task.Status)
	p.metrics.ObserveTaskFinished(p.owner, string(task.Kind), outcome, task.FinishedAt.Sub(task.SubmittedAt))
	if task.Succeeded() {
		p.log.Info().Str("task_id", task.ID).Str("media", string(task.Media.Kind)).Msg("task completed")
		p.publish(events.TaskCompleted, task.ID, "", task)
	} else {
		p.log.Warn().Str("task_id", task.ID).Str("error", task.Error).Msg("task failed")
		p.publish(events.TaskFailed, task.ID, task.Error, task)
	}
	if s.onDone != nil {
		s.onDone(task, nil)
	}
}

func (p *Pipeline) finishRound(s *slot, task Task, err error) {
	p.mu.Lock()
	s.round.finish(task, err)
	p.mu.Unlock()
}

func (p *Pipeline) publish(typ events.Type, taskID, detail string, payload any) {
	p.pub.Publish(events.Event{
		Type:    typ,
		Source:  p.owner,
		TaskID:  taskID,
		Detail:  detail,
		Payload: payload,
		At:      p.now().UTC(),
	})
}
