package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
	"github.com/robfig/cron/v3"

	"github.com/example/jobsync/app/channel"
)

// Channel is the transport the engine polls and mutates through. Implemented
// by channel.Supervisor, faked in tests.
type Channel interface {
	EnsureOpen(ctx context.Context) error
	IsReady() bool
	Send(req channel.Request) error
	Close()
}

// API is the request/response side of the backend, used for detail fetches
// and prompt submission.
type API interface {
	JobDetail(ctx context.Context, userID, jobID string) (Job, error)
	SubmitJob(ctx context.Context, req SubmitRequest) error
}

// Cron defines the subset of robfig/cron methods driving the pollers
type Cron interface {
	Start()
	Stop() context.Context
	Schedule(schedule cron.Schedule, cmd cron.Job) cron.EntryID
	Remove(id cron.EntryID)
}

// Notifier delivers job completion notifications, optional
type Notifier interface {
	Send(ctx context.Context, subj, text string) error
	IsOnCompletion() bool
	IsOnError() bool
}

// SubmitRequest is a new prompt submission
type SubmitRequest struct {
	UserID      string `json:"userid"`
	Prompt      string `json:"prompt"`
	RequestType string `json:"request_type"`
	SessionID   string `json:"sessionid,omitempty"`
}

// Config sets up the engine. Channel, API, Store and UserID are required,
// zero intervals get defaults matching the original client cadence.
type Config struct {
	Channel  Channel
	API      API
	Cron     Cron
	Store    *Store
	Notifier Notifier

	UserID      string
	SessionID   string
	SessionName string

	PollInterval     time.Duration // jobs poll cadence
	WaitingInterval  time.Duration // waiting-count poll cadence
	RetryDelay       time.Duration // fixed delay between mutation retries
	NudgeDelay       time.Duration // delay for one-shot poll triggers
	Lookback         time.Duration // watermark trailing window
	NotifyTimeout    time.Duration
	FetchConcurrency int

	Confirm func(jobID string) bool // asked once before a delete is dispatched
}

const (
	defaultPollInterval    = 3 * time.Second
	defaultWaitingInterval = 5 * time.Second
	defaultRetryDelay      = time.Second
	defaultNudgeDelay      = 500 * time.Millisecond
	defaultLookback        = 180 * time.Second
	defaultNotifyTimeout   = 10 * time.Second
	defaultFetchConc       = 4
	eventQueueSize         = 256
)

// Engine reconciles push summaries, detail fetches and poll responses into
// the job store and dispatches user mutations. All state transitions happen
// on one goroutine consuming a typed event queue, so the store has a single
// writer and ordering is the order events are handled. In-flight fetches are
// never canceled, a fetch resolving after a delete of the same id can
// resurrect the job until the next tombstone arrives.
type Engine struct {
	channel  Channel
	api      API
	cron     Cron
	store    *Store
	notifier Notifier

	userID           string
	pollInterval     time.Duration
	waitingInterval  time.Duration
	retryDelay       time.Duration
	nudgeDelay       time.Duration
	lookback         time.Duration
	notifyTimeout    time.Duration
	fetchConcurrency int
	confirm          func(jobID string) bool

	events  chan event
	fetches *syncs.SizedGroup

	jobsEntry    cron.EntryID
	waitingEntry cron.EntryID
	pollerActive bool

	// runtime state, written by the engine loop only, read via Status()
	stateMu     sync.RWMutex
	sessionID   string
	sessionName string
	lastCheck   int64 // unix seconds watermark, 0 = everything
	waiting     int
	initialLoad bool

	now func() time.Time // test hook
}

// State is a point-in-time snapshot of engine internals for the status API
type State struct {
	Ready       bool   `json:"ready"`
	Jobs        int    `json:"jobs"`
	Waiting     int    `json:"waiting"`
	Watermark   int64  `json:"watermark"`
	SessionID   string `json:"sessionid,omitempty"`
	SessionName string `json:"session_name,omitempty"`
	InitialLoad bool   `json:"initial_load"`
}

// New creates an engine from config, applying defaults for unset values
func New(cfg Config) (*Engine, error) {
	if cfg.Channel == nil {
		return nil, fmt.Errorf("engine requires a channel")
	}
	if cfg.API == nil {
		return nil, fmt.Errorf("engine requires an api client")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine requires a store")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("engine requires a user id")
	}

	e := &Engine{
		channel:  cfg.Channel,
		api:      cfg.API,
		cron:     cfg.Cron,
		store:    cfg.Store,
		notifier: cfg.Notifier,

		userID:           cfg.UserID,
		sessionID:        cfg.SessionID,
		sessionName:      cfg.SessionName,
		pollInterval:     cfg.PollInterval,
		waitingInterval:  cfg.WaitingInterval,
		retryDelay:       cfg.RetryDelay,
		nudgeDelay:       cfg.NudgeDelay,
		lookback:         cfg.Lookback,
		notifyTimeout:    cfg.NotifyTimeout,
		fetchConcurrency: cfg.FetchConcurrency,
		confirm:          cfg.Confirm,

		events:      make(chan event, eventQueueSize),
		initialLoad: true,
		now:         time.Now,
	}

	if e.cron == nil {
		e.cron = cron.New()
	}
	if e.pollInterval == 0 {
		e.pollInterval = defaultPollInterval
	}
	if e.waitingInterval == 0 {
		e.waitingInterval = defaultWaitingInterval
	}
	if e.retryDelay == 0 {
		e.retryDelay = defaultRetryDelay
	}
	if e.nudgeDelay == 0 {
		e.nudgeDelay = defaultNudgeDelay
	}
	if e.lookback == 0 {
		e.lookback = defaultLookback
	}
	if e.notifyTimeout == 0 {
		e.notifyTimeout = defaultNotifyTimeout
	}
	if e.fetchConcurrency == 0 {
		e.fetchConcurrency = defaultFetchConc
	}
	return e, nil
}

// Run starts the pollers and processes events until ctx is canceled.
// Blocking, the main entry point.
func (e *Engine) Run(ctx context.Context) error {
	log.Printf("[INFO] starting sync engine, user=%s session=%q poll=%v", e.userID, e.sessionID, e.pollInterval)

	e.fetches = syncs.NewSizedGroup(e.fetchConcurrency, syncs.Context(ctx))
	e.startPoller()
	e.waitingEntry = e.cron.Schedule(cron.Every(e.waitingInterval), cron.FuncJob(func() { e.enqueue(tickWaiting{}) }))
	e.cron.Start()

	// prime the first poll shortly after start, like the initial page load
	time.AfterFunc(e.nudgeDelay, func() {
		e.enqueue(tickJobs{})
		e.enqueue(tickWaiting{})
	})

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case ev := <-e.events:
			e.handle(ctx, ev)
		}
	}
}

// Inbound feeds a decoded channel message into the engine, safe to call from
// the supervisor's read loop goroutine. Wire it as the supervisor handler.
func (e *Engine) Inbound(msg channel.Inbound) {
	e.enqueue(inboundEvt{msg: msg})
}

// Delete requests removal of a job. The confirm hook runs once before the
// first dispatch attempt, retries skip it.
func (e *Engine) Delete(jobID string) {
	e.enqueue(mutateEvt{m: mutation{kind: mutDelete, jobID: jobID}})
}

// Resubmit asks the server to re-run an errored job. No local mutation, the
// server pushes the refreshed state.
func (e *Engine) Resubmit(jobID string) {
	e.enqueue(mutateEvt{m: mutation{kind: mutResubmit, jobID: jobID}})
}

// Feedback sends a user's feedback for a job. The comment is applied to the
// local record right away, the result only once the server echoes it back.
func (e *Engine) Feedback(jobID, comment string, success int) {
	e.enqueue(mutateEvt{m: mutation{kind: mutFeedback, jobID: jobID, comment: comment, success: success}})
}

// SubmitPrompt posts a new job over HTTP and, on success, triggers a single
// early poll so the new job shows up before the next scheduled tick.
// HTTP failures are returned to the caller, there is no automatic retry.
func (e *Engine) SubmitPrompt(ctx context.Context, prompt, requestType string) error {
	if prompt == "" {
		return fmt.Errorf("prompt is empty")
	}
	e.stateMu.RLock()
	sessionID := e.sessionID
	e.stateMu.RUnlock()

	req := SubmitRequest{UserID: e.userID, Prompt: prompt, RequestType: requestType, SessionID: sessionID}
	if err := e.api.SubmitJob(ctx, req); err != nil {
		return fmt.Errorf("failed to submit prompt: %w", err)
	}
	time.AfterFunc(e.nudgeDelay, func() { e.enqueue(tickJobs{}) })
	return nil
}

// SelectSession switches the session scope: clears the job store, resets the
// watermark and polls immediately.
func (e *Engine) SelectSession(id, name string) {
	e.enqueue(sessionEvt{id: id, name: name})
}

// RestartPoller clears and re-creates the jobs poll timer, resetting cadence
// after explicit user actions.
func (e *Engine) RestartPoller() {
	e.enqueue(restartEvt{})
}

// StopPoller clears the jobs poll timer and releases the channel. The waiting
// poller keeps running, RestartPoller brings job polling back.
func (e *Engine) StopPoller() {
	e.enqueue(stopPollerEvt{})
}

// Status returns a snapshot of the engine state
func (e *Engine) Status() State {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return State{
		Ready:       e.channel.IsReady(),
		Jobs:        e.store.Len(),
		Waiting:     e.waiting,
		Watermark:   e.lastCheck,
		SessionID:   e.sessionID,
		SessionName: e.sessionName,
		InitialLoad: e.initialLoad,
	}
}

// enqueue adds an event, dropping it with a warning when the queue is full.
// Dropped ticks are harmless, the next one covers them.
func (e *Engine) enqueue(ev event) {
	select {
	case e.events <- ev:
	default:
		log.Printf("[WARN] event queue full, dropping %s", ev.eventName())
	}
}

func (e *Engine) handle(ctx context.Context, ev event) {
	switch evt := ev.(type) {
	case tickJobs:
		e.handleTickJobs(ctx)
	case tickWaiting:
		e.handleTickWaiting(ctx)
	case inboundEvt:
		e.handleInbound(evt.msg)
	case fetchedEvt:
		e.handleFetched(ctx, evt)
	case mutateEvt:
		e.handleMutation(ctx, evt.m)
	case sessionEvt:
		e.handleSession(ctx, evt)
	case restartEvt:
		e.restartPoller()
	case stopPollerEvt:
		e.stopPoller()
	default:
		log.Printf("[WARN] unhandled event %s", ev.eventName())
	}
}

// handleTickJobs sends a jobs request if the channel is ready, otherwise the
// tick is dropped and the next one retries. On a successful send the
// watermark moves to now minus the lookback window, deliberately trailing to
// tolerate clock skew and out-of-order delivery.
func (e *Engine) handleTickJobs(ctx context.Context) {
	if err := e.channel.EnsureOpen(ctx); err != nil {
		log.Printf("[DEBUG] jobs tick, channel open failed: %v", err)
	}
	if !e.channel.IsReady() {
		return
	}

	e.stateMu.RLock()
	query := jobsQuery{Since: e.lastCheck, SessionID: e.sessionID}
	e.stateMu.RUnlock()

	payload, err := json.Marshal(query)
	if err != nil {
		log.Printf("[WARN] failed to marshal jobs query: %v", err)
		return
	}
	if err := e.channel.Send(channel.Request{UserID: e.userID, Message: channel.KindJobs, Payload: string(payload)}); err != nil {
		log.Printf("[DEBUG] jobs request dropped: %v", err)
		return
	}

	e.stateMu.Lock()
	e.lastCheck = e.now().Add(-e.lookback).Unix()
	e.stateMu.Unlock()
}

func (e *Engine) handleTickWaiting(ctx context.Context) {
	if err := e.channel.EnsureOpen(ctx); err != nil {
		log.Printf("[DEBUG] waiting tick, channel open failed: %v", err)
	}
	if !e.channel.IsReady() {
		return
	}
	if err := e.channel.Send(channel.Request{UserID: e.userID, Message: channel.KindWaiting}); err != nil {
		log.Printf("[DEBUG] waiting request dropped: %v", err)
	}
}

func (e *Engine) handleInbound(msg channel.Inbound) {
	switch m := msg.(type) {
	case channel.JobsMsg:
		e.applySummaries(m.Jobs)
		e.stateMu.Lock()
		e.initialLoad = false
		e.stateMu.Unlock()

	case channel.DeleteMsg:
		log.Printf("[DEBUG] server confirmed delete of job %s", m.ID)
		e.store.Remove(m.ID)

	case channel.WaitingMsg:
		e.stateMu.Lock()
		e.waiting = m.Count
		e.stateMu.Unlock()

	case channel.ResubmitMsg:
		// re-poll shortly, the resubmitted job is about to change
		time.AfterFunc(e.nudgeDelay, func() { e.enqueue(tickJobs{}) })

	case channel.FeedbackMsg:
		log.Printf("[DEBUG] feedback acknowledged: %s", string(m.Raw))

	case channel.ErrorMsg:
		log.Printf("[WARN] server error: %s", m.Text)

	case channel.UnknownMsg:
		log.Printf("[WARN] unknown message kind %q, dropped", m.Kind)

	default:
		log.Printf("[WARN] unexpected inbound message %T, dropped", msg)
	}
}

// applySummaries reconciles a batch of push summaries against the store.
// Unknown ids get a placeholder and a detail fetch, known ids are fetched
// only when the summary's status or updated timestamp disagrees with the
// stored record, which keeps redundant summaries from causing fetch storms.
func (e *Engine) applySummaries(items []channel.JobSummary) {
	for _, it := range items {
		if Status(it.Status) == StatusHidden {
			// tombstone, never let a hidden job into the store
			e.store.Remove(it.ID)
			continue
		}

		upd, err := ParseServerTime(it.Updated)
		if err != nil {
			log.Printf("[WARN] bad updated timestamp in summary for %s: %v", it.ID, err)
		}

		cur, ok := e.store.Get(it.ID)
		if !ok {
			placeholder := Job{ID: it.ID, UserID: it.UserID, Status: Status(it.Status), RequestType: it.RequestType, Updated: upd}
			if created, cerr := ParseServerTime(it.Created); cerr == nil && created != nil {
				placeholder.Created = *created
			}
			e.store.Put(placeholder)
			e.spawnFetch(it.ID)
			continue
		}

		if string(cur.Status) != it.Status {
			log.Printf("[DEBUG] job %s stale, status %s != %s", it.ID, cur.Status, it.Status)
			e.spawnFetch(it.ID)
			continue
		}
		if !sameInstant(upd, cur.Updated) {
			log.Printf("[DEBUG] job %s stale, updated timestamp changed", it.ID)
			e.spawnFetch(it.ID)
		}
	}
}

// spawnFetch requests the full record through the bounded fetch group,
// delivering the result back into the event loop.
func (e *Engine) spawnFetch(id string) {
	e.fetches.Go(func(ctx context.Context) {
		job, err := e.api.JobDetail(ctx, e.userID, id)
		e.enqueue(fetchedEvt{id: id, job: job, err: err})
	})
}

// handleFetched applies a detail fetch result. Hidden is a tombstone: remove
// and never insert. Everything else merges field-by-field so fetches
// resolving out of order can't lose locally-set fields.
func (e *Engine) handleFetched(ctx context.Context, ev fetchedEvt) {
	if ev.err != nil {
		log.Printf("[WARN] failed to fetch job %s: %v", ev.id, ev.err)
		return
	}
	if ev.job.Status == StatusHidden {
		e.store.Remove(ev.id)
		return
	}

	prev, existed := e.store.Get(ev.id)
	e.store.Merge(ev.job)

	if existed && prev.Status != ev.job.Status {
		log.Printf("[DEBUG] job %s moved %s -> %s", ev.id, prev.Status, ev.job.Status)
	}
	e.maybeNotify(ctx, prev, existed, ev.job)
}

// maybeNotify fires a completion notification when a job transitions into a
// terminal status. Best effort, delivered off the engine loop.
func (e *Engine) maybeNotify(ctx context.Context, prev Job, existed bool, job Job) {
	if e.notifier == nil || reflect.ValueOf(e.notifier).IsNil() || !job.Status.Terminal() {
		return
	}
	if existed && prev.Status == job.Status {
		return // already seen in this state
	}
	if job.Status == StatusComplete && !e.notifier.IsOnCompletion() {
		return
	}
	if job.Status == StatusError && !e.notifier.IsOnError() {
		return
	}

	subj := fmt.Sprintf("job %s %s", job.ID, job.Status)
	text := fmt.Sprintf("job %s finished with status %q at %s", job.ID, job.Status, job.EffectiveTime().Format(time.RFC3339))
	go func() {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.notifyTimeout)
		defer cancel()
		if err := e.notifier.Send(nctx, subj, text); err != nil {
			log.Printf("[WARN] failed to notify about job %s: %v", job.ID, err)
		}
	}()
}

// handleMutation dispatches a user intent over the channel. If the channel is
// not ready the whole mutation is re-enqueued after the retry delay, with no
// bound on attempts, until readiness. Confirmation happens once, before the
// first readiness check, retries skip it.
func (e *Engine) handleMutation(ctx context.Context, m mutation) {
	if m.kind == mutDelete && !m.confirmed {
		if e.confirm != nil && !e.confirm(m.jobID) {
			log.Printf("[DEBUG] delete of %s not confirmed, dropped", m.jobID)
			return
		}
		m.confirmed = true
	}

	if m.kind == mutFeedback && !m.applied {
		// optimistic local comment, the result waits for the server echo
		e.store.SetFeedbackComment(m.jobID, m.comment)
		m.applied = true
	}

	if err := e.channel.EnsureOpen(ctx); err != nil {
		log.Printf("[DEBUG] mutation %s, channel open failed: %v", m.kind, err)
	}
	if !e.channel.IsReady() {
		e.retryLater(m)
		return
	}

	req, err := e.mutationRequest(m)
	if err != nil {
		log.Printf("[WARN] failed to build %s request: %v", m.kind, err)
		return
	}
	if err := e.channel.Send(req); err != nil {
		log.Printf("[DEBUG] %s send failed, will retry: %v", m.kind, err)
		e.retryLater(m)
		return
	}

	if m.kind == mutDelete {
		// optimistic removal right after a successful send
		e.store.Remove(m.jobID)
	}
	log.Printf("[INFO] sent %s for job %s", m.kind, m.jobID)
}

func (e *Engine) mutationRequest(m mutation) (channel.Request, error) {
	switch m.kind {
	case mutDelete:
		return channel.Request{UserID: e.userID, Message: channel.KindDelete, Payload: m.jobID}, nil
	case mutResubmit:
		return channel.Request{UserID: e.userID, Message: channel.KindResubmit, Payload: m.jobID}, nil
	case mutFeedback:
		payload, err := json.Marshal(feedbackPayload{JobID: m.jobID, Comment: m.comment, Success: m.success})
		if err != nil {
			return channel.Request{}, fmt.Errorf("failed to marshal feedback: %w", err)
		}
		return channel.Request{UserID: e.userID, Message: channel.KindFeedback, Payload: string(payload)}, nil
	}
	return channel.Request{}, fmt.Errorf("unknown mutation kind %q", m.kind)
}

func (e *Engine) retryLater(m mutation) {
	log.Printf("[DEBUG] channel not ready, retrying %s for %s in %v", m.kind, m.jobID, e.retryDelay)
	time.AfterFunc(e.retryDelay, func() { e.enqueue(mutateEvt{m: m}) })
}

func (e *Engine) handleSession(ctx context.Context, ev sessionEvt) {
	log.Printf("[INFO] switching to session %s (%s)", ev.id, ev.name)
	e.store.Clear()
	e.stateMu.Lock()
	e.sessionID = ev.id
	e.sessionName = ev.name
	e.lastCheck = 0
	e.initialLoad = true
	e.stateMu.Unlock()
	e.handleTickJobs(ctx)
}

func (e *Engine) startPoller() {
	e.jobsEntry = e.cron.Schedule(cron.Every(e.pollInterval), cron.FuncJob(func() { e.enqueue(tickJobs{}) }))
	e.pollerActive = true
}

func (e *Engine) restartPoller() {
	if e.pollerActive {
		e.cron.Remove(e.jobsEntry)
	}
	e.startPoller()
	log.Printf("[DEBUG] jobs poller restarted")
}

func (e *Engine) stopPoller() {
	if e.pollerActive {
		e.cron.Remove(e.jobsEntry)
		e.pollerActive = false
	}
	e.channel.Close()
	log.Printf("[DEBUG] jobs poller stopped, channel released")
}

func (e *Engine) shutdown() {
	log.Printf("[INFO] sync engine shutting down")
	e.cron.Stop()
	e.channel.Close()
	e.fetches.Wait()
}

type jobsQuery struct {
	Since     int64  `json:"since"`
	SessionID string `json:"sessionid,omitempty"`
}

type feedbackPayload struct {
	JobID   string `json:"jobid"`
	Comment string `json:"comment"`
	Success int    `json:"success"`
}

type mutationKind string

const (
	mutDelete   mutationKind = "delete"
	mutResubmit mutationKind = "resubmit"
	mutFeedback mutationKind = "feedback"
)

// mutation is a pending user intent, carried through retries as a value
type mutation struct {
	kind      mutationKind
	jobID     string
	comment   string
	success   int
	confirmed bool // delete confirmation already given
	applied   bool // optimistic local write already done
}

// engine loop events

type event interface{ eventName() string }

type tickJobs struct{}
type tickWaiting struct{}
type inboundEvt struct{ msg channel.Inbound }
type fetchedEvt struct {
	id  string
	job Job
	err error
}
type mutateEvt struct{ m mutation }
type sessionEvt struct{ id, name string }
type restartEvt struct{}
type stopPollerEvt struct{}

func (tickJobs) eventName() string      { return "tick-jobs" }
func (tickWaiting) eventName() string   { return "tick-waiting" }
func (inboundEvt) eventName() string    { return "inbound" }
func (fetchedEvt) eventName() string    { return "fetched" }
func (m mutateEvt) eventName() string   { return "mutate-" + string(m.m.kind) }
func (sessionEvt) eventName() string    { return "session" }
func (restartEvt) eventName() string    { return "restart-poller" }
func (stopPollerEvt) eventName() string { return "stop-poller" }
