// Package scheduler drives commands through their workflows. A single goroutine owns
// the tracked commands; step results and timeouts are fed back to it over channels.
package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeops/edge-agent/pkg/commandstore"
	"github.com/edgeops/edge-agent/pkg/models"
	"github.com/edgeops/edge-agent/pkg/runner"
	"github.com/edgeops/edge-agent/pkg/workflow"
)

const (
	DefaultEntity            = "te/device/main//"
	DefaultMaxCompositeDepth = 3
)

// Definitions resolves the workflow of a command.
type Definitions interface {
	Resolve(op, version string) (*workflow.Definition, error)
	Operations() []string
}

// Executor runs the action of a state.
type Executor interface {
	Run(ctx context.Context, cmd *models.Command, state *workflow.State) runner.Outcome
}

type Config struct {
	// Entities are the entity topic ids whose commands are handled.
	Entities []string

	// Root is subscribed to when more than one entity is served.
	Root string

	MaxCompositeDepth int

	// AdvertiseCapabilities publishes an empty object on <entity>/cmd/<op> for every
	// supported operation once the store is synced.
	AdvertiseCapabilities bool

	MaxReconnectInterval time.Duration
}

type Scheduler struct {
	logger *slog.Logger
	store  commandstore.Store
	defs   Definitions
	exec   Executor
	config Config
	now    func() time.Time

	entries    map[string]*entry
	results    chan result
	timeouts   chan timeout
	synced     bool
	advertised bool
	ready      atomic.Bool
}

type entry struct {
	topic models.Topic

	// cmd is nil when the retained payload could not be parsed.
	cmd      *models.Command
	parseErr error

	// def is nil when the operation could not be resolved.
	def        *workflow.Definition
	resolveErr error

	raw []byte
	seq uint64

	// echoes are payloads published by the scheduler and not yet seen back, oldest first.
	echoes [][]byte

	// active is set once the current state's action has been started.
	active bool

	// clearing is set once the scheduler has cleared the topic and waits for the
	// clear to come back.
	clearing bool
	cancel context.CancelFunc
	timer  *time.Timer
}

type result struct {
	key     string
	seq     uint64
	state   *workflow.State
	outcome runner.Outcome
}

type timeout struct {
	key   string
	seq   uint64
	state *workflow.State
}

func New(logger *slog.Logger, store commandstore.Store, defs Definitions, exec Executor, config Config) *Scheduler {
	if len(config.Entities) == 0 {
		config.Entities = []string{DefaultEntity}
	}

	if config.MaxCompositeDepth <= 0 {
		config.MaxCompositeDepth = DefaultMaxCompositeDepth
	}

	if config.MaxReconnectInterval <= 0 {
		config.MaxReconnectInterval = 30 * time.Second
	}

	return &Scheduler{
		logger:   logger.With("module", "scheduler"),
		store:    store,
		defs:     defs,
		exec:     exec,
		config:   config,
		now:      time.Now,
		entries:  make(map[string]*entry),
		results:  make(chan result),
		timeouts: make(chan timeout),
	}
}

// Ready reports whether the scheduler is connected and has replayed the store.
func (s *Scheduler) Ready() bool {
	return s.ready.Load()
}

// Run processes commands until ctx is cancelled. Transport disconnects are retried
// with exponential backoff; tracked commands survive them.
func (s *Scheduler) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = s.config.MaxReconnectInterval
	policy.MaxElapsedTime = 0

	defer s.stopAll()

	for {
		err := s.session(ctx, policy.Reset)

		s.ready.Store(false)

		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(err, commandstore.ErrClosed) {
			return err
		}

		delay := policy.NextBackOff()
		s.logger.WarnContext(ctx, "Command store disconnected, reconnecting", "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (s *Scheduler) pattern() string {
	if len(s.config.Entities) == 1 {
		return s.config.Entities[0] + "/" + models.CmdSegment + "/+/+"
	}

	return models.CommandPattern(s.config.Root)
}

func (s *Scheduler) serves(entity string) bool {
	return slices.Contains(s.config.Entities, entity)
}

func (s *Scheduler) session(ctx context.Context, onSynced func()) error {
	sub, err := s.store.Subscribe(ctx, s.pattern())
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	defer func() { _ = sub.Close() }()

	s.synced = false
	seen := make(map[string]bool)
	synced := sub.Synced()

	// Step results and timeouts wait until the replay is complete.
	var (
		results  chan result
		timeouts chan timeout
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-sub.Messages():
			if !ok {
				return commandstore.ErrDisconnected
			}

			if !s.synced {
				seen[msg.Topic] = true
			}

			s.handleMessage(ctx, msg)

		case <-synced:
			synced = nil
			results, timeouts = s.results, s.timeouts

			s.resume(ctx, seen)
			onSynced()

		case res := <-results:
			s.handleResult(ctx, res)

		case ev := <-timeouts:
			s.handleTimeout(ctx, ev)
		}
	}
}

// resume runs once the retained commands have been replayed.
func (s *Scheduler) resume(ctx context.Context, seen map[string]bool) {
	for key := range s.entries {
		if !seen[key] {
			s.logger.InfoContext(ctx, "Forgetting command missing from the store", "topic", key)
			s.forget(key)
		}
	}

	s.synced = true
	s.ready.Store(true)

	if s.config.AdvertiseCapabilities && !s.advertised {
		s.advertise(ctx)
		s.advertised = true
	}

	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}

	slices.Sort(keys)

	s.logger.InfoContext(ctx, "Resuming commands", "count", len(keys))

	for _, key := range keys {
		e, ok := s.entries[key]
		if !ok || e.active || e.clearing {
			continue
		}

		s.activate(ctx, e)
	}
}

func (s *Scheduler) advertise(ctx context.Context) {
	for _, entity := range s.config.Entities {
		for _, op := range s.defs.Operations() {
			topic := models.CapabilityTopic(entity, op).String()

			err := s.store.Publish(ctx, topic, []byte("{}"))
			if err != nil {
				s.logger.ErrorContext(ctx, "Failed to advertise capability", "topic", topic, "error", err)
			}
		}
	}
}

func (s *Scheduler) handleMessage(ctx context.Context, msg commandstore.Message) {
	topic, err := models.ParseTopic(msg.Topic)
	if err != nil || topic.IsCapability() || !s.serves(topic.Entity) {
		return
	}

	e, tracked := s.entries[msg.Topic]

	if msg.Cleared() {
		if tracked {
			s.logger.InfoContext(ctx, "Command cleared", "topic", msg.Topic)
			s.forget(msg.Topic)
			s.clearChildren(ctx, msg.Topic)
		}

		return
	}

	canonical := models.Canonical(msg.Payload)

	if tracked && e.echo(canonical) {
		return
	}

	if !tracked || !s.synced {
		e = s.record(topic, msg.Payload, canonical)

		if s.synced {
			s.activate(ctx, e)
		}

		return
	}

	s.update(ctx, e, topic, msg.Payload, canonical)
}

// record starts tracking the payload of topic, replacing any previous command there.
func (s *Scheduler) record(topic models.Topic, payload, canonical []byte) *entry {
	key := topic.String()

	e := &entry{topic: topic, raw: canonical, seq: 1}

	if old, ok := s.entries[key]; ok {
		old.stop()
		e.seq = old.seq + 1
		e.echoes = old.echoes
	}

	e.cmd, e.parseErr = models.ParseCommand(topic, payload)

	if e.cmd != nil {
		e.def, e.resolveErr = s.defs.Resolve(topic.Operation, e.cmd.Version())
	}

	s.entries[key] = e

	return e
}

// update applies an external message to a tracked command.
func (s *Scheduler) update(ctx context.Context, e *entry, topic models.Topic, payload, canonical []byte) {
	cmd, err := models.ParseCommand(topic, payload)

	switch {
	case e.cmd == nil || e.def == nil:
		s.activate(ctx, s.record(topic, payload, canonical))

		return
	case err != nil:
		s.reject(ctx, e, err)

		return
	}

	from, to := e.cmd.Status(), cmd.Status()

	switch {
	case from == to:
		e.cmd = cmd
		e.raw = canonical

		return
	case models.IsTerminal(from) && to == models.StatusInit:
		s.activate(ctx, s.record(topic, payload, canonical))

		return
	}

	err = e.def.CheckTransition(from, to)
	if err != nil {
		s.reject(ctx, e, err)

		return
	}

	s.logger.DebugContext(ctx, "Accepted external transition", "topic", topic.String(), "from", from, "to", to)
	s.replace(e, cmd, canonical)
	s.enter(ctx, e)
}

// reject restores the last known payload of a command.
func (s *Scheduler) reject(ctx context.Context, e *entry, err error) {
	if workflow.IsInvalidTransition(err) {
		s.logger.WarnContext(ctx, "Rejected invalid transition", "topic", e.topic.String(), "error", err)
	} else {
		s.logger.WarnContext(ctx, "Rejected command update", "topic", e.topic.String(), "error", err)
	}

	e.expect(e.raw)

	pubErr := s.store.Publish(ctx, e.topic.String(), e.raw)
	if pubErr != nil {
		s.logger.ErrorContext(ctx, "Failed to restore command", "topic", e.topic.String(), "error", pubErr)
	}
}

// activate validates a newly tracked command and enters its current state.
func (s *Scheduler) activate(ctx context.Context, e *entry) {
	switch {
	case e.cmd == nil:
		failed := models.NewCommand(e.topic, nil)
		failed.Fail(e.parseErr.Error())
		s.commit(ctx, e, failed)

		return
	case e.def == nil:
		if !models.IsTerminal(e.cmd.Status()) {
			s.fail(ctx, e, e.resolveErr.Error())
		}

		return
	}

	if e.cmd.Status() == models.StatusInit && e.cmd.Version() == "" {
		err := e.def.ValidatePayload(e.cmd.Payload)
		if err != nil {
			s.fail(ctx, e, err.Error())

			return
		}

		cmd := e.cmd.Clone()
		cmd.SetVersion(e.def.Version)

		if cmd.CreatedAt().IsZero() {
			cmd.SetCreatedAt(s.now())
		}

		s.commit(ctx, e, cmd)

		return
	}

	s.enter(ctx, e)
}

// enter starts the action of the command's current state.
func (s *Scheduler) enter(ctx context.Context, e *entry) {
	e.active = true

	if e.def == nil {
		if models.IsTerminal(e.cmd.Status()) {
			s.onTerminal(ctx, e)
		}

		return
	}

	state, ok := e.def.State(e.cmd.Status())
	if !ok {
		s.fail(ctx, e, fmt.Sprintf("unknown state %q for %s workflow %s", e.cmd.Status(), e.def.Operation, e.def.Version))

		return
	}

	switch state.Action.(type) {
	case workflow.Terminal:
		s.onTerminal(ctx, e)
	case workflow.Proceed:
		s.advance(ctx, e, state, runner.Succeed(nil))
	case workflow.Await:
		s.arm(ctx, e, state)
	case workflow.Composite:
		s.composite(ctx, e, state)
	default:
		s.dispatch(ctx, e, state)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, e *entry, state *workflow.State) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	key, seq, cmd := e.topic.String(), e.seq, e.cmd.Clone()

	s.logger.InfoContext(ctx, "Running step", "topic", key, "state", state.Name, "action", state.Action.Kind())

	go func() {
		outcome := s.exec.Run(runCtx, cmd, state)

		select {
		case s.results <- result{key: key, seq: seq, state: state, outcome: outcome}:
		case <-ctx.Done():
		}
	}()
}

func (s *Scheduler) handleResult(ctx context.Context, res result) {
	e, ok := s.entries[res.key]
	if !ok || e.seq != res.seq {
		s.logger.DebugContext(ctx, "Discarding stale step result", "topic", res.key, "state", res.state.Name)

		return
	}

	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}

	s.advance(ctx, e, res.state, res.outcome)
}

// arm starts the state's timeout, if it has one.
func (s *Scheduler) arm(ctx context.Context, e *entry, state *workflow.State) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}

	if state.Timeout <= 0 {
		return
	}

	ev := timeout{key: e.topic.String(), seq: e.seq, state: state}

	e.timer = time.AfterFunc(state.Timeout, func() {
		select {
		case s.timeouts <- ev:
		case <-ctx.Done():
		}
	})
}

func (s *Scheduler) handleTimeout(ctx context.Context, ev timeout) {
	e, ok := s.entries[ev.key]
	if !ok || e.seq != ev.seq {
		return
	}

	e.timer = nil

	s.logger.WarnContext(ctx, "Step timed out", "topic", ev.key, "state", ev.state.Name, "timeout", ev.state.Timeout)

	s.advance(ctx, e, ev.state, runner.Outcome{
		Kind:    runner.Failure,
		Reason:  "timeout after " + ev.state.Timeout.String(),
		Err:     runner.ErrTimeout,
		Timeout: true,
	})
}

// advance moves the command out of state according to the step outcome.
func (s *Scheduler) advance(ctx context.Context, e *entry, state *workflow.State, out runner.Outcome) {
	if out.Kind == runner.Pending {
		s.arm(ctx, e, state)

		return
	}

	cmd := e.cmd.Clone()
	cmd.Merge(out.Fields)

	next := state.OnSuccess

	if out.Kind == runner.Failure {
		next = state.OnFailure
		if out.Timeout && state.OnTimeout != "" {
			next = state.OnTimeout
		}

		if next == "" {
			next = models.StatusFailed
		}

		cmd.Payload[models.FieldReason] = out.Reason
	} else if out.Status != "" {
		if slices.Contains(state.Targets(), out.Status) {
			next = out.Status
		} else {
			s.logger.WarnContext(ctx, "Ignoring unreachable status requested by step",
				"topic", e.topic.String(), "state", state.Name, "status", out.Status)
		}
	}

	cmd.SetStatus(next)

	s.logger.InfoContext(ctx, "Step finished", "topic", e.topic.String(), "from", state.Name, "to", next, "outcome", out.Kind)
	s.commit(ctx, e, cmd)
}

func (s *Scheduler) fail(ctx context.Context, e *entry, reason string) {
	s.logger.WarnContext(ctx, "Command failed", "topic", e.topic.String(), "reason", reason)

	cmd := e.cmd.Clone()
	cmd.Fail(reason)

	s.commit(ctx, e, cmd)
}

// commit publishes cmd as the new state of the command and enters it.
func (s *Scheduler) commit(ctx context.Context, e *entry, cmd *models.Command) {
	if s.publish(ctx, e, cmd) {
		s.enter(ctx, e)
	}
}

func (s *Scheduler) publish(ctx context.Context, e *entry, cmd *models.Command) bool {
	payload, err := cmd.Marshal()
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to encode command", "topic", e.topic.String(), "error", err)

		return false
	}

	s.replace(e, cmd, models.Canonical(payload))
	e.expect(e.raw)

	err = s.store.Publish(ctx, e.topic.String(), payload)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish command", "topic", e.topic.String(), "error", err)
	}

	return true
}

// replace makes cmd the current state of e and invalidates anything still running for
// the previous one.
func (s *Scheduler) replace(e *entry, cmd *models.Command, canonical []byte) {
	e.stop()
	e.cmd = cmd
	e.raw = canonical
	e.seq++
	e.active = false
}

func (s *Scheduler) forget(key string) {
	if e, ok := s.entries[key]; ok {
		e.stop()
		delete(s.entries, key)
	}
}

func (s *Scheduler) stopAll() {
	for _, e := range s.entries {
		e.stop()
	}
}

const maxEchoes = 32

// expect records a payload about to be published so its echo is not mistaken for an
// external update.
func (e *entry) expect(canonical []byte) {
	e.echoes = append(e.echoes, canonical)
	if len(e.echoes) > maxEchoes {
		e.echoes = e.echoes[len(e.echoes)-maxEchoes:]
	}
}

// echo reports whether canonical is the current payload or one the scheduler
// published itself. Echoes arrive in publish order, so older ones are dropped.
func (e *entry) echo(canonical []byte) bool {
	for i, pending := range e.echoes {
		if bytes.Equal(pending, canonical) {
			e.echoes = e.echoes[i+1:]

			return true
		}
	}

	return bytes.Equal(canonical, e.raw)
}

func (e *entry) stop() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}

	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}
