package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/edgeops/edge-agent/pkg/models"
	"github.com/edgeops/edge-agent/pkg/runner"
	"github.com/edgeops/edge-agent/pkg/workflow"
)

var ErrCompositeTooDeep = errors.New("composite nesting too deep")

// composite drives the sub-operations of e one at a time. Progress is kept in the
// parent payload only: currentIndex and the result recorded on each entry.
func (s *Scheduler) composite(ctx context.Context, e *entry, state *workflow.State) {
	e.active = true

	if depth := e.cmd.Depth(); depth < 0 {
		s.advance(ctx, e, state, runner.Fail(fmt.Errorf("%w: @depth %d", models.ErrMalformedPayload, depth)))

		return
	}

	if e.cmd.Depth() >= s.config.MaxCompositeDepth {
		s.advance(ctx, e, state, runner.Fail(ErrCompositeTooDeep))

		return
	}

	ops, err := e.cmd.SubOperations()
	if err != nil {
		s.advance(ctx, e, state, runner.Fail(err))

		return
	}

	index := e.cmd.CurrentIndex()
	if index < 0 || index > len(ops) {
		s.advance(ctx, e, state, runner.Fail(fmt.Errorf("%w: currentIndex %d", models.ErrMalformedPayload, index)))

		return
	}

	s.clearFinished(ctx, e, ops, index)

	for index < len(ops) && ops[index].Skip {
		index++
	}

	if index >= len(ops) {
		s.advance(ctx, e, state, runner.Succeed(map[string]any{models.FieldCurrentIndex: index}))

		return
	}

	op := ops[index]
	if op.Operation == "" {
		s.advance(ctx, e, state, runner.Fail(fmt.Errorf("%w: operation %d has no name", models.ErrMalformedPayload, index)))

		return
	}

	subTopic := e.topic.SubCommand(op.Operation, index)

	if sub, ok := s.entries[subTopic.String()]; ok {
		if sub.cmd != nil && models.IsTerminal(sub.cmd.Status()) {
			s.collect(ctx, e, state, ops, index, sub)
		}

		return
	}

	if _, ok := e.cmd.Payload[models.FieldCurrentIndex]; !ok || index != e.cmd.CurrentIndex() {
		cmd := e.cmd.Clone()
		cmd.SetCurrentIndex(index)
		s.publish(ctx, e, cmd)
		e.active = true
	}

	s.spawn(ctx, e, subTopic, op)
}

func (s *Scheduler) spawn(ctx context.Context, parent *entry, topic models.Topic, op models.SubOperation) {
	fields := make(map[string]any, len(op.Payload)+3)
	for k, v := range op.Payload {
		fields[k] = v
	}

	fields[models.FieldStatus] = models.StatusInit
	fields[models.FieldParent] = parent.topic.String()
	fields[models.FieldDepth] = parent.cmd.Depth() + 1

	payload, err := models.NewCommand(topic, fields).Marshal()
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to encode sub-command", "topic", topic.String(), "error", err)

		return
	}

	s.logger.InfoContext(ctx, "Starting sub-operation", "parent", parent.topic.String(), "topic", topic.String())

	sub := s.record(topic, payload, models.Canonical(payload))
	sub.expect(sub.raw)

	err = s.store.Publish(ctx, topic.String(), payload)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish sub-command", "topic", topic.String(), "error", err)
	}

	s.activate(ctx, sub)
}

// collect records the outcome of a finished sub-operation in the parent and moves on.
func (s *Scheduler) collect(ctx context.Context, e *entry, state *workflow.State, ops []models.SubOperation, index int, sub *entry) {
	result := sub.cmd.Clone().Payload
	delete(result, models.FieldParent)
	delete(result, models.FieldDepth)

	ops[index].Result = result

	cmd := e.cmd.Clone()

	err := cmd.SetSubOperations(ops)
	if err != nil {
		s.advance(ctx, e, state, runner.Fail(err))

		return
	}

	if sub.cmd.Status() == models.StatusFailed && !ops[index].BestEffort {
		next := state.OnFailure
		if next == "" {
			next = models.StatusFailed
		}

		cmd.SetStatus(next)
		cmd.Payload[models.FieldReason] = fmt.Sprintf("%s failed: %s", ops[index].Operation, sub.cmd.Reason())
	} else {
		cmd.SetCurrentIndex(index + 1)
	}

	s.commit(ctx, e, cmd)

	if !sub.clearing {
		s.clear(ctx, sub)
	}
}

// clear removes a finished sub-command. The entry is dropped when the clear comes
// back, so late echoes of the sub-command are still recognized.
func (s *Scheduler) clear(ctx context.Context, sub *entry) {
	sub.stop()
	sub.clearing = true

	err := s.store.Clear(ctx, sub.topic.String())
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to clear sub-command", "topic", sub.topic.String(), "error", err)
	}
}

// clearChildren cancels the sub-commands of a removed composite parent.
func (s *Scheduler) clearChildren(ctx context.Context, parent string) {
	for _, sub := range s.entries {
		if sub.clearing || sub.cmd == nil {
			continue
		}

		if topic, ok := sub.cmd.Parent(); ok && topic.String() == parent {
			s.logger.InfoContext(ctx, "Cancelling sub-operation of cleared command", "parent", parent, "topic", sub.topic.String())
			s.clear(ctx, sub)
		}
	}
}

// clearFinished removes terminal sub-commands left behind before index.
func (s *Scheduler) clearFinished(ctx context.Context, e *entry, ops []models.SubOperation, index int) {
	for i := 0; i < index && i < len(ops); i++ {
		key := e.topic.SubCommand(ops[i].Operation, i).String()

		sub, ok := s.entries[key]
		if !ok || sub.clearing || sub.cmd == nil || !models.IsTerminal(sub.cmd.Status()) {
			continue
		}

		s.clear(ctx, sub)
	}
}

// onTerminal hands a finished sub-command back to its composite parent.
func (s *Scheduler) onTerminal(ctx context.Context, e *entry) {
	parentTopic, ok := e.cmd.Parent()
	if !ok {
		return
	}

	parent, ok := s.entries[parentTopic.String()]
	if !ok || parent.cmd == nil || parent.def == nil {
		return
	}

	state, ok := parent.def.State(parent.cmd.Status())
	if !ok || state.Action.Kind() != workflow.ActionComposite {
		return
	}

	s.composite(ctx, parent, state)
}
