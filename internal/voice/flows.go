package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ent0n29/voicebridge/internal/backend"
	"github.com/ent0n29/voicebridge/internal/dispatch"
	"github.com/ent0n29/voicebridge/internal/engine"
	"github.com/ent0n29/voicebridge/internal/errorsx"
	"github.com/ent0n29/voicebridge/internal/notify"
	"github.com/ent0n29/voicebridge/internal/policy"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/session"
)

// captureRelay forwards client microphone frames to the engine.
func (o *Orchestrator) captureRelay(ctx context.Context, lv *live, inbound <-chan any) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return errTransportClosed
			}
			switch m := msg.(type) {
			case protocol.AudioIn:
				o.metrics.ObserveMessage("inbound", "audio")
				if err := lv.engine.SendAudio(ctx, m.PCM); err != nil {
					return fmt.Errorf("relay audio: %w", err)
				}
			case protocol.Stop:
				o.metrics.ObserveMessage("inbound", string(protocol.TypeStop))
				return errStopRequested
			default:
				lv.log.Debugw("ignoring inbound message", "type", fmt.Sprintf("%T", msg))
			}
		}
	}
}

// engineRelay forwards agent speech and events to the client and queues
// client-side function calls for dispatch.
func (o *Orchestrator) engineRelay(ctx context.Context, lv *live, calls chan<- dispatch.Request) error {
	events := lv.engine.Events()
	for {
		var (
			evt engine.Event
			ok  bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok = <-events:
		}
		if !ok {
			if errer, has := lv.engine.(interface{ Err() error }); has && errer.Err() != nil {
				return fmt.Errorf("%w: %v", errEngineClosed, errer.Err())
			}
			return errEngineClosed
		}

		switch evt.Type {
		case engine.EventAudio:
			o.send(ctx, lv.outbound, protocol.AudioOut{PCM: evt.Audio})

		case engine.EventConversationText:
			speaker := session.SpeakerAgent
			var msg any = protocol.NewAgentTranscript(evt.Content)
			if evt.Role == engine.RoleUser {
				speaker = session.SpeakerUser
				msg = protocol.NewUserTranscript(evt.Content)
			}
			if redacted, _ := policy.RedactPII(evt.Content); redacted != "" {
				lv.log.Debugw("transcript", "speaker", speaker, "text", redacted)
			}
			if _, err := o.sessions.AppendTranscript(lv.id, speaker, evt.Content); err != nil {
				lv.log.Debugw("transcript append skipped", "error", err)
			}
			o.send(ctx, lv.outbound, msg)

		case engine.EventUserStartedSpeaking:
			_ = o.sessions.Interrupt(lv.id)
			o.metrics.ObserveBargeIn()
			o.send(ctx, lv.outbound, protocol.UserStartedSpeaking{Type: protocol.TypeUserStartedSpeaking})

		case engine.EventAgentStartedSpeaking:
			o.send(ctx, lv.outbound, protocol.AgentStartedSpeaking{Type: protocol.TypeAgentStartedSpeaking})

		case engine.EventFunctionCallRequest:
			for _, fn := range evt.Functions {
				if !fn.ClientSide {
					lv.log.Debugw("skipping server-side function call", "name", fn.Name, "call_id", fn.ID)
					continue
				}
				req := dispatch.Request{CallID: fn.ID, Name: fn.Name, Arguments: json.RawMessage(fn.Arguments)}
				select {
				case calls <- req:
				case <-ctx.Done():
					return ctx.Err()
				}
			}

		case engine.EventError:
			o.metrics.ObserveEngineError(evt.Code)
			lv.log.Warnw("engine reported error", "code", evt.Code, "description", evt.Description)
			o.send(ctx, lv.outbound, engineError(evt))

		case engine.EventInjectionRefused:
			lv.log.Infow("notification refused by agent", "message", evt.Message)

		default:
			lv.log.Debugw("engine event", "type", evt.Type)
		}
	}
}

// eventPump turns backend progress events into spoken notifications,
// injected in arrival order.
func (o *Orchestrator) eventPump(ctx context.Context, lv *live) error {
	for {
		var (
			evt backend.Event
			ok  bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok = <-lv.events:
		}
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lv.log.Warnw("backend event stream ended")
			return nil
		}

		decision := o.decide(ctx, lv, evt)
		o.metrics.ObserveNotification(string(evt.Kind), decision.Speak)
		if !decision.Speak {
			continue
		}
		lv.log.Debugw("speaking notification", "kind", evt.Kind, "text", decision.Text)
		started := time.Now()
		if err := lv.engine.Inject(ctx, decision.Text); err != nil {
			lv.log.Warnw("notification inject failed", "kind", evt.Kind, "error", err)
			continue
		}
		o.metrics.ObserveInject(time.Since(started))
		_ = o.sessions.Touch(lv.id)
	}
}

// decide classifies evt, reading task status when the rules need it. A
// status snapshot carried by the event wins over a fetch.
func (o *Orchestrator) decide(ctx context.Context, lv *live, evt backend.Event) notify.Decision {
	if !notify.NeedsStatus(evt) {
		return notify.Classify(evt, backend.TaskStatus{})
	}
	status, ok := evt.StatusSnapshot()
	if !ok {
		var err error
		status, err = o.fetchStatus(ctx, lv)
		if ctx.Err() != nil {
			return notify.Silent()
		}
		if err != nil {
			o.metrics.ObserveBackendError("get task status")
			lv.log.Warnw("task status unavailable for notification", "error", err)
			return notify.Fallback(evt)
		}
	}
	o.send(ctx, lv.outbound, statusUpdate(status))
	return notify.Classify(evt, status)
}

type statusResult struct {
	status backend.TaskStatus
	err    error
}

// fetchStatus reads task status without holding up session teardown: when
// ctx ends first the call is abandoned and its result dropped.
func (o *Orchestrator) fetchStatus(ctx context.Context, lv *live) (backend.TaskStatus, error) {
	done := make(chan statusResult, 1)
	go func() {
		st, err := lv.backend.GetTaskStatus(ctx, lv.projectID)
		done <- statusResult{status: st, err: err}
	}()
	select {
	case <-ctx.Done():
		return backend.TaskStatus{}, ctx.Err()
	case res := <-done:
		return res.status, res.err
	}
}

// dispatchCalls runs each function call in its own goroutine. Calls still
// running when the session ends are abandoned and their results dropped.
func (o *Orchestrator) dispatchCalls(ctx context.Context, lv *live, calls <-chan dispatch.Request) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-calls:
			go o.runCall(ctx, lv, req)
		}
	}
}

func (o *Orchestrator) runCall(ctx context.Context, lv *live, req dispatch.Request) {
	started := time.Now()
	res, notices := lv.table.Dispatch(ctx, req)
	if ctx.Err() != nil {
		lv.log.Debugw("discarding function result after session end", "name", req.Name, "call_id", req.CallID)
		return
	}
	o.metrics.ObserveFunctionCall(req.Name, res.Failed(), time.Since(started))
	if res.Failed() {
		if res.Reason == errorsx.ReasonBackendCall {
			o.metrics.ObserveBackendError(req.Name)
		}
		lv.log.Warnw("function call failed", "name", req.Name, "call_id", req.CallID, "reason", res.Reason, "error", res.Error)
	}

	for _, n := range notices {
		switch n.Kind {
		case dispatch.NoticeTaskSubmitted:
			o.send(ctx, lv.outbound, protocol.NewTaskSubmitted(n.Prompt))
		case dispatch.NoticeStatus:
			o.send(ctx, lv.outbound, statusUpdate(n.Status))
		}
	}
	if err := lv.engine.SendFunctionResponse(ctx, res.CallID, res.Name, res.Content()); err != nil {
		lv.log.Warnw("function response not delivered", "name", req.Name, "call_id", req.CallID, "error", err)
		return
	}
	_ = o.sessions.Touch(lv.id)
}

func statusUpdate(st backend.TaskStatus) protocol.StatusUpdate {
	return protocol.StatusUpdate{
		Type:        protocol.TypeStatusUpdate,
		Total:       st.Total,
		Completed:   st.Completed,
		Running:     st.Running,
		Failed:      st.Failed,
		CurrentTask: st.CurrentTask,
	}
}
