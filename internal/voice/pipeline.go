package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/slofp/estella/internal/logging"
)

// turn is one response pipeline invocation.
type turn struct {
	speakers []SpeakerID
	texts    map[SpeakerID]string
	group    bool
}

func (o *Orchestrator) runSingle(ctx context.Context, id SpeakerID, text string) {
	o.respond(ctx, turn{speakers: []SpeakerID{id}, texts: map[SpeakerID]string{id: text}})
}

func (o *Orchestrator) runGroup(ctx context.Context, ready map[SpeakerID]string) {
	ids := make([]SpeakerID, 0, len(ready))
	for id := range ready {
		ids = append(ids, id)
	}
	sortSpeakers(ids)
	o.respond(ctx, turn{speakers: ids, texts: ready, group: true})
}

// fail logs a pipeline failure and returns the session to Idle.
func (o *Orchestrator) fail(ctx context.Context, stage string, err error) {
	o.deps.Metrics.PipelineFailed(stage)
	logging.WarnwCtx(ctx, "orchestrator: pipeline failed", "stage", stage, "err", err)
	o.goIdle()
}

func (o *Orchestrator) respond(ctx context.Context, t turn) {
	o.setResolving(true)
	defer o.setResolving(false)
	ctx = o.logger(ctx, t.speakers)
	kind := "single"
	if t.group {
		kind = "group"
	}
	o.deps.Metrics.Pipeline(kind)

	profiles := make(map[SpeakerID]Profile, len(t.speakers))
	for _, id := range t.speakers {
		p, err := o.profile(ctx, id)
		if err != nil {
			o.fail(ctx, "profile", err)
			return
		}
		profiles[id] = p
	}

	now := o.opts.Now().In(o.opts.Location)
	var msg string
	if t.group {
		msg = BuildGroupMessage(profiles, t.texts, now)
	} else {
		id := t.speakers[0]
		msg = BuildUserMessage(profiles[id], t.texts[id], now)
	}

	start := time.Now()
	reply, err := o.deps.Chat.Respond(ctx, ChatRequest{Message: msg, Token: o.State().Token, Speakers: t.speakers})
	o.deps.Metrics.ObserveChat(time.Since(start))
	if err != nil {
		o.fail(ctx, "chat", err)
		return
	}
	if reply.Token != "" {
		o.setToken(reply.Token)
	}
	logging.InfowCtx(ctx, "orchestrator: reply received", "reply_len", len(reply.Text), "actions", len(reply.Actions))

	o.recordTurn(ctx, t, reply)

	if strings.TrimSpace(reply.Text) == "" {
		o.applySideEffects(ctx, reply.Actions)
		o.goIdle()
		return
	}

	if err := o.speak(ctx, reply.Text); err != nil {
		o.fail(ctx, "playback", err)
		return
	}

	o.applyActions(ctx, t, reply.Actions)
}

// profile looks up id, falling back to a resolver-named default when the
// store has no record.
func (o *Orchestrator) profile(ctx context.Context, id SpeakerID) (Profile, error) {
	p, err := o.deps.Profiles.GetSpeakerProfile(ctx, id)
	if errors.Is(err, ErrProfileNotFound) {
		p, err = Profile{ID: id}, nil
	}
	if err != nil {
		return Profile{}, fmt.Errorf("profile %s: %w", id, err)
	}
	if p.ID == "" {
		p.ID = id
	}
	if p.DisplayName == "" && o.deps.Names != nil {
		p.DisplayName = o.deps.Names.UserName(string(id))
	}
	return p, nil
}

// recordTurn saves history and bumps engagement counters. Failures here do
// not abort the turn.
func (o *Orchestrator) recordTurn(ctx context.Context, t turn, reply ChatReply) {
	for _, id := range t.speakers {
		if o.deps.History != nil {
			rec := TalkRecord{
				Speaker:   id,
				SessionID: o.sessionID,
				Input:     t.texts[id],
				Output:    reply.Text,
				At:        o.opts.Now().UTC(),
			}
			if err := o.deps.History.SaveTalk(ctx, rec); err != nil {
				logging.WarnwCtx(ctx, "orchestrator: save history failed", "speaker.id", string(id), "err", err)
			}
		}
		if err := o.deps.Profiles.IncrementEngagementCounter(ctx, id); err != nil {
			logging.WarnwCtx(ctx, "orchestrator: increment engagement failed", "speaker.id", string(id), "err", err)
		}
	}
}

// speak synthesizes text and blocks until playback has completed.
func (o *Orchestrator) speak(ctx context.Context, text string) error {
	start := time.Now()
	audio, err := o.deps.Synth.Synthesize(ctx, text, o.opts.Voice)
	o.deps.Metrics.ObserveSynthesis(time.Since(start))
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}
	done, err := o.deps.Player.Play(ctx, audio)
	if err != nil {
		return fmt.Errorf("play: %w", err)
	}
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("playback: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// applyActions runs side effects and settles the next state.
func (o *Orchestrator) applyActions(ctx context.Context, t turn, actions []Action) {
	o.applySideEffects(ctx, actions)

	var redirect *Action
	endTopic := false
	for i := range actions {
		switch actions[i].Kind() {
		case ActionRedirect:
			redirect = &actions[i]
		case ActionEndTopic:
			endTopic = true
		}
	}

	switch {
	case redirect != nil:
		target := redirect.Target()
		if target != "" && o.participants.Has(target) {
			logging.InfowCtx(ctx, "orchestrator: redirecting", "target", string(target))
			o.engage(target)
			return
		}
		logging.InfowCtx(ctx, "orchestrator: redirect target not present, ending topic", "target", string(target))
		o.goIdle()
	case endTopic:
		logging.InfowCtx(ctx, "orchestrator: topic ended")
		o.goIdle()
	case t.group:
		o.goIdle()
	default:
		o.engage(t.speakers[0])
	}
}

// applySideEffects handles the actions that do not change turn-taking.
func (o *Orchestrator) applySideEffects(ctx context.Context, actions []Action) {
	for _, a := range actions {
		switch a.Kind() {
		case ActionPostMessage:
			text := a.StringParam("text")
			if text == "" || o.deps.Poster == nil {
				continue
			}
			if err := o.deps.Poster.PostMessage(ctx, text); err != nil {
				logging.WarnwCtx(ctx, "orchestrator: post message failed", "err", err)
			}
		case ActionTool:
			if o.deps.Tools == nil {
				logging.DebugwCtx(ctx, "orchestrator: unhandled action", "action", a.Name)
				continue
			}
			out, err := o.deps.Tools.Dispatch(ctx, a.Name, a.Params)
			if err != nil {
				logging.WarnwCtx(ctx, "orchestrator: tool action failed", "action", a.Name, "err", err)
				continue
			}
			logging.DebugwCtx(ctx, "orchestrator: tool action done", "action", a.Name, "result_len", len(out))
		}
	}
}
