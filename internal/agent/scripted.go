package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ashureev/agentgate/internal/domain"
	"github.com/ashureev/agentgate/internal/orchestrator"
	"github.com/ashureev/agentgate/internal/tools"
)

// DefaultPersona serves requests for unknown agents.
const DefaultPersona = "simple"

var personas = map[string]Persona{
	"simple": {
		Name:        "simple",
		Title:       "SimpleChat",
		Description: "A helpful AI assistant for general conversations",
		Tools:       []string{"send_email", "change_background"},
	},
	"weather": {
		Name:        "weather",
		Title:       "WeatherAgent",
		Description: "Get weather information with beautiful UI rendering",
		Tools:       []string{"get_weather"},
	},
	"tasks": {
		Name:        "tasks",
		Title:       "TaskPlanner",
		Description: "Plans and executes tasks with human oversight",
		Tools:       []string{"generate_task_plan", "execute_task_steps"},
	},
}

// Personas lists the shipped agents sorted by name.
func Personas() []Persona {
	out := make([]Persona, 0, len(personas))
	for _, p := range personas {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var (
	emailPattern      = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	backgroundPattern = regexp.MustCompile(`(?i)background(?:\s+(?:to|color))?\s+(.+)$`)
	locationPattern   = regexp.MustCompile(`(?i)\b(?:in|for|at)\s+([A-Za-z][A-Za-z .'-]*)`)
	stepSplitPattern  = regexp.MustCompile(`(?i)\s*(?:,|;|\bthen\b|\band\b)\s*`)
)

// ScriptedBackend is a deterministic keyword-driven backend standing in for
// a model. It exercises the same tool paths a model would.
type ScriptedBackend struct {
	persona Persona
	cfg     Config
}

// NewScriptedBackend returns the named persona, or the default one when the
// name is unknown.
func NewScriptedBackend(name string, cfg Config) *ScriptedBackend {
	p, ok := personas[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		p = personas[DefaultPersona]
	}
	return &ScriptedBackend{persona: p, cfg: cfg}
}

// Persona returns the backend's persona.
func (b *ScriptedBackend) Persona() Persona {
	return b.persona
}

// Stream implements Backend.
func (b *ScriptedBackend) Stream(ctx context.Context, in TurnInput, caller ToolCaller) iter.Seq2[Fragment, error] {
	return func(yield func(Fragment, error) bool) {
		t := &transcript{ctx: ctx, yield: yield, delay: b.cfg.TokenDelay, caller: caller}
		switch b.persona.Name {
		case "weather":
			b.weather(t, in.Message)
		case "tasks":
			b.tasks(t, in.Message)
		default:
			b.simple(t, in.Message)
		}
		if !t.stopped {
			yield(Fragment{Type: FragmentDone}, nil)
		}
	}
}

// transcript wraps yield so scripts can stop at the first refusal.
type transcript struct {
	ctx     context.Context
	yield   func(Fragment, error) bool
	delay   time.Duration
	caller  ToolCaller
	stopped bool
}

func (t *transcript) say(format string, args ...any) bool {
	if t.stopped {
		return false
	}
	words := strings.Fields(fmt.Sprintf(format, args...))
	for i, w := range words {
		if i < len(words)-1 {
			w += " "
		}
		if t.delay > 0 {
			select {
			case <-time.After(t.delay):
			case <-t.ctx.Done():
				return t.fail(t.ctx.Err())
			}
		}
		if !t.yield(Fragment{Type: FragmentText, Text: w}, nil) {
			t.stopped = true
			return false
		}
	}
	if len(words) > 0 && !t.yield(Fragment{Type: FragmentText, Text: "\n"}, nil) {
		t.stopped = true
		return false
	}
	return true
}

func (t *transcript) fail(err error) bool {
	if !t.stopped {
		t.yield(Fragment{}, err)
		t.stopped = true
	}
	return false
}

// call proposes a tool and waits for its final outcome. ok is false when
// the transcript stopped.
func (t *transcript) call(name string, args any) (out orchestrator.Outcome, ok bool) {
	if t.stopped {
		return out, false
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return out, t.fail(fmt.Errorf("encode %s arguments: %w", name, err))
	}
	out, err = t.caller.Call(t.ctx, ToolCall{Name: name, Arguments: raw})
	if err != nil {
		return out, t.fail(err)
	}
	if !out.Final() {
		if !t.say("Waiting for your approval to run %s.", name) {
			return out, false
		}
		out, err = t.caller.Await(t.ctx, out.ProposalID)
		if err != nil {
			return out, t.fail(err)
		}
	}
	return out, true
}

// explain describes a non-successful outcome. It reports false for
// canceled outcomes, after which the script should stop talking.
func (t *transcript) explain(tool string, out orchestrator.Outcome) bool {
	reason, message := "", ""
	if out.Failure != nil {
		reason, message = out.Failure.Reason, out.Failure.Message
	}
	switch out.Status {
	case orchestrator.StatusCanceled:
		return false
	case orchestrator.StatusRejected:
		switch reason {
		case domain.ReasonTimeout:
			return t.say("No one approved %s in time, so I did not run it.", tool)
		case domain.ReasonRepeatedRejection:
			return t.say("You already declined %s with the same details, so I did not ask again.", tool)
		default:
			return t.say("Understood, I will not run %s.", tool)
		}
	case orchestrator.StatusFailed:
		return t.say("%s failed (%s): %s", tool, reason, message)
	}
	return true
}

func (b *ScriptedBackend) simple(t *transcript, msg string) {
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "email") && emailPattern.MatchString(msg):
		to := emailPattern.FindString(msg)
		if !t.say("I will draft an email to %s. It needs your approval before it is sent.", to) {
			return
		}
		out, ok := t.call("send_email", map[string]string{
			"to":      to,
			"subject": "Message from your assistant",
			"body":    msg,
		})
		if !ok {
			return
		}
		if out.Status == orchestrator.StatusCompleted {
			t.say("Done, the email to %s has been sent.", to)
			return
		}
		t.explain("send_email", out)

	case backgroundPattern.MatchString(msg):
		bg := strings.TrimRight(strings.TrimSpace(backgroundPattern.FindStringSubmatch(msg)[1]), ".!")
		out, ok := t.call("change_background", map[string]string{"background": bg})
		if !ok {
			return
		}
		if out.Status == orchestrator.StatusCompleted {
			t.say("Background successfully changed to: %s", bg)
			return
		}
		t.explain("change_background", out)

	default:
		t.say("Hello! I am a scripted assistant. You said: %q. I can send emails or change the page background for you.", strings.TrimSpace(msg))
	}
}

func (b *ScriptedBackend) weather(t *transcript, msg string) {
	m := locationPattern.FindStringSubmatch(msg)
	if m == nil {
		t.say("Which city would you like the weather for?")
		return
	}
	location := strings.TrimRight(strings.TrimSpace(m[1]), ".?! ")

	out, ok := t.call("get_weather", map[string]string{"location": location})
	if !ok {
		return
	}
	if out.Status != orchestrator.StatusCompleted {
		t.explain("get_weather", out)
		return
	}

	var w tools.Weather
	if err := json.Unmarshal(out.Result, &w); err != nil {
		t.fail(fmt.Errorf("decode weather: %w", err))
		return
	}
	if !t.say("It is %d°C and %s in %s, feeling like %d°C with %d%% humidity and wind at %d km/h.",
		w.Temperature, w.Conditions, w.Location, w.FeelsLike, w.Humidity, w.WindSpeed) {
		return
	}
	switch w.Conditions {
	case "sunny", "clear":
		t.say("Great day for a walk!")
	case "rainy":
		t.say("Don't forget an umbrella.")
	}
}

// planSteps splits a request into steps, falling back to a generic plan.
func planSteps(msg string) []string {
	var steps []string
	for _, part := range stepSplitPattern.Split(msg, -1) {
		if part = strings.TrimSpace(part); part != "" {
			steps = append(steps, part)
		}
	}
	if len(steps) >= 2 {
		return steps
	}
	task := strings.TrimSpace(msg)
	return []string{
		"Research options for " + task,
		"Draft a plan for " + task,
		"Review the draft",
		"Finalize " + task,
	}
}

func (b *ScriptedBackend) tasks(t *transcript, msg string) {
	steps := planSteps(msg)
	planned := make([]tools.TaskStep, len(steps))
	for i, s := range steps {
		planned[i] = tools.TaskStep{Description: s, Status: "enabled"}
	}

	if !t.say("Here is a %d step plan. Please review it before I start.", len(steps)) {
		return
	}
	out, ok := t.call("generate_task_plan", map[string]any{
		"task_description": strings.TrimSpace(msg),
		"steps":            planned,
	})
	if !ok {
		return
	}
	if out.Status != orchestrator.StatusCompleted {
		t.explain("generate_task_plan", out)
		return
	}

	var plan struct {
		Steps []tools.TaskStep `json:"steps"`
	}
	if err := json.Unmarshal(out.Result, &plan); err != nil {
		t.fail(fmt.Errorf("decode plan: %w", err))
		return
	}
	var enabled []string
	for _, s := range plan.Steps {
		if s.Status != "disabled" {
			enabled = append(enabled, s.Description)
		}
	}

	out, ok = t.call("execute_task_steps", map[string]any{"steps": enabled})
	if !ok {
		return
	}
	if out.Status != orchestrator.StatusCompleted {
		t.explain("execute_task_steps", out)
		return
	}
	var result struct {
		Message  string   `json:"message"`
		Executed []string `json:"executed"`
	}
	if err := json.Unmarshal(out.Result, &result); err != nil {
		t.fail(fmt.Errorf("decode execution result: %w", err))
		return
	}
	if !t.say("%s.", result.Message) {
		return
	}
	for _, line := range result.Executed {
		if !t.say("%s", line) {
			return
		}
	}
}
