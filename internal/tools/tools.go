// Package tools holds the built-in tool handlers served by the gateway.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/agentgate/internal/gateway"
)

// ErrInvalidArguments is returned when a tool cannot decode its arguments.
var ErrInvalidArguments = errors.New("invalid tool arguments")

func decode(args json.RawMessage, v any) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

// Weather is the mock weather lookup.
type Weather struct {
	Location    string `json:"location"`
	Temperature int    `json:"temperature"`
	Conditions  string `json:"conditions"`
	Humidity    int    `json:"humidity"`
	WindSpeed   int    `json:"wind_speed"`
	FeelsLike   int    `json:"feels_like"`
}

var weatherConditions = []string{"sunny", "cloudy", "partly cloudy", "rainy", "clear"}

// GetWeather returns mock weather data. Readings are seeded from the
// location and the current hour so repeated lookups agree with each other.
func GetWeather(now func() time.Time) gateway.HandlerFunc {
	if now == nil {
		now = time.Now
	}
	return func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
		var in struct {
			Location string `json:"location"`
		}
		if err := decode(args, &in); err != nil {
			return nil, err
		}
		location := strings.TrimSpace(in.Location)
		if location == "" {
			return nil, fmt.Errorf("%w: location is required", ErrInvalidArguments)
		}

		h := fnv.New64a()
		_, _ = h.Write([]byte(strings.ToLower(location)))
		rng := rand.New(rand.NewPCG(h.Sum64(), uint64(now().Truncate(time.Hour).Unix())))

		base := 15 + rng.IntN(16)
		return json.Marshal(Weather{
			Location:    location,
			Temperature: base,
			Conditions:  weatherConditions[rng.IntN(len(weatherConditions))],
			Humidity:    40 + rng.IntN(41),
			WindSpeed:   5 + rng.IntN(21),
			FeelsLike:   base + rng.IntN(7) - 3,
		})
	}
}

// TaskStep is one step of a generated plan.
type TaskStep struct {
	Description string `json:"description"`
	Status      string `json:"status,omitempty"`
}

// GenerateTaskPlan records a plan for review and echoes it back.
func GenerateTaskPlan(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		TaskDescription string     `json:"task_description"`
		Steps           []TaskStep `json:"steps"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if len(in.Steps) == 0 {
		return nil, fmt.Errorf("%w: plan has no steps", ErrInvalidArguments)
	}
	for i := range in.Steps {
		switch in.Steps[i].Status {
		case "":
			in.Steps[i].Status = "enabled"
		case "enabled", "disabled", "executing":
		default:
			return nil, fmt.Errorf("%w: step %d has unknown status %q", ErrInvalidArguments, i, in.Steps[i].Status)
		}
	}
	return json.Marshal(map[string]any{
		"message": fmt.Sprintf("Generated %d steps for: %s", len(in.Steps), in.TaskDescription),
		"steps":   in.Steps,
	})
}

// ExecuteTaskSteps runs the approved steps.
func ExecuteTaskSteps(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Steps []string `json:"steps"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}

	done := make([]string, 0, len(in.Steps))
	for _, step := range in.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		done = append(done, "✓ "+step)
	}
	return json.Marshal(map[string]any{
		"message":  fmt.Sprintf("Successfully executed %d steps", len(done)),
		"executed": done,
	})
}

var cssColor = regexp.MustCompile(`^(#[0-9a-fA-F]{3,8}|[a-zA-Z]+|(rgb|hsl)a?\([0-9.,%\s]+\)|(linear|radial)-gradient\([^;{}]+\))$`)

// ChangeBackground validates a CSS background for the client to apply.
func ChangeBackground(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Background string `json:"background"`
	}
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	bg := strings.TrimSpace(in.Background)
	if !cssColor.MatchString(bg) {
		return nil, fmt.Errorf("%w: unsupported background %q", ErrInvalidArguments, in.Background)
	}
	return json.Marshal(map[string]string{"background": bg})
}

// Email is a message accepted by the mock outbox.
type Email struct {
	To      string    `json:"to"`
	Subject string    `json:"subject,omitempty"`
	Body    string    `json:"body,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// Outbox collects sent emails in memory.
type Outbox struct {
	mu   sync.Mutex
	sent []Email
	now  func() time.Time
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{now: time.Now}
}

// Sent returns a copy of the delivered messages.
func (o *Outbox) Sent() []Email {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Email(nil), o.sent...)
}

// Invoke implements gateway.Handler for send_email.
func (o *Outbox) Invoke(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in Email
	if err := decode(args, &in); err != nil {
		return nil, err
	}
	if !strings.Contains(in.To, "@") {
		return nil, fmt.Errorf("%w: invalid recipient %q", ErrInvalidArguments, in.To)
	}

	o.mu.Lock()
	in.SentAt = o.now()
	o.sent = append(o.sent, in)
	count := len(o.sent)
	o.mu.Unlock()

	return json.Marshal(map[string]any{"sent": true, "to": in.To, "message_number": count})
}

// Register installs the built-in tools.
func Register(r *gateway.Registry, outbox *Outbox) error {
	handlers := map[string]gateway.Handler{
		"get_weather":        GetWeather(nil),
		"generate_task_plan": gateway.HandlerFunc(GenerateTaskPlan),
		"execute_task_steps": gateway.HandlerFunc(ExecuteTaskSteps),
		"change_background":  gateway.HandlerFunc(ChangeBackground),
		"send_email":         outbox,
	}
	for name, h := range handlers {
		if err := r.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}
