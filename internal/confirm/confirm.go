// Package confirm implements the mandatory acknowledgement step before any
// irreversible change.
package confirm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tphummel/staging_kit/internal/models"
)

// Responder presents a prompt and returns the user's raw answer.
type Responder interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

// Decision is the gate's verdict.
type Decision struct {
	Proceed bool
	// Reason explains a cancellation.
	Reason string
}

// Gate resolves to Proceed only on an explicit "y" or "yes" (any case).
// Anything else, including no answer or a responder error, cancels.
type Gate struct {
	Responder Responder
}

// New returns a Gate asking r.
func New(r Responder) *Gate {
	return &Gate{Responder: r}
}

// Confirm asks about req and interprets the answer.
func (g *Gate) Confirm(ctx context.Context, req *models.ChangeRequest) Decision {
	if g == nil || g.Responder == nil {
		return Decision{Reason: "no responder"}
	}
	if err := ctx.Err(); err != nil {
		return Decision{Reason: "no response: " + err.Error()}
	}

	answer, err := g.Responder.Ask(ctx, Prompt(req))
	if err != nil {
		return Decision{Reason: "no response: " + err.Error()}
	}
	if Affirmative(answer) {
		return Decision{Proceed: true}
	}
	if strings.TrimSpace(answer) == "" {
		return Decision{Reason: "no response"}
	}
	return Decision{Reason: fmt.Sprintf("declined (%q)", strings.TrimSpace(answer))}
}

// Prompt is the question shown for req.
func Prompt(req *models.ChangeRequest) string {
	return req.Describe() + "\nApply this change? [y/N]: "
}

// Affirmative reports whether answer is an explicit yes.
func Affirmative(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

// Answer is a Responder that always gives the same reply. The HTTP API uses
// it to carry the caller's answer from the request body.
type Answer string

func (a Answer) Ask(context.Context, string) (string, error) { return string(a), nil }
