// Package turnrouter decides whether an unaddressed thread message deserves
// a reply and generates names for new threads.
package turnrouter

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/threadbox/threadbox/internal/common/logger"
	"github.com/threadbox/threadbox/internal/pipeline"
)

// Mode selects the routing strategy.
type Mode string

const (
	ModeOff       Mode = "off"
	ModeHeuristic Mode = "heuristic"
	ModeAI        Mode = "ai"
)

const maxThreadNameLen = 80

// Classifier is the pluggable model-backed respond/ignore decision used in
// ai mode.
type Classifier func(ctx context.Context, q pipeline.RouteQuery) (shouldRespond bool, reason string, err error)

// Router implements pipeline.TurnRouter.
type Router struct {
	mode       Mode
	classifier Classifier
	logger     *logger.Logger
}

var _ pipeline.TurnRouter = (*Router)(nil)

// New creates a router. classifier is only consulted in ai mode; when ai
// mode is configured without one, the heuristic applies.
func New(mode Mode, classifier Classifier, log *logger.Logger) *Router {
	if mode == "" {
		mode = ModeHeuristic
	}
	return &Router{
		mode:       mode,
		classifier: classifier,
		logger:     log.WithFields(zap.String("component", "turnrouter")),
	}
}

// ShouldRespond classifies an unaddressed message in a tracked thread.
func (r *Router) ShouldRespond(ctx context.Context, q pipeline.RouteQuery) (pipeline.RouteDecision, error) {
	switch r.mode {
	case ModeOff:
		return pipeline.RouteDecision{ShouldRespond: false, Reason: "routing off"}, nil

	case ModeAI:
		if r.classifier != nil {
			respond, reason, err := r.classifier(ctx, q)
			if err != nil {
				return pipeline.RouteDecision{}, err
			}
			return pipeline.RouteDecision{ShouldRespond: respond, Reason: reason}, nil
		}
		r.logger.Debug("ai mode without classifier, using heuristic")
		fallthrough

	default:
		respond, reason := heuristic(q.Content)
		return pipeline.RouteDecision{ShouldRespond: respond, Reason: reason}, nil
	}
}

// imperative openers that usually address the assistant directly.
var imperativeOpeners = []string{
	"add", "build", "can you", "change", "check", "could you", "create",
	"debug", "delete", "deploy", "explain", "fix", "help", "implement",
	"install", "make", "please", "remove", "rename", "run", "show",
	"test", "try", "update", "write",
}

func heuristic(content string) (bool, string) {
	trimmed := strings.TrimSpace(strings.ToLower(content))
	if trimmed == "" {
		return false, "empty"
	}
	if strings.Contains(trimmed, "?") {
		return true, "question"
	}
	for _, opener := range imperativeOpeners {
		if trimmed == opener || strings.HasPrefix(trimmed, opener+" ") {
			return true, "imperative: " + opener
		}
	}
	return false, "no addressing signal"
}

// GenerateThreadName derives a thread title from the first message: first
// line, mention tokens and markdown stripped, length capped.
func (r *Router) GenerateThreadName(content string) string {
	line := content
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = stripMentionTokens(line)
	line = strings.Trim(line, "#*_`> ")
	line = strings.Join(strings.Fields(line), " ")
	if line == "" {
		return "New conversation"
	}
	if len(line) > maxThreadNameLen {
		cut := line[:maxThreadNameLen]
		if idx := strings.LastIndexByte(cut, ' '); idx > maxThreadNameLen/2 {
			cut = cut[:idx]
		}
		line = cut + "..."
	}
	return line
}

func stripMentionTokens(s string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, "<@")
		if start < 0 {
			b.WriteString(s)
			break
		}
		end := strings.IndexByte(s[start:], '>')
		if end < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:start])
		s = s[start+end+1:]
	}
	return b.String()
}
