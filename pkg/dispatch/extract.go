package dispatch

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/cuemby/colony/pkg/metrics"
	"github.com/cuemby/colony/pkg/runtime"
)

// Extraction stages, in the order they are tried
const (
	StageText      = "text"
	StageReasoning = "reasoning"
	StageStream    = "stream"
	StageRefetch   = "refetch"
	StagePoll      = "poll"
)

const (
	refetchLimit    = 20
	pollLimit       = 10
	maxPollWindow   = 10 * time.Second
	defaultRefetch  = 3
	defaultBackoff  = 200 * time.Millisecond
	defaultPollTick = 500 * time.Millisecond
)

func partsText(parts []runtime.Part, typ string) string {
	var texts []string
	for _, p := range parts {
		if p.Type == typ && strings.TrimSpace(p.Text) != "" {
			texts = append(texts, strings.TrimSpace(p.Text))
		}
	}
	return strings.Join(texts, "\n")
}

func messageText(m *runtime.Message) string {
	if m == nil {
		return ""
	}
	if t := partsText(m.Parts, runtime.PartText); t != "" {
		return t
	}
	return partsText(m.Parts, runtime.PartReasoning)
}

type extraction struct {
	client    runtime.Client
	sessionID string
	reply     *runtime.Message
	streamed  string
	sentAt    time.Time
	seen      map[string]bool
}

func (e *extraction) note(parts []runtime.Part) {
	for _, p := range parts {
		e.seen[p.Type] = true
	}
}

func (e *extraction) partTypes() []string {
	types := make([]string, 0, len(e.seen))
	for t := range e.seen {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// extract walks the extraction stages until one yields text
func (d *Dispatcher) extract(ctx context.Context, e *extraction) (string, string) {
	if e.reply != nil {
		e.note(e.reply.Parts)
		if t := partsText(e.reply.Parts, runtime.PartText); t != "" {
			return t, StageText
		}
		if t := partsText(e.reply.Parts, runtime.PartReasoning); t != "" {
			return t, StageReasoning
		}
	}
	if t := strings.TrimSpace(e.streamed); t != "" {
		return t, StageStream
	}
	if e.reply != nil && e.reply.Info.ID != "" {
		if t := d.refetch(ctx, e); t != "" {
			return t, StageRefetch
		}
	}
	if t := d.poll(ctx, e); t != "" {
		return t, StagePoll
	}
	return "", ""
}

func (d *Dispatcher) refetch(ctx context.Context, e *extraction) string {
	for attempt := 1; attempt <= d.config.RefetchAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ""
		case <-time.After(time.Duration(attempt) * d.config.RefetchBackoff):
		}
		msgs, err := e.client.Messages(ctx, e.sessionID, refetchLimit)
		if err != nil {
			d.logger.Debug().Err(err).Int("attempt", attempt).Msg("refetch failed")
			continue
		}
		for i := range msgs {
			if msgs[i].Info.ID != e.reply.Info.ID {
				continue
			}
			e.note(msgs[i].Parts)
			if t := messageText(&msgs[i]); t != "" {
				return t
			}
		}
	}
	return ""
}

func (d *Dispatcher) poll(ctx context.Context, e *extraction) string {
	window := d.config.PollWindow
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < window {
			window = remaining
		}
	}
	if window <= 0 {
		return ""
	}
	pctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()
	for {
		msgs, err := e.client.Messages(pctx, e.sessionID, pollLimit)
		if err == nil {
			for i := len(msgs) - 1; i >= 0; i-- {
				if msgs[i].Info.Role != runtime.RoleAssistant {
					continue
				}
				// Replies to earlier messages are not ours.
				if at := msgs[i].Info.CreatedAt; !at.IsZero() && at.Before(e.sentAt) {
					break
				}
				e.note(msgs[i].Parts)
				if t := messageText(&msgs[i]); t != "" {
					return t
				}
				break
			}
		}
		select {
		case <-pctx.Done():
			return ""
		case <-ticker.C:
		}
	}
}

func observeStage(stage string) {
	if stage == "" {
		stage = "empty"
	}
	metrics.ExtractionStage.WithLabelValues(stage).Inc()
}
