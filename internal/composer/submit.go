package composer

import (
	"context"
	"slices"
	"strings"
	"time"

	"teamchat/internal/bus"
	"teamchat/internal/domain"
	"teamchat/internal/format"
	"teamchat/internal/metrics"
)

// Submit transforms candidate, clears the draft and dispatches the result
// through the send-message channel without waiting for it.
//
// Transform rules, first match wins:
//   - attachments present and text starting with the keyword: the keyword is
//     removed, the upload is not treated as a command;
//   - command mode: the keyword and a space are prepended to the composer's
//     own text;
//   - otherwise the decorations are applied in the order bold, code, italic,
//     strikethrough. Each wrap is applied to the candidate text and replaces
//     the previous one, so only the last set flag is visible.
//
// Flags, text and staged attachments are reset before the dispatch starts.
func (c *Composer) Submit(ctx context.Context, candidate domain.OutgoingMessage) domain.OutgoingMessage {
	c.mu.Lock()
	out := c.transformLocked(candidate)
	c.resetLocked()
	c.mu.Unlock()

	metrics.Submits.Inc()
	c.emit(bus.EventMessageSubmitted, map[string]any{
		"text":        out.Text,
		"attachments": len(out.Attachments),
	})
	c.dispatch(ctx, out)
	return out
}

// SubmitDraft builds the candidate from the current draft and runs it through
// the submit function (Submit, or Options.OverrideSubmit).
func (c *Composer) SubmitDraft(ctx context.Context) (domain.OutgoingMessage, error) {
	c.mu.Lock()
	if c.submitting {
		c.mu.Unlock()
		return domain.OutgoingMessage{}, ErrSubmitting
	}
	if c.staging.InFlight() > 0 {
		c.mu.Unlock()
		return domain.OutgoingMessage{}, ErrUploadsInFlight
	}
	candidate := domain.OutgoingMessage{
		Text:        c.buf.Text(),
		Attachments: c.staging.Completed(),
	}
	if strings.TrimSpace(candidate.Text) == "" && len(candidate.Attachments) == 0 {
		c.mu.Unlock()
		return domain.OutgoingMessage{}, ErrEmptyDraft
	}
	c.submitting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.submitting = false
		c.mu.Unlock()
	}()

	submit := c.opts.OverrideSubmit
	if submit == nil {
		submit = c.Submit
	}
	return submit(ctx, candidate), nil
}

func (c *Composer) transformLocked(candidate domain.OutgoingMessage) domain.OutgoingMessage {
	out := domain.OutgoingMessage{
		Text:        candidate.Text,
		Attachments: slices.Clone(candidate.Attachments),
	}
	flags := c.flags.Flags()

	switch {
	case len(candidate.Attachments) > 0 && c.cmds.HasKeyword(candidate.Text):
		out.Text = strings.Replace(candidate.Text, c.cmds.Keyword, "", 1)
	case flags.CommandMode:
		out.Text = c.cmds.Prefix(c.buf.Text())
	default:
		for _, flag := range format.Decorations {
			if flags.Has(flag) {
				out.Text = format.Wrap(flag, candidate.Text)
			}
		}
	}
	return out
}

func (c *Composer) resetLocked() {
	c.flags.SetCommandMode(false)
	c.flags.ResetAll()
	c.buf.Reset()
	c.staging.Clear()
}

func (c *Composer) dispatch(ctx context.Context, out domain.OutgoingMessage) {
	sender := c.opts.Sender
	if sender == nil {
		c.logger.Warn("no send-message channel configured, dropping message")
		return
	}
	sendCtx := context.WithoutCancel(ctx)
	c.opts.Go(func() {
		start := time.Now()
		msg, err := sender.SendMessage(sendCtx, out)
		metrics.SendLatency.Since(start)
		if err != nil {
			metrics.SendFailures.Inc()
			c.logger.Error("send message failed", "err", err)
			c.emit(bus.EventSendFailed, map[string]any{"err": err.Error()})
			return
		}
		if msg != nil {
			c.logger.Debug("message sent", "id", msg.ID)
		}
	})
}
