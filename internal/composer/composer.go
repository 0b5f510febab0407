// Package composer implements the message-input state machine: free text
// editing, formatting toggles, command mode and the submit transform.
//
// Every UI entry point (keystroke, toolbar click, submit) is expressed as a
// method call that returns a Transition describing the new draft and the side
// effects the host should perform. The composer never touches a UI toolkit.
package composer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"teamchat/internal/bus"
	"teamchat/internal/domain"
	"teamchat/internal/format"
	"teamchat/internal/metrics"
	"teamchat/internal/staging"
	"teamchat/internal/textbuf"
)

var (
	ErrCommandMode     = errors.New("uploads are disabled in command mode")
	ErrEmptyDraft      = errors.New("nothing to send")
	ErrUploadsInFlight = errors.New("attachments are still uploading")
	ErrSubmitting      = errors.New("a submit is already in progress")
)

const defaultTypingInterval = 2 * time.Second

// State is the composer's conceptual state.
type State string

const (
	StateIdle        State = "idle"
	StateEditing     State = "editing"
	StateCommandMode State = "command_mode"
	StateSubmitting  State = "submitting"
)

// EditKind tells the composer how the text changed.
type EditKind int

const (
	EditInsert EditKind = iota
	EditDeleteBackward
	EditReplace
)

// EditIntent is one text change: the full new text and the kind of edit that
// produced it.
type EditIntent struct {
	Text string
	Kind EditKind
}

// Effect is a side effect the host should perform after a transition.
type Effect string

const (
	EffectFocus  Effect = "focus"
	EffectTyping Effect = "typing"
)

// Draft is the in-progress message.
type Draft struct {
	Text            string
	Attachments     []staging.Ref
	NumberOfUploads int
}

// Transition is the result of a state change.
type Transition struct {
	Draft      Draft
	State      State
	Flags      format.Flags
	Suggestion textbuf.Suggestion
	Effects    []Effect
}

// SubmitFunc transforms and dispatches a submit candidate, returning what was
// dispatched.
type SubmitFunc func(ctx context.Context, candidate domain.OutgoingMessage) domain.OutgoingMessage

// Options wires a Composer to its collaborators.
type Options struct {
	Commands *Commands
	Staging  *staging.Staging
	Sender   domain.MessageSender
	Typing   domain.TypingNotifier
	Logger   *slog.Logger

	// Events receives composer events. Handlers run synchronously and must not
	// call back into the Composer.
	Events *bus.EventBus

	// Focus is called for EffectFocus.
	Focus func()
	// OverrideSubmit replaces Composer.Submit in SubmitDraft.
	OverrideSubmit SubmitFunc
	// ExclusiveFormatting makes Toggle switch the other decorations off.
	ExclusiveFormatting bool
	// TypingInterval throttles typing effects from Apply (default 2s).
	TypingInterval time.Duration

	// Go runs fire-and-forget work. Defaults to starting a goroutine.
	Go  func(func())
	Now func() time.Time
}

// Composer is the message-input state machine.
type Composer struct {
	opts   Options
	cmds   *Commands
	logger *slog.Logger

	mu         sync.Mutex
	buf        *textbuf.Buffer
	flags      format.ToggleSet
	staging    *staging.Staging
	submitting bool
	lastTyping time.Time
}

// New creates a composer with an empty draft.
func New(opts Options) *Composer {
	if opts.Commands == nil {
		opts.Commands = NewCommands("", "")
	}
	if opts.Staging == nil {
		opts.Staging = staging.New(staging.Options{Logger: opts.Logger})
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TypingInterval <= 0 {
		opts.TypingInterval = defaultTypingInterval
	}
	if opts.Go == nil {
		opts.Go = func(f func()) { go f() }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Composer{
		opts:    opts,
		cmds:    opts.Commands,
		logger:  opts.Logger,
		buf:     textbuf.New(opts.Commands.Marker),
		staging: opts.Staging,
	}
}

// Commands returns the command catalogue.
func (c *Composer) Commands() *Commands { return c.cmds }

// Apply handles one text change.
//
// In command mode, a backspace that deletes the last character leaves command
// mode. Outside command mode, text starting with the command keyword and a
// space enters command mode and both are stripped, unless attachments are
// staged.
// The resulting text is then stored in the buffer.
func (c *Composer) Apply(in EditIntent) Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyLocked(in, false)
}

func (c *Composer) applyLocked(in EditIntent, forceTyping bool) Transition {
	text := in.Text
	flags := c.flags.Flags()

	if flags.CommandMode {
		if in.Kind == EditDeleteBackward && c.buf.Len() == 1 && text == "" {
			c.flags.SetCommandMode(false)
			c.flags.ResetAll()
			c.emit(bus.EventCommandModeExited, nil)
		}
	} else if c.staging.Len() == 0 {
		if query, ok := c.cmds.CutKeyword(text); ok {
			text = query
			c.flags.SetCommandMode(true)
			metrics.CommandModeTotal.Inc()
			c.emit(bus.EventCommandModeEntered, map[string]any{"query": query})
		}
	}

	sug := c.buf.HandleChange(text)
	tr := c.transitionLocked(sug)

	now := c.opts.Now()
	if forceTyping || (text != "" && now.Sub(c.lastTyping) >= c.opts.TypingInterval) {
		c.lastTyping = now
		tr.Effects = append(tr.Effects, EffectTyping)
	}
	return tr
}

// TriggerCommand is the command affordance outside the text field: it clears
// the decorations, sets the text to the command marker and asks the host to
// focus the input and send a typing ping.
func (c *Composer) TriggerCommand() Transition {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.flags.ResetAll()
	tr := c.applyLocked(EditIntent{Text: c.cmds.Marker, Kind: EditReplace}, true)
	tr.Effects = append([]Effect{EffectFocus}, tr.Effects...)
	return tr
}

// Perform executes effects. Typing pings run asynchronously; failures are
// logged and never returned.
func (c *Composer) Perform(ctx context.Context, effects []Effect) {
	for _, e := range effects {
		switch e {
		case EffectFocus:
			if c.opts.Focus != nil {
				c.opts.Focus()
			}
		case EffectTyping:
			notifier := c.opts.Typing
			if notifier == nil {
				continue
			}
			typingCtx := context.WithoutCancel(ctx)
			c.opts.Go(func() {
				if err := notifier.Keystroke(typingCtx); err != nil {
					c.logger.Warn("start typing event failed", "err", err)
					return
				}
				c.emit(bus.EventTypingStarted, nil)
			})
		}
	}
}

// Toggle flips a decoration flag.
func (c *Composer) Toggle(flag format.Flag) format.Flags {
	c.mu.Lock()
	defer c.mu.Unlock()

	var f format.Flags
	if c.opts.ExclusiveFormatting {
		f = c.flags.Exclusive(flag)
	} else {
		f = c.flags.Toggle(flag)
	}
	c.emit(bus.EventFormatToggled, map[string]any{"flag": string(flag), "on": f.Has(flag)})
	return f
}

// Attach stages files for upload. Uploads and command mode exclude each other.
func (c *Composer) Attach(files ...staging.File) ([]staging.Ref, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.flags.Flags().CommandMode {
		return nil, ErrCommandMode
	}
	refs, err := c.staging.Add(files...)
	if err != nil {
		return nil, err
	}
	for _, r := range refs {
		c.emit(bus.EventUploadStaged, map[string]any{"id": r.ID, "name": r.Name})
	}
	return refs, nil
}

// Upload runs one staged attachment through the upload service. It blocks
// for the duration of the upload; hosts call it off the UI loop.
func (c *Composer) Upload(ctx context.Context, id string) (staging.Ref, error) {
	metrics.UploadsTotal.Inc()
	ref, err := c.staging.Upload(ctx, id)
	if err != nil {
		metrics.UploadFailures.Inc()
	}
	c.emit(bus.EventUploadFinished, map[string]any{"id": id, "state": string(ref.State)})
	return ref, err
}

// RemoveAttachment drops a staged attachment.
func (c *Composer) RemoveAttachment(id string) bool {
	return c.staging.Remove(id)
}

// CanUpload reports whether the upload affordance should be enabled.
func (c *Composer) CanUpload() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.flags.Flags().CommandMode && !c.staging.Full()
}

// ShowCommandBadge reports whether the command-mode badge should be shown.
func (c *Composer) ShowCommandBadge() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags.Flags().CommandMode && c.staging.Len() == 0
}

// Snapshot returns the current draft, state and flags.
func (c *Composer) Snapshot() Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(textbuf.Suggestion{})
}

// State returns the current state.
func (c *Composer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// Flags returns the current formatting flags.
func (c *Composer) Flags() format.Flags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags.Flags()
}

// Text returns the current draft text.
func (c *Composer) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Text()
}

func (c *Composer) stateLocked() State {
	switch {
	case c.submitting:
		return StateSubmitting
	case c.flags.Flags().CommandMode:
		return StateCommandMode
	case c.buf.Text() == "" && c.staging.Len() == 0:
		return StateIdle
	default:
		return StateEditing
	}
}

func (c *Composer) transitionLocked(sug textbuf.Suggestion) Transition {
	return Transition{
		Draft: Draft{
			Text:            c.buf.Text(),
			Attachments:     c.staging.Refs(),
			NumberOfUploads: c.staging.Uploading(),
		},
		State:      c.stateLocked(),
		Flags:      c.flags.Flags(),
		Suggestion: sug,
	}
}

func (c *Composer) emit(eventType string, payload map[string]any) {
	c.opts.Events.Emit(bus.Event{Type: eventType, Source: "composer", Payload: payload})
}
