package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"teamchat/internal/composer"
	"teamchat/internal/domain"
	"teamchat/internal/format"
	"teamchat/internal/staging"
)

const cliHelp = `Directives:
  :b :i :s :c       toggle bold, italic, strikethrough, code
  :g                start a command (the next line follows the marker)
  :attach <path>    stage and upload a file
  :act <id> <n>     press action n of message id
  :status           show the draft state
  /quit             exit`

// CLI is a line-oriented composer for one hub chat. Each line is one draft.
type CLI struct {
	comp    *composer.Composer
	actions ActionConfig
	chat    string
	userID  string
	logger  *slog.Logger
	in      io.Reader

	outMu sync.Mutex
	out   io.Writer
}

type CLIConfig struct {
	Composer *composer.Composer
	Actions  ActionConfig
	Chat     string
	UserID   string
	Logger   *slog.Logger
	In       io.Reader
	Out      io.Writer
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Chat == "" {
		cfg.Chat = DefaultChat
	}
	return &CLI{
		comp:    cfg.Composer,
		actions: cfg.Actions,
		chat:    cfg.Chat,
		userID:  cfg.UserID,
		logger:  cfg.Logger,
		in:      cfg.In,
		out:     cfg.Out,
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the REPL and blocks until EOF, /quit or ctx is cancelled.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	bus.OnOutbound(c.Name(), c.handleOutbound)
	defer bus.OffOutbound(c.Name())

	c.printf("teamchat #%s. Type a message and press Enter. :help lists directives, /quit exits.\n", c.chat)
	c.prompt()

	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			return scanner.Err()
		}

		line := strings.TrimRight(scanner.Text(), " \t\r")
		switch {
		case line == "":
		case line == "/quit" || line == "/exit" || line == "/q":
			c.logger.Info("user requested quit")
			return nil
		case strings.HasPrefix(line, ":"):
			c.handleDirective(ctx, line)
		default:
			c.submitLine(ctx, line)
		}
		c.prompt()
	}
}

// Stop is a no-op for CLI (we exit when Start returns).
func (c *CLI) Stop() error { return nil }

func (c *CLI) submitLine(ctx context.Context, line string) {
	text := line
	if marker := c.comp.Commands().Marker; c.comp.Text() == marker {
		text = marker + line
	}
	tr := c.comp.Apply(composer.EditIntent{Text: text, Kind: composer.EditReplace})
	c.comp.Perform(ctx, tr.Effects)

	if _, err := c.comp.SubmitDraft(ctx); err != nil {
		c.printf("! %v\n", err)
	}
}

func (c *CLI) handleDirective(ctx context.Context, line string) {
	fields := strings.Fields(line)
	switch fields[0] {
	case ":b":
		c.toggle(format.Bold)
	case ":i":
		c.toggle(format.Italic)
	case ":s":
		c.toggle(format.Strikethrough)
	case ":c":
		c.toggle(format.Code)
	case ":g":
		tr := c.comp.TriggerCommand()
		c.comp.Perform(ctx, tr.Effects)
		c.printf("command: %s", tr.Draft.Text)
		for _, d := range c.comp.Commands().List() {
			c.printf("\n  %s", c.comp.Commands().Usage(d))
		}
		c.printf("\n")
	case ":attach":
		if len(fields) < 2 {
			c.printf("! usage: :attach <path>\n")
			return
		}
		c.attach(ctx, strings.TrimSpace(strings.TrimPrefix(line, ":attach")))
	case ":act":
		if len(fields) != 3 {
			c.printf("! usage: :act <message id> <n>\n")
			return
		}
		idx, err := strconv.Atoi(fields[2])
		if err != nil {
			c.printf("! action index must be a number\n")
			return
		}
		if err := c.actions.invoke(ctx, encodeActionData(fields[1], idx), newAckEvent(nil), c.logger); err != nil {
			c.printf("! %v\n", err)
		}
	case ":status":
		c.printStatus()
	case ":help":
		c.printf("%s\n", cliHelp)
	default:
		c.printf("! unknown directive %s (:help)\n", fields[0])
	}
}

func (c *CLI) toggle(flag format.Flag) {
	flags := c.comp.Toggle(flag)
	state := "off"
	if flags.Has(flag) {
		state = "on"
	}
	c.printf("%s %s\n", flag, state)
}

func (c *CLI) attach(ctx context.Context, path string) {
	if !c.comp.CanUpload() {
		c.printf("! uploads are disabled right now\n")
		return
	}
	f, err := os.Open(path)
	if err != nil {
		c.printf("! %v\n", err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		c.printf("! %v\n", err)
		return
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	refs, err := c.comp.Attach(staging.File{Name: filepath.Base(path), MimeType: mimeType, Size: info.Size(), Body: f})
	if err != nil {
		c.printf("! %v\n", err)
		return
	}
	for _, ref := range refs {
		done, err := c.comp.Upload(ctx, ref.ID)
		if err != nil {
			c.printf("! upload of %s failed: %v\n", ref.Name, err)
			continue
		}
		c.printf("attached %s (%s)\n", done.Name, done.URL)
	}
}

func (c *CLI) printStatus() {
	snap := c.comp.Snapshot()
	var on []string
	for _, f := range format.Decorations {
		if snap.Flags.Has(f) {
			on = append(on, string(f))
		}
	}
	c.printf("state: %s\n", snap.State)
	if snap.Flags.CommandMode {
		c.printf("command mode: %s\n", c.comp.Commands().Keyword)
	}
	if len(on) > 0 {
		c.printf("format: %s\n", strings.Join(on, ", "))
	}
	for _, a := range snap.Draft.Attachments {
		c.printf("attachment: %s [%s]\n", a.Name, a.State)
	}
}

func (c *CLI) handleOutbound(evt domain.OutboundEvent) {
	if evt.ChatID != c.chat {
		return
	}
	msg := evt.Message
	switch evt.Kind {
	case domain.OutboundNew:
		c.printf("\r[%s] %s  (%s)\n", displayName(msg.UserID), renderText(msg), msg.ID)
		c.printActions(msg)
	case domain.OutboundUpdate:
		c.printf("\r~ [%s] %s  (%s, edited)\n", displayName(msg.UserID), renderText(msg), msg.ID)
		c.printActions(msg)
	case domain.OutboundRemove:
		c.printf("\r- %s removed\n", msg.ID)
	case domain.OutboundTyping:
		if evt.UserID == c.userID {
			return
		}
		c.printf("\r… %s is typing\n", displayName(evt.UserID))
	default:
		return
	}
	c.prompt()
}

func (c *CLI) printActions(msg domain.Message) {
	if len(msg.Actions) == 0 {
		return
	}
	var parts []string
	for i, a := range msg.Actions {
		label := a.Text
		if label == "" {
			label = a.Value
		}
		parts = append(parts, fmt.Sprintf("[%d] %s", i, label))
	}
	c.printf("  %s   (:act %s <n>)\n", strings.Join(parts, "  "), msg.ID)
}

func (c *CLI) prompt() {
	c.printf("You> ")
}

func (c *CLI) printf(layout string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprintf(c.out, layout, args...)
}

func displayName(userID string) string {
	if userID == "" {
		return "anonymous"
	}
	return userID
}
