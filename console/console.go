// Package console is a line oriented client over the session store, the
// router and the conversation synchronizer.
package console

import (
	"agency-crm/contract"
	"agency-crm/domain"
	"agency-crm/errors"
	"agency-crm/messaging"
	"agency-crm/routing"
	"agency-crm/session"
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
)

const maxRedirects = 4

const usage = `commands:
  login <email> <password>
  admin-login <email> <password>
  register <email> <password> <client|staff> <full name>
  retry | discard            finish or drop a registration whose profile failed
  logout
  goto <path>
  whoami
  conversations
  select <number|id>
  send <text>
  log
  read
  quit`

type Console struct {
	log     *slog.Logger
	store   *session.Store
	tables  contract.ITables
	feed    contract.IFeed
	colours bool

	outMu sync.Mutex
	out   io.Writer

	path         string
	lastFields   domain.ProfileFields
	synchronizer *messaging.Synchronizer
	printed      map[domain.MessageID]struct{}
	stopWatch    context.CancelFunc
	watchDone    chan struct{}
}

func New(log *slog.Logger, out io.Writer, colours bool, store *session.Store, tables contract.ITables, feed contract.IFeed) *Console {
	return &Console{
		log:     log,
		store:   store,
		tables:  tables,
		feed:    feed,
		colours: colours,
		out:     out,
		path:    routing.PathRoot,
	}
}

// Run reads commands until quit, end of input or ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	defer c.closeMessages()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	c.printf("%s\n", usage)
	if err := c.navigate(ctx, c.path); err != nil {
		c.failure(err)
	}
	for {
		c.prompt()
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			quit, err := c.Execute(ctx, line)
			if err != nil {
				c.failure(err)
			}
			if quit {
				return nil
			}
		}
	}
}

// Execute runs one command line.
func (c *Console) Execute(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	command, args := fields[0], fields[1:]

	switch command {
	case "quit", "exit":
		return true, nil
	case "help":
		c.printf("%s\n", usage)
		return false, nil
	case "login", "admin-login":
		if len(args) != 2 {
			return false, fmt.Errorf("usage: %s <email> <password>", command)
		}
		identity, err := c.store.SignIn(ctx, args[0], args[1], command == "admin-login")
		if err != nil {
			return false, err
		}
		c.success("Welcome %s (%s)", identity.DisplayName, identity.Role)
		return false, c.navigate(ctx, routing.Home(identity.Role))
	case "register":
		return false, c.register(ctx, args)
	case "retry":
		identity, err := c.store.RetryProfile(ctx, c.lastFields)
		if err != nil {
			return false, err
		}
		c.success("Welcome %s (%s)", identity.DisplayName, identity.Role)
		return false, c.navigate(ctx, routing.Home(identity.Role))
	case "discard":
		return false, c.store.DiscardCredential(ctx)
	case "logout":
		c.closeMessages()
		err := c.store.SignOut(ctx)
		if navErr := c.navigate(ctx, routing.PathLogin); navErr != nil {
			return false, navErr
		}
		return false, err
	case "goto":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: goto <path>")
		}
		return false, c.navigate(ctx, args[0])
	case "whoami":
		c.whoami()
		return false, nil
	case "conversations":
		return false, c.withMessages(func(s *messaging.Synchronizer) error {
			c.renderConversations(s.Snapshot())
			return nil
		})
	case "select":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: select <number|id>")
		}
		return false, c.withMessages(func(s *messaging.Synchronizer) error {
			id := resolveConversation(s.Snapshot().Conversations, args[0])
			if err := s.Select(ctx, id); err != nil {
				return err
			}
			c.renderLog(s.Snapshot())
			return nil
		})
	case "send":
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), command))
		return false, c.withMessages(func(s *messaging.Synchronizer) error {
			return s.Send(ctx, text)
		})
	case "log":
		return false, c.withMessages(func(s *messaging.Synchronizer) error {
			c.renderLog(s.Snapshot())
			return nil
		})
	case "read":
		return false, c.withMessages(func(s *messaging.Synchronizer) error {
			count, err := s.MarkRead(ctx)
			if err == nil {
				c.success("%d message(s) marked read", count)
			}
			return err
		})
	default:
		return false, fmt.Errorf("unknown command %q, try help", command)
	}
}

func (c *Console) register(ctx context.Context, args []string) error {
	if len(args) < 4 {
		return fmt.Errorf("usage: register <email> <password> <client|staff> <full name>")
	}
	c.lastFields = domain.ProfileFields{
		FullName: strings.Join(args[3:], " "),
		Role:     domain.Role(args[2]),
	}
	identity, err := c.store.SignUp(ctx, args[0], args[1], c.lastFields)
	var profileErr *session.ProfileCreationError
	if stderrors.As(err, &profileErr) {
		c.printf("%s\n", c.paint(color.FgYellow, "Account created but the profile failed: retry or discard"))
		return err
	}
	if err != nil {
		return err
	}
	c.success("Welcome %s (%s)", identity.DisplayName, identity.Role)
	return c.navigate(ctx, routing.Home(identity.Role))
}

// navigate follows redirects until a screen renders.
func (c *Console) navigate(ctx context.Context, p string) error {
	for hop := 0; hop <= maxRedirects; hop++ {
		target := routing.Route(c.store.Current(), p)
		if !target.IsRedirect() {
			c.path = p
			c.printf("%s %s\n", c.paint(color.FgCyan, "screen"), target.Screen)
			return c.enter(ctx, target.Screen)
		}
		c.printf("%s %s -> %s\n", c.paint(color.FgMagenta, "redirect"), p, target.Redirect)
		p = target.Redirect
	}
	return fmt.Errorf("too many redirects ending at %s", p)
}

func (c *Console) enter(ctx context.Context, screen routing.Screen) error {
	if screen != routing.ScreenMessages {
		c.closeMessages()
		return nil
	}
	current := c.store.Current()
	if !current.Authenticated() {
		return errors.ErrInvalidCredentials
	}
	c.closeMessages()
	c.openMessages(*current.Identity)
	err := c.synchronizer.LoadConversations(ctx)
	view := c.synchronizer.Snapshot()
	c.renderConversations(view)
	c.markPrinted(view.Messages)
	if view.ConversationID != "" {
		c.renderLog(view)
	}
	return err
}

func (c *Console) openMessages(viewer domain.Identity) {
	c.synchronizer = messaging.NewSynchronizer(c.log, c.tables, c.feed, viewer)
	c.printed = make(map[domain.MessageID]struct{})
	ctx, cancel := context.WithCancel(context.Background())
	c.stopWatch = cancel
	c.watchDone = make(chan struct{})
	go c.watch(ctx, c.synchronizer, c.watchDone)
}

func (c *Console) closeMessages() {
	if c.synchronizer == nil {
		return
	}
	c.stopWatch()
	<-c.watchDone
	c.synchronizer.Close()
	c.synchronizer = nil
}

// watch prints messages that reach the log after it was last rendered.
func (c *Console) watch(ctx context.Context, s *messaging.Synchronizer, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Changed():
			view := s.Snapshot()
			if view.State != messaging.StateLive {
				continue
			}
			for _, m := range c.unprinted(view.Messages) {
				c.printf("%s %s\n", c.paint(color.FgGreen, "new"), c.formatMessage(m))
			}
		}
	}
}

func (c *Console) unprinted(messages []domain.Message) []domain.Message {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fresh := lo.Filter(messages, func(m domain.Message, _ int) bool {
		_, ok := c.printed[m.ID]
		return !ok
	})
	for _, m := range fresh {
		c.printed[m.ID] = struct{}{}
	}
	return fresh
}

func (c *Console) markPrinted(messages []domain.Message) {
	c.unprinted(messages)
}

func (c *Console) withMessages(fn func(s *messaging.Synchronizer) error) error {
	if c.synchronizer == nil {
		return fmt.Errorf("open %s first", routing.PathDashboard+"/messages")
	}
	return fn(c.synchronizer)
}

func resolveConversation(conversations []domain.ConversationSummary, arg string) domain.ConversationID {
	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(conversations) {
		return conversations[n-1].ID
	}
	return domain.ConversationID(arg)
}

func (c *Console) whoami() {
	current := c.store.Current()
	if !current.Authenticated() {
		c.printf("nobody is signed in (%s)\n", current.Status)
		return
	}
	id := current.Identity
	c.printf("%s %s (%s) id=%s at %s\n", c.paint(color.FgCyan, "signed in"), id.DisplayName, id.Role, id.ID, c.path)
}

func (c *Console) renderConversations(view messaging.View) {
	viewer := domain.RoleClient
	if current := c.store.Current(); current.Identity != nil {
		viewer = current.Identity.Role
	}
	c.render([]string{"#", "With", "Updated", "Selected"}, lo.Map(view.Conversations,
		func(s domain.ConversationSummary, i int) []string {
			return []string{
				strconv.Itoa(i + 1),
				s.CounterpartName(viewer),
				s.UpdatedAt.Local().Format("2006-01-02 15:04"),
				lo.Ternary(s.ID == view.ConversationID, "*", ""),
			}
		}))
}

func (c *Console) renderLog(view messaging.View) {
	c.markPrinted(view.Messages)
	c.render([]string{"At", "From", "Message", "Read"}, lo.Map(view.Messages,
		func(m domain.Message, _ int) []string {
			return []string{
				m.CreatedAt.Local().Format("15:04:05"),
				c.senderName(m.SenderID),
				m.Content,
				lo.Ternary(m.Read, "yes", ""),
			}
		}))
}

func (c *Console) formatMessage(m domain.Message) string {
	return fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04:05"), c.senderName(m.SenderID), m.Content)
}

func (c *Console) senderName(id domain.UserID) string {
	if current := c.store.Current(); current.Identity != nil && current.Identity.ID == id {
		return "me"
	}
	return string(id)[:min(len(id), 8)]
}

func (c *Console) render(header []string, rows [][]string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	table := tablewriter.NewWriter(c.out)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.AppendBulk(rows)
	table.Render()
}

func (c *Console) paint(fg color.Color, s string) string {
	if !c.colours {
		return s
	}
	return color.New(fg, color.OpBold).Render(s)
}

func (c *Console) success(format string, args ...any) {
	c.printf("%s\n", c.paint(color.FgGreen, fmt.Sprintf(format, args...)))
}

func (c *Console) failure(err error) {
	c.printf("%s %v\n", c.paint(color.FgRed, "error"), err)
}

func (c *Console) prompt() {
	c.printf("%s> ", c.path)
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}
