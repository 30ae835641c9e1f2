package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"e2e_relay/internal/service/chat"
	"e2e_relay/internal/service/client"
	"e2e_relay/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const (
	historyPageSize = 50
	typingThrottle  = time.Second
	statusRefresh   = 500 * time.Millisecond
)

type (
	App struct {
		app     *tview.Application
		chatbox *tview.TextView
		status  *tview.TextView
		input   *tview.InputField

		chat *chat.Chat
		ctrl *client.Controller

		self   string
		toName string

		// last published client.State << 1 | authed
		connState  atomic.Int64
		running    atomic.Bool
		lastTyping time.Time
	}
)

func NewApp(self, toName string) *App {
	return &App{
		app:    tview.NewApplication(),
		self:   self,
		toName: toName,
	}
}

// Attach wires the messaging pipeline. It must be called before Run.
func (c *App) Attach(ch *chat.Chat, ctrl *client.Controller) {
	c.chat = ch
	c.ctrl = ctrl
}

// Run blocks until the UI exits or ctx is done.
func (c *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.buildUI()
	c.loadHistory(ctx)

	c.running.Store(true)
	c.ctrl.Start()
	defer c.ctrl.Stop()
	// An exited UI no longer drains queued updates.
	defer c.running.Store(false)

	go c.refreshStatus(ctx)
	go func() {
		<-ctx.Done()
		c.app.Stop()
	}()

	return c.app.SetRoot(c.layout(), true).SetFocus(c.input).Run()
}

// OnEvent is the chat pipeline's notification sink.
func (c *App) OnEvent(e chat.Event) {
	if !c.running.Load() {
		return
	}
	switch e.Kind {
	case chat.EventMessage:
		c.app.QueueUpdateDraw(func() {
			if e.From == c.toName {
				fmt.Fprintf(c.chatbox, "[green]%s:[-] %s\n", e.From, tview.Escape(e.Text))
			} else {
				fmt.Fprintf(c.chatbox, "[blue]new message from %s[-]\n", e.From)
			}
			c.chatbox.ScrollToEnd()
		})

	case chat.EventError:
		c.app.QueueUpdateDraw(func() {
			fmt.Fprintf(c.chatbox, "[red]error:[-] %s\n", tview.Escape(e.Text))
			c.chatbox.ScrollToEnd()
		})
	}
}

// OnStateChange records the connection state; it runs on the controller's
// goroutine and only stores.
func (c *App) OnStateChange(state client.State, authed bool) {
	v := int64(state) << 1
	if authed {
		v |= 1
	}
	c.connState.Store(v)
}

func (c *App) buildUI() {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" Chat with %s ", c.toName))

	c.status = tview.NewTextView().
		SetDynamicColors(true)

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message ")

	// Ctrl-R asks for an immediate reconnect instead of waiting out the backoff.
	c.app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if ev.Key() == tcell.KeyCtrlR {
			go c.ctrl.NotifyForeground()
			return nil
		}
		return ev
	})

	c.input.SetChangedFunc(func(text string) {
		if text == "" || time.Since(c.lastTyping) < typingThrottle {
			return
		}
		c.lastTyping = time.Now()
		go c.chat.Typing(c.toName)
	})

	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := c.input.GetText()
		if text == "" {
			return
		}
		c.input.SetText("")

		go func(msg string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := c.chat.Send(ctx, c.toName, msg); err != nil {
				log.Error("Send message failed", zap.Error(err))
				c.app.QueueUpdateDraw(func() {
					fmt.Fprintf(c.chatbox, "[red]not sent:[-] %s\n", tview.Escape(err.Error()))
					c.chatbox.ScrollToEnd()
				})
				return
			}
			c.app.QueueUpdateDraw(func() {
				fmt.Fprintf(c.chatbox, "[yellow]You:[-] %s\n", tview.Escape(msg))
				c.chatbox.ScrollToEnd()
			})
		}(text)
	})
}

func (c *App) layout() tview.Primitive {
	return tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.status, 1, 0, false).
		AddItem(c.input, 3, 0, true)
}

func (c *App) loadHistory(ctx context.Context) {
	entries, err := c.chat.History(ctx, c.toName, 0, historyPageSize)
	if err != nil {
		log.Error("load history failed", zap.Error(err))
		return
	}
	for _, e := range entries {
		if e.From == c.self {
			fmt.Fprintf(c.chatbox, "[yellow]You:[-] %s\n", tview.Escape(e.Text))
		} else {
			fmt.Fprintf(c.chatbox, "[green]%s:[-] %s\n", e.From, tview.Escape(e.Text))
		}
	}
	c.chatbox.ScrollToEnd()
}

// refreshStatus redraws the connection and typing line; typing entries
// expire on their own so the line is polled rather than pushed.
func (c *App) refreshStatus(ctx context.Context) {
	ticker := time.NewTicker(statusRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !c.running.Load() {
			return
		}
		line := c.statusLine()
		c.app.QueueUpdateDraw(func() {
			c.status.SetText(line)
		})
	}
}

func (c *App) statusLine() string {
	v := c.connState.Load()
	state, authed := client.State(v>>1), v&1 == 1

	var b strings.Builder
	switch {
	case state == client.StateOpen && authed:
		b.WriteString("[green]online[-]")
	case state == client.StateAuthFailed:
		b.WriteString("[red]session expired, restart to log in again[-]")
	default:
		fmt.Fprintf(&b, "[gray]%s[-]", state)
	}

	for _, from := range c.chat.TypingActive() {
		if from == c.toName {
			fmt.Fprintf(&b, "  [gray]%s is typing...[-]", from)
		}
	}
	return b.String()
}
