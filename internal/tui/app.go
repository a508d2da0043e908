package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/pigeonai/pigeon/internal/api"
	"github.com/pigeonai/pigeon/internal/chat"
	"github.com/pigeonai/pigeon/internal/tui/keys"
	"github.com/pigeonai/pigeon/internal/tui/model"
	"github.com/pigeonai/pigeon/internal/tui/ui"
	"github.com/pigeonai/pigeon/internal/tui/views"
)

const (
	pageList   = "list"
	pageThread = "thread"
	pageSearch = "search"
	pageHelp   = "help"
	pageInfo   = "info"

	promptHeight = 3
	headerRows   = 8
	callTimeout  = 10 * time.Second
)

// App is the main TUI application shell.
type App struct {
	app      *tview.Application
	theme    *ui.Theme
	vm       *model.ViewModel
	registry *keys.Registry

	root     *tview.Flex
	pages    *ui.Pages
	crumbs   *ui.Crumbs
	menu     *ui.Menu
	info     *ui.SessionInfo
	flashBar *ui.FlashBar
	prompt   *ui.Prompt

	list    *views.ConversationList
	thread  *views.MessageThread
	search  *views.SearchView
	help    *views.HelpView
	details *views.ConversationInfo

	promptOpen bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewApp creates the TUI over a daemon backend.
func NewApp(b model.Backend, sessionName string) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()

	a := &App{
		app:      tview.NewApplication(),
		theme:    theme,
		vm:       model.NewViewModel(b),
		registry: keys.NewRegistry(),
		pages:    ui.NewPages(),
		crumbs:   ui.NewCrumbs(theme),
		menu:     ui.NewMenu(theme, headerRows),
		info:     ui.NewSessionInfo(theme),
		flashBar: ui.NewFlashBar(theme),
		prompt:   ui.NewPrompt(theme),
		list:     views.NewConversationList(theme),
		thread:   views.NewMessageThread(theme),
		search:   views.NewSearchView(theme),
		help:     views.NewHelpView(theme),
		details:  views.NewConversationInfo(theme),
		ctx:      ctx,
		cancel:   cancel,
	}

	a.setupLayout()
	a.setupBindings()
	a.setupCallbacks()
	a.info.Update(&ui.SessionData{Session: sessionName})
	return a
}

func (a *App) setupLayout() {
	a.menu.SetGlobal([]ui.MenuHint{
		{Key: "s", Description: "Search"},
		{Key: "n", Description: "Toggle network"},
		{Key: ":", Description: "Command"},
		{Key: "?", Description: "Help"},
		{Key: "q", Description: "Quit"},
	})
	a.pages.Add(pageList, a.list, a.list)
	a.pages.Add(pageThread, a.thread, a.thread)
	a.pages.Add(pageSearch, a.search, a.search)
	a.pages.Add(pageHelp, a.help, a.help)
	a.pages.Add(pageInfo, a.details, a.details)
	a.pages.SetOnChange(func(top ui.Component, trail []string) {
		a.crumbs.Update(trail)
		if top != nil {
			a.menu.Update(top.Hints())
		}
	})

	header := tview.NewFlex().
		AddItem(a.info, 34, 0, false).
		AddItem(a.menu, 0, 1, false).
		AddItem(ui.NewLogo(a.theme), 20, 0, false)

	a.root = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(header, headerRows, 0, false).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.prompt, 0, 0, false).
		AddItem(a.crumbs, 1, 0, false).
		AddItem(a.flashBar, 1, 0, false)
	a.root.SetBackgroundColor(a.theme.BgColor)

	a.app.SetRoot(a.root, true)
	a.pages.Reset(pageList)
	a.app.SetFocus(a.list)
	a.app.SetInputCapture(a.handleKey)
}

func (a *App) setupBindings() {
	a.registry.Global(tcell.KeyRune, 'q', a.Stop)
	a.registry.Global(tcell.KeyRune, '?', func() { a.push(pageHelp, a.help) })
	a.registry.Global(tcell.KeyRune, 'n', a.toggleNetwork)
	a.registry.Global(tcell.KeyRune, 's', func() { a.showSearch("") })

	a.registry.Rune(pageList, '0', a.list.ClearFilter)
	for d := '1'; d <= '9'; d++ {
		n := int(d - '0')
		a.registry.Rune(pageList, d, func() {
			if id := a.list.ByIndex(n); id != "" {
				a.openConversation(id)
			}
		})
	}

	a.registry.Rune(pageThread, 'i', func() { a.app.SetFocus(a.thread.Composer()) })
	a.registry.Rune(pageThread, 'r', func() {
		a.background("refresh", a.vm.Refresh)
	})
	a.registry.Rune(pageThread, 'm', a.markRead)
	a.registry.Rune(pageThread, 'd', a.showDetails)

	a.registry.Page(pageSearch, tcell.KeyTab, 0, func() {
		if a.app.GetFocus() == a.search.Results() {
			a.app.SetFocus(a.search.Input())
		} else {
			a.app.SetFocus(a.search.Results())
		}
	})
}

func (a *App) setupCallbacks() {
	a.list.SetSelectedFunc(func(row, _ int) {
		if id := a.list.ByIndex(row); id != "" {
			a.openConversation(id)
		}
	})

	a.thread.SetOnSend(func(text string) {
		a.background("send", func(ctx context.Context) error {
			return a.vm.Send(ctx, text)
		})
	})

	a.search.SetOnQuery(func(query string) {
		go func() {
			ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
			defer cancel()
			results, err := a.vm.Search(ctx, query)
			if err != nil {
				a.vm.Flash.Err(fmt.Errorf("search: %w", err))
				return
			}
			a.app.QueueUpdateDraw(func() {
				a.search.Update(results)
				a.app.SetFocus(a.search.Results())
			})
		}()
	})
	a.search.Results().SetSelectedFunc(func(_, _ int) {
		if id := a.search.SelectedConversation(); id != "" {
			a.openConversation(id)
		}
	})

	a.prompt.SetOnSubmit(func(mode ui.PromptMode, text string) {
		a.hidePrompt()
		if mode == ui.PromptFilter {
			a.list.SetFilter(text)
			return
		}
		a.runCommand(ParseCommand(text))
	})
	a.prompt.SetOnCancel(a.hidePrompt)
}

func (a *App) handleKey(ev *tcell.EventKey) *tcell.EventKey {
	if a.promptOpen {
		return ev
	}
	page := a.pages.Current()

	// Text inputs keep their keys; Esc leaves them.
	if focused, ok := a.app.GetFocus().(*tview.InputField); ok {
		if ev.Key() == tcell.KeyTab && focused == a.search.Input() {
			a.app.SetFocus(a.search.Results())
			return nil
		}
		if ev.Key() != tcell.KeyEscape {
			return ev
		}
		switch focused {
		case a.thread.Composer():
			a.app.SetFocus(a.thread.Messages())
			return nil
		case a.search.Input():
			a.back()
			return nil
		}
		return ev
	}

	switch {
	case ev.Key() == tcell.KeyEscape:
		a.back()
		return nil
	case ev.Key() == tcell.KeyRune && ev.Rune() == ':':
		a.showPrompt(ui.PromptCommand)
		return nil
	case ev.Key() == tcell.KeyRune && ev.Rune() == '/' && page == pageList:
		a.showPrompt(ui.PromptFilter)
		return nil
	}

	if a.registry.HandleEvent(page, ev) {
		return nil
	}
	return ev
}

func (a *App) runCommand(cmd Command) {
	switch cmd.Name {
	case "q", "quit":
		a.Stop()
	case "h", "help":
		a.push(pageHelp, a.help)
	case "open", "o":
		if cmd.Args == "" {
			a.vm.Flash.Warn("usage: :open <conversation-id>")
			return
		}
		a.openConversation(cmd.Args)
	case "search":
		a.showSearch(cmd.Args)
	case "image":
		if cmd.Args == "" {
			a.vm.Flash.Warn("usage: :image <url> [caption]")
			return
		}
		a.background("send", func(ctx context.Context) error {
			return a.vm.Send(ctx, "/image "+cmd.Args)
		})
	case "online", "offline":
		online := cmd.Name == "online"
		a.background("network", func(ctx context.Context) error {
			return a.vm.SetNetwork(ctx, online)
		})
	case "refresh":
		a.background("refresh", a.vm.Refresh)
	case "read":
		a.markRead()
	case "drain":
		a.background("drain", func(ctx context.Context) error {
			summary, err := a.vm.Drain(ctx)
			if summary != "" {
				a.vm.Flash.Info(summary)
			}
			return err
		})
	case "signout":
		a.background("sign out", func(ctx context.Context) error {
			if err := a.vm.SignOut(ctx); err != nil {
				return err
			}
			a.vm.Flash.Info("signed out")
			a.app.QueueUpdateDraw(func() {
				a.pages.Reset(pageList)
				a.app.SetFocus(a.list)
			})
			return nil
		})
	default:
		a.vm.Flash.Warn(fmt.Sprintf("unknown command %q", cmd.Name))
	}
}

func (a *App) showPrompt(mode ui.PromptMode) {
	a.prompt.Activate(mode)
	a.promptOpen = true
	a.root.ResizeItem(a.prompt, promptHeight, 0)
	a.app.SetFocus(a.prompt)
}

func (a *App) hidePrompt() {
	a.promptOpen = false
	a.root.ResizeItem(a.prompt, 0, 0)
	a.focusCurrent()
}

func (a *App) push(name string, focus tview.Primitive) {
	a.pages.Push(name)
	a.app.SetFocus(focus)
}

// back pops one page. Leaving a thread closes its subscription.
func (a *App) back() {
	if a.pages.Pop() == pageThread {
		a.background("close", a.vm.Close)
	}
	a.focusCurrent()
}

func (a *App) focusCurrent() {
	switch a.pages.Current() {
	case pageThread:
		a.app.SetFocus(a.thread.Messages())
	case pageSearch:
		a.app.SetFocus(a.search.Input())
	case pageHelp:
		a.app.SetFocus(a.help)
	case pageInfo:
		a.app.SetFocus(a.details)
	default:
		a.app.SetFocus(a.list)
	}
}

func (a *App) showSearch(query string) {
	a.push(pageSearch, a.search.Input())
	if query != "" {
		a.search.Prefill(query)
	}
}

func (a *App) showDetails() {
	id := a.vm.ActiveConversation()
	if id == "" {
		return
	}
	c, ok := a.vm.Conversation(id)
	if !ok {
		c = api.Conversation{Conversation: chat.Conversation{ID: id}, Title: id}
	}
	a.details.Update(c)
	a.push(pageInfo, a.details)
}

func (a *App) openConversation(id string) {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
		defer cancel()
		if err := a.vm.Open(ctx, id); err != nil {
			a.vm.Flash.Err(fmt.Errorf("open %s: %w", id, err))
			return
		}
		title := id
		if c, ok := a.vm.Conversation(id); ok && c.Title != "" {
			title = c.Title
		}
		a.app.QueueUpdateDraw(func() {
			a.thread.SetSelf(a.vm.SelfID())
			a.thread.SetConversation(title)
			a.thread.Update(a.vm.Messages())
			if a.pages.Current() == pageThread {
				a.pages.Refresh()
			} else {
				a.push(pageThread, a.thread.Messages())
			}
		})
		if n, err := a.vm.MarkVisibleRead(ctx); err != nil {
			a.vm.Flash.Err(fmt.Errorf("read receipts: %w", err))
		} else if n > 0 {
			a.vm.Flash.Info(fmt.Sprintf("marked %d messages read", n))
		}
	}()
}

func (a *App) markRead() {
	a.background("mark read", func(ctx context.Context) error {
		n, err := a.vm.MarkVisibleRead(ctx)
		if err == nil {
			a.vm.Flash.Info(fmt.Sprintf("marked %d messages read", n))
		}
		return err
	})
}

func (a *App) toggleNetwork() {
	st := a.vm.Status()
	if st == nil {
		return
	}
	online := !st.Online
	a.background("network", func(ctx context.Context) error {
		return a.vm.SetNetwork(ctx, online)
	})
}

// background runs fn off the UI goroutine and flashes its error.
func (a *App) background(what string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
		defer cancel()
		if err := fn(ctx); err != nil && a.ctx.Err() == nil {
			a.vm.Flash.Err(fmt.Errorf("%s: %w", what, err))
		}
	}()
}

// Run starts the TUI application.
func (a *App) Run() error {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
		defer cancel()
		if err := a.vm.LoadStatus(ctx); err != nil {
			a.vm.Flash.Err(fmt.Errorf("daemon: %w", err))
		}
		if err := a.vm.LoadConversations(ctx); err != nil {
			a.vm.Flash.Err(fmt.Errorf("conversations: %w", err))
		}
	}()
	go a.watchLoop()
	go a.renderLoop()

	return a.app.Run()
}

// watchLoop keeps an event stream open, reconnecting after daemon restarts.
func (a *App) watchLoop() {
	for a.ctx.Err() == nil {
		err := a.vm.Watch(a.ctx)
		if a.ctx.Err() != nil {
			return
		}
		a.vm.Flash.Warn("event stream interrupted: " + errString(err))
		select {
		case <-time.After(2 * time.Second):
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *App) renderLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.vm.RefreshCh():
			changes := a.vm.TakeChanges()
			a.app.QueueUpdateDraw(func() { a.render(changes) })
		case <-a.vm.Flash.Changed():
			a.app.QueueUpdateDraw(func() { a.flashBar.Update(a.vm.Flash.Current()) })
		case <-ticker.C:
			// Uptime and flash expiry.
			ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
			_ = a.vm.LoadStatus(ctx)
			cancel()
			a.app.QueueUpdateDraw(func() { a.flashBar.Update(a.vm.Flash.Current()) })
		case <-a.ctx.Done():
			return
		}
	}
}

func (a *App) render(changes model.Change) {
	if changes&(model.ChangedStatus|model.ChangedConversations) != 0 {
		a.renderSessionInfo()
	}
	if changes&model.ChangedConversations != 0 {
		a.list.Update(a.vm.Conversations())
	}
	if changes&model.ChangedMessages != 0 {
		a.thread.SetSelf(a.vm.SelfID())
		a.thread.Update(a.vm.Messages())
	}
}

func (a *App) renderSessionInfo() {
	st := a.vm.Status()
	if st == nil {
		return
	}
	a.info.Update(&ui.SessionData{
		Session:       st.Session,
		UserID:        st.UserID,
		Online:        st.Online,
		Conversations: len(a.vm.Conversations()),
		Pending:       st.Pending,
		Breaker:       st.Breaker,
		Uptime:        time.Duration(st.UptimeMs) * time.Millisecond,
	})
}

func errString(err error) string {
	if err == nil {
		return "closed"
	}
	return strings.TrimSpace(err.Error())
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
