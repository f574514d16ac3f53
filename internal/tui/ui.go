// Package tui is an interactive view of the processes listening on a set of
// TCP ports. A selected listener can be terminated after confirming in a
// modal dialog.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/Paintersrp/subproc/internal/cliutil"
	"github.com/Paintersrp/subproc/internal/finder"
	"github.com/Paintersrp/subproc/internal/subprocess"
	"github.com/Paintersrp/subproc/internal/terminator"
)

const (
	tableTitle             = "Listening Ports"
	logsTitle              = "Output"
	filterPageName         = "filter"
	confirmPageName        = "confirm"
	defaultRefreshInterval = 2 * time.Second
)

// Port states shown in the table.
const (
	stateUnknown   = "unknown"
	stateListening = "listening"
	stateFree      = "free"
	stateKilled    = "killed"
	stateRefused   = "refused"
	stateError     = "error"
)

// Finder looks up the process listening on a port.
type Finder interface {
	FindPIDByListeningPort(ctx context.Context, port int) (*finder.Result, error)
}

// Killer terminates a previously found process.
type Killer interface {
	KillProcessByPID(ctx context.Context, found *finder.Result) (*terminator.Result, error)
}

// Event reports a lookup or kill outcome for one port.
type Event struct {
	Port        int
	Timestamp   time.Time
	Finding     *finder.Result
	Termination *terminator.Result
	Err         error
}

// Option configures UI behaviour.
type Option func(*UI)

// WithRefreshInterval sets how often every port is looked up again.
func WithRefreshInterval(d time.Duration) Option {
	return func(u *UI) {
		if d > 0 {
			u.interval = d
		}
	}
}

// UI coordinates the interactive port view backed by tview.
type UI struct {
	app    *tview.Application
	pages  *tview.Pages
	table  *tview.Table
	logs   *tview.TextView
	events chan Event

	finder   Finder
	killer   Killer
	interval time.Duration

	ports map[int]*portState

	visible     []int
	selected    int
	logsPretty  bool
	filter      string
	filterExpr  *regexp.Regexp
	logsFocused bool
	// selecting is set while the table selection is moved under mu.
	selecting bool

	mu sync.RWMutex

	ctxMu  sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

type portState struct {
	port       int
	lastEvent  time.Time
	state      string
	pid        int
	returncode int
	message    string
	finding    *finder.Result

	records []cliutil.LineRecord
}

// New constructs a UI watching ports.
func New(ports []int, f Finder, k Killer, opts ...Option) *UI {
	app := tview.NewApplication()
	table := tview.NewTable().SetFixed(1, 1).SetSelectable(true, false)
	table.SetBorder(true).SetTitle(tableTitle)

	logs := tview.NewTextView().SetDynamicColors(false).SetWrap(false)
	logs.SetBorder(true).SetTitle(logsTitle)

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(table, 0, 2, true).
		AddItem(logs, 0, 3, false)

	pages := tview.NewPages().AddPage("main", flex, true, true)

	ui := &UI{
		app:        app,
		pages:      pages,
		table:      table,
		logs:       logs,
		events:     make(chan Event, 256),
		finder:     f,
		killer:     k,
		interval:   defaultRefreshInterval,
		ports:      make(map[int]*portState),
		logsPretty: true,
		done:       make(chan struct{}),
	}
	for _, port := range ports {
		ui.ports[port] = &portState{port: port, state: stateUnknown, pid: finder.NoPID}
	}

	for _, opt := range opts {
		opt(ui)
	}

	table.SetSelectionChangedFunc(func(row, column int) {
		if ui.selecting {
			return
		}
		ui.mu.Lock()
		defer ui.mu.Unlock()
		ui.syncSelection(row)
		ui.renderLogsLocked()
	})

	logs.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEnter {
			ui.toggleFocus()
			return nil
		}
		return event
	})

	app.SetRoot(pages, true)
	app.SetInputCapture(ui.handleKey)

	ui.mu.Lock()
	ui.refreshTableLocked()
	ui.mu.Unlock()

	return ui
}

// Done returns a channel that is closed when the UI stops.
func (u *UI) Done() <-chan struct{} {
	return u.done
}

// Run starts the tview application, looks up every port periodically and
// processes results until Stop is invoked or ctx is cancelled.
func (u *UI) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	u.ctxMu.Lock()
	u.runCtx = ctx
	u.cancel = cancel
	u.ctxMu.Unlock()

	u.wg.Add(2)
	go func() {
		defer u.wg.Done()
		u.consumeEvents(ctx)
	}()
	go func() {
		defer u.wg.Done()
		u.scanLoop(ctx)
	}()

	go func() {
		<-ctx.Done()
		u.Stop()
	}()

	err := u.app.Run()

	cancel()
	u.wg.Wait()
	u.Stop()

	return err
}

// Stop terminates the application loop and releases resources.
func (u *UI) Stop() {
	u.stopOnce.Do(func() {
		u.ctxMu.Lock()
		cancel := u.cancel
		u.cancel = nil
		u.ctxMu.Unlock()
		if cancel != nil {
			cancel()
		}
		u.app.Stop()
		close(u.done)
	})
}

func (u *UI) context() context.Context {
	u.ctxMu.Lock()
	defer u.ctxMu.Unlock()
	if u.runCtx == nil {
		return context.Background()
	}
	return u.runCtx
}

func (u *UI) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		u.scanAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (u *UI) scanAll(ctx context.Context) {
	u.mu.RLock()
	ports := make([]int, 0, len(u.ports))
	for port := range u.ports {
		ports = append(ports, port)
	}
	u.mu.RUnlock()
	sort.Ints(ports)

	for _, port := range ports {
		if ctx.Err() != nil {
			return
		}
		u.scan(ctx, port)
	}
}

// scan looks up one port and publishes the outcome.
func (u *UI) scan(ctx context.Context, port int) {
	found, err := u.finder.FindPIDByListeningPort(ctx, port)
	u.publish(ctx, Event{Port: port, Timestamp: time.Now(), Finding: found, Err: err})
}

// kill terminates the listener last found on port and rescans it.
func (u *UI) kill(ctx context.Context, port int) {
	u.mu.RLock()
	var found *finder.Result
	if state := u.ports[port]; state != nil {
		found = state.finding
	}
	u.mu.RUnlock()

	result, err := u.killer.KillProcessByPID(ctx, found)
	u.publish(ctx, Event{Port: port, Timestamp: time.Now(), Termination: result, Err: err})
	if err == nil && result != nil && result.Killed() {
		u.scan(ctx, port)
	}
}

func (u *UI) publish(ctx context.Context, evt Event) {
	select {
	case u.events <- evt:
	case <-ctx.Done():
	}
}

func (u *UI) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-u.events:
			u.applyEvent(evt)
		}
	}
}

func (u *UI) handleKey(event *tcell.EventKey) *tcell.EventKey {
	if u.pages.HasPage(filterPageName) || u.pages.HasPage(confirmPageName) {
		return event
	}
	switch event.Key() {
	case tcell.KeyEnter:
		u.toggleFocus()
		return nil
	case tcell.KeyUp, tcell.KeyDown:
		return event
	case tcell.KeyRune:
		switch event.Rune() {
		case 'q', 'Q':
			go u.Stop()
			return nil
		case '/':
			u.showFilterPrompt()
			return nil
		case 'j', 'J':
			u.toggleJSON()
			return nil
		case 'r', 'R':
			go u.scanAll(u.context())
			return nil
		case 'k', 'K':
			u.showKillConfirm()
			return nil
		}
	}
	return event
}

func (u *UI) toggleFocus() {
	if u.logsFocused {
		u.app.SetFocus(u.table)
	} else {
		u.app.SetFocus(u.logs)
	}
	u.logsFocused = !u.logsFocused
}

func (u *UI) toggleJSON() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.logsPretty = !u.logsPretty
	u.renderLogsLocked()
}

// showKillConfirm asks before killing the selected listener. Ports without
// a listener are ignored.
func (u *UI) showKillConfirm() {
	u.mu.RLock()
	state := u.ports[u.selected]
	var found *finder.Result
	if state != nil {
		found = state.finding
	}
	u.mu.RUnlock()
	if found == nil || !found.Found() {
		return
	}

	port := found.Port
	modal := tview.NewModal().
		SetText(fmt.Sprintf("Kill PID %d listening on port %d?", found.PID, port)).
		AddButtons([]string{"Kill", "Cancel"}).
		SetDoneFunc(func(buttonIndex int, buttonLabel string) {
			u.pages.RemovePage(confirmPageName)
			u.app.SetFocus(u.table)
			if buttonLabel == "Kill" {
				go u.kill(u.context(), port)
			}
		})
	u.pages.AddPage(confirmPageName, modal, true, true)
	u.app.SetFocus(modal)
}

func (u *UI) showFilterPrompt() {
	u.mu.RLock()
	current := u.filter
	u.mu.RUnlock()

	input := tview.NewInputField().
		SetLabel("Regex filter: ").
		SetText(current).
		SetFieldWidth(40)

	form := tview.NewForm().
		AddFormItem(input).
		AddButton("Apply", func() {
			u.applyFilter(input.GetText())
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		}).
		AddButton("Cancel", func() {
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		})

	form.SetBorder(true).SetTitle("Filter Ports")

	grid := tview.NewGrid().
		SetColumns(0, 60, 0).
		SetRows(0, 7, 0).
		AddItem(form, 1, 1, 1, 1, 0, 0, true)

	u.pages.AddPage(filterPageName, grid, true, true)
	u.app.SetFocus(input)
}

func (u *UI) applyFilter(expr string) {
	expr = strings.TrimSpace(expr)
	var re *regexp.Regexp
	if expr != "" {
		var err error
		re, err = regexp.Compile(expr)
		if err != nil {
			u.showErrorModal(fmt.Sprintf("Invalid filter: %v", err))
			return
		}
	}

	u.mu.Lock()
	u.filter = expr
	u.filterExpr = re
	u.mu.Unlock()
	u.queueRefresh(true)
}

func (u *UI) showErrorModal(message string) {
	modal := tview.NewModal().
		SetText(message).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(buttonIndex int, buttonLabel string) {
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		})

	u.pages.RemovePage(filterPageName)
	u.pages.AddPage(filterPageName, modal, true, true)
}

func (u *UI) applyEvent(evt Event) {
	u.mu.Lock()
	selected := u.applyEventLocked(evt)
	u.mu.Unlock()

	u.queueRefresh(selected)
}

// applyEventLocked folds evt into the port state and reports whether the
// selected port changed.
func (u *UI) applyEventLocked(evt Event) bool {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	state := u.ports[evt.Port]
	if state == nil {
		state = &portState{port: evt.Port, pid: finder.NoPID}
		u.ports[evt.Port] = state
	}
	state.lastEvent = evt.Timestamp

	switch {
	case evt.Err != nil:
		state.state = stateError
		state.message = evt.Err.Error()
	case evt.Termination != nil:
		applyTermination(state, evt.Termination)
	case evt.Finding != nil:
		applyFinding(state, evt.Finding)
	}

	return evt.Port == u.selected || u.selected == 0
}

func applyFinding(state *portState, found *finder.Result) {
	state.finding = found
	state.pid = found.PID
	state.returncode = found.Returncode
	state.message = found.Message
	switch {
	case found.Found():
		state.state = stateListening
	case found.Returncode == finder.NoListener:
		state.state = stateFree
	default:
		state.state = stateError
	}
	state.records = cliutil.NewLineRecords(&subprocess.CompletedProcess{
		Args:   found.Command,
		Stdout: found.Stdout,
		Stderr: found.Stderr,
	})
}

func applyTermination(state *portState, result *terminator.Result) {
	state.returncode = result.Returncode
	state.message = result.Message
	switch {
	case result.Killed():
		state.state = stateKilled
	case result.Returncode == terminator.WouldKillSelf:
		state.state = stateRefused
	default:
		state.state = stateError
	}
}

// queueRefresh redraws on the application goroutine. QueueUpdateDraw blocks
// until the event loop runs the update, so it is never called from the
// goroutines Run waits for.
func (u *UI) queueRefresh(updateLogs bool) {
	select {
	case <-u.done:
		return
	default:
	}
	go u.app.QueueUpdateDraw(func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		u.refreshTableLocked()
		if updateLogs {
			u.renderLogsLocked()
		}
	})
}

func (u *UI) refreshTableLocked() {
	u.table.Clear()

	headers := []string{"PORT", "STATE", "PID", "RC", "AGE", "MESSAGE"}
	for col, header := range headers {
		cell := tview.NewTableCell(header).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold)
		u.table.SetCell(0, col, cell)
	}

	ports := make([]int, 0, len(u.ports))
	for port, state := range u.ports {
		if u.filterExpr != nil && !u.filterExpr.MatchString(rowText(state)) {
			continue
		}
		ports = append(ports, port)
	}
	sort.Ints(ports)
	u.visible = ports

	if u.filter != "" {
		u.table.SetTitle(fmt.Sprintf("%s /%s/", tableTitle, u.filter))
	} else {
		u.table.SetTitle(tableTitle)
	}

	for row, port := range ports {
		state := u.ports[port]
		age := "-"
		if !state.lastEvent.IsZero() {
			age = time.Since(state.lastEvent).Truncate(time.Second).String()
		}
		pid := "-"
		if state.pid > 0 {
			pid = strconv.Itoa(state.pid)
		}
		message := state.message
		if len(message) > 80 {
			message = message[:77] + "..."
		}

		values := []string{
			strconv.Itoa(port),
			state.state,
			pid,
			strconv.Itoa(state.returncode),
			age,
			message,
		}
		for col, value := range values {
			cell := tview.NewTableCell(value)
			if col == 0 {
				cell = cell.SetReference(port)
			}
			u.table.SetCell(row+1, col, cell)
		}
	}

	u.ensureSelectionLocked()
}

func rowText(state *portState) string {
	return fmt.Sprintf("%d %s %d %s", state.port, state.state, state.pid, state.message)
}

func (u *UI) renderLogsLocked() {
	u.logs.Clear()
	state := u.ports[u.selected]
	if state == nil {
		u.logs.SetTitle(logsTitle)
		return
	}

	u.logs.SetTitle(fmt.Sprintf("%s (port %d)", logsTitle, state.port))

	for _, record := range state.records {
		var data []byte
		var err error
		if u.logsPretty {
			data, err = json.MarshalIndent(record, "", "  ")
		} else {
			data, err = json.Marshal(record)
		}
		if err != nil {
			fmt.Fprintf(u.logs, "{\"error\":\"%v\"}\n", err)
			continue
		}
		fmt.Fprintf(u.logs, "%s\n", data)
	}
	u.logs.ScrollToEnd()
}

func (u *UI) ensureSelectionLocked() {
	u.selecting = true
	defer func() { u.selecting = false }()

	if len(u.visible) == 0 {
		u.selected = 0
		u.table.Select(0, 0)
		return
	}

	idx := -1
	for i, port := range u.visible {
		if port == u.selected {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx = 0
		u.selected = u.visible[0]
	}
	u.table.Select(idx+1, 0)
}

func (u *UI) syncSelection(row int) {
	if row <= 0 || row-1 >= len(u.visible) {
		return
	}
	u.selected = u.visible[row-1]
}
