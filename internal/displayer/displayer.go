package displayer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"obdlink/internal/models"
	"obdlink/internal/obd"
	"obdlink/pkg/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const subscriptionBuffer = 4

// Source is what the dashboard needs from the engine.
type Source interface {
	obd.Provider
	SubscribeSnapshots(buffer int) (string, <-chan models.Snapshot)
	UnsubscribeSnapshots(id string)
	SubscribeStates(buffer int) (string, <-chan models.ConnectionState)
	UnsubscribeStates(id string)
	ActiveDTCs() []models.DTCRecord
}

// Displayer handles the TUI on top of a Source.
// Keys: 1 dashboard, 2 trouble codes, m cycle sampling mode, r read codes,
// c clear codes, q quit.
type Displayer struct {
	app      *tview.Application
	tabs     *tview.Pages
	provider Source
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	message  string

	// UI elements cached for updates
	fuelText    *tview.TextView
	rpmText     *tview.TextView
	speedText   *tview.TextView
	coolantText *tview.TextView
	loadText    *tview.TextView
	sweepText   *tview.TextView
	statusText  *tview.TextView
	helpText    *tview.TextView
	dtcTable    *tview.Table
}

func New(provider Source) *Displayer {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Displayer{
		app:      tview.NewApplication(),
		tabs:     tview.NewPages(),
		provider: provider,
		ctx:      ctx,
		cancel:   cancel,
	}
	return d
}

func (d *Displayer) Run() error {
	// connect in the background, the status line follows the state
	go func() {
		if err := d.provider.StartMonitoring(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("failed to start monitoring", zap.Error(err))
			d.setMessage(fmt.Sprintf("[red]%v[white]", err))
		}
	}()

	// build UI
	dashboard := d.buildDashboard()
	dtc := d.buildDTC()

	// header area: title, status, help
	title := tview.NewTextView().SetTextAlign(tview.AlignCenter).SetText("obdlink - ELM327 telemetry")
	d.statusText = tview.NewTextView().SetTextAlign(tview.AlignCenter).SetDynamicColors(true)
	d.helpText = tview.NewTextView().SetTextAlign(tview.AlignCenter).SetDynamicColors(true)

	headerFlex := tview.NewFlex().SetDirection(tview.FlexRow)
	headerFlex.AddItem(title, 1, 0, false)
	headerFlex.AddItem(d.statusText, 1, 0, false)
	headerFlex.AddItem(d.helpText, 1, 0, false)

	// Create main layout with header always visible
	mainFlex := tview.NewFlex().SetDirection(tview.FlexRow)
	mainFlex.AddItem(headerFlex, 3, 0, false)

	d.dtcTable = dtc
	d.tabs.AddPage("dashboard", dashboard, true, true)
	d.tabs.AddPage("dtc", dtc, true, false)

	mainFlex.AddItem(d.tabs, 0, 1, true)

	d.app.SetRoot(mainFlex, true)
	d.app.SetInputCapture(d.handleKey)

	d.updateValues()

	// central BeforeDraw to update UI elements
	d.app.SetBeforeDrawFunc(func(screen tcell.Screen) bool {
		d.updateValues()
		return false
	})

	go d.refreshLoop()

	return d.app.Run()
}

func (d *Displayer) handleKey(event *tcell.EventKey) *tcell.EventKey {
	switch event.Rune() {
	case 'q', 'Q':
		d.Shutdown()
		return nil
	case '1':
		d.showPage("dashboard")
		return nil
	case '2':
		d.showPage("dtc")
		return nil
	case 'm', 'M':
		go d.cycleMode()
		return nil
	case 'r', 'R':
		go d.readDTCs()
		return nil
	case 'c', 'C':
		go d.clearDTCs()
		return nil
	}
	return event
}

func (d *Displayer) Shutdown() {
	d.cancel()
	d.provider.StopMonitoring()
	d.app.Stop()
}

func (d *Displayer) showPage(name string) {
	d.tabs.SwitchToPage(name)
}

func (d *Displayer) setMessage(msg string) {
	d.mu.Lock()
	d.message = msg
	d.mu.Unlock()
	d.app.QueueUpdateDraw(func() {})
}

func (d *Displayer) cycleMode() {
	next := d.provider.SamplingMode().Next()
	if err := d.provider.SetSamplingMode(next); err != nil {
		d.setMessage(fmt.Sprintf("[red]%v[white]", err))
		return
	}
	d.setMessage(fmt.Sprintf("sampling mode: %s", next))
}

func (d *Displayer) readDTCs() {
	d.setMessage("reading trouble codes...")
	records, err := d.provider.ReadDTCs(d.ctx)
	if err != nil {
		d.setMessage(fmt.Sprintf("[red]read failed: %v[white]", err))
		return
	}
	d.app.QueueUpdateDraw(func() { fillDTCTable(d.dtcTable, records) })
	d.setMessage(fmt.Sprintf("%d trouble code(s)", len(records)))
}

func (d *Displayer) clearDTCs() {
	if !d.provider.ClearDTCs(d.ctx) {
		d.setMessage("[red]clear failed[white]")
		return
	}
	d.app.QueueUpdateDraw(func() { fillDTCTable(d.dtcTable, nil) })
	d.setMessage("trouble codes cleared")
}

func (d *Displayer) buildDashboard() *tview.Flex {
	d.fuelText = tview.NewTextView().SetDynamicColors(true)
	d.rpmText = tview.NewTextView().SetDynamicColors(true)
	d.speedText = tview.NewTextView().SetDynamicColors(true)
	d.coolantText = tview.NewTextView().SetDynamicColors(true)
	d.loadText = tview.NewTextView().SetDynamicColors(true)
	d.sweepText = tview.NewTextView().SetDynamicColors(true)

	infoFlex := tview.NewFlex().SetDirection(tview.FlexRow)
	for _, tv := range []*tview.TextView{d.fuelText, d.rpmText, d.speedText, d.coolantText, d.loadText, d.sweepText} {
		infoFlex.AddItem(tv, 1, 0, false)
	}
	return infoFlex
}

func (d *Displayer) buildDTC() *tview.Table {
	tbl := tview.NewTable().SetBorders(true)
	fillDTCTable(tbl, d.provider.ActiveDTCs())
	return tbl
}

// fillDTCTable replaces the table content with records under a fixed header.
func fillDTCTable(tbl *tview.Table, records []models.DTCRecord) {
	tbl.Clear()
	tbl.SetCell(0, 0, tview.NewTableCell("Code").SetSelectable(false).SetAlign(tview.AlignCenter))
	tbl.SetCell(0, 1, tview.NewTableCell("System").SetSelectable(false).SetAlign(tview.AlignCenter))
	tbl.SetCell(0, 2, tview.NewTableCell("Description").SetSelectable(false).SetAlign(tview.AlignCenter))

	for i, e := range records {
		desc := e.Description
		if !e.HasDescription() {
			desc = "unknown code"
		}
		tbl.SetCell(i+1, 0, tview.NewTableCell(e.Code))
		tbl.SetCell(i+1, 1, tview.NewTableCell(e.Category.String()))
		tbl.SetCell(i+1, 2, tview.NewTableCell(desc))
	}
}

func (d *Displayer) updateValues() {
	snap, ok := d.provider.Snapshot()
	lines := dashboardLines(snap, ok)
	d.fuelText.SetText(lines[0])
	d.rpmText.SetText(lines[1])
	d.speedText.SetText(lines[2])
	d.coolantText.SetText(lines[3])
	d.loadText.SetText(lines[4])
	d.sweepText.SetText(lines[5])

	d.mu.Lock()
	msg := d.message
	d.mu.Unlock()
	d.helpText.SetText(fmt.Sprintf("[1 Dashboard] [2 DTC] [m Mode: %s] [r Read] [c Clear] [q Quit]  %s",
		d.provider.SamplingMode(), msg))

	if d.statusText != nil {
		d.statusText.SetText("Status: " + stateLabel(d.provider.State()))
	}
}

// dashboardLines renders one line per dashboard row.
func dashboardLines(s models.Snapshot, ok bool) [6]string {
	if !ok {
		return [6]string{
			"Fuel (%): --",
			"RPM: --",
			"Speed (km/h): --",
			"Coolant (C): --",
			"Load (%): --",
			"[gray]waiting for first sweep[white]",
		}
	}
	return [6]string{
		fmt.Sprintf("Fuel (%%): %.1f", s.FuelLevelPct),
		fmt.Sprintf("RPM: %d", s.EngineRPM),
		fmt.Sprintf("Speed (km/h): %d", s.VehicleSpeedKPH),
		fmt.Sprintf("Coolant (C): %d", s.CoolantTempC),
		fmt.Sprintf("Load (%%): %.1f", s.EngineLoadPct),
		fmt.Sprintf("[gray]sweep %d (%s) at %s, %d DTC(s)[white]", s.Sweep, s.Mode, s.CapturedAt.Format(time.TimeOnly), len(s.DTCCodes)),
	}
}

func stateLabel(st models.ConnectionState) string {
	color := "yellow"
	switch st.Phase {
	case models.Ready:
		color = "green"
	case models.Disconnected, models.Failed:
		color = "red"
	}
	return fmt.Sprintf("[%s]%s[white]", color, st)
}

// refreshLoop redraws whenever a snapshot or a state change arrives.
func (d *Displayer) refreshLoop() {
	snapID, snaps := d.provider.SubscribeSnapshots(subscriptionBuffer)
	defer d.provider.UnsubscribeSnapshots(snapID)
	stateID, states := d.provider.SubscribeStates(subscriptionBuffer)
	defer d.provider.UnsubscribeStates(stateID)

	for {
		select {
		case <-d.ctx.Done():
			return
		case _, ok := <-snaps:
			if !ok {
				return
			}
		case _, ok := <-states:
			if !ok {
				return
			}
		}
		// BeforeDraw pulls the latest values
		d.app.QueueUpdateDraw(func() {})
	}
}
