package dashboard

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/nford88/hybrid-workout-ftms/internal/go_func_utils"
)

// View renders the Model with tview.
type View struct {
	app        *tview.Application
	model      *Model
	controller *Controller
	logger     *log.Logger

	mainFlex     *tview.Flex
	trainerPanel *tview.TextView
	metricsPanel *tview.TextView
	workoutPanel *tview.TextView
	stepsPanel   *tview.TextView
	planList     *tview.List
	logView      *tview.TextView
	tabWidgets   []*tview.Box

	planCount int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewView(logger *log.Logger, model *Model, controller *Controller) *View {
	if logger == nil {
		panic("UIView: logger cannot be nil")
	}
	if model == nil || controller == nil {
		panic("UIView: model and controller cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	v := &View{
		app:        tview.NewApplication(),
		model:      model,
		controller: controller,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
	v.initialize()
	v.setupKeyboardHandlers()
	v.render()
	return v
}

func newPanel(title string) *tview.TextView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	tv.SetBorder(true).SetTitle(title)
	return tv
}

func (v *View) initialize() {
	// No SetChangedFunc with app.Draw(): it can hang once the app is stopped
	// while log lines are still arriving.
	v.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false)
	v.logView.SetBorder(true).SetTitle(" Logs ")

	v.trainerPanel = newPanel(" Trainer ")
	v.metricsPanel = newPanel(" Metrics ")
	v.workoutPanel = newPanel(" Workout ")
	v.stepsPanel = newPanel(" Completed Steps ")

	v.planList = tview.NewList().
		ShowSecondaryText(true).
		SetSelectedFunc(func(index int, mainText, secondaryText string, shortcut rune) {
			v.logger.Printf("UI: Plan selected: index=%d, name=%s", index, mainText)
			v.controller.OnPlanSelected(index)
			v.controller.StartSelectedPlan()
		})
	v.planList.SetBorder(true).SetTitle(" Plans ")

	instructions := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	instructions.SetText("[yellow]Enter[white] Start plan  |  [yellow]N[white] Skip step  |  [yellow]X[white] End workout\n[yellow]+[white]/[yellow]-[white] Shift gear  |  [yellow]Tab[white] Cycle panels  |  [yellow]Esc[white] Quit")

	left := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(v.trainerPanel, 5, 0, false).
		AddItem(v.metricsPanel, 0, 1, false).
		AddItem(v.planList, 0, 1, true)

	middle := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(v.workoutPanel, 0, 2, false).
		AddItem(v.stepsPanel, 0, 1, false)

	body := tview.NewFlex().
		AddItem(left, 0, 1, true).
		AddItem(middle, 0, 1, false).
		AddItem(v.logView, 0, 1, false)

	v.mainFlex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(instructions, 2, 0, false).
		AddItem(body, 0, 1, true)

	v.tabWidgets = []*tview.Box{v.planList.Box, v.workoutPanel.Box, v.stepsPanel.Box, v.logView.Box}
}

func (v *View) setupKeyboardHandlers() {
	v.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEscape:
			v.controller.OnEscapeKey()
			return nil
		case tcell.KeyTab:
			v.cycleFocus()
			return nil
		case tcell.KeyRune:
		default:
			return event
		}

		switch event.Rune() {
		case 'q':
			v.controller.OnEscapeKey()
		case 'n':
			v.controller.SkipStep()
		case 'x':
			v.controller.EndWorkout()
		case '+', '=':
			v.controller.ShiftUp()
		case '-':
			v.controller.ShiftDown()
		case 'r':
			v.controller.RefreshPlans()
		default:
			return event
		}
		return nil
	})
}

func (v *View) cycleFocus() {
	n := len(v.tabWidgets)
	for i, w := range v.tabWidgets {
		if w.HasFocus() {
			v.app.SetFocus(v.tabWidgets[(i+1)%n])
			return
		}
	}
	v.app.SetFocus(v.tabWidgets[0])
}

// render copies the model snapshot into the widgets. It must run on the
// tview goroutine once the application is running.
func (v *View) render() {
	s := v.model.Snapshot()
	v.trainerPanel.SetText(formatTrainer(s))
	v.metricsPanel.SetText(formatMetrics(s))
	v.workoutPanel.SetText(formatWorkout(s))
	v.stepsPanel.SetText(formatSteps(s.Steps))

	if len(s.Plans) != v.planCount || v.planCount == 0 {
		v.planList.Clear()
		for _, p := range s.Plans {
			main, secondary := formatPlanItem(p)
			v.planList.AddItem(main, secondary, 0, nil)
		}
		v.planCount = len(s.Plans)
	}
	if s.SelectedPlan >= 0 && s.SelectedPlan < v.planList.GetItemCount() && v.planList.GetCurrentItem() != s.SelectedPlan {
		v.planList.SetCurrentItem(s.SelectedPlan)
	}
	v.renderLogs()
}

func (v *View) renderLogs() {
	_, _, _, height := v.logView.GetInnerRect()
	if height <= 0 {
		height = 40
	}
	v.logView.Clear()
	fmt.Fprint(v.logView, tview.Escape(strings.Join(v.model.LogTail(height), "\n")))
}

// Run starts the UI and blocks until it exits or the model requests close.
func (v *View) Run() error {
	changes := make(chan struct{}, 1)
	unregisterChanges := v.model.ListenToChanges(changes)
	logs := make(chan string, 1)
	unregisterLogs := v.model.ListenToLog(logs)
	closeCh := make(chan struct{}, 1)
	unregisterClose := v.model.ListenToCloseApplication(closeCh)

	v.wg.Add(1)
	go_func_utils.SafeGo(v.logger, func() {
		defer v.wg.Done()
		defer unregisterChanges()
		defer unregisterLogs()
		defer unregisterClose()
		// a resize changes how many log lines fit
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-v.ctx.Done():
				return
			case <-closeCh:
				v.app.Stop()
				return
			case <-changes:
				v.app.QueueUpdateDraw(v.render)
			case <-logs:
				v.app.QueueUpdateDraw(v.renderLogs)
			case <-ticker.C:
				v.app.QueueUpdateDraw(v.renderLogs)
			}
		}
	})

	// SetRoot must be called before setting focus, otherwise focus may be reset
	v.app.SetRoot(v.mainFlex, true)
	v.app.SetFocus(v.planList)
	err := v.app.Run()
	v.cancel()
	v.wg.Wait()
	return err
}

// Stop stops the UI framework
func (v *View) Stop() {
	v.app.Stop()
}
