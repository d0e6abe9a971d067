package dashboard

import (
	"context"
	"errors"
	"log"

	"github.com/nford88/hybrid-workout-ftms/internal/store"
	"github.com/nford88/hybrid-workout-ftms/internal/workout"
)

// Commands is satisfied by *workout.Scheduler.
type Commands interface {
	Skip() error
	EndWorkout() error
}

// Shifter is satisfied by *gearing.Gearbox.
type Shifter interface {
	ShiftUp() bool
	ShiftDown() bool
	Enabled() bool
}

// Plans is satisfied by *store.Store.
type Plans interface {
	ListPlans(ctx context.Context) ([]store.PlanInfo, error)
}

// Starter starts a stored plan on the connected trainer.
type Starter interface {
	StartPlan(ctx context.Context, planID string) error
}

type ControllerConfig struct {
	Model     *Model
	Commands  Commands
	Gears     Shifter
	Plans     Plans
	Starter   Starter
	StatePath string
	Logger    *log.Logger
}

// Controller handles UI events and coordinates with the Model.
type Controller struct {
	model       *Model
	commands    Commands
	gears       Shifter
	plans       Plans
	starter     Starter
	persistence *uiStatePersistence
	logger      *log.Logger
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewController(cfg ControllerConfig) *Controller {
	if cfg.Model == nil {
		panic("UIController: model cannot be nil")
	}
	if cfg.Commands == nil {
		panic("UIController: commands cannot be nil")
	}
	if cfg.Logger == nil {
		panic("UIController: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		model:    cfg.Model,
		commands: cfg.Commands,
		gears:    cfg.Gears,
		plans:    cfg.Plans,
		starter:  cfg.Starter,
		logger:   cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.StatePath != "" {
		c.persistence = newUIStatePersistence(cfg.StatePath, cfg.Logger)
	}
	return c
}

// LastTrainerAddress is the trainer remembered from the previous run.
func (c *Controller) LastTrainerAddress() string {
	if c.persistence == nil {
		return ""
	}
	return c.persistence.lastTrainerAddress()
}

// TrainerConnected remembers address for the next run.
func (c *Controller) TrainerConnected(name, address string) {
	c.model.SetTrainer(name, address, true)
	if c.persistence != nil {
		c.persistence.setLastTrainerAddress(address)
	}
}

// RefreshPlans reloads the stored plans, keeping the last used plan selected.
func (c *Controller) RefreshPlans() {
	if c.plans == nil {
		return
	}
	plans, err := c.plans.ListPlans(c.ctx)
	if err != nil {
		c.logger.Printf("UIController: listing plans failed: %v", err)
		return
	}
	preferred := ""
	if c.persistence != nil {
		preferred = c.persistence.lastPlanID()
	}
	c.model.SetPlans(plans, preferred)
}

// OnPlanSelected highlights a plan and remembers it.
func (c *Controller) OnPlanSelected(index int) {
	plan, ok := c.model.SelectPlan(index)
	if !ok {
		c.logger.Printf("UIController: invalid plan index %d", index)
		return
	}
	if c.persistence != nil {
		c.persistence.setLastPlanID(plan.ID)
	}
}

// StartSelectedPlan starts the highlighted plan.
func (c *Controller) StartSelectedPlan() {
	if c.starter == nil {
		c.logger.Println("UIController: starting plans is not available")
		return
	}
	plan, ok := c.model.SelectedPlan()
	if !ok {
		c.logger.Println("UIController: no plan selected")
		return
	}
	if err := c.starter.StartPlan(c.ctx, plan.ID); err != nil {
		c.logger.Printf("UIController: starting %q failed: %v", plan.Name, err)
		return
	}
	if c.persistence != nil {
		c.persistence.setLastPlanID(plan.ID)
	}
	c.logger.Printf("UIController: started %q", plan.Name)
}

func (c *Controller) SkipStep() {
	if err := c.commands.Skip(); err != nil {
		c.logNotRunning("skip", err)
	}
}

func (c *Controller) EndWorkout() {
	if err := c.commands.EndWorkout(); err != nil {
		c.logNotRunning("end", err)
	}
}

func (c *Controller) logNotRunning(action string, err error) {
	if errors.Is(err, workout.ErrNotRunning) {
		c.logger.Printf("UIController: nothing to %s, no workout running", action)
		return
	}
	c.logger.Printf("UIController: %s failed: %v", action, err)
}

func (c *Controller) ShiftUp() {
	c.shift("up", func() bool { return c.gears.ShiftUp() })
}

func (c *Controller) ShiftDown() {
	c.shift("down", func() bool { return c.gears.ShiftDown() })
}

func (c *Controller) shift(dir string, fn func() bool) {
	if c.gears == nil || !c.gears.Enabled() {
		c.logger.Println("UIController: virtual gearing is disabled")
		return
	}
	if !fn() {
		c.logger.Printf("UIController: cannot shift %s any further", dir)
	}
}

// OnEscapeKey handles when the Escape key is pressed
func (c *Controller) OnEscapeKey() {
	c.model.RequestCloseApplication()
}

func (c *Controller) Shutdown() {
	c.cancel()
}
