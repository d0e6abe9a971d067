// Package gearing simulates a 2x11 road drivetrain on top of the trainer by
// scaling the grade or target power sent to it.
package gearing

import (
	"fmt"
	"log"
	"math"
	"sync"

	"github.com/nford88/hybrid-workout-ftms/internal/events"
)

type gearDef struct {
	front int
	rear  int
	ratio float64
}

// 50/34 chainrings with an 11-28 cassette, easiest first.
var gearTable = [...]gearDef{
	{34, 28, 1.21},
	{34, 25, 1.36},
	{34, 23, 1.48},
	{34, 21, 1.62},
	{34, 19, 1.79},
	{34, 17, 2.00},
	{34, 15, 2.27},
	{34, 14, 2.43},
	{34, 13, 2.62},
	{34, 12, 2.83},
	{34, 11, 3.09},
	{50, 28, 1.79},
	{50, 25, 2.00},
	{50, 23, 2.17},
	{50, 21, 2.38},
	{50, 19, 2.63},
	{50, 17, 2.94},
	{50, 15, 3.33},
	{50, 14, 3.57},
	{50, 13, 3.85},
	{50, 12, 4.17},
	{50, 11, 4.55},
}

const (
	GearCount     = len(gearTable)
	BaselineIndex = 14
	DefaultFTP    = 250

	MinGradientPct = -10.0
	MaxGradientPct = 20.0
	MinPowerWatts  = 50
	MaxPowerWatts  = 2000

	// baseline gear at this cadence holds 75% of FTP
	referenceCadenceRpm = 90.0
	referenceFTPShare   = 0.75
)

// Gear describes the selected gear. Index is zero based.
type Gear struct {
	Index      int     `json:"index"`
	Front      int     `json:"front"`
	Rear       int     `json:"rear"`
	Ratio      float64 `json:"ratio"`
	Display    string  `json:"display"`
	Multiplier float64 `json:"multiplier"`
}

// Gearbox is the virtual drivetrain. It starts in the baseline gear.
type Gearbox struct {
	logger *log.Logger

	mu      sync.RWMutex
	index   int
	enabled bool
	ftp     int

	gearChange *events.Stream[Gear]
}

func NewGearbox(enabled bool, logger *log.Logger) *Gearbox {
	if logger == nil {
		panic("VirtualGear: logger cannot be nil")
	}
	return &Gearbox{
		logger:     logger,
		index:      BaselineIndex,
		enabled:    enabled,
		ftp:        DefaultFTP,
		gearChange: events.NewStream[Gear](true),
	}
}

// ShiftUp moves to the next harder gear. It returns false in the hardest gear.
func (g *Gearbox) ShiftUp() bool {
	return g.shift(+1, "UP")
}

// ShiftDown moves to the next easier gear. It returns false in the easiest gear.
func (g *Gearbox) ShiftDown() bool {
	return g.shift(-1, "DOWN")
}

func (g *Gearbox) shift(delta int, dir string) bool {
	g.mu.Lock()
	next := g.index + delta
	if next < 0 || next >= GearCount {
		g.mu.Unlock()
		return false
	}
	g.index = next
	gear := g.gearLocked()
	g.mu.Unlock()

	g.logger.Printf("VirtualGear: Shifted %s to gear %d (%s)", dir, gear.Index+1, gear.Display)
	g.gearChange.Notify(gear)
	return true
}

func (g *Gearbox) CurrentGear() Gear {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.gearLocked()
}

// gearLocked MUST be called with mu held
func (g *Gearbox) gearLocked() Gear {
	d := gearTable[g.index]
	return Gear{
		Index:      g.index,
		Front:      d.front,
		Rear:       d.rear,
		Ratio:      d.ratio,
		Display:    fmt.Sprintf("%d/%d", d.front, d.rear),
		Multiplier: d.ratio / gearTable[BaselineIndex].ratio,
	}
}

// Multiplier is the current ratio relative to the baseline gear.
func (g *Gearbox) Multiplier() float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return gearTable[g.index].ratio / gearTable[BaselineIndex].ratio
}

// ApplyToGradient scales a SIM grade, limited to [-10, 20] percent.
func (g *Gearbox) ApplyToGradient(gradePct float64) float64 {
	if !g.Enabled() {
		return gradePct
	}
	return math.Max(MinGradientPct, math.Min(MaxGradientPct, gradePct*g.Multiplier()))
}

// ApplyToPower scales an ERG target, limited to [50, 2000] watts.
func (g *Gearbox) ApplyToPower(watts int) int {
	if !g.Enabled() {
		return watts
	}
	adjusted := math.Max(MinPowerWatts, math.Min(MaxPowerWatts, float64(watts)*g.Multiplier()))
	return int(math.Round(adjusted))
}

// CalculateTargetPower is the power the rider would produce at cadenceRpm
// in the current gear, scaled from 75% of FTP in the baseline gear at 90 rpm.
func (g *Gearbox) CalculateTargetPower(cadenceRpm float64) float64 {
	g.mu.RLock()
	ftp := g.ftp
	g.mu.RUnlock()
	return float64(ftp) * referenceFTPShare * g.Multiplier() * math.Pow(cadenceRpm/referenceCadenceRpm, 1.5)
}

func (g *Gearbox) Enabled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.enabled
}

func (g *Gearbox) SetEnabled(enabled bool) {
	g.mu.Lock()
	g.enabled = enabled
	g.mu.Unlock()
	g.logger.Printf("VirtualGear: Enabled=%v", enabled)
}

func (g *Gearbox) SetFTP(ftp int) error {
	if ftp <= 0 {
		return fmt.Errorf("FTP must be positive, got %d", ftp)
	}
	g.mu.Lock()
	g.ftp = ftp
	g.mu.Unlock()
	return nil
}

func (g *Gearbox) FTP() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.ftp
}

// ListenToGearChanges replays the latest shift to new listeners.
func (g *Gearbox) ListenToGearChanges(ch chan<- Gear) func() {
	return g.gearChange.Listen(ch)
}

func (g *Gearbox) OnGearChange(fn func(Gear)) func() {
	return g.gearChange.ListenFunc(fn)
}
