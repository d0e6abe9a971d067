package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/nford88/hybrid-workout-ftms/internal/ftms"
	"github.com/nford88/hybrid-workout-ftms/internal/store"
	"github.com/nford88/hybrid-workout-ftms/internal/workout"
)

func formatTrainer(s Snapshot) string {
	var b strings.Builder
	b.WriteString("\n")
	switch {
	case s.Connected:
		fmt.Fprintf(&b, "  [green]●[white] %s [gray](%s)[white]\n", s.TrainerName, s.TrainerAddress)
	case s.TrainerAddress != "":
		fmt.Fprintf(&b, "  [red]●[white] %s [gray](%s, link lost)[white]\n", s.TrainerName, s.TrainerAddress)
	default:
		b.WriteString("  [gray]No trainer connected[white]\n")
	}
	if s.LastAck != nil {
		color := "green"
		if s.LastAck.Result != ftms.ResultSuccess {
			color = "red"
		}
		fmt.Fprintf(&b, "  [gray]Last ack:[white] %s [%s]%s[white]\n", s.LastAck.OpCode, color, s.LastAck.Result)
	}
	return b.String()
}

func formatMetrics(s Snapshot) string {
	if !s.HasSample {
		return "\n\n  [gray]Waiting for data...[white]"
	}
	var b strings.Builder
	b.WriteString("\n")
	fmt.Fprintf(&b, "  Power:    [yellow]%d[white] W\n\n", s.Sample.PowerW)
	fmt.Fprintf(&b, "  Speed:    [yellow]%.1f[white] km/h\n\n", s.Sample.SpeedKph)
	fmt.Fprintf(&b, "  Cadence:  [yellow]%.0f[white] rpm\n\n", s.Sample.CadenceRpm)
	if s.GearingEnabled {
		fmt.Fprintf(&b, "  Gear:     [yellow]%s[white] [gray](%d)[white]\n", s.Gear.Display, s.Gear.Index+1)
	} else {
		b.WriteString("  Gear:     [gray]off[white]\n")
	}
	return b.String()
}

func formatWorkout(s Snapshot) string {
	p := s.Progress
	var b strings.Builder
	b.WriteString("\n")
	switch p.Status {
	case workout.StatusIdle:
		b.WriteString("  [gray]No workout running[white]\n\n")
		b.WriteString("  Pick a plan and press [yellow]Enter[white] to start.\n")
		return b.String()
	case workout.StatusComplete:
		b.WriteString("  [green]Workout complete[white]\n\n")
		fmt.Fprintf(&b, "  [gray]Time:[white]  %s\n", workout.FormatClock(p.WorkoutElapsed))
		fmt.Fprintf(&b, "  [gray]Steps:[white] %d\n", len(s.Steps))
		return b.String()
	}

	fmt.Fprintf(&b, "  [cyan]Step %d/%d[white]", p.StepIndex+1, p.StepCount)
	if p.Step != nil {
		fmt.Fprintf(&b, "  %s", p.Step)
	}
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "  [gray]Elapsed:[white]   %s", workout.FormatClock(p.WorkoutElapsed))
	if p.PlannedTime > 0 {
		fmt.Fprintf(&b, " [gray](%.0f%% of ERG time)[white]", p.WorkoutProgressPct())
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "  [gray]Step time:[white] %s\n", workout.FormatClock(p.StepElapsed))
	if p.Step != nil && p.Step.Type == workout.StepERG {
		fmt.Fprintf(&b, "  [gray]Remaining:[white] %s\n", workout.FormatClock(p.StepRemaining))
	}
	fmt.Fprintf(&b, "  [gray]Distance:[white]  %s\n", p.DistanceLabel())
	if p.Step != nil && p.Step.Type == workout.StepSIM {
		fmt.Fprintf(&b, "  [gray]Grade:[white]     %.1f%%\n", p.RouteGrade)
		if p.RouteCompleted {
			b.WriteString("  [green]Route finished, press N for the next step[white]\n")
		}
	}

	if next := p.StepIndex + 1; next < p.StepCount {
		b.WriteString("\n  [gray]Next step follows[white]\n")
	} else {
		b.WriteString("\n  [gray]Next:[white] [green]Finish![white]\n")
	}
	b.WriteString("\n  [yellow]N[white] Skip  |  [yellow]X[white] End\n")
	return b.String()
}

func formatSteps(steps []workout.StepSummary) string {
	if len(steps) == 0 {
		return "  [gray]No completed steps[white]"
	}
	var b strings.Builder
	for _, st := range steps {
		fmt.Fprintf(&b, "  %d. %s %s  %s  %.0fm\n", st.StepNumber, st.Type, st.Target,
			workout.FormatClock(secondsToDuration(st.ActualDuration)), st.Distance)
	}
	return b.String()
}

func formatPlanItem(p store.PlanInfo) (string, string) {
	return p.Name, fmt.Sprintf("%d steps", p.StepCount)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
