// Package fitexport writes finished workouts as FIT activity files.
package fitexport

import (
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/muktihari/fit/encoder"
	"github.com/muktihari/fit/profile/mesgdef"
	"github.com/muktihari/fit/profile/typedef"
	"github.com/muktihari/fit/proto"

	"github.com/nford88/hybrid-workout-ftms/internal/ftms"
	"github.com/nford88/hybrid-workout-ftms/internal/workout"
)

// Gaps longer than this between samples are not integrated into distance.
const maxSampleGap = 5 * time.Second

// Recorder accumulates per-second records from trainer telemetry.
type Recorder struct {
	mu       sync.Mutex
	records  []*mesgdef.Record
	distance float64
	last     time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = nil
	r.distance = 0
	r.last = time.Time{}
}

// AddSample appends a record for s. Distance is integrated from speed.
func (r *Recorder) AddSample(s ftms.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.HasSpeed && !r.last.IsZero() {
		dt := s.Timestamp.Sub(r.last)
		if dt > 0 && dt <= maxSampleGap {
			r.distance += s.SpeedKph / 3.6 * dt.Seconds()
		}
	}
	r.last = s.Timestamp

	rec := &mesgdef.Record{
		Timestamp: s.Timestamp,
		Distance:  uint32(math.Round(r.distance * 100)),
	}
	if s.HasSpeed {
		rec.EnhancedSpeed = uint32(math.Round(s.SpeedKph / 3.6 * 1000))
	}
	if s.HasPower && s.PowerW > 0 {
		rec.Power = uint16(s.PowerW)
	}
	if s.HasCadence {
		rec.Cadence = uint8(math.Min(s.CadenceRpm, 254))
	}
	r.records = append(r.records, rec)
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *Recorder) snapshot() []*mesgdef.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*mesgdef.Record(nil), r.records...)
}

// Encode writes sum as a FIT activity: file id, timer events, the recorded
// samples, one lap per step, a session and the activity message.
func (r *Recorder) Encode(w io.Writer, sum workout.Summary) error {
	fit := proto.FIT{}
	end := sum.StartTime.Add(secondsToDuration(sum.TotalTime))

	fileID := mesgdef.FileId{
		Type:         typedef.FileActivity,
		Manufacturer: typedef.ManufacturerDevelopment,
		Product:      0,
		TimeCreated:  sum.StartTime,
	}
	fit.Messages = append(fit.Messages, fileID.ToMesg(nil))

	start := mesgdef.Event{
		Timestamp: sum.StartTime,
		Event:     typedef.EventTimer,
		EventType: typedef.EventTypeStart,
	}
	fit.Messages = append(fit.Messages, start.ToMesg(nil))

	records := []*mesgdef.Record(nil)
	if r != nil {
		records = r.snapshot()
	}
	var powerSum uint64
	for _, rec := range records {
		powerSum += uint64(rec.Power)
		fit.Messages = append(fit.Messages, rec.ToMesg(nil))
	}
	var avgPower uint16
	if len(records) > 0 {
		avgPower = uint16(powerSum / uint64(len(records)))
	}

	stop := mesgdef.Event{
		Timestamp: end,
		Event:     typedef.EventTimer,
		EventType: typedef.EventTypeStopAll,
	}
	fit.Messages = append(fit.Messages, stop.ToMesg(nil))

	for i, step := range sum.Steps {
		lap := lapFor(i, step)
		fit.Messages = append(fit.Messages, lap.ToMesg(nil))
	}

	session := mesgdef.Session{
		Timestamp:        end,
		StartTime:        sum.StartTime,
		TotalElapsedTime: millis(sum.TotalTime),
		TotalTimerTime:   millis(sum.TotalTime),
		TotalDistance:    centimeters(sum.TotalDistance),
		EnhancedAvgSpeed: millimetersPerSecond(sum.AverageSpeed),
		AvgPower:         avgPower,
		NumLaps:          uint16(len(sum.Steps)),
		FirstLapIndex:    0,
		Sport:            typedef.SportCycling,
		SubSport:         typedef.SubSportVirtualActivity,
		Event:            typedef.EventSession,
		EventType:        typedef.EventTypeStop,
		Trigger:          typedef.SessionTriggerActivityEnd,
	}
	fit.Messages = append(fit.Messages, session.ToMesg(nil))

	activity := mesgdef.Activity{
		Timestamp:      end,
		TotalTimerTime: millis(sum.TotalTime),
		NumSessions:    1,
		Type:           typedef.ActivityManual,
		Event:          typedef.EventActivity,
		EventType:      typedef.EventTypeStop,
	}
	fit.Messages = append(fit.Messages, activity.ToMesg(nil))

	if err := encoder.New(w).Encode(&fit); err != nil {
		return fmt.Errorf("encoding fit activity: %w", err)
	}
	return nil
}

// WriteFile encodes sum to path.
func (r *Recorder) WriteFile(path string, sum workout.Summary) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating fit file: %w", err)
	}
	if err := r.Encode(f, sum); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}

// FileName is the export name for sum, e.g. "20260301-070000.fit".
func FileName(sum workout.Summary) string {
	return sum.StartTime.UTC().Format("20060102-150405") + ".fit"
}

func lapFor(i int, step workout.StepSummary) mesgdef.Lap {
	trigger := typedef.LapTriggerManual
	if step.PlannedDuration != nil && step.ActualDuration >= *step.PlannedDuration {
		trigger = typedef.LapTriggerTime
	}
	if step.RouteCompleted != nil && *step.RouteCompleted {
		trigger = typedef.LapTriggerDistance
	}
	return mesgdef.Lap{
		MessageIndex:     typedef.MessageIndex(i),
		Timestamp:        step.StartTime.Add(secondsToDuration(step.ActualDuration)),
		StartTime:        step.StartTime,
		TotalElapsedTime: millis(step.ActualDuration),
		TotalTimerTime:   millis(step.ActualDuration),
		TotalDistance:    centimeters(step.Distance),
		EnhancedAvgSpeed: millimetersPerSecond(step.AverageSpeed),
		Sport:            typedef.SportCycling,
		Event:            typedef.EventLap,
		EventType:        typedef.EventTypeStop,
		LapTrigger:       trigger,
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func millis(seconds float64) uint32 {
	if !(seconds > 0) {
		return 0
	}
	return uint32(math.Round(seconds * 1000))
}

func centimeters(meters float64) uint32 {
	if !(meters > 0) {
		return 0
	}
	return uint32(math.Round(meters * 100))
}

func millimetersPerSecond(kph float64) uint32 {
	if !(kph > 0) {
		return 0
	}
	return uint32(math.Round(kph / 3.6 * 1000))
}
