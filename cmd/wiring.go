package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/nford88/hybrid-workout-ftms/internal/bt"
	"github.com/nford88/hybrid-workout-ftms/internal/config"
	"github.com/nford88/hybrid-workout-ftms/internal/mocktrainer"
	"github.com/nford88/hybrid-workout-ftms/internal/route"
	"github.com/nford88/hybrid-workout-ftms/internal/workout"
)

const scanTimeout = 10 * time.Second

// PlanStore is satisfied by *store.Store.
type PlanStore interface {
	SaveRoute(ctx context.Context, r *route.Route) error
	SavePlan(ctx context.Context, p *workout.Plan) error
	GetPlan(ctx context.Context, id string) (*workout.Plan, error)
}

// planStarter loads a stored plan and starts it on the trainer. It backs
// both the dashboard and the status API.
type planStarter struct {
	plans     PlanStore
	scheduler *workout.Scheduler
	trainer   workout.Trainer
	onStart   func(*workout.Plan)
}

func (p *planStarter) StartPlan(ctx context.Context, planID string) error {
	plan, err := p.plans.GetPlan(ctx, planID)
	if err != nil {
		return err
	}
	if p.onStart != nil {
		p.onStart(plan)
	}
	return p.scheduler.Start(ctx, plan, p.trainer)
}

// importRoutes stores every route file. GPX files are recognised by
// extension; anything else is read as a route document.
func importRoutes(ctx context.Context, plans PlanStore, paths []string, logger *log.Logger) error {
	for _, path := range paths {
		r, err := loadRoute(path)
		if err != nil {
			return fmt.Errorf("importing route %s: %w", path, err)
		}
		if err := plans.SaveRoute(ctx, r); err != nil {
			return fmt.Errorf("storing route %s: %w", path, err)
		}
		logger.Printf("Routes: imported %q from %s (%.0fm, avg grade %.1f%%)", r.Name, path, r.TotalDistance, r.AverageGrade)
	}
	return nil
}

func loadRoute(path string) (*route.Route, error) {
	if strings.EqualFold(filepath.Ext(path), ".gpx") {
		return route.LoadGPXFile(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return route.ParseJSON(data)
}

// importPlan parses and stores a plan file, giving it an ID derived from
// the file name when it has none so re-imports replace the stored copy.
func importPlan(ctx context.Context, plans PlanStore, path string, logger *log.Logger) (*workout.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan %s: %w", path, err)
	}
	plan, err := workout.ParsePlanJSON(data)
	if err != nil {
		return nil, fmt.Errorf("parsing plan %s: %w", path, err)
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	var doc struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(data, &doc) != nil || doc.ID == "" {
		plan.ID = "file:" + base
	}
	if plan.Name == "" {
		plan.Name = base
	}
	if err := plans.SavePlan(ctx, plan); err != nil {
		return nil, fmt.Errorf("storing plan %s: %w", path, err)
	}
	logger.Printf("Plans: imported %q (%d steps) from %s", plan.Name, len(plan.Steps), path)
	return plan, nil
}

// newTrainerManager returns the BLE manager, or the mock trainer's when
// mock mode is on.
func newTrainerManager(cfg *config.Config, logger *log.Logger) (bt.BTManagerInterface, *mocktrainer.Manager, error) {
	var (
		manager bt.BTManagerInterface
		mock    *mocktrainer.Manager
	)
	if cfg.Mock {
		mock = mocktrainer.NewManager(logger, mocktrainer.ManagerConfig{})
		manager = mock
	} else {
		manager = bt.NewBTManager(bluetooth.DefaultAdapter, logger, scanTimeout)
	}
	if err := manager.Enable(); err != nil {
		return nil, nil, fmt.Errorf("enabling BLE stack: %w", err)
	}
	return manager, mock, nil
}

func selectorFor(cfg *config.Config, remembered string) bt.Selector {
	s := bt.Selector{
		Address:    cfg.Device.Address,
		NamePrefix: cfg.Device.Name,
	}
	if s.Address == "" && s.NamePrefix == "" && !cfg.Mock {
		s.Address = remembered
	}
	return s
}
