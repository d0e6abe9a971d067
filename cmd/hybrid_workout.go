package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nford88/hybrid-workout-ftms/internal/clock"
	"github.com/nford88/hybrid-workout-ftms/internal/config"
	"github.com/nford88/hybrid-workout-ftms/internal/dashboard"
	"github.com/nford88/hybrid-workout-ftms/internal/fitexport"
	"github.com/nford88/hybrid-workout-ftms/internal/ftms"
	"github.com/nford88/hybrid-workout-ftms/internal/gearing"
	"github.com/nford88/hybrid-workout-ftms/internal/go_func_utils"
	"github.com/nford88/hybrid-workout-ftms/internal/logging"
	"github.com/nford88/hybrid-workout-ftms/internal/mocktrainer"
	"github.com/nford88/hybrid-workout-ftms/internal/publish"
	"github.com/nford88/hybrid-workout-ftms/internal/statusapi"
	"github.com/nford88/hybrid-workout-ftms/internal/store"
	"github.com/nford88/hybrid-workout-ftms/internal/workout"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "hybrid-workout:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(pflag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}

	logs := logging.New(logging.Config{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Stderr:     cfg.NoUI,
	})
	defer logs.Close()
	logger := logs.Logger
	if cfg.ConfigFile != "" {
		logger.Printf("Config: loaded %s", cfg.ConfigFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := importRoutes(ctx, st, cfg.Routes, logger); err != nil {
		return err
	}
	var filePlan *workout.Plan
	if cfg.Plan != "" {
		if filePlan, err = importPlan(ctx, st, cfg.Plan, logger); err != nil {
			return err
		}
	}

	manager, mock, err := newTrainerManager(cfg, logger)
	if err != nil {
		return err
	}
	defer manager.Shutdown()

	var wg sync.WaitGroup
	if mock != nil && cfg.MockPanelAddr != "" {
		panel := mocktrainer.NewPanel(mock)
		wg.Add(1)
		go_func_utils.SafeGo(logger, func() {
			defer wg.Done()
			if err := panel.ListenAndServe(ctx, cfg.MockPanelAddr); err != nil {
				logger.Printf("MockTrainer: panel stopped: %v", err)
			}
		})
	}

	statePath := cfg.UIStatePath()
	session, err := ftms.Connect(ctx, ftms.Config{
		Manager:        manager,
		Selector:       selectorFor(cfg, dashboard.RememberedTrainer(statePath, logger)),
		Logger:         logger,
		AckTimeout:     cfg.Device.AckTimeout,
		ConnectTimeout: cfg.Device.ConnectTimeout,
	})
	if err != nil {
		return err
	}
	defer session.Disconnect()
	if features, err := session.ReadFeatures(ctx); err == nil {
		logger.Printf("FTMSLink: features % X", features)
	}

	gearbox := gearing.NewGearbox(cfg.Rider.Gearing, logger)
	if err := gearbox.SetFTP(cfg.Rider.FTP); err != nil {
		return err
	}

	scheduler := workout.NewScheduler(workout.Config{
		Routes:  st,
		Clock:   clock.Real{},
		Logger:  logger,
		Gearbox: gearbox,
		Physics: &workout.Physics{Crr: cfg.Sim.Crr, CdA: cfg.Sim.CdA, WindMps: cfg.Sim.Wind},
	})
	defer scheduler.Shutdown()

	recorder := fitexport.NewRecorder()
	defer session.OnTelemetry(func(s ftms.Sample) {
		s = workout.Sanitize(s)
		scheduler.HandleTelemetry(s)
		if scheduler.Status() == workout.StatusRunning {
			recorder.AddSample(s)
		}
	})()
	defer scheduler.OnState(func(ev workout.StateEvent) {
		if ev.Reason == workout.ReasonStart {
			recorder.Reset()
		}
	})()
	defer scheduler.OnSummary(func(sum workout.Summary) {
		if err := st.SaveSummary(ctx, sum); err != nil {
			logger.Printf("Store: saving summary %s failed: %v", sum.ID, err)
		}
		if cfg.FITDir == "" {
			return
		}
		path := filepath.Join(cfg.FITDir, fitexport.FileName(sum))
		if err := recorder.WriteFile(path, sum); err != nil {
			logger.Printf("FIT: export failed: %v", err)
			return
		}
		logger.Printf("FIT: wrote %s (%d records)", path, recorder.Len())
	})()

	if cfg.MQTT.Broker != "" {
		client, err := publish.Dial(publish.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger)
		if err != nil {
			logger.Printf("MQTT: publishing disabled: %v", err)
		} else {
			defer client.Disconnect(250)
			publisher := publish.NewPublisher(client, publish.Config{TopicPrefix: cfg.MQTT.TopicPrefix}, logger)
			publisher.Start(ctx)
			defer publisher.Wait()
			defer publisher.Attach(session, scheduler)()
		}
	}

	starter := &planStarter{
		plans:     st,
		scheduler: scheduler,
		trainer:   session,
		onStart: func(p *workout.Plan) {
			logger.Printf("Main: starting %q (%d steps, %s planned ERG time)", p.Name, len(p.Steps), workout.FormatClock(time.Duration(p.PlannedERGTime()*float64(time.Second))))
		},
	}

	if cfg.HTTPAddr != "" {
		api := statusapi.New(statusapi.Config{
			Workout:   scheduler,
			Summaries: st,
			Gears:     gearbox,
			Starter:   starter,
			Telemetry: session,
			Logger:    logger,
		})
		wg.Add(1)
		go_func_utils.SafeGo(logger, func() {
			defer wg.Done()
			if err := api.ListenAndServe(ctx, cfg.HTTPAddr); err != nil {
				logger.Printf("StatusAPI: stopped: %v", err)
			}
		})
	}

	if cfg.NoUI {
		err = runHeadless(ctx, starter, filePlan, logger)
	} else {
		err = runDashboard(ctx, cfg, logs, session, gearbox, scheduler, st, starter, filePlan)
	}
	stop()
	wg.Wait()
	return err
}

// runHeadless starts the plan file, if any, and runs until interrupted.
func runHeadless(ctx context.Context, starter *planStarter, plan *workout.Plan, logger *log.Logger) error {
	if plan != nil {
		if err := starter.StartPlan(ctx, plan.ID); err != nil {
			return err
		}
	} else {
		logger.Println("Main: no plan given, waiting for the status API")
	}
	<-ctx.Done()
	logger.Println("Main: shutting down")
	return nil
}

func runDashboard(
	ctx context.Context,
	cfg *config.Config,
	logs *logging.Logging,
	session *ftms.Session,
	gearbox *gearing.Gearbox,
	scheduler *workout.Scheduler,
	st *store.Store,
	starter *planStarter,
	plan *workout.Plan,
) error {
	logger := logs.Logger
	model := dashboard.NewModel(dashboard.ModelConfig{
		Telemetry:   session,
		Acks:        session,
		Connections: session,
		Lines:       logs,
		Gears:       gearbox,
		Workout:     scheduler,
		Logger:      logger,
	})
	defer model.Shutdown()

	controller := dashboard.NewController(dashboard.ControllerConfig{
		Model:     model,
		Commands:  scheduler,
		Gears:     gearbox,
		Plans:     st,
		Starter:   starter,
		StatePath: cfg.UIStatePath(),
		Logger:    logger,
	})
	defer controller.Shutdown()
	controller.TrainerConnected(session.Name(), session.Address())
	controller.RefreshPlans()
	if plan != nil {
		if plans, err := st.ListPlans(ctx); err == nil {
			for i, p := range plans {
				if p.ID == plan.ID {
					controller.OnPlanSelected(i)
				}
			}
		}
	}

	view := dashboard.NewView(logger, model, controller)
	go_func_utils.SafeGo(logger, func() {
		<-ctx.Done()
		model.RequestCloseApplication()
	})
	if err := view.Run(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
