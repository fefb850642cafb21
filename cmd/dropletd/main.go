// dropletd runs the droplet-workstation control loop: it opens the
// shared SPI bus and GPIO lines, brings up the enabled peripheral
// drivers, starts the camera/strobe coordinator, and drives the
// detection pipeline until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/wenzel-lab/dropletsync/internal/bus"
	"github.com/wenzel-lab/dropletsync/internal/camera"
	"github.com/wenzel-lab/dropletsync/internal/config"
	"github.com/wenzel-lab/dropletsync/internal/detect"
	"github.com/wenzel-lab/dropletsync/internal/flowdev"
	"github.com/wenzel-lab/dropletsync/internal/heaterdev"
	"github.com/wenzel-lab/dropletsync/internal/logging"
	"github.com/wenzel-lab/dropletsync/internal/orchestrator"
	"github.com/wenzel-lab/dropletsync/internal/strobe"
	syncdev "github.com/wenzel-lab/dropletsync/internal/sync"
	"github.com/wenzel-lab/dropletsync/internal/supervisor"

	"github.com/maruel/interrupt"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/spi"
	"periph.io/x/periph/conn/spi/spireg"
	"periph.io/x/periph/host"
)

// gpioNames maps each bus.ModuleID to the GPIO pin name carrying its
// chip-select line, and the trigger pin name used by the camera-clocked
// coordinator. Pin names follow the board's labeling (e.g. "GPIO5").
type gpioNames struct {
	Strobe  string
	Flow    string
	Heater1 string
	Heater2 string
	Heater3 string
	Heater4 string
	Trigger string
}

var defaultPins = gpioNames{
	Strobe:  "GPIO5",
	Flow:    "GPIO6",
	Heater1: "GPIO13",
	Heater2: "GPIO16",
	Heater3: "GPIO19",
	Heater4: "GPIO20",
	Trigger: "GPIO26",
}

func openPin(name string) (gpio.PinOut, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("dropletd: gpio pin %q not found", name)
	}
	return p, nil
}

// openHardware brings up the periph.io host drivers and returns the SPI
// connection plus the chip-select and trigger pins the rest of main
// needs. mainImpl does not call it in simulation mode.
func openHardware(cfg *config.Config) (spi.Conn, map[bus.ModuleID]gpio.PinOut, gpio.PinOut, func(), error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, nil, nil, err
	}
	port, err := spireg.Open(cfg.SPI.Port)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if cfg.SPI.SpeedHz != 0 {
		if err := port.LimitSpeed(int64(cfg.SPI.SpeedHz)); err != nil {
			port.Close()
			return nil, nil, nil, nil, err
		}
	}
	hz := int64(cfg.SPI.SpeedHz)
	if hz == 0 {
		hz = 1000000
	}
	conn, err := port.Connect(hz, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, nil, nil, nil, err
	}

	cs := map[bus.ModuleID]gpio.PinOut{}
	pins := []struct {
		id   bus.ModuleID
		name string
	}{
		{bus.Strobe, defaultPins.Strobe},
		{bus.Flow, defaultPins.Flow},
		{bus.Heater1, defaultPins.Heater1},
		{bus.Heater2, defaultPins.Heater2},
		{bus.Heater3, defaultPins.Heater3},
		{bus.Heater4, defaultPins.Heater4},
	}
	for _, p := range pins {
		pin, err := openPin(p.name)
		if err != nil {
			port.Close()
			return nil, nil, nil, nil, err
		}
		cs[p.id] = pin
	}
	trigger, err := openPin(defaultPins.Trigger)
	if err != nil {
		port.Close()
		return nil, nil, nil, nil, err
	}
	return conn, cs, trigger, func() { port.Close() }, nil
}

func buildCamera(cfg *config.Config) camera.Adapter {
	if cfg.Simulation || cfg.Camera.Backend == "simulated" || cfg.Camera.Backend == "" {
		return camera.NewSimulated(cfg.Camera.Width, cfg.Camera.Height, 33*time.Millisecond, 4)
	}
	pc := camera.PipeConfig{
		Width:  cfg.Camera.Width,
		Height: cfg.Camera.Height,
	}
	switch cfg.Camera.Backend {
	case "pi_legacy":
		pc.Backend = camera.PiLegacy
		pc.Command = "raspivid"
		pc.Args = []string{"-t", "0", "-w", fmt.Sprint(cfg.Camera.Width), "-h", fmt.Sprint(cfg.Camera.Height), "-o", "-"}
	case "pi_v2":
		pc.Backend = camera.PiV2
		pc.HardwareROI = true
		pc.Command = "libcamera-vid"
		pc.Args = []string{"-t", "0", "--width", fmt.Sprint(cfg.Camera.Width), "--height", fmt.Sprint(cfg.Camera.Height), "-o", "-"}
	case "machine_vision":
		pc.Backend = camera.MachineVision
		pc.HardwareROI = true
		pc.Command = "mv-capture"
		pc.Args = []string{"--stdout"}
	default:
		return camera.NewSimulated(cfg.Camera.Width, cfg.Camera.Height, 33*time.Millisecond, 4)
	}
	return camera.NewPipeCamera(pc)
}

func mainImpl() error {
	configPath := flag.String("config", "/etc/dropletd/config.yaml", "path to process configuration")
	profileName := flag.String("profile", "", "detection profile name (overrides config's active_profile)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log := logging.Init(logging.ParseLevel(cfg.LogLevel))

	interrupt.HandleCtrlC()

	profile := cfg.ActiveProfile
	if *profileName != "" {
		profile = *profileName
	}
	profilePath := cfg.ProfileDir + "/" + profile + ".yaml"
	detCfg := detect.DefaultConfig()
	if profile != "" && supervisor.ProfileFileExists(profilePath) {
		loaded, err := config.LoadProfile(cfg.ProfileDir, profile)
		if err != nil {
			return err
		}
		detCfg = loaded
	}

	cam := buildCamera(cfg)
	orch := orchestrator.New(detCfg, 2000)

	if !cfg.Simulation {
		conn, cs, trigger, closer, err := openHardware(cfg)
		if err != nil {
			return err
		}
		defer closer()

		arbiter := bus.New(conn, cs, bus.DefaultReplyPause)
		strobeDrv := strobe.New(arbiter)
		coord := syncdev.New(strobeDrv, cam, trigger)

		ctx := context.Background()
		syncCfg := syncdev.Config{Mode: cfg.ControlMode.ToSyncMode(), TriggerActiveHigh: true}
		if err := coord.Configure(ctx, syncCfg); err != nil {
			return err
		}
		if err := coord.Arm(ctx); err != nil {
			return err
		}
		if err := coord.Enable(ctx); err != nil {
			return err
		}

		if cfg.Modules.Flow {
			flowDrv := flowdev.New(arbiter, bus.Flow)
			go pollFlow(flowDrv, log)
		}
		if cfg.Modules.Heater {
			for _, m := range []bus.ModuleID{bus.Heater1, bus.Heater2, bus.Heater3, bus.Heater4} {
				heaterDrv := heaterdev.New(arbiter, m)
				go pollHeater(heaterDrv, log)
			}
		}
	}

	var measured uint64
	sup := supervisor.New(cam, orch, func(name string) (detect.Config, error) {
		return config.LoadProfile(cfg.ProfileDir, name)
	}, func(ms []detect.Measurement) {
		measured += uint64(len(ms))
	})

	if err := sup.Start(); err != nil {
		return err
	}
	defer sup.Stop()

	if profile != "" && supervisor.ProfileFileExists(profilePath) {
		if err := sup.WatchProfile(profilePath, profile); err != nil {
			log.Warn("profile watch unavailable: %v", err)
		}
	}

	for !interrupt.IsSet() {
		stats := orch.SnapshotStats()
		degraded, stage := orch.Degraded()
		fmt.Printf("\r%d frames %d dropped %d measured degraded=%v@%s",
			stats.FramesProcessed, stats.FramesDropped, measured, degraded, stage)
		time.Sleep(time.Second)
	}
	fmt.Print("\n")
	return nil
}

// pollFlow refreshes the flow driver's cached state at 1Hz, the idle
// rate named in the concurrency model; nothing in dropletd currently
// raises it to 2Hz, since that only matters once a control surface
// drives SetFlowTarget at a matching rate.
func pollFlow(d *flowdev.Driver, log *logging.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-interrupt.Channel:
			return
		case <-ticker.C:
			state, err := d.Poll(context.Background())
			if err != nil {
				log.Warn("flow poll failed: %v", err)
				continue
			}
			log.Debug("flow state: %+v", state)
		}
	}
}

func pollHeater(d *heaterdev.Driver, log *logging.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-interrupt.Channel:
			return
		case <-ticker.C:
			state, err := d.Poll(context.Background())
			if err != nil {
				log.Warn("heater poll failed: %v", err)
				continue
			}
			log.Debug("heater state: %+v", state)
		}
	}
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "\ndropletd: %s.\n", err)
		os.Exit(1)
	}
}
