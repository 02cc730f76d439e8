package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/zonewatch/zonewatch/internal/broadcast"
	"github.com/zonewatch/zonewatch/internal/catalogstore"
	"github.com/zonewatch/zonewatch/internal/config"
	"github.com/zonewatch/zonewatch/internal/fieldbus/implicitio"
	"github.com/zonewatch/zonewatch/internal/fieldbus/modbus"
	"github.com/zonewatch/zonewatch/internal/ingest"
	"github.com/zonewatch/zonewatch/internal/logger"
	"github.com/zonewatch/zonewatch/internal/simulate"
	"github.com/zonewatch/zonewatch/internal/zones"
)

var Version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config file (default: auto-discover)")
	simMode := flag.Bool("sim", false, "run with the simulated scan source instead of live UDP ingest")
	simRate := flag.Float64("sim-rate", 0, "simulated scans per second (overrides config)")
	udpPort := flag.Int("udp-port", 0, "sensor UDP ingest port (overrides config)")
	catalogPath := flag.String("catalog", "", "product catalog file path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}
	if *simMode {
		cfg.Simulation.Enabled = true
	}
	if *simRate > 0 {
		cfg.Simulation.Rate = *simRate
	}
	if *udpPort > 0 {
		cfg.Sensor.UDPPort = *udpPort
	}
	if *catalogPath != "" {
		cfg.Catalog.Path = *catalogPath
	}

	logCfg := logger.DefaultConfig()
	logCfg.Level = cfg.Logger.Level
	logCfg.Format = cfg.Logger.Format
	logCfg.LogDir = cfg.Logger.Dir
	if err := logger.Init(logCfg); err != nil {
		fmt.Fprintf(os.Stderr, "logger setup error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("zonewatch starting", zap.String("version", Version))

	// Catalog persistence. A path we cannot create is a fatal startup failure.
	store, err := catalogstore.New(cfg.Catalog.Path, logger.WithComponent("catalogstore"))
	if err != nil {
		log.Error("failed to open catalog store", zap.Error(err))
		return 1
	}

	evaluator, err := zones.NewEvaluator(store, logger.WithComponent("evaluator"))
	if err != nil {
		log.Error("failed to initialize evaluator", zap.Error(err))
		return 1
	}

	watcher, err := catalogstore.NewWatcher(cfg.Catalog.Path, logger.WithComponent("catalogwatch"), evaluator.ReplaceCatalog)
	if err != nil {
		log.Warn("catalog file watching disabled", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Fieldbus register publisher. A bind failure disables the publisher and
	// the rest of the service proceeds.
	if cfg.Fieldbus.ModbusEnabled {
		mbStore := modbus.NewDataStore(modbus.ControlHandlers{
			ResetStatistics:  evaluator.ResetStatistics,
			SetActiveProduct: evaluator.SetActiveProduct,
		})
		addr := fmt.Sprintf("%s:%d", cfg.Sensor.Host, cfg.Fieldbus.ModbusPort)
		mbServer, err := modbus.NewServer(addr, mbStore, logger.WithComponent("modbus"))
		if err != nil {
			log.Warn("modbus register publisher disabled", zap.Error(err))
		} else {
			evaluator.Subscribe(mbStore.OnVerdict)
			go mbServer.Serve()
			defer mbServer.Close()
			log.Info("modbus register publisher listening", zap.String("addr", addr))
		}
	}

	// Implicit-I/O publisher: explicit TCP channel plus cyclic UDP channel.
	if cfg.Fieldbus.ImplicitIOEnabled {
		explicitAddr := fmt.Sprintf("%s:%d", cfg.Sensor.Host, cfg.Fieldbus.ImplicitIOExplicitPort)
		cyclicAddr := fmt.Sprintf("%s:%d", cfg.Sensor.Host, cfg.Fieldbus.ImplicitIOCyclicPort)
		pub, err := implicitio.NewPublisher(explicitAddr, cyclicAddr, logger.WithComponent("implicitio"))
		if err != nil {
			log.Warn("implicit-io publisher disabled", zap.Error(err))
		} else {
			evaluator.Subscribe(pub.Store.OnVerdict)
			pub.Store.SetOutputCallback(makeOutputHandler(evaluator, logger.WithComponent("implicitio")))
			go pub.Serve()
			defer pub.Close()
			log.Info("implicit-io publisher listening",
				zap.String("explicit", explicitAddr), zap.String("cyclic", cyclicAddr))
		}
	}

	// Live broadcast hub on its own minimal fiber app.
	hub := broadcast.NewHub(logger.WithComponent("broadcast"))
	evaluator.Subscribe(hub.OnVerdict)

	app := fiber.New(fiber.Config{
		AppName:               "zonewatch v" + Version,
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Get("/ws/live", websocket.New(hub.HandleWebSocket))

	broadcastAddr := fmt.Sprintf("%s:%d", cfg.Broadcast.Host, cfg.Broadcast.Port)
	go func() {
		if err := app.Listen(broadcastAddr); err != nil {
			log.Warn("live broadcast endpoint disabled", zap.Error(err))
		}
	}()
	defer app.Shutdown()
	log.Info("live broadcast listening", zap.String("addr", broadcastAddr), zap.String("path", "/ws/live"))

	// Scan source: live UDP ingest, or the simulator in its place.
	var source ingest.Source
	var commander *ingest.Commander
	if cfg.Simulation.Enabled {
		sim := simulate.New(cfg.Simulation.Rate, time.Now().UnixNano())
		go sim.Run(ctx)
		source = sim
		log.Info("simulation mode", zap.Float64("rate", cfg.Simulation.Rate))
	} else {
		in, err := ingest.New(ingest.Config{
			Host:     cfg.Sensor.Host,
			Port:     cfg.Sensor.UDPPort,
			SourceIP: cfg.Sensor.SourceIP,
		}, logger.WithComponent("ingest"))
		if err != nil {
			// Cannot bind the ingest socket: fatal startup failure.
			log.Error("failed to bind UDP ingest socket", zap.Error(err))
			return 1
		}
		go in.Run(ctx)
		source = in
		log.Info("udp ingest listening", zap.Int("port", cfg.Sensor.UDPPort))

		if cfg.Sensor.CommandIP != "" {
			commander = ingest.NewCommander(cfg.Sensor.CommandIP, cfg.Sensor.CommandPort, logger.WithComponent("commander"))
			if err := commander.Connect(); err != nil {
				log.Warn("sensor command channel unavailable", zap.Error(err))
				commander = nil
			} else {
				if err := commander.PointAtIngest(cfg.Sensor.Host, cfg.Sensor.UDPPort); err != nil {
					log.Warn("failed to set sensor scan destination", zap.Error(err))
				}
				if err := commander.StartMeasurement(); err != nil {
					log.Warn("failed to start sensor measurement", zap.Error(err))
				}
			}
		}
	}
	defer source.Close()

	// Evaluate loop: scans arrive in order through the bounded handoff queue;
	// subscribers see each verdict synchronously after the evaluator's lock
	// is released.
	go func() {
		for scan := range source.Scans() {
			evaluator.Evaluate(scan)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	if commander != nil {
		if err := commander.StopMeasurement(); err != nil {
			log.Warn("failed to stop sensor measurement", zap.Error(err))
		}
		commander.Close()
	}
	cancel()
	return 0
}

// makeOutputHandler wires inbound output assemblies from implicit-I/O
// consumers to evaluator control operations. The assembly's product id is
// the product's position in catalog order (ListProducts). The input
// assembly numbers products separately, in the order they first produce a
// verdict, so the two numbers name the same product only when both orders
// agree.
func makeOutputHandler(evaluator *zones.Evaluator, log *zap.Logger) func(implicitio.OutputAssembly) {
	return func(out implicitio.OutputAssembly) {
		switch out.Command {
		case 1:
			evaluator.ResetStatistics()
			log.Info("statistics reset via implicit-io output assembly")
		case 2:
			products := evaluator.ListProducts()
			if int(out.ProductID) >= len(products) {
				log.Warn("output assembly requested unknown product", zap.Uint8("product_id", out.ProductID))
				return
			}
			target := products[out.ProductID]
			if !evaluator.SetActiveProduct(target.ID) {
				return
			}
			log.Info("active product changed via implicit-io output assembly", zap.String("product_id", target.ID))

			// Nonzero zone tuning fields retarget the first two zones of the
			// newly active product, millimeters to meters.
			changed := false
			if out.Zone1Expected > 0 && len(target.Zones) > 0 {
				target.Zones[0].Expected = float64(out.Zone1Expected) / 1000.0
				if out.Zone1Tolerance > 0 {
					target.Zones[0].TolPlus = float64(out.Zone1Tolerance) / 1000.0
					target.Zones[0].TolMinus = float64(out.Zone1Tolerance) / 1000.0
				}
				changed = true
			}
			if out.Zone2Expected > 0 && len(target.Zones) > 1 {
				target.Zones[1].Expected = float64(out.Zone2Expected) / 1000.0
				if out.Zone2Tolerance > 0 {
					target.Zones[1].TolPlus = float64(out.Zone2Tolerance) / 1000.0
					target.Zones[1].TolMinus = float64(out.Zone2Tolerance) / 1000.0
				}
				changed = true
			}
			if changed {
				if err := evaluator.AddProduct(target); err != nil {
					log.Warn("failed to apply zone tuning from output assembly", zap.Error(err))
				}
			}
		}
	}
}
