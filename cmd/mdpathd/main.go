package main

import (
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/hreinecke/md-monitor/config"
	"github.com/hreinecke/md-monitor/dasd"
	"github.com/hreinecke/md-monitor/domain"
	"github.com/hreinecke/md-monitor/event"
	"github.com/hreinecke/md-monitor/exec"
	"github.com/hreinecke/md-monitor/ipc"
	"github.com/hreinecke/md-monitor/monitor"
	"github.com/hreinecke/md-monitor/multipath"
	"github.com/hreinecke/md-monitor/policy"
	"github.com/hreinecke/md-monitor/probe"
	"github.com/hreinecke/md-monitor/raid"
	"github.com/hreinecke/md-monitor/state"
	"github.com/hreinecke/md-monitor/sysio"
)

const usage string = `mdpathd RAID-10 path monitor

mdpathd watches software RAID-10 arrays built on DASD or multipath
members, detects per-path I/O failure faster than the kernel RAID
stack, and proactively fails/re-adds mirror sides via mdadm.
`

// Globals populated at build time.
var (
	version  string
	commitId string
	builtAt  string
	builtBy  string
)

var (
	degradedSides = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mdpathd",
		Name:      "degraded_sides_total",
		Help:      "Number of mirror sides currently marked degraded, summed across all arrays.",
	})
	monitorTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mdpathd",
		Name:      "monitor_tasks_running",
		Help:      "Number of member monitor tasks currently running.",
	})
	controlRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mdpathd",
		Name:      "control_requests_total",
		Help:      "Control socket requests processed, by verb.",
	}, []string{"verb"})
)

func init() {
	prometheus.MustRegister(degradedSides, monitorTasks, controlRequests)
}

// supervisor owns the bits of glue that don't belong to any single
// component: spawning a Member Monitor Task for every newly-attached DASD
// device and periodically reporting gauge values. It does not appear as a
// named component in its own right; it is the daemon's main loop.
type supervisor struct {
	devices domain.DeviceRegistryIface
	arrays  *arraysAdapter
	dasd    domain.DasdIoctlIface
	oracle  domain.RaidOracleIface
	policy  *policy.Mirror
	cfg     monitor.Config
}

// arraysAdapter narrows domain.ArrayRegistryIface to the Lookup-only surface
// monitor.Task and policy.Mirror need.
type arraysAdapter struct {
	registry domain.ArrayRegistryIface
}

func (a *arraysAdapter) Lookup(name string) *domain.Array { return a.registry.Lookup(name) }

// scan starts a monitor task for every DASD device that is attached to an
// array and has none running yet; devices whose task is still running are
// skipped.
func (s *supervisor) scan() {
	s.devices.ForEach(func(dev *domain.Device) {
		if dev.Kind != domain.KindDasd {
			return
		}
		if dev.ArrayName() == "" {
			return
		}
		if dev.MonitorRunning() {
			return
		}
		dev.IncRef()
		eng := probe.NewEngine(s.dasd)
		task := monitor.NewTask(s.cfg, dev, s.arrays, eng, s.oracle, s.policy)
		task.Start()
	})
}

func (s *supervisor) run(stop <-chan struct{}, interval time.Duration) {
	for {
		s.scan()
		running := 0
		s.devices.ForEach(func(dev *domain.Device) {
			if dev.MonitorRunning() {
				running++
			}
		})
		monitorTasks.Set(float64(running))

		degraded := 0
		s.arrays.registry.ForEach(func(arr *domain.Array) {
			for i := 0; i < arr.MirrorCopies(); i++ {
				if arr.SideDegraded(i) {
					degraded++
				}
			}
		})
		degradedSides.Set(float64(degraded))

		select {
		case <-stop:
			return
		case <-time.After(interval):
		}
	}
}

func runMetricsServer(addr string, stop <-chan struct{}) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-stop
		srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logrus.Warnf("metrics server: %v", err)
	}
}

func exitHandler(signalChan chan os.Signal, stop chan struct{}) {
	var printStack = false

	s := <-signalChan

	logrus.Warnf("mdpathd caught signal: %s", s)
	logrus.Info("stopping (gracefully) ...")

	systemd.SdNotify(false, systemd.SdNotifyStopping)

	switch s {
	case syscall.SIGABRT, syscall.SIGQUIT, syscall.SIGSEGV:
		printStack = true
	}

	if printStack {
		stacktrace := make([]byte, 32768)
		length := runtime.Stack(stacktrace, true)
		logrus.Warnf("\n\n%s\n", string(stacktrace[:length]))
	}

	select {
	case <-stop:
	default:
		close(stop)
	}
}

func main() {
	app := cli.NewApp()
	app.Name = "mdpathd"
	app.Usage = usage
	app.Version = version

	app.Flags = []cli.Flag{
		cli.DurationFlag{
			Name:  "failfast-timeout",
			Value: config.Default().FailfastTimeout,
			Usage: "failfast timeout; a probe waits up to this times (failfast-retries + 1)",
		},
		cli.IntFlag{
			Name:  "failfast-retries",
			Value: config.Default().FailfastRetries,
			Usage: "failfast retry count; the probe timeout is failfast-timeout times (retries + 1) (must be >= 2)",
		},
		cli.DurationFlag{
			Name:  "checker-timeout",
			Value: config.Default().CheckerTimeout,
			Usage: "idle interval between successful probes",
		},
		cli.BoolTFlag{
			Name:  "stop-on-sync",
			Usage: "stop a member's monitor task once its path is back in sync (default: \"true\")",
		},
		cli.StringFlag{
			Name:  "fail-mode",
			Value: "mirror",
			Usage: "failover granularity: \"mirror\" (fail the whole side) or \"disk\" (fail only the reporting component)",
		},
		cli.DurationFlag{
			Name:  "multipath-poll-interval",
			Value: config.Default().MultipathPollInterval,
			Usage: "interval between multipathd show-maps polls",
		},
		cli.DurationFlag{
			Name:  "multipath-timeout",
			Value: config.Default().MultipathTimeout,
			Usage: "multipathd request timeout",
		},
		cli.StringFlag{
			Name:  "control-socket",
			Value: config.DefaultControlSocket,
			Usage: "abstract-namespace control socket address",
		},
		cli.StringFlag{
			Name:  "pidfile",
			Value: config.DefaultPidFile,
			Usage: "pid file location",
		},
		cli.StringFlag{
			Name:  "metrics-addr",
			Value: config.DefaultMetricsAddr,
			Usage: "Prometheus /metrics listen address",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "log file path or empty string for stderr output",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error, fatal)",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "log format; must be json or text",
		},
	}

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("mdpathd\n\tversion: \t%s\n\tcommit: \t%s\n\tbuilt at: \t%s\n\tbuilt by: \t%s\n",
			c.App.Version, commitId, builtAt, builtBy)
	}

	app.Before = func(ctx *cli.Context) error {
		rand.Seed(time.Now().UnixNano())

		if path := ctx.GlobalString("log"); path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0666)
			if err != nil {
				logrus.Fatalf("error opening log file %v: %v. Exiting ...", path, err)
				return err
			}
			logrus.SetOutput(f)
			log.SetOutput(f)
		} else {
			logrus.SetOutput(os.Stderr)
			log.SetOutput(os.Stderr)
		}

		if ctx.GlobalString("log-format") == "json" {
			logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
		} else {
			logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: "2006-01-02 15:04:05", FullTimestamp: true})
		}

		switch ctx.GlobalString("log-level") {
		case "debug":
			logrus.SetLevel(logrus.DebugLevel)
		case "info", "":
			logrus.SetLevel(logrus.InfoLevel)
		case "warning":
			logrus.SetLevel(logrus.WarnLevel)
		case "error":
			logrus.SetLevel(logrus.ErrorLevel)
		case "fatal":
			logrus.SetLevel(logrus.FatalLevel)
		default:
			logrus.Fatalf("log-level option %q not recognized. Exiting ...", ctx.GlobalString("log-level"))
		}

		return nil
	}

	app.Action = func(ctx *cli.Context) error {
		logrus.Info("initiating mdpathd ...")

		cfg := config.Default()
		cfg.FailfastTimeout = ctx.Duration("failfast-timeout")
		cfg.FailfastRetries = ctx.Int("failfast-retries")
		cfg.CheckerTimeout = ctx.Duration("checker-timeout")
		cfg.StopOnSync = ctx.BoolT("stop-on-sync")
		cfg.MultipathPollInterval = ctx.Duration("multipath-poll-interval")
		cfg.MultipathTimeout = ctx.Duration("multipath-timeout")
		cfg.ControlSocket = ctx.String("control-socket")
		cfg.PidFile = ctx.String("pidfile")
		cfg.MetricsAddr = ctx.String("metrics-addr")

		switch ctx.String("fail-mode") {
		case "disk":
			cfg.FailMode = policy.FailModeDisk
		default:
			cfg.FailMode = policy.FailModeMirror
		}

		if err := cfg.Validate(); err != nil {
			return err
		}

		if err := config.CheckPidFile("mdpathd", cfg.PidFile); err != nil {
			return err
		}

		// Registries (C1, C2).
		devices := state.NewDeviceRegistry()
		arrays := state.NewArrayRegistry()
		arraysLookup := &arraysAdapter{registry: arrays}

		// Kernel ioctl surface (C4) and member discovery glue.
		kernelIoctl := raid.NewKernelIoctl()
		oracle := raid.NewOracle(kernelIoctl)
		discoverer := raid.NewDiscoverer(devices, kernelIoctl)

		// DASD ioctls (C3 support) and sysfs attribute I/O.
		dasdIoctl := dasd.NewAdapter(dasd.New())
		ioService := sysio.NewIOService(domain.IOOsFileService)
		attrs := sysio.NewAttrStore(ioService)

		// multipathd client and poller (C8), feeding the same dispatch rules
		// via ExternalUpdater.
		mpClient := multipath.NewClient(cfg.MultipathTimeout)

		// Management Executor (C7) and Mirror Policy (C6).
		mdadmTool := exec.NewMdadm()
		executor := exec.NewExecutor(mdadmTool, dasdIoctl, mpClient, attrs, cfg.FailfastTimeout, cfg.FailfastRetries)
		mirror := policy.NewMirror(cfg.FailMode, arraysLookup, executor)

		updater := monitor.NewExternalUpdater(mirror)
		mpPoller := multipath.NewPoller(mpClient, devices, updater, cfg.MultipathPollInterval)

		// Event Router (C9). The hot-plug record source itself (netlink
		// uevent monitoring) is an external collaborator outside this
		// daemon's scope; whatever feeds it calls router.Route per record.
		router := event.NewRouter(devices, arrays, discoverer, mirror, kernelIoctl)

		// Control Socket (C10).
		ipcServer := ipc.NewServer(arrays, devices, router, mirror)
		if err := ipcServer.Listen(cfg.ControlSocket); err != nil {
			return fmt.Errorf("failed to start control socket: %v", err)
		}

		stop := make(chan struct{})

		go executor.Run(stop)
		go mpPoller.Run(stop)
		go ipcServer.Run(stop)
		go runMetricsServer(cfg.MetricsAddr, stop)

		sup := &supervisor{
			devices: devices,
			arrays:  arraysLookup,
			dasd:    dasdIoctl,
			oracle:  oracle,
			policy:  mirror,
			cfg:     cfg.MonitorConfig(),
		}
		go sup.run(stop, 2*time.Second)

		var exitChan = make(chan os.Signal, 1)
		signal.Notify(exitChan, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGSEGV, syscall.SIGQUIT)
		go exitHandler(exitChan, stop)

		go func() {
			<-ipcServer.Shutdown()
			controlRequests.WithLabelValues("Shutdown").Inc()
			select {
			case <-stop:
			default:
				close(stop)
			}
		}()

		if err := config.CreatePidFile(cfg.PidFile); err != nil {
			return fmt.Errorf("failed to create pid file: %s", err)
		}

		systemd.SdNotify(false, systemd.SdNotifyReady)
		logrus.Info("ready ...")

		<-stop

		arrays.ForEach(func(arr *domain.Array) {
			arrays.Remove(arr.Name)
		})

		if err := config.DestroyPidFile(cfg.PidFile); err != nil {
			logrus.Warnf("failed to destroy mdpathd pid file: %v", err)
		}
		logrus.Info("done.")

		return nil
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
