package main

/*
The radar recorder locates the trigger pulse of an impulse radar in the sample
stream of a software defined radio, stacks the echoes of many pulses into traces
and writes them to a groundhog file.
*/

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/hb9tf/groundhog/acquire"
	"github.com/hb9tf/groundhog/config"
	"github.com/hb9tf/groundhog/export"
	"github.com/hb9tf/groundhog/filter"
	"github.com/hb9tf/groundhog/ghog"
	"github.com/hb9tf/groundhog/replay"
	"github.com/hb9tf/groundhog/schedule"
	"github.com/hb9tf/groundhog/sdr"
	"github.com/hb9tf/groundhog/sim"
	"github.com/hb9tf/groundhog/stack"
	"github.com/hb9tf/groundhog/telemetry"
	"github.com/hb9tf/groundhog/uhd"
)

// Flags
var (
	configFile = flag.String("config", "", "Config file to read instead of searching for groundhog.toml. Flags given on the command line override its [radar] section.")
	identifier = flag.String("id", "", "unique identifier of this radar (defaults to a random UUID)")

	// Output
	outFile = flag.String("file", "", "Trace file to write. Required unless -dataDir is set.")
	dataDir = flag.String("dataDir", "", "Directory in which the next free groundhogNNNN.ghog is created when -file is empty.")
	syncOut = flag.Bool("sync", false, "fsync the trace file after every trace")

	// Acquisition
	rate     = flag.Float64("rate", 25e6, "sample rate in samples per second")
	stackN   = flag.Int("stack", 1000, "pulses stacked into one trace")
	spt      = flag.Int("spt", 1000, "samples per trace")
	pretrig  = flag.Int("pretrig", 100, "samples kept before the trigger")
	trig     = flag.Int("trigger", 1000, "trigger threshold in ADC counts")
	prf      = flag.Float64("prf", 0, "pulse repetition frequency in Hz (0 = detect)")
	prfRound = flag.Float64("prfRound", 0, "round the detected PRF to a multiple of this many Hz (0 = off)")
	spb      = flag.Int("spb", 100000, "samples per receive buffer (scheduled mode: per capture)")
	buffers  = flag.Int("buffers", 64, "preallocated receive buffers")
	mode     = flag.String("mode", "pooled", "acquisition mode (one of: pooled, scheduled)")

	// Scheduled mode
	lookahead  = flag.Int("lookahead", schedule.DefaultLookahead, "periods captures are queued ahead of the radio clock")
	driftEvery = flag.Int("driftEvery", schedule.DefaultDriftEvery, "captures between drift corrections")
	minLead    = flag.Duration("minLead", schedule.DefaultMinLead, "least lead of a capture over the radio clock")

	// Radio
	sdrType = flag.String("sdr", uhd.SourceName, "radio to use (one of: uhd, replay, sim)")

	// UHD
	uhdArgs   = flag.String("uhdArgs", "", "UHD device address, e.g. type=b200")
	uhdTool   = flag.String("uhdTool", "", "path of rx_samples_to_file (default: from $PATH)")
	uhdFreq   = flag.Float64("freq", 0, "center frequency in Hz")
	uhdGain   = flag.Float64("gain", 0, "receive gain in dB")
	uhdSubdev = flag.String("subdev", "A:A", "UHD subdevice")
	uhdRef    = flag.String("ref", "internal", "clock reference (one of: internal, external, gpsdo)")
	uhdAnt    = flag.String("ant", "", "antenna port")

	// Replay
	replayFile = flag.String("replayFile", "", "raw sc16 capture to play back with -sdr=replay")

	// Simulation
	simPRF      = flag.Float64("simPRF", 1000, "PRF of the simulated radar in Hz")
	simAmp      = flag.Int("simAmplitude", 8000, "amplitude of the simulated pulse")
	simNoise    = flag.Int("simNoise", 50, "peak amplitude of the simulated noise")
	simDrift    = flag.Float64("simDrift", 0, "clock drift of the simulated radar in ppm")
	simRealtime = flag.Bool("simRealtime", true, "pace the simulation to the wall clock")

	// Catalog
	catalog        = flag.String("catalog", "", "Trace catalog to keep (one of: csv, sqlite, mysql, groundhog; empty for none)")
	catalogMinPeak = flag.Int64("catalogMinPeak", 0, "leave traces with a smaller peak amplitude out of the catalog")
	sqliteFile     = flag.String("sqliteFile", "/tmp/groundhog.db", "File path of the sqlite DB file to use.")
	mysqlServer    = flag.String("mysqlServer", "127.0.0.1:3306", "MySQL TCP server endpoint to connect to (IP/DNS and port).")
	mysqlUser      = flag.String("mysqlUser", "", "MySQL DB user.")
	mysqlPwdFile   = flag.String("mysqlPasswordFile", "", "Path to the file containing the password for the MySQL user.")
	mysqlDBName    = flag.String("mysqlDBName", "groundhog", "Name of the DB to use.")
	server         = flag.String("server", "http://localhost:8443", "URL scheme, address and port of the groundhog server.")
	serverRecords  = flag.Int("serverRecords", 0, "Defines how many records should be sent to the server at once.")

	// Telemetry
	mqttBroker = flag.String("mqttBroker", "", "MQTT broker (host:port or URL) to publish traces to; empty disables telemetry")
	mqttPrefix = flag.String("mqttPrefix", "groundhog", "MQTT topic prefix")
)

// triggerThreshold narrows the -trigger flag to the ADC sample type.
func triggerThreshold(v int) (int16, error) {
	if v < 0 || v > math.MaxInt16 {
		return 0, fmt.Errorf("-trigger %d outside [0, %d]", v, math.MaxInt16)
	}
	return int16(v), nil
}

func options(trigger int16) sdr.Options {
	return sdr.Options{
		SampleRate:       *rate,
		PRF:              *prf,
		SamplesPerTrace:  *spt,
		PretrigSamples:   *pretrig,
		Stack:            *stackN,
		SamplesPerBuffer: *spb,
		Trigger:          trigger,
	}
}

func openRadio() (sdr.Radio, error) {
	switch strings.ToLower(*sdrType) {
	case uhd.SourceName:
		return uhd.New(uhd.Options{
			Args:       *uhdArgs,
			SampleRate: *rate,
			Freq:       *uhdFreq,
			Gain:       *uhdGain,
			Subdev:     *uhdSubdev,
			Ref:        *uhdRef,
			Antenna:    *uhdAnt,
			Tool:       *uhdTool,
		})
	case replay.SourceName:
		if *replayFile == "" {
			return nil, errors.New("-replayFile is required with -sdr=replay")
		}
		return replay.Open(*replayFile, *rate)
	case sim.SourceName:
		r, _, err := sim.New(sim.Config{
			SampleRate: *rate,
			PRF:        *simPRF,
			Amplitude:  int16(*simAmp),
			Width:      3,
			Echoes:     sim.DefaultEchoes,
			Noise:      int16(*simNoise),
			DriftPPM:   *simDrift,
			Realtime:   *simRealtime,
			Seed:       uint64(time.Now().UnixNano()),
		})
		return r, err
	}
	return nil, fmt.Errorf("%q is not a supported SDR type, pick one of: uhd, replay, sim", *sdrType)
}

func outputPath() (string, error) {
	if *outFile != "" {
		return *outFile, nil
	}
	if *dataDir == "" {
		return "", errors.New("one of -file or -dataDir is required")
	}
	return ghog.NextFileName(*dataDir)
}

func catalogExporter() (export.Exporter, error) {
	var exporter export.Exporter
	switch strings.ToLower(*catalog) {
	case "":
		return nil, nil
	case "csv":
		exporter = &export.CSV{}
	case "sqlite":
		db, err := export.OpenSQLite(*sqliteFile)
		if err != nil {
			return nil, err
		}
		exporter = db
	case "mysql":
		db, err := export.OpenMySQL(export.MySQLConfig{
			Server:       *mysqlServer,
			User:         *mysqlUser,
			PasswordFile: *mysqlPwdFile,
			DBName:       *mysqlDBName,
		})
		if err != nil {
			return nil, err
		}
		exporter = db
	case "groundhog":
		exporter = &export.Remote{
			Server:          *server,
			SendRecordCount: *serverRecords,
		}
	default:
		return nil, fmt.Errorf("%q is not a supported catalog, pick one of: csv, sqlite, mysql, groundhog", *catalog)
	}
	if *catalogMinPeak > 0 {
		exporter = filter.Wrap(exporter, &filter.FilterPeak{Min: *catalogMinPeak})
	}
	return exporter, nil
}

func main() {
	// Set defaults for glog flags. Can be overridden via cmdline.
	flag.Set("logtostderr", "false")
	flag.Set("stderrthreshold", "WARNING")
	flag.Set("v", "1")
	// Parse flags globally.
	flag.Parse()
	defer glog.Flush()

	cfg, err := config.Load(*configFile)
	if err != nil {
		glog.Exit(err)
	}
	if err := config.Apply(flag.CommandLine, cfg, "radar"); err != nil {
		glog.Exitf("invalid config: %s", err)
	}

	if *identifier == "" {
		*identifier = uuid.NewString()
	}
	threshold, err := triggerThreshold(*trig)
	if err != nil {
		glog.Exit(err)
	}
	opts := options(threshold)
	if err := opts.Validate(); err != nil {
		glog.Exit(err)
	}
	*mode = strings.ToLower(*mode)
	if *mode != "pooled" && *mode != "scheduled" {
		glog.Exitf("%q is not a supported mode, pick one of: pooled, scheduled", *mode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SDR setup
	radio, err := openRadio()
	if err != nil {
		glog.Exitf("unable to set up radio: %s", err)
	}
	defer radio.Close()

	opts.PRF, err = acquire.DetectPRF(ctx, radio, opts, *prfRound)
	if err != nil {
		glog.Exitf("unable to determine PRF: %s", err)
	}

	// Output setup
	path, err := outputPath()
	if err != nil {
		glog.Exit(err)
	}
	w, err := ghog.Create(path, ghog.Header{
		SamplesPerTrace:  uint64(opts.SamplesPerTrace),
		PretrigSamples:   uint64(opts.PretrigSamples),
		PRF:              uint64(math.Round(opts.PRF)),
		StackCount:       uint64(opts.Stack),
		TriggerThreshold: opts.Trigger,
		SampleRate:       opts.SampleRate,
	}, ghog.Options{Sync: *syncOut})
	if err != nil {
		glog.Exit(err)
	}

	var secondaries []stack.Sink
	exporter, err := catalogExporter()
	if err != nil {
		w.Close()
		glog.Exitf("unable to set up catalog: %s", err)
	}
	if exporter != nil {
		secondaries = append(secondaries, export.NewSink(ctx, exporter, *identifier, filepath.Base(path), opts.PRF, opts.Stack))
	}
	if *mqttBroker != "" {
		pub, err := telemetry.DialMQTT(telemetry.MQTTConfig{Broker: *mqttBroker, ClientID: "groundhog-" + *identifier})
		if err != nil {
			// Telemetry is optional; the recording goes ahead without it.
			glog.Errorf("telemetry disabled: %s", err)
		} else {
			secondaries = append(secondaries, telemetry.NewReporter(pub, *mqttPrefix+"/"+*identifier, *identifier, opts.PRF, opts.SampleRate))
		}
	}
	sink := stack.Tee(w, secondaries...)

	glog.Infof("recording %s as radar %s in %s mode from %s", path, *identifier, *mode, radio.Name())
	var stats stack.Stats
	if *mode == "scheduled" {
		stats, err = acquire.RunScheduled(ctx, radio, acquire.Scheduled{
			Config: schedule.Config{
				Options:    opts,
				Lookahead:  *lookahead,
				DriftEvery: *driftEvery,
				MinLead:    *minLead,
			},
			Buffers: *buffers,
		}, sink)
	} else {
		stats, err = acquire.RunPooled(ctx, radio, acquire.Pooled{Options: opts, Buffers: *buffers}, sink)
	}
	glog.Infof("recording finished: %s, %d traces in %s", stats, w.Count(), path)
	if err != nil {
		glog.Exitf("recording failed: %s", err)
	}
}
