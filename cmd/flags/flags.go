package flags

import (
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/ruteri/cvm-boot-sequencer/common"
	"github.com/ruteri/cvm-boot-sequencer/config"
)

// SetupLogger builds the logger from the log flags. The returned id is the boot ID;
// with --log-uid it is also attached to every log line. Log lines also go to the
// --log-kmsg device, which is opened as soon as it exists.
func SetupLogger(cCtx *cli.Context) (log *slog.Logger, id uuid.UUID) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String(LogServiceFlag.Name)

	var out io.Writer = os.Stderr
	var kernelLog *common.KernelLog
	if path := cCtx.String(LogKmsgFlag.Name); path != "" {
		kernelLog = common.NewKernelLog(path)
		out = io.MultiWriter(os.Stderr, kernelLog)
	}

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Console: !logJSON,
		Service: logService,
		Version: common.Version,
		Output:  out,
	})

	id = uuid.Must(uuid.NewRandom())
	if logUID {
		logger = logger.With("uid", id.String())
	}
	if kernelLog != nil {
		if err := kernelLog.Err(); err != nil {
			logger.Warn("kernel log not available yet, retrying once /dev is mounted", "err", err)
		}
	}
	return logger, id
}

// LoadConfig reads the layout file and applies the explicitly set boot flags on top.
func LoadConfig(cCtx *cli.Context) (config.Config, error) {
	cfg, err := config.Load(cCtx.String(ConfigFlag.Name))
	if err != nil {
		return config.Config{}, err
	}

	if cCtx.IsSet(CmdlineFlag.Name) {
		cfg.Cmdline = cCtx.String(CmdlineFlag.Name)
	}
	if cCtx.IsSet(TargetRootFlag.Name) {
		cfg.TargetRoot = cCtx.String(TargetRootFlag.Name)
	}
	if cCtx.IsSet(InitFlag.Name) {
		cfg.Init = cCtx.String(InitFlag.Name)
	}
	if cCtx.IsSet(MountPseudoFSFlag.Name) {
		cfg.MountPseudoFS = cCtx.Bool(MountPseudoFSFlag.Name)
	}
	if cCtx.IsSet(BootEvidenceFlag.Name) {
		cfg.BootEvidence = cCtx.Bool(BootEvidenceFlag.Name)
	}
	if cCtx.IsSet(DeviceWaitFlag.Name) {
		cfg.DeviceWait = cCtx.Duration(DeviceWaitFlag.Name)
	}
	if cCtx.IsSet(StepTimeoutFlag.Name) {
		cfg.StepTimeout = cCtx.Duration(StepTimeoutFlag.Name)
	}
	if cCtx.IsSet(HeartbeatFlag.Name) {
		cfg.Heartbeat = cCtx.Duration(HeartbeatFlag.Name)
	}

	return cfg, cfg.Validate()
}

var LogJsonFlag = &cli.BoolFlag{
	Name:    "log-json",
	Value:   false,
	Usage:   "log in JSON format instead of console lines",
	EnvVars: []string{"LOG_JSON"},
}
var LogDebugFlag = &cli.BoolFlag{
	Name:    "log-debug",
	Value:   false,
	Usage:   "log debug messages",
	EnvVars: []string{"LOG_DEBUG"},
}
var LogUidFlag = &cli.BoolFlag{
	Name:    "log-uid",
	Value:   false,
	Usage:   "add the boot id to all log messages",
	EnvVars: []string{"LOG_UID"},
}
var LogServiceFlag = &cli.StringFlag{
	Name:    "log-service",
	Value:   "boot-sequencer",
	Usage:   "service name shown in every log line",
	EnvVars: []string{"LOG_SERVICE"},
}
var LogKmsgFlag = &cli.StringFlag{
	Name:    "log-kmsg",
	Value:   "/dev/kmsg",
	Usage:   "also write log lines to this kernel log device, empty to disable",
	EnvVars: []string{"LOG_KMSG"},
}

var ConfigFlag = &cli.StringFlag{
	Name:    "config",
	Value:   config.DefaultPath,
	Usage:   "layout file, a missing file selects the built-in layout",
	EnvVars: []string{"BOOT_SEQUENCER_CONFIG"},
}
var CmdlineFlag = &cli.StringFlag{
	Name:    "cmdline",
	Value:   config.Default().Cmdline,
	Usage:   "file to read the kernel command line from",
	EnvVars: []string{"BOOT_CMDLINE"},
}
var TargetRootFlag = &cli.StringFlag{
	Name:    "target-root",
	Value:   config.Default().TargetRoot,
	Usage:   "where the overlay root is assembled",
	EnvVars: []string{"BOOT_TARGET_ROOT"},
}
var InitFlag = &cli.StringFlag{
	Name:    "init",
	Value:   config.Default().Init,
	Usage:   "init to exec in the new root",
	EnvVars: []string{"BOOT_INIT"},
}
var MountPseudoFSFlag = &cli.BoolFlag{
	Name:    "mount-pseudo-fs",
	Value:   config.Default().MountPseudoFS,
	Usage:   "mount /proc, /sys and /dev before starting",
	EnvVars: []string{"BOOT_MOUNT_PSEUDO_FS"},
}
var BootEvidenceFlag = &cli.BoolFlag{
	Name:    "boot-evidence",
	Value:   config.Default().BootEvidence,
	Usage:   "write a boot report with a TEE quote into the new root",
	EnvVars: []string{"BOOT_EVIDENCE"},
}
var DeviceWaitFlag = &cli.DurationFlag{
	Name:    "device-wait",
	Value:   config.Default().DeviceWait,
	Usage:   "how long to wait for the root device to appear",
	EnvVars: []string{"BOOT_DEVICE_WAIT"},
}
var StepTimeoutFlag = &cli.DurationFlag{
	Name:    "step-timeout",
	Value:   config.Default().StepTimeout,
	Usage:   "time limit for each boot step, 0 disables",
	EnvVars: []string{"BOOT_STEP_TIMEOUT"},
}
var HeartbeatFlag = &cli.DurationFlag{
	Name:    "heartbeat",
	Value:   config.Default().Heartbeat,
	Usage:   "interval of progress messages while a step runs, 0 disables",
	EnvVars: []string{"BOOT_HEARTBEAT"},
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
	LogKmsgFlag,
}

var BootFlags = []cli.Flag{
	ConfigFlag,
	CmdlineFlag,
	TargetRootFlag,
	InitFlag,
	MountPseudoFSFlag,
	BootEvidenceFlag,
	DeviceWaitFlag,
	StepTimeoutFlag,
	HeartbeatFlag,
}
