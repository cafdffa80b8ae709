package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"slices"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/ruteri/cvm-boot-sequencer/cmd/flags"
	"github.com/ruteri/cvm-boot-sequencer/common"
	"github.com/ruteri/cvm-boot-sequencer/config"
	"github.com/ruteri/cvm-boot-sequencer/instanceutils"
	"github.com/ruteri/cvm-boot-sequencer/instanceutils/blockdev"
	"github.com/ruteri/cvm-boot-sequencer/instanceutils/diskutil"
	"github.com/ruteri/cvm-boot-sequencer/instanceutils/mounts"
	"github.com/ruteri/cvm-boot-sequencer/sequencer"
)

const usage = `Boot a confidential VM from the initramfs.

Verifies the root filesystem with dm-verity, mounts it read-only, provisions the
single remaining disk as LUKS2 encrypted state with a fresh key, assembles an
overlay root and execs init in it. Any failure halts the boot.`

func main() {
	app := &cli.App{
		Name:  "boot-sequencer",
		Usage: usage,
		Flags: slices.Concat(flags.LogFlags, flags.BootFlags),
		Action: func(cCtx *cli.Context) error {
			logger, bootID := flags.SetupLogger(cCtx)

			cfg, err := flags.LoadConfig(cCtx)
			if err != nil {
				logger.Log(cCtx.Context, common.LevelFail, "invalid configuration", "err", err)
				return err
			}

			// Run only returns on failure; it has already logged the failed step.
			return newSequencer(cfg, logger, bootID).Run(cCtx.Context)
		},
		Commands: []*cli.Command{
			{
				Name:  "inspect",
				Usage: "print boot parameters and device roles without changing anything",
				Action: func(cCtx *cli.Context) error {
					logger, bootID := flags.SetupLogger(cCtx)

					cfg, err := flags.LoadConfig(cCtx)
					if err != nil {
						return err
					}

					in, err := newSequencer(cfg, logger, bootID).Inspect(cCtx.Context)
					if err != nil {
						return err
					}

					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(in)
				},
			},
		},
	}

	if err := app.RunContext(context.Background(), os.Args); err != nil {
		log.SetFlags(0)
		log.SetPrefix("FAIL: boot-sequencer: ")
		log.Fatal(err)
	}
}

func newSequencer(cfg config.Config, logger *slog.Logger, bootID uuid.UUID) *sequencer.Sequencer {
	runner := instanceutils.NewExecRunner(logger)
	return sequencer.New(cfg, sequencer.Deps{
		Index:     &blockdev.LsblkIndex{Runner: runner},
		Verifier:  &diskutil.Veritysetup{Runner: runner},
		Encryptor: &diskutil.Cryptsetup{Runner: runner},
		Formatter: &diskutil.Formatter{Runner: runner},
		Mounter:   mounts.UnixMounter{},
		Switcher:  mounts.UnixSwitcher{},
	}, logger, bootID)
}
