package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"masrun/pkg/server"
	"masrun/pkg/version"
)

func main() {
	app := &cli.App{
		Name:    version.ProgramName,
		Version: version.Version,
		Usage:   "A minimal, educational container runtime core with a CRI front door",

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "socket",
				Aliases: []string{"s"},
				Value:   "/run/masrun.sock",
				Usage:   "Path to the Unix Domain Socket",
				EnvVars: []string{"MASRUN_SOCKET"},
			},
			&cli.StringFlag{
				Name:    "root-dir",
				Value:   "/var/lib/masrun",
				Usage:   "Root directory for container layers and the image store",
				EnvVars: []string{"MASRUN_ROOT"},
			},
			&cli.StringFlag{
				Name:    "state-dir",
				Value:   "/run/masrun",
				Usage:   "Directory for per-container state records",
				EnvVars: []string{"MASRUN_STATE"},
			},
			&cli.StringFlag{
				Name:    "runtime",
				Value:   "native",
				Usage:   "Runtime backend: native (built-in) or oci (runc shell-out)",
				EnvVars: []string{"MASRUN_RUNTIME"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
			},
			&cli.StringFlag{
				Name:  "cni-bin-dir",
				Value: "/opt/cni/bin",
				Usage: "Path to CNI plugin binaries",
			},
			&cli.StringFlag{
				Name:  "cni-conf-dir",
				Value: "/etc/cni/net.d",
				Usage: "Path to CNI configuration files",
			},
			&cli.StringFlag{
				Name:  "cni-cache-dir",
				Value: "/var/lib/cni",
				Usage: "Path to CNI cache directory",
			},
		},

		Action: func(c *cli.Context) error {
			if c.Bool("debug") {
				logrus.SetLevel(logrus.DebugLevel)
			}
			logrus.SetFormatter(&logrus.TextFormatter{
				FullTimestamp: true,
			})

			srv, err := server.New(server.Options{
				SocketPath:  c.String("socket"),
				RootDir:     c.String("root-dir"),
				StateDir:    c.String("state-dir"),
				RuntimeMode: c.String("runtime"),
				CNIConfDir:  c.String("cni-conf-dir"),
				CNIBinDirs:  []string{c.String("cni-bin-dir")},
				CNICacheDir: c.String("cni-cache-dir"),
			})
			if err != nil {
				return err
			}

			// Start() 阻塞到进程退出或出错
			if err := srv.Start(); err != nil {
				logrus.Fatalf("Server failed: %v", err)
				return err
			}
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
