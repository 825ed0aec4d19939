// Command trainplot regenerates static/training_plot.png from a saved training history.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/example/lesion-check/internal/logging"
	"github.com/example/lesion-check/internal/trainplot"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "trainplot",
		Usage: "plot train and validation accuracy from a Keras training history",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "history",
				Aliases: []string{"i"},
				Value:   "training_history.pkl",
				Usage:   "pickled (or .json) history dict",
				EnvVars: []string{"PLOT_HISTORY_PATH"},
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Value:   "static/training_plot.png",
				Usage:   "image to write; format follows the extension",
				EnvVars: []string{"PLOT_OUTPUT_PATH"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
			},
		},
		Action: func(c *cli.Context) error {
			logger, err := logging.NewLogger(c.String("log-level"), "console")
			if err != nil {
				return cli.Exit(err, 2)
			}
			defer logger.Sync() //nolint:errcheck

			ok, err := trainplot.Generate(c.String("history"), c.String("output"), logger)
			if err != nil {
				return cli.Exit(err, 1)
			}
			if !ok {
				logger.Info("no plot written", zap.String("history", c.String("history")))
			}
			return nil
		},
	}
}
