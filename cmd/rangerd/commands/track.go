package commands

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/n0ot/rangerd/pkg/metrics"
	"github.com/n0ot/rangerd/pkg/position"
)

var (
	trackSubject     string
	trackHistorySize int
)

// trackCmd represents the track command
var trackCmd = &cobra.Command{
	Use:   "track [file]",
	Short: "Track a tag from its range reports",
	Long: `track reads range reports such as "an0: 1.42m" from file,
which is usually the serial device of a tag, or from standard input.

Whenever the ranges to both anchors are known, the tag's position is solved,
and written to standard output as a line of JSON.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		s, err := solverFromConfig(cmd)
		if err != nil {
			return err
		}

		var in io.Reader = os.Stdin
		if len(args) > 0 {
			f, err := os.Open(args[0])
			if err != nil {
				return errors.Wrap(err, "Open range source")
			}
			defer f.Close()
			in = f
		}

		collector, err := metrics.New(prometheus.NewRegistry())
		if err != nil {
			return err
		}
		history := position.NewHistory(trackHistorySize)
		tracker := position.NewTracker(s, position.Tee{history, position.NewJSONWriter(os.Stdout)}, trackSubject, log)
		tracker.Metrics = collector

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			// Unblock a pending read.
			<-ctx.Done()
			if c, ok := in.(io.Closer); ok {
				c.Close()
			}
		}()

		log.WithFields(logrus.Fields{
			"anchor0": s.A0,
			"anchor1": s.A1,
			"root":    viper.GetString("solver.root"),
		}).Info("Tracking")
		err = tracker.Run(ctx, in)

		fields := logrus.Fields{"positions": history.Len()}
		if latest, ok := history.Latest(trackSubject); ok {
			fields["latest"] = latest
		}
		log.WithFields(fields).Info("Done tracking")
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func init() {
	RootCmd.AddCommand(trackCmd)
	addSolverFlags(trackCmd)
	trackCmd.Flags().StringVarP(&trackSubject, "subject", "s", "tag", "name recorded with each position")
	trackCmd.Flags().IntVar(&trackHistorySize, "history", position.DefaultHistorySize, "number of positions kept in memory")
}
