package commands

import (
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/n0ot/rangerd/pkg/solver"
)

var showCandidates bool

// solveCmd represents the solve command
var solveCmd = &cobra.Command{
	Use:   "solve r0 r1",
	Short: "Solve a tag's position from its ranges to two anchors",
	Long: `solve prints the position of a tag r0 meters from anchor 0,
and r1 meters from anchor 1.

Anchor positions, tolerance and the root policy come from the solver
section of the config file, or from flags.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ranges [2]float64
		for i, arg := range args {
			r, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return errors.Wrapf(err, "r%d", i)
			}
			ranges[i] = r
		}

		s, err := solverFromConfig(cmd)
		if err != nil {
			return err
		}
		if showCandidates {
			right, left, ok := s.Candidates(ranges[0], ranges[1])
			if !ok {
				fmt.Println(solver.NoFix)
				return nil
			}
			fmt.Printf("right: %s\nleft: %s\n", right, left)
			return nil
		}
		fmt.Println(s.Solve(ranges[0], ranges[1]))
		return nil
	},
}

func init() {
	RootCmd.AddCommand(solveCmd)
	addSolverFlags(solveCmd)
	solveCmd.Flags().BoolVarP(&showCandidates, "candidates", "c", false, "print both intersection points instead of choosing one")
}

// addSolverFlags adds the flags shared by commands that solve positions.
func addSolverFlags(cmd *cobra.Command) {
	a0, a1 := solver.DefaultAnchors[0], solver.DefaultAnchors[1]
	cmd.Flags().String("anchor0", fmt.Sprintf("%g,%g", a0.X, a0.Y), "position of anchor 0 as x,y in meters")
	cmd.Flags().String("anchor1", fmt.Sprintf("%g,%g", a1.X, a1.Y), "position of anchor 1 as x,y in meters")
	cmd.Flags().Float64("tolerance", solver.DefaultTolerance, "slack in meters allowed when circles barely miss")
	cmd.Flags().String("root", "right", "which intersection to pick: right, left, or nearest")
}

// solverFromConfig builds a solver from the solver config section,
// overridden by cmd's flags.
// Flags are bound here rather than in init, since several commands define them.
func solverFromConfig(cmd *cobra.Command) (*solver.Solver, error) {
	for _, name := range []string{"anchor0", "anchor1", "tolerance", "root"} {
		viper.BindPFlag("solver."+name, cmd.Flags().Lookup(name))
	}

	a0, err := solver.ParsePoint(viper.GetString("solver.anchor0"))
	if err != nil {
		return nil, errors.Wrap(err, "anchor0")
	}
	a1, err := solver.ParsePoint(viper.GetString("solver.anchor1"))
	if err != nil {
		return nil, errors.Wrap(err, "anchor1")
	}
	root, err := solver.ParseRootPolicy(viper.GetString("solver.root"))
	if err != nil {
		return nil, err
	}

	s := solver.New(a0, a1, viper.GetFloat64("solver.tolerance"))
	s.Root = root
	return s, nil
}
