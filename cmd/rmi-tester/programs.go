package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/teslashibe/go-rmi/pkg/motion"
	"github.com/teslashibe/go-rmi/pkg/orchestrator"
	"github.com/teslashibe/go-rmi/pkg/robot"
)

// Overlaps used by the test programs.
var (
	os100 = motion.SuppressPosition(100)
	oa10  = motion.Absolute(10, 360, 40, 3, 0)
)

// Positions.
var (
	apHome     = motion.Joints(0, -2.1, -1.3, -1.4, 1.5, 0, -0.3)
	apHomeRob2 = motion.Joints(0, -2.1, -1.3, -1.4, 1.5, 0)
	apHomeTemp = motion.Joints(2.9502, -0.9177, -1.347, -2.5049, 0.7632, 3.512, -0.3)
)

// square returns the four corners of the test square at z=0.365 with the
// gripper pointing down.
func square() [4]motion.QuaternionPosition {
	aux := mustAux("aux1:-300")
	corner := func(x, y float64) motion.QuaternionPosition {
		return motion.MustQuaternion([]float64{x, y, 0.365, 0, 0, 1, 0}, aux)
	}
	return [4]motion.QuaternionPosition{
		corner(0.3, -0.6),
		corner(0.6, -0.6),
		corner(0.6, -0.3),
		corner(0.3, -0.3),
	}
}

func mustAux(specs ...string) map[string]float64 {
	aux, err := motion.ParseAux(specs...)
	if err != nil {
		panic(err)
	}
	return aux
}

// testProgram builds the per-robot programs for one tester command.
type testProgram struct {
	Name        string
	Description string
	Build       func(c *cell) ([]orchestrator.Program, error)
}

var registry = map[string]testProgram{}

func register(p testProgram) {
	registry[p.Name] = p
}

func programNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// single wraps one robot body as a one-program build.
func single(robotName string, run func(ctx context.Context, h *robot.Handle) error) func(c *cell) ([]orchestrator.Program, error) {
	return func(c *cell) ([]orchestrator.Program, error) {
		h, err := c.handle(robotName)
		if err != nil {
			return nil, err
		}
		return []orchestrator.Program{{Handle: h, Run: run}}, nil
	}
}

func init() {
	register(testProgram{
		Name:        "move_square",
		Description: "rob1: home, then trace a square with a wait point before the last edge",
		Build:       single("rob1", moveSquare),
	})
	register(testProgram{
		Name:        "move_square_generic",
		Description: "rob1: home with cell settings, then trace a square",
		Build:       single("rob1", moveSquareGeneric),
	})
	register(testProgram{
		Name:        "do_settings",
		Description: "rob1: send a settings change only",
		Build:       single("rob1", doSettings),
	})
	register(testProgram{
		Name:        "do_something",
		Description: "rob2 home and rob1 to a temporary pose, concurrently",
		Build: func(c *cell) ([]orchestrator.Program, error) {
			return c.programs(map[string]func(context.Context, *robot.Handle) error{
				"rob2": homeRob2WithSettings,
				"rob1": homeTemp,
			}, "rob2", "rob1")
		},
	})
	register(testProgram{
		Name:        "home_rob1",
		Description: "rob1: move home",
		Build:       single("rob1", homeRob1),
	})
	register(testProgram{
		Name:        "home_rob2",
		Description: "rob2: move home",
		Build:       single("rob2", homeRob2),
	})
	register(testProgram{
		Name:        "home_both",
		Description: "rob1 and rob2: move home concurrently",
		Build: func(c *cell) ([]orchestrator.Program, error) {
			return c.programs(map[string]func(context.Context, *robot.Handle) error{
				"rob1": homeRob1,
				"rob2": homeRob2,
			}, "rob1", "rob2")
		},
	})
}

func moveSquare(ctx context.Context, h *robot.Handle) error {
	corners := square()
	dyn := robot.WithDynamic(motion.Medium)
	ovl := robot.WithOverlap(oa10)

	if err := h.ProgStart(); err != nil {
		return err
	}
	if err := h.Configure(robot.WithDynamic(motion.Fast), robot.WithOverlap(oa10)); err != nil {
		return err
	}
	if _, err := h.MoveJoint(apHome); err != nil {
		return err
	}
	if _, err := h.MoveJoint(corners[0], dyn, ovl); err != nil {
		return err
	}
	for _, p := range corners[1:] {
		if _, err := h.MoveLinear(p, dyn, ovl); err != nil {
			return err
		}
	}
	b, err := h.WaitForCompletion()
	if err != nil {
		return err
	}
	if _, err := h.MoveLinear(corners[0], dyn, ovl); err != nil {
		return err
	}
	if err := h.ProgRun(ctx); err != nil {
		return err
	}
	if err := b.Wait(ctx); err != nil {
		return fmt.Errorf("square corner 4: %w", err)
	}
	return nil
}

func moveSquareGeneric(ctx context.Context, h *robot.Handle) error {
	corners := square()
	dyn := robot.WithDynamic(motion.Medium)
	ovl := robot.WithOverlap(oa10)

	if err := h.ProgStart(); err != nil {
		return err
	}
	if err := h.Configure(robot.WithDynamic(motion.Medium), robot.WithOverlap(os100)); err != nil {
		return err
	}
	if _, err := h.MoveJoint(apHome); err != nil {
		return err
	}
	if _, err := h.MoveJoint(corners[0], dyn, ovl); err != nil {
		return err
	}
	for _, p := range append(corners[1:], corners[0]) {
		if _, err := h.MoveLinear(p, dyn, ovl); err != nil {
			return err
		}
	}
	return h.ProgRun(ctx)
}

func doSettings(ctx context.Context, h *robot.Handle) error {
	if err := h.ProgStart(); err != nil {
		return err
	}
	if err := h.Configure(robot.WithDynamic(motion.Fast)); err != nil {
		return err
	}
	return h.ProgRun(ctx)
}

func homeTemp(ctx context.Context, h *robot.Handle) error {
	if err := h.ProgStart(); err != nil {
		return err
	}
	if err := h.Configure(robot.WithDynamic(motion.Fast), robot.WithOverlap(oa10)); err != nil {
		return err
	}
	if _, err := h.MoveJoint(apHomeTemp); err != nil {
		return err
	}
	return h.ProgRun(ctx)
}

func homeRob1(ctx context.Context, h *robot.Handle) error {
	if err := h.ProgStart(); err != nil {
		return err
	}
	if _, err := h.MoveJoint(apHome, robot.WithDynamic(motion.Fast)); err != nil {
		return err
	}
	return h.ProgRun(ctx)
}

func homeRob2(ctx context.Context, h *robot.Handle) error {
	if err := h.ProgStart(); err != nil {
		return err
	}
	if _, err := h.MoveJoint(apHomeRob2, robot.WithDynamic(motion.Fast)); err != nil {
		return err
	}
	return h.ProgRun(ctx)
}

func homeRob2WithSettings(ctx context.Context, h *robot.Handle) error {
	if err := h.ProgStart(); err != nil {
		return err
	}
	if err := h.Configure(robot.WithDynamic(motion.Fast), robot.WithOverlap(oa10)); err != nil {
		return err
	}
	if _, err := h.MoveJoint(apHomeRob2); err != nil {
		return err
	}
	return h.ProgRun(ctx)
}
