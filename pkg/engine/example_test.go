package engine_test

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/openfroyo/sequencer/pkg/engine"
	"github.com/openfroyo/sequencer/pkg/env"
)

// Example_forLoop runs a counted loop and prints each iteration.
func Example_forLoop() {
	environment := env.New()

	e := engine.New([]engine.Command{
		engine.NewFor("i", engine.Range{Lower: 1, Upper: 3}),
		engine.NewPrint("iteration ${i}"),
		engine.NewEndFor("i"),
	},
		engine.WithEnvironment(environment),
		engine.WithLogger(zerolog.Nop()),
		engine.WithOutput(os.Stdout),
	)

	q := engine.NewSerialQueue("example")
	defer q.Close()

	e.Run(q)
	<-e.Done()

	i, _ := env.Int(environment, "i")
	fmt.Println("status:", e.Status(), "i:", i)

	// Output:
	// iteration 1
	// iteration 2
	// iteration 3
	// status: succeeded i: 4
}

// Example_subScript runs a nested script that shares the environment.
func Example_subScript() {
	environment := env.New()

	greet := engine.NewRun("greet", []engine.Command{
		engine.NewSetValue("greeting", "hello"),
		engine.NewPrint("${greeting} from the sub-script"),
	})

	e, _ := engine.RunCommands([]engine.Command{
		engine.NewPrint("before"),
		greet,
		engine.NewPrint("${greeting} again"),
	}, environment, engine.NewSerialQueue("example"), engine.WithLogger(zerolog.Nop()))
	<-e.Done()

	// Output:
	// before
	// hello from the sub-script
	// hello again
}

// Example_ifElse branches on a condition.
func Example_ifElse() {
	environment := env.New()
	environment.Set("score", 7)

	passed := engine.When(func(e *env.Environment) bool {
		score, _ := env.Int(e, "score")
		return score >= 5
	})

	e := engine.New([]engine.Command{
		engine.NewIf("pass", passed),
		engine.NewThen("pass"),
		engine.NewPrint("passed with ${score}"),
		engine.NewElse("pass"),
		engine.NewPrint("failed with ${score}"),
		engine.NewEndIf("pass"),
	}, engine.WithEnvironment(environment), engine.WithLogger(zerolog.Nop()))

	e.Run(engine.DefaultQueue())
	<-e.Done()

	// Output:
	// passed with 7
}
