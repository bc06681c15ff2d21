// Command opmuxtest checks the methods of an opmuxd by round-tripping
// values through them, printing every mismatch.
package main

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/linkdata/opmux"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

type collector struct {
	mu     sync.Mutex
	values []string
}

func (c *collector) Consumer(opmux.OperationContext) (opmux.Consumer, error) { return c, nil }

func (c *collector) Consume(value interface{}) error {
	c.mu.Lock()
	c.values = append(c.values, fmt.Sprint(value))
	c.mu.Unlock()
	return nil
}

func (c *collector) Terminate() error { return nil }

func (c *collector) ConsumeAndTerminate(value interface{}) error { return c.Consume(value) }

func (c *collector) result() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.values, ",")
}

type echoTester struct {
	Client  *opmux.Client
	Timeout time.Duration
	fails   int
}

// check runs name with inputs, the last of which completes the input,
// and compares the joined results with expect.
func (e *echoTester) check(name string, expect string, expectOutcome opmux.Outcome, inputs ...interface{}) {
	c := &collector{}
	var first interface{}
	if len(inputs) > 0 {
		first = inputs[0]
	}
	op, err := e.Client.Operate(name, first, len(inputs) < 2, e.Timeout, opmux.FullSubscription(c), uuid.New())
	if err != nil {
		e.fails++
		fmt.Printf("%s: %v\n", name, err)
		return
	}
	if len(inputs) > 1 {
		for _, v := range inputs[1 : len(inputs)-1] {
			if err = op.Consumer().Consume(v); err != nil {
				break
			}
		}
		if err == nil {
			err = op.Consumer().ConsumeAndTerminate(inputs[len(inputs)-1])
		}
		if err != nil {
			e.fails++
			fmt.Printf("%s: sending: %v\n", name, err)
		}
	}
	ctx := op.Context()
	<-ctx.Done()
	if outcome := ctx.Outcome(); outcome != expectOutcome {
		e.fails++
		fmt.Printf("%s: expect outcome %s, actual %s (%v)\n", name, expectOutcome, outcome, ctx.Err())
		return
	}
	if actual := c.result(); expectOutcome == opmux.OutcomeCompleted && actual != expect {
		e.fails++
		fmt.Printf("%s: expect:\n[%s]\nactual:\n[%s]\n", name, expect, actual)
	}
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		count   int
		timeout time.Duration
	)
	flagSet := pflag.NewFlagSet("opmuxtest", pflag.ContinueOnError)
	flagSet.IntVarP(&count, "count", "n", 100, "number of streaming rounds")
	flagSet.DurationVar(&timeout, "timeout", 10*time.Second, "time budget of each operation")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if flagSet.NArg() < 1 {
		return errors.New("missing required argument: address of opmuxd")
	}

	client := opmux.NewClient(flagSet.Arg(0))
	if addr := flagSet.Arg(0); strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		client.Dial = opmux.DialWebsocket
	}
	defer client.Close()

	et := &echoTester{Client: client, Timeout: timeout}
	et.check("echo", "foo", opmux.OutcomeCompleted, "foo")
	et.check("echo", "foo,bar,baz", opmux.OutcomeCompleted, "foo", "bar", "baz")
	et.check("count", "3", opmux.OutcomeCompleted, "a", "b", "c")
	et.check("fail", "", opmux.OutcomeServicerFailure, "x")
	et.check("nonesuch", "", opmux.OutcomeTransmissionFailure, "x")

	inputs := make([]interface{}, opmux.MaxWindow*2)
	expect := make([]string, len(inputs))
	for i := range inputs {
		inputs[i] = fmt.Sprintf("value %d", i)
		expect[i] = inputs[i].(string)
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	for n := 0; n < count; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := &echoTester{Client: client, Timeout: timeout}
			sub.check("echo", strings.Join(expect, ","), opmux.OutcomeCompleted, inputs...)
			mu.Lock()
			et.fails += sub.fails
			mu.Unlock()
		}()
	}
	wg.Wait()

	fmt.Printf("latency %v, stats %v\n", client.Latency(), client.OperationStats())
	if et.fails > 0 {
		return errors.Errorf("%d checks failed", et.fails)
	}
	return nil
}
