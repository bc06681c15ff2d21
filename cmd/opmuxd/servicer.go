package main

import (
	"github.com/linkdata/opmux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// demoServicer implements the methods opmuxtest exercises.
//
//	echo   relays every input value back as a result
//	count  answers the number of input values once input is complete
//	fail   fails the operation as soon as it is commenced
type demoServicer struct {
	log zerolog.Logger
}

func newDemoServicer(log zerolog.Logger) opmux.Servicer {
	return demoServicer{log: log}
}

func (s demoServicer) Service(name string, ctx opmux.OperationContext, output opmux.Consumer) (opmux.Consumer, error) {
	s.log.Debug().Str("name", name).Stringer("trace", ctx.TraceID()).Msg("service")
	switch name {
	case "echo":
		return output, nil
	case "count":
		return &counter{output: output}, nil
	case "fail":
		return nil, errors.New("failing as requested")
	}
	return nil, opmux.NoSuchMethodError{Name: name}
}

type counter struct {
	output opmux.Consumer
	n      int
}

func (c *counter) Consume(interface{}) error {
	c.n++
	return nil
}

func (c *counter) Terminate() error {
	return c.output.ConsumeAndTerminate(c.n)
}

func (c *counter) ConsumeAndTerminate(value interface{}) error {
	c.n++
	return c.Terminate()
}
