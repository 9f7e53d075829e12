// Package ffmpeg builds transcoding engine command lines and probes media
// with ffprobe.
package ffmpeg

import (
	"context"
	"os/exec"
)

// Option is a single "-key value" pair. An empty Value emits only the key.
type Option struct {
	Key   string
	Value string
}

// Opt is shorthand for an Option.
func Opt(key, value string) Option { return Option{Key: key, Value: value} }

// Flag is an Option without a value.
func Flag(key string) Option { return Option{Key: key} }

// Input is one -i source with the options that precede it.
type Input struct {
	Options []Option
	Source  string
}

// Output is one output target with the options that precede it.
type Output struct {
	Options []Option
	Target  string
}

// Command is a declarative ffmpeg invocation.
type Command struct {
	Global        []Option
	Inputs        []Input
	FilterComplex string
	Outputs       []Output
}

// Args renders the command line without the binary name.
func (c Command) Args() []string {
	var args []string
	add := func(opts []Option) {
		for _, o := range opts {
			args = append(args, "-"+o.Key)
			if o.Value != "" {
				args = append(args, o.Value)
			}
		}
	}
	add(c.Global)
	for _, in := range c.Inputs {
		add(in.Options)
		args = append(args, "-i", in.Source)
	}
	if c.FilterComplex != "" {
		args = append(args, "-filter_complex", c.FilterComplex)
	}
	for _, out := range c.Outputs {
		add(out.Options)
		args = append(args, out.Target)
	}
	return args
}

// Exec returns an exec.Cmd running bin with the rendered arguments.
func (c Command) Exec(ctx context.Context, bin string) *exec.Cmd {
	return exec.CommandContext(ctx, bin, c.Args()...)
}

// Quiet are the global options every long-running invocation uses.
var Quiet = []Option{Flag("hide_banner"), Opt("loglevel", "error"), Flag("nostdin"), Flag("y")}
