package runtimes

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rhuss/kapsel/pkg/runner"
)

// registry maps runtime names to constructors.
var registry = map[string]func() (runner.Runtime, error){
	"echo": func() (runner.Runtime, error) { return runner.RuntimeFunc(Echo), nil },
	"env":  func() (runner.Runtime, error) { return runner.RuntimeFunc(Env), nil },
	"chat": func() (runner.Runtime, error) { return NewChatFromEnv(os.LookupEnv) },
}

// Names returns the registered runtime names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup builds the runtime registered under name.
func Lookup(name string) (runner.Runtime, error) {
	build, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown runtime %q (available: %s)", name, strings.Join(Names(), ", "))
	}
	return build()
}

// Echo emits the message as an "echo" event and returns it as the result.
func Echo(_ context.Context, in runner.Input, emit runner.EmitFunc) (any, error) {
	if err := emit("echo", map[string]string{"text": in.Message}); err != nil {
		return nil, err
	}
	return in.Message, nil
}

// EnvReport is the result of the env runtime.
type EnvReport struct {
	Env  []string `json:"env"`
	Cwd  string   `json:"cwd"`
	Root string   `json:"root"`
}

// Env reports the process environment and working directory. It is used
// to check what a sandbox actually sees.
func Env(_ context.Context, in runner.Input, emit runner.EmitFunc) (any, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	env := os.Environ()
	sort.Strings(env)
	report := EnvReport{Env: env, Cwd: cwd, Root: in.Root}
	if err := emit("env", report); err != nil {
		return nil, err
	}
	return report, nil
}
