package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/logger"
)

const commandMarker = "skill_command"

// ScriptOpener loads in-process skills whose commands are JavaScript
// functions registered with skill_command(config, fn)
type ScriptOpener struct{}

// Validate compiles every command source without running it
func (ScriptOpener) Validate(_ context.Context, bundle Bundle) error {
	sources, err := scriptSources(bundle.Dir)
	if err != nil {
		return newError(KindModuleLoadError, bundle.Name, "failed to enumerate command sources", err)
	}
	for _, path := range sources {
		if _, err := compileScript(path); err != nil {
			return newError(KindSyntaxInvalid, bundle.Name, "", err)
		}
	}
	return nil
}

// Open compiles and runs the command sources in a fresh VM owned by the
// returned module
func (ScriptOpener) Open(ctx context.Context, bundle Bundle) (Module, error) {
	sources, err := scriptSources(bundle.Dir)
	if err != nil {
		return nil, newError(KindModuleLoadError, bundle.Name, "failed to enumerate command sources", err)
	}

	programs := make([]*goja.Program, 0, len(sources))
	for _, path := range sources {
		p, err := compileScript(path)
		if err != nil {
			return nil, newError(KindModuleLoadError, bundle.Name, "", err)
		}
		programs = append(programs, p)
	}

	m := &scriptModule{
		vm:    goja.New(),
		skill: bundle.Name,
		index: make(map[string]int),
	}
	m.vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	log := logger.G(ctx).WithField("skill", bundle.Name)
	if err := m.vm.Set("SKILL_NAME", bundle.Name); err != nil {
		return nil, newError(KindModuleLoadError, bundle.Name, "failed to set globals", err)
	}
	if err := m.vm.Set("SKILL_DIR", bundle.Dir); err != nil {
		return nil, newError(KindModuleLoadError, bundle.Name, "failed to set globals", err)
	}
	if err := m.vm.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.String())
		}
		log.Debug(strings.Join(parts, " "))
		return goja.Undefined()
	}); err != nil {
		return nil, newError(KindModuleLoadError, bundle.Name, "failed to set globals", err)
	}
	if err := m.vm.Set(commandMarker, m.register); err != nil {
		return nil, newError(KindModuleLoadError, bundle.Name, "failed to set globals", err)
	}

	for i, p := range programs {
		if _, err := m.vm.RunProgram(p); err != nil {
			return nil, newError(KindModuleLoadError, bundle.Name, "failed to evaluate "+sources[i], err)
		}
	}
	m.sealed = true

	return m, nil
}

func compileScript(path string) (*goja.Program, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	p, err := goja.Compile(path, string(src), false)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to compile %s", path)
	}
	return p, nil
}

// scriptModule owns one goja runtime. goja runtimes are not safe for
// concurrent use, so invocations of the same skill are serialized.
type scriptModule struct {
	mu       sync.Mutex
	vm       *goja.Runtime
	skill    string
	commands []*Command
	index    map[string]int
	sealed   bool
	closed   bool
}

func (m *scriptModule) Commands() []*Command {
	return m.commands
}

func (m *scriptModule) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.vm = nil
	return nil
}

// register implements skill_command(config, fn)
func (m *scriptModule) register(call goja.FunctionCall) goja.Value {
	if m.sealed {
		panic(m.vm.NewTypeError("%s may only be called while the skill loads", commandMarker))
	}
	fn, ok := goja.AssertFunction(call.Argument(1))
	if !ok {
		panic(m.vm.NewTypeError("%s: second argument must be a function", commandMarker))
	}

	var cfg CommandConfig
	if err := mapstructure.WeakDecode(call.Argument(0).Export(), &cfg); err != nil {
		panic(m.vm.NewTypeError("%s: invalid config: %v", commandMarker, err))
	}

	cmd, err := NewCommand(m.skill, cfg, m.invoker(fn))
	if err != nil {
		panic(m.vm.NewTypeError("%s: %v", commandMarker, err))
	}

	if i, exists := m.index[cmd.Name]; exists {
		m.commands[i] = cmd
	} else {
		m.index[cmd.Name] = len(m.commands)
		m.commands = append(m.commands, cmd)
	}
	return goja.Undefined()
}

func (m *scriptModule) invoker(fn goja.Callable) InvokeFunc {
	return func(ctx context.Context, args map[string]any) (out string, err error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.closed {
			return "", errors.Errorf("skill %s has been unloaded", m.skill)
		}

		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("command panicked: %v", r)
			}
		}()

		interrupted := make(chan struct{})
		stop := context.AfterFunc(ctx, func() {
			m.vm.Interrupt(ctx.Err())
			close(interrupted)
		})
		defer func() {
			if !stop() {
				<-interrupted
			}
			m.vm.ClearInterrupt()
		}()

		if args == nil {
			args = map[string]any{}
		}
		res, err := fn(goja.Undefined(), m.vm.ToValue(args))
		if err != nil {
			return "", scriptFailure(err)
		}
		return stringifyResult(res)
	}
}

func scriptFailure(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return errors.Wrap(cause, "command interrupted")
		}
		return errors.Errorf("command interrupted: %v", interrupted.Value())
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		val := exc.Value()
		if obj, ok := val.(*goja.Object); ok {
			se := &ScriptError{Kind: "Error", Message: exc.Error()}
			if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
				se.Kind = name.String()
			}
			if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
				se.Message = msg.String()
			}
			return se
		}
		if val != nil {
			return &ScriptError{Message: val.String()}
		}
	}
	return err
}

func stringifyResult(v goja.Value) (string, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "", nil
	}
	exported := v.Export()
	if s, ok := exported.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(exported)
	if err != nil {
		return fmt.Sprint(exported), nil
	}
	return string(b), nil
}
