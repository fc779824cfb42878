package skills

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/logger"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

const defaultRetryDelay = 100 * time.Millisecond

// Invocation describes one executed command call
type Invocation struct {
	Skill     string
	Command   string
	Args      map[string]any
	Result    string
	Err       error
	Cached    bool
	Attempts  int
	StartedAt time.Time
	Duration  time.Duration
}

// Recorder persists executed invocations
type Recorder interface {
	Record(ctx context.Context, inv Invocation) error
}

// Executor is the single entry point for running skill commands
type Executor struct {
	registry   *Registry
	lifecycle  *Lifecycle
	memory     *MemoryManager
	cache      *ResultCache
	jit        *JITLoader
	recorder   Recorder
	afterLoad  func(ctx context.Context, name string)
	retryDelay time.Duration
	now        func() time.Time
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithRecorder records every invocation
func WithRecorder(r Recorder) ExecutorOption {
	return func(e *Executor) { e.recorder = r }
}

// WithAfterLoad runs fn with the skill name after every successful JIT load
func WithAfterLoad(fn func(ctx context.Context, name string)) ExecutorOption {
	return func(e *Executor) { e.afterLoad = fn }
}

// WithRetryDelay sets the base delay between retried attempts
func WithRetryDelay(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.retryDelay = d }
}

// NewExecutor creates a command executor. jit may be nil to disable
// on-demand loading.
func NewExecutor(registry *Registry, lifecycle *Lifecycle, memory *MemoryManager, cache *ResultCache, jit *JITLoader, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:   registry,
		lifecycle:  lifecycle,
		memory:     memory,
		cache:      cache,
		jit:        jit,
		retryDelay: defaultRetryDelay,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes a skill command. The "help" command returns the skill's
// documentation. Failures are returned as *Error.
func (e *Executor) Run(ctx context.Context, skillName, command string, args map[string]any) (result string, err error) {
	ctx, span := telemetry.Tracer("skills").Start(ctx, "skills.run")
	span.SetAttributes(attribute.String("skill.name", skillName), attribute.String("skill.command", command))
	defer func() { telemetry.EndSpan(span, err) }()

	log := logger.G(ctx).WithField("skill", skillName).WithField("command", command)
	ctx = logger.WithLogger(ctx, log)

	skill, err := e.resolveSkill(ctx, skillName)
	if err != nil {
		return "", err
	}

	if command == HelpCommand {
		return skill.Context(), nil
	}

	e.memory.Touch(skill.Name)

	cmd := e.resolveCommand(skill, command)
	if cmd == nil {
		return "", &Error{
			Kind:      KindCommandNotFound,
			Skill:     skill.Name,
			Command:   command,
			Message:   "command not found",
			Available: skill.CommandNames(),
		}
	}

	inv := Invocation{Skill: skill.Name, Command: cmd.Name, Args: args, StartedAt: e.now()}

	if cached, ok := e.cache.TryGet(skill, cmd, args); ok {
		log.Debug("result cache hit")
		span.SetAttributes(attribute.Bool("skill.cached", true))
		inv.Result, inv.Cached = cached, true
		e.record(ctx, inv)
		return cached, nil
	}

	out, attempts, invokeErr := e.invoke(ctx, cmd, args)
	inv.Attempts = attempts
	inv.Duration = e.now().Sub(inv.StartedAt)
	if invokeErr != nil {
		err = &Error{
			Kind:    KindCommandExecutionFailed,
			Skill:   skill.Name,
			Command: cmd.Name,
			Err:     invokeErr,
		}
		inv.Err = err
		e.record(ctx, inv)
		log.WithError(invokeErr).WithField("attempts", attempts).Warn("command failed")
		return "", err
	}

	e.cache.Store(skill, cmd, args, out)
	inv.Result = out
	e.record(ctx, inv)
	return out, nil
}

func (e *Executor) resolveSkill(ctx context.Context, name string) (*Skill, error) {
	if skill := e.lifecycle.EnsureFresh(ctx, name); skill != nil {
		return skill, nil
	}

	if e.jit != nil && e.jit.TryLoad(ctx, name) {
		if e.afterLoad != nil {
			e.afterLoad(ctx, name)
		}
		if skill := e.registry.GetSkill(name); skill != nil {
			return skill, nil
		}
	}

	return nil, &Error{
		Kind:      KindSkillNotFound,
		Skill:     name,
		Message:   "skill not found",
		Available: e.registry.SkillNames(),
	}
}

// resolveCommand looks the command up by name, then by the
// "<skill>_<command>" convention. Only commands of the skill qualify.
func (e *Executor) resolveCommand(skill *Skill, command string) *Command {
	for _, name := range []string{command, skill.Name + "_" + command} {
		if cmd := e.registry.GetCommand(skill.Name, name); cmd != nil && cmd.Skill == skill.Name {
			return cmd
		}
		if cmd, ok := skill.Commands[name]; ok {
			return cmd
		}
	}
	return nil
}

func (e *Executor) invoke(ctx context.Context, cmd *Command, args map[string]any) (string, int, error) {
	var (
		out      string
		attempts int
	)
	maxAttempts := uint(1)
	if cmd.MaxAttempts > 1 {
		maxAttempts = uint(cmd.MaxAttempts)
	}
	err := retry.Do(
		func() error {
			attempts++
			r, err := cmd.Invoke(ctx, args)
			if err != nil {
				return err
			}
			out = r
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(maxAttempts),
		retry.Delay(e.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return cmd.Retryable(failureKind(err))
		}),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).WithField("attempt", n+1).Debug("retrying command")
		}),
	)
	return out, attempts, err
}

func (e *Executor) record(ctx context.Context, inv Invocation) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.Record(ctx, inv); err != nil {
		logger.G(ctx).WithError(err).Warn("failed to record invocation")
	}
}
