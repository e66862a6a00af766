package pipeline

import (
	"context"
	"errors"

	"github.com/ralph-fleet/ralphd/internal/ralphtypes"
)

// Middleware wraps a StageCommand to add a cross-cutting concern, the
// same decorator shape hugo/middleware.Middleware uses for build stages.
type Middleware func(StageCommand) StageCommand

// Chain applies middlewares to cmd in order, so the first middleware
// listed is the outermost wrapper.
func Chain(cmd StageCommand, middlewares ...Middleware) StageCommand {
	for i := len(middlewares) - 1; i >= 0; i-- {
		cmd = middlewares[i](cmd)
	}
	return cmd
}

// wrappedCommand adapts a closure into a StageCommand that otherwise
// delegates its metadata to the wrapped command.
type wrappedCommand struct {
	wrapped StageCommand
	execute func(ctx context.Context, ws *WorkerState) StageExecution
}

func newWrapped(wrapped StageCommand, execute func(ctx context.Context, ws *WorkerState) StageExecution) *wrappedCommand {
	return &wrappedCommand{wrapped: wrapped, execute: execute}
}

func (w *wrappedCommand) Name() StageName           { return w.wrapped.Name() }
func (w *wrappedCommand) Description() string       { return w.wrapped.Description() }
func (w *wrappedCommand) Dependencies() []StageName { return w.wrapped.Dependencies() }
func (w *wrappedCommand) Execute(ctx context.Context, ws *WorkerState) StageExecution {
	return w.execute(ctx, ws)
}

// ContextMiddleware fails fast on a canceled context before entering the
// stage body.
func ContextMiddleware() Middleware {
	return func(cmd StageCommand) StageCommand {
		return newWrapped(cmd, func(ctx context.Context, ws *WorkerState) StageExecution {
			select {
			case <-ctx.Done():
				return ExecutionFailure(ctx.Err())
			default:
				return cmd.Execute(ctx, ws)
			}
		})
	}
}

// SkipMiddleware honors a command's ShouldSkip precondition, if it
// implements one, without the stage body needing to check it itself.
func SkipMiddleware() Middleware {
	return func(cmd StageCommand) StageCommand {
		return newWrapped(cmd, func(ctx context.Context, ws *WorkerState) StageExecution {
			if skipper, ok := cmd.(interface{ ShouldSkip(*WorkerState) bool }); ok && skipper.ShouldSkip(ws) {
				if logger, ok := cmd.(interface{ LogStageSkipped() }); ok {
					logger.LogStageSkipped()
				}
				return ExecutionSuccessWithSkip()
			}
			return cmd.Execute(ctx, ws)
		})
	}
}

// LoggingMiddleware logs stage start/success/failure through whatever
// LogStage* methods the command exposes (BaseCommand supplies them).
func LoggingMiddleware() Middleware {
	return func(cmd StageCommand) StageCommand {
		return newWrapped(cmd, func(ctx context.Context, ws *WorkerState) StageExecution {
			if logger, ok := cmd.(interface{ LogStageStart() }); ok {
				logger.LogStageStart()
			}
			result := cmd.Execute(ctx, ws)
			if logger, ok := cmd.(interface {
				LogStageSuccess()
				LogStageFailure(error)
			}); ok {
				if result.IsSuccess() {
					logger.LogStageSuccess()
				} else {
					logger.LogStageFailure(result.Err)
				}
			}
			return result
		})
	}
}

// ErrorHandlingMiddleware wraps an unwrapped stage error with its stage
// name so a Pipeline.Execute caller can always recover which stage
// failed via errors.As.
func ErrorHandlingMiddleware() Middleware {
	return func(cmd StageCommand) StageCommand {
		return newWrapped(cmd, func(ctx context.Context, ws *WorkerState) StageExecution {
			result := cmd.Execute(ctx, ws)
			if result.Err != nil {
				var execErr *ExecutionError
				if !errors.As(result.Err, &execErr) {
					result.Err = &ExecutionError{Command: cmd.Name(), Cause: result.Err}
				}
			}
			return result
		})
	}
}

// CheckpointMiddleware hands a stage's recorded ws.Checkpoint to emit
// after a successful, non-skipped execution, clearing it first so the next
// stage starts clean. It calls emit once per recorded checkpoint and does
// no deduplication of its own.
func CheckpointMiddleware(emit func(ws *WorkerState, cp ralphtypes.Checkpoint) error) Middleware {
	return func(cmd StageCommand) StageCommand {
		return newWrapped(cmd, func(ctx context.Context, ws *WorkerState) StageExecution {
			result := cmd.Execute(ctx, ws)
			if result.IsSuccess() && !result.Skip && ws.Checkpoint != nil {
				cp := *ws.Checkpoint
				ws.Checkpoint = nil
				if err := emit(ws, cp); err != nil {
					return ExecutionFailure(err)
				}
			}
			return result
		})
	}
}

// DefaultMiddleware is the standard stack applied to every stage command
// a RepoWorker registers: context check, error wrapping, logging, then
// skip handling.
func DefaultMiddleware() []Middleware {
	return []Middleware{
		ContextMiddleware(),
		ErrorHandlingMiddleware(),
		LoggingMiddleware(),
		SkipMiddleware(),
	}
}
