package pipeline

import (
	"context"
	"testing"

	"github.com/ralph-fleet/ralphd/internal/ralphtypes"
	"github.com/stretchr/testify/require"
)

type fakeStage struct {
	BaseCommand
	run func(ctx context.Context, ws *WorkerState) StageExecution
}

func (f *fakeStage) Execute(ctx context.Context, ws *WorkerState) StageExecution {
	return f.run(ctx, ws)
}

func newFakeStage(name StageName, deps []StageName, run func(ctx context.Context, ws *WorkerState) StageExecution) *fakeStage {
	return &fakeStage{
		BaseCommand: NewBaseCommand(CommandMetadata{Name: name, Dependencies: deps}),
		run:         run,
	}
}

func testState() *WorkerState {
	return &WorkerState{Task: &ralphtypes.Task{Path: "acme/widgets#42/0"}}
}

func TestPipelineDependencyResolution_IncludesTransitiveDeps(t *testing.T) {
	registry := NewCommandRegistry()
	ok := func(ctx context.Context, ws *WorkerState) StageExecution { return ExecutionSuccess() }
	registry.Register(newFakeStage(StagePreflight, nil, ok))
	registry.Register(newFakeStage(StageWorktree, []StageName{StagePreflight}, ok))
	registry.Register(newFakeStage(StageSetup, []StageName{StageWorktree}, ok))

	p := NewPipeline(registry)
	plan, err := p.BuildExecutionPlan([]StageName{StageSetup})
	require.NoError(t, err)
	require.Equal(t, []StageName{StagePreflight, StageWorktree, StageSetup}, plan.Order)
}

func TestPipelineExecute_RunsStagesInOrder(t *testing.T) {
	registry := NewCommandRegistry()
	var seen []StageName
	track := func(name StageName) func(context.Context, *WorkerState) StageExecution {
		return func(ctx context.Context, ws *WorkerState) StageExecution {
			seen = append(seen, name)
			return ExecutionSuccess()
		}
	}
	registry.Register(newFakeStage(StagePreflight, nil, track(StagePreflight)))
	registry.Register(newFakeStage(StageWorktree, []StageName{StagePreflight}, track(StageWorktree)))

	p := NewPipeline(registry, WithMiddleware()) // adds nothing; the default stack does not affect ordering
	result, err := p.Execute(context.Background(), testState(), StageWorktree)
	require.NoError(t, err)
	require.True(t, result.IsSuccess())
	require.Equal(t, []StageName{StagePreflight, StageWorktree}, seen)
}

func TestPipelineExecute_StopsOnErrorByDefault(t *testing.T) {
	registry := NewCommandRegistry()
	registry.Register(newFakeStage(StagePreflight, nil, func(ctx context.Context, ws *WorkerState) StageExecution {
		return ExecutionFailure(context.DeadlineExceeded)
	}))
	ranBuild := false
	registry.Register(newFakeStage(StageBuild, []StageName{StagePreflight}, func(ctx context.Context, ws *WorkerState) StageExecution {
		ranBuild = true
		return ExecutionSuccess()
	}))

	p := NewPipeline(registry, WithMiddleware())
	result, err := p.Execute(context.Background(), testState(), StageBuild)
	require.Error(t, err)
	require.False(t, result.IsSuccess())
	require.False(t, ranBuild)
}

func TestPipelineExecute_SkipStopsWithoutError(t *testing.T) {
	registry := NewCommandRegistry()
	registry.Register(newFakeStage(StagePreflight, nil, func(ctx context.Context, ws *WorkerState) StageExecution {
		return ExecutionSuccessWithSkip()
	}))
	ranBuild := false
	registry.Register(newFakeStage(StageBuild, []StageName{StagePreflight}, func(ctx context.Context, ws *WorkerState) StageExecution {
		ranBuild = true
		return ExecutionSuccess()
	}))

	p := NewPipeline(registry, WithMiddleware())
	result, err := p.Execute(context.Background(), testState(), StageBuild)
	require.NoError(t, err)
	require.True(t, result.Skipped)
	require.False(t, ranBuild)
}

func TestPipelineExecute_MissingDependencyErrors(t *testing.T) {
	registry := NewCommandRegistry()
	registry.Register(newFakeStage(StageBuild, []StageName{StagePreflight}, func(ctx context.Context, ws *WorkerState) StageExecution {
		return ExecutionSuccess()
	}))
	p := NewPipeline(registry)
	_, err := p.BuildExecutionPlan([]StageName{StageBuild})
	require.Error(t, err)
}

func TestPipelineExecute_CanceledContextFailsFast(t *testing.T) {
	registry := NewCommandRegistry()
	registry.Register(newFakeStage(StagePreflight, nil, func(ctx context.Context, ws *WorkerState) StageExecution {
		return ExecutionSuccess()
	}))
	p := NewPipeline(registry)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := p.Execute(ctx, testState(), StagePreflight)
	require.Error(t, err)
	require.True(t, result.Canceled)
}

func TestDefaultPipeline_UsesPackageRegistry(t *testing.T) {
	require.NotNil(t, DefaultPipeline())
}
