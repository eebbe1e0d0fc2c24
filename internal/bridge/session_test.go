package bridge_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/cellbridge/internal/bridge"
	"github.com/andresmejia3/cellbridge/internal/bridge/bridgetest"
	"github.com/andresmejia3/cellbridge/internal/imaging"
	"github.com/andresmejia3/cellbridge/internal/measurement"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	bridgetest.MaybeRun()
	os.Exit(m.Run())
}

var cellPipeline = bridgetest.Pipeline{
	Channels: []string{"DNA", "Protein"},
	Tables:   []string{"Image", "Nuclei"},
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func fakeConfig(t *testing.T, mode string) bridge.Config {
	t.Helper()
	module := filepath.Join(t.TempDir(), "cellprofiler.py")
	require.NoError(t, os.WriteFile(module, []byte("# fake"), 0o644))

	interpreter, args, env := bridgetest.Command(mode)
	logger := zerolog.Nop()
	return bridge.Config{
		Interpreter:     interpreter,
		InterpreterArgs: args,
		ModulePath:      module,
		Env:             env,
		ConnectTimeout:  10 * time.Second,
		Logger:          &logger,
	}
}

func startSession(t *testing.T, cfg bridge.Config) *bridge.Session {
	t.Helper()
	s, err := bridge.Start(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func loaded(t *testing.T, p bridgetest.Pipeline) *bridge.Session {
	t.Helper()
	s := startSession(t, fakeConfig(t, ""))
	require.NoError(t, s.LoadPipeline(context.Background(), p.Definition()))
	return s
}

func plane(t *testing.T, values ...float32) imaging.Image {
	t.Helper()
	b, err := imaging.NewBuffer([]int{1, len(values)}, values)
	require.NoError(t, err)
	return b
}

func TestStartConfiguration(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name   string
		module string
	}{
		{"Unset", ""},
		{"Missing", filepath.Join(dir, "nope.py")},
		{"Directory", dir},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := bridge.Start(context.Background(), bridge.Config{ModulePath: tt.module})
			assert.ErrorIs(t, err, bridge.ErrConfiguration)
		})
	}
}

func TestEndToEnd(t *testing.T) {
	logs := &logBuffer{}
	logger := zerolog.New(logs).Level(zerolog.DebugLevel)
	cfg := fakeConfig(t, "")
	cfg.Logger = &logger

	s := startSession(t, cfg)
	assert.Equal(t, bridge.StateConnected, s.State())
	assert.True(t, strings.HasPrefix(s.Address(), "tcp://127.0.0.1:"))

	ctx := context.Background()
	require.NoError(t, s.LoadPipeline(ctx, cellPipeline.Definition()))
	assert.Equal(t, bridge.StatePipelineLoaded, s.State())
	assert.Equal(t, []string{"DNA", "Protein"}, s.InputChannels())
	assert.Equal(t, []string{"Image", "Nuclei"}, s.ResultTables())

	_, err := s.Features("Nuclei")
	assert.ErrorIs(t, err, bridge.ErrNotReady, "no run yet")

	err = s.Run(ctx, map[string]imaging.Image{
		"DNA":     plane(t, 0.9, 0.1, 0.7, 1.0),
		"Protein": plane(t, 0, 0, 0, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, bridge.StateReady, s.State())

	features, err := s.Features("Nuclei")
	require.NoError(t, err)
	require.NotEmpty(t, features)
	assert.Contains(t, features, bridge.FeatureDescription{Name: "AreaShape_Area", Kind: measurement.KindDouble})

	objects, err := s.ObjectCount("Nuclei")
	require.NoError(t, err)
	assert.Equal(t, 3, objects)

	area, err := s.DoubleMeasurements("Nuclei", "AreaShape_Area")
	require.NoError(t, err)
	assert.Len(t, area, objects)

	intensity, err := s.FloatMeasurements("Nuclei", "Intensity_MeanIntensity")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.9, 0.7, 1.0}, intensity)

	mode, err := s.StringMeasurement("Image", "Mode")
	require.NoError(t, err)
	assert.Equal(t, "run-req", mode)

	_, err = s.IntMeasurements("Nuclei", "AreaShape_Area")
	assert.ErrorIs(t, err, bridge.ErrUnknownFeature, "wrong kind")
	_, err = s.Features("Cytoplasm")
	assert.ErrorIs(t, err, bridge.ErrUnknownTable)

	// Worker output reached the logger
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "fake worker starting") &&
			strings.Contains(logs.String(), "fake worker: this is a warning")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRunGroup(t *testing.T) {
	s := loaded(t, cellPipeline)
	ctx := context.Background()

	stack, err := imaging.NewBuffer([]int{3, 1, 2}, []float32{1, 0, 1, 0, 1, 1})
	require.NoError(t, err)
	images := map[string]imaging.Image{"DNA": stack, "Protein": stack}

	err = s.Run(ctx, images)
	assert.ErrorIs(t, err, bridge.ErrProtocol, "flat run with a stack")

	require.NoError(t, s.RunGroup(ctx, images))
	mode, err := s.StringMeasurement("Image", "Mode")
	require.NoError(t, err)
	assert.Equal(t, "run-group-req", mode)

	planes, err := s.IntMeasurements("Image", "Group_Planes")
	require.NoError(t, err)
	assert.Equal(t, []int32{3}, planes)
}

func TestRunBeforePipeline(t *testing.T) {
	s := startSession(t, fakeConfig(t, ""))
	err := s.Run(context.Background(), map[string]imaging.Image{"DNA": plane(t, 1)})
	assert.ErrorIs(t, err, bridge.ErrNotReady)
	_, err = s.Features("Image")
	assert.ErrorIs(t, err, bridge.ErrNotReady)
}

func TestRunChannelChecks(t *testing.T) {
	s := loaded(t, cellPipeline)
	ctx := context.Background()

	err := s.Run(ctx, map[string]imaging.Image{"DNA": plane(t, 1)})
	assert.ErrorIs(t, err, bridge.ErrProtocol, "missing channel")

	err = s.Run(ctx, map[string]imaging.Image{"DNA": plane(t, 1), "Protein": plane(t, 1), "Actin": plane(t, 1)})
	assert.ErrorIs(t, err, bridge.ErrProtocol, "unknown channel")

	// Still usable
	require.NoError(t, s.Run(ctx, map[string]imaging.Image{"DNA": plane(t, 1), "Protein": plane(t, 1)}))
}

func TestLoadMalformedPipeline(t *testing.T) {
	s := startSession(t, fakeConfig(t, ""))
	err := s.LoadPipeline(context.Background(), []byte("CellProfiler Pipeline: garbage"))
	assert.ErrorIs(t, err, bridge.ErrPipeline)
	assert.Equal(t, bridge.StateConnected, s.State())

	err = s.LoadPipelineFile(context.Background(), filepath.Join(t.TempDir(), "missing.cppipe"))
	assert.ErrorIs(t, err, bridge.ErrConfiguration)
}

func TestComputeErrorKeepsSession(t *testing.T) {
	failing := cellPipeline
	failing.Fail = "analysis"
	s := loaded(t, failing)
	ctx := context.Background()
	images := map[string]imaging.Image{"DNA": plane(t, 1), "Protein": plane(t, 1)}

	err := s.Run(ctx, images)
	require.ErrorIs(t, err, bridge.ErrCompute)
	assert.True(t, bridge.RowScoped(err))
	assert.Contains(t, err.Error(), "segmentation failed")

	// The connection is intact: load a working pipeline and run again
	require.NoError(t, s.LoadPipeline(ctx, cellPipeline.Definition()))
	require.NoError(t, s.Run(ctx, images))
}

func TestProtocolErrors(t *testing.T) {
	t.Run("Length mismatch", func(t *testing.T) {
		p := cellPipeline
		p.Fail = "mismatch"
		s := loaded(t, p)
		err := s.Run(context.Background(), map[string]imaging.Image{"DNA": plane(t, 1), "Protein": plane(t, 1)})
		assert.ErrorIs(t, err, bridge.ErrProtocol)
	})

	t.Run("Garbage header", func(t *testing.T) {
		p := cellPipeline
		p.Fail = "garbage"
		s := loaded(t, p)
		images := map[string]imaging.Image{"DNA": plane(t, 1), "Protein": plane(t, 1)}
		err := s.Run(context.Background(), images)
		assert.ErrorIs(t, err, bridge.ErrProtocol)

		// The stream is out of step; the session refuses further work
		err = s.Run(context.Background(), images)
		assert.Error(t, err)
	})

	t.Run("Version mismatch", func(t *testing.T) {
		_, err := bridge.Start(context.Background(), fakeConfig(t, "badversion"))
		assert.ErrorIs(t, err, bridge.ErrProtocol)
	})
}

func TestConnectFailures(t *testing.T) {
	t.Run("Worker crashes", func(t *testing.T) {
		_, err := bridge.Start(context.Background(), fakeConfig(t, "crash"))
		require.ErrorIs(t, err, bridge.ErrConnection)
		assert.Contains(t, err.Error(), "ImportError")
	})

	t.Run("Worker never listens", func(t *testing.T) {
		cfg := fakeConfig(t, "silent")
		cfg.ConnectTimeout = 300 * time.Millisecond
		start := time.Now()
		_, err := bridge.Start(context.Background(), cfg)
		assert.ErrorIs(t, err, bridge.ErrConnection)
		assert.Less(t, time.Since(start), 10*time.Second, "Close must not hang on the killed worker")
	})

	t.Run("Interpreter missing", func(t *testing.T) {
		cfg := fakeConfig(t, "")
		cfg.Interpreter = "/nonexistent/python"
		_, err := bridge.Start(context.Background(), cfg)
		assert.ErrorIs(t, err, bridge.ErrConfiguration)
	})
}

func TestRequestDeadlines(t *testing.T) {
	slow := cellPipeline
	slow.Delay = "3s"
	images := func(t *testing.T) map[string]imaging.Image {
		return map[string]imaging.Image{"DNA": plane(t, 1), "Protein": plane(t, 1)}
	}

	t.Run("Request timeout", func(t *testing.T) {
		cfg := fakeConfig(t, "")
		cfg.RequestTimeout = 200 * time.Millisecond
		s := startSession(t, cfg)
		require.NoError(t, s.LoadPipeline(context.Background(), slow.Definition()))

		err := s.Run(context.Background(), images(t))
		assert.ErrorIs(t, err, bridge.ErrConnection)
		assert.ErrorIs(t, s.Run(context.Background(), images(t)), bridge.ErrConnection)
	})

	t.Run("Context cancelled", func(t *testing.T) {
		s := loaded(t, slow)
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		start := time.Now()
		err := s.Run(ctx, images(t))
		assert.ErrorIs(t, err, bridge.ErrConnection)
		assert.Less(t, time.Since(start), 3*time.Second)
	})
}

func TestClose(t *testing.T) {
	s := startSession(t, fakeConfig(t, ""))
	s.Close()
	s.Close()
	assert.Equal(t, bridge.StateClosed, s.State())

	err := s.LoadPipeline(context.Background(), cellPipeline.Definition())
	assert.ErrorIs(t, err, bridge.ErrClosed)
}

func TestCloseDuringRun(t *testing.T) {
	slow := cellPipeline
	slow.Delay = "10s"
	s := loaded(t, slow)

	errc := make(chan error, 1)
	go func() {
		errc <- s.Run(context.Background(), map[string]imaging.Image{"DNA": plane(t, 1), "Protein": plane(t, 1)})
	}()

	time.Sleep(200 * time.Millisecond)
	s.Close()

	select {
	case err := <-errc:
		require.Error(t, err)
		assert.True(t, errors.Is(err, bridge.ErrConnection) || errors.Is(err, bridge.ErrClosed), "got %v", err)
	case <-time.After(8 * time.Second):
		t.Fatal("in-flight run did not return after Close")
	}
}

func TestFreePort(t *testing.T) {
	port, err := bridge.FreePort()
	require.NoError(t, err)
	assert.Greater(t, port, 0)
}
