package cmd

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andresmejia3/cellbridge/internal/bridge"
	"github.com/andresmejia3/cellbridge/internal/bridge/bridgetest"
	"github.com/andresmejia3/cellbridge/internal/measurement"
	"github.com/andresmejia3/cellbridge/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	bridgetest.MaybeRun()
	os.Exit(m.Run())
}

// execute runs the CLI with args after restoring every flag to its default.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var reset func(c *cobra.Command)
	reset = func(c *cobra.Command) {
		for _, fs := range []*pflag.FlagSet{c.Flags(), c.PersistentFlags()} {
			fs.VisitAll(func(f *pflag.Flag) {
				if sv, ok := f.Value.(pflag.SliceValue); ok {
					_ = sv.Replace(nil)
				} else {
					_ = f.Value.Set(f.DefValue)
				}
				f.Changed = false
			})
		}
		for _, sub := range c.Commands() {
			reset(sub)
		}
	}
	reset(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append(args, "--log-level", "error"))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// fixture writes a two-row plate with DNA and Protein images, a fake pipeline and a module file.
type fixture struct {
	dir, csv, pipeline, module string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	t.Setenv(bridgetest.EnvHelper, "1")

	dir := t.TempDir()
	for _, name := range []string{"a_dna", "a_prot", "b_dna", "b_prot"} {
		img := image.NewGray(image.Rect(0, 0, 4, 4))
		for i := range img.Pix {
			img.Pix[i] = uint8(i * 16)
		}
		f, err := os.Create(filepath.Join(dir, name+".png"))
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
	}

	fx := fixture{
		dir:      dir,
		csv:      filepath.Join(dir, "plate.csv"),
		pipeline: filepath.Join(dir, "nuclei.cppipe"),
		module:   filepath.Join(dir, "cellprofiler.py"),
	}
	require.NoError(t, os.WriteFile(fx.csv, []byte("well,DNA,OrigProt\nA01,a_dna.png,a_prot.png\nB01,b_dna.png,b_prot.png\n"), 0o644))
	p := bridgetest.Pipeline{Channels: []string{"DNA", "Protein"}, Tables: []string{"Image", "Nuclei"}}
	require.NoError(t, os.WriteFile(fx.pipeline, p.Definition(), 0o644))
	require.NoError(t, os.WriteFile(fx.module, []byte("# fake"), 0o644))
	return fx
}

func (fx fixture) workerArgs() []string {
	return []string{"--module", fx.module, "--pipeline", fx.pipeline, "--interpreter", os.Args[0]}
}

func TestRunAndShow(t *testing.T) {
	fx := newFixture(t)
	results := filepath.Join(fx.dir, "plate.cbr.zst")

	args := append([]string{"run", "--input", fx.csv, "--bind", "Protein=OrigProt", "--out", results}, fx.workerArgs()...)
	out, err := execute(t, "", args...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Analysis Complete")
	assert.Contains(t, out, "DNA=DNA")
	assert.Contains(t, out, "Protein=OrigProt")
	assert.Contains(t, out, "CellProfiler Measurements: [Nuclei]")

	got, err := store.ReadFile(results)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "A01", got[0].RowKey)
	assert.Equal(t, []string{"Image", "Nuclei"}, got[0].Names())
	count, ok := got[0].Table("Image").Int("Count_Objects")
	require.True(t, ok)
	// 16 samples 0..240 normalize to 0..1; eight lie above 0.5
	assert.Equal(t, []int32{8}, count)

	out, err = execute(t, "", "show", results, "--row", "B01")
	require.NoError(t, err)
	assert.Contains(t, out, "ROW B01")
	assert.NotContains(t, out, "ROW A01")
	assert.Contains(t, out, "AreaShape_Area")

	out, err = execute(t, "", "show", results, "--merge", "--values", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "Nuclei::AreaShape_Area")
	assert.Contains(t, out, "6 more")
}

func TestRunConfigurationErrors(t *testing.T) {
	fx := newFixture(t)

	_, err := execute(t, "", "run", "--input", fx.csv, "--out", filepath.Join(fx.dir, "x.cbr"))
	assert.ErrorIs(t, err, bridge.ErrConfiguration, "no module")

	args := append([]string{"run", "--input", fx.csv}, fx.workerArgs()...)
	_, err = execute(t, "", args...)
	assert.ErrorIs(t, err, bridge.ErrConfiguration, "no sink")

	// Protein has no same-named column and no explicit binding
	args = append([]string{"run", "--input", fx.csv, "--out", filepath.Join(fx.dir, "x.cbr")}, fx.workerArgs()...)
	_, err = execute(t, "", args...)
	assert.ErrorIs(t, err, bridge.ErrConfiguration, "unbound channel")
	var ce *commandError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "Cannot bind pipeline channels", ce.context)
}

func TestInspect(t *testing.T) {
	fx := newFixture(t)
	args := append([]string{"inspect", "--input", fx.csv, "--bind", "Protein=OrigProt", "--merge"}, fx.workerArgs()...)
	out, err := execute(t, "", args...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "channel")
	assert.Contains(t, out, "Protein")
	assert.Contains(t, out, "Nuclei")
	assert.Contains(t, out, "Protein=OrigProt")
	assert.Contains(t, out, "CellProfiler Measurements")
	assert.NotContains(t, out, "[Nuclei]")
}

func TestResetAborts(t *testing.T) {
	out, err := execute(t, "n\n", "reset")
	require.NoError(t, err)
	assert.Contains(t, out, "Aborted.")
	assert.Nil(t, DB, "no connection without confirmation")
}

func TestShowUnknownTarget(t *testing.T) {
	_, err := execute(t, "", "show", filepath.Join(t.TempDir(), "missing.cbr"))
	assert.ErrorContains(t, err, "neither a results file nor a run id")
}

func TestShowMerged(t *testing.T) {
	mergedRun := &store.Run{Merged: true}
	assert.True(t, showMerged(false, false, mergedRun), "stored run keeps its mode")
	assert.False(t, showMerged(false, true, mergedRun), "explicit flag wins")
	assert.True(t, showMerged(true, true, &store.Run{}))
	assert.False(t, showMerged(false, false, nil), "files follow the flag")
	assert.True(t, showMerged(true, false, nil))
}

func TestFormatValues(t *testing.T) {
	assert.Equal(t, "[1.5 2]", formatValues(measurement.DoubleFeature("a", []float64{1.5, 2}), 5))
	assert.Equal(t, "[1 … 2 more]", formatValues(measurement.IntFeature("n", []int32{1, 2, 3}), 1))
	assert.Equal(t, `"x.tif"`, formatValues(measurement.StringFeature("f", "x.tif"), 5))
	assert.Equal(t, "[]", formatValues(measurement.FloatFeature("e", nil), 5))
}
