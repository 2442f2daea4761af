package convert

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridweave/gridweave/engine/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
}

const masterDSS = `Clear
New Circuit.ckt1 bus1=srcbus basekv=12.47
New LineCode.lc1 nphases=3 units=km rmatrix=[0.09 | 0.04 0.09 | 0.04 0.04 0.09] xmatrix=[0.2 | 0.1 0.2 | 0.1 0.1 0.2]
New Line.l1 bus1=srcbus bus2=mid linecode=lc1 length=1 units=km
New Line.l2 bus1=mid bus2=end linecode=lc1 length=2 units=km
New Load.ld1 bus1=end kv=12.47 kw=100 kvar=20
`

func dssFS() fstest.MapFS {
	return fstest.MapFS{"master.dss": {Data: []byte(masterDSS)}}
}

func TestRegistryDefaultFormats(t *testing.T) {
	reg := Default(testLogger(), 2)
	assert.Equal(t, []string{"cimxml", "cyme", "json", "opendss"}, reg.ReaderFormats())
	assert.Equal(t, []string{"cimxml", "json", "opendss"}, reg.WriterFormats())
}

func TestPipelineUnknownFormats(t *testing.T) {
	p := NewPipeline(testLogger(), Default(testLogger(), 1))
	_, err := p.Run(context.Background(), Request{From: "nope", Entry: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown input format")

	_, err = p.Run(context.Background(), Request{
		From: "opendss", To: "nope", Entry: "master.dss",
		InputFS: dssFS(), OutDir: t.TempDir(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestPipelineOpenDSSToCIMAndBack(t *testing.T) {
	p := NewPipeline(testLogger(), Default(testLogger(), 2))
	outDir := t.TempDir()

	out, err := p.Run(context.Background(), Request{
		From: "opendss", To: "cimxml",
		Entry: "master.dss", InputFS: dssFS(), OutDir: outDir,
	})
	require.NoError(t, err)
	assert.Equal(t, "ckt1", out.System.Name)
	assert.Empty(t, out.Warnings)

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ckt1.xml", entries[0].Name())

	back, err := p.Run(context.Background(), Request{
		From: "cimxml", Entry: "ckt1.xml", InputFS: os.DirFS(outDir),
	})
	require.NoError(t, err)
	require.Equal(t, out.System.Len(), back.System.Len())

	ld, err := back.System.Resolve("ld1")
	require.NoError(t, err)
	assert.InDelta(t, 100_000, ld.(*model.Load).ActivePowerW, 1e-6)
}

func TestPipelineValidationFailureNeverWrites(t *testing.T) {
	// l1 references a linecode that does not exist.
	bad := fstest.MapFS{"master.dss": {Data: []byte(`New Circuit.bad bus1=srcbus basekv=12.47
New Line.l1 bus1=srcbus bus2=mid linecode=ghost length=1 units=km
`)}}
	p := NewPipeline(testLogger(), Default(testLogger(), 1))
	outDir := t.TempDir()

	_, err := p.Run(context.Background(), Request{
		From: "opendss", To: "cimxml",
		Entry: "master.dss", InputFS: bad, OutDir: outDir,
	})
	require.ErrorIs(t, err, model.ErrValidationFailed)
	require.ErrorIs(t, err, model.ErrUnknownReference)

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "validation failure must not produce output files")
}

func TestPipelineSurfacesIslandWarnings(t *testing.T) {
	// orphan is connected to nothing reachable from the source.
	island := fstest.MapFS{"master.dss": {Data: []byte(`New Circuit.isl bus1=srcbus basekv=12.47
New Line.l1 bus1=srcbus bus2=mid length=1 units=km
New Line.far bus1=orphan1 bus2=orphan2 length=1 units=km
`)}}
	p := NewPipeline(testLogger(), Default(testLogger(), 1))
	out, err := p.Run(context.Background(), Request{
		From: "opendss", Entry: "master.dss", InputFS: island,
	})
	require.NoError(t, err)

	var codes []string
	for _, w := range out.Warnings {
		codes = append(codes, w.Code)
	}
	assert.Contains(t, codes, model.WarnIsland)
}

func TestPipelineMergesExtraEntries(t *testing.T) {
	// feeder2.dss extends the network past "end" and re-declares that bus.
	fsys := dssFS()
	fsys["feeder2.dss"] = &fstest.MapFile{Data: []byte(`New Line.l3 bus1=end bus2=tail linecode=lc1 length=1 units=km
New Load.ld2 bus1=tail kv=12.47 kw=50
`)}
	p := NewPipeline(testLogger(), Default(testLogger(), 2))

	// The shared bus is a duplicate identity under the default policy.
	_, err := p.Run(context.Background(), Request{
		From: "opendss", Entry: "master.dss", InputFS: fsys,
		MergeEntries: []string{"feeder2.dss"},
	})
	require.ErrorIs(t, err, model.ErrDuplicateIdentity)

	out, err := p.Run(context.Background(), Request{
		From: "opendss", Entry: "master.dss", InputFS: fsys,
		MergeEntries: []string{"feeder2.dss"},
		MergePolicy:  "merge-fields",
	})
	require.NoError(t, err)
	assert.Equal(t, "ckt1", out.System.Name)

	ld2, err := out.System.Resolve("ld2")
	require.NoError(t, err)
	assert.InDelta(t, 50_000, ld2.(*model.Load).ActivePowerW, 1e-6)
	assert.Equal(t, "ckt1", out.System.Labels().Feeder["ld2"])
}

func TestPipelineRejectsUnknownMergePolicy(t *testing.T) {
	p := NewPipeline(testLogger(), Default(testLogger(), 1))
	_, err := p.Run(context.Background(), Request{
		From: "opendss", Entry: "master.dss", InputFS: dssFS(),
		MergePolicy: "overwrite",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown merge policy")
}

func TestPipelineCYMEToOpenDSS(t *testing.T) {
	fsys := fstest.MapFS{
		"model/network.txt": {Data: []byte(`[NODE]
FORMAT_Node=NodeID,CoordX,CoordY
src,0,0
n2,100,0

[SECTION]
FORMAT_Section=SectionID,FromNodeID,ToNodeID,Phase
FEEDER=fd1
s1,src,n2,ABC

[SOURCE]
FORMAT_Source=SourceID,NodeID,NetworkID,DesiredVoltage
src1,src,fd1,12.47

[OVERHEADLINE SETTING]
FORMAT_OverheadLineSetting=SectionID,DeviceNumber,LineCableID,Length
s1,l1,oh600,150
`)},
		"model/equipment.txt": {Data: []byte(`[LINE]
FORMAT_Line=ID,R1,X1,R0,X0,Amps
oh600,0.19,0.39,0.52,1.18,340
`)},
		"model/loads.txt": {Data: []byte(`[LOADS]
FORMAT_Loads=SectionID,DeviceNumber,LoadModelID,Phase,KW,KVAR
s1,ld1,1,A,75,20
`)},
	}
	p := NewPipeline(testLogger(), Default(testLogger(), 2))
	outDir := t.TempDir()

	out, err := p.Run(context.Background(), Request{
		From: "cyme", To: "opendss",
		Entry: "model/network.txt", InputFS: fsys, OutDir: outDir,
		ReadOpts: map[string]string{"equipment": "equipment.txt", "loads": "loads.txt"},
	})
	require.NoError(t, err)
	assert.Equal(t, "network", out.System.Name)
	assert.Empty(t, out.Warnings)

	master, err := os.ReadFile(filepath.Join(outDir, "Master.dss"))
	require.NoError(t, err)
	assert.Contains(t, string(master), "New Circuit.src1")
	assert.Contains(t, string(master), "Redirect Loads.dss")

	ld, err := out.System.Resolve("ld1")
	require.NoError(t, err)
	assert.InDelta(t, 75_000, ld.(*model.Load).ActivePowerW, 1e-6)
}

func TestPipelineJSONCapture(t *testing.T) {
	p := NewPipeline(testLogger(), Default(testLogger(), 2))
	outDir := t.TempDir()

	out, err := p.Run(context.Background(), Request{
		From: "opendss", To: "json",
		Entry: "master.dss", InputFS: dssFS(), OutDir: outDir,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(outDir, "ckt1.json"))
	require.NoError(t, err)
	require.NotEmpty(t, data)

	back, err := p.Run(context.Background(), Request{
		From: "json", Entry: "ckt1.json", InputFS: os.DirFS(outDir),
	})
	require.NoError(t, err)
	assert.Equal(t, out.System.Len(), back.System.Len())

	// The capture carries the derived partition labels.
	labels := back.System.Labels()
	require.NotNil(t, labels)
	assert.Equal(t, "ckt1", labels.Feeder["ld1"])
}
