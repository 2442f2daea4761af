package cyme

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridweave/gridweave/engine/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
}

const networkTxt = `[NODE]
FORMAT_Node=NodeID,CoordX,CoordY
src,0,0
n2,120,0
n3,240,0
n4,240,60

[SECTION]
FORMAT_Section=SectionID,FromNodeID,ToNodeID,Phase
FEEDER=fd1
s1,src,n2,ABC
s2,n2,n3,ABC
s3,n3,n4,A
s4,n3,n5,ABC
s5,n3,n6,ABC

[SOURCE]
FORMAT_Source=SourceID,NodeID,NetworkID,DesiredVoltage
SUBSTATION=subA
src1,src,fd1,12.47

[OVERHEADLINE SETTING]
FORMAT_OverheadLineSetting=SectionID,DeviceNumber,LineCableID,Length
s1,l1,oh600,120
s3,l3,oh600,80

[SWITCH SETTING]
FORMAT_SwitchSetting=SectionID,DeviceNumber,EqID,ClosedPhase
s2,sw2,swt,None

[FUSE SETTING]
FORMAT_FuseSetting=SectionID,DeviceNumber,EqID,Amps
s5,f1,fz,100

[TRANSFORMER SETTING]
FORMAT_TransformerSetting=SectionID,DeviceNumber,EqID
s4,t1,txa

[SHUNT CAPACITOR SETTING]
FORMAT_ShuntCapacitorSetting=SectionID,DeviceNumber,EqID
s1,c1,cap300
`

const equipmentTxt = `[LINE]
FORMAT_Line=ID,R1,X1,R0,X0,Amps
oh600,0.19,0.39,0.52,1.18,340

[TRANSFORMER]
FORMAT_Transformer=ID,Type,KVA,KVLLprim,KVLLsec,Z1,XR
txa,OA,500,12.47,0.416,4.5,6

[SHUNT CAPACITOR]
FORMAT_ShuntCapacitor=ID,KVAR,KV
cap300,300,7.2
`

const loadsTxt = `[LOADS]
FORMAT_Loads=SectionID,DeviceNumber,LoadModelID,Phase,KW,KVAR
s3,ld1,1,A,75,20
s1,ld2,1,A,10,2
s1,ld2,1,B,12,3
`

func cymeFS() fstest.MapFS {
	return fstest.MapFS{
		"network.txt":   {Data: []byte(networkTxt)},
		"equipment.txt": {Data: []byte(equipmentTxt)},
		"loads.txt":     {Data: []byte(loadsTxt)},
	}
}

func readOpts() map[string]string {
	return map[string]string{"equipment": "equipment.txt", "loads": "loads.txt"}
}

func TestParseTables(t *testing.T) {
	tables, err := parseTables(networkTxt)
	require.NoError(t, err)

	sec := tables["SECTION"]
	require.NotNil(t, sec)
	assert.Equal(t, []string{"SectionID", "FromNodeID", "ToNodeID", "Phase"}, sec.headers)
	require.Len(t, sec.rows, 5)
	assert.Equal(t, "src", sec.rows[0].get("FromNodeID"))
	assert.Equal(t, "fd1", sec.rows[0].feeder, "FEEDER context applies to following rows")

	src := tables["SOURCE"]
	require.NotNil(t, src)
	assert.Equal(t, "subA", src.rows[0].substation)
}

func TestParseTablesRowBeforeFormat(t *testing.T) {
	_, err := parseTables("[NODE]\nsrc,0,0\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FORMAT")
}

func TestParseTablesRepeatedSectionAppends(t *testing.T) {
	tables, err := parseTables(`[NODE]
FORMAT_Node=NodeID
a

[NODE]
FORMAT_Node=NodeID
b
`)
	require.NoError(t, err)
	require.Len(t, tables["NODE"].rows, 2)
}

func TestReaderBuildsSystem(t *testing.T) {
	r := NewReader(testLogger(), 2)
	sys, err := r.Read(context.Background(), cymeFS(), "network.txt", readOpts())
	require.NoError(t, err)
	assert.Equal(t, "network", sys.Name)

	// Buses: four from [NODE], two more implied by sections.
	assert.Len(t, sys.OfKind(model.KindBus), 6)
	srcBus, err := sys.Bus("src")
	require.NoError(t, err)
	require.NotNil(t, srcBus.Position)
	assert.Equal(t, 0.0, srcBus.Position.X)
	n4, err := sys.Bus("n4")
	require.NoError(t, err)
	assert.Equal(t, model.PhaseSet{model.PhaseA}, n4.Phases, "phases accumulate from touching sections")
	n5, err := sys.Bus("n5")
	require.NoError(t, err)
	assert.Nil(t, n5.Position, "section-only nodes carry no coordinates")

	srcs := sys.Sources()
	require.Len(t, srcs, 1)
	assert.Equal(t, "src1", srcs[0].Name)
	assert.Equal(t, "subA", srcs[0].Substation)
	assert.InDelta(t, 12470/sqrt3, srcs[0].VoltageV, 1e-6)

	lc, err := sys.Resolve("oh600")
	require.NoError(t, err)
	code := lc.(*model.LineCode)
	assert.InDelta(t, 0.30, code.RPerKm[0][0], 1e-9, "diagonal is (2*R1+R0)/3")
	assert.InDelta(t, 0.11, code.RPerKm[0][1], 1e-9, "off-diagonal is (R0-R1)/3")
	assert.InDelta(t, 340, code.AmpacityA, 1e-9)

	l1, err := sys.Resolve("l1")
	require.NoError(t, err)
	line := l1.(*model.Line)
	assert.Equal(t, "src", line.FromBus)
	assert.Equal(t, "n2", line.ToBus)
	assert.Equal(t, "oh600", line.LineCode)
	assert.InDelta(t, 120, line.LengthM, 1e-9)

	sw, err := sys.Resolve("sw2")
	require.NoError(t, err)
	assert.False(t, sw.(*model.Switch).IsClosed, "ClosedPhase=None means open")

	fu, err := sys.Resolve("f1")
	require.NoError(t, err)
	assert.InDelta(t, 100, fu.(*model.Fuse).RatingA, 1e-9)

	tx, err := sys.Resolve("t1")
	require.NoError(t, err)
	tr := tx.(*model.Transformer)
	require.Len(t, tr.Windings, 2)
	assert.Equal(t, "n3", tr.Windings[0].Bus)
	assert.Equal(t, "n5", tr.Windings[1].Bus)
	assert.InDelta(t, 500_000, tr.Windings[0].RatedPowerVA, 1e-6)
	assert.InDelta(t, 416/sqrt3, tr.Windings[1].NominalVoltageV, 1e-6)
	// Z1=4.5% at X/R=6 splits into R and X parts.
	assert.InDelta(t, 4.4388, tr.ReactancePct, 1e-3)
	assert.InDelta(t, 0.3699, tr.Windings[0].ResistancePct, 1e-3)

	cap, err := sys.Resolve("c1")
	require.NoError(t, err)
	assert.Equal(t, "n2", cap.(*model.Capacitor).Bus)
	assert.InDelta(t, 300_000, cap.(*model.Capacitor).ReactivePowerVar, 1e-6)
}

func TestReaderAggregatesLoadPhases(t *testing.T) {
	r := NewReader(testLogger(), 1)
	sys, err := r.Read(context.Background(), cymeFS(), "network.txt", readOpts())
	require.NoError(t, err)

	ld1, err := sys.Resolve("ld1")
	require.NoError(t, err)
	assert.Equal(t, "n4", ld1.(*model.Load).Bus, "loads attach at the section's far end")
	assert.InDelta(t, 75_000, ld1.(*model.Load).ActivePowerW, 1e-6)

	ld2, err := sys.Resolve("ld2")
	require.NoError(t, err)
	load := ld2.(*model.Load)
	assert.Equal(t, model.PhaseSet{model.PhaseA, model.PhaseB}, load.Phases)
	assert.InDelta(t, 22_000, load.ActivePowerW, 1e-6)
	assert.InDelta(t, 5_000, load.ReactivePowerVar, 1e-6)
}

func TestReaderAssignsBusVoltages(t *testing.T) {
	r := NewReader(testLogger(), 1)
	sys, err := r.Read(context.Background(), cymeFS(), "network.txt", readOpts())
	require.NoError(t, err)

	// Voltage flows from the source through lines and the open switch alike.
	n4, err := sys.Bus("n4")
	require.NoError(t, err)
	assert.InDelta(t, 12470/sqrt3, n4.NominalVoltageV, 1e-6)

	// The transformer steps the far side down to its secondary rating.
	n5, err := sys.Bus("n5")
	require.NoError(t, err)
	assert.InDelta(t, 416/sqrt3, n5.NominalVoltageV, 1e-6)
}

func TestReaderRequiresLoadModelSelection(t *testing.T) {
	fsys := cymeFS()
	fsys["loads.txt"] = &fstest.MapFile{Data: []byte(`[LOADS]
FORMAT_Loads=SectionID,DeviceNumber,LoadModelID,Phase,KW,KVAR
s1,lda,1,A,10,2
s1,ldb,2,A,20,4
`)}
	r := NewReader(testLogger(), 1)

	_, err := r.Read(context.Background(), fsys, "network.txt", readOpts())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load models")

	opts := readOpts()
	opts["load-model"] = "2"
	sys, err := r.Read(context.Background(), fsys, "network.txt", opts)
	require.NoError(t, err)
	assert.False(t, sys.Has("lda"))
	require.True(t, sys.Has("ldb"))
	ldb, err := sys.Resolve("ldb")
	require.NoError(t, err)
	assert.InDelta(t, 20_000, ldb.(*model.Load).ActivePowerW, 1e-6)
}

func TestReaderReportsUnknownSection(t *testing.T) {
	fsys := fstest.MapFS{"network.txt": {Data: []byte(`[NODE]
FORMAT_Node=NodeID,CoordX,CoordY
src,0,0

[SECTION]
FORMAT_Section=SectionID,FromNodeID,ToNodeID,Phase
s1,src,n2,ABC

[OVERHEADLINE SETTING]
FORMAT_OverheadLineSetting=SectionID,DeviceNumber,LineCableID,Length
ghost,l1,oh600,120
`)}}
	r := NewReader(testLogger(), 1)
	_, err := r.Read(context.Background(), fsys, "network.txt", nil)
	require.ErrorIs(t, err, model.ErrUnknownReference)
}

func TestReaderMissingCompanionFile(t *testing.T) {
	fsys := fstest.MapFS{"network.txt": {Data: []byte(networkTxt)}}
	r := NewReader(testLogger(), 1)
	_, err := r.Read(context.Background(), fsys, "network.txt",
		map[string]string{"equipment": "nope.txt"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope.txt")
}
