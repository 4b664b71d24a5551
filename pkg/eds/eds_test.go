package eds

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleEDS = `
[1000]
ParameterName=Device Type

[1018]
ParameterName=Identity Object

[1018sub0]
ParameterName=Number of entries (highest sub-index supported)
DefaultValue=0x04

[2000]
ParameterName=Object

[2000sub1]
ParameterName=x

[2000sub2]
ParameterName=y

[1800]
ParameterName=TPDO1 communication parameter

[1800sub1]
ParameterName=COB-ID
DefaultValue=0x181

[1A00]
ParameterName=TPDO1 mapping parameter

[1A00sub1]
ParameterName=Mapped object 1
DefaultValue=0x20000110 ; index=0x2000 sub=1 size=16

[1A00sub2]
ParameterName=Mapped object 2
DefaultValue=0x20000220 ; index=0x2000 sub=2 size=32
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.eds")
	require.NoError(t, os.WriteFile(path, []byte(sampleEDS), 0o644))
	return path
}

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	return logrus.NewEntry(log)
}

func TestParseEmptyPath(t *testing.T) {
	m := Parse("", testLogger())
	assert.Empty(t, m.NameMap)
	assert.Empty(t, m.PDOMap)
}

func TestParseNameMap(t *testing.T) {
	m := Parse(writeSample(t), testLogger())

	assert.Equal(t, "Object.x", m.NameMap[Key{0x2000, 1}])
	assert.Equal(t, "Object.y", m.NameMap[Key{0x2000, 2}])
	assert.Equal(t, "Object", m.NameMap[Key{0x2000, 0}])
	assert.Equal(t, "Device Type", m.NameMap[Key{0x1000, 0}])
	// "highest" sub-index names fall back to the parent name.
	assert.Equal(t, "Identity Object", m.NameMap[Key{0x1018, 0}])
}

func TestParsePDOMap(t *testing.T) {
	m := Parse(writeSample(t), testLogger())

	entries, ok := m.PDOMap[0x181]
	require.True(t, ok)
	require.Len(t, entries, 2)
	assert.Equal(t, MappingEntry{Index: 0x2000, Sub: 1, SizeBits: 16}, entries[0])
	assert.Equal(t, MappingEntry{Index: 0x2000, Sub: 2, SizeBits: 32}, entries[1])
}

func TestNameFallsBackToHexForUnresolved(t *testing.T) {
	m := Empty()
	assert.Equal(t, "0x3000:4", m.Name(0x3000, 4))
}

func TestParseMalformedFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.eds")
	require.NoError(t, os.WriteFile(path, []byte("not an ini file [["), 0o644))
	m := Parse(path, testLogger())
	assert.NotNil(t, m.NameMap)
	assert.NotNil(t, m.PDOMap)
}
