package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/cask-db/cask/ident"
	"github.com/cask-db/cask/schema"
)

// BackendTestSuite runs against every engine. Subclasses install a fresh
// engine in SetupTest and call setup.
type BackendTestSuite struct {
	suite.Suite
	engine Engine
	b      *Backend
	ctx    context.Context
}

func (suite *BackendTestSuite) setup(engine Engine, opts ...Option) {
	suite.ctx = context.Background()
	suite.engine = engine
	b, err := New(suite.ctx, engine, opts...)
	suite.Require().NoError(err)
	suite.b = b
}

func (suite *BackendTestSuite) declare(name string, t schema.Type, maskable bool) {
	suite.Require().NoError(suite.b.CreateVariable(Variable{
		Field: schema.Field{Name: name, Type: t, Maskable: maskable},
		Dim:   "rows",
	}))
}

func (suite *BackendTestSuite) setupRows() {
	suite.Require().NoError(suite.b.DeclareDimension("rows", Unbounded))
}

func (suite *BackendTestSuite) TestDimensionDeclare() {
	suite.NoError(suite.b.DeclareDimension("fixed", 5))
	suite.NoError(suite.b.DeclareDimension("fixed", 5))
	suite.ErrorIs(suite.b.DeclareDimension("fixed", 6), ErrSchemaConflict)
	suite.ErrorIs(suite.b.DeclareDimension("fixed", Unbounded), ErrSchemaConflict)

	size, ok := suite.b.DimensionSize("fixed")
	suite.True(ok)
	suite.Equal(5, size)

	_, ok = suite.b.DimensionSize("nope")
	suite.False(ok)
}

func (suite *BackendTestSuite) TestVariableCreate() {
	suite.setupRows()
	v := Variable{Field: schema.Field{Name: "x", Type: schema.Int()}, Dim: "rows"}
	suite.NoError(suite.b.CreateVariable(v))
	suite.NoError(suite.b.CreateVariable(v))

	changed := v
	changed.Field.Type = schema.Float()
	suite.ErrorIs(suite.b.CreateVariable(changed), ErrSchemaConflict)

	missing := Variable{Field: schema.Field{Name: "y", Type: schema.Int()}, Dim: "nope"}
	suite.ErrorIs(suite.b.CreateVariable(missing), ErrSchemaConflict)
}

func (suite *BackendTestSuite) TestWriteReadScalars() {
	suite.setupRows()
	suite.declare("i", schema.Int(), false)
	suite.declare("f", schema.Float(), false)
	suite.declare("bl", schema.Bool(), false)
	suite.declare("s", schema.String(), false)

	suite.NoError(suite.b.Write(suite.ctx, "i", 0, 42))
	suite.NoError(suite.b.Write(suite.ctx, "f", 0, 2.5))
	suite.NoError(suite.b.Write(suite.ctx, "bl", 0, true))
	suite.NoError(suite.b.Write(suite.ctx, "s", 0, "hello"))

	v, err := suite.b.Read(suite.ctx, "i", 0)
	suite.NoError(err)
	suite.Equal(int64(42), v)

	v, err = suite.b.Read(suite.ctx, "f", 0)
	suite.NoError(err)
	suite.Equal(2.5, v)

	v, err = suite.b.Read(suite.ctx, "bl", 0)
	suite.NoError(err)
	suite.Equal(true, v)

	v, err = suite.b.Read(suite.ctx, "s", 0)
	suite.NoError(err)
	suite.Equal("hello", v)
}

func (suite *BackendTestSuite) TestCheckValue() {
	suite.setupRows()
	suite.declare("f", schema.Float(), false)
	suite.declare("m", schema.Float(), true)

	suite.NoError(suite.b.CheckValue("f", 2.5))
	suite.Error(suite.b.CheckValue("f", "not a number"))
	suite.ErrorIs(suite.b.CheckValue("nope", 2.5), ErrNotFound)

	suite.NoError(suite.b.CheckValue("m", Unset))
	suite.ErrorIs(suite.b.CheckValue("f", Unset), ErrImmutable)

	// Checking writes nothing.
	size, _ := suite.b.DimensionSize("rows")
	suite.Equal(0, size)
}

func (suite *BackendTestSuite) TestWriteReadRefs() {
	suite.setupRows()
	suite.declare("r", schema.Ref("node"), false)
	suite.declare("rs", schema.RefList("node"), false)

	a, b := ident.New(), ident.New()
	suite.NoError(suite.b.Write(suite.ctx, "r", 0, a))
	suite.NoError(suite.b.Write(suite.ctx, "rs", 0, ident.Slice{a, b}))

	v, err := suite.b.Read(suite.ctx, "r", 0)
	suite.NoError(err)
	suite.Equal(a, v)

	v, err = suite.b.Read(suite.ctx, "rs", 0)
	suite.NoError(err)
	suite.True(v.(ident.Slice).Equals(ident.Slice{a, b}))

	// The unset sentinel round-trips.
	suite.NoError(suite.b.Write(suite.ctx, "r", 1, ident.None))
	v, err = suite.b.Read(suite.ctx, "r", 1)
	suite.NoError(err)
	suite.True(v.(ident.ID).IsNone())
}

func (suite *BackendTestSuite) TestWriteReadArrays() {
	suite.setupRows()
	suite.declare("pos", schema.NDArray(schema.Float64, 2, 3), false)
	suite.declare("ragged", schema.NDArray(schema.Int32, schema.Ragged), false)

	pos := schema.Float64Array([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6})
	suite.NoError(suite.b.Write(suite.ctx, "pos", 0, pos))
	v, err := suite.b.Read(suite.ctx, "pos", 0)
	suite.NoError(err)
	suite.True(pos.Equals(v.(schema.Array)))

	// Ragged rows may differ in length, including zero.
	short := schema.Int32Array([]int{0}, nil)
	long := schema.Int32Array([]int{4}, []int32{1, 2, 3, 4})
	suite.NoError(suite.b.Write(suite.ctx, "ragged", 0, short))
	suite.NoError(suite.b.Write(suite.ctx, "ragged", 1, long))

	v, err = suite.b.Read(suite.ctx, "ragged", 0)
	suite.NoError(err)
	suite.Equal(0, v.(schema.Array).Len())

	v, err = suite.b.Read(suite.ctx, "ragged", 1)
	suite.NoError(err)
	suite.True(long.Equals(v.(schema.Array)))

	wrong := schema.Float64Array([]int{3}, []float64{1, 2, 3})
	suite.Error(suite.b.Write(suite.ctx, "pos", 1, wrong))
}

func (suite *BackendTestSuite) TestUnboundedGrowth() {
	suite.setupRows()
	suite.declare("x", schema.Int(), false)

	for i := 0; i < 4; i++ {
		suite.NoError(suite.b.Write(suite.ctx, "x", i, i*10))
	}
	size, _ := suite.b.DimensionSize("rows")
	suite.Equal(4, size)

	// Appends must be contiguous.
	suite.ErrorIs(suite.b.Write(suite.ctx, "x", 6, 60), ErrOutOfBounds)
	suite.ErrorIs(suite.b.Write(suite.ctx, "x", -1, 0), ErrOutOfBounds)
}

func (suite *BackendTestSuite) TestCellsAreImmutable() {
	suite.setupRows()
	suite.declare("x", schema.Int(), false)
	suite.NoError(suite.b.Write(suite.ctx, "x", 0, 1))
	suite.ErrorIs(suite.b.Write(suite.ctx, "x", 0, 2), ErrImmutable)
}

func (suite *BackendTestSuite) TestMaskableCells() {
	suite.setupRows()
	suite.declare("m", schema.Float(), true)
	suite.declare("x", schema.Int(), false)

	// Writing the sentinel leaves the cell masked but claims the row.
	suite.NoError(suite.b.Write(suite.ctx, "m", 0, Unset))
	size, _ := suite.b.DimensionSize("rows")
	suite.Equal(1, size)

	v, err := suite.b.Read(suite.ctx, "m", 0)
	suite.NoError(err)
	suite.Equal(Unset, v)

	// A masked cell can be filled exactly once.
	suite.NoError(suite.b.Write(suite.ctx, "m", 0, 1.25))
	v, err = suite.b.Read(suite.ctx, "m", 0)
	suite.NoError(err)
	suite.Equal(1.25, v)
	suite.ErrorIs(suite.b.Write(suite.ctx, "m", 0, 2.5), ErrImmutable)

	// Non-maskable cells reject the sentinel and unwritten reads.
	suite.ErrorIs(suite.b.Write(suite.ctx, "x", 0, Unset), ErrImmutable)
	_, err = suite.b.Read(suite.ctx, "x", 0)
	suite.ErrorIs(err, ErrNotFound)
}

func (suite *BackendTestSuite) TestUnknownVariable() {
	suite.setupRows()
	suite.ErrorIs(suite.b.Write(suite.ctx, "ghost", 0, 1), ErrNotFound)
	_, err := suite.b.Read(suite.ctx, "ghost", 0)
	suite.ErrorIs(err, ErrNotFound)
}

func (suite *BackendTestSuite) TestReadManyPreservesRequestOrder() {
	suite.setupRows()
	suite.declare("x", schema.Int(), false)
	rows := []int{3, 0, 2, 1}
	for i := 0; i < 4; i++ {
		suite.NoError(suite.b.Write(suite.ctx, "x", i, i*100))
	}

	got, err := suite.b.ReadMany(suite.ctx, "x", rows)
	suite.NoError(err)
	suite.Equal([]interface{}{int64(300), int64(0), int64(200), int64(100)}, got)
}

func (suite *BackendTestSuite) TestWriteMany() {
	suite.setupRows()
	suite.declare("x", schema.Int(), false)
	suite.NoError(suite.b.WriteMany(suite.ctx, "x", []int{0, 1, 2}, []interface{}{5, 6, 7}))

	v, err := suite.b.Read(suite.ctx, "x", 2)
	suite.NoError(err)
	suite.Equal(int64(7), v)

	suite.Error(suite.b.WriteMany(suite.ctx, "x", []int{3}, nil))
}

func (suite *BackendTestSuite) TestStoreSchemas() {
	s := schema.MustNew(schema.Field{Name: "x", Type: schema.Int()})
	suite.NoError(suite.b.SetStoreSchema("node", s))
	suite.NoError(suite.b.SetStoreSchema("node", s))

	other := schema.MustNew(schema.Field{Name: "y", Type: schema.Int()})
	suite.ErrorIs(suite.b.SetStoreSchema("node", other), ErrSchemaConflict)

	got, ok := suite.b.StoreSchema("node")
	suite.True(ok)
	suite.True(got.Equals(s))
	suite.Equal([]string{"node"}, suite.b.StoreNames())
}

func (suite *BackendTestSuite) TestUnitScaling() {
	suite.setupRows()
	suite.Require().NoError(suite.b.CreateVariable(Variable{
		Field: schema.Field{Name: "dist", Type: schema.Float(), Unit: "nm"},
		Dim:   "rows",
	}))

	suite.NoError(suite.b.Write(suite.ctx, "dist", 0, 5.0))
	v, err := suite.b.Read(suite.ctx, "dist", 0)
	suite.NoError(err)
	suite.Equal(5.0, v)

	// A session without the unit table sees the canonical value.
	suite.Require().NoError(suite.b.Flush(suite.ctx))
	raw, err := New(suite.ctx, suite.engine)
	suite.Require().NoError(err)
	v, err = raw.Read(suite.ctx, "dist", 0)
	suite.NoError(err)
	suite.Equal(0.5, v)
}

type MemoryBackendSuite struct {
	BackendTestSuite
}

func (suite *MemoryBackendSuite) SetupTest() {
	suite.setup(NewMemoryEngine(), WithUnitOverrides(UnitTable{"nm": 10}))
}

func TestMemoryBackendSuite(t *testing.T) {
	suite.Run(t, &MemoryBackendSuite{})
}

type LevelDBBackendSuite struct {
	BackendTestSuite
}

func (suite *LevelDBBackendSuite) SetupTest() {
	engine, err := OpenLevelDB(suite.T().TempDir(), false)
	suite.Require().NoError(err)
	suite.setup(engine, WithUnitOverrides(UnitTable{"nm": 10}))
}

func (suite *LevelDBBackendSuite) TearDownTest() {
	suite.engine.Close()
}

func TestLevelDBBackendSuite(t *testing.T) {
	suite.Run(t, &LevelDBBackendSuite{})
}

type FileBackendSuite struct {
	BackendTestSuite
}

func (suite *FileBackendSuite) SetupTest() {
	engine, err := CreateFile(suite.T().TempDir() + "/c.cask")
	suite.Require().NoError(err)
	suite.setup(engine, WithUnitOverrides(UnitTable{"nm": 10}))
}

func (suite *FileBackendSuite) TearDownTest() {
	suite.engine.Close()
}

func TestFileBackendSuite(t *testing.T) {
	suite.Run(t, &FileBackendSuite{})
}
