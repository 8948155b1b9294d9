package core

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify_NilIsNil(t *testing.T) {
	require.Nil(t, Classify(nil, OpRead, "users", ""))
}

func TestClassify_PassesThroughExistingEngineError(t *testing.T) {
	original := &EngineError{Category: CategoryNotFound, Op: OpRead}
	classified := Classify(original, OpUpdate, "users", "name")
	require.Same(t, original, classified)
}

func TestClassify_SQLErrNoRowsMapsToNotFound(t *testing.T) {
	err := Classify(sql.ErrNoRows, OpRead, "users", "")
	require.True(t, IsCategory(err, CategoryNotFound))
}

func TestClassify_StringFallbackMapsKnownPhrases(t *testing.T) {
	cases := []struct {
		msg      string
		category Category
	}{
		{"database is locked", CategoryDatabaseLocked},
		{"SQLITE_BUSY: busy", CategoryDatabaseLocked},
		{"UNIQUE constraint failed: users.system_id", CategoryConstraintViolation},
		{"no such table: ghosts", CategorySchemaMismatch},
		{"no such column: age", CategorySchemaMismatch},
		{"database disk image is malformed", CategoryCorruption},
		{"attempt to write a readonly database", CategoryAccessDenied},
		{"connection closed", CategoryConnectionError},
	}
	for _, c := range cases {
		err := Classify(errors.New(c.msg), OpRead, "users", "")
		require.Truef(t, IsCategory(err, c.category), "msg=%q expected=%s", c.msg, c.category)
	}
}

func TestClassify_UnrecognizedMessageMapsToUnknown(t *testing.T) {
	err := Classify(errors.New("something inexplicable happened"), OpRead, "users", "")
	require.True(t, IsCategory(err, CategoryUnknown))
}

func TestEngineError_ErrorIncludesTableColumnAndCause(t *testing.T) {
	cause := errors.New("boom")
	ee := &EngineError{Category: CategoryInvalidData, Op: OpUpdate, Table: "users", Column: "name", Cause: cause}
	msg := ee.Error()
	require.Contains(t, msg, "users")
	require.Contains(t, msg, "name")
	require.Contains(t, msg, "boom")
	require.ErrorIs(t, ee, cause)
}

func TestIsCategory_FalseForNonEngineError(t *testing.T) {
	require.False(t, IsCategory(errors.New("plain"), CategoryUnknown))
}

func TestInvalidSchema_ErrorFormatsLocation(t *testing.T) {
	err := &InvalidSchema{Reason: "bad", Location: "users.name"}
	require.Contains(t, err.Error(), "users.name")
	require.Contains(t, err.Error(), "bad")
}
