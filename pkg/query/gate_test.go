package query

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rivetdb/rivetdb/pkg/apperrors"
)

func TestValidateReadOnly(t *testing.T) {
	tests := []struct {
		name    string
		sql     string
		wantErr bool
	}{
		{name: "select", sql: "SELECT * FROM pg1.public.users"},
		{name: "select lowercase with whitespace", sql: "  select 1"},
		{name: "pure cte", sql: "WITH c AS (SELECT 1) SELECT * FROM c"},
		{name: "empty", sql: "", wantErr: true},
		{name: "insert", sql: "INSERT INTO t VALUES (1)", wantErr: true},
		{name: "update", sql: "UPDATE t SET x = 1", wantErr: true},
		{name: "delete", sql: "DELETE FROM t", wantErr: true},
		{name: "ddl", sql: "DROP TABLE t", wantErr: true},
		{name: "modifying cte", sql: "WITH gone AS (DELETE FROM t RETURNING *) SELECT * FROM gone", wantErr: true},
		{name: "transaction control", sql: "BEGIN", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateReadOnly(tt.sql)
			if tt.wantErr {
				assert.True(t, errors.Is(err, apperrors.ErrInvalidConfig), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckParamsForInjection(t *testing.T) {
	assert.NoError(t, CheckParamsForInjection([]any{"12345", 42, true, nil}))
	assert.NoError(t, CheckParamsForInjection([]any{"plain text value"}))

	err := CheckParamsForInjection([]any{"'; DROP TABLE users--"})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidConfig), "got %v", err)
}

func TestExtractTableRefs(t *testing.T) {
	known := map[string]bool{"pg1": true, "duck": true}

	refs := ExtractTableRefs(`SELECT COUNT(*) FROM pg1.public.users`, known)
	assert.Equal(t, []TableRef{{Connection: "pg1", Schema: "public", Table: "users"}}, refs)

	// Unknown qualifiers (e.g. column paths, other catalogs) are ignored.
	refs = ExtractTableRefs(`SELECT a.b.c FROM other.schema.tbl`, known)
	assert.Empty(t, refs)

	// Joins across connections, duplicates collapsed.
	refs = ExtractTableRefs(`
		SELECT * FROM pg1.public.users u
		JOIN duck.main.orders o ON o.user_id = u.id
		JOIN pg1.public.users v ON v.id = o.ref_id`, known)
	assert.Len(t, refs, 2)

	// Quoted identifiers keep their case.
	refs = ExtractTableRefs(`SELECT * FROM "pg1"."Public"."Users"`, known)
	assert.Equal(t, []TableRef{{Connection: "pg1", Schema: "Public", Table: "Users"}}, refs)
}
